package domain

import "context"

// Turn is one user input delivered to a session. DeliveryID, when set,
// identifies re-deliveries of the same input.
type Turn struct {
	Text       string `json:"text"`
	DeliveryID string `json:"deliveryId,omitempty"`
}

// TurnResult is what a caller renders after a turn.
type TurnResult struct {
	SessionID string   `json:"sessionId"`
	Stage     Stage    `json:"stage"`
	Output    string   `json:"output"`
	Choices   []Choice `json:"choices,omitempty"`
	Replayed  bool     `json:"replayed,omitempty"`
}

// SnapshotStore persists serialized WorkflowState snapshots.
type SnapshotStore interface {
	Load(ctx context.Context, sessionID string) ([]byte, error)
	Save(ctx context.Context, sessionID string, data []byte) error
	Delete(ctx context.Context, sessionID string) error
	List(ctx context.Context) ([]string, error)
	Close() error
}

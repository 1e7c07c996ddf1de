package session

import (
	"encoding/json"
	"fmt"

	"github.com/declue/aipilot/internal/domain"
)

// SnapshotVersion is the current snapshot format.
const SnapshotVersion = 1

type snapshotEnvelope struct {
	Version int                   `json:"version"`
	State   *domain.WorkflowState `json:"state"`
}

// EncodeSnapshot serializes a workflow state.
func EncodeSnapshot(state *domain.WorkflowState) ([]byte, error) {
	if state == nil {
		return nil, fmt.Errorf("encode snapshot: state is nil")
	}
	data, err := json.Marshal(snapshotEnvelope{Version: SnapshotVersion, State: state})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot restores a workflow state. Any structural problem is
// reported as domain.ErrSnapshotCorrupt.
func DecodeSnapshot(data []byte) (*domain.WorkflowState, error) {
	var envelope snapshotEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSnapshotCorrupt, err)
	}
	if envelope.Version != SnapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", domain.ErrSnapshotCorrupt, envelope.Version)
	}
	state := envelope.State
	if state == nil {
		return nil, fmt.Errorf("%w: missing state", domain.ErrSnapshotCorrupt)
	}
	if state.SessionID == "" {
		return nil, fmt.Errorf("%w: missing session id", domain.ErrSnapshotCorrupt)
	}
	if !state.Stage.Valid() {
		return nil, fmt.Errorf("%w: unknown stage %q", domain.ErrSnapshotCorrupt, state.Stage)
	}
	if state.Context == nil {
		state.Context = make(map[string]string)
	}
	return state, nil
}

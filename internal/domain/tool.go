package domain

import (
	"context"
	"encoding/json"
	"time"
)

// ToolDescriptor is the cached metadata of one discoverable tool.
type ToolDescriptor struct {
	Name          string          `json:"name"`
	ServerID      string          `json:"serverId"`
	Description   string          `json:"description,omitempty"`
	InputSchema   json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema  json.RawMessage `json:"outputSchema,omitempty"`
	LastRefreshed time.Time       `json:"lastRefreshed"`
}

// Key returns the registry key of the descriptor.
func (d ToolDescriptor) Key() ToolKey {
	return ToolKey{ServerID: d.ServerID, Name: d.Name}
}

// ToolKey identifies a tool within its server namespace.
type ToolKey struct {
	ServerID string
	Name     string
}

func (k ToolKey) String() string {
	return k.ServerID + "." + k.Name
}

// CallStatus is the outcome class of a tool call.
type CallStatus string

const (
	CallStatusSuccess        CallStatus = "success"
	CallStatusToolError      CallStatus = "tool_error"
	CallStatusTransportError CallStatus = "transport_error"
	CallStatusTimeout        CallStatus = "timeout"
	CallStatusSchemaMismatch CallStatus = "schema_mismatch"
)

// ToolCallResult is the immutable record of one tool call.
type ToolCallResult struct {
	Tool        string          `json:"tool"`
	ServerID    string          `json:"serverId,omitempty"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
	Status      CallStatus      `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ErrorDetail string          `json:"errorDetail,omitempty"`
	Duration    time.Duration   `json:"duration"`
	Attempts    int             `json:"attempts"`
}

// OK reports whether the call succeeded.
func (r ToolCallResult) OK() bool {
	return r.Status == CallStatusSuccess
}

// Observation renders the result as text fed back to the reasoner.
func (r ToolCallResult) Observation() string {
	if r.OK() {
		if len(r.Payload) == 0 {
			return "ok"
		}
		return string(r.Payload)
	}
	return string(r.Status) + ": " + r.ErrorDetail
}

// ToolWarning annotates a snapshot with a non-fatal discovery problem.
type ToolWarning struct {
	ServerID   string    `json:"serverId"`
	Message    string    `json:"message"`
	Failures   int       `json:"failures"`
	RetryAt    time.Time `json:"retryAt"`
	KnownTools int       `json:"knownTools"`
}

// ToolSnapshot is a consistent view of every known tool.
type ToolSnapshot struct {
	Tools    []ToolDescriptor `json:"tools"`
	Warnings []ToolWarning    `json:"warnings,omitempty"`
	ETag     string           `json:"etag"`
}

// CallOutput is the raw reply of a tool server call. IsError marks a
// tool-reported application error; Message then carries the server text.
type CallOutput struct {
	Payload json.RawMessage
	IsError bool
	Message string
}

// ToolServer is the boundary to one remote capability provider.
type ToolServer interface {
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (CallOutput, error)
}

// ToolSource lists the currently known tools.
type ToolSource interface {
	ListTools(ctx context.Context) (ToolSnapshot, error)
}

// ToolCaller executes a single tool call.
type ToolCaller interface {
	Call(ctx context.Context, descriptor ToolDescriptor, args json.RawMessage, timeout time.Duration) ToolCallResult
}

// RecordedArguments returns args in a form that always marshals: malformed
// JSON is kept as a JSON string.
func RecordedArguments(args json.RawMessage) json.RawMessage {
	if len(args) == 0 {
		return nil
	}
	if json.Valid(args) {
		return append(json.RawMessage(nil), args...)
	}
	quoted, _ := json.Marshal(string(args))
	return quoted
}

package domain

import (
	"context"
	"encoding/json"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a reasoning conversation.
type Message struct {
	Role       Role            `json:"role"`
	Content    string          `json:"content"`
	ToolName   string          `json:"toolName,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
}

// ToolCatalogEntry is the schema projection of a descriptor handed to the reasoner.
type ToolCatalogEntry struct {
	Name        string          `json:"name"`
	ServerID    string          `json:"serverId"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type DecisionKind string

const (
	DecisionFinalAnswer DecisionKind = "final_answer"
	DecisionToolCall    DecisionKind = "tool_call"
)

// Decision is the reasoner's choice for the next step.
type Decision struct {
	Kind      DecisionKind
	Text      string
	CallID    string
	ToolName  string
	Arguments json.RawMessage
}

func FinalAnswer(text string) Decision {
	return Decision{Kind: DecisionFinalAnswer, Text: text}
}

func ToolCall(name string, args json.RawMessage) Decision {
	return Decision{Kind: DecisionToolCall, ToolName: name, Arguments: args}
}

// Reasoner is the language-model collaborator boundary.
type Reasoner interface {
	Decide(ctx context.Context, conversation []Message, catalog []ToolCatalogEntry) (Decision, error)
}

// StreamFunc receives incremental answer text.
type StreamFunc func(chunk string)

// StreamingReasoner delivers answer text incrementally; tool calls are still
// returned whole.
type StreamingReasoner interface {
	Reasoner
	DecideStream(ctx context.Context, conversation []Message, catalog []ToolCatalogEntry, onChunk StreamFunc) (Decision, error)
}

package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/declue/aipilot/internal/domain"
)

// mockChatModel implements model.ToolCallingChatModel for testing.
type mockChatModel struct {
	generateFunc func(ctx context.Context, messages []*schema.Message) (*schema.Message, error)
	streamChunks []*schema.Message
	boundTools   []*schema.ToolInfo
	received     []*schema.Message
}

func (m *mockChatModel) Generate(ctx context.Context, messages []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.received = messages
	if m.generateFunc != nil {
		return m.generateFunc(ctx, messages)
	}
	return nil, errors.New("not implemented")
}

func (m *mockChatModel) Stream(_ context.Context, messages []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.received = messages
	if m.streamChunks == nil {
		return nil, errors.New("not implemented")
	}
	return schema.StreamReaderFromArray(m.streamChunks), nil
}

func (m *mockChatModel) BindTools(tools []*schema.ToolInfo) error {
	m.boundTools = tools
	return nil
}

func (m *mockChatModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	m.boundTools = tools
	return m, nil
}

var writeEntry = domain.ToolCatalogEntry{
	Name:        "write_file",
	ServerID:    "fs",
	Description: "[FS] write_file: Write a file",
	Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`),
}

func TestEinoReasoner_DecideToolCall(t *testing.T) {
	chat := &mockChatModel{generateFunc: func(context.Context, []*schema.Message) (*schema.Message, error) {
		return schema.AssistantMessage("", []schema.ToolCall{{
			ID:       "call-7",
			Function: schema.FunctionCall{Name: "write_file", Arguments: `{"path":"A"}`},
		}}), nil
	}}
	reasoner := NewEinoReasoner(chat, nil)

	decision, err := reasoner.Decide(context.Background(), []domain.Message{
		{Role: domain.RoleSystem, Content: "sys"},
		{Role: domain.RoleUser, Content: "create file A"},
		{Role: domain.RoleAssistant, ToolName: "write_file", ToolCallID: "call-1"},
		{Role: domain.RoleTool, Content: "ok", ToolCallID: "call-1"},
	}, []domain.ToolCatalogEntry{writeEntry})

	require.NoError(t, err)
	assert.Equal(t, domain.DecisionToolCall, decision.Kind)
	assert.Equal(t, "write_file", decision.ToolName)
	assert.Equal(t, "call-7", decision.CallID)
	assert.JSONEq(t, `{"path":"A"}`, string(decision.Arguments))

	require.Len(t, chat.boundTools, 1)
	assert.Equal(t, "write_file", chat.boundTools[0].Name)
	require.Len(t, chat.received, 4)
	assert.Equal(t, schema.Tool, chat.received[3].Role)
	assert.Equal(t, "call-1", chat.received[3].ToolCallID)
	require.Len(t, chat.received[2].ToolCalls, 1)
	assert.Equal(t, "{}", chat.received[2].ToolCalls[0].Function.Arguments)
}

func TestEinoReasoner_DecideFinalAnswer(t *testing.T) {
	chat := &mockChatModel{generateFunc: func(context.Context, []*schema.Message) (*schema.Message, error) {
		return schema.AssistantMessage("  done  ", nil), nil
	}}

	decision, err := NewEinoReasoner(chat, nil).Decide(context.Background(), nil, nil)

	require.NoError(t, err)
	assert.Equal(t, domain.FinalAnswer("done"), decision)
	assert.Nil(t, chat.boundTools)
}

func TestEinoReasoner_GenerateError(t *testing.T) {
	chat := &mockChatModel{generateFunc: func(context.Context, []*schema.Message) (*schema.Message, error) {
		return nil, errors.New("boom")
	}}

	_, err := NewEinoReasoner(chat, nil).Decide(context.Background(), nil, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestEinoReasoner_DecideStream(t *testing.T) {
	chat := &mockChatModel{streamChunks: []*schema.Message{
		schema.AssistantMessage("Hel", nil),
		schema.AssistantMessage("lo", nil),
	}}

	var chunks []string
	decision, err := NewEinoReasoner(chat, nil).DecideStream(context.Background(), nil, nil, func(chunk string) {
		chunks = append(chunks, chunk)
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, chunks)
	assert.Equal(t, "Hello", decision.Text)
}

func TestEinoReasoner_NilModel(t *testing.T) {
	_, err := NewEinoReasoner(nil, nil).Decide(context.Background(), nil, nil)
	assert.ErrorIs(t, err, domain.ErrReasonerUnavailable)
}

func TestNewChatModel_RequiresAPIKey(t *testing.T) {
	t.Setenv("AIPILOT_TEST_EMPTY_KEY", "")

	_, err := NewChatModel(context.Background(), domain.ModelConfig{Model: "m", APIKeyEnvVar: "AIPILOT_TEST_EMPTY_KEY"})
	require.Error(t, err)

	_, err = NewChatModel(context.Background(), domain.ModelConfig{Model: "m"})
	require.Error(t, err)

	_, err = NewChatModel(context.Background(), domain.ModelConfig{Provider: "unknown", APIKey: "k"})
	require.Error(t, err)
}

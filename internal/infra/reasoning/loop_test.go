package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/declue/aipilot/internal/domain"
)

// scriptedReasoner replays decisions in order; the last one repeats.
type scriptedReasoner struct {
	mu        sync.Mutex
	decisions []domain.Decision
	err       error
	seen      [][]domain.Message
	catalogs  [][]domain.ToolCatalogEntry
}

func (r *scriptedReasoner) Decide(_ context.Context, conversation []domain.Message, catalog []domain.ToolCatalogEntry) (domain.Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, append([]domain.Message(nil), conversation...))
	r.catalogs = append(r.catalogs, catalog)
	if r.err != nil {
		return domain.Decision{}, r.err
	}
	idx := min(len(r.seen), len(r.decisions)) - 1
	return r.decisions[idx], nil
}

type recordingCaller struct {
	mu      sync.Mutex
	calls   []domain.ToolDescriptor
	result  func(domain.ToolDescriptor) domain.ToolCallResult
	timeout time.Duration
}

func (c *recordingCaller) Call(_ context.Context, desc domain.ToolDescriptor, args json.RawMessage, timeout time.Duration) domain.ToolCallResult {
	c.mu.Lock()
	c.calls = append(c.calls, desc)
	c.timeout = timeout
	c.mu.Unlock()
	if c.result != nil {
		return c.result(desc)
	}
	return domain.ToolCallResult{Tool: desc.Name, ServerID: desc.ServerID, Arguments: args, Status: domain.CallStatusSuccess, Payload: json.RawMessage(`{"ok":true}`)}
}

var fsTools = []domain.ToolDescriptor{
	{Name: "write_file", ServerID: "fs", InputSchema: json.RawMessage(`{"type":"object"}`)},
}

func TestLoop_ToolCallThenAnswer(t *testing.T) {
	reasoner := &scriptedReasoner{decisions: []domain.Decision{
		domain.ToolCall("write_file", json.RawMessage(`{"path":"A"}`)),
		domain.FinalAnswer("wrote A"),
	}}
	caller := &recordingCaller{}
	loop := NewLoop(reasoner, caller, LoopOptions{CallTimeout: time.Second})

	out, err := loop.Run(context.Background(), Request{
		Conversation: []domain.Message{{Role: domain.RoleUser, Content: "create file A"}},
		Tools:        fsTools,
	})

	require.NoError(t, err)
	assert.Equal(t, "wrote A", out.Answer)
	assert.False(t, out.Incomplete)
	assert.Equal(t, 2, out.Iterations)
	require.Len(t, out.Results, 1)
	assert.Equal(t, time.Second, caller.timeout)

	second := reasoner.seen[1]
	require.Len(t, second, 3)
	assert.Equal(t, domain.RoleAssistant, second[1].Role)
	assert.Equal(t, "call_1", second[1].ToolCallID)
	assert.Equal(t, domain.RoleTool, second[2].Role)
	assert.Equal(t, `{"ok":true}`, second[2].Content)
	assert.Equal(t, "[FS] write_file: no description", reasoner.catalogs[0][0].Description)
}

func TestLoop_UnknownToolTerminatesIncomplete(t *testing.T) {
	reasoner := &scriptedReasoner{decisions: []domain.Decision{
		domain.ToolCall("does_not_exist", json.RawMessage(`{}`)),
	}}
	caller := &recordingCaller{}
	loop := NewLoop(reasoner, caller, LoopOptions{MaxIterations: 3})

	out, err := loop.Run(context.Background(), Request{
		Conversation: []domain.Message{{Role: domain.RoleUser, Content: "go"}},
		Tools:        fsTools,
	})

	require.NoError(t, err)
	assert.True(t, out.Incomplete)
	assert.Equal(t, 3, out.Iterations)
	assert.Empty(t, caller.calls)
	require.Len(t, out.Results, 3)
	for _, result := range out.Results {
		assert.Equal(t, domain.CallStatusSchemaMismatch, result.Status)
		assert.Contains(t, result.ErrorDetail, "write_file")
	}
	assert.True(t, strings.HasPrefix(out.Answer, IncompleteMarker))
	assert.Contains(t, out.Answer, "does_not_exist")
}

func TestLoop_ReasonerFailure(t *testing.T) {
	loop := NewLoop(&scriptedReasoner{err: errors.New("rate limited")}, &recordingCaller{}, LoopOptions{})

	_, err := loop.Run(context.Background(), Request{})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrReasonerUnavailable)
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeUnavailable, code)
}

func TestLoop_CanceledBeforeToolCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reasoner := &cancelingReasoner{cancel: cancel}
	caller := &recordingCaller{}
	loop := NewLoop(reasoner, caller, LoopOptions{})

	_, err := loop.Run(ctx, Request{Tools: fsTools})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, caller.calls)
}

type cancelingReasoner struct {
	cancel context.CancelFunc
}

func (r *cancelingReasoner) Decide(context.Context, []domain.Message, []domain.ToolCatalogEntry) (domain.Decision, error) {
	r.cancel()
	return domain.ToolCall("write_file", json.RawMessage(`{}`)), nil
}

func TestLoop_StreamsAnswerFromPlainReasoner(t *testing.T) {
	loop := NewLoop(&scriptedReasoner{decisions: []domain.Decision{domain.FinalAnswer("hello")}}, &recordingCaller{}, LoopOptions{})

	var chunks []string
	out, err := loop.Run(context.Background(), Request{OnChunk: func(chunk string) { chunks = append(chunks, chunk) }})

	require.NoError(t, err)
	assert.Equal(t, "hello", out.Answer)
	assert.Equal(t, []string{"hello"}, chunks)
}

func TestTrimWindow(t *testing.T) {
	conversation := []domain.Message{
		{Role: domain.RoleSystem, Content: "sys"},
		{Role: domain.RoleUser, Content: "u1"},
		{Role: domain.RoleAssistant, ToolName: "t", ToolCallID: "c1"},
		{Role: domain.RoleTool, Content: "o1", ToolCallID: "c1"},
		{Role: domain.RoleAssistant, Content: "a1"},
		{Role: domain.RoleUser, Content: "u2"},
	}

	got := TrimWindow(conversation, 3)

	contents := make([]string, len(got))
	for i, msg := range got {
		contents[i] = msg.Content
	}
	assert.Equal(t, []string{"sys", "a1", "u2"}, contents)
	assert.Len(t, TrimWindow(conversation, 0), len(conversation))
}

func TestForcedAnswerWithoutObservations(t *testing.T) {
	assert.Equal(t, IncompleteMarker+"\nNo tool observations were collected.", ForcedAnswer(nil))
}

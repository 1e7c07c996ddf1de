package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/declue/aipilot/internal/domain"
	"github.com/declue/aipilot/internal/infra/telemetry"
)

type fakeSessions struct {
	mu         sync.Mutex
	turns      []string
	turnIDs    []string
	deliveries []string
	turnErr    error
	canceled   []string
	terminated []string
	states     map[string]*domain.WorkflowState
}

func (f *fakeSessions) StartOrContinue(_ context.Context, id string, turn domain.Turn) (domain.TurnResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.turnErr != nil {
		return domain.TurnResult{}, f.turnErr
	}
	if id == "" {
		id = "generated"
	}
	f.turns = append(f.turns, turn.Text)
	f.turnIDs = append(f.turnIDs, id)
	f.deliveries = append(f.deliveries, turn.DeliveryID)
	return domain.TurnResult{
		SessionID: id,
		Stage:     domain.StagePlanning,
		Output:    "plan ready",
		Choices:   []domain.Choice{{Key: "1", Label: "Approve the plan"}},
	}, nil
}

func (f *fakeSessions) State(_ context.Context, id string) (*domain.WorkflowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[id]
	if !ok {
		return nil, domain.E(domain.CodeNotFound, "session.State", id, domain.ErrSessionNotFound)
	}
	return state, nil
}

func (f *fakeSessions) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.states[id]; !ok {
		return domain.E(domain.CodeNotFound, "session.Cancel", id, domain.ErrSessionNotFound)
	}
	f.canceled = append(f.canceled, id)
	return nil
}

func (f *fakeSessions) Terminate(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, id)
	return nil
}

type fakeTools struct {
	snapshot domain.ToolSnapshot
	err      error
}

func (f fakeTools) ListTools(context.Context) (domain.ToolSnapshot, error) {
	return f.snapshot, f.err
}

func newTestServer(sessions *fakeSessions, tools domain.ToolSource) *httptest.Server {
	return httptest.NewServer(New(sessions, tools, nil).Handler())
}

func do(t *testing.T, method, url, body string, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	for key, values := range header {
		req.Header[key] = values
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, respBody
}

func TestServer_Turn(t *testing.T) {
	sessions := &fakeSessions{}
	srv := newTestServer(sessions, fakeTools{})
	defer srv.Close()

	resp, body := do(t, http.MethodPost, srv.URL+"/sessions/s1/turns", `{"text":"create file A","deliveryId":"m-1"}`, nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result domain.TurnResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, "s1", result.SessionID)
	assert.Equal(t, domain.StagePlanning, result.Stage)
	assert.Len(t, result.Choices, 1)
	assert.Equal(t, []string{"create file A"}, sessions.turns)
	assert.Equal(t, []string{"m-1"}, sessions.deliveries)
	assert.NotEmpty(t, resp.Header.Get(telemetry.RequestIDHeader))
}

func TestServer_NewSessionAndIdempotencyKey(t *testing.T) {
	sessions := &fakeSessions{}
	srv := newTestServer(sessions, fakeTools{})
	defer srv.Close()

	header := http.Header{"Idempotency-Key": {"hook-7"}, telemetry.RequestIDHeader: {"req-42"}}
	resp, body := do(t, http.MethodPost, srv.URL+"/sessions", `{"text":"hello"}`, header)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"sessionId":"generated"`)
	assert.Equal(t, []string{""}, sessions.turnIDs)
	assert.Equal(t, []string{"hook-7"}, sessions.deliveries)
	assert.Equal(t, "req-42", resp.Header.Get(telemetry.RequestIDHeader))
}

func TestServer_InvalidBody(t *testing.T) {
	srv := newTestServer(&fakeSessions{}, fakeTools{})
	defer srv.Close()

	resp, body := do(t, http.MethodPost, srv.URL+"/sessions/s1/turns", `{not json`, nil)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var decoded errorBody
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, domain.CodeInvalidArgument, decoded.Error.Code)
}

func TestServer_TurnErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "empty input", err: domain.E(domain.CodeInvalidArgument, "workflow.Step", "", domain.ErrEmptyInput), status: http.StatusBadRequest},
		{name: "corrupt snapshot", err: domain.E(domain.CodeFailedPrecond, "session.load", "", domain.ErrSnapshotCorrupt), status: http.StatusConflict},
		{name: "canceled", err: domain.E(domain.CodeCanceled, "session.StartOrContinue", "turn canceled", context.Canceled), status: http.StatusConflict},
		{name: "store down", err: domain.E(domain.CodeUnavailable, "session.persist", "redis down", nil), status: http.StatusServiceUnavailable},
		{name: "plain error", err: assert.AnError, status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(&fakeSessions{turnErr: tt.err}, fakeTools{})
			defer srv.Close()

			resp, _ := do(t, http.MethodPost, srv.URL+"/sessions/s1/turns", `{"text":"x"}`, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestServer_StateCancelTerminate(t *testing.T) {
	state := domain.NewWorkflowState("s1", "create file A", time.Unix(1_700_000_000, 0).UTC())
	sessions := &fakeSessions{states: map[string]*domain.WorkflowState{"s1": state}}
	srv := newTestServer(sessions, fakeTools{})
	defer srv.Close()

	resp, body := do(t, http.MethodGet, srv.URL+"/sessions/s1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got domain.WorkflowState
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "create file A", got.OriginalRequest)

	resp, _ = do(t, http.MethodGet, srv.URL+"/sessions/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/sessions/s1/cancel", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, srv.URL+"/sessions/missing/cancel", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodDelete, srv.URL+"/sessions/s1", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.Equal(t, []string{"s1"}, sessions.canceled)
	assert.Equal(t, []string{"s1"}, sessions.terminated)
}

func TestServer_ListTools(t *testing.T) {
	tools := fakeTools{snapshot: domain.ToolSnapshot{
		Tools:    []domain.ToolDescriptor{{Name: "write_file", ServerID: "fs"}},
		Warnings: []domain.ToolWarning{{ServerID: "web", Message: "connection refused", Failures: 2}},
	}}
	srv := newTestServer(&fakeSessions{}, tools)
	defer srv.Close()

	resp, body := do(t, http.MethodGet, srv.URL+"/tools", "", nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got domain.ToolSnapshot
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "write_file", got.Tools[0].Name)
	require.Len(t, got.Warnings, 1)
	assert.Equal(t, "web", got.Warnings[0].ServerID)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusGatewayTimeout, StatusFor(domain.CodeDeadlineExceeded))
	assert.Equal(t, http.StatusConflict, StatusFor(domain.CodeAborted))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(domain.CodeInternal))
}

func TestListenAndServe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan net.Addr, 1)
	done := make(chan error, 1)
	handler := New(&fakeSessions{}, fakeTools{}, nil).Handler()
	go func() { done <- ListenAndServe(ctx, "127.0.0.1:0", handler, nil, ready) }()

	addr := <-ready
	resp, _ := do(t, http.MethodGet, "http://"+addr.String()+"/tools", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	require.NoError(t, <-done)
}

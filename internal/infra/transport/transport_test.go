package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/declue/aipilot/internal/domain"
)

func newFileServer(t *testing.T) *mcp.Server {
	t.Helper()
	server := mcp.NewServer(&mcp.Implementation{Name: "fs", Version: "0.1.0"}, nil)
	server.AddTool(&mcp.Tool{
		Name:        "write_file",
		Description: "Write a file",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
	}, func(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return nil, err
		}
		if args.Path == "/readonly" {
			return &mcp.CallToolResult{IsError: true, Content: []mcp.Content{&mcp.TextContent{Text: "EACCES: permission denied"}}}, nil
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: `{"path":"` + args.Path + `"}`}}}, nil
	})
	return server
}

func connectInMemory(t *testing.T, server *mcp.Server) *ServerClient {
	t.Helper()
	ctx := context.Background()
	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	_, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)

	client, err := NewConnector(ConnectorOptions{Logger: zap.NewNop()}).ConnectTransport(ctx, "fs", clientTransport)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestServerClient_ListAndCall(t *testing.T) {
	client := connectInMemory(t, newFileServer(t))
	ctx := context.Background()

	tools, err := client.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.Equal(t, "write_file", tools[0].Name)
	require.Equal(t, "fs", tools[0].ServerID)
	require.False(t, tools[0].LastRefreshed.IsZero())

	out, err := client.CallTool(ctx, "write_file", json.RawMessage(`{"path":"A"}`))
	require.NoError(t, err)
	require.False(t, out.IsError)
	require.JSONEq(t, `{"path":"A"}`, string(out.Payload))

	out, err = client.CallTool(ctx, "write_file", json.RawMessage(`{"path":"/readonly"}`))
	require.NoError(t, err)
	require.True(t, out.IsError)
	require.Equal(t, "EACCES: permission denied", out.Message)
}

func TestConnector_StreamableHTTP(t *testing.T) {
	server := newFileServer(t)
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, &mcp.StreamableHTTPOptions{JSONResponse: true})

	var sawHeader atomic.Bool
	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") == "secret" {
			sawHeader.Store(true)
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(httpServer.Close)

	connector := NewConnector(ConnectorOptions{})
	client, err := connector.Connect(context.Background(), domain.ServerSpec{
		Name:       "remote",
		Transport:  domain.TransportStreamableHTTP,
		Endpoint:   httpServer.URL,
		Headers:    map[string]string{"x-api-key": "secret"},
		MaxRetries: 1,
	})
	require.NoError(t, err)
	defer client.Close()

	tools, err := client.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.Equal(t, "remote", tools[0].ServerID)
	require.True(t, sawHeader.Load())
}

func TestConnector_RejectsInvalidSpecs(t *testing.T) {
	connector := NewConnector(ConnectorOptions{})
	tests := []struct {
		name string
		spec domain.ServerSpec
	}{
		{name: "stdio without cmd", spec: domain.ServerSpec{Name: "a", Transport: domain.TransportStdio}},
		{name: "http without endpoint", spec: domain.ServerSpec{Name: "b", Transport: domain.TransportStreamableHTTP}},
		{name: "unknown transport", spec: domain.ServerSpec{Name: "c", Transport: "carrier-pigeon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := connector.Connect(context.Background(), tt.spec)
			require.Error(t, err)
			code, ok := domain.CodeFrom(err)
			require.True(t, ok)
			require.Equal(t, domain.CodeInvalidArgument, code)
		})
	}
}

func TestManagedServer_RedialsAfterFailure(t *testing.T) {
	server := newFileServer(t)
	var dials atomic.Int32
	connector := NewConnector(ConnectorOptions{})
	managed := NewManagedServer("fs", func(ctx context.Context) (*ServerClient, error) {
		if dials.Add(1) == 1 {
			return nil, errors.New("dial refused")
		}
		clientTransport, serverTransport := mcp.NewInMemoryTransports()
		if _, err := server.Connect(ctx, serverTransport, nil); err != nil {
			return nil, err
		}
		return connector.ConnectTransport(ctx, "fs", clientTransport)
	}, nil)
	t.Cleanup(func() { _ = managed.Close() })

	_, err := managed.ListTools(context.Background())
	require.Error(t, err)

	tools, err := managed.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)

	_, err = managed.ListTools(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(2), dials.Load())
}

func TestManagedServer_ClosedRejectsCalls(t *testing.T) {
	managed := NewManagedServer("fs", func(context.Context) (*ServerClient, error) {
		return nil, errors.New("unreachable")
	}, nil)
	require.NoError(t, managed.Close())

	_, err := managed.CallTool(context.Background(), "write_file", nil)
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeUnavailable, code)
}

func TestStderrLogger_SplitsLines(t *testing.T) {
	w := &stderrLogger{logger: zap.NewNop()}
	n, err := w.Write([]byte("first\nsecond partial"))
	require.NoError(t, err)
	require.Equal(t, 20, n)
	require.Equal(t, "second partial", string(w.pending))
}

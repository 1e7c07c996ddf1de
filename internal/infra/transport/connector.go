package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/declue/aipilot/internal/domain"
	"github.com/declue/aipilot/internal/infra/telemetry"
)

const clientName = "aipilot"

type ConnectorOptions struct {
	Logger  *zap.Logger
	Version string
}

// Connector opens MCP client sessions for configured servers.
type Connector struct {
	logger  *zap.Logger
	version string
}

func NewConnector(opts ConnectorOptions) *Connector {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	return &Connector{logger: logger.Named("transport"), version: version}
}

// Connect opens a session for spec.
func (c *Connector) Connect(ctx context.Context, spec domain.ServerSpec) (*ServerClient, error) {
	transport, err := c.buildTransport(spec)
	if err != nil {
		return nil, err
	}
	return c.ConnectTransport(ctx, spec.Name, transport)
}

// ConnectTransport opens a session over an already built transport.
func (c *Connector) ConnectTransport(ctx context.Context, serverID string, transport mcp.Transport) (*ServerClient, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: clientName, Version: c.version}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, domain.E(domain.CodeUnavailable, "transport.connect", fmt.Sprintf("connect %s", serverID), err)
	}
	c.logger.Debug("tool server connected", telemetry.ServerIDField(serverID))
	return newServerClient(serverID, session), nil
}

func (c *Connector) buildTransport(spec domain.ServerSpec) (mcp.Transport, error) {
	switch spec.Transport {
	case domain.TransportStdio, "":
		return c.commandTransport(spec)
	case domain.TransportStreamableHTTP:
		return streamableTransport(spec)
	default:
		return nil, domain.E(domain.CodeInvalidArgument, "transport.build", fmt.Sprintf("server %s: unsupported transport %q", spec.Name, spec.Transport), nil)
	}
}

func (c *Connector) commandTransport(spec domain.ServerSpec) (mcp.Transport, error) {
	if len(spec.Cmd) == 0 {
		return nil, domain.E(domain.CodeInvalidArgument, "transport.build", fmt.Sprintf("server %s: cmd is required for stdio transport", spec.Name), nil)
	}
	cmd := exec.Command(spec.Cmd[0], spec.Cmd[1:]...)
	if spec.Cwd != "" {
		cmd.Dir = spec.Cwd
	}
	cmd.Env = append(os.Environ(), formatEnv(spec.Env)...)

	cmd.Stderr = &stderrLogger{logger: c.logger.With(
		zap.String(telemetry.FieldLogSource, "downstream"),
		telemetry.ServerIDField(spec.Name),
	)}
	return &mcp.CommandTransport{Command: cmd}, nil
}

func streamableTransport(spec domain.ServerSpec) (mcp.Transport, error) {
	endpoint := strings.TrimSpace(spec.Endpoint)
	if endpoint == "" {
		return nil, domain.E(domain.CodeInvalidArgument, "transport.build", fmt.Sprintf("server %s: endpoint is required for streamable_http transport", spec.Name), nil)
	}
	headers := http.Header{}
	for key, value := range spec.Headers {
		name := http.CanonicalHeaderKey(strings.TrimSpace(key))
		if name == "" {
			return nil, errors.New("http headers contain empty key")
		}
		headers.Set(name, value)
	}
	maxRetries := spec.MaxRetries
	if maxRetries == 0 {
		maxRetries = domain.DefaultStreamableHTTPMaxRetries
	}
	return &mcp.StreamableClientTransport{
		Endpoint:   endpoint,
		HTTPClient: &http.Client{Transport: &headerRoundTripper{base: http.DefaultTransport, headers: headers}},
		MaxRetries: maxRetries,
	}, nil
}

type headerRoundTripper struct {
	base    http.RoundTripper
	headers http.Header
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(h.headers) > 0 {
		req = req.Clone(req.Context())
		for key, values := range h.headers {
			req.Header[key] = append([]string(nil), values...)
		}
	}
	return h.base.RoundTrip(req)
}

const maxStderrLineLength = 32 * 1024

// stderrLogger mirrors a child process stderr into the log, one entry per line.
type stderrLogger struct {
	logger  *zap.Logger
	pending []byte
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.pending = append(w.pending, p...)
	for {
		idx := bytes.IndexByte(w.pending, '\n')
		if idx < 0 {
			break
		}
		w.emit(w.pending[:idx])
		w.pending = w.pending[idx+1:]
	}
	if len(w.pending) > maxStderrLineLength {
		w.emit(w.pending)
		w.pending = nil
	}
	return len(p), nil
}

func (w *stderrLogger) emit(line []byte) {
	text := strings.TrimRight(string(line), "\r")
	if len(text) > maxStderrLineLength {
		text = text[:maxStderrLineLength] + "... [truncated]"
	}
	if text != "" {
		w.logger.Info(text)
	}
}

func formatEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key+"="+env[key])
	}
	return out
}

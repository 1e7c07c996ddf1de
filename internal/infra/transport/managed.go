package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/declue/aipilot/internal/domain"
	"github.com/declue/aipilot/internal/infra/telemetry"
)

// DialFunc opens a fresh session for one server.
type DialFunc func(ctx context.Context) (*ServerClient, error)

// ManagedServer connects lazily and drops a broken session so that the next
// call reconnects.
type ManagedServer struct {
	id     string
	dial   DialFunc
	logger *zap.Logger

	mu     sync.Mutex
	client *ServerClient
	closed bool
}

func NewManagedServer(id string, dial DialFunc, logger *zap.Logger) *ManagedServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ManagedServer{id: id, dial: dial, logger: logger.With(telemetry.ServerIDField(id))}
}

// Managed returns a lazily connected server for spec.
func (c *Connector) Managed(spec domain.ServerSpec) *ManagedServer {
	return NewManagedServer(spec.Name, func(ctx context.Context) (*ServerClient, error) {
		return c.Connect(ctx, spec)
	}, c.logger)
}

func (m *ManagedServer) ID() string {
	return m.id
}

func (m *ManagedServer) ListTools(ctx context.Context) ([]domain.ToolDescriptor, error) {
	client, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	tools, err := client.ListTools(ctx)
	if err != nil {
		m.discard(client, err)
		return nil, err
	}
	return tools, nil
}

func (m *ManagedServer) CallTool(ctx context.Context, name string, args json.RawMessage) (domain.CallOutput, error) {
	client, err := m.acquire(ctx)
	if err != nil {
		return domain.CallOutput{}, err
	}
	out, err := client.CallTool(ctx, name, args)
	if err != nil {
		m.discard(client, err)
		return domain.CallOutput{}, err
	}
	return out, nil
}

func (m *ManagedServer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.client == nil {
		return nil
	}
	err := m.client.Close()
	m.client = nil
	return err
}

func (m *ManagedServer) acquire(ctx context.Context) (*ServerClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, domain.E(domain.CodeUnavailable, "transport.acquire", m.id+" is closed", nil)
	}
	if m.client != nil {
		return m.client, nil
	}
	client, err := m.dial(ctx)
	if err != nil {
		return nil, err
	}
	m.client = client
	return client, nil
}

// discard drops the session after a transport failure. Caller cancellation
// does not mean the session is broken.
func (m *ManagedServer) discard(client *ServerClient, cause error) {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != client {
		return
	}
	m.client = nil
	if err := client.Close(); err != nil {
		m.logger.Debug("close broken session", zap.Error(err))
	}
	m.logger.Warn("tool server session dropped", zap.Error(cause))
}

var _ domain.ToolServer = (*ManagedServer)(nil)

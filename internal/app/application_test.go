package app

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/declue/aipilot/internal/domain"
	"github.com/declue/aipilot/internal/infra/session"
)

func testServeConfig(t *testing.T) ServeConfig {
	t.Helper()
	return ServeConfig{
		Config: domain.Config{
			Runtime: domain.DefaultRuntimeConfig(),
			Model: domain.ModelConfig{
				Provider: domain.DefaultModelProvider,
				Model:    domain.DefaultModelName,
				APIKey:   "sk-test",
			},
			Store:         domain.StoreConfig{Driver: domain.StoreDriverMemory},
			Observability: domain.ObservabilityConfig{ListenAddress: "127.0.0.1:0", Metrics: true, Healthz: true},
			API:           domain.APIConfig{ListenAddress: "127.0.0.1:0"},
		},
	}
}

func TestNewSnapshotStore_SelectsDriver(t *testing.T) {
	ctx := context.Background()
	cfg := testServeConfig(t)

	store, err := NewSnapshotStore(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &session.MemorySnapshotStore{}, store)
	require.NoError(t, store.Close())

	cfg.Config.Store = domain.StoreConfig{Driver: domain.StoreDriverBolt, Path: filepath.Join(t.TempDir(), "s.db")}
	store, err = NewSnapshotStore(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &session.BoltSnapshotStore{}, store)
	require.NoError(t, store.Close())

	cfg.Config.Store = domain.StoreConfig{Driver: "sqlite"}
	_, err = NewSnapshotStore(ctx, cfg, zap.NewNop())
	assert.EqualError(t, err, `unknown store driver "sqlite"`)
}

func TestInitializeToolset_RegistersEnabledServers(t *testing.T) {
	cfg := testServeConfig(t)
	cfg.Config.Servers = []domain.ServerSpec{
		{Name: "fs", Transport: domain.TransportStdio, Cmd: []string{"./fs"}},
		{Name: "web", Transport: domain.TransportStreamableHTTP, Endpoint: "http://127.0.0.1:1/mcp"},
		{Name: "off", Transport: domain.TransportStdio, Cmd: []string{"./off"}, Disabled: true},
	}

	toolset, err := InitializeToolset(context.Background(), cfg, LoggingConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = toolset.Close() })

	assert.ElementsMatch(t, []string{"fs", "web"}, toolset.Tools.ServerIDs())
	assert.NotNil(t, toolset.Invoker)
}

func TestInitializeApplication_RequiresModelKey(t *testing.T) {
	cfg := testServeConfig(t)
	cfg.Config.Model.APIKey = ""
	cfg.Config.Model.APIKeyEnvVar = "AIPILOT_TEST_MISSING_KEY"

	_, err := InitializeApplication(context.Background(), cfg, LoggingConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AIPILOT_TEST_MISSING_KEY")
}

func TestApplication_RunServesAPIAndObservability(t *testing.T) {
	apiReady := make(chan net.Addr, 1)
	obsReady := make(chan net.Addr, 1)
	cfg := testServeConfig(t)
	cfg.APIReady = apiReady
	cfg.ObservabilityReady = obsReady

	application, err := InitializeApplication(context.Background(), cfg, LoggingConfig{Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = application.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- application.Run(ctx) }()

	apiAddr := waitAddr(t, apiReady)
	obsAddr := waitAddr(t, obsReady)

	resp, err := http.Get("http://" + apiAddr.String() + "/tools")
	require.NoError(t, err)
	var snapshot domain.ToolSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snapshot))
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, snapshot.Tools)

	resp, err = http.Get("http://" + obsAddr.String() + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("application did not stop")
	}
}

func waitAddr(t *testing.T, ch <-chan net.Addr) net.Addr {
	t.Helper()
	select {
	case addr := <-ch:
		return addr
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
		return nil
	}
}

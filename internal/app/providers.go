package app

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/declue/aipilot/internal/domain"
	"github.com/declue/aipilot/internal/infra/catalog"
	"github.com/declue/aipilot/internal/infra/httpapi"
	"github.com/declue/aipilot/internal/infra/invoker"
	"github.com/declue/aipilot/internal/infra/reasoning"
	"github.com/declue/aipilot/internal/infra/session"
	"github.com/declue/aipilot/internal/infra/telemetry"
	"github.com/declue/aipilot/internal/infra/toolcache"
	"github.com/declue/aipilot/internal/infra/transport"
	"github.com/declue/aipilot/internal/infra/workflow"
)

func NewMetricsRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	registry.MustRegister(prometheus.NewGoCollector())
	return registry
}

func NewMetrics(registry *prometheus.Registry) domain.Metrics {
	return telemetry.NewPrometheusMetrics(registry)
}

func NewHealthTracker() *telemetry.HealthTracker {
	return telemetry.NewHealthTracker()
}

func NewConnector(logger *zap.Logger) *transport.Connector {
	return transport.NewConnector(transport.ConnectorOptions{Logger: logger, Version: Version})
}

func NewToolCache(cfg ServeConfig, metrics domain.Metrics, health *telemetry.HealthTracker, logger *zap.Logger) *toolcache.Cache {
	opts := toolcache.OptionsFromRuntime(cfg.Config.Runtime)
	opts.Logger = logger
	opts.Metrics = metrics
	opts.Health = health
	return toolcache.New(toolcache.NewRegistry(), opts)
}

// NewServerWatcher registers the configured servers with the cache. The
// watcher keeps them current when file watching is enabled.
func NewServerWatcher(cfg ServeConfig, cache *toolcache.Cache, connector *transport.Connector, logger *zap.Logger) *catalog.Watcher {
	factory := func(spec domain.ServerSpec) domain.ToolServer {
		return connector.Managed(spec)
	}
	watcher := catalog.NewWatcher(cfg.ConfigPath, catalog.NewLoader(logger), cache, factory, logger)
	watcher.Apply(cfg.Config)
	return watcher
}

func NewInvoker(cfg ServeConfig, cache *toolcache.Cache, metrics domain.Metrics, logger *zap.Logger) *invoker.Invoker {
	opts := invoker.OptionsFromRuntime(cfg.Config.Runtime)
	opts.Logger = logger
	opts.Metrics = metrics
	return invoker.New(cache, opts)
}

func NewChatModel(ctx context.Context, cfg ServeConfig) (model.ToolCallingChatModel, error) {
	return reasoning.NewChatModel(ctx, cfg.Config.Model)
}

func NewReasoner(chatModel model.ToolCallingChatModel, logger *zap.Logger) *reasoning.EinoReasoner {
	return reasoning.NewEinoReasoner(chatModel, logger)
}

func NewLoop(reasoner *reasoning.EinoReasoner, caller *invoker.Invoker, cfg ServeConfig, metrics domain.Metrics, logger *zap.Logger) *reasoning.Loop {
	opts := reasoning.LoopOptionsFromRuntime(cfg.Config.Runtime)
	opts.Logger = logger
	opts.Metrics = metrics
	return reasoning.NewLoop(reasoner, caller, opts)
}

func NewEngine(cache *toolcache.Cache, loop *reasoning.Loop, reasoner *reasoning.EinoReasoner, cfg ServeConfig, metrics domain.Metrics, logger *zap.Logger) *workflow.Engine {
	return workflow.NewEngine(cache, loop, reasoner, workflow.Options{
		StepConcurrency: cfg.Config.Runtime.CallConcurrency,
		Logger:          logger,
		Metrics:         metrics,
	})
}

// NewSnapshotStore opens the session store selected by store.driver.
func NewSnapshotStore(ctx context.Context, cfg ServeConfig, logger *zap.Logger) (domain.SnapshotStore, error) {
	store := cfg.Config.Store
	switch store.Driver {
	case domain.StoreDriverBolt, "":
		path := store.Path
		if path == "" {
			path = domain.DefaultStorePath
		}
		logger.Info("session store", zap.String("driver", domain.StoreDriverBolt), zap.String("path", path))
		return session.OpenBoltSnapshotStore(path)
	case domain.StoreDriverRedis:
		logger.Info("session store", zap.String("driver", domain.StoreDriverRedis), zap.String("addr", store.RedisAddr))
		return session.NewRedisSnapshotStore(ctx, session.RedisConfig{
			Address:   store.RedisAddr,
			Password:  store.RedisPassword,
			DB:        store.RedisDB,
			KeyPrefix: store.KeyPrefix,
			TTL:       cfg.Config.Runtime.SessionIdleTimeout,
		})
	case domain.StoreDriverMemory:
		logger.Warn("session store is in memory; sessions do not survive restarts")
		return session.NewMemorySnapshotStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", store.Driver)
	}
}

func NewSessionStore(engine *workflow.Engine, snapshots domain.SnapshotStore, cfg ServeConfig, metrics domain.Metrics, health *telemetry.HealthTracker, logger *zap.Logger) *session.Store {
	return session.NewStore(engine, snapshots, session.Options{
		IdleTimeout: cfg.Config.Runtime.SessionIdleTimeout,
		Logger:      logger,
		Metrics:     metrics,
		Health:      health,
	})
}

func NewHTTPAPI(sessions *session.Store, cache *toolcache.Cache, logger *zap.Logger) *httpapi.Server {
	return httpapi.New(sessions, cache, logger.With(zap.String(telemetry.FieldLogSource, telemetry.LogSourceAPI)))
}

package app

import (
	"context"
	"errors"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/declue/aipilot/internal/domain"
	"github.com/declue/aipilot/internal/infra/catalog"
	"github.com/declue/aipilot/internal/infra/httpapi"
	"github.com/declue/aipilot/internal/infra/invoker"
	"github.com/declue/aipilot/internal/infra/session"
	"github.com/declue/aipilot/internal/infra/telemetry"
	"github.com/declue/aipilot/internal/infra/toolcache"
)

// ServeConfig carries the loaded configuration into the injectors.
type ServeConfig struct {
	ConfigPath string
	Config     domain.Config
	// Watch reloads server registrations when the config file changes.
	Watch bool
	// APIReady and ObservabilityReady, when set, receive the bound addresses.
	APIReady           chan<- net.Addr
	ObservabilityReady chan<- net.Addr
}

// ApplicationOptions captures dependencies and settings for Application.
type ApplicationOptions struct {
	ServeConfig ServeConfig
	Logger      *zap.Logger
	Registry    *prometheus.Registry
	Health      *telemetry.HealthTracker
	Tools       *toolcache.Cache
	Watcher     *catalog.Watcher
	Invoker     *invoker.Invoker
	Sessions    *session.Store
	API         *httpapi.Server
}

// Application owns the long-running services of one aipilot process.
type Application struct {
	cfg      ServeConfig
	logger   *zap.Logger
	registry *prometheus.Registry
	health   *telemetry.HealthTracker
	tools    *toolcache.Cache
	watcher  *catalog.Watcher
	invoker  *invoker.Invoker
	sessions *session.Store
	api      *httpapi.Server
}

// NewApplication constructs the core application runtime.
func NewApplication(opts ApplicationOptions) *Application {
	return &Application{
		cfg:      opts.ServeConfig,
		logger:   opts.Logger,
		registry: opts.Registry,
		health:   opts.Health,
		tools:    opts.Tools,
		watcher:  opts.Watcher,
		invoker:  opts.Invoker,
		sessions: opts.Sessions,
		api:      opts.API,
	}
}

func (a *Application) Sessions() *session.Store { return a.sessions }

func (a *Application) Tools() *toolcache.Cache { return a.tools }

func (a *Application) Invoker() *invoker.Invoker { return a.invoker }

// Start begins background tool discovery and session expiry.
func (a *Application) Start(ctx context.Context) {
	a.tools.Start(ctx)
	a.sessions.Start(ctx)
}

// Run serves the session API and the observability endpoints until ctx is
// done or one of them fails.
func (a *Application) Run(ctx context.Context) error {
	a.logger.Info("configuration loaded",
		zap.String("config", a.cfg.ConfigPath),
		zap.Int("servers", len(a.tools.ServerIDs())),
		zap.String("version", Version),
	)
	a.Start(ctx)

	group, groupCtx := errgroup.WithContext(ctx)
	if a.cfg.Watch && a.cfg.ConfigPath != "" {
		group.Go(func() error {
			return a.watcher.Run(groupCtx)
		})
	}
	group.Go(func() error {
		obs := a.cfg.Config.Observability
		return telemetry.StartHTTPServer(groupCtx, telemetry.HTTPServerOptions{
			Addr:          obs.ListenAddress,
			EnableMetrics: obs.Metrics,
			EnableHealthz: obs.Healthz,
			Health:        a.health,
			Registry:      a.registry,
			Ready:         a.cfg.ObservabilityReady,
		}, a.logger)
	})
	group.Go(func() error {
		return httpapi.ListenAndServe(groupCtx, a.cfg.Config.API.ListenAddress, a.api.Handler(), a.logger, a.cfg.APIReady)
	})

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops background loops and releases servers and the session store.
func (a *Application) Close() error {
	a.tools.Stop()
	return errors.Join(a.sessions.Close(), a.watcher.Close())
}

// Toolset is the tool-only slice of the application used by CLI commands
// that never reach the reasoning collaborator.
type Toolset struct {
	Tools   *toolcache.Cache
	Watcher *catalog.Watcher
	Invoker *invoker.Invoker
}

func NewToolset(tools *toolcache.Cache, watcher *catalog.Watcher, caller *invoker.Invoker) *Toolset {
	return &Toolset{Tools: tools, Watcher: watcher, Invoker: caller}
}

func (t *Toolset) Close() error {
	t.Tools.Stop()
	return t.Watcher.Close()
}

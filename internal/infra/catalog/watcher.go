package catalog

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/declue/aipilot/internal/domain"
	"github.com/declue/aipilot/internal/infra/telemetry"
)

const defaultReloadDebounce = 200 * time.Millisecond

// ServerRegistry receives server registrations. toolcache.Cache implements it.
type ServerRegistry interface {
	Register(serverID string, server domain.ToolServer)
	Deregister(serverID string)
	Invalidate(serverID string)
}

// ServerFactory builds the client for one server spec.
type ServerFactory func(spec domain.ServerSpec) domain.ToolServer

// ServerDiff lists server names by change kind, each sorted.
type ServerDiff struct {
	Added   []string
	Removed []string
	Changed []string
}

func (d ServerDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// DiffServers compares two server lists. Disabled servers count as absent.
func DiffServers(prev, next []domain.ServerSpec) ServerDiff {
	before := enabledSpecs(prev)
	after := enabledSpecs(next)

	var diff ServerDiff
	for name, spec := range after {
		old, ok := before[name]
		switch {
		case !ok:
			diff.Added = append(diff.Added, name)
		case !reflect.DeepEqual(old, spec):
			diff.Changed = append(diff.Changed, name)
		}
	}
	for name := range before {
		if _, ok := after[name]; !ok {
			diff.Removed = append(diff.Removed, name)
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Changed)
	return diff
}

func enabledSpecs(specs []domain.ServerSpec) map[string]domain.ServerSpec {
	out := make(map[string]domain.ServerSpec, len(specs))
	for _, spec := range specs {
		if !spec.Disabled {
			out[spec.Name] = spec
		}
	}
	return out
}

// Watcher keeps the server registrations in line with the config file.
type Watcher struct {
	logger   *zap.Logger
	loader   *Loader
	path     string
	registry ServerRegistry
	factory  ServerFactory
	debounce time.Duration

	mu      sync.Mutex
	specs   []domain.ServerSpec
	servers map[string]domain.ToolServer
}

func NewWatcher(path string, loader *Loader, registry ServerRegistry, factory ServerFactory, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loader == nil {
		loader = NewLoader(logger)
	}
	return &Watcher{
		logger:   logger.Named("config_watcher"),
		loader:   loader,
		path:     path,
		registry: registry,
		factory:  factory,
		debounce: defaultReloadDebounce,
		servers:  make(map[string]domain.ToolServer),
	}
}

// Apply registers the servers of cfg and retires those no longer present.
func (w *Watcher) Apply(cfg domain.Config) ServerDiff {
	w.mu.Lock()
	defer w.mu.Unlock()

	diff := DiffServers(w.specs, cfg.Servers)
	next := enabledSpecs(cfg.Servers)

	for _, name := range diff.Removed {
		w.registry.Deregister(name)
		w.retire(name)
	}
	for _, name := range diff.Changed {
		w.retire(name)
		w.register(next[name])
		w.registry.Invalidate(name)
	}
	for _, name := range diff.Added {
		w.register(next[name])
	}
	w.specs = append([]domain.ServerSpec(nil), cfg.Servers...)
	return diff
}

func (w *Watcher) register(spec domain.ServerSpec) {
	server := w.factory(spec)
	w.servers[spec.Name] = server
	w.registry.Register(spec.Name, server)
}

func (w *Watcher) retire(name string) {
	server, ok := w.servers[name]
	if !ok {
		return
	}
	delete(w.servers, name)
	if closer, ok := server.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			w.logger.Debug("close retired server failed", telemetry.ServerIDField(name), zap.Error(err))
		}
	}
}

// Reload re-reads the config file and applies its server section. An
// invalid file leaves the current registrations untouched.
func (w *Watcher) Reload(ctx context.Context) (ServerDiff, error) {
	cfg, err := w.loader.Load(ctx, w.path)
	if err != nil {
		return ServerDiff{}, err
	}
	diff := w.Apply(cfg)
	if !diff.Empty() {
		w.logger.Info("config reloaded",
			telemetry.EventField(telemetry.EventConfigReloaded),
			zap.Strings("added", diff.Added),
			zap.Strings("removed", diff.Removed),
			zap.Strings("changed", diff.Changed),
		)
	}
	return diff, nil
}

// Run watches the config file until ctx ends. Bursts of events within the
// debounce window trigger one reload.
func (w *Watcher) Run(ctx context.Context) error {
	if w.path == "" {
		return errors.New("config path is required")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Editors replace files by rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !samePath(event.Name, w.path) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
		case <-timerChan(timer):
			timer = nil
			if _, err := w.Reload(ctx); err != nil {
				w.logger.Warn("config reload failed", telemetry.EventField(telemetry.EventConfigReloadFail), zap.Error(err))
			}
		}
	}
}

// Close releases every server the watcher created.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for name := range w.servers {
		w.retire(name)
	}
	return nil
}

func samePath(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return filepath.Clean(a) == filepath.Clean(b)
}

func timerChan(timer *time.Timer) <-chan time.Time {
	if timer == nil {
		return nil
	}
	return timer.C
}

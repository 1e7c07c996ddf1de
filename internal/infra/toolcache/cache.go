package toolcache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/declue/aipilot/internal/domain"
	"github.com/declue/aipilot/internal/infra/mcpcodec"
	"github.com/declue/aipilot/internal/infra/telemetry"
)

type Options struct {
	TTL            time.Duration
	RefreshTimeout time.Duration
	// Concurrency caps discovery calls running at once across servers.
	Concurrency int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Logger      *zap.Logger
	Metrics     domain.Metrics
	Health      *telemetry.HealthTracker
	Now         func() time.Time
}

// OptionsFromRuntime maps runtime policy onto cache options.
func OptionsFromRuntime(cfg domain.RuntimeConfig) Options {
	return Options{
		TTL:            cfg.ToolCacheTTL,
		RefreshTimeout: cfg.RefreshTimeout,
		Concurrency:    cfg.RefreshConcurrency,
		BackoffBase:    cfg.DegradedBackoffBase,
		BackoffMax:     cfg.DegradedBackoffMax,
	}
}

type serverEntry struct {
	id          string
	server      domain.ToolServer
	gate        *refreshGate
	backoff     *backoff
	refreshedAt time.Time
	generation  uint64
	degraded    bool
	failures    int
	retryAt     time.Time
	lastErr     string
}

// Cache is the TTL cache over the Registry. Readers get immutable snapshots
// published with atomic.Value; refreshes run at most once per server at a time.
type Cache struct {
	registry *Registry
	opts     Options
	logger   *zap.Logger
	metrics  domain.Metrics
	now      func() time.Time

	mu      sync.Mutex
	servers map[string]*serverEntry
	fanout  chan struct{}

	publishMu sync.Mutex
	snapshot  atomic.Value

	subsMu sync.RWMutex
	subs   map[chan domain.ToolSnapshot]struct{}

	loopMu sync.Mutex
	stop   chan struct{}
	done   chan struct{}
}

func New(registry *Registry, opts Options) *Cache {
	if registry == nil {
		registry = NewRegistry()
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Duration(domain.DefaultToolCacheTTLSeconds) * time.Second
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = time.Duration(domain.DefaultRefreshTimeoutSeconds) * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = domain.DefaultRefreshConcurrency
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Duration(domain.DefaultDegradedBackoffBaseSeconds) * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = time.Duration(domain.DefaultDegradedBackoffMaxSeconds) * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NoopMetrics{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	c := &Cache{
		registry: registry,
		opts:     opts,
		logger:   logger.Named("toolcache"),
		metrics:  metrics,
		now:      now,
		servers:  make(map[string]*serverEntry),
		fanout:   make(chan struct{}, opts.Concurrency),
		subs:     make(map[chan domain.ToolSnapshot]struct{}),
	}
	c.snapshot.Store(domain.ToolSnapshot{ETag: mcpcodec.HashDescriptors(nil)})
	return c
}

// Register adds or replaces the server behind serverID. A replaced server is
// treated as invalidated.
func (c *Cache) Register(serverID string, server domain.ToolServer) {
	c.mu.Lock()
	entry, ok := c.servers[serverID]
	if !ok {
		entry = &serverEntry{
			id:      serverID,
			gate:    newRefreshGate(),
			backoff: newBackoff(c.opts.BackoffBase, c.opts.BackoffMax),
		}
		c.servers[serverID] = entry
	}
	entry.server = server
	entry.refreshedAt = time.Time{}
	entry.degraded = false
	entry.failures = 0
	entry.retryAt = time.Time{}
	entry.lastErr = ""
	entry.generation++
	entry.backoff.reset()
	c.mu.Unlock()
	c.metrics.SetServerDegraded(serverID, false)
	c.publish()
}

// Deregister removes the server and every descriptor it owned.
func (c *Cache) Deregister(serverID string) {
	c.mu.Lock()
	_, ok := c.servers[serverID]
	delete(c.servers, serverID)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.registry.Remove(serverID)
	c.publish()
}

// Invalidate marks serverID stale so the next ListTools re-discovers it.
// Known descriptors stay visible until then.
func (c *Cache) Invalidate(serverID string) {
	c.mu.Lock()
	if entry, ok := c.servers[serverID]; ok {
		entry.refreshedAt = time.Time{}
		entry.retryAt = time.Time{}
		entry.generation++
	}
	c.mu.Unlock()
}

// Server returns the server registered under serverID.
func (c *Cache) Server(serverID string) (domain.ToolServer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.servers[serverID]
	if !ok {
		return nil, false
	}
	return entry.server, true
}

// ServerIDs lists the registered servers.
func (c *Cache) ServerIDs() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.servers))
	for id := range c.servers {
		out = append(out, id)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// Snapshot returns the last published snapshot without refreshing.
func (c *Cache) Snapshot() domain.ToolSnapshot {
	return c.snapshot.Load().(domain.ToolSnapshot)
}

// Lookup finds a live descriptor by its registry key.
func (c *Cache) Lookup(serverID, name string) (domain.ToolDescriptor, bool) {
	return c.registry.Lookup(serverID, name)
}

// ListTools refreshes expired servers and returns the best known snapshot.
// Discovery failures surface as warnings, never as errors; only caller
// cancellation is returned.
func (c *Cache) ListTools(ctx context.Context) (domain.ToolSnapshot, error) {
	due := c.dueServers()
	if len(due) > 0 {
		c.refreshAll(ctx, due, false)
	}
	if err := ctx.Err(); err != nil {
		return c.Snapshot(), err
	}
	return c.Snapshot(), nil
}

// Refresh forces discovery for one server, ignoring TTL and backoff.
func (c *Cache) Refresh(ctx context.Context, serverID string) error {
	c.mu.Lock()
	entry, ok := c.servers[serverID]
	c.mu.Unlock()
	if !ok {
		return domain.E(domain.CodeNotFound, "toolcache.refresh", serverID, domain.ErrServerNotFound)
	}
	return c.refreshOne(ctx, entry, true)
}

func (c *Cache) dueServers() []*serverEntry {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	var due []*serverEntry
	for _, entry := range c.servers {
		if entry.degraded && now.Before(entry.retryAt) {
			continue
		}
		if !entry.refreshedAt.IsZero() && now.Sub(entry.refreshedAt) < c.opts.TTL {
			continue
		}
		due = append(due, entry)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].id < due[j].id })
	return due
}

func (c *Cache) refreshAll(ctx context.Context, entries []*serverEntry, force bool) {
	workers := c.opts.Concurrency
	if workers > len(entries) {
		workers = len(entries)
	}
	jobs := make(chan *serverEntry, len(entries))
	for _, entry := range entries {
		jobs <- entry
	}
	close(jobs)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entry := range jobs {
				if ctx.Err() != nil {
					return
				}
				_ = c.refreshOne(ctx, entry, force)
			}
		}()
	}
	wg.Wait()
}

func (c *Cache) refreshOne(ctx context.Context, entry *serverEntry, force bool) error {
	c.mu.Lock()
	generation := entry.generation
	c.mu.Unlock()

	if err := entry.gate.acquire(ctx); err != nil {
		return err
	}
	defer entry.gate.release()

	c.mu.Lock()
	server := entry.server
	fresh := !entry.refreshedAt.IsZero() && c.now().Sub(entry.refreshedAt) < c.opts.TTL
	// A concurrent caller refreshed while this one waited on the gate.
	if !force && fresh && entry.generation == generation {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	select {
	case c.fanout <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.fanout }()

	logger := c.logger.With(telemetry.ServerIDField(entry.id))
	started := c.now()
	fetchCtx, cancel := context.WithTimeout(ctx, c.opts.RefreshTimeout)
	tools, err := server.ListTools(fetchCtx)
	cancel()
	elapsed := c.now().Sub(started)

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.metrics.ObserveToolRefresh(entry.id, false, elapsed)
		c.markDegraded(entry, err, logger)
		c.publish()
		return domain.E(domain.CodeUnavailable, "toolcache.refresh", fmt.Sprintf("discover %s", entry.id), err)
	}

	c.metrics.ObserveToolRefresh(entry.id, true, elapsed)

	c.mu.Lock()
	// The server was deregistered or replaced while discovery ran.
	if current, ok := c.servers[entry.id]; !ok || current != entry || entry.server != server {
		c.mu.Unlock()
		return nil
	}
	refreshedAt := c.now()
	for i := range tools {
		tools[i].LastRefreshed = refreshedAt
	}
	dups := c.registry.Replace(entry.id, tools)
	recovered := entry.degraded
	entry.refreshedAt = refreshedAt
	entry.degraded = false
	entry.failures = 0
	entry.retryAt = time.Time{}
	entry.lastErr = ""
	entry.backoff.reset()
	c.mu.Unlock()

	if len(dups) > 0 {
		logger.Warn("duplicate tool names ignored", zap.Strings("tools", dups))
	}
	if recovered {
		c.metrics.SetServerDegraded(entry.id, false)
		logger.Info("tool server recovered", telemetry.EventField(telemetry.EventServerRecovered))
	}
	logger.Debug("tool discovery complete",
		telemetry.EventField(telemetry.EventRefreshSuccess),
		zap.Int("tools", len(tools)),
		telemetry.DurationField(elapsed),
	)
	c.publish()
	return nil
}

func (c *Cache) markDegraded(entry *serverEntry, cause error, logger *zap.Logger) {
	c.mu.Lock()
	entry.failures++
	entry.degraded = true
	delay := entry.backoff.next()
	entry.retryAt = c.now().Add(delay)
	entry.lastErr = cause.Error()
	failures := entry.failures
	c.mu.Unlock()

	c.metrics.SetServerDegraded(entry.id, true)
	logger.Warn("tool discovery failed",
		telemetry.EventField(telemetry.EventServerDegraded),
		zap.Int("consecutiveFailures", failures),
		zap.Duration("retryIn", delay),
		zap.Error(cause),
	)
}

// publish rebuilds the snapshot from the registry and server state.
func (c *Cache) publish() {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	tools := c.registry.Descriptors()
	var warnings []domain.ToolWarning
	c.mu.Lock()
	for _, entry := range c.servers {
		if !entry.degraded {
			continue
		}
		warnings = append(warnings, domain.ToolWarning{
			ServerID:   entry.id,
			Message:    entry.lastErr,
			Failures:   entry.failures,
			RetryAt:    entry.retryAt,
			KnownTools: c.registry.Count(entry.id),
		})
	}
	c.mu.Unlock()
	sort.Slice(warnings, func(i, j int) bool { return warnings[i].ServerID < warnings[j].ServerID })

	snapshot := domain.ToolSnapshot{
		Tools:    tools,
		Warnings: warnings,
		ETag:     mcpcodec.HashDescriptors(tools),
	}
	previous := c.Snapshot()
	c.snapshot.Store(snapshot)
	c.metrics.SetCachedTools(len(tools))
	if previous.ETag != snapshot.ETag {
		c.broadcast(snapshot)
	}
}

// Subscribe delivers the current snapshot and every later one whose tool set
// changed. The channel closes when ctx is done.
func (c *Cache) Subscribe(ctx context.Context) <-chan domain.ToolSnapshot {
	ch := make(chan domain.ToolSnapshot, 1)
	c.subsMu.Lock()
	c.subs[ch] = struct{}{}
	c.subsMu.Unlock()
	sendLatest(ch, c.Snapshot())

	go func() {
		<-ctx.Done()
		c.subsMu.Lock()
		delete(c.subs, ch)
		close(ch)
		c.subsMu.Unlock()
	}()
	return ch
}

func (c *Cache) broadcast(snapshot domain.ToolSnapshot) {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	for ch := range c.subs {
		sendLatest(ch, snapshot)
	}
}

// sendLatest replaces an unread snapshot so slow subscribers only see the newest.
func sendLatest(ch chan domain.ToolSnapshot, snapshot domain.ToolSnapshot) {
	for {
		select {
		case ch <- snapshot:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Start runs an initial discovery and then refreshes due servers in the
// background until Stop or ctx is done.
func (c *Cache) Start(ctx context.Context) {
	c.loopMu.Lock()
	if c.stop != nil {
		c.loopMu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	c.stop, c.done = stop, done
	c.loopMu.Unlock()

	interval := c.opts.TTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	beat := c.opts.Health.Register("toolcache", interval*3)

	if _, err := c.ListTools(ctx); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("initial tool discovery failed", zap.Error(err))
	}
	beat.Beat()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				beat.Beat()
				_, _ = c.ListTools(ctx)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (c *Cache) Stop() {
	c.loopMu.Lock()
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.loopMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

var _ domain.ToolSource = (*Cache)(nil)

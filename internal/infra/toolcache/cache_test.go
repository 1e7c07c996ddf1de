package toolcache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/declue/aipilot/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeServer struct {
	mu       sync.Mutex
	tools    []string
	err      error
	calls    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	block    chan struct{}
	started  chan struct{}
}

func newFakeServer(tools ...string) *fakeServer {
	return &fakeServer{tools: tools}
}

func (s *fakeServer) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *fakeServer) setTools(tools ...string) {
	s.mu.Lock()
	s.tools = tools
	s.mu.Unlock()
}

func (s *fakeServer) ListTools(ctx context.Context) ([]domain.ToolDescriptor, error) {
	s.calls.Add(1)
	current := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		seen := s.maxSeen.Load()
		if current <= seen || s.maxSeen.CompareAndSwap(seen, current) {
			break
		}
	}
	if s.started != nil {
		select {
		case s.started <- struct{}{}:
		default:
		}
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]domain.ToolDescriptor, 0, len(s.tools))
	for _, name := range s.tools {
		out = append(out, domain.ToolDescriptor{Name: name, InputSchema: json.RawMessage(`{"type":"object"}`)})
	}
	return out, nil
}

func (s *fakeServer) CallTool(context.Context, string, json.RawMessage) (domain.CallOutput, error) {
	return domain.CallOutput{}, errors.New("not used")
}

func newTestCache(clock *fakeClock, opts Options) *Cache {
	opts.Now = clock.Now
	if opts.TTL == 0 {
		opts.TTL = time.Minute
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 4 * time.Second
	}
	return New(NewRegistry(), opts)
}

func toolNames(snapshot domain.ToolSnapshot) []string {
	out := make([]string, 0, len(snapshot.Tools))
	for _, tool := range snapshot.Tools {
		out = append(out, tool.ServerID+"."+tool.Name)
	}
	return out
}

func TestCache_ServesFromMemoryWithinTTL(t *testing.T) {
	clock := newFakeClock()
	cache := newTestCache(clock, Options{})
	server := newFakeServer("write_file", "read_file")
	cache.Register("fs", server)

	snapshot, err := cache.ListTools(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"fs.read_file", "fs.write_file"}, toolNames(snapshot))
	require.Equal(t, int32(1), server.calls.Load())

	clock.Advance(30 * time.Second)
	_, err = cache.ListTools(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), server.calls.Load())

	server.setTools("write_file")
	clock.Advance(31 * time.Second)
	snapshot, err = cache.ListTools(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(2), server.calls.Load())
	require.Equal(t, []string{"fs.write_file"}, toolNames(snapshot))
	require.Equal(t, clock.Now(), snapshot.Tools[0].LastRefreshed)
}

func TestCache_OneDiscoveryPerServerAtATime(t *testing.T) {
	clock := newFakeClock()
	cache := newTestCache(clock, Options{})
	server := newFakeServer("probe")
	server.block = make(chan struct{})
	server.started = make(chan struct{}, 1)
	cache.Register("net", server)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cache.ListTools(context.Background())
		}()
	}
	<-server.started
	time.Sleep(20 * time.Millisecond)
	close(server.block)
	wg.Wait()

	require.Equal(t, int32(1), server.maxSeen.Load())
	require.Equal(t, int32(1), server.calls.Load())
	require.Len(t, cache.Snapshot().Tools, 1)
}

func TestCache_GlobalFanOutCap(t *testing.T) {
	clock := newFakeClock()
	cache := newTestCache(clock, Options{Concurrency: 2})

	var (
		inFlight atomic.Int32
		maxSeen  atomic.Int32
	)
	release := make(chan struct{})
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		cache.Register(id, &countingServer{inFlight: &inFlight, maxSeen: &maxSeen, release: release})
	}

	done := make(chan struct{})
	go func() {
		_, _ = cache.ListTools(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool { return inFlight.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(release)
	<-done

	require.Equal(t, int32(2), maxSeen.Load())
	require.Len(t, cache.Snapshot().Tools, 5)
}

type countingServer struct {
	inFlight *atomic.Int32
	maxSeen  *atomic.Int32
	release  chan struct{}
}

func (s *countingServer) ListTools(ctx context.Context) ([]domain.ToolDescriptor, error) {
	current := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		seen := s.maxSeen.Load()
		if current <= seen || s.maxSeen.CompareAndSwap(seen, current) {
			break
		}
	}
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return []domain.ToolDescriptor{{Name: "tool"}}, nil
}

func (s *countingServer) CallTool(context.Context, string, json.RawMessage) (domain.CallOutput, error) {
	return domain.CallOutput{}, nil
}

func TestCache_DegradedServerKeepsOthersAndBacksOff(t *testing.T) {
	clock := newFakeClock()
	cache := newTestCache(clock, Options{})
	healthy := newFakeServer("search")
	broken := newFakeServer("ping")
	broken.setErr(errors.New("connection refused"))
	cache.Register("web", healthy)
	cache.Register("net", broken)

	snapshot, err := cache.ListTools(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"web.search"}, toolNames(snapshot))
	require.Len(t, snapshot.Warnings, 1)
	require.Equal(t, "net", snapshot.Warnings[0].ServerID)
	require.Equal(t, "connection refused", snapshot.Warnings[0].Message)
	require.Equal(t, clock.Now().Add(time.Second), snapshot.Warnings[0].RetryAt)

	// Inside the backoff window the broken server is not contacted.
	_, err = cache.ListTools(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), broken.calls.Load())

	clock.Advance(time.Second)
	snapshot, _ = cache.ListTools(context.Background())
	require.Equal(t, int32(2), broken.calls.Load())
	require.Equal(t, 2, snapshot.Warnings[0].Failures)
	require.Equal(t, clock.Now().Add(2*time.Second), snapshot.Warnings[0].RetryAt)

	clock.Advance(2 * time.Second)
	_, _ = cache.ListTools(context.Background())
	clock.Advance(4 * time.Second)
	snapshot, _ = cache.ListTools(context.Background())
	// Capped at BackoffMax.
	require.Equal(t, clock.Now().Add(4*time.Second), snapshot.Warnings[0].RetryAt)

	broken.setErr(nil)
	clock.Advance(4 * time.Second)
	snapshot, err = cache.ListTools(context.Background())
	require.NoError(t, err)
	require.Empty(t, snapshot.Warnings)
	require.Equal(t, []string{"net.ping", "web.search"}, toolNames(snapshot))
}

func TestCache_FailedRefreshKeepsLastKnownDescriptors(t *testing.T) {
	clock := newFakeClock()
	cache := newTestCache(clock, Options{})
	server := newFakeServer("ps", "kill")
	cache.Register("proc", server)

	_, err := cache.ListTools(context.Background())
	require.NoError(t, err)

	server.setErr(errors.New("timeout"))
	clock.Advance(2 * time.Minute)
	snapshot, err := cache.ListTools(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"proc.kill", "proc.ps"}, toolNames(snapshot))
	require.Len(t, snapshot.Warnings, 1)
	require.Equal(t, 2, snapshot.Warnings[0].KnownTools)
}

func TestCache_InvalidateAndDeregister(t *testing.T) {
	clock := newFakeClock()
	cache := newTestCache(clock, Options{})
	server := newFakeServer("write_file")
	cache.Register("fs", server)

	_, err := cache.ListTools(context.Background())
	require.NoError(t, err)

	cache.Invalidate("fs")
	_, err = cache.ListTools(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(2), server.calls.Load())

	cache.Deregister("fs")
	snapshot, err := cache.ListTools(context.Background())
	require.NoError(t, err)
	require.Empty(t, snapshot.Tools)
	_, ok := cache.Lookup("fs", "write_file")
	require.False(t, ok)
}

func TestCache_RefreshUnknownServer(t *testing.T) {
	cache := newTestCache(newFakeClock(), Options{})
	err := cache.Refresh(context.Background(), "missing")
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeNotFound, code)
}

func TestCache_RefreshReportsFailure(t *testing.T) {
	cache := newTestCache(newFakeClock(), Options{})
	server := newFakeServer()
	server.setErr(errors.New("boom"))
	cache.Register("x", server)

	err := cache.Refresh(context.Background(), "x")
	require.Error(t, err)
	require.Len(t, cache.Snapshot().Warnings, 1)
}

func TestCache_RegisterClearsDegradedWarning(t *testing.T) {
	cache := newTestCache(newFakeClock(), Options{})
	broken := newFakeServer()
	broken.setErr(errors.New("boom"))
	cache.Register("x", broken)
	require.Error(t, cache.Refresh(context.Background(), "x"))
	require.Len(t, cache.Snapshot().Warnings, 1)

	cache.Register("x", newFakeServer("ping"))

	require.Empty(t, cache.Snapshot().Warnings)
}

func TestCache_SubscribeReceivesChanges(t *testing.T) {
	clock := newFakeClock()
	cache := newTestCache(clock, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := cache.Subscribe(ctx)
	initial := <-updates
	require.Empty(t, initial.Tools)

	cache.Register("fs", newFakeServer("write_file"))
	_, err := cache.ListTools(context.Background())
	require.NoError(t, err)

	select {
	case snapshot := <-updates:
		require.Equal(t, []string{"fs.write_file"}, toolNames(snapshot))
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-updates
		return !open
	}, time.Second, 5*time.Millisecond)
}

func TestRegistry_DuplicateNamesKeepFirst(t *testing.T) {
	registry := NewRegistry()
	dups := registry.Replace("fs", []domain.ToolDescriptor{
		{Name: "read", Description: "first"},
		{Name: "read", Description: "second"},
	})
	require.Equal(t, []string{"read"}, dups)
	tool, ok := registry.Lookup("fs", "read")
	require.True(t, ok)
	require.Equal(t, "first", tool.Description)
	require.Equal(t, "fs", tool.ServerID)
}

func TestBackoff_DoublesUpToCap(t *testing.T) {
	b := newBackoff(time.Second, 3*time.Second)
	require.Equal(t, time.Second, b.next())
	require.Equal(t, 2*time.Second, b.next())
	require.Equal(t, 3*time.Second, b.next())
	require.Equal(t, 3*time.Second, b.next())
	b.reset()
	require.Equal(t, time.Second, b.next())
}

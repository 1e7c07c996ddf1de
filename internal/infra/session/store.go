package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/declue/aipilot/internal/domain"
	"github.com/declue/aipilot/internal/infra/telemetry"
	"github.com/declue/aipilot/internal/infra/workflow"
)

// Stepper advances a workflow state by one user input.
type Stepper interface {
	Step(ctx context.Context, state *domain.WorkflowState, input string, onChunk domain.StreamFunc) (workflow.Reply, error)
}

type Options struct {
	// IdleTimeout expires sessions without turns; zero disables expiry.
	IdleTimeout time.Duration
	Logger      *zap.Logger
	Metrics     domain.Metrics
	Health      *telemetry.HealthTracker
	Now         func() time.Time
}

// session is the in-memory handle of one conversation. gate serializes its
// turns; state is the last committed value.
type session struct {
	id   string
	gate chan struct{}

	mu         sync.Mutex
	state      *domain.WorkflowState
	cancel     context.CancelFunc
	lastActive time.Time
	terminated bool
}

func (s *session) setCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
}

// Store owns every session's WorkflowState. Turns of one session run one at
// a time; distinct sessions run concurrently.
type Store struct {
	engine    Stepper
	snapshots domain.SnapshotStore
	opts      Options
	logger    *zap.Logger
	metrics   domain.Metrics
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*session

	loopMu   sync.Mutex
	stop     context.CancelFunc
	loopDone chan struct{}
}

func NewStore(engine Stepper, snapshots domain.SnapshotStore, opts Options) *Store {
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
	return &Store{
		engine:    engine,
		snapshots: snapshots,
		opts:      opts,
		logger:    logger.Named("session"),
		metrics:   metrics,
		now:       now,
		sessions:  make(map[string]*session),
	}
}

// NewSessionID returns a fresh random session id.
func NewSessionID() string {
	return uuid.NewString()
}

// StartOrContinue processes one turn of a session, creating the session
// when it does not exist yet.
func (s *Store) StartOrContinue(ctx context.Context, sessionID string, turn domain.Turn) (domain.TurnResult, error) {
	return s.StartOrContinueStream(ctx, sessionID, turn, nil)
}

// StartOrContinueStream is StartOrContinue with incremental answer text.
func (s *Store) StartOrContinueStream(ctx context.Context, sessionID string, turn domain.Turn, onChunk domain.StreamFunc) (domain.TurnResult, error) {
	if sessionID == "" {
		sessionID = NewSessionID()
	}
	started := time.Now()
	logger := telemetry.LoggerWithRequest(ctx, s.logger).With(telemetry.SessionIDField(sessionID))

	sess := s.acquireHandle(sessionID)
	select {
	case sess.gate <- struct{}{}:
	case <-ctx.Done():
		return domain.TurnResult{}, domain.Wrap(domain.CodeCanceled, "session.StartOrContinue", ctx.Err())
	}
	defer func() { <-sess.gate }()

	sess.mu.Lock()
	terminated := sess.terminated
	sess.lastActive = s.now()
	sess.mu.Unlock()
	if terminated {
		return domain.TurnResult{}, domain.E(domain.CodeFailedPrecond, "session.StartOrContinue", "", domain.ErrSessionTerminated)
	}

	committed, err := s.committed(ctx, sess, logger)
	if err != nil {
		return domain.TurnResult{}, err
	}

	if turn.DeliveryID != "" && committed.LastTurn != nil && committed.LastTurn.DeliveryID == turn.DeliveryID {
		last := committed.LastTurn
		return domain.TurnResult{
			SessionID: sessionID,
			Stage:     last.Stage,
			Output:    last.Output,
			Choices:   append([]domain.Choice(nil), last.Choices...),
			Replayed:  true,
		}, nil
	}

	turnCtx, cancel := context.WithCancel(ctx)
	sess.setCancel(cancel)
	defer func() {
		sess.setCancel(nil)
		cancel()
	}()

	working := committed.Clone()
	reply, err := s.engine.Step(turnCtx, working, turn.Text, onChunk)
	if err != nil {
		if turnCtx.Err() != nil {
			logger.Info("turn canceled", telemetry.EventField(telemetry.EventTurnCanceled), telemetry.StageField(committed.Stage))
			s.metrics.ObserveTurn(committed.Stage, "canceled", time.Since(started))
			return domain.TurnResult{}, domain.E(domain.CodeCanceled, "session.StartOrContinue", "turn canceled", context.Canceled)
		}
		s.metrics.ObserveTurn(committed.Stage, "error", time.Since(started))
		return domain.TurnResult{}, domain.Wrap(domain.CodeInternal, "session.StartOrContinue", err)
	}

	result := domain.TurnResult{
		SessionID: sessionID,
		Stage:     working.Stage,
		Output:    reply.Output,
		Choices:   reply.Choices,
	}
	if reply.Clarification {
		s.metrics.ObserveTurn(working.Stage, "clarification", time.Since(started))
		return result, nil
	}

	working.LastTurn = &domain.TurnRecord{
		DeliveryID: turn.DeliveryID,
		Input:      turn.Text,
		Output:     reply.Output,
		Stage:      working.Stage,
		Choices:    append([]domain.Choice(nil), reply.Choices...),
	}
	if err := s.persist(ctx, working); err != nil {
		s.metrics.ObserveTurn(committed.Stage, "error", time.Since(started))
		return domain.TurnResult{}, err
	}
	sess.mu.Lock()
	sess.state = working
	sess.mu.Unlock()

	s.metrics.ObserveTurn(working.Stage, "ok", time.Since(started))
	return result, nil
}

// State returns a copy of the committed state of a session.
func (s *Store) State(ctx context.Context, sessionID string) (*domain.WorkflowState, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if ok {
		sess.mu.Lock()
		state := sess.state
		sess.mu.Unlock()
		if state != nil {
			return state.Clone(), nil
		}
	}
	state, err := s.load(ctx, sessionID, s.logger.With(telemetry.SessionIDField(sessionID)))
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Cancel aborts the in-flight turn of a session, if any. The session keeps
// its last committed state.
func (s *Store) Cancel(sessionID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return domain.E(domain.CodeNotFound, "session.Cancel", sessionID, domain.ErrSessionNotFound)
	}
	sess.mu.Lock()
	cancel := sess.cancel
	sess.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Terminate cancels any in-flight turn, waits for it to unwind and removes
// the session and its snapshot.
func (s *Store) Terminate(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()

	if ok {
		sess.mu.Lock()
		sess.terminated = true
		cancel := sess.cancel
		sess.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		select {
		case sess.gate <- struct{}{}:
		case <-ctx.Done():
			return domain.Wrap(domain.CodeCanceled, "session.Terminate", ctx.Err())
		}
		s.mu.Lock()
		if s.sessions[sessionID] == sess {
			delete(s.sessions, sessionID)
		}
		active := len(s.sessions)
		s.mu.Unlock()
		<-sess.gate
		s.metrics.SetActiveSessions(active)
	}

	if err := s.snapshots.Delete(ctx, sessionID); err != nil {
		return domain.Wrap(domain.CodeUnavailable, "session.Terminate", err)
	}
	return nil
}

// ExpireIdle removes sessions idle for longer than the idle timeout, both
// in memory and in the snapshot store. It returns the expired ids.
func (s *Store) ExpireIdle(ctx context.Context) []string {
	if s.opts.IdleTimeout <= 0 {
		return nil
	}
	cutoff := s.now().Add(-s.opts.IdleTimeout)

	s.mu.Lock()
	candidates := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		candidates = append(candidates, sess)
	}
	s.mu.Unlock()

	var expired []string
	known := make(map[string]struct{}, len(candidates))
	for _, sess := range candidates {
		known[sess.id] = struct{}{}
		select {
		case sess.gate <- struct{}{}:
		default:
			continue
		}
		sess.mu.Lock()
		idle := sess.lastActive.Before(cutoff)
		if idle {
			sess.terminated = true
		}
		sess.mu.Unlock()
		if idle {
			s.mu.Lock()
			if s.sessions[sess.id] == sess {
				delete(s.sessions, sess.id)
			}
			s.mu.Unlock()
			if err := s.snapshots.Delete(ctx, sess.id); err != nil {
				s.logger.Warn("delete expired session failed", telemetry.SessionIDField(sess.id), zap.Error(err))
			}
			expired = append(expired, sess.id)
		}
		<-sess.gate
	}

	ids, err := s.snapshots.List(ctx)
	if err != nil {
		s.logger.Warn("list sessions failed", zap.Error(err))
	}
	for _, id := range ids {
		if _, ok := known[id]; ok {
			continue
		}
		data, err := s.snapshots.Load(ctx, id)
		if err != nil {
			continue
		}
		state, err := DecodeSnapshot(data)
		if err != nil || !state.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := s.snapshots.Delete(ctx, id); err == nil {
			expired = append(expired, id)
		}
	}

	for _, id := range expired {
		s.logger.Info("session expired", telemetry.EventField(telemetry.EventSessionExpired), telemetry.SessionIDField(id))
	}
	s.mu.Lock()
	active := len(s.sessions)
	s.mu.Unlock()
	s.metrics.SetActiveSessions(active)
	return expired
}

// Start runs the idle janitor until ctx ends or Stop is called.
func (s *Store) Start(ctx context.Context) {
	if s.opts.IdleTimeout <= 0 {
		return
	}
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.stop != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.stop = cancel
	s.loopDone = make(chan struct{})

	interval := s.opts.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	heartbeat := s.opts.Health.Register("session-janitor", 3*interval)
	go func() {
		defer close(s.loopDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			heartbeat.Beat()
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.ExpireIdle(loopCtx)
			}
		}
	}()
}

// Stop ends the janitor and waits for it.
func (s *Store) Stop() {
	s.loopMu.Lock()
	cancel, done := s.stop, s.loopDone
	s.stop, s.loopDone = nil, nil
	s.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close stops the janitor and closes the snapshot store.
func (s *Store) Close() error {
	s.Stop()
	return s.snapshots.Close()
}

func (s *Store) acquireHandle(sessionID string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &session{id: sessionID, gate: make(chan struct{}, 1), lastActive: s.now()}
		s.sessions[sessionID] = sess
		s.metrics.SetActiveSessions(len(s.sessions))
	}
	return sess
}

// committed returns the last committed state, loading it on first use. A
// missing snapshot starts a new session.
func (s *Store) committed(ctx context.Context, sess *session, logger *zap.Logger) (*domain.WorkflowState, error) {
	sess.mu.Lock()
	state := sess.state
	sess.mu.Unlock()
	if state != nil {
		return state, nil
	}

	state, err := s.load(ctx, sess.id, logger)
	if errors.Is(err, domain.ErrSessionNotFound) {
		state = domain.NewWorkflowState(sess.id, "", s.now())
		err = nil
	}
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	sess.state = state
	sess.mu.Unlock()
	return state, nil
}

func (s *Store) load(ctx context.Context, sessionID string, logger *zap.Logger) (*domain.WorkflowState, error) {
	data, err := s.snapshots.Load(ctx, sessionID)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return nil, domain.E(domain.CodeNotFound, "session.load", sessionID, domain.ErrSessionNotFound)
	}
	if err != nil {
		return nil, domain.Wrap(domain.CodeUnavailable, "session.load", err)
	}
	state, err := DecodeSnapshot(data)
	if err != nil {
		logger.Error("session snapshot unreadable; refusing to resume",
			telemetry.EventField(telemetry.EventSnapshotCorrupt),
			zap.Error(err),
		)
		return nil, domain.E(domain.CodeFailedPrecond, "session.load", err.Error(), domain.ErrSnapshotCorrupt)
	}
	if state.SessionID != sessionID {
		return nil, domain.E(domain.CodeFailedPrecond, "session.load", "snapshot belongs to another session", domain.ErrSnapshotCorrupt)
	}
	return state, nil
}

func (s *Store) persist(ctx context.Context, state *domain.WorkflowState) error {
	data, err := EncodeSnapshot(state)
	if err != nil {
		return domain.Wrap(domain.CodeInternal, "session.persist", err)
	}
	if err := s.snapshots.Save(ctx, state.SessionID, data); err != nil {
		return domain.Wrap(domain.CodeUnavailable, "session.persist", err)
	}
	return nil
}

package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/declue/aipilot/internal/domain"
	"github.com/declue/aipilot/internal/infra/telemetry"
)

// ServerResolver finds the server owning a descriptor.
type ServerResolver interface {
	Server(serverID string) (domain.ToolServer, bool)
}

type Options struct {
	Timeout      time.Duration
	RetryBackoff time.Duration
	// Concurrency caps tool calls in flight across all sessions.
	Concurrency int
	Logger      *zap.Logger
	Metrics     domain.Metrics
}

// OptionsFromRuntime maps runtime policy onto invoker options.
func OptionsFromRuntime(cfg domain.RuntimeConfig) Options {
	return Options{
		Timeout:      cfg.CallTimeout,
		RetryBackoff: cfg.CallRetryBackoff,
		Concurrency:  cfg.CallConcurrency,
	}
}

// Invoker executes single tool calls. It retries a transport failure once and
// never retries tool errors or timeouts.
type Invoker struct {
	servers   ServerResolver
	validator *schemaValidator
	sem       *semaphore.Weighted
	opts      Options
	logger    *zap.Logger
	metrics   domain.Metrics
}

func New(servers ServerResolver, opts Options) *Invoker {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Duration(domain.DefaultCallTimeoutSeconds) * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Duration(domain.DefaultCallRetryBackoffMs) * time.Millisecond
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = domain.DefaultCallConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NoopMetrics{}
	}
	return &Invoker{
		servers:   servers,
		validator: newSchemaValidator(),
		sem:       semaphore.NewWeighted(int64(opts.Concurrency)),
		opts:      opts,
		logger:    logger.Named("invoker"),
		metrics:   metrics,
	}
}

// Call validates args against the descriptor schema and executes the call.
// A zero timeout uses the configured default.
func (i *Invoker) Call(ctx context.Context, desc domain.ToolDescriptor, args json.RawMessage, timeout time.Duration) domain.ToolCallResult {
	started := time.Now()
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	result := domain.ToolCallResult{
		Tool:      desc.Name,
		ServerID:  desc.ServerID,
		Arguments: domain.RecordedArguments(args),
	}
	logger := telemetry.LoggerWithRequest(ctx, i.logger).With(
		telemetry.ServerIDField(desc.ServerID),
		telemetry.ToolField(desc.Name),
	)

	finish := func(status domain.CallStatus, payload json.RawMessage, detail string) domain.ToolCallResult {
		result.Status = status
		result.Payload = payload
		result.ErrorDetail = detail
		result.Duration = time.Since(started)
		i.metrics.ObserveToolCall(desc.ServerID, desc.Name, status, result.Duration)
		logger.Debug("tool call finished",
			telemetry.EventField(telemetry.EventToolCall),
			telemetry.StatusField(status),
			zap.Int("attempts", result.Attempts),
			telemetry.DurationField(result.Duration),
		)
		return result
	}

	violation, schemaErr := i.validator.validate(desc.InputSchema, args)
	if schemaErr != nil {
		logger.Warn("input schema unusable; skipping validation", zap.Error(schemaErr))
	}
	if violation != nil {
		return finish(domain.CallStatusSchemaMismatch, nil, violation.Error())
	}

	server, ok := i.servers.Server(desc.ServerID)
	if !ok || server == nil {
		return finish(domain.CallStatusTransportError, nil, fmt.Sprintf("%s: %s", domain.ErrServerNotFound, desc.ServerID))
	}

	if timeout <= 0 {
		timeout = i.opts.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := i.sem.Acquire(callCtx, 1); err != nil {
		if ctx.Err() == nil {
			return finish(domain.CallStatusTimeout, nil, fmt.Sprintf("timed out after %s waiting for a call slot", timeout))
		}
		return finish(domain.CallStatusTransportError, nil, ctx.Err().Error())
	}
	defer i.sem.Release(1)

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		result.Attempts = attempt
		out, err := server.CallTool(callCtx, desc.Name, args)
		if err == nil {
			if out.IsError {
				return finish(domain.CallStatusToolError, nil, out.Message)
			}
			return finish(domain.CallStatusSuccess, out.Payload, "")
		}
		lastErr = err
		if ctx.Err() != nil {
			return finish(domain.CallStatusTransportError, nil, ctx.Err().Error())
		}
		if callCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return finish(domain.CallStatusTimeout, nil, fmt.Sprintf("timed out after %s", timeout))
		}
		if attempt == 2 {
			break
		}
		logger.Warn("tool call transport failure; retrying once",
			telemetry.EventField(telemetry.EventToolRetry),
			zap.Error(err),
		)
		if !sleep(callCtx, i.opts.RetryBackoff) {
			if ctx.Err() != nil {
				return finish(domain.CallStatusTransportError, nil, ctx.Err().Error())
			}
			return finish(domain.CallStatusTimeout, nil, fmt.Sprintf("timed out after %s", timeout))
		}
	}
	return finish(domain.CallStatusTransportError, nil, lastErr.Error())
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

var _ domain.ToolCaller = (*Invoker)(nil)

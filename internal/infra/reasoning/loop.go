package reasoning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/declue/aipilot/internal/domain"
	"github.com/declue/aipilot/internal/infra/telemetry"
	"github.com/declue/aipilot/internal/infra/toolcatalog"
)

// IncompleteMarker prefixes answers forced by the iteration limit.
const IncompleteMarker = "incomplete: iteration limit reached"

type LoopOptions struct {
	MaxIterations int
	// ContextWindow bounds the non-system messages sent per decision.
	ContextWindow int
	CallTimeout   time.Duration
	Logger        *zap.Logger
	Metrics       domain.Metrics
}

// LoopOptionsFromRuntime maps runtime policy onto loop options.
func LoopOptionsFromRuntime(cfg domain.RuntimeConfig) LoopOptions {
	return LoopOptions{
		MaxIterations: cfg.MaxIterations,
		ContextWindow: cfg.ContextWindow,
		CallTimeout:   cfg.CallTimeout,
	}
}

// Request describes one loop run.
type Request struct {
	Conversation []domain.Message
	Tools        []domain.ToolDescriptor
	// OnChunk streams answer text when the reasoner supports it.
	OnChunk domain.StreamFunc
}

// Outcome is the result of a loop run. Results holds every tool call made,
// including those of an interrupted run.
type Outcome struct {
	Answer     string
	Results    []domain.ToolCallResult
	Iterations int
	Incomplete bool
}

// Loop alternates reasoning decisions with tool calls until the reasoner
// produces an answer or the iteration limit is hit.
type Loop struct {
	reasoner domain.Reasoner
	caller   domain.ToolCaller
	opts     LoopOptions
	logger   *zap.Logger
	metrics  domain.Metrics
}

func NewLoop(reasoner domain.Reasoner, caller domain.ToolCaller, opts LoopOptions) *Loop {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = domain.DefaultMaxIterations
	}
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = domain.DefaultContextWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NoopMetrics{}
	}
	return &Loop{
		reasoner: reasoner,
		caller:   caller,
		opts:     opts,
		logger:   logger.Named("reasoning"),
		metrics:  metrics,
	}
}

// Run executes the loop. It returns an error only when ctx is done or the
// reasoner fails; tool failures become observations.
func (l *Loop) Run(ctx context.Context, req Request) (Outcome, error) {
	started := time.Now()
	logger := telemetry.LoggerWithRequest(ctx, l.logger)
	catalog := toolcatalog.Build(req.Tools)
	entries := catalog.Entries()
	conversation := append([]domain.Message(nil), req.Conversation...)

	var out Outcome
	finish := func(outcome string, err error) (Outcome, error) {
		l.metrics.ObserveReasoning(outcome, out.Iterations, time.Since(started))
		return out, err
	}

	for iteration := 1; iteration <= l.opts.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return finish("canceled", err)
		}
		out.Iterations = iteration

		decision, err := l.decide(ctx, TrimWindow(conversation, l.opts.ContextWindow), entries, req.OnChunk)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return finish("canceled", ctxErr)
			}
			return finish("error", domain.E(domain.CodeUnavailable, "reasoning.Run", err.Error(), domain.ErrReasonerUnavailable))
		}

		if decision.Kind != domain.DecisionToolCall {
			out.Answer = decision.Text
			return finish("answered", nil)
		}

		callID := decision.CallID
		if callID == "" {
			callID = fmt.Sprintf("call_%d", iteration)
		}
		conversation = append(conversation, domain.Message{
			Role:       domain.RoleAssistant,
			ToolName:   decision.ToolName,
			ToolCallID: callID,
			Arguments:  decision.Arguments,
		})

		if err := ctx.Err(); err != nil {
			return finish("canceled", err)
		}
		result := l.call(ctx, catalog, decision)
		out.Results = append(out.Results, result)
		conversation = append(conversation, domain.Message{
			Role:       domain.RoleTool,
			Content:    result.Observation(),
			ToolName:   decision.ToolName,
			ToolCallID: callID,
		})
	}

	out.Incomplete = true
	out.Answer = ForcedAnswer(out.Results)
	logger.Warn("iteration limit reached",
		telemetry.EventField(telemetry.EventIterationLimit),
		zap.Int("iterations", out.Iterations),
		zap.Int("tool_calls", len(out.Results)),
	)
	return finish("incomplete", nil)
}

func (l *Loop) decide(ctx context.Context, conversation []domain.Message, entries []domain.ToolCatalogEntry, onChunk domain.StreamFunc) (domain.Decision, error) {
	if onChunk != nil {
		if streaming, ok := l.reasoner.(domain.StreamingReasoner); ok {
			return streaming.DecideStream(ctx, conversation, entries, onChunk)
		}
	}
	decision, err := l.reasoner.Decide(ctx, conversation, entries)
	if err == nil && onChunk != nil && decision.Kind == domain.DecisionFinalAnswer && decision.Text != "" {
		onChunk(decision.Text)
	}
	return decision, err
}

func (l *Loop) call(ctx context.Context, catalog *toolcatalog.Catalog, decision domain.Decision) domain.ToolCallResult {
	desc, ok := catalog.Resolve(decision.ToolName)
	if !ok {
		return domain.ToolCallResult{
			Tool:        decision.ToolName,
			Arguments:   domain.RecordedArguments(decision.Arguments),
			Status:      domain.CallStatusSchemaMismatch,
			ErrorDetail: fmt.Sprintf("unknown tool %q; available tools: %s", decision.ToolName, strings.Join(catalog.Names(), ", ")),
		}
	}
	return l.caller.Call(ctx, desc, decision.Arguments, l.opts.CallTimeout)
}

// ForcedAnswer summarizes the observations gathered before the limit hit.
func ForcedAnswer(results []domain.ToolCallResult) string {
	var sb strings.Builder
	sb.WriteString(IncompleteMarker)
	if len(results) == 0 {
		sb.WriteString("\nNo tool observations were collected.")
		return sb.String()
	}
	sb.WriteString("\nObservations:")
	for i, result := range results {
		fmt.Fprintf(&sb, "\n%d. %s: %s", i+1, result.Tool, result.Observation())
	}
	return sb.String()
}

// TrimWindow keeps system messages and the newest window of the rest. A
// leading tool observation whose call was trimmed away is dropped too.
func TrimWindow(conversation []domain.Message, window int) []domain.Message {
	var system, rest []domain.Message
	for _, msg := range conversation {
		if msg.Role == domain.RoleSystem {
			system = append(system, msg)
			continue
		}
		rest = append(rest, msg)
	}
	if window > 0 && len(rest) > window {
		rest = rest[len(rest)-window:]
	}
	for len(rest) > 0 && rest[0].Role == domain.RoleTool {
		rest = rest[1:]
	}
	out := make([]domain.Message, 0, len(system)+len(rest))
	out = append(out, system...)
	return append(out, rest...)
}

package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/declue/aipilot/internal/domain"
	"github.com/declue/aipilot/internal/infra/intent"
	"github.com/declue/aipilot/internal/infra/reasoning"
	"github.com/declue/aipilot/internal/infra/telemetry"
	"github.com/declue/aipilot/internal/infra/toolcatalog"
)

// ReasonerTool is the tool name recorded for failed reasoning calls.
const ReasonerTool = "reasoner"

// LoopRunner runs one Reason-Act-Observe loop.
type LoopRunner interface {
	Run(ctx context.Context, req reasoning.Request) (reasoning.Outcome, error)
}

type Options struct {
	// StepConcurrency caps independent plan steps run at once.
	StepConcurrency int
	Logger          *zap.Logger
	Metrics         domain.Metrics
	Now             func() time.Time
}

// Engine drives a WorkflowState through its stages one user turn at a time.
// It mutates the state it is given; callers pass a clone and commit it only
// when Step returns without error.
type Engine struct {
	tools   domain.ToolSource
	loop    LoopRunner
	planner domain.Reasoner
	opts    Options
	logger  *zap.Logger
	metrics domain.Metrics
	now     func() time.Time
}

func NewEngine(tools domain.ToolSource, loop LoopRunner, planner domain.Reasoner, opts Options) *Engine {
	if opts.StepConcurrency <= 0 {
		opts.StepConcurrency = domain.DefaultCallConcurrency
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
	return &Engine{
		tools:   tools,
		loop:    loop,
		planner: planner,
		opts:    opts,
		logger:  logger.Named("workflow"),
		metrics: metrics,
		now:     now,
	}
}

// turn carries per-turn collaborators.
type turn struct {
	ctx     context.Context
	state   *domain.WorkflowState
	logger  *zap.Logger
	onChunk domain.StreamFunc
	out     strings.Builder
}

func (t *turn) printf(format string, args ...any) {
	fmt.Fprintf(&t.out, format, args...)
}

// Step processes one user input. Errors are returned only for cancellation,
// empty requests and broken invariants; tool and reasoning failures are
// recorded in the state instead.
func (e *Engine) Step(ctx context.Context, state *domain.WorkflowState, input string, onChunk domain.StreamFunc) (Reply, error) {
	t := &turn{
		ctx:     ctx,
		state:   state,
		logger:  telemetry.LoggerWithRequest(ctx, e.logger).With(telemetry.SessionIDField(state.SessionID)),
		onChunk: onChunk,
	}
	input = strings.TrimSpace(input)

	var (
		reply Reply
		err   error
	)
	switch state.Stage {
	case domain.StageInitialAnalysis:
		reply, err = e.startRequest(t, input)
	case domain.StageContextGathering:
		reply, err = e.fromContextGathering(t)
	case domain.StagePlanning:
		reply, err = e.planningGate(t, input)
	case domain.StageExecution:
		reply, err = e.fromExecution(t)
	case domain.StageReview:
		reply, err = e.reviewGate(t, input)
	case domain.StageNextSteps:
		reply, err = e.nextSteps(t, input)
	case domain.StageCompleted:
		if input == "" {
			reply := Prompt(state)
			reply.Clarification = true
			return reply, nil
		}
		fresh := domain.NewWorkflowState(state.SessionID, "", e.now())
		*state = *fresh
		reply, err = e.startRequest(t, input)
	default:
		return Reply{}, domain.E(domain.CodeInternal, "workflow.Step", fmt.Sprintf("unknown stage %q", state.Stage), nil)
	}
	if err != nil {
		return Reply{}, err
	}
	if !reply.Clarification {
		state.UpdatedAt = e.now()
	}
	return reply, nil
}

func (e *Engine) startRequest(t *turn, input string) (Reply, error) {
	state := t.state
	if state.OriginalRequest == "" {
		if input == "" {
			return Reply{}, domain.E(domain.CodeInvalidArgument, "workflow.Step", "", domain.ErrEmptyInput)
		}
		state.OriginalRequest = input
	}
	if len(state.StagesVisited) == 0 {
		state.StagesVisited = []domain.Stage{domain.StageInitialAnalysis}
	}

	analysis := Analyze(state.OriginalRequest)
	state.Analysis = &analysis
	state.Context[ContextAnalysis] = FormatAnalysis(analysis)
	t.printf("Request analysis complete: %s\n", state.Context[ContextAnalysis])

	if err := e.advance(t, domain.StageContextGathering); err != nil {
		return Reply{}, err
	}
	return e.fromContextGathering(t)
}

func (e *Engine) fromContextGathering(t *turn) (Reply, error) {
	if err := e.gatherContext(t); err != nil {
		return Reply{}, err
	}
	if err := e.advance(t, domain.StagePlanning); err != nil {
		return Reply{}, err
	}
	if err := e.plan(t); err != nil {
		return Reply{}, err
	}
	return e.gateReply(t), nil
}

func (e *Engine) gatherContext(t *turn) error {
	state := t.state
	snapshot, err := e.tools.ListTools(t.ctx)
	if err != nil {
		return err
	}
	if len(snapshot.Warnings) > 0 {
		servers := make([]string, len(snapshot.Warnings))
		for i, warning := range snapshot.Warnings {
			servers[i] = warning.ServerID
		}
		state.Context[ContextToolWarnings] = strings.Join(servers, ", ")
		t.printf("Unavailable tool servers: %s\n", state.Context[ContextToolWarnings])
	}

	record := domain.ExecutionRecord{
		Stage:     domain.StageContextGathering,
		StepIndex: -1,
		Step:      "context gathering",
	}
	outcome, err := e.loop.Run(t.ctx, reasoning.Request{
		Conversation: []domain.Message{
			{Role: domain.RoleSystem, Content: contextGatheringPrompt},
			{Role: domain.RoleUser, Content: fmt.Sprintf("Request: %s\nAnalysis: %s", state.OriginalRequest, state.Context[ContextAnalysis])},
		},
		Tools:   snapshot.Tools,
		OnChunk: t.onChunk,
	})
	if ctxErr := t.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	record.Results = outcome.Results
	record.Incomplete = outcome.Incomplete
	if err != nil {
		record.Failed = true
		record.Results = append(record.Results, reasonerFailure(err))
		record.Narrative = "context gathering failed: " + err.Error()
		t.logger.Warn("context gathering failed", telemetry.StageField(domain.StageContextGathering), zap.Error(err))
	} else {
		record.Narrative = outcome.Answer
		state.Context[ContextGatheredInfo] = outcome.Answer
	}
	state.ExecutionResults = append(state.ExecutionResults, record)
	t.printf("Context gathered: %s\n", record.Narrative)
	return nil
}

func (e *Engine) plan(t *turn) error {
	state := t.state
	snapshot, err := e.tools.ListTools(t.ctx)
	if err != nil {
		return err
	}
	catalog := toolcatalog.Build(snapshot.Tools).Entries()

	if err := t.ctx.Err(); err != nil {
		return err
	}
	decision, err := e.planner.Decide(t.ctx, []domain.Message{
		{Role: domain.RoleSystem, Content: planningPrompt},
		{Role: domain.RoleUser, Content: planningInput(state, catalog)},
	}, nil)
	if ctxErr := t.ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var steps []domain.PlanStep
	switch {
	case err != nil:
		state.ExecutionResults = append(state.ExecutionResults, domain.ExecutionRecord{
			Stage:     domain.StagePlanning,
			StepIndex: -1,
			Step:      "planning",
			Narrative: "planning failed: " + err.Error(),
			Results:   []domain.ToolCallResult{reasonerFailure(err)},
			Failed:    true,
		})
		t.logger.Warn("planning failed; using single-step plan", zap.Error(err))
	case decision.Kind == domain.DecisionFinalAnswer:
		parsed, parseErr := ParsePlan(decision.Text)
		if parseErr != nil {
			t.logger.Debug("plan reply unusable; using single-step plan", zap.Error(parseErr))
		}
		steps = parsed
	}
	if len(steps) == 0 {
		steps = fallbackPlan(state)
	}
	state.CurrentPlan = steps
	return nil
}

func (e *Engine) planningGate(t *turn, input string) (Reply, error) {
	state := t.state
	decision := intent.Parse(input, planningIntents)
	switch decision.Intent {
	case domain.IntentApprove:
		e.recordDecision(state, input)
		if err := e.advance(t, domain.StageExecution); err != nil {
			return Reply{}, err
		}
		return e.fromExecution(t)
	case domain.IntentRevise:
		e.recordDecision(state, input)
		feedback := decision.Detail
		if feedback == "" {
			feedback = input
		}
		state.Context[ContextFeedback] = appendLine(state.Context[ContextFeedback], feedback)
		if err := e.advance(t, domain.StagePlanning); err != nil {
			return Reply{}, err
		}
		t.printf("Revising the plan with your feedback.\n")
		if err := e.plan(t); err != nil {
			return Reply{}, err
		}
		return e.gateReply(t), nil
	default:
		return clarify(state), nil
	}
}

func (e *Engine) fromExecution(t *turn) (Reply, error) {
	records, err := e.execute(t)
	if err != nil {
		return Reply{}, err
	}
	t.state.ExecutionResults = append(t.state.ExecutionResults, records...)
	t.printf("Plan execution complete.\n")
	if err := e.advance(t, domain.StageReview); err != nil {
		return Reply{}, err
	}
	t.state.Context[ContextReview] = Review(records)
	return e.gateReply(t), nil
}

// execute runs the plan. Consecutive independent steps run concurrently;
// other steps run in order and see the reports of the steps before them.
func (e *Engine) execute(t *turn) ([]domain.ExecutionRecord, error) {
	state := t.state
	snapshot, err := e.tools.ListTools(t.ctx)
	if err != nil {
		return nil, err
	}

	records := make([]domain.ExecutionRecord, len(state.CurrentPlan))
	for i := 0; i < len(state.CurrentPlan); {
		if !state.CurrentPlan[i].Independent {
			record, err := e.executeStep(t, snapshot.Tools, i, records[:i])
			if err != nil {
				return nil, err
			}
			records[i] = record
			i++
			continue
		}

		end := i
		for end < len(state.CurrentPlan) && state.CurrentPlan[end].Independent {
			end++
		}
		group, _ := errgroup.WithContext(t.ctx)
		group.SetLimit(e.opts.StepConcurrency)
		previous := records[:i]
		for idx := i; idx < end; idx++ {
			group.Go(func() error {
				record, err := e.executeStep(t, snapshot.Tools, idx, previous)
				if err != nil {
					return err
				}
				records[idx] = record
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return nil, err
		}
		i = end
	}
	return records, nil
}

func (e *Engine) executeStep(t *turn, tools []domain.ToolDescriptor, index int, previous []domain.ExecutionRecord) (domain.ExecutionRecord, error) {
	step := t.state.CurrentPlan[index]
	record := domain.ExecutionRecord{
		Stage:     domain.StageExecution,
		StepIndex: index,
		Step:      step.Description,
	}
	if err := t.ctx.Err(); err != nil {
		return record, err
	}
	var onChunk domain.StreamFunc
	if !step.Independent {
		onChunk = t.onChunk
	}
	outcome, err := e.loop.Run(t.ctx, reasoning.Request{
		Conversation: []domain.Message{
			{Role: domain.RoleSystem, Content: executionPrompt},
			{Role: domain.RoleUser, Content: executionInput(t.state, index, step, previous)},
		},
		Tools:   tools,
		OnChunk: onChunk,
	})
	if ctxErr := t.ctx.Err(); ctxErr != nil {
		return record, ctxErr
	}
	record.Results = outcome.Results
	record.Incomplete = outcome.Incomplete
	if err != nil {
		record.Failed = true
		record.Results = append(record.Results, reasonerFailure(err))
		record.Narrative = "step failed: " + err.Error()
		t.logger.Warn("plan step failed", zap.Int("step", index+1), zap.Error(err))
		return record, nil
	}
	record.Narrative = outcome.Answer
	if len(record.Results) > 0 && len(record.FailedResults()) == len(record.Results) {
		record.Failed = true
	}
	return record, nil
}

func (e *Engine) reviewGate(t *turn, input string) (Reply, error) {
	if intent.Classify(input, reviewIntents) == domain.IntentAmbiguous {
		return clarify(t.state), nil
	}
	if err := e.advance(t, domain.StageNextSteps); err != nil {
		return Reply{}, err
	}
	return e.nextSteps(t, input)
}

func (e *Engine) nextSteps(t *turn, input string) (Reply, error) {
	state := t.state
	decision := intent.Parse(input, reviewIntents)
	switch decision.Intent {
	case domain.IntentAccept:
		e.recordDecision(state, input)
		if err := e.advance(t, domain.StageCompleted); err != nil {
			return Reply{}, err
		}
		t.out.WriteString(renderCompletion(state))
		return Reply{Output: t.out.String()}, nil
	case domain.IntentAdditionalWork:
		e.recordDecision(state, input)
		goal := decision.Detail
		if goal == "" {
			goal = "address the steps needing attention"
		}
		state.Context[ContextRemediation] = appendLine(state.Context[ContextRemediation], goal)
		if err := e.advance(t, domain.StagePlanning); err != nil {
			return Reply{}, err
		}
		t.printf("Planning additional work.\n")
		if err := e.plan(t); err != nil {
			return Reply{}, err
		}
		return e.gateReply(t), nil
	case domain.IntentNewRequest:
		e.recordDecision(state, input)
		if err := e.advance(t, domain.StageInitialAnalysis); err != nil {
			return Reply{}, err
		}
		e.reset(state, decision.Detail)
		if state.OriginalRequest == "" {
			return Prompt(state), nil
		}
		return e.startRequest(t, "")
	default:
		return clarify(state), nil
	}
}

// reset clears the request-scoped fields for a new request in the same
// session. The decision log is kept.
func (e *Engine) reset(state *domain.WorkflowState, request string) {
	state.OriginalRequest = request
	state.Context = make(map[string]string)
	state.CurrentPlan = nil
	state.ExecutionResults = nil
	state.Analysis = nil
	state.StagesVisited = []domain.Stage{domain.StageInitialAnalysis}
}

func (e *Engine) recordDecision(state *domain.WorkflowState, input string) {
	state.UserFeedback = append(state.UserFeedback, input)
	state.IterationCount++
}

func (e *Engine) advance(t *turn, to domain.Stage) error {
	from := t.state.Stage
	if err := t.state.Advance(to); err != nil {
		t.logger.Error("illegal stage transition", telemetry.StageField(from), zap.String("to", string(to)), zap.Error(err))
		return err
	}
	e.metrics.ObserveStageTransition(from, to)
	t.logger.Debug("stage transition",
		telemetry.EventField(telemetry.EventStageTransition),
		telemetry.StageField(to),
		zap.String("from", string(from)),
	)
	return nil
}

func (e *Engine) gateReply(t *turn) Reply {
	prompt := Prompt(t.state)
	t.out.WriteString(prompt.Output)
	return Reply{Output: t.out.String(), Choices: prompt.Choices}
}

func reasonerFailure(err error) domain.ToolCallResult {
	return domain.ToolCallResult{
		Tool:        ReasonerTool,
		Status:      domain.CallStatusTransportError,
		ErrorDetail: err.Error(),
		Attempts:    1,
	}
}

func appendLine(existing, line string) string {
	if existing == "" {
		return line
	}
	return existing + "\n" + line
}

package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Stage is a state of the workflow machine.
type Stage string

const (
	StageInitialAnalysis  Stage = "INITIAL_ANALYSIS"
	StageContextGathering Stage = "CONTEXT_GATHERING"
	StagePlanning         Stage = "PLANNING"
	StageExecution        Stage = "EXECUTION"
	StageReview           Stage = "REVIEW"
	StageNextSteps        Stage = "NEXT_STEPS"
	StageCompleted        Stage = "COMPLETED"
)

var stageTransitions = map[Stage][]Stage{
	StageInitialAnalysis:  {StageContextGathering},
	StageContextGathering: {StagePlanning},
	StagePlanning:         {StagePlanning, StageExecution},
	StageExecution:        {StageReview},
	StageReview:           {StageNextSteps},
	StageNextSteps:        {StagePlanning, StageInitialAnalysis, StageCompleted},
	StageCompleted:        {},
}

// AllStages lists the stages in workflow order.
func AllStages() []Stage {
	return []Stage{
		StageInitialAnalysis,
		StageContextGathering,
		StagePlanning,
		StageExecution,
		StageReview,
		StageNextSteps,
		StageCompleted,
	}
}

func (s Stage) Valid() bool {
	_, ok := stageTransitions[s]
	return ok
}

// Gated reports whether the stage waits for a classified user decision.
func (s Stage) Gated() bool {
	return s == StagePlanning || s == StageReview
}

func (s Stage) Terminal() bool {
	return s == StageCompleted
}

// CanTransition reports whether to is a legal successor of s.
func (s Stage) CanTransition(to Stage) bool {
	for _, next := range stageTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Successors returns the legal successors of s.
func (s Stage) Successors() []Stage {
	out := make([]Stage, len(stageTransitions[s]))
	copy(out, stageTransitions[s])
	return out
}

// PlanStep is one planned unit of work.
type PlanStep struct {
	Description string `json:"description"`
	Tool        string `json:"tool,omitempty"`
	Independent bool   `json:"independent,omitempty"`
}

// ExecutionRecord captures the outcome of one gathering or execution step.
type ExecutionRecord struct {
	Stage      Stage            `json:"stage"`
	StepIndex  int              `json:"stepIndex"`
	Step       string           `json:"step"`
	Narrative  string           `json:"narrative"`
	Results    []ToolCallResult `json:"results,omitempty"`
	Incomplete bool             `json:"incomplete,omitempty"`
	Failed     bool             `json:"failed,omitempty"`
}

// FailedResults returns the results whose status is not success.
func (r ExecutionRecord) FailedResults() []ToolCallResult {
	var out []ToolCallResult
	for _, result := range r.Results {
		if !result.OK() {
			out = append(out, result)
		}
	}
	return out
}

// RequestAnalysis is the classification made in INITIAL_ANALYSIS.
type RequestAnalysis struct {
	Kind       string `json:"kind"`
	Complexity string `json:"complexity"`
	Risk       string `json:"risk"`
}

// Choice is one option offered at a stage gate.
type Choice struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// TurnRecord remembers the last processed turn for re-delivery.
type TurnRecord struct {
	DeliveryID string   `json:"deliveryId,omitempty"`
	Input      string   `json:"input"`
	Output     string   `json:"output"`
	Stage      Stage    `json:"stage"`
	Choices    []Choice `json:"choices,omitempty"`
}

// WorkflowState is the mutable root of one session.
type WorkflowState struct {
	SessionID        string            `json:"sessionId"`
	Stage            Stage             `json:"stage"`
	OriginalRequest  string            `json:"originalRequest"`
	Context          map[string]string `json:"context"`
	CurrentPlan      []PlanStep        `json:"currentPlan"`
	ExecutionResults []ExecutionRecord `json:"executionResults"`
	UserFeedback     []string          `json:"userFeedback"`
	IterationCount   int               `json:"iterationCount"`
	Analysis         *RequestAnalysis  `json:"analysis,omitempty"`
	StagesVisited    []Stage           `json:"stagesVisited,omitempty"`
	LastTurn         *TurnRecord       `json:"lastTurn,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// NewWorkflowState returns a state at INITIAL_ANALYSIS.
func NewWorkflowState(sessionID, request string, now time.Time) *WorkflowState {
	return &WorkflowState{
		SessionID:       sessionID,
		Stage:           StageInitialAnalysis,
		OriginalRequest: request,
		Context:         make(map[string]string),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Advance moves the state along a legal edge.
func (s *WorkflowState) Advance(to Stage) error {
	if !s.Stage.CanTransition(to) {
		return E(CodeInternal, "workflow.advance", fmt.Sprintf("%s -> %s", s.Stage, to), ErrIllegalTransition)
	}
	s.Stage = to
	if len(s.StagesVisited) == 0 || s.StagesVisited[len(s.StagesVisited)-1] != to {
		s.StagesVisited = append(s.StagesVisited, to)
	}
	return nil
}

// Clone returns a deep copy.
func (s *WorkflowState) Clone() *WorkflowState {
	if s == nil {
		return nil
	}
	out := *s
	out.Context = make(map[string]string, len(s.Context))
	for k, v := range s.Context {
		out.Context[k] = v
	}
	out.CurrentPlan = append([]PlanStep(nil), s.CurrentPlan...)
	out.ExecutionResults = make([]ExecutionRecord, len(s.ExecutionResults))
	for i, record := range s.ExecutionResults {
		record.Results = cloneResults(record.Results)
		out.ExecutionResults[i] = record
	}
	if s.ExecutionResults == nil {
		out.ExecutionResults = nil
	}
	out.UserFeedback = append([]string(nil), s.UserFeedback...)
	out.StagesVisited = append([]Stage(nil), s.StagesVisited...)
	if s.Analysis != nil {
		analysis := *s.Analysis
		out.Analysis = &analysis
	}
	if s.LastTurn != nil {
		turn := *s.LastTurn
		turn.Choices = append([]Choice(nil), s.LastTurn.Choices...)
		out.LastTurn = &turn
	}
	return &out
}

func cloneResults(in []ToolCallResult) []ToolCallResult {
	if in == nil {
		return nil
	}
	out := make([]ToolCallResult, len(in))
	for i, result := range in {
		result.Arguments = cloneRaw(result.Arguments)
		result.Payload = cloneRaw(result.Payload)
		out[i] = result
	}
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

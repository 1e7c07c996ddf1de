package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestStageTransitions_CoverEveryStage(t *testing.T) {
	for _, stage := range AllStages() {
		require.True(t, stage.Valid(), "stage %s missing from transition table", stage)
	}
	require.Len(t, stageTransitions, len(AllStages()))
	require.False(t, Stage("UNKNOWN").Valid())
}

func TestStageTransitions_Edges(t *testing.T) {
	tests := []struct {
		from Stage
		to   Stage
		want bool
	}{
		{StageInitialAnalysis, StageContextGathering, true},
		{StageInitialAnalysis, StagePlanning, false},
		{StageContextGathering, StagePlanning, true},
		{StagePlanning, StageExecution, true},
		{StagePlanning, StageReview, false},
		{StageExecution, StageReview, true},
		{StageExecution, StageCompleted, false},
		{StageReview, StageNextSteps, true},
		{StageReview, StageCompleted, false},
		{StageNextSteps, StagePlanning, true},
		{StageNextSteps, StageInitialAnalysis, true},
		{StageNextSteps, StageCompleted, true},
		{StageCompleted, StageInitialAnalysis, false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestWorkflowState_AdvanceRejectsIllegalEdge(t *testing.T) {
	state := NewWorkflowState("s1", "do it", time.Unix(0, 0))
	err := state.Advance(StageExecution)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrIllegalTransition))
	require.Equal(t, StageInitialAnalysis, state.Stage)

	require.NoError(t, state.Advance(StageContextGathering))
	require.Equal(t, []Stage{StageContextGathering}, state.StagesVisited)
}

func TestWorkflowState_CloneIsDeep(t *testing.T) {
	state := NewWorkflowState("s1", "req", time.Unix(10, 0))
	state.Context["analysis"] = "simple"
	state.CurrentPlan = []PlanStep{{Description: "write", Tool: "write_file"}}
	state.ExecutionResults = []ExecutionRecord{{
		Stage:   StageExecution,
		Results: []ToolCallResult{{Tool: "write_file", Status: CallStatusSuccess, Payload: json.RawMessage(`{"ok":true}`)}},
	}}
	state.UserFeedback = []string{"1"}
	state.Analysis = &RequestAnalysis{Kind: "file_operation"}

	clone := state.Clone()
	if diff := cmp.Diff(state, clone); diff != "" {
		t.Fatalf("clone mismatch (-want +got):\n%s", diff)
	}

	clone.Context["analysis"] = "changed"
	clone.CurrentPlan[0].Tool = "other"
	clone.ExecutionResults[0].Results[0].Payload[2] = 'X'
	clone.UserFeedback[0] = "2"
	clone.Analysis.Kind = "general"

	require.Equal(t, "simple", state.Context["analysis"])
	require.Equal(t, "write_file", state.CurrentPlan[0].Tool)
	require.Equal(t, `{"ok":true}`, string(state.ExecutionResults[0].Results[0].Payload))
	require.Equal(t, "1", state.UserFeedback[0])
	require.Equal(t, "file_operation", state.Analysis.Kind)
}

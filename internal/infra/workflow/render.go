package workflow

import (
	"fmt"
	"strings"

	"github.com/declue/aipilot/internal/domain"
)

// Context keys written by the stages.
const (
	ContextAnalysis     = "analysis"
	ContextGatheredInfo = "gathered_info"
	ContextFeedback     = "feedback"
	ContextRemediation  = "remediation"
	ContextReview       = "review"
	ContextToolWarnings = "tool_warnings"
)

var (
	planningChoices = []domain.Choice{
		{Key: "1", Label: "Approve the plan"},
		{Key: "2", Label: "Revise the plan"},
	}
	reviewChoices = []domain.Choice{
		{Key: "1", Label: "Accept the results"},
		{Key: "2", Label: "Request additional work"},
		{Key: "3", Label: "Start a new request"},
	}

	planningIntents = []domain.Intent{domain.IntentApprove, domain.IntentRevise}
	reviewIntents   = []domain.Intent{domain.IntentAccept, domain.IntentAdditionalWork, domain.IntentNewRequest}
)

// Reply is the rendered outcome of a turn. Clarification marks a re-prompt
// that left the state untouched.
type Reply struct {
	Output        string
	Choices       []domain.Choice
	Clarification bool
}

// ChoicesFor lists the options offered while waiting in stage.
func ChoicesFor(stage domain.Stage) []domain.Choice {
	switch stage {
	case domain.StagePlanning:
		return append([]domain.Choice(nil), planningChoices...)
	case domain.StageReview:
		return append([]domain.Choice(nil), reviewChoices...)
	default:
		return nil
	}
}

func renderPlan(sb *strings.Builder, plan []domain.PlanStep) {
	sb.WriteString("Execution plan:\n")
	for i, step := range plan {
		fmt.Fprintf(sb, "  %d. %s", i+1, step.Description)
		if step.Tool != "" {
			fmt.Fprintf(sb, " (tool: %s)", step.Tool)
		}
		if step.Independent {
			sb.WriteString(" [independent]")
		}
		sb.WriteByte('\n')
	}
}

func renderChoices(sb *strings.Builder, choices []domain.Choice) {
	sb.WriteString("Choose:")
	for _, choice := range choices {
		fmt.Fprintf(sb, " %s) %s", choice.Key, choice.Label)
	}
}

// Prompt renders what the session is waiting for in its current stage.
func Prompt(state *domain.WorkflowState) Reply {
	var sb strings.Builder
	switch state.Stage {
	case domain.StagePlanning:
		renderPlan(&sb, state.CurrentPlan)
		renderChoices(&sb, planningChoices)
	case domain.StageReview:
		sb.WriteString(state.Context[ContextReview])
		sb.WriteByte('\n')
		renderChoices(&sb, reviewChoices)
	case domain.StageCompleted:
		sb.WriteString(renderCompletion(state))
	default:
		if state.OriginalRequest == "" {
			sb.WriteString("What would you like to do?")
		} else {
			fmt.Fprintf(&sb, "Working on: %s", state.OriginalRequest)
		}
	}
	return Reply{Output: sb.String(), Choices: ChoicesFor(state.Stage)}
}

func clarify(state *domain.WorkflowState) Reply {
	reply := Prompt(state)
	reply.Output = "I could not tell which option you meant. Reply with the number of a choice.\n" + reply.Output
	reply.Clarification = true
	return reply
}

// Review renders the outcome of one execution round. Failed and timed-out
// steps are named explicitly.
func Review(records []domain.ExecutionRecord) string {
	var sb strings.Builder
	failed := 0
	for _, record := range records {
		if recordFailed(record) {
			failed++
		}
	}
	fmt.Fprintf(&sb, "Review: %d step(s) executed, %d succeeded, %d with failures.\n", len(records), len(records)-failed, failed)
	for _, record := range records {
		status := "ok"
		if recordFailed(record) {
			status = "FAILED"
		}
		fmt.Fprintf(&sb, "- Step %d %q: %s", record.StepIndex+1, record.Step, status)
		if record.Incomplete {
			sb.WriteString(" (incomplete)")
		}
		sb.WriteByte('\n')
		for _, result := range record.Results {
			fmt.Fprintf(&sb, "    %s: %s", result.Tool, result.Status)
			if !result.OK() {
				fmt.Fprintf(&sb, " (%s)", result.ErrorDetail)
			}
			sb.WriteByte('\n')
		}
	}
	if timedOut := stepsWithStatus(records, domain.CallStatusTimeout); len(timedOut) > 0 {
		fmt.Fprintf(&sb, "Timed out: %s\n", strings.Join(timedOut, ", "))
	}
	if failed > 0 {
		names := make([]string, 0, failed)
		for _, record := range records {
			if recordFailed(record) {
				names = append(names, fmt.Sprintf("step %d", record.StepIndex+1))
			}
		}
		fmt.Fprintf(&sb, "Steps needing attention: %s\n", strings.Join(names, ", "))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func recordFailed(record domain.ExecutionRecord) bool {
	return record.Failed || len(record.FailedResults()) > 0
}

func stepsWithStatus(records []domain.ExecutionRecord, status domain.CallStatus) []string {
	var out []string
	for _, record := range records {
		for _, result := range record.Results {
			if result.Status == status {
				out = append(out, fmt.Sprintf("step %d (%s)", record.StepIndex+1, result.Tool))
				break
			}
		}
	}
	return out
}

func renderCompletion(state *domain.WorkflowState) string {
	var sb strings.Builder
	sb.WriteString("Workflow complete.\n")
	fmt.Fprintf(&sb, "Request: %s\n", state.OriginalRequest)
	stages := make([]string, len(state.StagesVisited))
	for i, stage := range state.StagesVisited {
		stages[i] = string(stage)
	}
	fmt.Fprintf(&sb, "Stages performed: %s\n", strings.Join(stages, " -> "))
	executed, failed := 0, 0
	for _, record := range state.ExecutionResults {
		if record.Stage != domain.StageExecution {
			continue
		}
		executed++
		if recordFailed(record) {
			failed++
		}
	}
	fmt.Fprintf(&sb, "Steps executed: %d (with failures: %d)\n", executed, failed)
	sb.WriteString("Send a new request to start again.")
	return sb.String()
}

package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/declue/aipilot/internal/domain"
)

const (
	contextGatheringPrompt = `You are gathering background information for a task. Use the available tools when they help. Reply with a concise summary of the facts that matter for planning.`

	planningPrompt = `You are planning a task. Reply with JSON only, in the form {"steps":[{"description":"...","tool":"...","independent":false}]}. Use a tool name from the list when a step needs one. Mark a step independent only when it does not need the results of earlier steps.`

	executionPrompt = `You are executing one step of an approved plan. Call tools as needed, then reply with a short report of what was done and the outcome.`
)

type planDocument struct {
	Steps []domain.PlanStep `json:"steps"`
}

// ParsePlan extracts plan steps from a reasoner reply. It accepts a
// {"steps":[...]} object or a bare array, optionally wrapped in a code fence.
func ParsePlan(text string) ([]domain.PlanStep, error) {
	body := strings.TrimSpace(stripFence(text))

	obj, arr := strings.Index(body, "{"), strings.Index(body, "[")
	var steps []domain.PlanStep
	switch {
	case obj >= 0 && (arr < 0 || obj < arr):
		end := strings.LastIndex(body, "}")
		if end < obj {
			return nil, fmt.Errorf("decode plan: unterminated object")
		}
		var doc planDocument
		if err := json.Unmarshal([]byte(body[obj:end+1]), &doc); err != nil {
			return nil, fmt.Errorf("decode plan: %w", err)
		}
		steps = doc.Steps
	case arr >= 0:
		end := strings.LastIndex(body, "]")
		if end < arr {
			return nil, fmt.Errorf("decode plan: unterminated array")
		}
		if err := json.Unmarshal([]byte(body[arr:end+1]), &steps); err != nil {
			return nil, fmt.Errorf("decode plan: %w", err)
		}
	default:
		return nil, fmt.Errorf("no plan found in reply")
	}

	out := make([]domain.PlanStep, 0, len(steps))
	for _, step := range steps {
		step.Description = strings.TrimSpace(step.Description)
		step.Tool = strings.TrimSpace(step.Tool)
		if step.Description == "" {
			continue
		}
		out = append(out, step)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("plan has no steps")
	}
	return out, nil
}

// fallbackPlan is used when no usable plan comes back.
func fallbackPlan(state *domain.WorkflowState) []domain.PlanStep {
	return []domain.PlanStep{{Description: state.OriginalRequest}}
}

func stripFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if newline := strings.IndexByte(trimmed, '\n'); newline >= 0 {
		trimmed = trimmed[newline+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
}

func planningInput(state *domain.WorkflowState, tools []domain.ToolCatalogEntry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Request: %s\n", state.OriginalRequest)
	if analysis := state.Context[ContextAnalysis]; analysis != "" {
		fmt.Fprintf(&sb, "Analysis: %s\n", analysis)
	}
	if gathered := state.Context[ContextGatheredInfo]; gathered != "" {
		fmt.Fprintf(&sb, "Background: %s\n", gathered)
	}
	if feedback := state.Context[ContextFeedback]; feedback != "" {
		fmt.Fprintf(&sb, "User feedback on earlier plans:\n%s\n", feedback)
	}
	if remediation := state.Context[ContextRemediation]; remediation != "" {
		fmt.Fprintf(&sb, "Remediation goals:\n%s\n", remediation)
	}
	if review := state.Context[ContextReview]; review != "" && state.Context[ContextRemediation] != "" {
		fmt.Fprintf(&sb, "Previous review:\n%s\n", review)
	}
	if len(tools) > 0 {
		sb.WriteString("Available tools:\n")
		for _, tool := range tools {
			fmt.Fprintf(&sb, "- %s: %s\n", tool.Name, tool.Description)
		}
	}
	return sb.String()
}

func executionInput(state *domain.WorkflowState, index int, step domain.PlanStep, previous []domain.ExecutionRecord) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Request: %s\n", state.OriginalRequest)
	fmt.Fprintf(&sb, "Step %d of %d: %s\n", index+1, len(state.CurrentPlan), step.Description)
	if step.Tool != "" {
		fmt.Fprintf(&sb, "Suggested tool: %s\n", step.Tool)
	}
	if len(previous) > 0 {
		sb.WriteString("Earlier steps:\n")
		for _, record := range previous {
			fmt.Fprintf(&sb, "- %s: %s\n", record.Step, record.Narrative)
		}
	}
	return sb.String()
}

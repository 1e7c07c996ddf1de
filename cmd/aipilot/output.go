package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/declue/aipilot/internal/domain"
)

func writeJSON(out io.Writer, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

func printToolsSnapshot(out io.Writer, snapshot domain.ToolSnapshot, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(out, snapshot)
	}
	fmt.Fprintf(out, "etag=%s tools=%d\n", snapshot.ETag, len(snapshot.Tools))
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tTOOL\tDESCRIPTION")
	for _, tool := range snapshot.Tools {
		fmt.Fprintf(w, "%s\t%s\t%s\n", tool.ServerID, tool.Name, firstLine(tool.Description))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	for _, warning := range snapshot.Warnings {
		fmt.Fprintf(out, "warning: %s: %s (failures=%d, retry at %s)\n",
			warning.ServerID, warning.Message, warning.Failures, warning.RetryAt.Format(time.RFC3339))
	}
	return nil
}

func printCallResult(out io.Writer, result domain.ToolCallResult, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(out, result)
	}
	fmt.Fprintf(out, "%s/%s: %s (%d attempts, %s)\n",
		result.ServerID, result.Tool, result.Status, result.Attempts, result.Duration.Round(time.Millisecond))
	if result.OK() {
		fmt.Fprintln(out, string(result.Payload))
		return nil
	}
	fmt.Fprintln(out, result.ErrorDetail)
	return nil
}

func printState(out io.Writer, state *domain.WorkflowState, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(out, state)
	}
	fmt.Fprintf(out, "session:    %s\n", state.SessionID)
	fmt.Fprintf(out, "stage:      %s\n", state.Stage)
	fmt.Fprintf(out, "request:    %s\n", state.OriginalRequest)
	fmt.Fprintf(out, "iterations: %d\n", state.IterationCount)
	fmt.Fprintf(out, "updated:    %s\n", state.UpdatedAt.Format(time.RFC3339))
	if len(state.CurrentPlan) > 0 {
		fmt.Fprintln(out, "plan:")
		for i, step := range state.CurrentPlan {
			fmt.Fprintf(out, "  %d. %s\n", i+1, step.Description)
		}
	}
	if len(state.ExecutionResults) > 0 {
		fmt.Fprintf(out, "executed:   %d steps\n", len(state.ExecutionResults))
	}
	return nil
}

func firstLine(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	return line
}

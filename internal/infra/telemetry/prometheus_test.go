package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/declue/aipilot/internal/domain"
)

func TestNewPrometheusMetrics_UsesProvidedRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()

	m := NewPrometheusMetrics(registry)
	m.ObserveToolCall("fs", "write_file", domain.CallStatusSuccess, 10*time.Millisecond)
	m.ObserveToolRefresh("fs", true, 5*time.Millisecond)
	m.SetServerDegraded("fs", true)
	m.SetCachedTools(3)
	m.ObserveReasoning("final_answer", 2, time.Second)
	m.ObserveStageTransition(domain.StagePlanning, domain.StageExecution)
	m.ObserveTurn(domain.StageReview, "ok", 2*time.Second)
	m.SetActiveSessions(1)

	metrics, err := registry.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(metrics))
	for _, m := range metrics {
		names = append(names, m.GetName())
	}

	assert.Contains(t, names, "aipilot_tool_call_duration_seconds")
	assert.Contains(t, names, "aipilot_tool_refresh_total")
	assert.Contains(t, names, "aipilot_tool_refresh_duration_seconds")
	assert.Contains(t, names, "aipilot_server_degraded")
	assert.Contains(t, names, "aipilot_cached_tools")
	assert.Contains(t, names, "aipilot_reasoning_duration_seconds")
	assert.Contains(t, names, "aipilot_reasoning_iterations")
	assert.Contains(t, names, "aipilot_stage_transitions_total")
	assert.Contains(t, names, "aipilot_turn_duration_seconds")
	assert.Contains(t, names, "aipilot_active_sessions")
}

func TestPrometheusMetrics_DegradedGauge(t *testing.T) {
	m := NewPrometheusMetrics(prometheus.NewRegistry())

	m.SetServerDegraded("web", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.serverDegraded.WithLabelValues("web")))

	m.SetServerDegraded("web", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.serverDegraded.WithLabelValues("web")))
}

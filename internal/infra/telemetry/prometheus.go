package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/declue/aipilot/internal/domain"
)

type PrometheusMetrics struct {
	toolCallDuration  *prometheus.HistogramVec
	toolRefreshes     *prometheus.CounterVec
	toolRefreshTime   *prometheus.HistogramVec
	serverDegraded    *prometheus.GaugeVec
	cachedTools       prometheus.Gauge
	reasoningDuration *prometheus.HistogramVec
	reasoningSteps    *prometheus.HistogramVec
	stageTransitions  *prometheus.CounterVec
	turnDuration      *prometheus.HistogramVec
	activeSessions    prometheus.Gauge
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		toolCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aipilot_tool_call_duration_seconds",
				Help:    "Duration of tool calls in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"server_id", "tool", "status"},
		),
		toolRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aipilot_tool_refresh_total",
				Help: "Total number of tool discovery calls",
			},
			[]string{"server_id", "ok"},
		),
		toolRefreshTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aipilot_tool_refresh_duration_seconds",
				Help:    "Duration of tool discovery calls in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"server_id"},
		),
		serverDegraded: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "aipilot_server_degraded",
				Help: "Whether a tool server is currently degraded (1) or healthy (0)",
			},
			[]string{"server_id"},
		),
		cachedTools: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "aipilot_cached_tools",
				Help: "Number of tool descriptors in the current snapshot",
			},
		),
		reasoningDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aipilot_reasoning_duration_seconds",
				Help:    "Duration of reason-act-observe loops in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
		),
		reasoningSteps: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aipilot_reasoning_iterations",
				Help:    "Number of decide calls per reasoning loop",
				Buckets: []float64{1, 2, 3, 5, 8, 10, 15, 20},
			},
			[]string{"outcome"},
		),
		stageTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aipilot_stage_transitions_total",
				Help: "Total number of workflow stage transitions",
			},
			[]string{"from", "to"},
		),
		turnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aipilot_turn_duration_seconds",
				Help:    "Duration of session turns in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"stage", "outcome"},
		),
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "aipilot_active_sessions",
				Help: "Number of sessions held in memory",
			},
		),
	}
}

func (p *PrometheusMetrics) ObserveToolCall(serverID, tool string, status domain.CallStatus, duration time.Duration) {
	p.toolCallDuration.WithLabelValues(serverID, tool, string(status)).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) ObserveToolRefresh(serverID string, ok bool, duration time.Duration) {
	p.toolRefreshes.WithLabelValues(serverID, strconv.FormatBool(ok)).Inc()
	p.toolRefreshTime.WithLabelValues(serverID).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) SetServerDegraded(serverID string, degraded bool) {
	value := 0.0
	if degraded {
		value = 1
	}
	p.serverDegraded.WithLabelValues(serverID).Set(value)
}

func (p *PrometheusMetrics) SetCachedTools(count int) {
	p.cachedTools.Set(float64(count))
}

func (p *PrometheusMetrics) ObserveReasoning(outcome string, iterations int, duration time.Duration) {
	p.reasoningDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	p.reasoningSteps.WithLabelValues(outcome).Observe(float64(iterations))
}

func (p *PrometheusMetrics) ObserveStageTransition(from, to domain.Stage) {
	p.stageTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func (p *PrometheusMetrics) ObserveTurn(stage domain.Stage, outcome string, duration time.Duration) {
	p.turnDuration.WithLabelValues(string(stage), outcome).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) SetActiveSessions(count int) {
	p.activeSessions.Set(float64(count))
}

var _ domain.Metrics = (*PrometheusMetrics)(nil)

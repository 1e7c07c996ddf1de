package domain

import "time"

// Metrics records orchestration telemetry.
type Metrics interface {
	ObserveToolCall(serverID, tool string, status CallStatus, duration time.Duration)
	ObserveToolRefresh(serverID string, ok bool, duration time.Duration)
	SetServerDegraded(serverID string, degraded bool)
	SetCachedTools(count int)
	ObserveReasoning(outcome string, iterations int, duration time.Duration)
	ObserveStageTransition(from, to Stage)
	ObserveTurn(stage Stage, outcome string, duration time.Duration)
	SetActiveSessions(count int)
}

// NoopMetrics discards every observation.
type NoopMetrics struct{}

func (NoopMetrics) ObserveToolCall(string, string, CallStatus, time.Duration) {}
func (NoopMetrics) ObserveToolRefresh(string, bool, time.Duration)           {}
func (NoopMetrics) SetServerDegraded(string, bool)                           {}
func (NoopMetrics) SetCachedTools(int)                                       {}
func (NoopMetrics) ObserveReasoning(string, int, time.Duration)              {}
func (NoopMetrics) ObserveStageTransition(Stage, Stage)                      {}
func (NoopMetrics) ObserveTurn(Stage, string, time.Duration)                 {}
func (NoopMetrics) SetActiveSessions(int)                                    {}

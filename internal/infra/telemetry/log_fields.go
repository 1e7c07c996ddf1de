package telemetry

import (
	"time"

	"go.uber.org/zap"

	"github.com/declue/aipilot/internal/domain"
)

const (
	FieldEvent      = "event"
	FieldSessionID  = "session_id"
	FieldServerID   = "server_id"
	FieldTool       = "tool"
	FieldStage      = "stage"
	FieldStatus     = "status"
	FieldDurationMs = "duration_ms"
	FieldLogSource  = "log_source"
	FieldRequestID  = "request_id"
	FieldTraceID    = "trace_id"
	FieldSpanID     = "span_id"
)

const (
	EventRefreshStart     = "refresh_start"
	EventRefreshSuccess   = "refresh_success"
	EventRefreshFailure   = "refresh_failure"
	EventServerDegraded   = "server_degraded"
	EventServerRecovered  = "server_recovered"
	EventToolCall         = "tool_call"
	EventToolRetry        = "tool_retry"
	EventIterationLimit   = "iteration_limit"
	EventStageTransition  = "stage_transition"
	EventTurnCanceled     = "turn_canceled"
	EventSnapshotCorrupt  = "snapshot_corrupt"
	EventSessionExpired   = "session_expired"
	EventConfigReloaded   = "config_reloaded"
	EventConfigReloadFail = "config_reload_failure"
)

const (
	LogSourceCore = "core"
	LogSourceCLI  = "cli"
	LogSourceAPI  = "api"
)

func EventField(event string) zap.Field {
	return zap.String(FieldEvent, event)
}

func SessionIDField(sessionID string) zap.Field {
	return zap.String(FieldSessionID, sessionID)
}

func ServerIDField(serverID string) zap.Field {
	return zap.String(FieldServerID, serverID)
}

func ToolField(tool string) zap.Field {
	return zap.String(FieldTool, tool)
}

func StageField(stage domain.Stage) zap.Field {
	return zap.String(FieldStage, string(stage))
}

func StatusField(status domain.CallStatus) zap.Field {
	return zap.String(FieldStatus, string(status))
}

func DurationField(duration time.Duration) zap.Field {
	return zap.Int64(FieldDurationMs, duration.Milliseconds())
}

func RequestIDField(value string) zap.Field {
	return zap.String(FieldRequestID, value)
}

func TraceIDField(value string) zap.Field {
	return zap.String(FieldTraceID, value)
}

func SpanIDField(value string) zap.Field {
	return zap.String(FieldSpanID, value)
}

package app

import (
	"go.uber.org/zap"

	"github.com/declue/aipilot/internal/infra/telemetry"
)

// LoggingConfig configures logging wiring.
type LoggingConfig struct {
	Logger *zap.Logger
}

// NewLogger tags the base logger as core output.
func NewLogger(cfg LoggingConfig) *zap.Logger {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger.With(zap.String(telemetry.FieldLogSource, telemetry.LogSourceCore)).Named("app")
}

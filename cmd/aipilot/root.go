package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/declue/aipilot/internal/app"
	"github.com/declue/aipilot/internal/domain"
	"github.com/declue/aipilot/internal/infra/catalog"
	"github.com/declue/aipilot/internal/infra/telemetry"
)

type cliOptions struct {
	configPath string
	logLevel   string
	jsonOutput bool
	logger     *zap.Logger
}

func newRootCommand() *cobra.Command {
	opts := cliOptions{
		configPath: "aipilot.yaml",
		logLevel:   "info",
		logger:     zap.NewNop(),
	}

	root := &cobra.Command{
		Use:           "aipilot",
		Short:         "Staged AI assistant orchestrating MCP tool servers",
		Version:       app.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(opts.logLevel)
			if err != nil {
				return exitError{code: exitUsage, message: err.Error()}
			}
			opts.logger = logger.With(zap.String(telemetry.FieldLogSource, telemetry.LogSourceCLI))
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			_ = opts.logger.Sync()
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", opts.configPath, "path to config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", opts.logLevel, "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output JSON")

	root.AddCommand(
		newServeCmd(&opts),
		newChatCmd(&opts),
		newToolsCmd(&opts),
		newValidateCmd(&opts),
		newSessionCmd(&opts),
	)

	return root
}

// newLogger returns a production JSON logger, or a development console
// logger at debug level.
func newLogger(level string) (*zap.Logger, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "debug" {
		return zap.NewDevelopment()
	}
	parsed := zapcore.InfoLevel
	if level != "" {
		var err error
		parsed, err = zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	return cfg.Build()
}

func loadConfig(ctx context.Context, opts *cliOptions) (domain.Config, error) {
	return catalog.NewLoader(opts.logger).Load(ctx, opts.configPath)
}

func signalAwareContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(signals)
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

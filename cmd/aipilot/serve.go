package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/declue/aipilot/internal/app"
	"github.com/declue/aipilot/internal/domain"
)

type serveOptions struct {
	watch             bool
	apiAddress        string
	observabilityAddr string
}

func newServeCmd(opts *cliOptions) *cobra.Command {
	serveOpts := serveOptions{watch: true}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session API and observability endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			cfg, err := loadConfig(ctx, opts)
			if err != nil {
				return err
			}
			applyServeFlagBindings(cmd.Flags(), &serveOpts, &cfg)

			application, err := app.InitializeApplication(ctx, app.ServeConfig{
				ConfigPath: opts.configPath,
				Config:     cfg,
				Watch:      serveOpts.watch,
			}, app.LoggingConfig{Logger: opts.logger})
			if err != nil {
				return err
			}
			defer func() { _ = application.Close() }()

			return application.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&serveOpts.watch, "watch", serveOpts.watch, "reload tool servers when the config file changes")
	cmd.Flags().StringVar(&serveOpts.apiAddress, "listen", "", "session API listen address (overrides api.listenAddress)")
	cmd.Flags().StringVar(&serveOpts.observabilityAddr, "observability-listen", "", "metrics listen address (overrides observability.listenAddress)")

	return cmd
}

// applyServeFlagBindings lets explicitly set flags win over the file.
func applyServeFlagBindings(flags *pflag.FlagSet, serveOpts *serveOptions, cfg *domain.Config) {
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "listen":
			cfg.API.ListenAddress = serveOpts.apiAddress
		case "observability-listen":
			cfg.Observability.ListenAddress = serveOpts.observabilityAddr
		}
	})
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/declue/aipilot/internal/infra/catalog"
)

func newValidateCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration without starting servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, missing, err := catalog.NewLoader(opts.logger).LoadReport(cmd.Context(), opts.configPath)
			if err != nil {
				return err
			}
			enabled := 0
			for _, spec := range cfg.Servers {
				if !spec.Disabled {
					enabled++
				}
			}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"config":      opts.configPath,
					"servers":     len(cfg.Servers),
					"enabled":     enabled,
					"missingVars": missing,
				})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok (%d servers, %d enabled)\n", opts.configPath, len(cfg.Servers), enabled)
			for _, name := range missing {
				fmt.Fprintf(out, "warning: environment variable %s is not set\n", name)
			}
			return nil
		},
	}

	return cmd
}

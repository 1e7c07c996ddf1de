package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/declue/aipilot/internal/app"
	"github.com/declue/aipilot/internal/domain"
)

func newToolsCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and call tools of the configured servers",
	}
	cmd.AddCommand(newToolsListCmd(opts), newToolsCallCmd(opts))
	return cmd
}

func newToolsListCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Discover and list tools",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			toolset, err := initToolset(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = toolset.Close() }()

			snapshot, err := toolset.Tools.ListTools(ctx)
			if err != nil {
				return err
			}
			return printToolsSnapshot(cmd.OutOrStdout(), snapshot, opts.jsonOutput)
		},
	}
}

func newToolsCallCmd(opts *cliOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "call <server> <tool> [json-args]",
		Short: "Call one tool with JSON arguments",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw json.RawMessage
			if len(args) == 3 {
				raw = json.RawMessage(args[2])
				if !json.Valid(raw) {
					return domain.E(domain.CodeInvalidArgument, "tools.call", "arguments must be valid JSON", nil)
				}
			}

			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			toolset, err := initToolset(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = toolset.Close() }()

			if _, err := toolset.Tools.ListTools(ctx); err != nil {
				return err
			}
			desc, ok := toolset.Tools.Lookup(args[0], args[1])
			if !ok {
				return domain.E(domain.CodeNotFound, "tools.call", fmt.Sprintf("%s/%s", args[0], args[1]), domain.ErrToolNotFound)
			}

			result := toolset.Invoker.Call(ctx, desc, raw, timeout)
			if err := printCallResult(cmd.OutOrStdout(), result, opts.jsonOutput); err != nil {
				return err
			}
			if !result.OK() {
				return exitSilent(exitGeneric)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "call timeout (defaults to runtime.callTimeoutSeconds)")
	return cmd
}

func initToolset(cmd *cobra.Command, opts *cliOptions) (*app.Toolset, error) {
	cfg, err := loadConfig(cmd.Context(), opts)
	if err != nil {
		return nil, err
	}
	toolset, err := app.InitializeToolset(cmd.Context(), app.ServeConfig{
		ConfigPath: opts.configPath,
		Config:     cfg,
	}, app.LoggingConfig{Logger: opts.logger})
	if err != nil {
		return nil, err
	}
	if len(toolset.Tools.ServerIDs()) == 0 {
		_ = toolset.Close()
		return nil, errors.New("no enabled servers configured")
	}
	return toolset, nil
}

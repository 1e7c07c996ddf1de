package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/declue/aipilot/internal/app"
	"github.com/declue/aipilot/internal/domain"
	"github.com/declue/aipilot/internal/infra/session"
)

func newSessionCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect persisted sessions",
	}
	cmd.AddCommand(newSessionListCmd(opts), newSessionShowCmd(opts), newSessionTerminateCmd(opts))
	return cmd
}

func newSessionListCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List persisted session ids",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSnapshots(cmd.Context(), opts, func(store domain.SnapshotStore) error {
				ids, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), map[string]any{"sessions": ids})
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}
}

func newSessionShowCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print the committed state of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSnapshots(cmd.Context(), opts, func(store domain.SnapshotStore) error {
				state, err := loadState(cmd.Context(), store, args[0])
				if err != nil {
					return err
				}
				return printState(cmd.OutOrStdout(), state, opts.jsonOutput)
			})
		},
	}
}

func newSessionTerminateCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "terminate <session-id>",
		Short: "Delete the persisted state of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSnapshots(cmd.Context(), opts, func(store domain.SnapshotStore) error {
				if _, err := store.Load(cmd.Context(), args[0]); err != nil {
					return err
				}
				if err := store.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "session %s terminated\n", args[0])
				return nil
			})
		},
	}
}

func withSnapshots(ctx context.Context, opts *cliOptions, fn func(domain.SnapshotStore) error) error {
	cfg, err := loadConfig(ctx, opts)
	if err != nil {
		return err
	}
	store, err := app.NewSnapshotStore(ctx, app.ServeConfig{ConfigPath: opts.configPath, Config: cfg}, opts.logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return fn(store)
}

func loadState(ctx context.Context, store domain.SnapshotStore, sessionID string) (*domain.WorkflowState, error) {
	data, err := store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return session.DecodeSnapshot(data)
}

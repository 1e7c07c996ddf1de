package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/declue/aipilot/internal/app"
	"github.com/declue/aipilot/internal/domain"
)

// chatSessions is the part of session.Store the REPL drives.
type chatSessions interface {
	StartOrContinueStream(ctx context.Context, sessionID string, turn domain.Turn, onChunk domain.StreamFunc) (domain.TurnResult, error)
}

type chatOptions struct {
	sessionID string
	stream    bool
}

func newChatCmd(opts *cliOptions) *cobra.Command {
	var chatOpts chatOptions

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the assistant in an interactive session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			cfg, err := loadConfig(ctx, opts)
			if err != nil {
				return err
			}
			application, err := app.InitializeApplication(ctx, app.ServeConfig{
				ConfigPath: opts.configPath,
				Config:     cfg,
			}, app.LoggingConfig{Logger: opts.logger})
			if err != nil {
				return err
			}
			defer func() { _ = application.Close() }()
			application.Start(ctx)

			return runChat(ctx, application.Sessions(), chatOpts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&chatOpts.sessionID, "session", "", "resume an existing session id")
	cmd.Flags().BoolVar(&chatOpts.stream, "stream", false, "print model output as it arrives")
	return cmd
}

// runChat reads one turn per line until EOF or /quit. /new starts a fresh
// session.
func runChat(ctx context.Context, sessions chatSessions, opts chatOptions, in io.Reader, out io.Writer) error {
	sessionID := opts.sessionID
	stage := domain.StageInitialAnalysis
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Fprintf(out, "aipilot (%s)> ", stage)
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			sessionID = ""
			stage = domain.StageInitialAnalysis
			fmt.Fprintln(out, "started a new session")
			continue
		}

		var onChunk domain.StreamFunc
		streamed := false
		if opts.stream {
			onChunk = func(chunk string) {
				streamed = true
				fmt.Fprint(out, chunk)
			}
		}

		result, err := sessions.StartOrContinueStream(ctx, sessionID, domain.Turn{Text: line}, onChunk)
		if streamed {
			fmt.Fprintln(out)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		if sessionID == "" {
			fmt.Fprintf(out, "session %s\n", result.SessionID)
		}
		sessionID = result.SessionID
		stage = result.Stage

		fmt.Fprintln(out, result.Output)
		for _, choice := range result.Choices {
			fmt.Fprintf(out, "  [%s] %s\n", choice.Key, choice.Label)
		}
	}
}

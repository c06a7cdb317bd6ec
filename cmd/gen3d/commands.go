package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/manash/gen3d/internal/batch"
	"github.com/manash/gen3d/internal/security"
	"github.com/manash/gen3d/internal/session"
	"github.com/manash/gen3d/internal/storage/fsblob"
	"github.com/manash/gen3d/pkg/models"
)

func newOnceCmd(app *App, g *globalFlags) *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "once <prompt>",
		Short: "Generate a single model without a session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if outputPath != "" {
				if err := security.ValidateSavePath(outputPath); err != nil {
					return fmt.Errorf("invalid output path: %w", err)
				}
			}

			rt, err := app.setup(cmd, g)
			if err != nil {
				return err
			}
			defer rt.Close()
			ctx := cmd.Context()

			prompt := models.InstructionOrFallback(strings.Join(args, " "))
			fmt.Fprintln(app.Out, "Generating model...")
			res, err := rt.backend.Generate(ctx, prompt, rt.params)
			if err != nil {
				return fmt.Errorf("generation failed: %w", err)
			}
			if _, err := rt.viewer.LoadAsset(ctx, res.URL); err != nil {
				return err
			}

			fmt.Fprintf(app.Out, "Download: %s\n", res.URL)
			if outputPath != "" {
				if err := rt.saver.Save(ctx, res.URL, outputPath); err != nil {
					return fmt.Errorf("failed to save model: %w", err)
				}
				fmt.Fprintf(app.Out, "Saved: %s\n", outputPath)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "save the model to this path")
	return cmd
}

func newBatchCmd(app *App, g *globalFlags) *cobra.Command {
	var (
		outputDir   string
		seeds       []int
		parallel    int
		stopOnError bool
		delayMs     int
	)

	cmd := &cobra.Command{
		Use:   "batch <file>",
		Short: "Generate several seeds for every prompt in a file",
		Long: `Reads prompts from a .txt file (one per line, # starts a comment) or a
.json file ([{"prompt": "...", "seeds": [0, 1]}]) and saves every generated
model under the output directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := batch.ParseFile(args[0])
			if err != nil {
				return err
			}
			for _, s := range seeds {
				if s < 0 {
					return fmt.Errorf("invalid seed %d: seeds must not be negative", s)
				}
			}

			rt, err := app.setup(cmd, g)
			if err != nil {
				return err
			}
			defer rt.Close()

			proc := batch.NewProcessor(rt.backend, rt.saver, rt.logger, app.Out, app.Err)
			results, err := proc.Process(cmd.Context(), items, &batch.Options{
				OutputDir:   outputDir,
				Seeds:       seeds,
				Params:      rt.params,
				Parallel:    parallel,
				StopOnError: stopOnError,
				DelayMs:     delayMs,
			})
			proc.PrintSummary(results)
			if err != nil {
				return err
			}

			failed := 0
			for _, r := range results {
				if r.Error != nil {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d prompts failed", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output", "o", ".", "output directory")
	cmd.Flags().IntSliceVar(&seeds, "seeds", nil, "seeds for prompts that list none (default: backend default)")
	cmd.Flags().IntVar(&parallel, "parallel", 1, "prompts generated concurrently")
	cmd.Flags().BoolVar(&stopOnError, "stop-on-error", false, "stop at the first failed prompt")
	cmd.Flags().IntVar(&delayMs, "delay", 0, "delay between prompts in milliseconds")
	return cmd
}

func newHistoryCmd(app *App, g *globalFlags) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:     "history",
		Aliases: []string{"h"},
		Short:   "List the models generated in a session",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := app.setup(cmd, g)
			if err != nil {
				return err
			}
			defer rt.Close()

			id := sessionID
			if id == "" {
				cur, ok, err := rt.sessions.Current()
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(app.Out, "No active session.")
					return nil
				}
				id = cur
			}

			entries, err := rt.history.List(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("history unavailable: %w", err)
			}
			if len(entries) == 0 {
				fmt.Fprintf(app.Out, "No history for session %s.\n", id)
				return nil
			}

			fmt.Fprintf(app.Out, "Session %s (newest first):\n", id)
			for i, e := range entries {
				fmt.Fprintf(app.Out, "  [%d] %s  %s\n", i+1, e.CreatedAt.Local().Format("2006-01-02 15:04"), e.Prompt)
				fmt.Fprintf(app.Out, "      %s\n", e.URL)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (default: current session)")
	return cmd
}

func newSessionCmd(app *App, g *globalFlags) *cobra.Command {
	show := func(cmd *cobra.Command, _ []string) error {
		rt, err := app.setup(cmd, g)
		if err != nil {
			return err
		}
		defer rt.Close()

		sess, err := rt.sessions.Details(cmd.Context())
		if errors.Is(err, session.ErrNoSession) {
			fmt.Fprintln(app.Out, "No active session.")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(app.Out, "Session: %s\n", sess.ID)
		fmt.Fprintf(app.Out, "Title:   %s\n", sess.Title)
		if !sess.CreatedAt.IsZero() {
			fmt.Fprintf(app.Out, "Created: %s\n", sess.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		}
		fmt.Fprintf(app.Out, "Edits:   %d\n", len(sess.Items))
		return nil
	}

	cmd := &cobra.Command{
		Use:   "session",
		Short: "Show or manage the current session",
		Args:  cobra.NoArgs,
		RunE:  show,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Show the current session",
			Args:  cobra.NoArgs,
			RunE:  show,
		},
		&cobra.Command{
			Use:   "new",
			Short: "Start a new session",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				rt, err := app.setup(cmd, g)
				if err != nil {
					return err
				}
				defer rt.Close()

				id, err := rt.orch.NewChat(cmd.Context(), rt.params)
				if err != nil {
					return fmt.Errorf("failed to start session: %w", err)
				}
				fmt.Fprintf(app.Out, "Started session %s\n", id)
				return nil
			},
		},
		&cobra.Command{
			Use:     "list",
			Aliases: []string{"ls"},
			Short:   "List sessions started from this machine",
			Args:    cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				rt, err := app.setup(cmd, g)
				if err != nil {
					return err
				}
				defer rt.Close()

				sessions, err := rt.sessions.ListSessions(cmd.Context())
				if err != nil {
					return err
				}
				if len(sessions) == 0 {
					fmt.Fprintln(app.Out, "No sessions found.")
					return nil
				}
				current, _, _ := rt.sessions.Current()
				for _, s := range sessions {
					marker := " "
					if s.ID == current {
						marker = "*"
					}
					fmt.Fprintf(app.Out, "%s %s  %s  %s\n", marker, s.ID, s.CreatedAt.Local().Format("2006-01-02 15:04"), s.Title)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "forget",
			Short: "Forget the current session; the next instruction starts a new one",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				rt, err := app.setup(cmd, g)
				if err != nil {
					return err
				}
				defer rt.Close()

				if err := rt.sessions.Forget(); err != nil {
					return err
				}
				fmt.Fprintln(app.Out, "Session forgotten.")
				return nil
			},
		},
	)
	return cmd
}

func newServeCmd(app *App, g *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve stored models over HTTP",
		Long: `Serves the blob directory so durable download links resolve. Set
storage.public_base_url to the address printed here so new links point at it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := app.setup(cmd, g)
			if err != nil {
				return err
			}
			defer rt.Close()

			if addr == "" {
				addr = rt.cfg.Server.Addr
			}
			return serveBlobs(cmd.Context(), app, rt.blobs, addr, rt.logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.addr)")
	return cmd
}

func serveBlobs(ctx context.Context, app *App, blobs *fsblob.Store, addr string, logger *zap.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           fsblob.Handler(blobs, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	fmt.Fprintf(app.Out, "Serving %s at http://%s\n", blobs.Root(), ln.Addr())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down: %w", err)
		}
		fmt.Fprintln(app.Out, "Server stopped.")
		return nil
	}
}

func newHealthCmd(app *App, g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the generation bridge is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := app.setup(cmd, g)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.backend.Health(cmd.Context()); err != nil {
				return fmt.Errorf("backend unhealthy: %w", err)
			}
			fmt.Fprintf(app.Out, "Backend OK: %s\n", rt.cfg.Backend.URL)
			return nil
		},
	}
}

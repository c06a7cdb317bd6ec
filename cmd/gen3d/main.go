package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/manash/gen3d/internal/asset"
	"github.com/manash/gen3d/internal/config"
	"github.com/manash/gen3d/internal/display"
	"github.com/manash/gen3d/internal/history"
	"github.com/manash/gen3d/internal/localstate"
	"github.com/manash/gen3d/internal/logging"
	"github.com/manash/gen3d/internal/orchestrator"
	"github.com/manash/gen3d/internal/persist"
	"github.com/manash/gen3d/internal/provider"
	"github.com/manash/gen3d/internal/provider/shape"
	"github.com/manash/gen3d/internal/repl"
	"github.com/manash/gen3d/internal/security"
	"github.com/manash/gen3d/internal/session"
	"github.com/manash/gen3d/internal/storage"
	"github.com/manash/gen3d/internal/storage/fsblob"
	"github.com/manash/gen3d/internal/storage/identity"
	"github.com/manash/gen3d/internal/storage/redisdoc"
	"github.com/manash/gen3d/internal/storage/sqlite"
	"github.com/manash/gen3d/pkg/models"
)

var (
	version = "dev"
	commit  = "none"
)

type App struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer

	LoadConfig       func(path string) (*config.Config, error)
	NewLogger        func(cfg config.LogConfig) (*zap.Logger, error)
	NewBackend       func(cfg *provider.Config, logger *zap.Logger) (provider.Backend, error)
	NewDocumentStore func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.DocumentStore, error)
	// GraphicsSupported reports whether previews can be drawn on w.
	GraphicsSupported func(w io.Writer) bool
}

func DefaultApp() *App {
	return &App{
		In:         os.Stdin,
		Out:        os.Stdout,
		Err:        os.Stderr,
		LoadConfig: config.Load,
		NewLogger:  logging.New,
		NewBackend: func(cfg *provider.Config, logger *zap.Logger) (provider.Backend, error) {
			return shape.New(cfg, logger)
		},
		NewDocumentStore:  openDocumentStore,
		GraphicsSupported: display.IsGraphicsSupported,
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app := DefaultApp()
	return newRootCmd(app).ExecuteContext(ctx)
}

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	backendURL string
	logLevel   string
	seed       int
	guidance   float64
	steps      int
}

func newRootCmd(app *App) *cobra.Command {
	g := &globalFlags{}
	var (
		newSession  bool
		imagePath   string
		outputPath  string
		interactive bool
	)

	cmd := &cobra.Command{
		Use:   "gen3d [instruction]",
		Short: "Generate and iteratively refine 3D models",
		Long: `gen3d talks to a text/image to 3D generation bridge. Instructions continue
the current session, so every follow-up refines the previous model. Once a
model is loaded in interactive mode, simple edits ("make it 20% bigger",
"rotate 90 deg y", "color #ff0000") are applied locally without a round trip.

Every generated model is copied to durable storage and listed by 'gen3d history'.

Examples:
  gen3d "a low-poly red dragon"
  gen3d "give it wings"
  gen3d --new --seed 7 "a wooden chair"
  gen3d --image photo.png
  gen3d -i`,
		Args:          cobra.ArbitraryArgs,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := app.setup(cmd, g)
			if err != nil {
				return err
			}
			defer rt.Close()

			if interactive || (len(args) == 0 && imagePath == "") {
				return rt.repl(app).Run(cmd.Context())
			}
			return runInstruction(cmd.Context(), app, rt, strings.Join(args, " "), imagePath, outputPath, !newSession)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "config file (default: config.yaml in the gen3d config directory)")
	pf.StringVar(&g.backendURL, "backend", "", "generation bridge URL (overrides backend.url)")
	pf.StringVar(&g.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.IntVar(&g.seed, "seed", models.DefaultSeed, "generation seed")
	pf.Float64Var(&g.guidance, "guidance", models.DefaultGuidanceScale, "guidance scale")
	pf.IntVar(&g.steps, "steps", models.DefaultSteps, "number of inference steps")

	cmd.Flags().BoolVar(&newSession, "new", false, "start a new session instead of continuing the current one")
	cmd.Flags().StringVar(&imagePath, "image", "", "generate from an image file")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "also save the model to this path")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "start interactive mode")

	cmd.AddCommand(
		newOnceCmd(app, g),
		newBatchCmd(app, g),
		newHistoryCmd(app, g),
		newSessionCmd(app, g),
		newServeCmd(app, g),
		newHealthCmd(app, g),
	)
	return cmd
}

func runInstruction(ctx context.Context, app *App, rt *runtime, text, imagePath, outputPath string, cont bool) error {
	if outputPath != "" {
		if err := security.ValidateSavePath(outputPath); err != nil {
			return fmt.Errorf("invalid output path: %w", err)
		}
	}

	in := orchestrator.Instruction{Text: text, Params: rt.params, Continue: cont}
	if imagePath != "" {
		data, err := os.ReadFile(imagePath)
		if err != nil {
			return fmt.Errorf("failed to read image: %w", err)
		}
		in.Image = data
	}

	out, err := rt.orch.HandleInstruction(ctx, in)
	if err != nil {
		return err
	}
	if out.Kind == orchestrator.OutcomeLocalEdit {
		fmt.Fprintln(app.Out, rt.orch.Status())
		return nil
	}

	if out.PersistErr != nil {
		fmt.Fprintf(app.Err, "Warning: %v\n", out.PersistErr)
	}
	fmt.Fprintf(app.Out, "Download: %s\n", out.DownloadURL)
	if outputPath != "" {
		if err := rt.saver.Save(ctx, out.DownloadURL, outputPath); err != nil {
			return fmt.Errorf("failed to save model: %w", err)
		}
		fmt.Fprintf(app.Out, "Saved: %s\n", outputPath)
	}
	fmt.Fprintln(app.Out, rt.orch.Status())
	return nil
}

// runtime is the wired component graph for one command invocation.
type runtime struct {
	cfg      *config.Config
	logger   *zap.Logger
	params   models.Params
	backend  provider.Backend
	docs     storage.DocumentStore
	blobs    *fsblob.Store
	identity *identity.Anonymous
	sessions *session.Manager
	fetcher  *asset.Fetcher
	saver    *asset.Saver
	viewer   *display.TerminalViewer
	history  *history.Reconstructor
	orch     *orchestrator.Orchestrator
}

func (app *App) setup(cmd *cobra.Command, g *globalFlags) (*runtime, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := app.LoadConfig(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if g.backendURL != "" {
		cfg.Backend.URL = g.backendURL
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := app.NewLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	params := cfg.Params()
	flags := cmd.Flags()
	if flags.Changed("seed") {
		params.Seed = g.seed
	}
	if flags.Changed("guidance") {
		params.GuidanceScale = g.guidance
	}
	if flags.Changed("steps") {
		params.Steps = g.steps
	}

	rt := &runtime{cfg: cfg, logger: logger, params: params.Normalize()}
	if err := app.wire(ctx, rt); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (app *App) wire(ctx context.Context, rt *runtime) error {
	cfg := rt.cfg

	backend, err := app.NewBackend(&provider.Config{
		BaseURL:    cfg.Backend.URL,
		TimeoutSec: int(cfg.Backend.Timeout.Seconds()),
	}, rt.logger)
	if err != nil {
		return fmt.Errorf("failed to create backend client: %w", err)
	}
	rt.backend = backend

	stateDir, err := cfg.StateDir()
	if err != nil {
		return fmt.Errorf("failed to resolve state directory: %w", err)
	}
	state := localstate.NewStoreWithDir(stateDir)
	rt.identity = identity.NewAnonymous(state, rt.logger)

	docs, err := app.NewDocumentStore(ctx, cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("failed to open document store: %w", err)
	}
	rt.docs = docs

	blobDir, err := cfg.BlobDir()
	if err != nil {
		return fmt.Errorf("failed to resolve blob directory: %w", err)
	}
	if rt.blobs, err = fsblob.New(fsblob.Config{Root: blobDir, PublicBaseURL: cfg.Storage.PublicBaseURL}); err != nil {
		return err
	}

	policy := &security.URLPolicy{AllowFile: true}
	policy.TrustURL(cfg.Backend.URL)
	policy.TrustURL(cfg.Storage.PublicBaseURL)
	rt.fetcher = asset.NewFetcher(asset.WithPolicy(policy))
	rt.saver = asset.NewSaver(rt.fetcher)

	rt.sessions = session.NewManager(backend, state,
		session.WithDurableStorage(rt.docs, rt.identity),
		session.WithTitle(cfg.Title()),
		session.WithLogger(rt.logger))
	rt.viewer = display.NewTerminalViewer(app.Out, rt.fetcher,
		display.WithPreview(app.GraphicsSupported != nil && app.GraphicsSupported(app.Out)),
		display.WithLogger(rt.logger))
	rt.history = history.NewReconstructor(rt.identity, rt.docs)

	baseURL := cfg.Backend.URL
	if c, ok := backend.(*shape.Client); ok {
		baseURL = c.BaseURL()
	}
	rt.orch = orchestrator.New(orchestrator.Config{
		Backend:  backend,
		Sessions: rt.sessions,
		Viewer:   rt.viewer,
		Persister: persist.NewBridge(persist.Config{
			Identity:       rt.identity,
			Blobs:          rt.blobs,
			Docs:           rt.docs,
			Fetcher:        rt.fetcher,
			BackendBaseURL: baseURL,
			Logger:         rt.logger,
		}),
		History: rt.history,
		Logger:  rt.logger,
		OnState: progress(app.Out),
	})
	return nil
}

func (rt *runtime) repl(app *App) *repl.REPL {
	return repl.New(&repl.Config{
		In:           app.In,
		Out:          app.Out,
		Err:          app.Err,
		Orchestrator: rt.orch,
		Sessions:     rt.sessions,
		Saver:        rt.saver,
		Params:       rt.params,
	})
}

func (rt *runtime) Close() error {
	var errs []error
	if rt.docs != nil {
		errs = append(errs, rt.docs.Close())
	}
	if rt.logger != nil {
		_ = rt.logger.Sync()
	}
	return errors.Join(errs...)
}

// progress prints the long-running phases of an action.
func progress(w io.Writer) func(orchestrator.State) {
	return func(s orchestrator.State) {
		switch s {
		case orchestrator.Generating:
			fmt.Fprintln(w, "Generating model...")
		case orchestrator.Loading:
			fmt.Fprintln(w, "Loading model...")
		case orchestrator.Persisting:
			fmt.Fprintln(w, "Saving to history...")
		}
	}
}

func openDocumentStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.DocumentStore, error) {
	switch cfg.Storage.Driver {
	case config.DriverRedis:
		store, err := redisdoc.New(ctx, redisdoc.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, redisdoc.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		path, err := cfg.DBPath()
		if err != nil {
			return nil, err
		}
		store, err := sqlite.NewStore(path)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

package repl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/manash/gen3d/internal/asset"
	"github.com/manash/gen3d/internal/orchestrator"
	"github.com/manash/gen3d/internal/session"
	"github.com/manash/gen3d/pkg/models"
)

// commandPrefix marks a line as a command rather than an instruction.
const commandPrefix = "/"

type REPL struct {
	in       io.Reader
	out      io.Writer
	err      io.Writer
	orch     *orchestrator.Orchestrator
	sessions *session.Manager
	saver    *asset.Saver
	params   models.Params
	commands map[string]Command
	running  bool

	// lastURL is the download reference of the most recent generation.
	lastURL string
}

type Config struct {
	In           io.Reader
	Out          io.Writer
	Err          io.Writer
	Orchestrator *orchestrator.Orchestrator
	Sessions     *session.Manager
	Saver        *asset.Saver
	Params       models.Params
}

func New(cfg *Config) *REPL {
	r := &REPL{
		in:       cfg.In,
		out:      cfg.Out,
		err:      cfg.Err,
		orch:     cfg.Orchestrator,
		sessions: cfg.Sessions,
		saver:    cfg.Saver,
		params:   cfg.Params.Normalize(),
		commands: make(map[string]Command),
	}
	r.registerCommands()
	return r
}

func (r *REPL) Run(ctx context.Context) error {
	r.running = true
	r.printWelcome(ctx)

	scanner := bufio.NewScanner(r.in)
	for r.running {
		r.printPrompt()
		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if err := r.execute(ctx, line); err != nil {
			fmt.Fprintf(r.err, "Error: %v\n", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return scanner.Err()
}

func (r *REPL) execute(ctx context.Context, line string) error {
	if !strings.HasPrefix(line, commandPrefix) {
		return r.instruct(ctx, orchestrator.Instruction{Text: line, Params: r.params, Continue: true})
	}

	parts := parseCommand(strings.TrimPrefix(line, commandPrefix))
	if len(parts) == 0 {
		return nil
	}

	cmdName := strings.ToLower(parts[0])
	cmd, ok := r.commands[cmdName]
	if !ok {
		return fmt.Errorf("unknown command: /%s (type '/help' for available commands)", cmdName)
	}
	return cmd.Execute(ctx, r, parts[1:])
}

// instruct runs one orchestrated action and reports its outcome.
func (r *REPL) instruct(ctx context.Context, in orchestrator.Instruction) error {
	out, err := r.orch.HandleInstruction(ctx, in)
	if err != nil {
		if errors.Is(err, orchestrator.ErrActionInProgress) {
			return fmt.Errorf("still working on the previous instruction")
		}
		return err
	}

	if out.Kind == orchestrator.OutcomeLocalEdit {
		fmt.Fprintln(r.out, r.orch.Status())
		return nil
	}

	r.lastURL = out.DownloadURL
	if out.PersistErr != nil {
		fmt.Fprintf(r.err, "Warning: %v\n", out.PersistErr)
	}
	fmt.Fprintf(r.out, "Download: %s\n", out.DownloadURL)
	fmt.Fprintln(r.out, r.orch.Status())
	return nil
}

func (r *REPL) Stop() {
	r.running = false
}

func (r *REPL) printWelcome(ctx context.Context) {
	fmt.Fprintln(r.out, "gen3d interactive mode")
	fmt.Fprintln(r.out, "Describe a model to generate it; follow-ups refine it. Type '/help' for commands, '/quit' to exit.")

	id, ok, err := r.sessions.Restore(ctx)
	switch {
	case err != nil:
		fmt.Fprintf(r.err, "Warning: %v\n", err)
	case ok:
		fmt.Fprintf(r.out, "Continuing session %s\n", id)
	}
	fmt.Fprintln(r.out)
}

func (r *REPL) printPrompt() {
	id, ok, _ := r.sessions.Current()
	if ok {
		fmt.Fprintf(r.out, "gen3d [%s]> ", shortID(id))
	} else {
		fmt.Fprint(r.out, "gen3d> ")
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func parseCommand(line string) []string {
	var parts []string
	var current strings.Builder
	inQuotes := false
	quoteChar := rune(0)

	for _, ch := range line {
		switch {
		case ch == '"' || ch == '\'':
			if inQuotes && ch == quoteChar {
				inQuotes = false
				quoteChar = 0
			} else if !inQuotes {
				inQuotes = true
				quoteChar = ch
			} else {
				current.WriteRune(ch)
			}
		case ch == ' ' && !inQuotes:
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(ch)
		}
	}

	if current.Len() > 0 {
		parts = append(parts, current.String())
	}

	return parts
}

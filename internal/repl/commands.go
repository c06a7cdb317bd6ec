package repl

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/manash/gen3d/internal/display"
	"github.com/manash/gen3d/internal/orchestrator"
	"github.com/manash/gen3d/internal/security"
	"github.com/manash/gen3d/pkg/models"
)

type Command interface {
	Name() string
	Aliases() []string
	Description() string
	Usage() string
	Execute(ctx context.Context, r *REPL, args []string) error
}

func allCommands() []Command {
	return []Command{
		&NewCommand{},
		&ImageCommand{},
		&HistoryCommand{},
		&LoadCommand{},
		&SaveCommand{},
		&ParamsCommand{},
		&SessionCommand{},
		&StatusCommand{},
		&HelpCommand{},
		&QuitCommand{},
	}
}

func (r *REPL) registerCommands() {
	for _, cmd := range allCommands() {
		r.commands[cmd.Name()] = cmd
		for _, alias := range cmd.Aliases() {
			r.commands[alias] = cmd
		}
	}
}

// NewCommand starts a new chat
type NewCommand struct{}

func (c *NewCommand) Name() string        { return "new" }
func (c *NewCommand) Aliases() []string   { return []string{"n"} }
func (c *NewCommand) Description() string { return "Start a new session and clear history" }
func (c *NewCommand) Usage() string       { return "/new [prompt]" }

func (c *NewCommand) Execute(ctx context.Context, r *REPL, args []string) error {
	if len(args) > 0 {
		return r.instruct(ctx, orchestrator.Instruction{
			Text:     strings.Join(args, " "),
			Params:   r.params,
			Continue: false,
		})
	}

	id, err := r.orch.NewChat(ctx, r.params)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	r.lastURL = ""
	fmt.Fprintf(r.out, "Started session %s\n", id)
	return nil
}

// ImageCommand generates a model from an image file
type ImageCommand struct{}

func (c *ImageCommand) Name() string        { return "image" }
func (c *ImageCommand) Aliases() []string   { return []string{"img"} }
func (c *ImageCommand) Description() string { return "Generate a model from an image file" }
func (c *ImageCommand) Usage() string       { return "/image <path> [description]" }

func (c *ImageCommand) Execute(ctx context.Context, r *REPL, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: %s", c.Usage())
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}
	return r.instruct(ctx, orchestrator.Instruction{
		Text:     strings.Join(args[1:], " "),
		Params:   r.params,
		Continue: true,
		Image:    data,
	})
}

// HistoryCommand lists the artifacts of the active session
type HistoryCommand struct{}

func (c *HistoryCommand) Name() string        { return "history" }
func (c *HistoryCommand) Aliases() []string   { return []string{"h", "hist"} }
func (c *HistoryCommand) Description() string { return "Show the models generated in this session" }
func (c *HistoryCommand) Usage() string       { return "/history" }

func (c *HistoryCommand) Execute(ctx context.Context, r *REPL, _ []string) error {
	entries, err := r.orch.RefreshHistory(ctx)
	if err != nil {
		return fmt.Errorf("history unavailable: %w", err)
	}
	if len(entries) == 0 {
		fmt.Fprintln(r.out, "No history yet.")
		return nil
	}

	fmt.Fprintln(r.out, "History (newest first):")
	for i, e := range entries {
		fmt.Fprintf(r.out, "  [%d] %s  %s\n", i+1, e.CreatedAt.Local().Format("2006-01-02 15:04"), truncate(e.Prompt, 50))
	}
	fmt.Fprintln(r.out, "Use '/load <n>' to view an entry.")
	return nil
}

// LoadCommand loads an artifact from history
type LoadCommand struct{}

func (c *LoadCommand) Name() string        { return "load" }
func (c *LoadCommand) Aliases() []string   { return []string{"l"} }
func (c *LoadCommand) Description() string { return "Load a model from history" }
func (c *LoadCommand) Usage() string       { return "/load <n>" }

func (c *LoadCommand) Execute(ctx context.Context, r *REPL, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", c.Usage())
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid history number: %s", args[0])
	}

	entries := r.orch.History()
	if len(entries) == 0 {
		if entries, err = r.orch.RefreshHistory(ctx); err != nil {
			return fmt.Errorf("history unavailable: %w", err)
		}
	}
	if n < 1 || n > len(entries) {
		return fmt.Errorf("history number out of range: %d (1-%d)", n, len(entries))
	}

	entry := entries[n-1]
	if err := r.orch.LoadFromHistory(ctx, entry); err != nil {
		return err
	}
	r.lastURL = entry.URL
	return nil
}

// SaveCommand writes the current model to disk
type SaveCommand struct{}

func (c *SaveCommand) Name() string        { return "save" }
func (c *SaveCommand) Aliases() []string   { return []string{"s"} }
func (c *SaveCommand) Description() string { return "Save the current model to a file" }
func (c *SaveCommand) Usage() string       { return "/save <path>" }

func (c *SaveCommand) Execute(ctx context.Context, r *REPL, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", c.Usage())
	}
	if r.lastURL == "" {
		return fmt.Errorf("no model to save")
	}
	if err := security.ValidateSavePath(args[0]); err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	if err := r.saver.Save(ctx, r.lastURL, args[0]); err != nil {
		return fmt.Errorf("failed to save model: %w", err)
	}
	fmt.Fprintf(r.out, "Saved: %s\n", args[0])
	return nil
}

// ParamsCommand shows or changes generation parameters
type ParamsCommand struct{}

func (c *ParamsCommand) Name() string        { return "params" }
func (c *ParamsCommand) Aliases() []string   { return []string{"p"} }
func (c *ParamsCommand) Description() string { return "Show or set seed, guidance and steps" }
func (c *ParamsCommand) Usage() string       { return "/params [seed=N] [guidance=G] [steps=S]" }

func (c *ParamsCommand) Execute(_ context.Context, r *REPL, args []string) error {
	seed := strconv.Itoa(r.params.Seed)
	guidance := strconv.FormatFloat(r.params.GuidanceScale, 'g', -1, 64)
	steps := strconv.Itoa(r.params.Steps)

	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("usage: %s", c.Usage())
		}
		switch strings.ToLower(key) {
		case "seed":
			seed = value
		case "guidance", "guidance_scale":
			guidance = value
		case "steps", "num_inference_steps":
			steps = value
		default:
			return fmt.Errorf("unknown parameter: %s", key)
		}
	}

	if len(args) > 0 {
		r.params = models.ParseParams(seed, guidance, steps)
	}
	fmt.Fprintf(r.out, "seed=%d guidance=%g steps=%d\n", r.params.Seed, r.params.GuidanceScale, r.params.Steps)
	return nil
}

// SessionCommand inspects and manages backend sessions
type SessionCommand struct{}

func (c *SessionCommand) Name() string        { return "session" }
func (c *SessionCommand) Aliases() []string   { return []string{"sess"} }
func (c *SessionCommand) Description() string { return "Show, list or forget sessions" }
func (c *SessionCommand) Usage() string       { return "/session [show|list|forget]" }

func (c *SessionCommand) Execute(ctx context.Context, r *REPL, args []string) error {
	sub := "show"
	if len(args) > 0 {
		sub = strings.ToLower(args[0])
	}

	switch sub {
	case "show":
		return c.show(ctx, r)
	case "list", "ls":
		return c.list(ctx, r)
	case "forget":
		if err := r.sessions.Forget(); err != nil {
			return err
		}
		fmt.Fprintln(r.out, "Session forgotten; the next instruction starts a new one.")
		return nil
	default:
		return fmt.Errorf("usage: %s", c.Usage())
	}
}

func (c *SessionCommand) show(ctx context.Context, r *REPL) error {
	sess, err := r.sessions.Details(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Session: %s\n", sess.ID)
	fmt.Fprintf(r.out, "Title:   %s\n", sess.Title)
	if !sess.CreatedAt.IsZero() {
		fmt.Fprintf(r.out, "Created: %s\n", sess.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(r.out, "Edits:   %d\n", len(sess.Items))
	for i, item := range sess.Items {
		fmt.Fprintf(r.out, "  %d. %s\n", i+1, truncate(item.Prompt, 60))
	}
	return nil
}

func (c *SessionCommand) list(ctx context.Context, r *REPL) error {
	sessions, err := r.sessions.ListSessions(ctx)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(r.out, "No sessions found.")
		return nil
	}

	current, _, _ := r.sessions.Current()
	for _, s := range sessions {
		marker := " "
		if s.ID == current {
			marker = "*"
		}
		fmt.Fprintf(r.out, "%s %s  %s  %s\n", marker, s.ID, s.CreatedAt.Local().Format("2006-01-02 15:04"), s.Title)
	}
	return nil
}

// StatusCommand shows the last action status and the overlay
type StatusCommand struct{}

func (c *StatusCommand) Name() string        { return "status" }
func (c *StatusCommand) Aliases() []string   { return nil }
func (c *StatusCommand) Description() string { return "Show the last status and current transform" }
func (c *StatusCommand) Usage() string       { return "/status" }

func (c *StatusCommand) Execute(_ context.Context, r *REPL, _ []string) error {
	status := r.orch.Status()
	if status == "" {
		status = "Idle"
	}
	fmt.Fprintf(r.out, "Status:    %s\n", status)
	fmt.Fprintf(r.out, "Transform: %s\n", display.DescribeTransform(r.orch.Transform()))
	if r.lastURL != "" {
		fmt.Fprintf(r.out, "Download:  %s\n", r.lastURL)
	}
	return nil
}

// HelpCommand shows available commands
type HelpCommand struct{}

func (c *HelpCommand) Name() string        { return "help" }
func (c *HelpCommand) Aliases() []string   { return []string{"?"} }
func (c *HelpCommand) Description() string { return "Show available commands" }
func (c *HelpCommand) Usage() string       { return "/help" }

func (c *HelpCommand) Execute(_ context.Context, r *REPL, _ []string) error {
	fmt.Fprintln(r.out, "Anything not starting with '/' is an instruction. With a model loaded,")
	fmt.Fprintln(r.out, "\"make it 20% bigger\", \"rotate 90 deg x\", \"scale 2\" and \"color #ff0000\" are applied locally.")
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, "Available commands:")
	fmt.Fprintln(r.out)

	for _, cmd := range allCommands() {
		aliases := ""
		if len(cmd.Aliases()) > 0 {
			aliases = fmt.Sprintf(" (%s)", strings.Join(cmd.Aliases(), ", "))
		}
		fmt.Fprintf(r.out, "  %-16s%s\n", cmd.Name()+aliases, cmd.Description())
		fmt.Fprintf(r.out, "                  Usage: %s\n", cmd.Usage())
	}
	return nil
}

// QuitCommand exits the REPL
type QuitCommand struct{}

func (c *QuitCommand) Name() string        { return "quit" }
func (c *QuitCommand) Aliases() []string   { return []string{"exit", "q"} }
func (c *QuitCommand) Description() string { return "Exit interactive mode" }
func (c *QuitCommand) Usage() string       { return "/quit" }

func (c *QuitCommand) Execute(_ context.Context, r *REPL, _ []string) error {
	fmt.Fprintln(r.out, "Goodbye!")
	r.Stop()
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// Package display presents loaded 3D assets and their transform overlay in
// the terminal.
package display

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/manash/gen3d/internal/transform"
	"github.com/manash/gen3d/pkg/models"
)

var ErrNoURL = errors.New("asset url is required")

type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// Handle identifies the asset currently shown by a viewer.
type Handle struct {
	URL    string
	Format models.AssetFormat
	Size   int
	// Summary is nil for formats other than GLB.
	Summary *Summary
}

// Viewer is the rendering collaborator. Loading replaces the current asset.
type Viewer interface {
	LoadAsset(ctx context.Context, url string) (Handle, error)
	Current() (Handle, bool)
	ApplyTransform(t transform.Transform)
}

type TerminalViewer struct {
	out     io.Writer
	fetcher Fetcher
	preview bool
	logger  *zap.Logger

	mu  sync.Mutex
	cur *Handle
}

type Option func(*TerminalViewer)

// WithPreview draws the first embedded PNG of a loaded GLB using the kitty
// graphics protocol.
func WithPreview(enabled bool) Option {
	return func(v *TerminalViewer) { v.preview = enabled }
}

func WithLogger(logger *zap.Logger) Option {
	return func(v *TerminalViewer) {
		if logger != nil {
			v.logger = logger
		}
	}
}

func NewTerminalViewer(out io.Writer, fetcher Fetcher, opts ...Option) *TerminalViewer {
	v := &TerminalViewer{
		out:     out,
		fetcher: fetcher,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With(zap.String("component", "viewer"))
	return v
}

func (v *TerminalViewer) LoadAsset(ctx context.Context, url string) (Handle, error) {
	if url == "" {
		return Handle{}, ErrNoURL
	}

	data, err := v.fetcher.Fetch(ctx, url)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to load asset: %w", err)
	}

	h := Handle{
		URL:    url,
		Format: models.FormatFromURL(url),
		Size:   len(data),
	}
	if h.Format == models.FormatGLB {
		summary, err := ParseGLB(data)
		if err != nil {
			return Handle{}, fmt.Errorf("failed to load asset: %w", err)
		}
		h.Summary = summary
	}

	v.mu.Lock()
	v.cur = &h
	v.mu.Unlock()

	v.logger.Debug("asset loaded",
		zap.String("url", url),
		zap.Int("bytes", h.Size),
		zap.String("format", h.Format.String()))

	fmt.Fprintf(v.out, "Loaded %s (%s)\n", url, formatBytes(h.Size))
	if h.Summary != nil {
		fmt.Fprintf(v.out, "  %s\n", h.Summary)
		if v.preview && len(h.Summary.Preview) > 0 {
			if err := NewKittyEncoder(v.out, WithColumns(40)).Encode(h.Summary.Preview); err != nil {
				v.logger.Warn("preview failed", zap.Error(err))
			}
			fmt.Fprintln(v.out)
		}
	}
	return h, nil
}

func (v *TerminalViewer) Current() (Handle, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cur == nil {
		return Handle{}, false
	}
	return *v.cur, true
}

// ApplyTransform prints the overlay. Nothing is drawn when no asset is
// loaded.
func (v *TerminalViewer) ApplyTransform(t transform.Transform) {
	if _, ok := v.Current(); !ok {
		return
	}
	fmt.Fprintf(v.out, "  %s\n", DescribeTransform(t))
}

// DescribeTransform formats t for display, with rotation reduced to
// [0, 360).
func DescribeTransform(t transform.Transform) string {
	r := t.Rotation.Wrapped()
	return fmt.Sprintf("scale %.2f, rotation x=%g y=%g z=%g, color %s", t.Scale, r.X, r.Y, r.Z, t.Color)
}

func formatBytes(n int) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// IsGraphicsSupported reports whether the terminal behind w understands the
// kitty graphics protocol.
func IsGraphicsSupported(w io.Writer) bool {
	return IsTerminal(w) && kittyCapable()
}

func kittyCapable() bool {
	termProgram := strings.ToLower(os.Getenv("TERM_PROGRAM"))
	for _, prog := range []string{"kitty", "ghostty", "wezterm"} {
		if termProgram == prog {
			return true
		}
	}
	if os.Getenv("KITTY_WINDOW_ID") != "" {
		return true
	}

	t := strings.ToLower(os.Getenv("TERM"))
	return strings.Contains(t, "kitty") || strings.Contains(t, "ghostty")
}

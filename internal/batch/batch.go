// Package batch generates several seeds of many prompts and saves every
// resulting asset to disk.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/manash/gen3d/internal/security"
	"github.com/manash/gen3d/pkg/models"
)

// ErrSkipped marks items that never ran because the batch stopped early.
var ErrSkipped = errors.New("skipped")

type Generator interface {
	GenerateBatch(ctx context.Context, prompt string, seeds []int, params models.Params) ([]models.BatchItem, error)
}

type Saver interface {
	SaveBatch(ctx context.Context, items []models.BatchItem, basePath string) ([]string, error)
}

type Result struct {
	Index    int
	Prompt   string
	Paths    []string
	Error    error
	Duration time.Duration
}

type Options struct {
	OutputDir string
	// Seeds are used for items that list none. Empty means the backend
	// default.
	Seeds       []int
	Params      models.Params
	Parallel    int
	StopOnError bool
	DelayMs     int
}

type Processor struct {
	generator Generator
	saver     Saver
	logger    *zap.Logger
	out       io.Writer
	err       io.Writer
	outMu     sync.Mutex
}

func NewProcessor(gen Generator, saver Saver, logger *zap.Logger, out, errOut io.Writer) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		generator: gen,
		saver:     saver,
		logger:    logger.With(zap.String("component", "batch")),
		out:       out,
		err:       errOut,
	}
}

func (p *Processor) printf(format string, args ...any) {
	p.outMu.Lock()
	fmt.Fprintf(p.out, format, args...)
	p.outMu.Unlock()
}

func (p *Processor) errorf(format string, args ...any) {
	p.outMu.Lock()
	fmt.Fprintf(p.err, format, args...)
	p.outMu.Unlock()
}

// Process runs items with at most opts.Parallel in flight. With StopOnError
// the first failure cancels the remaining items, which are reported with
// ErrSkipped.
func (p *Processor) Process(ctx context.Context, items []Item, opts *Options) ([]Result, error) {
	results := make([]Result, len(items))
	for i, item := range items {
		results[i] = Result{Index: item.Index, Prompt: item.Prompt, Error: ErrSkipped}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, opts.Parallel))

	total := len(items)
	for i, item := range items {
		if i > 0 && opts.DelayMs > 0 {
			select {
			case <-gctx.Done():
			case <-time.After(time.Duration(opts.DelayMs) * time.Millisecond):
			}
		}
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			r := p.processItem(gctx, item, opts, i+1, total)
			results[i] = r
			if r.Error != nil && opts.StopOnError {
				return fmt.Errorf("stopped at item %d: %w", item.Index, r.Error)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

func (p *Processor) processItem(ctx context.Context, item Item, opts *Options, current, total int) Result {
	start := time.Now()
	result := Result{Index: item.Index, Prompt: item.Prompt}

	p.printf("[%d/%d] Generating: %q...\n", current, total, truncate(item.Prompt, 50))

	params := opts.Params
	if item.GuidanceScale != nil {
		params.GuidanceScale = *item.GuidanceScale
	}
	if item.Steps != nil {
		params.Steps = *item.Steps
	}
	params = params.Normalize()

	seeds := item.Seeds
	if len(seeds) == 0 {
		seeds = opts.Seeds
	}

	assets, err := p.generator.GenerateBatch(ctx, item.Prompt, seeds, params)
	if err != nil {
		result.Error = fmt.Errorf("generation failed: %w", err)
		result.Duration = time.Since(start)
		p.errorf("       Error: %v\n", result.Error)
		return result
	}

	base := filepath.Join(opts.OutputDir, generateFilename(item.Index, item.Prompt))
	paths, err := p.saver.SaveBatch(ctx, assets, base)
	result.Paths = paths
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = fmt.Errorf("save failed: %w", err)
		p.errorf("       Error: %v\n", result.Error)
		return result
	}

	for _, path := range paths {
		p.printf("       Saved: %s\n", path)
	}
	p.logger.Debug("batch item done",
		zap.Int("index", item.Index),
		zap.Int("assets", len(paths)),
		zap.Duration("elapsed", result.Duration))
	return result
}

var promptUnsafe = regexp.MustCompile(`[^a-zA-Z0-9\s-]`)

// generateFilename returns the base name for an item's assets; the saver
// appends -seed{N} and the extension.
func generateFilename(index int, prompt string) string {
	return fmt.Sprintf("%03d-%s.glb", index, sanitizePrompt(prompt))
}

func sanitizePrompt(prompt string) string {
	sanitized := promptUnsafe.ReplaceAllString(prompt, "")
	sanitized = strings.ToLower(sanitized)
	sanitized = strings.Join(strings.Fields(sanitized), "-")
	sanitized = strings.TrimLeft(sanitized, "-")

	if len(sanitized) > 50 {
		sanitized = sanitized[:50]
	}
	sanitized = strings.TrimSuffix(sanitized, "-")

	if sanitized == "" {
		return "model"
	}
	return security.SanitizeFilename(sanitized)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func (p *Processor) PrintSummary(results []Result) {
	var (
		assets, successful int
		failed             []Result
	)
	for _, r := range results {
		if r.Error != nil {
			failed = append(failed, r)
			continue
		}
		successful++
		assets += len(r.Paths)
	}

	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, "Summary:")
	fmt.Fprintf(p.out, "  Successful: %d/%d prompts (%d assets)\n", successful, len(results), assets)
	if len(failed) == 0 {
		return
	}
	fmt.Fprintf(p.out, "  Failed: %d (see errors below)\n", len(failed))
	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, "Errors:")
	for _, e := range failed {
		fmt.Fprintf(p.out, "  [%d] %q: %v\n", e.Index, truncate(e.Prompt, 40), e.Error)
	}
}

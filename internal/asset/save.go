package asset

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/manash/gen3d/pkg/models"
)

type Saver struct {
	fetcher *Fetcher
}

func NewSaver(fetcher *Fetcher) *Saver {
	if fetcher == nil {
		fetcher = NewFetcher()
	}
	return &Saver{fetcher: fetcher}
}

// Save downloads rawURL and writes it to path, creating parent directories.
func (s *Saver) Save(ctx context.Context, rawURL, path string) error {
	data, err := s.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return err
	}
	return WriteFile(path, data)
}

// SaveBatch saves every batch item. With a basePath, files are named
// base-seed{N}.ext; otherwise timestamped names in the working directory
// are used. Paths saved before a failure are returned with the error.
func (s *Saver) SaveBatch(ctx context.Context, items []models.BatchItem, basePath string) ([]string, error) {
	paths := make([]string, 0, len(items))
	now := time.Now()

	for i, item := range items {
		path := batchPath(basePath, item, i, now)
		if err := s.Save(ctx, item.URL, path); err != nil {
			return paths, fmt.Errorf("failed to save asset %d (seed %d): %w", i+1, item.Seed, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func WriteFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

func batchPath(basePath string, item models.BatchItem, index int, t time.Time) string {
	format := models.FormatFromURL(item.URL)
	if basePath == "" {
		return GenerateFilename(index, format, t)
	}
	ext := filepath.Ext(basePath)
	if ext == "" {
		ext = "." + format.String()
	}
	base := basePath[:len(basePath)-len(filepath.Ext(basePath))]
	return fmt.Sprintf("%s-seed%d%s", base, item.Seed, ext)
}

// GenerateFilename returns model-{timestamp}[-{n}].{format}.
func GenerateFilename(index int, format models.AssetFormat, t time.Time) string {
	timestamp := t.Format("20060102-150405")
	if index > 0 {
		return fmt.Sprintf("model-%s-%d.%s", timestamp, index+1, format)
	}
	return fmt.Sprintf("model-%s.%s", timestamp, format)
}

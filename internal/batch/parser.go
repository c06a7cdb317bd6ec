package batch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Item is one prompt of a batch file. Nil overrides use the batch defaults.
type Item struct {
	Index         int
	Prompt        string
	Seeds         []int
	GuidanceScale *float64
	Steps         *int
}

type jsonItem struct {
	Prompt        string   `json:"prompt"`
	Seeds         []int    `json:"seeds,omitempty"`
	GuidanceScale *float64 `json:"guidance_scale,omitempty"`
	Steps         *int     `json:"num_inference_steps,omitempty"`
}

func ParseFile(path string) ([]Item, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		return ParseJSON(file)
	case ".txt", "":
		return ParseText(file)
	default:
		return nil, fmt.Errorf("unsupported file format %q: use .txt or .json", ext)
	}
}

// ParseText reads one prompt per line. Blank lines and lines starting with
// # are skipped.
func ParseText(r io.Reader) ([]Item, error) {
	var items []Item
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		items = append(items, Item{Index: len(items) + 1, Prompt: line})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("no prompts found in file")
	}
	return items, nil
}

func ParseJSON(r io.Reader) ([]Item, error) {
	var raw []jsonItem
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("no prompts found in file")
	}

	items := make([]Item, len(raw))
	for i, ji := range raw {
		if strings.TrimSpace(ji.Prompt) == "" {
			return nil, fmt.Errorf("item %d has empty prompt", i+1)
		}
		for _, s := range ji.Seeds {
			if s < 0 {
				return nil, fmt.Errorf("item %d has negative seed %d", i+1, s)
			}
		}
		items[i] = Item{
			Index:         i + 1,
			Prompt:        strings.TrimSpace(ji.Prompt),
			Seeds:         ji.Seeds,
			GuidanceScale: ji.GuidanceScale,
			Steps:         ji.Steps,
		}
	}
	return items, nil
}

// Package history rebuilds a session's artifact list from durable storage.
package history

import (
	"context"
	"fmt"
	"path"
	"slices"

	"github.com/manash/gen3d/internal/persist"
	"github.com/manash/gen3d/internal/storage"
	"github.com/manash/gen3d/pkg/models"
)

type Reconstructor struct {
	identity storage.Identity
	docs     storage.DocumentStore
}

func NewReconstructor(identity storage.Identity, docs storage.DocumentStore) *Reconstructor {
	return &Reconstructor{identity: identity, docs: docs}
}

// List returns the session's artifacts, newest first. Each entry uses the
// durable URL when one was recorded and the backend URL otherwise.
func (r *Reconstructor) List(ctx context.Context, sessionID string) ([]models.HistoryEntry, error) {
	if sessionID == "" {
		return nil, models.ErrNoSessionID
	}
	principal, err := r.identity.EnsureIdentity(ctx)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}

	docs, err := r.docs.List(ctx, storage.ItemsCollection(principal.UID, sessionID), storage.OrderNewestFirst)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}

	entries := make([]models.HistoryEntry, 0, len(docs))
	for _, d := range docs {
		url := d.Fields.String(persist.FieldStorageURL)
		if url == "" {
			url = d.Fields.String(persist.FieldBackendURL)
		}
		entries = append(entries, models.HistoryEntry{
			ID:        path.Base(d.Path),
			Prompt:    d.Fields.String(persist.FieldPrompt),
			URL:       url,
			CreatedAt: d.CreatedAt,
		})
	}
	return entries, nil
}

// Chronological returns an oldest-first copy of entries.
func Chronological(entries []models.HistoryEntry) []models.HistoryEntry {
	out := slices.Clone(entries)
	slices.Reverse(out)
	return out
}

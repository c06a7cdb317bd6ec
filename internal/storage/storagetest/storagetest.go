// Package storagetest holds conformance checks shared by every
// storage.DocumentStore implementation, plus in-memory fakes for callers.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manash/gen3d/internal/storage"
)

// Clock is a deterministic time source that advances one millisecond per
// call.
type Clock struct {
	mu  sync.Mutex
	cur time.Time
}

func NewClock() *Clock {
	return &Clock{cur: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Millisecond)
	return c.cur
}

// Factory builds a fresh, empty store that reads time from now.
type Factory func(t *testing.T, now func() time.Time) storage.DocumentStore

func RunDocumentStore(t *testing.T, newStore Factory) {
	t.Run("CreateIfAbsent", func(t *testing.T) {
		s := newStore(t, NewClock().Now)
		ctx := context.Background()
		path := storage.SessionDocPath("u1", "s1")

		created, err := s.CreateIfAbsent(ctx, path, storage.Fields{"title": "first"})
		require.NoError(t, err)
		assert.True(t, created)

		created, err = s.CreateIfAbsent(ctx, path, storage.Fields{"title": "second"})
		require.NoError(t, err)
		assert.False(t, created)

		doc, err := s.Get(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, "first", doc.Fields.String("title"))
		assert.Equal(t, "users/u1/sessions", doc.Collection)
	})

	t.Run("PutKeepsCreatedAt", func(t *testing.T) {
		s := newStore(t, NewClock().Now)
		ctx := context.Background()
		path := storage.ItemDocPath("u1", "s1", "a1")

		require.NoError(t, s.Put(ctx, path, storage.Fields{"prompt": "v1"}))
		first, err := s.Get(ctx, path)
		require.NoError(t, err)

		require.NoError(t, s.Put(ctx, path, storage.Fields{"prompt": "v2"}))
		second, err := s.Get(ctx, path)
		require.NoError(t, err)

		assert.Equal(t, "v2", second.Fields.String("prompt"))
		assert.True(t, first.CreatedAt.Equal(second.CreatedAt))
		assert.True(t, second.UpdatedAt.After(first.UpdatedAt))

		docs, err := s.List(ctx, storage.ItemsCollection("u1", "s1"), storage.OrderNewestFirst)
		require.NoError(t, err)
		assert.Len(t, docs, 1)
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t, NewClock().Now)
		_, err := s.Get(context.Background(), "users/u1/sessions/none")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("InvalidPath", func(t *testing.T) {
		s := newStore(t, NewClock().Now)
		_, err := s.CreateIfAbsent(context.Background(), "../escape", nil)
		assert.ErrorIs(t, err, storage.ErrInvalidPath)
		assert.ErrorIs(t, s.Put(context.Background(), "single", nil), storage.ErrInvalidPath)
	})

	t.Run("ListOrder", func(t *testing.T) {
		s := newStore(t, NewClock().Now)
		ctx := context.Background()
		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, s.Put(ctx, storage.ItemDocPath("u1", "s1", id), storage.Fields{"id": id}))
		}
		require.NoError(t, s.Put(ctx, storage.ItemDocPath("u1", "other", "z"), storage.Fields{"id": "z"}))

		newest, err := s.List(ctx, storage.ItemsCollection("u1", "s1"), storage.OrderNewestFirst)
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "b", "a"}, ids(newest))

		oldest, err := s.List(ctx, storage.ItemsCollection("u1", "s1"), storage.OrderOldestFirst)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, ids(oldest))

		empty, err := s.List(ctx, storage.ItemsCollection("u1", "nobody"), storage.OrderNewestFirst)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("NestedFields", func(t *testing.T) {
		s := newStore(t, NewClock().Now)
		ctx := context.Background()
		path := storage.ItemDocPath("u1", "s1", "a1")

		require.NoError(t, s.Put(ctx, path, storage.Fields{
			"params": map[string]any{"seed": 3, "guidance_scale": 15.0},
		}))
		doc, err := s.Get(ctx, path)
		require.NoError(t, err)

		params, ok := doc.Fields["params"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, 3.0, params["seed"])
	})
}

func ids(docs []*storage.Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Fields.String("id"))
	}
	return out
}

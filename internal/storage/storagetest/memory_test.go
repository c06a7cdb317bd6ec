package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manash/gen3d/internal/storage"
)

func TestMemoryDocs_Conformance(t *testing.T) {
	RunDocumentStore(t, func(t *testing.T, now func() time.Time) storage.DocumentStore {
		return NewMemoryDocs().WithClock(now)
	})
}

func TestMemoryDocs_Err(t *testing.T) {
	m := NewMemoryDocs()
	boom := errors.New("boom")
	m.SetErr(boom)

	_, err := m.CreateIfAbsent(context.Background(), "a/b", nil)
	assert.ErrorIs(t, err, boom)
}

func TestMemoryBlobs(t *testing.T) {
	m := NewMemoryBlobs("https://blobs.test")
	ctx := context.Background()

	_, err := m.Upload(ctx, "models/a.glb", []byte("x"), "model/gltf-binary")
	require.NoError(t, err)

	u, err := m.PermanentURL(ctx, "models/a.glb")
	require.NoError(t, err)
	assert.Equal(t, "https://blobs.test/models/a.glb", u)

	_, err = m.PermanentURL(ctx, "models/b.glb")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, []string{"models/a.glb"}, m.Paths())
}

package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/manash/gen3d/internal/localstate"
	"github.com/manash/gen3d/internal/provider"
	"github.com/manash/gen3d/internal/provider/providertest"
	"github.com/manash/gen3d/internal/storage"
	"github.com/manash/gen3d/internal/storage/storagetest"
	"github.com/manash/gen3d/pkg/models"
)

type fixture struct {
	backend *providertest.Fake
	state   *localstate.Store
	docs    *storagetest.MemoryDocs
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		backend: providertest.NewFake("http://backend.test"),
		state:   localstate.NewStoreWithDir(t.TempDir()),
		docs:    storagetest.NewMemoryDocs(),
	}
	f.manager = NewManager(f.backend, f.state,
		WithDurableStorage(f.docs, storagetest.StaticIdentity{UID: "u1"}),
		WithLogger(zaptest.NewLogger(t)))
	return f
}

func (f *fixture) cachedID(t *testing.T) string {
	t.Helper()
	id, _, err := f.state.Get(localstate.KeySessionID)
	require.NoError(t, err)
	return id
}

func TestManager_EnsureSessionCreatesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.manager.EnsureSession(ctx, models.DefaultParams())
	require.NoError(t, err)
	second, err := f.manager.EnsureSession(ctx, models.DefaultParams())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.backend.Creates())
	assert.Equal(t, first, f.cachedID(t))
}

func TestManager_EnsureSessionUsesCachedID(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.state.Set(localstate.KeySessionID, "sess-123"))

	id, err := f.manager.EnsureSession(context.Background(), models.DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, "sess-123", id)
	assert.Equal(t, 0, f.backend.Creates())
}

func TestManager_EnsureSessionRegistersDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.manager.EnsureSession(ctx, models.Params{Seed: 2})
	require.NoError(t, err)

	doc, err := f.docs.Get(ctx, storage.SessionDocPath("u1", id))
	require.NoError(t, err)
	assert.Equal(t, models.DefaultSessionTitle, doc.Fields.String("title"))
	assert.Equal(t, id, doc.Fields.String("session_id"))

	defaults, ok := doc.Fields["defaults"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, models.Params{Seed: 2, GuidanceScale: 15, Steps: 64}, models.ParamsFromFields(defaults))
}

func TestManager_RegistrationDoesNotOverwrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.manager.StartNew(ctx, models.DefaultParams())
	require.NoError(t, err)

	path := storage.SessionDocPath("u1", id)
	require.NoError(t, f.docs.Put(ctx, path, storage.Fields{"title": "renamed"}))

	require.NoError(t, f.manager.register(ctx, id, models.DefaultParams()))
	doc, err := f.docs.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "renamed", doc.Fields.String("title"))
}

func TestManager_RecreateSessionReplacesID(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.state.Set(localstate.KeySessionID, "sess-123"))

	id, err := f.manager.RecreateSession(context.Background(), models.DefaultParams())
	require.NoError(t, err)

	assert.NotEqual(t, "sess-123", id)
	assert.Equal(t, id, f.cachedID(t))
	assert.Equal(t, 1, f.backend.Creates())
}

func TestManager_FailedCreateKeepsPreviousID(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.state.Set(localstate.KeySessionID, "sess-123"))
	f.backend.CreateErr = errors.New("connection refused")

	_, err := f.manager.RecreateSession(context.Background(), models.DefaultParams())
	require.Error(t, err)
	assert.Equal(t, "sess-123", f.cachedID(t))
}

func TestManager_FailedRegistrationKeepsPreviousID(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.state.Set(localstate.KeySessionID, "sess-123"))
	f.docs.SetErr(errors.New("storage offline"))

	_, err := f.manager.StartNew(context.Background(), models.DefaultParams())
	require.Error(t, err)
	assert.Equal(t, "sess-123", f.cachedID(t))
}

func TestManager_WithoutDurableStorage(t *testing.T) {
	backend := providertest.NewFake("http://backend.test")
	m := NewManager(backend, localstate.NewStoreWithDir(t.TempDir()), WithTitle("Workbench"))

	id, err := m.EnsureSession(context.Background(), models.DefaultParams())
	require.NoError(t, err)

	s, err := backend.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "Workbench", s.Title)

	list, err := m.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestManager_Restore(t *testing.T) {
	tests := []struct {
		name       string
		cached     string
		known      bool
		wantID     string
		wantActive bool
	}{
		{name: "no cached id"},
		{name: "known session", cached: "s1", known: true, wantID: "s1", wantActive: true},
		{name: "evicted session", cached: "s1", known: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.cached != "" {
				require.NoError(t, f.state.Set(localstate.KeySessionID, tt.cached))
			}
			if tt.known {
				f.backend.AddSession(tt.cached)
			}

			id, active, err := f.manager.Restore(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id)
			assert.Equal(t, tt.wantActive, active)
			assert.Equal(t, tt.wantID, f.cachedID(t))
		})
	}
}

type unreachable struct{ providertest.Fake }

func (u *unreachable) GetSession(ctx context.Context, id string) (*models.BackendSession, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func TestManager_RestoreKeepsIDOnTransportError(t *testing.T) {
	state := localstate.NewStoreWithDir(t.TempDir())
	require.NoError(t, state.Set(localstate.KeySessionID, "s1"))
	m := NewManager(&unreachable{}, state)

	id, active, err := m.Restore(context.Background())
	require.Error(t, err)
	assert.False(t, provider.IsSessionNotFound(err))
	assert.Equal(t, "s1", id)
	assert.True(t, active)
}

func TestManager_ForgetAndDetails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Details(ctx)
	assert.ErrorIs(t, err, ErrNoSession)

	id, err := f.manager.EnsureSession(ctx, models.DefaultParams())
	require.NoError(t, err)

	s, err := f.manager.Details(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, s.ID)

	require.NoError(t, f.manager.Forget())
	_, ok, err := f.manager.Current()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManager_ListSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.manager.StartNew(ctx, models.DefaultParams())
	require.NoError(t, err)
	second, err := f.manager.StartNew(ctx, models.DefaultParams())
	require.NoError(t, err)

	list, err := f.manager.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second, list[0].ID)
	assert.Equal(t, first, list[1].ID)
	assert.Equal(t, models.DefaultSessionTitle, list[0].Title)
}

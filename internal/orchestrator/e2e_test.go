package orchestrator_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/manash/gen3d/internal/asset"
	"github.com/manash/gen3d/internal/display"
	"github.com/manash/gen3d/internal/history"
	"github.com/manash/gen3d/internal/localstate"
	"github.com/manash/gen3d/internal/orchestrator"
	"github.com/manash/gen3d/internal/persist"
	"github.com/manash/gen3d/internal/provider"
	"github.com/manash/gen3d/internal/provider/shape"
	"github.com/manash/gen3d/internal/session"
	"github.com/manash/gen3d/internal/storage/fsblob"
	"github.com/manash/gen3d/internal/storage/identity"
	"github.com/manash/gen3d/internal/storage/sqlite"
	"github.com/manash/gen3d/pkg/models"
)

// bridge mimics the generation service: in-memory sessions that disappear
// on restart and relative asset URLs.
type bridge struct {
	mu       sync.Mutex
	sessions map[string][]string
	glb      []byte
	appends  int
	creates  int
}

func newBridge(t *testing.T) (*bridge, *httptest.Server) {
	t.Helper()
	glb, err := display.BuildGLB(map[string]any{
		"asset":  map[string]any{"version": "2.0", "generator": "shap-e"},
		"meshes": []any{map[string]any{}},
		"nodes":  []any{map[string]any{"mesh": 0}},
	}, []byte{0, 0, 128, 63})
	require.NoError(t, err)

	b := &bridge{sessions: make(map[string][]string), glb: glb}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /session/new", b.create)
	mux.HandleFunc("POST /session/append", b.append)
	mux.HandleFunc("GET /static/models/{file}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "model/gltf-binary")
		_, _ = w.Write(b.glb)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return b, srv
}

func (b *bridge) restart() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions = make(map[string][]string)
}

func (b *bridge) create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	b.mu.Lock()
	id := uuid.NewString()
	b.sessions[id] = nil
	b.creates++
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"id":         id,
		"title":      req.Title,
		"created_at": float64(time.Now().UnixNano()) / 1e9,
		"items":      []any{},
	})
}

func (b *bridge) append(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		Edit      string `json:"edit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": err.Error()})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.appends++
	items, ok := b.sessions[req.SessionID]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "Session not found"})
		return
	}
	id := uuid.NewString()
	b.sessions[req.SessionID] = append(items, id)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "url": "/static/models/" + id + ".glb"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	dir := t.TempDir()

	b, backendSrv := newBridge(t)

	blobs, err := fsblob.New(fsblob.Config{Root: filepath.Join(dir, "blobs")})
	require.NoError(t, err)
	blobSrv := httptest.NewServer(fsblob.Handler(blobs, logger))
	t.Cleanup(blobSrv.Close)
	blobs, err = fsblob.New(fsblob.Config{Root: blobs.Root(), PublicBaseURL: blobSrv.URL})
	require.NoError(t, err)

	docs, err := sqlite.NewStore(filepath.Join(dir, "gen3d.db"))
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })

	client, err := shape.New(&provider.Config{BaseURL: backendSrv.URL}, logger)
	require.NoError(t, err)

	state := localstate.NewStoreWithDir(filepath.Join(dir, "state"))
	ident := identity.NewAnonymous(state, logger)
	fetcher := asset.NewFetcher()
	sessions := session.NewManager(client, state, session.WithDurableStorage(docs, ident), session.WithLogger(logger))

	orch := orchestrator.New(orchestrator.Config{
		Backend:  client,
		Sessions: sessions,
		Viewer:   display.NewTerminalViewer(io.Discard, fetcher, display.WithLogger(logger)),
		Persister: persist.NewBridge(persist.Config{
			Identity:       ident,
			Blobs:          blobs,
			Docs:           docs,
			Fetcher:        fetcher,
			BackendBaseURL: client.BaseURL(),
			Logger:         logger,
		}),
		History: history.NewReconstructor(ident, docs),
		Logger:  logger,
	})

	params := models.ParseParams("7", "not-a-number", "32")

	out, err := orch.HandleInstruction(ctx, orchestrator.Instruction{Text: "a red dragon", Params: params})
	require.NoError(t, err)
	require.True(t, out.Persisted)
	assert.True(t, strings.HasPrefix(out.DownloadURL, blobSrv.URL+"/models/"))
	assert.True(t, strings.HasPrefix(out.Artifact.EphemeralURL, backendSrv.URL+"/static/models/"))
	assert.Equal(t, models.Params{Seed: 7, GuidanceScale: models.DefaultGuidanceScale, Steps: 32}, out.Artifact.Params)

	durable, err := fetcher.Fetch(ctx, out.DownloadURL)
	require.NoError(t, err)
	assert.Equal(t, b.glb, durable)

	first := out.Artifact.SessionID
	b.restart()

	out, err = orch.HandleInstruction(ctx, orchestrator.Instruction{Text: "give it wings", Params: params, Continue: true})
	require.NoError(t, err)
	require.Equal(t, orchestrator.OutcomeGenerated, out.Kind)
	require.NotNil(t, out.Artifact)
	assert.NotEqual(t, first, out.Artifact.SessionID)
	assert.Equal(t, 2, b.creates)
	assert.Equal(t, 3, b.appends)

	cached, ok, err := sessions.Current()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, out.Artifact.SessionID, cached)

	require.Len(t, out.History, 1)
	assert.Equal(t, "give it wings", out.History[0].Prompt)
	assert.Equal(t, out.DownloadURL, out.History[0].URL)

	out, err = orch.HandleInstruction(ctx, orchestrator.Instruction{Text: "rotate 90 deg x", Params: params, Continue: true})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeLocalEdit, out.Kind)
	assert.Equal(t, 90.0, orch.Transform().Rotation.X)
	assert.Nil(t, out.Artifact)
	assert.Equal(t, 2, b.creates)
	assert.Equal(t, 3, b.appends)

	list, err := sessions.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, cached, list[0].ID)
	assert.Equal(t, models.DefaultSessionTitle, list[1].Title)

	resp, err := http.Get(blobSrv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, fmt.Sprintf("blob server at %s", blobSrv.URL))
}

package repl

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manash/gen3d/internal/asset"
	"github.com/manash/gen3d/internal/display"
	"github.com/manash/gen3d/internal/history"
	"github.com/manash/gen3d/internal/localstate"
	"github.com/manash/gen3d/internal/orchestrator"
	"github.com/manash/gen3d/internal/persist"
	"github.com/manash/gen3d/internal/provider/providertest"
	"github.com/manash/gen3d/internal/session"
	"github.com/manash/gen3d/internal/storage/storagetest"
	"github.com/manash/gen3d/pkg/models"
)

type harness struct {
	repl     *REPL
	backend  *providertest.Fake
	sessions *session.Manager
	out      *bytes.Buffer
	errOut   *bytes.Buffer
}

func newHarness(t *testing.T, input string) *harness {
	t.Helper()

	glb, err := display.BuildGLB(map[string]any{
		"asset":  map[string]any{"version": "2.0"},
		"meshes": []any{map[string]any{}},
	}, nil)
	require.NoError(t, err)

	blobs := storagetest.NewMemoryBlobs("")
	mux := http.NewServeMux()
	mux.HandleFunc("GET /static/models/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(glb)
	})
	mux.HandleFunc("GET /blobs/", func(w http.ResponseWriter, r *http.Request) {
		data, _, ok := blobs.Object(strings.TrimPrefix(r.URL.Path, "/blobs/"))
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	blobs.BaseURL = srv.URL + "/blobs"

	identity := storagetest.StaticIdentity{UID: "u1"}
	docs := storagetest.NewMemoryDocs()
	fetcher := asset.NewFetcher()
	backend := providertest.NewFake(srv.URL)
	sessions := session.NewManager(backend, localstate.NewStoreWithDir(t.TempDir()),
		session.WithDurableStorage(docs, identity))

	orch := orchestrator.New(orchestrator.Config{
		Backend:  backend,
		Sessions: sessions,
		Viewer:   display.NewTerminalViewer(&bytes.Buffer{}, fetcher),
		Persister: persist.NewBridge(persist.Config{
			Identity:       identity,
			Blobs:          blobs,
			Docs:           docs,
			Fetcher:        fetcher,
			BackendBaseURL: srv.URL,
		}),
		History: history.NewReconstructor(identity, docs),
	})

	h := &harness{backend: backend, sessions: sessions, out: &bytes.Buffer{}, errOut: &bytes.Buffer{}}
	h.repl = New(&Config{
		In:           strings.NewReader(input),
		Out:          h.out,
		Err:          h.errOut,
		Orchestrator: orch,
		Sessions:     sessions,
		Saver:        asset.NewSaver(fetcher),
		Params:       models.DefaultParams(),
	})
	return h
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"help", []string{"help"}},
		{"save out.glb", []string{"save", "out.glb"}},
		{`image "my photo.png" a red chair`, []string{"image", "my photo.png", "a", "red", "chair"}},
		{"new 'a blue lamp'", []string{"new", "a blue lamp"}},
		{`new "it's fine"`, []string{"new", "it's fine"}},
		{"  spaced   out  ", []string{"spaced", "out"}},
		{"", nil},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, parseCommand(tt.input))
		})
	}
}

func TestRegisterCommands(t *testing.T) {
	h := newHarness(t, "")
	for _, name := range []string{"new", "n", "image", "img", "history", "h", "load", "save", "params", "session", "status", "help", "?", "quit", "exit", "q"} {
		assert.Contains(t, h.repl.commands, name)
	}
}

func TestExecute_InstructionThenLocalEdit(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()

	require.NoError(t, h.repl.execute(ctx, "a wooden chair"))
	assert.Contains(t, h.out.String(), "Download: ")
	assert.Contains(t, h.out.String(), "Done (saved to history)")
	assert.NotEmpty(t, h.repl.lastURL)
	assert.Equal(t, 1, h.backend.Creates())

	h.out.Reset()
	require.NoError(t, h.repl.execute(ctx, "make it 20% bigger"))
	assert.Equal(t, "Applied local edit\n", h.out.String())
	assert.Len(t, h.backend.Appends(), 1)
}

func TestExecute_UnknownCommand(t *testing.T) {
	h := newHarness(t, "")
	err := h.repl.execute(context.Background(), "/bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command: /bogus")
}

func TestParamsCommand(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()

	require.NoError(t, h.repl.execute(ctx, "/params seed=7 guidance=9.5 steps=32"))
	assert.Equal(t, models.Params{Seed: 7, GuidanceScale: 9.5, Steps: 32}, h.repl.params)
	assert.Contains(t, h.out.String(), "seed=7 guidance=9.5 steps=32")

	require.NoError(t, h.repl.execute(ctx, "/params steps=oops"))
	assert.Equal(t, models.DefaultParams().Steps, h.repl.params.Steps)

	assert.Error(t, h.repl.execute(ctx, "/params seed"))
	assert.Error(t, h.repl.execute(ctx, "/params color=red"))

	require.NoError(t, h.repl.execute(ctx, "rotate 90 degrees"))
	appends := h.backend.Appends()
	require.Len(t, appends, 1)
	assert.Equal(t, h.repl.params, appends[0].Params)
}

func TestHistoryAndLoad(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()

	require.NoError(t, h.repl.execute(ctx, "/history"))
	assert.Contains(t, h.out.String(), "No history yet.")

	require.NoError(t, h.repl.execute(ctx, "a chair"))
	require.NoError(t, h.repl.execute(ctx, "a table"))

	h.out.Reset()
	require.NoError(t, h.repl.execute(ctx, "/history"))
	out := h.out.String()
	assert.Contains(t, out, "[1]")
	assert.Contains(t, out, "a table")
	assert.Less(t, strings.Index(out, "a table"), strings.Index(out, "a chair"))

	h.repl.lastURL = ""
	require.NoError(t, h.repl.execute(ctx, "/load 2"))
	assert.NotEmpty(t, h.repl.lastURL)

	assert.Error(t, h.repl.execute(ctx, "/load 9"))
	assert.Error(t, h.repl.execute(ctx, "/load x"))
	assert.Error(t, h.repl.execute(ctx, "/load"))
}

func TestSaveCommand(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()

	err := h.repl.execute(ctx, "/save model.glb")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no model to save")

	require.NoError(t, h.repl.execute(ctx, "a chair"))

	t.Chdir(t.TempDir())
	require.NoError(t, h.repl.execute(ctx, "/save out/model.glb"))
	data, err := os.ReadFile(filepath.Join("out", "model.glb"))
	require.NoError(t, err)
	assert.Equal(t, []byte("glTF"), data[:4])

	assert.Error(t, h.repl.execute(ctx, "/save ../escape.glb"))
	assert.Error(t, h.repl.execute(ctx, "/save /tmp/abs.glb"))
}

func TestImageCommand(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "photo.png")
	require.NoError(t, os.WriteFile(path, []byte("\x89PNG fake"), 0644))

	require.NoError(t, h.repl.execute(ctx, "/image "+path))
	assert.Equal(t, 1, h.backend.ImageCalls)
	assert.Contains(t, h.out.String(), "Download: ")

	assert.Error(t, h.repl.execute(ctx, "/image"))
	assert.Error(t, h.repl.execute(ctx, "/image "+filepath.Join(t.TempDir(), "missing.png")))
}

func TestSessionCommands(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()

	assert.Error(t, h.repl.execute(ctx, "/session"))

	require.NoError(t, h.repl.execute(ctx, "a chair"))
	id, ok, err := h.sessions.Current()
	require.NoError(t, err)
	require.True(t, ok)

	h.out.Reset()
	require.NoError(t, h.repl.execute(ctx, "/session show"))
	assert.Contains(t, h.out.String(), "Session: "+id)
	assert.Contains(t, h.out.String(), "Edits:   1")

	h.out.Reset()
	require.NoError(t, h.repl.execute(ctx, "/session list"))
	assert.Contains(t, h.out.String(), "* "+id)

	require.NoError(t, h.repl.execute(ctx, "/session forget"))
	_, ok, err = h.sessions.Current()
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Error(t, h.repl.execute(ctx, "/session bogus"))
}

func TestNewCommand(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()

	require.NoError(t, h.repl.execute(ctx, "a chair"))
	first, _, _ := h.sessions.Current()

	require.NoError(t, h.repl.execute(ctx, "/new"))
	second, _, _ := h.sessions.Current()
	assert.NotEqual(t, first, second)
	assert.Empty(t, h.repl.lastURL)
	assert.Contains(t, h.out.String(), "Started session "+second)

	require.NoError(t, h.repl.execute(ctx, "/new a blue lamp"))
	third, _, _ := h.sessions.Current()
	assert.NotEqual(t, second, third)
	assert.Equal(t, 3, h.backend.Creates())
}

func TestStatusCommand(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()

	require.NoError(t, h.repl.execute(ctx, "/status"))
	assert.Contains(t, h.out.String(), "Status:    Idle")
	assert.Contains(t, h.out.String(), "Transform: scale 1.00, rotation x=0 y=0 z=0, color #ffffff")
}

func TestRun(t *testing.T) {
	h := newHarness(t, "/help\n\na chair\n/quit\na table\n")

	require.NoError(t, h.repl.Run(context.Background()))

	out := h.out.String()
	assert.Contains(t, out, "gen3d interactive mode")
	assert.Contains(t, out, "Available commands:")
	assert.Contains(t, out, "gen3d [")
	assert.Contains(t, out, "Goodbye!")
	assert.False(t, h.repl.running)
	assert.Equal(t, 1, h.backend.Creates())
	assert.Empty(t, h.errOut.String())
}

func TestRun_ReportsErrors(t *testing.T) {
	h := newHarness(t, "/load 1\n")

	require.NoError(t, h.repl.Run(context.Background()))
	assert.Contains(t, h.errOut.String(), "Error: history number out of range")
}

func TestRun_ContinuesRestoredSession(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.sessions.EnsureSession(context.Background(), models.DefaultParams())
	require.NoError(t, err)
	id, _, _ := h.sessions.Current()

	require.NoError(t, h.repl.Run(context.Background()))
	assert.Contains(t, h.out.String(), "Continuing session "+id)
	assert.Contains(t, h.out.String(), "gen3d ["+shortID(id)+"]> ")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

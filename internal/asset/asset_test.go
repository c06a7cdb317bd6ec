package asset

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manash/gen3d/internal/security"
	"github.com/manash/gen3d/pkg/models"
)

func assetServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/static/models/ok.glb", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", models.GLBContentType)
		_, _ = io.WriteString(w, "glTF-data")
	})
	mux.HandleFunc("/static/models/big.glb", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 64))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetcher_Fetch(t *testing.T) {
	srv := assetServer(t)

	data, err := NewFetcher().Fetch(context.Background(), srv.URL+"/static/models/ok.glb")
	require.NoError(t, err)
	assert.Equal(t, "glTF-data", string(data))
}

func TestFetcher_StatusError(t *testing.T) {
	srv := assetServer(t)
	target := srv.URL + "/static/models/missing.glb"

	_, err := NewFetcher().Fetch(context.Background(), target)
	require.Error(t, err)

	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, http.StatusNotFound, fe.StatusCode)
	assert.Equal(t, target, fe.URL)
	assert.Contains(t, err.Error(), "status 404")
}

func TestFetcher_TooLarge(t *testing.T) {
	srv := assetServer(t)

	_, err := NewFetcher(WithMaxBytes(16)).Fetch(context.Background(), srv.URL+"/static/models/big.glb")
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestFetcher_Policy(t *testing.T) {
	srv := assetServer(t)

	strict := &security.URLPolicy{Strict: true}
	_, err := NewFetcher(WithPolicy(strict)).Fetch(context.Background(), srv.URL+"/static/models/ok.glb")
	assert.ErrorIs(t, err, security.ErrUntrustedHost)

	trusted := &security.URLPolicy{Strict: true}
	trusted.TrustURL(srv.URL)
	_, err = NewFetcher(WithPolicy(trusted)).Fetch(context.Background(), srv.URL+"/static/models/ok.glb")
	assert.NoError(t, err)
}

func TestFetcher_FileURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.glb")
	require.NoError(t, os.WriteFile(path, []byte("local"), 0644))
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}

	data, err := NewFetcher().Fetch(context.Background(), u.String())
	require.NoError(t, err)
	assert.Equal(t, "local", string(data))
}

func TestFetcher_ContextCanceled(t *testing.T) {
	srv := assetServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewFetcher().Fetch(ctx, srv.URL+"/static/models/ok.glb")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetcher_ContextBoundsRequest(t *testing.T) {
	assert.Zero(t, NewFetcher().httpClient.Timeout)

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		_, _ = w.Write([]byte("late"))
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewFetcher().Fetch(ctx, srv.URL+"/static/models/slow.glb")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSaver_Save(t *testing.T) {
	srv := assetServer(t)
	path := filepath.Join(t.TempDir(), "nested", "dir", "out.glb")

	require.NoError(t, NewSaver(nil).Save(context.Background(), srv.URL+"/static/models/ok.glb", path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "glTF-data", string(data))
}

func TestSaver_SaveBatch(t *testing.T) {
	srv := assetServer(t)
	dir := t.TempDir()
	items := []models.BatchItem{
		{Seed: 0, URL: srv.URL + "/static/models/ok.glb"},
		{Seed: 7, URL: srv.URL + "/static/models/ok.glb"},
	}

	paths, err := NewSaver(nil).SaveBatch(context.Background(), items, filepath.Join(dir, "lamp.glb"))
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "lamp-seed0.glb"),
		filepath.Join(dir, "lamp-seed7.glb"),
	}, paths)
}

func TestSaver_SaveBatchPartialFailure(t *testing.T) {
	srv := assetServer(t)
	dir := t.TempDir()
	items := []models.BatchItem{
		{Seed: 0, URL: srv.URL + "/static/models/ok.glb"},
		{Seed: 1, URL: srv.URL + "/static/models/gone.glb"},
	}

	paths, err := NewSaver(nil).SaveBatch(context.Background(), items, filepath.Join(dir, "lamp"))
	require.Error(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "lamp-seed0.glb")}, paths)
}

func TestGenerateFilename(t *testing.T) {
	ts := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	assert.Equal(t, "model-20250304-050607.glb", GenerateFilename(0, models.FormatGLB, ts))
	assert.Equal(t, "model-20250304-050607-3.ply", GenerateFilename(2, models.FormatPLY, ts))
}

package fsblob

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/manash/gen3d/internal/storage"
)

// Handler serves stored blobs at GET /{path}.
func Handler(s *Store, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "blob_server"))

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := chi.URLParam(r, "*")

		data, contentType, err := s.Open(path)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			http.NotFound(w, r)
			return
		case errors.Is(err, storage.ErrInvalidPath):
			http.Error(w, "invalid path", http.StatusBadRequest)
			return
		case err != nil:
			logger.Error("failed to read blob", zap.String("path", path), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		_, _ = w.Write(data)

		logger.Debug("served blob",
			zap.String("path", path),
			zap.Int("bytes", len(data)),
			zap.Duration("elapsed", time.Since(start)))
	})
	return r
}

// cors lets browser based viewers fetch assets from the blob server.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

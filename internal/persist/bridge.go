// Package persist rehosts generated assets from the backend's short-lived
// URLs into durable blob storage and records their metadata.
package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/manash/gen3d/internal/asset"
	"github.com/manash/gen3d/internal/provider"
	"github.com/manash/gen3d/internal/storage"
	"github.com/manash/gen3d/pkg/models"
)

var ErrPersistence = errors.New("failed to persist artifact")

// Item document fields.
const (
	FieldPrompt      = "prompt"
	FieldParams      = "params"
	FieldBackendURL  = "backend_url"
	FieldStoragePath = "storage_path"
	FieldStorageURL  = "storage_url"
	FieldCreatedAt   = "created_at"
)

type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

type Request struct {
	SessionID    string
	ArtifactID   string
	Prompt       string
	Params       models.Params
	EphemeralURL string
}

type Bridge struct {
	identity storage.Identity
	blobs    storage.BlobStore
	docs     storage.DocumentStore
	fetcher  Fetcher
	baseURL  string
	logger   *zap.Logger
	now      func() time.Time
}

type Config struct {
	Identity storage.Identity
	Blobs    storage.BlobStore
	Docs     storage.DocumentStore
	Fetcher  Fetcher
	// BackendBaseURL resolves relative ephemeral URLs.
	BackendBaseURL string
	Logger         *zap.Logger
}

func NewBridge(cfg Config) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = asset.NewFetcher()
	}
	return &Bridge{
		identity: cfg.Identity,
		blobs:    cfg.Blobs,
		docs:     cfg.Docs,
		fetcher:  fetcher,
		baseURL:  cfg.BackendBaseURL,
		logger:   logger.With(zap.String("component", "persistence_bridge")),
		now:      time.Now,
	}
}

// Persist copies the artifact at req.EphemeralURL to its deterministic blob
// path and writes its metadata document. Each step depends on the previous
// one; any failure is returned wrapped in ErrPersistence.
func (b *Bridge) Persist(ctx context.Context, req Request) (*models.Artifact, error) {
	art, err := b.persist(ctx, req)
	if err != nil {
		b.logger.Warn("persistence failed",
			zap.String("session_id", req.SessionID),
			zap.String("artifact_id", req.ArtifactID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	b.logger.Info("artifact persisted",
		zap.String("session_id", art.SessionID),
		zap.String("artifact_id", art.ID),
		zap.String("storage_path", art.StoragePath))
	return art, nil
}

func (b *Bridge) persist(ctx context.Context, req Request) (*models.Artifact, error) {
	if req.SessionID == "" {
		return nil, models.ErrNoSessionID
	}
	if req.ArtifactID == "" {
		return nil, models.ErrNoArtifactID
	}

	src, err := provider.ResolveURL(b.baseURL, req.EphemeralURL)
	if err != nil {
		return nil, err
	}

	data, err := b.fetcher.Fetch(ctx, src)
	if err != nil {
		return nil, err
	}

	principal, err := b.identity.EnsureIdentity(ctx)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	blobPath := storage.ModelBlobPath(principal.UID, req.SessionID, req.ArtifactID)

	if _, err := b.blobs.Upload(ctx, blobPath, data, models.GLBContentType); err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	durable, err := b.blobs.PermanentURL(ctx, blobPath)
	if err != nil {
		return nil, fmt.Errorf("permanent url: %w", err)
	}

	params := req.Params.Normalize()
	now := b.now().UTC()
	docPath := storage.ItemDocPath(principal.UID, req.SessionID, req.ArtifactID)
	err = b.docs.Put(ctx, docPath, storage.Fields{
		FieldPrompt:      req.Prompt,
		FieldParams:      params.Fields(),
		FieldBackendURL:  src,
		FieldStoragePath: blobPath,
		FieldStorageURL:  durable,
		FieldCreatedAt:   now.Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}

	return &models.Artifact{
		ID:           req.ArtifactID,
		SessionID:    req.SessionID,
		Prompt:       req.Prompt,
		Params:       params,
		EphemeralURL: src,
		StoragePath:  blobPath,
		DurableURL:   durable,
		CreatedAt:    now,
	}, nil
}

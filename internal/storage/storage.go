// Package storage defines the durable storage contracts used to persist
// generated artifacts: a document store for metadata, a blob store for
// asset bytes and an identity provider for the storage principal.
package storage

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"

	"github.com/manash/gen3d/internal/security"
)

var (
	ErrNotFound     = errors.New("document not found")
	ErrInvalidPath  = errors.New("invalid document path")
	ErrEmptyContent = errors.New("blob content is empty")
)

// Fields is the JSON shaped body of a document.
type Fields map[string]any

// String returns the string field named key, or "" when it is absent or not
// a string.
func (f Fields) String(key string) string {
	s, _ := f[key].(string)
	return s
}

type Document struct {
	Path       string
	Collection string
	Fields     Fields
	// CreatedAt is assigned by the store on first write and never changes.
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Order int

const (
	OrderNewestFirst Order = iota
	OrderOldestFirst
)

// DocumentStore is a hierarchical document database. A document path is a
// slash separated list of segments; its collection is the parent path.
type DocumentStore interface {
	// CreateIfAbsent writes fields only when path has no document yet.
	CreateIfAbsent(ctx context.Context, path string, fields Fields) (bool, error)
	// Put creates or replaces the fields at path, keeping the original
	// creation time.
	Put(ctx context.Context, path string, fields Fields) error
	Get(ctx context.Context, path string) (*Document, error)
	List(ctx context.Context, collection string, order Order) ([]*Document, error)
	Close() error
}

type Blob struct {
	Path        string
	ContentType string
	Size        int64
}

type BlobStore interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) (*Blob, error)
	PermanentURL(ctx context.Context, path string) (string, error)
}

// Principal is the identity under which artifacts are stored.
type Principal struct {
	UID string
}

type Identity interface {
	EnsureIdentity(ctx context.Context) (Principal, error)
}

// SessionsCollection holds the registration documents of a principal.
func SessionsCollection(uid string) string {
	return path.Join("users", security.SanitizeSegment(uid), "sessions")
}

// SessionDocPath is the registration document of a backend session.
func SessionDocPath(uid, sessionID string) string {
	return path.Join(SessionsCollection(uid), security.SanitizeSegment(sessionID))
}

// ItemsCollection holds one metadata document per persisted artifact.
func ItemsCollection(uid, sessionID string) string {
	return path.Join(SessionDocPath(uid, sessionID), "items")
}

func ItemDocPath(uid, sessionID, artifactID string) string {
	return path.Join(ItemsCollection(uid, sessionID), security.SanitizeSegment(artifactID))
}

// ModelBlobPath is the durable location of an artifact's bytes. It depends
// only on its inputs, so persisting the same artifact twice overwrites the
// same object.
func ModelBlobPath(uid, sessionID, artifactID string) string {
	return path.Join("models", security.SanitizeSegment(uid), security.SanitizeSegment(sessionID),
		security.SanitizeSegment(artifactID)+".glb")
}

// CollectionOf returns the parent collection of a document path.
func CollectionOf(docPath string) (string, error) {
	if err := ValidatePath(docPath); err != nil {
		return "", err
	}
	i := strings.LastIndex(docPath, "/")
	if i <= 0 {
		return "", ErrInvalidPath
	}
	return docPath[:i], nil
}

func ValidatePath(p string) error {
	if err := security.ValidateBlobPath(p); err != nil {
		return errors.Join(ErrInvalidPath, err)
	}
	return nil
}

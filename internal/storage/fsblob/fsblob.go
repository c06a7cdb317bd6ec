// Package fsblob is a filesystem storage.BlobStore. Objects live under a root
// directory with their content type in a side-car file, and Handler serves
// them over HTTP so permanent URLs can point at a local blob server.
package fsblob

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/manash/gen3d/internal/storage"
)

const (
	contentTypeSuffix  = ".content-type"
	defaultContentType = "application/octet-stream"
)

type Config struct {
	Root string
	// PublicBaseURL is the address Handler is reachable at. When empty,
	// permanent URLs are file:// URLs.
	PublicBaseURL string
}

type Store struct {
	root    string
	baseURL string
}

var _ storage.BlobStore = (*Store)(nil)

func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("blob root directory is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve blob root: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &Store{
		root:    root,
		baseURL: strings.TrimSuffix(cfg.PublicBaseURL, "/"),
	}, nil
}

func (s *Store) Root() string {
	return s.root
}

// Upload writes data at path, replacing any previous object.
func (s *Store) Upload(ctx context.Context, path string, data []byte, contentType string) (*storage.Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, storage.ErrEmptyContent
	}
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = defaultContentType
	}

	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	if err := writeFileAtomic(full, data); err != nil {
		return nil, fmt.Errorf("failed to write blob %s: %w", path, err)
	}
	if err := writeFileAtomic(full+contentTypeSuffix, []byte(contentType)); err != nil {
		return nil, fmt.Errorf("failed to write blob metadata %s: %w", path, err)
	}

	return &storage.Blob{Path: path, ContentType: contentType, Size: int64(len(data))}, nil
}

func (s *Store) PermanentURL(ctx context.Context, path string) (string, error) {
	full, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: blob %s", storage.ErrNotFound, path)
		}
		return "", err
	}

	if s.baseURL != "" {
		return s.baseURL + "/" + escapePath(path), nil
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(full)}
	return u.String(), nil
}

// Open returns the bytes and content type stored at path.
func (s *Store) Open(path string) ([]byte, string, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", fmt.Errorf("%w: blob %s", storage.ErrNotFound, path)
		}
		return nil, "", err
	}
	contentType := defaultContentType
	if ct, err := os.ReadFile(full + contentTypeSuffix); err == nil && len(ct) > 0 {
		contentType = string(ct)
	}
	return data, contentType, nil
}

func (s *Store) resolve(path string) (string, error) {
	if err := storage.ValidatePath(path); err != nil {
		return "", err
	}
	if strings.HasSuffix(path, contentTypeSuffix) {
		return "", fmt.Errorf("%w: reserved suffix", storage.ErrInvalidPath)
	}
	return filepath.Join(s.root, filepath.FromSlash(path)), nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

package provider

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/manash/gen3d/pkg/models"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrGenerationFailed = errors.New("3D generation failed")
	ErrBaseURLRequired  = errors.New("backend base URL is required")
	ErrInvalidResponse  = errors.New("invalid backend response")
)

// Backend is the remote generation service.
type Backend interface {
	CreateSession(ctx context.Context, title string, params models.Params) (*models.BackendSession, error)
	// AppendEdit fails with ErrSessionNotFound when sessionID is unknown.
	AppendEdit(ctx context.Context, sessionID, instruction string, params models.Params) (*models.GenerationResult, error)
	GetSession(ctx context.Context, sessionID string) (*models.BackendSession, error)
	Generate(ctx context.Context, prompt string, params models.Params) (*models.GenerationResult, error)
	GenerateBatch(ctx context.Context, prompt string, seeds []int, params models.Params) ([]models.BatchItem, error)
	ImageTo3D(ctx context.Context, image []byte, params models.Params) (*models.GenerationResult, error)
	Health(ctx context.Context) error
}

type Config struct {
	BaseURL string
	// TimeoutSec of 0 leaves requests bounded only by the caller's context.
	TimeoutSec int
	Verbose    bool
}

// APIError is a non-2xx backend response.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s: backend returned status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: backend returned status %d: %s", e.Op, e.StatusCode, body)
}

// IsSessionNotFound reports whether err signals that the backend lost the
// session.
func IsSessionNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound)
}

// ResolveURL makes a backend-returned URL absolute. Relative paths are
// joined onto base.
func ResolveURL(base, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty url", ErrInvalidResponse)
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref, nil
	}

	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", base, err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: invalid url %q", ErrInvalidResponse, ref)
	}
	if !strings.HasPrefix(r.Path, "/") {
		r.Path = "/" + r.Path
	}
	b.Path = strings.TrimSuffix(b.Path, "/") + r.Path
	b.RawQuery = r.RawQuery
	b.Fragment = ""
	return b.String(), nil
}

// Package asset downloads generated 3D assets and writes them to disk.
package asset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/manash/gen3d/internal/security"
)

const defaultMaxBytes = 256 << 20

var ErrTooLarge = errors.New("asset exceeds size limit")

// FetchError reports a failed download. StatusCode is 0 when no HTTP
// response was received.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("failed to fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("failed to fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

type Fetcher struct {
	httpClient *http.Client
	policy     *security.URLPolicy
	maxBytes   int64
}

type FetcherOption func(*Fetcher)

// WithPolicy rejects URLs the policy does not allow before any request is
// made.
func WithPolicy(p *security.URLPolicy) FetcherOption {
	return func(f *Fetcher) { f.policy = p }
}

func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) { f.httpClient = c }
}

func WithMaxBytes(n int64) FetcherOption {
	return func(f *Fetcher) { f.maxBytes = n }
}

// NewFetcher sets no deadline of its own; requests end when ctx does.
func NewFetcher(opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		httpClient: &http.Client{},
		maxBytes:   defaultMaxBytes,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns the bytes at rawURL. http(s) and file URLs are supported.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if f.policy != nil {
		if err := f.policy.Validate(rawURL); err != nil {
			return nil, &FetchError{URL: rawURL, Err: err}
		}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	if u.Scheme == "file" {
		return f.readFile(u.Path, rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	if int64(len(data)) > f.maxBytes {
		return nil, &FetchError{URL: rawURL, Err: ErrTooLarge}
	}
	return data, nil
}

func (f *Fetcher) readFile(path, rawURL string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	if info.Size() > f.maxBytes {
		return nil, &FetchError{URL: rawURL, Err: ErrTooLarge}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	return data, nil
}

package storagetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/manash/gen3d/internal/storage"
)

// MemoryDocs is an in-memory storage.DocumentStore. Fields are round-tripped
// through JSON so values read back look like those of the real stores.
type MemoryDocs struct {
	mu   sync.Mutex
	docs map[string]*storage.Document
	seq  map[string]int
	next int
	now  func() time.Time

	// Err, when set, is returned by every call.
	Err error
}

var _ storage.DocumentStore = (*MemoryDocs)(nil)

func NewMemoryDocs() *MemoryDocs {
	return &MemoryDocs{
		docs: make(map[string]*storage.Document),
		seq:  make(map[string]int),
		now:  NewClock().Now,
	}
}

// WithClock replaces the time source and returns m.
func (m *MemoryDocs) WithClock(now func() time.Time) *MemoryDocs {
	m.now = now
	return m
}

func (m *MemoryDocs) SetErr(err error) {
	m.mu.Lock()
	m.Err = err
	m.mu.Unlock()
}

func (m *MemoryDocs) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

func (m *MemoryDocs) CreateIfAbsent(ctx context.Context, path string, fields storage.Fields) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	if _, ok := m.docs[path]; ok {
		return false, nil
	}
	if err := m.write(path, fields); err != nil {
		return false, err
	}
	return true, nil
}

func (m *MemoryDocs) Put(ctx context.Context, path string, fields storage.Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	return m.write(path, fields)
}

func (m *MemoryDocs) write(path string, fields storage.Fields) error {
	collection, err := storage.CollectionOf(path)
	if err != nil {
		return err
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	var decoded storage.Fields
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}

	now := m.now()
	if existing, ok := m.docs[path]; ok {
		existing.Fields = decoded
		existing.UpdatedAt = now
		return nil
	}
	m.next++
	m.seq[path] = m.next
	m.docs[path] = &storage.Document{
		Path:       path,
		Collection: collection,
		Fields:     decoded,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return nil
}

func (m *MemoryDocs) Get(ctx context.Context, path string) (*storage.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	d, ok := m.docs[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, path)
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryDocs) List(ctx context.Context, collection string, order storage.Order) ([]*storage.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []*storage.Document
	for _, d := range m.docs {
		if d.Collection == collection {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := m.seq[out[i].Path], m.seq[out[j].Path]
		if order == storage.OrderOldestFirst {
			return a < b
		}
		return a > b
	})
	return out, nil
}

func (m *MemoryDocs) Close() error {
	return nil
}

// MemoryBlobs is an in-memory storage.BlobStore with URLs under BaseURL.
type MemoryBlobs struct {
	BaseURL string

	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	uploads int

	// UploadErr, when set, fails every upload.
	UploadErr error
}

var _ storage.BlobStore = (*MemoryBlobs)(nil)

func NewMemoryBlobs(baseURL string) *MemoryBlobs {
	return &MemoryBlobs{
		BaseURL: baseURL,
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

func (m *MemoryBlobs) Upload(ctx context.Context, path string, data []byte, contentType string) (*storage.Blob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads++
	if m.UploadErr != nil {
		return nil, m.UploadErr
	}
	if len(data) == 0 {
		return nil, storage.ErrEmptyContent
	}
	m.objects[path] = append([]byte(nil), data...)
	m.types[path] = contentType
	return &storage.Blob{Path: path, ContentType: contentType, Size: int64(len(data))}, nil
}

func (m *MemoryBlobs) PermanentURL(ctx context.Context, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[path]; !ok {
		return "", fmt.Errorf("%w: blob %s", storage.ErrNotFound, path)
	}
	return m.BaseURL + "/" + path, nil
}

// Object returns the stored bytes and content type at path.
func (m *MemoryBlobs) Object(path string) ([]byte, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[path]
	return data, m.types[path], ok
}

func (m *MemoryBlobs) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for p := range m.objects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (m *MemoryBlobs) Uploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads
}

// StaticIdentity always returns the same principal.
type StaticIdentity struct {
	UID string
	Err error
}

func (s StaticIdentity) EnsureIdentity(ctx context.Context) (storage.Principal, error) {
	if s.Err != nil {
		return storage.Principal{}, s.Err
	}
	return storage.Principal{UID: s.UID}, nil
}

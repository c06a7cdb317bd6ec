// Package providertest provides an in-memory provider.Backend for tests.
package providertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/manash/gen3d/internal/provider"
	"github.com/manash/gen3d/pkg/models"
)

type AppendCall struct {
	SessionID   string
	Instruction string
	Params      models.Params
}

// Fake behaves like the generation bridge: sessions live in memory, appends
// to unknown sessions fail with provider.ErrSessionNotFound, and every
// generated asset gets URL AssetBase + "/static/models/{id}.glb".
type Fake struct {
	AssetBase string

	mu       sync.Mutex
	sessions map[string]*models.BackendSession

	CreateErr   error
	GenerateErr error
	// AppendErrs are returned, in order, by the next AppendEdit calls before
	// normal behavior resumes.
	AppendErrs []error

	CreateCalls   int
	AppendCalls   []AppendCall
	GenerateCalls int
	BatchCalls    int
	ImageCalls    int
}

var _ provider.Backend = (*Fake)(nil)

func NewFake(assetBase string) *Fake {
	return &Fake{AssetBase: assetBase, sessions: make(map[string]*models.BackendSession)}
}

// AddSession registers a session id as known to the backend.
func (f *Fake) AddSession(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id] = &models.BackendSession{ID: id, Title: models.DefaultSessionTitle, CreatedAt: time.Now()}
}

// Evict drops a session, as the real bridge does when it restarts.
func (f *Fake) Evict(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
}

func (f *Fake) HasSession(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[id]
	return ok
}

func (f *Fake) Appends() []AppendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]AppendCall(nil), f.AppendCalls...)
}

func (f *Fake) Creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.CreateCalls
}

func (f *Fake) CreateSession(ctx context.Context, title string, params models.Params) (*models.BackendSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreateCalls++
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	s := &models.BackendSession{ID: uuid.NewString(), Title: title, CreatedAt: time.Now()}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *Fake) AppendEdit(ctx context.Context, sessionID, instruction string, params models.Params) (*models.GenerationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AppendCalls = append(f.AppendCalls, AppendCall{SessionID: sessionID, Instruction: instruction, Params: params})

	if len(f.AppendErrs) > 0 {
		err := f.AppendErrs[0]
		f.AppendErrs = f.AppendErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %w", provider.ErrSessionNotFound,
			&provider.APIError{Op: "append edit", StatusCode: 404, Body: "Session not found"})
	}
	res := f.result()
	s.Items = append(s.Items, models.SessionItem{ID: res.ID, Prompt: instruction, Params: params, URL: res.URL, CreatedAt: time.Now()})
	return res, nil
}

func (f *Fake) GetSession(ctx context.Context, sessionID string) (*models.BackendSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %w", provider.ErrSessionNotFound,
			&provider.APIError{Op: "get session", StatusCode: 404, Body: "Session not found"})
	}
	cp := *s
	cp.Items = append([]models.SessionItem(nil), s.Items...)
	return &cp, nil
}

func (f *Fake) Generate(ctx context.Context, prompt string, params models.Params) (*models.GenerationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GenerateCalls++
	if f.GenerateErr != nil {
		return nil, f.GenerateErr
	}
	return f.result(), nil
}

func (f *Fake) GenerateBatch(ctx context.Context, prompt string, seeds []int, params models.Params) ([]models.BatchItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.BatchCalls++
	if f.GenerateErr != nil {
		return nil, f.GenerateErr
	}
	if len(seeds) == 0 {
		seeds = []int{0, 1, 2}
	}
	items := make([]models.BatchItem, 0, len(seeds))
	for _, seed := range seeds {
		items = append(items, models.BatchItem{Seed: seed, URL: f.result().URL})
	}
	return items, nil
}

func (f *Fake) ImageTo3D(ctx context.Context, image []byte, params models.Params) (*models.GenerationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ImageCalls++
	if len(image) == 0 {
		return nil, models.ErrNoImageData
	}
	if f.GenerateErr != nil {
		return nil, f.GenerateErr
	}
	return f.result(), nil
}

func (f *Fake) Health(ctx context.Context) error {
	return nil
}

func (f *Fake) result() *models.GenerationResult {
	id := uuid.NewString()
	return &models.GenerationResult{ID: id, URL: f.AssetBase + "/static/models/" + id + ".glb"}
}

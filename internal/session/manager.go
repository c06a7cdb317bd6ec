// Package session owns the active backend session identifier. The Manager is
// the only component that reads or writes it in local state.
package session

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/manash/gen3d/internal/localstate"
	"github.com/manash/gen3d/internal/provider"
	"github.com/manash/gen3d/internal/storage"
	"github.com/manash/gen3d/pkg/models"
)

var ErrNoSession = errors.New("no active session")

// Backend is the part of provider.Backend that manages sessions.
type Backend interface {
	CreateSession(ctx context.Context, title string, params models.Params) (*models.BackendSession, error)
	GetSession(ctx context.Context, sessionID string) (*models.BackendSession, error)
}

// LocalState persists the cached session id across runs.
type LocalState interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
}

type Summary struct {
	ID        string
	Title     string
	CreatedAt time.Time
}

type Manager struct {
	backend  Backend
	state    LocalState
	docs     storage.DocumentStore
	identity storage.Identity
	title    string
	logger   *zap.Logger

	mu sync.Mutex
}

type Option func(*Manager)

// WithDurableStorage registers a companion document for every session the
// manager creates.
func WithDurableStorage(docs storage.DocumentStore, identity storage.Identity) Option {
	return func(m *Manager) {
		m.docs = docs
		m.identity = identity
	}
}

func WithTitle(title string) Option {
	return func(m *Manager) {
		if title != "" {
			m.title = title
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func NewManager(backend Backend, state LocalState, opts ...Option) *Manager {
	m := &Manager{
		backend: backend,
		state:   state,
		title:   models.DefaultSessionTitle,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "session_manager"))
	return m
}

// Current returns the cached session id without contacting the backend.
func (m *Manager) Current() (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cached()
}

// EnsureSession returns the cached session id, creating and caching a new
// backend session when there is none.
func (m *Manager) EnsureSession(ctx context.Context, params models.Params) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok, err := m.cached()
	if err != nil {
		return "", err
	}
	if ok {
		return id, nil
	}
	return m.create(ctx, params)
}

// RecreateSession unconditionally replaces the cached id with a fresh
// backend session. It is used after the backend reports the cached session
// as missing.
func (m *Manager) RecreateSession(ctx context.Context, params models.Params) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, _, _ := m.cached()
	id, err := m.create(ctx, params)
	if err != nil {
		return "", err
	}
	m.logger.Info("session recreated", zap.String("old_session_id", old), zap.String("session_id", id))
	return id, nil
}

// StartNew begins a new conversation regardless of the cached id.
func (m *Manager) StartNew(ctx context.Context, params models.Params) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.create(ctx, params)
}

// Restore checks the cached id against the backend and forgets it when the
// backend no longer knows it. Transport errors keep the cached id.
func (m *Manager) Restore(ctx context.Context) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok, err := m.cached()
	if err != nil || !ok {
		return "", false, err
	}

	if _, err := m.backend.GetSession(ctx, id); err != nil {
		if provider.IsSessionNotFound(err) {
			m.logger.Info("cached session no longer exists", zap.String("session_id", id))
			if err := m.state.Delete(localstate.KeySessionID); err != nil {
				return "", false, fmt.Errorf("failed to clear session: %w", err)
			}
			return "", false, nil
		}
		return id, true, fmt.Errorf("failed to verify session %s: %w", id, err)
	}
	return id, true, nil
}

func (m *Manager) Forget() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.state.Delete(localstate.KeySessionID); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// Details fetches the active session from the backend.
func (m *Manager) Details(ctx context.Context) (*models.BackendSession, error) {
	id, ok, err := m.Current()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoSession
	}
	return m.backend.GetSession(ctx, id)
}

// ListSessions returns the registered sessions of the current principal,
// newest first. Without durable storage the list is empty.
func (m *Manager) ListSessions(ctx context.Context) ([]Summary, error) {
	if m.docs == nil || m.identity == nil {
		return nil, nil
	}
	principal, err := m.identity.EnsureIdentity(ctx)
	if err != nil {
		return nil, err
	}
	docs, err := m.docs.List(ctx, storage.SessionsCollection(principal.UID), storage.OrderNewestFirst)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	out := make([]Summary, 0, len(docs))
	for _, d := range docs {
		id := d.Fields.String("session_id")
		if id == "" {
			id = path.Base(d.Path)
		}
		out = append(out, Summary{ID: id, Title: d.Fields.String("title"), CreatedAt: d.CreatedAt})
	}
	return out, nil
}

func (m *Manager) cached() (string, bool, error) {
	id, ok, err := m.state.Get(localstate.KeySessionID)
	if err != nil {
		return "", false, fmt.Errorf("failed to read session: %w", err)
	}
	return id, ok && id != "", nil
}

// create makes a backend session, registers it and only then caches the id,
// so a failure leaves the previous id in place. Callers hold m.mu.
func (m *Manager) create(ctx context.Context, params models.Params) (string, error) {
	params = params.Normalize()

	sess, err := m.backend.CreateSession(ctx, m.title, params)
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	if err := m.register(ctx, sess.ID, params); err != nil {
		return "", fmt.Errorf("failed to register session %s: %w", sess.ID, err)
	}
	if err := m.state.Set(localstate.KeySessionID, sess.ID); err != nil {
		return "", fmt.Errorf("failed to save session: %w", err)
	}

	m.logger.Info("session created", zap.String("session_id", sess.ID))
	return sess.ID, nil
}

func (m *Manager) register(ctx context.Context, sessionID string, params models.Params) error {
	if m.docs == nil || m.identity == nil {
		return nil
	}
	principal, err := m.identity.EnsureIdentity(ctx)
	if err != nil {
		return err
	}

	created, err := m.docs.CreateIfAbsent(ctx, storage.SessionDocPath(principal.UID, sessionID), storage.Fields{
		"session_id": sessionID,
		"title":      m.title,
		"defaults":   params.Fields(),
	})
	if err != nil {
		return err
	}
	if !created {
		m.logger.Debug("session document already exists", zap.String("session_id", sessionID))
	}
	return nil
}

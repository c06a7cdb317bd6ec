// Package identity provides the anonymous storage principal. The uid is
// generated once, persisted in local state and reused for the life of the
// installation.
package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/manash/gen3d/internal/localstate"
	"github.com/manash/gen3d/internal/storage"
)

// KeyValue is the slice of local state the anonymous identity needs.
type KeyValue interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

type Anonymous struct {
	state  KeyValue
	logger *zap.Logger

	mu      sync.Mutex
	current *storage.Principal
}

var _ storage.Identity = (*Anonymous)(nil)

func NewAnonymous(state KeyValue, logger *zap.Logger) *Anonymous {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Anonymous{
		state:  state,
		logger: logger.With(zap.String("component", "identity")),
	}
}

// EnsureIdentity returns the cached principal, loading or creating it on
// first use. Concurrent callers share one principal.
func (a *Anonymous) EnsureIdentity(ctx context.Context) (storage.Principal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current != nil {
		return *a.current, nil
	}
	if err := ctx.Err(); err != nil {
		return storage.Principal{}, err
	}

	uid, ok, err := a.state.Get(localstate.KeyAnonymousUID)
	if err != nil {
		return storage.Principal{}, fmt.Errorf("failed to load identity: %w", err)
	}
	if !ok || uid == "" {
		uid = uuid.New().String()
		if err := a.state.Set(localstate.KeyAnonymousUID, uid); err != nil {
			return storage.Principal{}, fmt.Errorf("failed to save identity: %w", err)
		}
		a.logger.Info("created anonymous identity", zap.String("uid", uid))
	}

	a.current = &storage.Principal{UID: uid}
	return *a.current, nil
}

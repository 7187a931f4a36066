// Package lease provides the per-magazine run lease that keeps two runs
// from writing the same pages directory.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrHeld    = errors.New("lease is held by another run")
	ErrNotHeld = errors.New("lease is not held by this token")
)

type Leaser interface {
	// Acquire returns a token when no live lease exists for id, ErrHeld otherwise.
	Acquire(ctx context.Context, id uuid.UUID, ttl time.Duration) (string, error)
	Refresh(ctx context.Context, id uuid.UUID, token string, ttl time.Duration) error
	Release(ctx context.Context, id uuid.UUID, token string) error
	Held(ctx context.Context, id uuid.UUID) (bool, error)
}

type entry struct {
	token   string
	expires time.Time
}

// Memory is a process-local Leaser.
type Memory struct {
	mu     sync.Mutex
	leases map[uuid.UUID]entry
	now    func() time.Time
}

var _ Leaser = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{leases: make(map[uuid.UUID]entry), now: time.Now}
}

func (m *Memory) Acquire(_ context.Context, id uuid.UUID, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.leases[id]; ok && m.now().Before(e.expires) {
		return "", ErrHeld
	}
	token := uuid.NewString()
	m.leases[id] = entry{token: token, expires: m.now().Add(ttl)}
	return token, nil
}

func (m *Memory) Refresh(_ context.Context, id uuid.UUID, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.leases[id]
	if !ok || e.token != token || !m.now().Before(e.expires) {
		return ErrNotHeld
	}
	e.expires = m.now().Add(ttl)
	m.leases[id] = e
	return nil
}

func (m *Memory) Release(_ context.Context, id uuid.UUID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.leases[id]
	if !ok || e.token != token {
		return ErrNotHeld
	}
	delete(m.leases, id)
	return nil
}

func (m *Memory) Held(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.leases[id]
	return ok && m.now().Before(e.expires), nil
}

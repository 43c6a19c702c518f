package lease

import (
	"context"
	"sync"
	"time"
)

// MemoryManager grants leases inside one process. It is what a single
// replica uses when there is nobody to coordinate with.
type MemoryManager struct {
	mu   sync.Mutex
	now  func() time.Time
	seq  uint64
	held map[string]Lease
}

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		now:  func() time.Time { return time.Now().UTC() },
		held: make(map[string]Lease),
	}
}

func (m *MemoryManager) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return Lease{}, false, err
	}
	resource, owner, ttl, err := normalize(resource, owner, ttl)
	if err != nil {
		return Lease{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if current, ok := m.held[resource]; ok && now.Before(current.ExpiresAt) {
		return Lease{}, false, nil
	}
	m.seq++
	granted := Lease{Resource: resource, Owner: owner, Token: m.seq, ExpiresAt: now.Add(ttl)}
	m.held[resource] = granted
	return granted, true, nil
}

func (m *MemoryManager) Renew(ctx context.Context, held Lease, ttl time.Duration) (Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return Lease{}, false, err
	}
	held, err := checkHeld(held)
	if err != nil {
		return Lease{}, false, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	current, ok := m.held[held.Resource]
	if !ok || !now.Before(current.ExpiresAt) || current.Owner != held.Owner || current.Token != held.Token {
		return Lease{}, false, nil
	}
	current.ExpiresAt = now.Add(ttl)
	m.held[held.Resource] = current
	return current, true, nil
}

func (m *MemoryManager) Release(ctx context.Context, held Lease) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	held, err := checkHeld(held)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.held[held.Resource]; ok && current.Owner == held.Owner && current.Token == held.Token {
		delete(m.held, held.Resource)
	}
	return nil
}

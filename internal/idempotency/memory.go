package idempotency

import (
	"context"
	"sync"
	"time"
)

type reservation struct {
	owner     string
	expiresAt time.Time
}

type storedResult struct {
	result    Result
	expiresAt time.Time
}

// MemoryStore keeps reservations and results in process memory. Expired
// entries are dropped lazily.
type MemoryStore struct {
	now func() time.Time

	mu       sync.Mutex
	reserved map[string]reservation
	results  map[string]storedResult
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      time.Now,
		reserved: make(map[string]reservation),
		results:  make(map[string]storedResult),
	}
}

func (s *MemoryStore) Lookup(_ context.Context, scope, key string) (Result, bool, error) {
	id, err := compoundKey(scope, key)
	if err != nil {
		return Result{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.results[id]
	if !ok {
		return Result{}, false, nil
	}
	if !s.now().Before(stored.expiresAt) {
		delete(s.results, id)
		return Result{}, false, nil
	}
	out := stored.result
	out.Body = append([]byte(nil), stored.result.Body...)
	return out, true, nil
}

func (s *MemoryStore) Reserve(_ context.Context, scope, key, owner string, ttl time.Duration) (bool, error) {
	id, err := compoundKey(scope, key)
	if err != nil {
		return false, err
	}
	if owner, err = requireOwner(owner); err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = DefaultReserveTTL
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.reserved[id]; ok && now.Before(held.expiresAt) {
		return false, nil
	}
	s.reserved[id] = reservation{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) Complete(_ context.Context, scope, key string, result Result, ttl time.Duration) error {
	id, err := compoundKey(scope, key)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}

	now := s.now()
	result.Body = append([]byte(nil), result.Body...)
	if result.SavedAt.IsZero() {
		result.SavedAt = now.UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[id] = storedResult{result: result, expiresAt: now.Add(ttl)}
	s.pruneLocked(now)
	return nil
}

func (s *MemoryStore) Abandon(_ context.Context, scope, key, owner string) error {
	id, err := compoundKey(scope, key)
	if err != nil {
		return err
	}
	if owner, err = requireOwner(owner); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.reserved[id]; ok && held.owner == owner {
		delete(s.reserved, id)
	}
	return nil
}

func (s *MemoryStore) pruneLocked(now time.Time) {
	if len(s.results) < 1024 {
		return
	}
	for id, stored := range s.results {
		if !now.Before(stored.expiresAt) {
			delete(s.results, id)
		}
	}
	for id, held := range s.reserved {
		if !now.Before(held.expiresAt) {
			delete(s.reserved, id)
		}
	}
}

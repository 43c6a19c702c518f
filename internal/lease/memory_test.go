package lease

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestMemoryManager(start time.Time) (*MemoryManager, *time.Time) {
	now := start
	manager := NewMemoryManager()
	manager.now = func() time.Time { return now }
	return manager, &now
}

func TestMemoryManagerAcquireIsExclusiveUntilExpiry(t *testing.T) {
	manager, now := newTestMemoryManager(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	first, ok, err := manager.Acquire(ctx, "claims-sweep", "replica-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if first.Token == 0 {
		t.Fatalf("expected a fencing token")
	}

	if _, ok, _ := manager.Acquire(ctx, "claims-sweep", "replica-b", time.Minute); ok {
		t.Fatalf("expected second acquire to fail while the lease is held")
	}

	*now = now.Add(time.Minute)
	second, ok, err := manager.Acquire(ctx, "claims-sweep", "replica-b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire after expiry: ok=%v err=%v", ok, err)
	}
	if second.Token <= first.Token {
		t.Fatalf("expected token to increase, got %d after %d", second.Token, first.Token)
	}
}

func TestMemoryManagerRenewRequiresCurrentHolder(t *testing.T) {
	manager, now := newTestMemoryManager(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	held, _, _ := manager.Acquire(ctx, "claims-sweep", "replica-a", time.Minute)

	*now = now.Add(30 * time.Second)
	renewed, ok, err := manager.Renew(ctx, held, time.Minute)
	if err != nil || !ok {
		t.Fatalf("renew: ok=%v err=%v", ok, err)
	}
	if want := now.Add(time.Minute); !renewed.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %s, got %s", want, renewed.ExpiresAt)
	}

	stranger := held
	stranger.Owner = "replica-b"
	if _, ok, _ := manager.Renew(ctx, stranger, time.Minute); ok {
		t.Fatalf("expected renew by another owner to fail")
	}

	*now = now.Add(2 * time.Minute)
	if _, ok, _ := manager.Renew(ctx, renewed, time.Minute); ok {
		t.Fatalf("expected renew of an expired lease to fail")
	}
}

func TestMemoryManagerReleaseOnlyByHolder(t *testing.T) {
	manager, _ := newTestMemoryManager(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	held, _, _ := manager.Acquire(ctx, "claims-sweep", "replica-a", time.Minute)
	stale := held
	stale.Token++
	if err := manager.Release(ctx, stale); err != nil {
		t.Fatalf("release with stale token: %v", err)
	}
	if _, ok, _ := manager.Acquire(ctx, "claims-sweep", "replica-b", time.Minute); ok {
		t.Fatalf("expected stale release to leave the lease in place")
	}

	if err := manager.Release(ctx, held); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, _ := manager.Acquire(ctx, "claims-sweep", "replica-b", time.Minute); !ok {
		t.Fatalf("expected acquire after release to succeed")
	}
}

func TestMemoryManagerRejectsInvalidRequests(t *testing.T) {
	manager := NewMemoryManager()
	ctx := context.Background()

	if _, _, err := manager.Acquire(ctx, " ", "replica-a", time.Minute); !errors.Is(err, ErrInvalidLease) {
		t.Fatalf("expected ErrInvalidLease for empty resource, got %v", err)
	}
	if _, _, err := manager.Acquire(ctx, "claims-sweep", "", time.Minute); !errors.Is(err, ErrInvalidLease) {
		t.Fatalf("expected ErrInvalidLease for empty owner, got %v", err)
	}
	if err := manager.Release(ctx, Lease{Resource: "claims-sweep", Owner: "replica-a"}); !errors.Is(err, ErrInvalidLease) {
		t.Fatalf("expected ErrInvalidLease for zero token, got %v", err)
	}
}

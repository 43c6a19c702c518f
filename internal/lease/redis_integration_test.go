package lease

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestRedisManagerRenewKeepsLeaseHeld(t *testing.T) {
	client := newRedisTestClient(t)
	ctx := context.Background()
	manager := NewRedisManager(client, "turno:test:"+uuid.NewString())

	held, ok, err := manager.Acquire(ctx, "claims-sweep", "replica-a", 180*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	time.Sleep(90 * time.Millisecond)
	renewed, ok, err := manager.Renew(ctx, held, 260*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("renew: ok=%v err=%v", ok, err)
	}
	if !renewed.ExpiresAt.After(held.ExpiresAt) {
		t.Fatalf("expected renewed expiry to move forward")
	}

	time.Sleep(140 * time.Millisecond)
	if _, ok, err := manager.Acquire(ctx, "claims-sweep", "replica-b", 120*time.Millisecond); err != nil || ok {
		t.Fatalf("expected renewed lease to stay held: ok=%v err=%v", ok, err)
	}
}

func TestRedisManagerReleaseIgnoresOtherOwners(t *testing.T) {
	client := newRedisTestClient(t)
	ctx := context.Background()
	manager := NewRedisManager(client, "turno:test:"+uuid.NewString())

	held, ok, err := manager.Acquire(ctx, "claims-sweep", "replica-a", time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	stranger := held
	stranger.Owner = "replica-b"
	if err := manager.Release(ctx, stranger); err != nil {
		t.Fatalf("release by another owner should not error: %v", err)
	}
	if _, ok, _ := manager.Renew(ctx, stranger, time.Second); ok {
		t.Fatalf("expected renew by another owner to fail")
	}

	if err := manager.Release(ctx, held); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, err := manager.Acquire(ctx, "claims-sweep", "replica-b", time.Second); err != nil || !ok {
		t.Fatalf("expected acquire after release: ok=%v err=%v", ok, err)
	}
}

func newRedisTestClient(t *testing.T) *redis.Client {
	t.Helper()

	addr := strings.TrimSpace(os.Getenv("TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis integration tests")
	}

	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   15,
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable at TEST_REDIS_ADDR=%s: %v", addr, err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush redis test db: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

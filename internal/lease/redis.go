package lease

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisManager grants leases shared by every replica pointed at the same
// Redis. The held value is "owner|token" so renew and release only touch a
// lease the caller still owns.
type RedisManager struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

func NewRedisManager(client redis.Cmdable, prefix string) *RedisManager {
	normalized := strings.TrimSpace(prefix)
	if normalized == "" {
		normalized = "turno:lease"
	}
	return &RedisManager{
		client: client,
		prefix: normalized,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *RedisManager) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (Lease, bool, error) {
	resource, owner, ttl, err := normalize(resource, owner, ttl)
	if err != nil {
		return Lease{}, false, err
	}

	token, err := m.client.Incr(ctx, m.seqKey(resource)).Uint64()
	if err != nil {
		return Lease{}, false, fmt.Errorf("lease token: %w", err)
	}
	acquired, err := m.client.SetNX(ctx, m.holdKey(resource), holdValue(owner, token), ttl).Result()
	if err != nil {
		return Lease{}, false, fmt.Errorf("lease acquire: %w", err)
	}
	if !acquired {
		return Lease{}, false, nil
	}
	return Lease{Resource: resource, Owner: owner, Token: token, ExpiresAt: m.now().Add(ttl)}, true, nil
}

func (m *RedisManager) Renew(ctx context.Context, held Lease, ttl time.Duration) (Lease, bool, error) {
	held, err := checkHeld(held)
	if err != nil {
		return Lease{}, false, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	renewed, err := renewScript.Run(ctx, m.client, []string{m.holdKey(held.Resource)},
		holdValue(held.Owner, held.Token), ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Lease{}, false, fmt.Errorf("lease renew: %w", err)
	}
	if renewed == 0 {
		return Lease{}, false, nil
	}
	held.ExpiresAt = m.now().Add(ttl)
	return held, true, nil
}

func (m *RedisManager) Release(ctx context.Context, held Lease) error {
	held, err := checkHeld(held)
	if err != nil {
		return err
	}
	_, err = releaseScript.Run(ctx, m.client, []string{m.holdKey(held.Resource)}, holdValue(held.Owner, held.Token)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lease release: %w", err)
	}
	return nil
}

func (m *RedisManager) holdKey(resource string) string {
	return m.prefix + ":hold:" + resource
}

func (m *RedisManager) seqKey(resource string) string {
	return m.prefix + ":seq:" + resource
}

func holdValue(owner string, token uint64) string {
	return owner + "|" + strconv.FormatUint(token, 10)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

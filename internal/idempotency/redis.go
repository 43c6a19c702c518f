package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares reservations and results between server replicas.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "turno:idempotency"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Lookup(ctx context.Context, scope, key string) (Result, bool, error) {
	id, err := compoundKey(scope, key)
	if err != nil {
		return Result{}, false, err
	}
	raw, err := s.client.Get(ctx, s.resultKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return Result{}, false, fmt.Errorf("decode idempotency result: %w", err)
	}
	return result, true, nil
}

func (s *RedisStore) Reserve(ctx context.Context, scope, key, owner string, ttl time.Duration) (bool, error) {
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
	ok, err := s.client.SetNX(ctx, s.reserveKey(id), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency reserve: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Complete(ctx context.Context, scope, key string, result Result, ttl time.Duration) error {
	id, err := compoundKey(scope, key)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	if result.SavedAt.IsZero() {
		result.SavedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode idempotency result: %w", err)
	}
	if err := s.client.Set(ctx, s.resultKey(id), raw, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency complete: %w", err)
	}
	return nil
}

func (s *RedisStore) Abandon(ctx context.Context, scope, key, owner string) error {
	id, err := compoundKey(scope, key)
	if err != nil {
		return err
	}
	if owner, err = requireOwner(owner); err != nil {
		return err
	}
	err = abandonScript.Run(ctx, s.client, []string{s.reserveKey(id)}, owner).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("idempotency abandon: %w", err)
	}
	return nil
}

func (s *RedisStore) resultKey(id string) string {
	return s.prefix + ":result:" + id
}

func (s *RedisStore) reserveKey(id string) string {
	return s.prefix + ":reserve:" + id
}

// abandonScript deletes the reservation only while owner still holds it.
var abandonScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

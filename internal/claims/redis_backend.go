package claims

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisBackend keeps the document in a single Redis string without expiry;
// individual claims age out through cleanup, not through Redis TTLs.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// updateAttempts bounds optimistic retries when another writer changes the
// document between WATCH and EXEC.
const updateAttempts = 10

func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	normalized := strings.TrimSpace(prefix)
	if normalized == "" {
		normalized = "turno:claims"
	}
	return &RedisBackend{
		client: client,
		prefix: normalized,
	}
}

func (b *RedisBackend) Load(ctx context.Context) ([]byte, error) {
	raw, err := b.client.Get(ctx, b.documentKey()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis load: %w", err)
	}
	return raw, nil
}

func (b *RedisBackend) Save(ctx context.Context, data []byte) error {
	if err := b.client.Set(ctx, b.documentKey(), data, 0).Err(); err != nil {
		return fmt.Errorf("redis save: %w", err)
	}
	return nil
}

func (b *RedisBackend) Update(ctx context.Context, fn func([]byte) ([]byte, error)) error {
	key := b.documentKey()
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < updateAttempts; attempt++ {
		err := b.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("redis update: %w", err)
	}
	return fmt.Errorf("redis update: %w after %d attempts", redis.TxFailedErr, updateAttempts)
}

func (b *RedisBackend) documentKey() string {
	return b.prefix + ":" + StorageKey
}

package claims

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var claimsBucket = []byte("claims")

// BoltBackend stores the document under StorageKey in a bbolt bucket.
type BoltBackend struct {
	db *bolt.DB
}

func OpenBoltBackend(path string) (*BoltBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("bolt path is required")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 1 * time.Second, // fail fast when another process holds the file
	})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(claimsBucket)
		return e
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create claims bucket: %w", err)
	}
	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}

func (b *BoltBackend) Load(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(claimsBucket)
		if bkt == nil {
			return errors.New("bucket missing")
		}
		// Values are only valid inside the transaction.
		if v := bkt.Get([]byte(StorageKey)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bolt load: %w", err)
	}
	return out, nil
}

func (b *BoltBackend) Save(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(claimsBucket).Put([]byte(StorageKey), data)
	})
	if err != nil {
		return fmt.Errorf("bolt save: %w", err)
	}
	return nil
}

// Update runs fn inside one bbolt write transaction. bbolt allows a single
// writer per process and holds a file lock against other processes.
func (b *BoltBackend) Update(ctx context.Context, fn func([]byte) ([]byte, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(claimsBucket)
		var current []byte
		if v := bkt.Get([]byte(StorageKey)); v != nil {
			current = append([]byte(nil), v...)
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(StorageKey), next)
	})
	if err != nil {
		return fmt.Errorf("bolt update: %w", err)
	}
	return nil
}

package claims

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Backend is the durable storage the claim document is loaded from and saved
// to. Load returns nil data when nothing has been stored yet.
//
// Update is an atomic read-modify-write: fn receives the stored document and
// returns its replacement, and no other Update on the same store interleaves.
// fn may run more than once when a backend retries a conflicting write.
type Backend interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
	Update(ctx context.Context, fn func(current []byte) ([]byte, error)) error
}

type MemoryBackend struct {
	mu   sync.Mutex
	data []byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Load(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return nil, nil
	}
	return append([]byte(nil), b.data...), nil
}

func (b *MemoryBackend) Save(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	b.data = append([]byte(nil), data...)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Update(ctx context.Context, fn func([]byte) ([]byte, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var current []byte
	if b.data != nil {
		current = append([]byte(nil), b.data...)
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	b.data = append([]byte(nil), next...)
	return nil
}

const (
	fileLockRetry = 10 * time.Millisecond
	fileLockWait  = 5 * time.Second
	// A lock file older than this belongs to a process that died mid-update.
	fileLockStale = 30 * time.Second
)

// FileBackend keeps the document in a single JSON file and replaces it
// atomically on every save. Updates are serialized across processes by an
// exclusive lock file next to the document.
type FileBackend struct {
	path string
}

func NewFileBackend(dir string) (*FileBackend, error) {
	root := strings.TrimSpace(dir)
	if root == "" {
		return nil, errors.New("claims directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create claims directory: %w", err)
	}
	return &FileBackend{path: filepath.Join(root, StorageKey+".json")}, nil
}

func (b *FileBackend) Path() string {
	return b.path
}

func (b *FileBackend) Load(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read claims file: %w", err)
	}
	return data, nil
}

func (b *FileBackend) Save(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.write(data)
}

func (b *FileBackend) Update(ctx context.Context, fn func([]byte) ([]byte, error)) error {
	unlock, err := b.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	current, err := b.Load(ctx)
	if err != nil {
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	return b.write(next)
}

func (b *FileBackend) lock(ctx context.Context) (func(), error) {
	lockPath := b.path + ".lock"
	deadline := time.Now().Add(fileLockWait)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_ = f.Close()
			return func() { _ = os.Remove(lockPath) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("lock claims file: %w", err)
		}
		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > fileLockStale {
			_ = os.Remove(lockPath)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock claims file: %s is held by another writer", lockPath)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(fileLockRetry):
		}
	}
}

func (b *FileBackend) write(data []byte) error {
	tmpPath := b.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write claims tmp: %w", err)
	}
	if err := os.Rename(tmpPath, b.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("commit claims file: %w", err)
	}
	return nil
}

package claims

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverBolt   = "bolt"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// BackendOptions selects and configures a claim storage driver. Path is a
// directory for the file driver and a database file for bolt and sqlite.
type BackendOptions struct {
	Driver      string
	Path        string
	Redis       redis.UniversalClient
	RedisPrefix string
}

// OpenBackend opens the driver named in opts. The returned close func is
// never nil.
func OpenBackend(opts BackendOptions) (Backend, func(), error) {
	noop := func() {}
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	switch driver {
	case DriverMemory:
		return NewMemoryBackend(), noop, nil
	case DriverFile:
		backend, err := NewFileBackend(opts.Path)
		if err != nil {
			return nil, noop, err
		}
		return backend, noop, nil
	case DriverBolt, DriverSQLite:
		if strings.TrimSpace(opts.Path) == "" {
			return nil, noop, fmt.Errorf("%s claims driver needs a database path", driver)
		}
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, noop, fmt.Errorf("create claims directory: %w", err)
		}
		var (
			backend interface {
				Backend
				io.Closer
			}
			err error
		)
		if driver == DriverBolt {
			backend, err = OpenBoltBackend(opts.Path)
		} else {
			backend, err = OpenSQLiteBackend(opts.Path)
		}
		if err != nil {
			return nil, noop, err
		}
		return backend, func() { _ = backend.Close() }, nil
	case DriverRedis:
		if opts.Redis == nil {
			return nil, noop, errors.New("redis claims driver needs a client")
		}
		return NewRedisBackend(opts.Redis, opts.RedisPrefix), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown claims driver %q", opts.Driver)
	}
}

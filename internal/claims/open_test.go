package claims

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenBackendDrivers(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		opts BackendOptions
	}{
		{"memory", BackendOptions{Driver: DriverMemory}},
		{"file", BackendOptions{Driver: DriverFile, Path: filepath.Join(dir, "file")}},
		{"bolt", BackendOptions{Driver: " BOLT ", Path: filepath.Join(dir, "bolt", "claims.db")}},
		{"sqlite", BackendOptions{Driver: DriverSQLite, Path: filepath.Join(dir, "sqlite", "claims.db")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backend, closeBackend, err := OpenBackend(tc.opts)
			require.NoError(t, err)
			require.NotNil(t, closeBackend)
			defer closeBackend()

			require.NoError(t, backend.Save(context.Background(), []byte(`{}`)))
			data, err := backend.Load(context.Background())
			require.NoError(t, err)
			assert.JSONEq(t, `{}`, string(data))
		})
	}
}

func TestOpenBackendRejectsBadOptions(t *testing.T) {
	cases := []BackendOptions{
		{Driver: "dynamo"},
		{Driver: DriverBolt},
		{Driver: DriverRedis},
		{Driver: DriverFile, Path: "  "},
	}
	for _, opts := range cases {
		_, closeBackend, err := OpenBackend(opts)
		assert.Error(t, err, "driver %q", opts.Driver)
		assert.NotNil(t, closeBackend)
	}
}

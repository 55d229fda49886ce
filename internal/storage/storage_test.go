// internal/storage/storage_test.go
package storage_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nameshigawa/bboxviewer/internal/config"
	"github.com/nameshigawa/bboxviewer/internal/storage"
	"github.com/nameshigawa/bboxviewer/internal/storage/dir"
	gormstorage "github.com/nameshigawa/bboxviewer/internal/storage/gorm"
	"github.com/nameshigawa/bboxviewer/internal/storage/memory"
	"github.com/nameshigawa/bboxviewer/internal/storage/postgres"
	redisstorage "github.com/nameshigawa/bboxviewer/internal/storage/redis"
	s3storage "github.com/nameshigawa/bboxviewer/internal/storage/s3"
	sqlitestorage "github.com/nameshigawa/bboxviewer/internal/storage/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Compile-time interface checks
var (
	_ storage.Backend = (*memory.Backend)(nil)
	_ storage.Backend = (*dir.Backend)(nil)
	_ storage.Backend = (*gormstorage.Backend)(nil)
	_ storage.Backend = (*sqlitestorage.Backend)(nil)
	_ storage.Backend = (*postgres.Backend)(nil)
	_ storage.Backend = (*redisstorage.Backend)(nil)
	_ storage.Backend = (*s3storage.Backend)(nil)

	_ storage.Locator = (*dir.Backend)(nil)
	_ storage.Locator = (*sqlitestorage.Backend)(nil)
	_ storage.Locator = (*postgres.Backend)(nil)
	_ storage.Locator = (*redisstorage.Backend)(nil)
	_ storage.Locator = (*s3storage.Backend)(nil)
)

func TestNewBackend(t *testing.T) {
	ctx := context.Background()
	tmp := t.TempDir()

	tests := []struct {
		name string
		cfg  config.StorageConfig
		want any
	}{
		{"memory", config.StorageConfig{Type: "memory"}, &memory.Backend{}},
		{"dir", config.StorageConfig{Type: "dir", Dir: config.DirConfig{Path: tmp}}, &dir.Backend{}},
		{"empty type defaults to dir", config.StorageConfig{Dir: config.DirConfig{Path: tmp}}, &dir.Backend{}},
		{"sqlite", config.StorageConfig{Type: "sqlite", SQLite: config.SQLiteConfig{Path: filepath.Join(tmp, "s.db")}}, &sqlitestorage.Backend{}},
		{"redis", config.StorageConfig{Type: "redis", Redis: config.RedisConfig{Addr: "localhost:6379"}}, &redisstorage.Backend{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := storage.NewBackend(ctx, tt.cfg)
			require.NoError(t, err)
			defer b.Close()
			assert.IsType(t, tt.want, b)
		})
	}
}

func TestNewBackend_Unknown(t *testing.T) {
	_, err := storage.NewBackend(context.Background(), config.StorageConfig{Type: "floppy"})
	assert.ErrorContains(t, err, "unknown storage type: floppy")
}

func TestOpen_InitializesBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sources")

	b, err := storage.Open(context.Background(), config.StorageConfig{Type: "dir", Dir: config.DirConfig{Path: path}})
	require.NoError(t, err)
	defer b.Close()

	names, err := b.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
	assert.Equal(t, filepath.Join(path, "clip.json"), storage.Location(b, "clip"))
}

func TestLocation_Fallback(t *testing.T) {
	assert.Equal(t, "clip", storage.Location(memory.New(), "clip"))
}

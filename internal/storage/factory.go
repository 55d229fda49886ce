// internal/storage/factory.go
package storage

import (
	"context"
	"fmt"

	"github.com/nameshigawa/bboxviewer/internal/config"
	"github.com/nameshigawa/bboxviewer/internal/storage/dir"
	"github.com/nameshigawa/bboxviewer/internal/storage/memory"
	"github.com/nameshigawa/bboxviewer/internal/storage/postgres"
	redisstorage "github.com/nameshigawa/bboxviewer/internal/storage/redis"
	s3storage "github.com/nameshigawa/bboxviewer/internal/storage/s3"
	sqlitestorage "github.com/nameshigawa/bboxviewer/internal/storage/sqlite"
)

// NewBackend creates a source store based on configuration. The returned
// backend has not been initialized.
func NewBackend(ctx context.Context, cfg config.StorageConfig) (Backend, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "dir", "":
		return dir.New(cfg.Dir), nil
	case "sqlite":
		return sqlitestorage.New(cfg.SQLite)
	case "postgres":
		return postgres.New(cfg.Postgres)
	case "redis":
		return redisstorage.New(cfg.Redis), nil
	case "s3":
		return s3storage.New(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

// Open creates and initializes a source store.
func Open(ctx context.Context, cfg config.StorageConfig) (Backend, error) {
	b, err := NewBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := b.Init(); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("init %s storage: %w", cfg.Type, err)
	}
	return b, nil
}

// Package sqlitestorage keeps sources in a SQLite file through the pure-Go
// glebarez driver. An empty path uses a shared in-memory database that can
// be dumped to disk with Dump.
package sqlitestorage

import (
	"fmt"

	"github.com/nameshigawa/bboxviewer/internal/config"
	"github.com/nameshigawa/bboxviewer/internal/database"
	gormstorage "github.com/nameshigawa/bboxviewer/internal/storage/gorm"
)

// Backend wraps the GORM backend for SQLite-specific behavior.
type Backend struct {
	*gormstorage.Backend
	cfg config.SQLiteConfig
}

// New opens the SQLite database named by cfg.Path.
func New(cfg config.SQLiteConfig) (*Backend, error) {
	db, err := database.OpenSqlite(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create SQLite DB: %w", err)
	}
	return &Backend{
		Backend: gormstorage.New(db),
		cfg:     cfg,
	}, nil
}

// Location returns the database path the source lives in.
func (b *Backend) Location(name string) string {
	path := b.cfg.Path
	if path == "" {
		path = database.MemoryDSN
	}
	return fmt.Sprintf("%s#%s", path, name)
}

// Dump writes a point-in-time copy of the database to path.
func (b *Backend) Dump(path string) error {
	return database.DumpSqliteToDisk(b.DB(), path)
}

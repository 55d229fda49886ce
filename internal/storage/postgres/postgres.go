// Package postgres keeps sources in a PostgreSQL table through gorm.
package postgres

import (
	"fmt"

	"github.com/nameshigawa/bboxviewer/internal/config"
	"github.com/nameshigawa/bboxviewer/internal/database"
	gormstorage "github.com/nameshigawa/bboxviewer/internal/storage/gorm"
)

// Backend wraps the GORM backend with a Postgres connection.
type Backend struct {
	*gormstorage.Backend
	cfg config.PostgresConfig
}

// New connects to the database described by cfg.
func New(cfg config.PostgresConfig) (*Backend, error) {
	db, err := database.OpenPostgres(cfg)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sql interface: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)

	return &Backend{Backend: gormstorage.New(db), cfg: cfg}, nil
}

// Location returns host/database#name.
func (b *Backend) Location(name string) string {
	return fmt.Sprintf("postgres://%s:%s/%s#%s", b.cfg.Host, b.cfg.Port, b.cfg.Database, name)
}

// Package gormstorage implements the storage.Backend interface on top of a
// gorm connection. The sqlite and postgres backends embed it and differ only
// in how the connection is opened.
package gormstorage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nameshigawa/bboxviewer/internal/database"
	"github.com/nameshigawa/bboxviewer/internal/source"
	"github.com/nameshigawa/bboxviewer/pkg/core"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SourceRecord is one named source stored as canonical JSON.
type SourceRecord struct {
	Name       string         `gorm:"primaryKey;size:255"`
	Data       datatypes.JSON `gorm:"not null"`
	FrameCount int
	MaxBoxes   int
	UpdatedAt  time.Time
}

// TableName overrides the default table name.
func (SourceRecord) TableName() string {
	return "bbox_sources"
}

// Backend implements storage.Backend with gorm.
type Backend struct {
	db *gorm.DB
}

// New wraps an open gorm connection.
func New(db *gorm.DB) *Backend {
	return &Backend{db: db}
}

// DB exposes the underlying connection.
func (b *Backend) DB() *gorm.DB {
	return b.db
}

// Init migrates the schema.
func (b *Backend) Init() error {
	if b.db == nil {
		return fmt.Errorf("database not open")
	}
	if err := b.db.AutoMigrate(&SourceRecord{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return database.Close(b.db)
}

func (b *Backend) Get(ctx context.Context, name string) (*core.Sequence, error) {
	var rec SourceRecord
	err := b.db.WithContext(ctx).Where("name = ?", name).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", source.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("query source %s: %w", name, err)
	}
	return source.DecodeJSON(rec.Data)
}

func (b *Backend) Put(ctx context.Context, name string, seq *core.Sequence) error {
	if err := source.ValidateName(name); err != nil {
		return err
	}
	data, err := source.Encode(seq)
	if err != nil {
		return err
	}

	rec := SourceRecord{
		Name:       name,
		Data:       datatypes.JSON(data),
		FrameCount: seq.Len(),
		MaxBoxes:   seq.MaxBoxes(),
		UpdatedAt:  time.Now().UTC(),
	}
	err = b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "frame_count", "max_boxes", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("upsert source %s: %w", name, err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, name string) error {
	res := b.db.WithContext(ctx).Where("name = ?", name).Delete(&SourceRecord{})
	if res.Error != nil {
		return fmt.Errorf("delete source %s: %w", name, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", source.ErrNotFound, name)
	}
	return nil
}

func (b *Backend) List(ctx context.Context) ([]string, error) {
	var names []string
	err := b.db.WithContext(ctx).Model(&SourceRecord{}).Order("name").Pluck("name", &names).Error
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

// Summary describes a stored source without decoding it.
type Summary struct {
	Name       string
	FrameCount int
	MaxBoxes   int
	UpdatedAt  time.Time
}

// Summaries lists stored sources with their frame counts.
func (b *Backend) Summaries(ctx context.Context) ([]Summary, error) {
	var out []Summary
	err := b.db.WithContext(ctx).Model(&SourceRecord{}).
		Select("name", "frame_count", "max_boxes", "updated_at").
		Order("name").
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list source summaries: %w", err)
	}
	return out, nil
}

package main

import (
	"context"
	"log/slog"

	"github.com/nameshigawa/bboxviewer/internal/config"
	"github.com/nameshigawa/bboxviewer/internal/storage"
)

func openStorage(ctx context.Context, logger *slog.Logger, cfg config.StorageConfig) (storage.Backend, error) {
	backend, err := storage.Open(ctx, cfg)
	if err != nil {
		logger.Error("Failed to open storage backend", "type", cfg.Type, "error", err)
		return nil, err
	}
	logger.Info("Storage backend initialized", "type", cfg.Type)
	return backend, nil
}

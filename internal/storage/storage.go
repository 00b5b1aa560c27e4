package storage

import (
	"context"
	"fmt"

	"studio/internal/domain"
	"studio/internal/infra"
)

// New returns the store selected by STORAGE_BACKEND.
func New(ctx context.Context, cfg *infra.Config, log infra.Logger) (domain.BlobStore, error) {
	switch cfg.StorageBackend {
	case "", "fs":
		fs, err := NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case "s3":
		s3, err := NewS3Store(ctx, S3Options{
			Endpoint:      cfg.S3Endpoint,
			Region:        cfg.S3Region,
			Bucket:        cfg.S3Bucket,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			UsePathStyle:  cfg.S3UsePathStyle,
			PublicBaseURL: cfg.S3PublicBaseURL,
		}, log)
		if err != nil {
			return nil, err
		}
		return s3, nil
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.StorageBackend)
	}
}

package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/feichai0017/ocr-batch/pkg/logger"
	"github.com/feichai0017/ocr-batch/pkg/storage/local"
	"github.com/feichai0017/ocr-batch/pkg/storage/minio"
	"github.com/feichai0017/ocr-batch/pkg/storage/s3"
)

type StorageType string

const (
	StorageTypeLocal StorageType = "local"
	StorageTypeS3    StorageType = "s3"
	StorageTypeMinio StorageType = "minio"
)

// Storage is the scratch area uploads are staged in while a batch runs.
type Storage interface {
	// Store writes size bytes from r under key. size may be -1 when unknown.
	Store(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	// RemoveDir removes everything under prefix.
	RemoveDir(ctx context.Context, prefix string) error
	// CleanupBefore deletes objects last modified before threshold.
	CleanupBefore(ctx context.Context, threshold time.Time) error
}

type Config struct {
	Type  StorageType
	Local local.Config
	S3    s3.Config
	Minio minio.Config
}

func NewStorage(ctx context.Context, cfg Config, log logger.Logger) (Storage, error) {
	log = log.Named("storage")
	switch cfg.Type {
	case StorageTypeLocal, "":
		return local.New(cfg.Local, log)
	case StorageTypeS3:
		return s3.New(ctx, cfg.S3, log)
	case StorageTypeMinio:
		return minio.New(ctx, cfg.Minio, log)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// ReadAll fetches key fully into memory.
func ReadAll(ctx context.Context, s Storage, key string) ([]byte, error) {
	rc, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

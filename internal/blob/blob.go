package blob

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"quotadrive/internal/config"
)

// New opens the backend selected by cfg.Backend. The returned closer releases
// backend resources and is never nil.
func New(ctx context.Context, cfg config.BlobConfig, logger *zap.Logger) (Storage, io.Closer, error) {
	logger = logger.Named("blob")

	switch cfg.Backend {
	case "s3":
		storage, err := NewS3Storage(ctx, cfg.S3)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using s3 blob storage", zap.String("bucket", cfg.S3.Bucket))
		return storage, nopCloser{}, nil
	case "filesystem":
		storage, err := NewFSStorage(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using filesystem blob storage", zap.String("dir", cfg.Dir))
		return storage, nopCloser{}, nil
	case "badger":
		storage, err := NewBadgerStorage(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using badger blob storage", zap.String("dir", cfg.Dir))
		return storage, storage, nil
	case "memory":
		logger.Warn("using in-memory blob storage, data is lost on restart")
		return NewMemoryStorage(), nopCloser{}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported blob backend %q", cfg.Backend)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

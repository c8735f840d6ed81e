package safe

import (
	"context"
	"fmt"
	"path/filepath"

	"depot/internal/config"
)

// Backend types accepted in the blobs.backend setting.
const (
	BackendFS  = "fs"
	BackendS3  = "s3"
	BackendGCS = "gcs"
)

// NewBackend builds the backend selected by cfg. Filesystem objects live
// under storeRoot/content.
func NewBackend(ctx context.Context, cfg config.BlobConfig, storeRoot string) (Backend, error) {
	switch cfg.Backend {
	case "", BackendFS:
		return NewFileBackend(filepath.Join(storeRoot, "content"))
	case BackendS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket is required for S3 storage")
		}
		return NewS3Backend(ctx, S3Config{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case BackendGCS:
		return newGCSBackend(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported blob backend: %s", cfg.Backend)
	}
}

//go:build gcp

package safe

import (
	"context"
	"fmt"

	"depot/internal/config"
)

func newGCSBackend(ctx context.Context, cfg config.BlobConfig) (Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required for GCS storage")
	}
	return NewGCSBackend(ctx, GCSConfig{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
}

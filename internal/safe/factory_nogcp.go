//go:build !gcp

package safe

import (
	"context"
	"fmt"

	"depot/internal/config"
)

func newGCSBackend(ctx context.Context, cfg config.BlobConfig) (Backend, error) {
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
}

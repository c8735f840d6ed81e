//go:build gcp

package safe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	derrors "depot/internal/errors"
	"depot/shared/utils"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSBackend stores blob bytes in a Google Cloud Storage bucket.
type GCSBackend struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig holds configuration for GCSBackend.
type GCSConfig struct {
	Bucket string
	Prefix string
}

func NewGCSBackend(ctx context.Context, cfg GCSConfig) (*GCSBackend, error) {
	// uses application default credentials
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSBackend{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (b *GCSBackend) object(hash string) *storage.ObjectHandle {
	return b.client.Bucket(b.bucket).Object(b.prefix + hash + ".blob")
}

func (b *GCSBackend) Write(ctx context.Context, hash string, data []byte) error {
	w := b.object(hash).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close failed: %w", err)
	}
	return nil
}

func (b *GCSBackend) Read(ctx context.Context, hash string) ([]byte, error) {
	reader, err := b.object(hash).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, derrors.NotFound(fmt.Sprintf("blob not found: %s", hash))
	}
	if err != nil {
		return nil, fmt.Errorf("gcs get failed for %s: %w", hash, err)
	}
	defer func() { _ = reader.Close() }()
	return io.ReadAll(reader)
}

func (b *GCSBackend) Exists(ctx context.Context, hash string) (bool, error) {
	_, err := b.object(hash).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("gcs attrs error: %w", err)
	}
	return true, nil
}

// Touch updates the object's metadata, which resets its Updated time.
func (b *GCSBackend) Touch(ctx context.Context, hash string) (bool, error) {
	_, err := b.object(hash).Update(ctx, storage.ObjectAttrsToUpdate{
		Metadata: map[string]string{"touched": time.Now().UTC().Format(time.RFC3339Nano)},
	})
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("gcs update failed for %s: %w", hash, err)
	}
	return true, nil
}

func (b *GCSBackend) Delete(ctx context.Context, hash string) error {
	err := b.object(hash).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete failed for %s: %w", hash, err)
	}
	return nil
}

func (b *GCSBackend) List(ctx context.Context) ([]ObjectInfo, error) {
	var out []ObjectInfo
	it := b.client.Bucket(b.bucket).Objects(ctx, &storage.Query{Prefix: b.prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list failed: %w", err)
		}
		name := strings.TrimSuffix(strings.TrimPrefix(attrs.Name, b.prefix), ".blob")
		if !utils.IsValidHash(name) {
			continue
		}
		out = append(out, ObjectInfo{Hash: name, ModTime: attrs.Updated})
	}
	return out, nil
}

// Close closes the GCS client.
func (b *GCSBackend) Close() error {
	return b.client.Close()
}

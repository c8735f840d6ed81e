// internal/safe/safe.go
package safe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	derrors "depot/internal/errors"
	"depot/internal/storage"
	"depot/shared/utils"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// maxMetaRetries bounds the retries of stand-alone reference count updates.
const maxMetaRetries = 16

// BlobMeta stores metadata about stored content
type BlobMeta struct {
	Hash      string    `json:"hash"`
	Size      int64     `json:"size"`
	Binary    bool      `json:"binary"`
	Lines     int       `json:"lines"`
	RefCount  uint32    `json:"ref_count"`
	CreatedAt time.Time `json:"created_at"`
}

// Safe is the content-addressed, deduplicated blob store. Bytes live in a
// Backend; metadata and reference counts live in badger so they can take part
// in the caller's transactions.
type Safe struct {
	db          *badger.DB
	meta        *storage.BadgerStore
	backend     Backend
	cache       *lru.Cache[string, []byte]
	compression *compressionManager
	orphanGrace time.Duration
	logger      *zap.Logger
}

// Options configures Safe behavior
type Options struct {
	Backend     Backend
	CacheSize   int
	Compression CompressionOptions
	// Unreferenced bytes younger than this survive compaction.
	OrphanGrace time.Duration
	Logger      *zap.Logger
}

// New creates a new Safe instance
func New(db *badger.DB, opts Options) (*Safe, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("blob backend is required")
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 256
	}
	if opts.Compression == (CompressionOptions{}) {
		opts.Compression = DefaultCompressionOptions()
	}
	if opts.OrphanGrace == 0 {
		opts.OrphanGrace = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	cache, err := lru.New[string, []byte](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}
	cm, err := newCompressionManager(opts.Compression)
	if err != nil {
		return nil, err
	}

	return &Safe{
		db:          db,
		meta:        storage.NewBadgerStore(db, "content"),
		backend:     opts.Backend,
		cache:       cache,
		compression: cm,
		orphanGrace: opts.OrphanGrace,
		logger:      opts.Logger,
	}, nil
}

// Describe computes the metadata of content without storing anything.
func Describe(content []byte) BlobMeta {
	return BlobMeta{
		Hash:   utils.HashContent(content),
		Size:   int64(len(content)),
		Binary: utils.IsBinary(content),
		Lines:  utils.CountLines(content),
	}
}

// Write makes sure the bytes of content are in the backend and returns their
// metadata. It takes no reference: bytes written but never retained are
// reclaimed by Compact once the grace period since the last Write has passed.
func (s *Safe) Write(ctx context.Context, content []byte) (BlobMeta, error) {
	meta := Describe(content)

	// an existing object is touched so the orphan grace period restarts
	exists, err := s.backend.Touch(ctx, meta.Hash)
	if err != nil {
		return meta, fmt.Errorf("checking existence: %w", err)
	}
	if !exists {
		data, compressed := s.compression.encode(content)
		if err := s.backend.Write(ctx, meta.Hash, data); err != nil {
			return meta, fmt.Errorf("writing blob %s: %w", meta.Hash, err)
		}
		s.logger.Debug("blob written",
			zap.String("hash", meta.Hash),
			zap.Int64("size", meta.Size),
			zap.Bool("compressed", compressed))
	}

	s.cache.Add(meta.Hash, content)
	return meta, nil
}

// Put stores content and takes one reference to it. Storing identical content
// twice is not an error; it only raises the reference count.
func (s *Safe) Put(ctx context.Context, content []byte) (BlobMeta, error) {
	meta, err := s.Write(ctx, content)
	if err != nil {
		return meta, err
	}

	var stored BlobMeta
	err = s.retry(ctx, func(txn *badger.Txn) error {
		var err error
		stored, err = s.Retain(txn, meta)
		return err
	})
	if err != nil {
		return meta, fmt.Errorf("retaining blob %s: %w", meta.Hash, err)
	}
	return stored, nil
}

// Retain takes one reference to a blob inside txn, creating its metadata on
// first use. The bytes must already have been written.
func (s *Safe) Retain(txn *badger.Txn, meta BlobMeta) (BlobMeta, error) {
	if !utils.IsValidHash(meta.Hash) {
		return meta, derrors.ValidationError("invalid content hash", meta.Hash)
	}

	var existing BlobMeta
	err := s.meta.Get(txn, meta.Hash, &existing)
	switch {
	case err == nil:
		existing.RefCount++
		meta = existing
	case errors.Is(err, derrors.ErrNotFound):
		meta.RefCount = 1
		meta.CreatedAt = time.Now().UTC()
	default:
		return meta, err
	}

	if err := s.meta.Put(txn, meta.Hash, &meta); err != nil {
		return meta, fmt.Errorf("storing metadata: %w", err)
	}
	return meta, nil
}

// ReleaseTxn drops one reference inside txn. The bytes stay until Compact.
func (s *Safe) ReleaseTxn(txn *badger.Txn, hash string) error {
	var meta BlobMeta
	if err := s.meta.Get(txn, hash, &meta); err != nil {
		return err
	}
	if meta.RefCount > 0 {
		meta.RefCount--
	}
	return s.meta.Put(txn, hash, &meta)
}

// Release drops one reference to hash.
func (s *Safe) Release(ctx context.Context, hash string) error {
	if !utils.IsValidHash(hash) {
		return derrors.ValidationError("invalid content hash", hash)
	}
	return s.retry(ctx, func(txn *badger.Txn) error {
		return s.ReleaseTxn(txn, hash)
	})
}

// Get retrieves content by hash and verifies it.
func (s *Safe) Get(ctx context.Context, hash string) ([]byte, error) {
	if !utils.IsValidHash(hash) {
		return nil, derrors.ValidationError("invalid content hash", hash)
	}

	if content, ok := s.cache.Get(hash); ok {
		return content, nil
	}

	data, err := s.backend.Read(ctx, hash)
	if err != nil {
		return nil, err
	}
	content, err := s.compression.decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding blob %s: %w", hash, err)
	}
	if utils.HashContent(content) != hash {
		return nil, derrors.Internal(fmt.Sprintf("content hash mismatch for %s", hash))
	}

	s.cache.Add(hash, content)
	return content, nil
}

// Exists reports whether the bytes of hash are stored.
func (s *Safe) Exists(ctx context.Context, hash string) (bool, error) {
	if !utils.IsValidHash(hash) {
		return false, derrors.ValidationError("invalid content hash", hash)
	}
	return s.backend.Exists(ctx, hash)
}

// Stat returns the stored metadata of hash.
func (s *Safe) Stat(ctx context.Context, hash string) (BlobMeta, error) {
	var meta BlobMeta
	err := storage.View(s.db, func(txn *badger.Txn) error {
		return s.meta.Get(txn, hash, &meta)
	})
	return meta, err
}

// VerifyReport lists problems found by Verify.
type VerifyReport struct {
	Checked int      `json:"checked"`
	Corrupt []string `json:"corrupt,omitempty"`
	Missing []string `json:"missing,omitempty"`
}

func (r *VerifyReport) OK() bool {
	return len(r.Corrupt) == 0 && len(r.Missing) == 0
}

// Verify re-hashes every stored object and checks that every referenced blob
// still has its bytes.
func (s *Safe) Verify(ctx context.Context) (*VerifyReport, error) {
	objects, err := s.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	report := &VerifyReport{}
	present := make(map[string]bool, len(objects))
	for _, obj := range objects {
		present[obj.Hash] = true
		report.Checked++

		data, err := s.backend.Read(ctx, obj.Hash)
		if err != nil {
			return nil, err
		}
		content, err := s.compression.decode(data)
		if err != nil || utils.HashContent(content) != obj.Hash {
			report.Corrupt = append(report.Corrupt, obj.Hash)
		}
	}

	metas, err := s.metas()
	if err != nil {
		return nil, err
	}
	for _, m := range metas {
		if m.RefCount > 0 && !present[m.Hash] {
			report.Missing = append(report.Missing, m.Hash)
		}
	}
	sort.Strings(report.Corrupt)
	sort.Strings(report.Missing)
	return report, nil
}

// CompactReport summarizes a Compact run.
type CompactReport struct {
	Released []string `json:"released,omitempty"`
	Orphans  []string `json:"orphans,omitempty"`
	Live     int      `json:"live"`
}

// Compact reclaims blobs whose reference count dropped to zero and orphaned
// bytes that were written but never retained. Hashes in keep (staged content)
// and bytes written within the grace period are never removed; a released
// blob whose bytes are still fresh loses its metadata now and its bytes on a
// later run.
func (s *Safe) Compact(ctx context.Context, keep map[string]bool) (*CompactReport, error) {
	report := &CompactReport{}
	known := make(map[string]bool)

	err := storage.View(s.db, func(txn *badger.Txn) error {
		return s.meta.Scan(txn, "", func(id string, _ []byte) error {
			known[id] = true
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	err = storage.Update(s.db, func(txn *badger.Txn) error {
		report.Released = report.Released[:0]
		report.Live = 0
		for _, hash := range utils.SortedKeys(known) {
			var meta BlobMeta
			if err := s.meta.Get(txn, hash, &meta); err != nil {
				if errors.Is(err, derrors.ErrNotFound) {
					continue
				}
				return err
			}
			if meta.RefCount > 0 || keep[hash] {
				report.Live++
				continue
			}
			if err := s.meta.Delete(txn, hash); err != nil {
				return err
			}
			report.Released = append(report.Released, hash)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("releasing metadata: %w", err)
	}

	released := make(map[string]bool, len(report.Released))
	for _, hash := range report.Released {
		released[hash] = true
	}

	objects, err := s.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-s.orphanGrace)
	for _, obj := range objects {
		if keep[obj.Hash] {
			continue
		}
		if known[obj.Hash] && !released[obj.Hash] {
			continue
		}
		if obj.ModTime.After(cutoff) {
			// recently written; a commit may be about to retain it
			continue
		}
		// a commit may have retained the hash since the metadata pass
		referenced, err := s.hasMeta(obj.Hash)
		if err != nil {
			return nil, err
		}
		if referenced {
			continue
		}
		if err := s.backend.Delete(ctx, obj.Hash); err != nil {
			return nil, err
		}
		s.cache.Remove(obj.Hash)
		if !released[obj.Hash] {
			report.Orphans = append(report.Orphans, obj.Hash)
		}
	}
	for hash := range released {
		s.cache.Remove(hash)
	}
	sort.Strings(report.Orphans)

	s.logger.Info("compaction finished",
		zap.Int("released", len(report.Released)),
		zap.Int("orphans", len(report.Orphans)),
		zap.Int("live", report.Live))
	return report, nil
}

func (s *Safe) hasMeta(hash string) (bool, error) {
	var found bool
	err := storage.View(s.db, func(txn *badger.Txn) error {
		var err error
		found, err = s.meta.Has(txn, hash)
		return err
	})
	return found, err
}

func (s *Safe) metas() ([]BlobMeta, error) {
	var metas []BlobMeta
	err := storage.View(s.db, func(txn *badger.Txn) error {
		return s.meta.List(txn, "", &metas)
	})
	return metas, err
}

func (s *Safe) retry(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxMetaRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err = storage.Update(s.db, fn)
		if !errors.Is(err, derrors.ErrStaleHead) {
			return err
		}
	}
	return err
}

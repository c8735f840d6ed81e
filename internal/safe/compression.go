// internal/safe/compression.go
package safe

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Stored objects start with a one byte envelope tag.
const (
	tagRaw  byte = 'r'
	tagZstd byte = 'z'
)

// CompressionOptions configures compression behavior
type CompressionOptions struct {
	// Minimum size in bytes before compressing
	MinSize int
	// zstd level (1=fastest ... 4=best)
	Level int
}

func DefaultCompressionOptions() CompressionOptions {
	return CompressionOptions{
		MinSize: 512,
		Level:   3,
	}
}

// compressionManager handles compression operations
type compressionManager struct {
	opts CompressionOptions

	encoders sync.Pool
	decoders sync.Pool
	bufs     sync.Pool
}

func newCompressionManager(opts CompressionOptions) (*compressionManager, error) {
	if opts.Level <= 0 {
		opts.Level = DefaultCompressionOptions().Level
	}
	level := zstd.EncoderLevelFromZstd(opts.Level)

	// Fail early on bad options instead of inside the pools.
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating test encoder: %w", err)
	}
	enc.Close()
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating test decoder: %w", err)
	}
	dec.Close()

	return &compressionManager{
		opts: opts,
		encoders: sync.Pool{
			New: func() interface{} {
				enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
				return enc
			},
		},
		decoders: sync.Pool{
			New: func() interface{} {
				dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
				return dec
			},
		},
		bufs: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}, nil
}

func (cm *compressionManager) shouldCompress(size int) bool {
	return size >= cm.opts.MinSize
}

// encode wraps content in the storage envelope, compressing it when that
// actually saves space.
func (cm *compressionManager) encode(content []byte) (data []byte, compressed bool) {
	if cm.shouldCompress(len(content)) {
		enc := cm.encoders.Get().(*zstd.Encoder)
		buf := cm.bufs.Get().(*bytes.Buffer)
		buf.Reset()
		buf.WriteByte(tagZstd)
		out := enc.EncodeAll(content, buf.Bytes())
		cm.encoders.Put(enc)

		if len(out) < len(content)+1 {
			data = append([]byte(nil), out...)
			cm.bufs.Put(buf)
			return data, true
		}
		cm.bufs.Put(buf)
	}

	data = make([]byte, 0, len(content)+1)
	data = append(data, tagRaw)
	return append(data, content...), false
}

// decode unwraps the storage envelope.
func (cm *compressionManager) decode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty object")
	}
	switch data[0] {
	case tagRaw:
		return data[1:], nil
	case tagZstd:
		dec := cm.decoders.Get().(*zstd.Decoder)
		defer cm.decoders.Put(dec)
		out, err := dec.DecodeAll(data[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing content: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown object envelope %q", data[0])
	}
}

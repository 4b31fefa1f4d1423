// Package compression provides the pluggable codec registry used to
// compress exported snapshot bundles before they leave the capturing host.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec compresses and decompresses a snapshot artifact's bytes for export.
type Codec interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// Registry holds the set of codecs available for snapshot export, selected
// by name from export configuration.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
	// Default is used when export configuration does not name a codec.
	Default string
}

// NewRegistry builds a Registry pre-populated with the zstd, snappy, and lz4
// codecs, defaulting to zstd.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[string]Codec), Default: "zstd"}
	r.Register(&zstdCodec{})
	r.Register(&snappyCodec{})
	r.Register(&lz4Codec{})
	return r
}

// Register adds or replaces a codec under its own name.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[c.Name()] = c
}

// Get looks up a codec by name, falling back to Default when name is empty.
func (r *Registry) Get(name string) (Codec, error) {
	if name == "" {
		name = r.Default
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[name]
	if !ok {
		return nil, fmt.Errorf("compression: unknown codec %q", name)
	}
	return c, nil
}

// zstdCodec wraps klauspost/compress/zstd for the default export path: best
// ratio for the multi-megabyte node/edge/string tables a snapshot bundles.
type zstdCodec struct {
	mu      sync.Mutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func (z *zstdCodec) Name() string { return "zstd" }

func (z *zstdCodec) Compress(data []byte) ([]byte, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.encoder == nil {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("compression: create zstd encoder: %w", err)
		}
		z.encoder = enc
	}
	return z.encoder.EncodeAll(data, nil), nil
}

func (z *zstdCodec) Decompress(data []byte) ([]byte, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.decoder == nil {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("compression: create zstd decoder: %w", err)
		}
		z.decoder = dec
	}
	return z.decoder.DecodeAll(data, nil)
}

// snappyCodec wraps golang/snappy for the low-latency path: a capture
// gated on an RSS threshold may need to export under time pressure, where
// snappy's speed matters more than its worse ratio.
type snappyCodec struct{}

func (snappyCodec) Name() string { return "snappy" }

func (snappyCodec) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyCodec) Decompress(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}

// lz4Codec wraps pierrec/lz4 for operators who want a middle ground between
// snappy's speed and zstd's ratio.
type lz4Codec struct{}

func (lz4Codec) Name() string { return "lz4" }

func (lz4Codec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("compression: lz4 write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compression: lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}

func (lz4Codec) Decompress(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("compression: lz4 read: %w", err)
	}
	return out, nil
}

// Package compress implements the CATS compressor registry: none, gzip,
// and zlib, plus the "is it worth compressing" proposal heuristic.
//
// Grounded on original_source/cats/compression.py's Compressor/
// BaseCompressor split (a registry of type_id -> codec, with a
// propose_compression classmethod) and rewritten idiomatically: compressors
// are small stateless types registered into a map, matching the teacher's
// internal/protocol/schema.go requirements-by-id table shape.
package compress

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
)

// IDs match spec.md §6.1.
const (
	None uint8 = 0x00
	Gzip uint8 = 0x01
	Zlib uint8 = 0x02
)

// Level matches spec.md §6.1: gzip/zlib level 6.
const Level = 6

// Auto is a sentinel Compressor value, never written to the wire, that
// tells writeFrame to run the propose-compression heuristic (Propose)
// against the connection's negotiated peer compressors instead of honoring
// an explicit choice (spec.md §4.3 step 3).
const Auto uint8 = 0xFF

// BeneficialThreshold is the minimum payload size, in bytes, below which
// compression is skipped regardless of which compressor would be chosen.
const BeneficialThreshold = 4096

// Compressor is a reversible byte-to-byte transform identified by a
// one-byte id.
type Compressor interface {
	ID() uint8
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

type noneCompressor struct{}

func (noneCompressor) ID() uint8                         { return None }
func (noneCompressor) Compress(d []byte) ([]byte, error) { return d, nil }
func (noneCompressor) Decompress(d []byte) ([]byte, error) {
	return d, nil
}

type gzipCompressor struct{}

func (gzipCompressor) ID() uint8 { return Gzip }

func (gzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, Level)
	if err != nil {
		return nil, fmt.Errorf("compress: gzip writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compress: gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress: gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func (gzipCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("compress: gzip reader: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("compress: gzip read: %w", err)
	}
	return out, nil
}

type zlibCompressor struct{}

func (zlibCompressor) ID() uint8 { return Zlib }

func (zlibCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, Level)
	if err != nil {
		return nil, fmt.Errorf("compress: zlib writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compress: zlib write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress: zlib close: %w", err)
	}
	return buf.Bytes(), nil
}

func (zlibCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("compress: zlib reader: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("compress: zlib read: %w", err)
	}
	return out, nil
}

// Registry resolves compressor ids to implementations.
type Registry struct {
	byID map[uint8]Compressor
}

// NewRegistry returns a Registry with none/gzip/zlib pre-registered.
func NewRegistry() *Registry {
	r := &Registry{byID: make(map[uint8]Compressor, 3)}
	r.Register(noneCompressor{})
	r.Register(gzipCompressor{})
	r.Register(zlibCompressor{})
	return r
}

// Register adds or replaces a compressor by its id.
func (r *Registry) Register(c Compressor) { r.byID[c.ID()] = c }

// Get resolves a compressor id.
func (r *Registry) Get(id uint8) (Compressor, bool) {
	c, ok := r.byID[id]
	return c, ok
}

// Compress looks up id and compresses data.
func (r *Registry) Compress(id uint8, data []byte) ([]byte, error) {
	c, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("compress: unknown compressor id %d", id)
	}
	return c.Compress(data)
}

// Decompress looks up id and decompresses data.
func (r *Registry) Decompress(id uint8, data []byte) ([]byte, error) {
	c, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("compress: unknown compressor id %d", id)
	}
	return c.Decompress(data)
}

// Beneficial reports whether compression is worth attempting for a payload
// of the given size. filesAlreadyCompressed should be true when the payload
// is a Files-typed blob whose entries are already identified as compressed
// by MIME type (spec.md §6.1).
func Beneficial(payloadLen int, filesAlreadyCompressed bool) bool {
	if payloadLen < BeneficialThreshold {
		return false
	}
	return !filesAlreadyCompressed
}

// Propose picks the first compressor in peerSupported (ordered by the
// peer's own preference, per its Statement.Compressors) that the local
// registry also implements, provided compression is Beneficial. Returns
// None when nothing qualifies.
func (r *Registry) Propose(peerSupported []uint8, payloadLen int, filesAlreadyCompressed bool) uint8 {
	if !Beneficial(payloadLen, filesAlreadyCompressed) {
		return None
	}
	for _, id := range peerSupported {
		if id == None {
			continue
		}
		if _, ok := r.byID[id]; ok {
			return id
		}
	}
	return None
}

// AlreadyCompressedMIME reports whether a MIME type is conventionally
// already compressed (so re-compressing wastes CPU for no gain).
func AlreadyCompressedMIME(mime string) bool {
	switch mime {
	case "image/jpeg", "image/png", "image/gif", "image/webp",
		"video/mp4", "video/webm", "audio/mpeg", "audio/ogg",
		"application/zip", "application/gzip", "application/x-7z-compressed",
		"application/x-rar-compressed", "application/pdf":
		return true
	default:
		return false
	}
}

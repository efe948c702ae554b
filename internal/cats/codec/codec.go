// Package codec implements the CATS payload codec registry: Binary,
// Scheme, Files, and ByteScheme, plus the shape-sniffing codec selection
// and the Files Offset-splitting rules from spec.md §3/§6.1.
//
// Grounded on original_source/cats/codecs.py's BaseCodec/Codec split (a
// registry of type_id -> codec tried in order until one accepts the Go
// value) and on the teacher's tlv.Field type-tag idiom for the wire ids.
package codec

import (
	"fmt"

	"github.com/Cifrazia/cats-go/internal/cats/action"
	"github.com/Cifrazia/cats-go/internal/cats/scheme"
)

// IDs match spec.md §6.1 data types.
const (
	Binary     uint8 = action.DataBinary
	Scheme     uint8 = action.DataScheme
	Files      uint8 = action.DataFiles
	ByteScheme uint8 = action.DataByteScheme
)

// FileInput is one file to be packed into a Files-typed payload.
type FileInput struct {
	Key  string
	Name string
	Data []byte
	MIME string
}

// EncodeBinary returns data sliced by offset. A nil slice yields an empty
// byte slice (matches original_source's ByteCodec.encode).
func EncodeBinary(data []byte, offset int64) []byte {
	return sliceFromOffset(data, offset)
}

// DecodeBinary is the identity transform; Binary payloads carry no further
// structure.
func DecodeBinary(data []byte) []byte {
	if data == nil {
		return []byte{}
	}
	return data
}

// EncodeScheme marshals v under the given scheme format, then applies
// offset.
func EncodeScheme(v any, format scheme.Format, offset int64) ([]byte, error) {
	encoded, err := scheme.Encode(format, v)
	if err != nil {
		return nil, fmt.Errorf("codec: scheme encode: %w", err)
	}
	return sliceFromOffset(encoded, offset), nil
}

// DecodeScheme unmarshals data under the given scheme format into a generic
// map.
func DecodeScheme(data []byte, format scheme.Format) (map[string]any, error) {
	out, err := scheme.DecodeMap(format, data)
	if err != nil {
		return nil, fmt.Errorf("codec: scheme decode: %w", err)
	}
	return out, nil
}

// EncodeByteScheme is a transparent pass-through: the compact packed-byte
// structure is application-defined and opaque to the engine, but it is
// still subject to the Offset slicing rule like any other byte payload.
func EncodeByteScheme(data []byte, offset int64) []byte {
	return sliceFromOffset(data, offset)
}

// DecodeByteScheme is the identity transform.
func DecodeByteScheme(data []byte) []byte {
	if data == nil {
		return []byte{}
	}
	return data
}

// EncodeFiles concatenates files in order into a single buffer and builds
// the Files header manifest, applying offset per spec.md §6.1: skipped
// bytes are subtracted from each file's size in list order until
// exhausted; files whose size becomes 0 are omitted entirely.
func EncodeFiles(files []FileInput, offset int64) ([]byte, []action.FileEntry, error) {
	if offset < 0 {
		return nil, nil, fmt.Errorf("codec: negative offset %d", offset)
	}
	var buf []byte
	manifest := make([]action.FileEntry, 0, len(files))
	remainingSkip := offset
	for _, f := range files {
		size := int64(len(f.Data))
		if remainingSkip >= size {
			remainingSkip -= size
			continue
		}
		skipHere := remainingSkip
		remainingSkip = 0
		data := f.Data[skipHere:]
		buf = append(buf, data...)
		manifest = append(manifest, action.FileEntry{
			Key:  f.Key,
			Name: f.Name,
			Size: int64(len(data)),
			Type: f.MIME,
		})
	}
	if buf == nil {
		buf = []byte{}
	}
	return buf, manifest, nil
}

// DecodeFiles splits buf according to manifest's size fields, in list
// order, returning the per-key file contents.
func DecodeFiles(buf []byte, manifest []action.FileEntry) (map[string][]byte, error) {
	out := make(map[string][]byte, len(manifest))
	offset := 0
	for _, entry := range manifest {
		if entry.Size < 0 {
			return nil, fmt.Errorf("codec: files: negative size for %q", entry.Key)
		}
		end := offset + int(entry.Size)
		if end > len(buf) {
			return nil, fmt.Errorf("codec: files: manifest size exceeds payload for %q", entry.Key)
		}
		out[entry.Key] = buf[offset:end]
		offset = end
	}
	return out, nil
}

func sliceFromOffset(data []byte, offset int64) []byte {
	if offset <= 0 || len(data) == 0 {
		if data == nil {
			return []byte{}
		}
		return data
	}
	if offset >= int64(len(data)) {
		return []byte{}
	}
	return data[offset:]
}

// Sniff picks a data type id by inspecting the shape of a Go value for
// locally originated requests that didn't request an explicit codec,
// matching spec.md §4.3's classification: bytes -> Binary, structured
// object -> Scheme, file-bundle object -> Files, packed byte struct ->
// ByteScheme (never auto-selected; callers opt in explicitly).
func Sniff(v any) uint8 {
	switch v.(type) {
	case []byte:
		return Binary
	case []FileInput:
		return Files
	default:
		return Scheme
	}
}

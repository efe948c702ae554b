// Package frame implements the CATS wire framing: action-id dispatch, the
// per-variant fixed head (spec.md §6.1), the Headers/payload blob framing,
// and StreamAction's distinct chunked framing.
//
// Grounded on the teacher's internal/protocol/frame.ReadFrame/WriteFrame
// (fixed-header io.ReadFull + Limits + encoding/binary.BigEndian field
// codec), generalized from edgectl's single fixed header to the
// tag-dispatched per-variant head table CATS requires.
package frame

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Cifrazia/cats-go/internal/cats/action"
	"github.com/Cifrazia/cats-go/internal/cats/scheme"
)

// Fixed head lengths per variant, spec.md §6.1.
const (
	headActionLen        = 2 + 2 + 8 + 1 + 1 + 4 // handler_id, message_id, send_time, data_type, compressor, data_len
	headStreamActionLen  = 2 + 2 + 8 + 1 + 1      // handler_id, message_id, send_time, data_type, compressor
	headInputActionLen   = 2 + 1 + 1 + 4          // message_id, data_type, compressor, data_len
	headDownloadSpeedLen = 4                      // speed
	headCancelInputLen   = 2                      // message_id
	headPingLen          = 8                      // send_time
)

var (
	// ErrUnknownAction is returned when the leading action-id byte does not
	// match any known variant.
	ErrUnknownAction = errors.New("frame: unknown action id")

	// ErrHeadersNotTerminated is returned when the 0x00 0x00 separator is
	// not found within data_len bytes of a non-stream payload.
	ErrHeadersNotTerminated = errors.New("frame: headers separator not found within data_len")

	// ErrHeadersTooLarge is returned when a StreamAction's declared
	// headers_size, or a non-stream headers blob, exceeds MaxHeadersBytes.
	ErrHeadersTooLarge = errors.New("frame: headers_size exceeds limit")

	// ErrPayloadTooLarge is returned when a declared length exceeds the
	// configured hard ceiling.
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// streamChunkSentinel terminates a StreamAction's chunk sequence.
const streamChunkSentinel uint32 = 0

// Limits bounds memory use while decoding frames off the wire.
type Limits struct {
	// MaxHeadersBytes bounds how far the reader scans for the headers
	// terminator (non-stream) or how large a declared headers_size
	// (stream) may be.
	MaxHeadersBytes uint32

	// InMemoryThreshold is the payload size above which the reader spills
	// to a temp file instead of buffering in memory.
	InMemoryThreshold int64

	// MaxPayloadBytes is a hard ceiling on data_len/chunk_size; exceeding
	// it is a protocol error rather than a spill decision.
	MaxPayloadBytes uint64

	// SpillDir is the directory temp files are created in; "" uses the
	// OS default.
	SpillDir string
}

// DefaultLimits matches spec.md §4.1's "default ~8 MiB" in-memory
// threshold.
func DefaultLimits() Limits {
	return Limits{
		MaxHeadersBytes:   1 << 20,
		InMemoryThreshold: 8 << 20,
		MaxPayloadBytes:   512 << 20,
	}
}

// ReadFrame reads one complete action off r. format is the scheme format
// negotiated for this connection's peer and is used to decode Headers
// blobs. When a headers blob cannot be decoded, or a non-stream headers blob
// is unterminated or over MaxHeadersBytes, the reader has consumed the rest
// of the frame before returning the error. A declared data_len,
// headers_size or chunk_size over the configured limits is rejected without
// consuming the bytes it declares, so the stream position after that error
// is not defined.
func ReadFrame(r *bufio.Reader, limits Limits, format scheme.Format) (*action.Envelope, error) {
	idByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	kind := action.Kind(idByte)
	if !action.KnownKind(kind) {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownAction, idByte)
	}

	env := &action.Envelope{Kind: kind}

	switch kind {
	case action.KindAction:
		head, err := readFixed(r, headActionLen)
		if err != nil {
			return nil, err
		}
		env.HandlerID = binary.BigEndian.Uint16(head[0:2])
		env.MessageID = binary.BigEndian.Uint16(head[2:4])
		env.SendTime = binary.BigEndian.Uint64(head[4:12])
		env.DataType = head[12]
		env.Compressor = head[13]
		dataLen := binary.BigEndian.Uint32(head[14:18])
		if err := readPayloadEnvelope(r, env, uint64(dataLen), limits, format); err != nil {
			return nil, err
		}

	case action.KindInputAction:
		head, err := readFixed(r, headInputActionLen)
		if err != nil {
			return nil, err
		}
		env.MessageID = binary.BigEndian.Uint16(head[0:2])
		env.DataType = head[2]
		env.Compressor = head[3]
		dataLen := binary.BigEndian.Uint32(head[4:8])
		if err := readPayloadEnvelope(r, env, uint64(dataLen), limits, format); err != nil {
			return nil, err
		}

	case action.KindStreamAction:
		head, err := readFixed(r, headStreamActionLen)
		if err != nil {
			return nil, err
		}
		env.HandlerID = binary.BigEndian.Uint16(head[0:2])
		env.MessageID = binary.BigEndian.Uint16(head[2:4])
		env.SendTime = binary.BigEndian.Uint64(head[4:12])
		env.DataType = head[12]
		env.Compressor = head[13]
		if err := readStreamPayload(r, env, limits, format); err != nil {
			return nil, err
		}

	case action.KindDownloadSpeed:
		head, err := readFixed(r, headDownloadSpeedLen)
		if err != nil {
			return nil, err
		}
		env.Speed = binary.BigEndian.Uint32(head)

	case action.KindCancelInput:
		head, err := readFixed(r, headCancelInputLen)
		if err != nil {
			return nil, err
		}
		env.MessageID = binary.BigEndian.Uint16(head)

	case action.KindPing:
		head, err := readFixed(r, headPingLen)
		if err != nil {
			return nil, err
		}
		env.SendTime = binary.BigEndian.Uint64(head)

	case action.KindStartEncryption, action.KindStopEncryption:
		// Reserved, no-op: no head, no payload (spec.md §1).

	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownAction, idByte)
	}

	return env, nil
}

func readFixed(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("frame: read head: %w", err)
	}
	return buf, nil
}

// readPayloadEnvelope reads the Headers++0x0000++payload blob for a
// non-stream action. It scans for the 2-byte terminator one byte at a time
// so the payload tail can be spilled to disk without buffering headers and
// payload together.
func readPayloadEnvelope(r *bufio.Reader, env *action.Envelope, dataLen uint64, limits Limits, format scheme.Format) error {
	if dataLen > limits.MaxPayloadBytes {
		return fmt.Errorf("%w: data_len=%d", ErrPayloadTooLarge, dataLen)
	}

	headerBuf := make([]byte, 0, 256)
	var remaining = dataLen
	var sawZero bool
	found := false

	for remaining > 0 {
		b, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("frame: read headers: %w", err)
		}
		remaining--
		if sawZero && b == 0x00 {
			found = true
			break
		}
		if sawZero {
			headerBuf = append(headerBuf, 0x00)
		}
		if b == 0x00 {
			sawZero = true
			continue
		}
		sawZero = false
		headerBuf = append(headerBuf, b)
		if uint32(len(headerBuf)) > limits.MaxHeadersBytes {
			discard(r, remaining)
			return ErrHeadersTooLarge
		}
	}
	if !found {
		// remaining already exhausted to 0 without finding the terminator:
		// the whole data_len has been consumed, so the stream stays in
		// sync even though this is an error.
		return ErrHeadersNotTerminated
	}

	headers, err := scheme.DecodeMap(format, headerBuf)
	if err != nil {
		if discardErr := discard(r, remaining); discardErr != nil {
			return discardErr
		}
		return fmt.Errorf("frame: decode headers: %w", err)
	}
	env.Headers = action.Headers(headers)

	return readPayloadTail(r, env, remaining, limits)
}

// readPayloadTail reads the remaining payload bytes, spilling to a temp
// file when above the in-memory threshold.
func readPayloadTail(r io.Reader, env *action.Envelope, n uint64, limits Limits) error {
	if n == 0 {
		env.Payload = []byte{}
		return nil
	}
	if limits.InMemoryThreshold > 0 && n > uint64(limits.InMemoryThreshold) {
		f, err := os.CreateTemp(limits.SpillDir, "cats-payload-*.bin")
		if err != nil {
			return fmt.Errorf("frame: create spill file: %w", err)
		}
		written, err := io.CopyN(f, r, int64(n))
		closeErr := f.Close()
		if err != nil {
			os.Remove(f.Name())
			return fmt.Errorf("frame: spill payload: %w", err)
		}
		if closeErr != nil {
			os.Remove(f.Name())
			return fmt.Errorf("frame: close spill file: %w", closeErr)
		}
		env.Spill = &action.Spill{Path: f.Name(), Size: written}
		return nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("frame: read payload: %w", err)
	}
	env.Payload = buf
	return nil
}

func discard(r io.Reader, n uint64) error {
	if n == 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, r, int64(n))
	if err != nil {
		return fmt.Errorf("frame: discard remainder: %w", err)
	}
	return nil
}

// readStreamPayload implements the StreamAction framing: u32 headers_size,
// header bytes, then repeating (u32 chunk_size, bytes) terminated by a zero
// length chunk.
func readStreamPayload(r *bufio.Reader, env *action.Envelope, limits Limits, format scheme.Format) error {
	sizeBuf, err := readFixed(r, 4)
	if err != nil {
		return err
	}
	headersSize := binary.BigEndian.Uint32(sizeBuf)
	if headersSize > limits.MaxHeadersBytes {
		return ErrHeadersTooLarge
	}
	headerBuf := make([]byte, headersSize)
	if headersSize > 0 {
		if _, err := io.ReadFull(r, headerBuf); err != nil {
			return fmt.Errorf("frame: read stream headers: %w", err)
		}
	}

	headers, decodeErr := scheme.DecodeMap(format, headerBuf)
	if decodeErr == nil {
		env.Headers = action.Headers(headers)
	}

	var chunks [][]byte
	for {
		chunkSizeBuf, err := readFixed(r, 4)
		if err != nil {
			return fmt.Errorf("frame: read chunk size: %w", err)
		}
		chunkSize := binary.BigEndian.Uint32(chunkSizeBuf)
		if chunkSize == streamChunkSentinel {
			break
		}
		if uint64(chunkSize) > limits.MaxPayloadBytes {
			return fmt.Errorf("%w: chunk_size=%d", ErrPayloadTooLarge, chunkSize)
		}
		chunk := make([]byte, chunkSize)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return fmt.Errorf("frame: read chunk: %w", err)
		}
		chunks = append(chunks, chunk)
	}
	env.Chunks = chunks

	if decodeErr != nil {
		return fmt.Errorf("frame: decode stream headers: %w", decodeErr)
	}
	return nil
}

// WriteFrame writes one complete action to w. format is the scheme format
// this connection negotiated with its peer, used to encode Headers.
func WriteFrame(w io.Writer, env *action.Envelope, format scheme.Format) error {
	if _, err := w.Write([]byte{byte(env.Kind)}); err != nil {
		return err
	}

	switch env.Kind {
	case action.KindAction, action.KindInputAction:
		payload, err := env.LoadPayload()
		if err != nil {
			return fmt.Errorf("frame: load payload: %w", err)
		}
		headerBytes, err := encodeHeaders(env.Headers, format)
		if err != nil {
			return err
		}
		dataLen := uint32(len(headerBytes) + 2 + len(payload))

		head := make([]byte, 0, headActionLen)
		if env.Kind == action.KindAction {
			head = appendU16(head, env.HandlerID)
		}
		head = appendU16(head, env.MessageID)
		if env.Kind == action.KindAction {
			head = appendU64(head, env.SendTime)
		}
		head = append(head, env.DataType, env.Compressor)
		head = appendU32(head, dataLen)
		if _, err := w.Write(head); err != nil {
			return err
		}
		if _, err := w.Write(headerBytes); err != nil {
			return err
		}
		if _, err := w.Write([]byte{0x00, 0x00}); err != nil {
			return err
		}
		if _, err := w.Write(payload); err != nil {
			return err
		}

	case action.KindStreamAction:
		headerBytes, err := encodeHeaders(env.Headers, format)
		if err != nil {
			return err
		}
		head := make([]byte, 0, headStreamActionLen)
		head = appendU16(head, env.HandlerID)
		head = appendU16(head, env.MessageID)
		head = appendU64(head, env.SendTime)
		head = append(head, env.DataType, env.Compressor)
		if _, err := w.Write(head); err != nil {
			return err
		}
		sizeBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(sizeBuf, uint32(len(headerBytes)))
		if _, err := w.Write(sizeBuf); err != nil {
			return err
		}
		if _, err := w.Write(headerBytes); err != nil {
			return err
		}
		for _, chunk := range env.Chunks {
			chunkSizeBuf := make([]byte, 4)
			binary.BigEndian.PutUint32(chunkSizeBuf, uint32(len(chunk)))
			if _, err := w.Write(chunkSizeBuf); err != nil {
				return err
			}
			if _, err := w.Write(chunk); err != nil {
				return err
			}
		}
		terminator := make([]byte, 4)
		if _, err := w.Write(terminator); err != nil {
			return err
		}

	case action.KindDownloadSpeed:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, env.Speed)
		if _, err := w.Write(buf); err != nil {
			return err
		}

	case action.KindCancelInput:
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, env.MessageID)
		if _, err := w.Write(buf); err != nil {
			return err
		}

	case action.KindPing:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, env.SendTime)
		if _, err := w.Write(buf); err != nil {
			return err
		}

	case action.KindStartEncryption, action.KindStopEncryption:
		// no head, no payload

	default:
		return fmt.Errorf("%w: %v", ErrUnknownAction, env.Kind)
	}
	return nil
}

func encodeHeaders(h action.Headers, format scheme.Format) ([]byte, error) {
	if h == nil {
		h = action.Headers{}
	}
	b, err := scheme.Encode(format, h)
	if err != nil {
		return nil, fmt.Errorf("frame: encode headers: %w", err)
	}
	return b, nil
}

func appendU16(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}

func appendU32(b []byte, v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return append(b, buf...)
}

func appendU64(b []byte, v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return append(b, buf...)
}

// Package action defines the CATS wire envelope: the tagged action
// variants, their head fields, and the Headers/payload shapes they carry.
//
// Modeled on the teacher's tagged frame.Header (magic/version/message id/
// message type/flags) and the semantic Value union in
// internal/protocol/semantic.go, generalized to the variant-per-tag shape
// spec.md §6.1 requires instead of one fixed header for every message.
package action

import (
	"os"
	"strings"
)

// Kind is the one-byte action id on the wire.
type Kind uint8

const (
	KindAction          Kind = 0x00
	KindStreamAction    Kind = 0x01
	KindInputAction     Kind = 0x02
	KindDownloadSpeed   Kind = 0x05
	KindCancelInput     Kind = 0x06
	KindStartEncryption Kind = 0xF0
	KindStopEncryption  Kind = 0xF1
	KindPing            Kind = 0xFF
)

func (k Kind) String() string {
	switch k {
	case KindAction:
		return "Action"
	case KindStreamAction:
		return "StreamAction"
	case KindInputAction:
		return "InputAction"
	case KindDownloadSpeed:
		return "DownloadSpeedAction"
	case KindCancelInput:
		return "CancelInputAction"
	case KindStartEncryption:
		return "StartEncryption"
	case KindStopEncryption:
		return "StopEncryption"
	case KindPing:
		return "PingAction"
	default:
		return "Unknown"
	}
}

// KnownKind reports whether k is a defined action id.
func KnownKind(k Kind) bool {
	switch k {
	case KindAction, KindStreamAction, KindInputAction, KindDownloadSpeed,
		KindCancelInput, KindStartEncryption, KindStopEncryption, KindPing:
		return true
	default:
		return false
	}
}

// Data types (codec ids), spec.md §6.1.
const (
	DataBinary     uint8 = 0x00
	DataScheme     uint8 = 0x01
	DataFiles      uint8 = 0x02
	DataByteScheme uint8 = 0x03
)

// Compressor ids, spec.md §6.1.
const (
	CompressorNone uint8 = 0x00
	CompressorGzip uint8 = 0x01
	CompressorZlib uint8 = 0x02
)

// Message id ranges, spec.md §3.
const (
	MessageIDRequestReplyMax uint16 = 0x7FFF
	MessageIDBroadcastMin    uint16 = 0x8000
)

// IsBroadcastID reports whether id lies in the broadcast half of the space.
func IsBroadcastID(id uint16) bool { return id >= MessageIDBroadcastMin }

// Headers maps short ASCII header names to JSON-scalar/array values.
type Headers map[string]any

// StatusHeaderKey is the well-known header shadowing the default status.
const StatusHeaderKey = "Status"

// OffsetHeaderKey is the well-known header declaring bytes the peer already
// possesses.
const OffsetHeaderKey = "Offset"

// FilesHeaderKey carries the file manifest for Files-typed payloads.
const FilesHeaderKey = "Files"

// Status returns the Status header value, defaulting to 200 when absent or
// not numeric.
func (h Headers) Status() int {
	if h == nil {
		return 200
	}
	v, ok := h[StatusHeaderKey]
	if !ok {
		return 200
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 200
	}
}

// Offset returns the Offset header value and whether it was present.
func (h Headers) Offset() (int64, bool) {
	if h == nil {
		return 0, false
	}
	v, ok := h[OffsetHeaderKey]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// FileEntry is one record of the Files header manifest.
type FileEntry struct {
	Key  string `json:"key" yaml:"key" toml:"key"`
	Name string `json:"name" yaml:"name" toml:"name"`
	Size int64  `json:"size" yaml:"size" toml:"size"`
	Type string `json:"type,omitempty" yaml:"type,omitempty" toml:"type,omitempty"`
}

// Files returns the parsed Files header manifest, if present and well shaped.
func (h Headers) Files() ([]FileEntry, bool) {
	if h == nil {
		return nil, false
	}
	raw, ok := h[FilesHeaderKey]
	if !ok {
		return nil, false
	}
	list, ok := raw.([]any)
	if !ok {
		// Already-typed slice (constructed locally rather than decoded).
		if entries, ok := raw.([]FileEntry); ok {
			return entries, true
		}
		return nil, false
	}
	out := make([]FileEntry, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		entry := FileEntry{
			Key:  stringOf(m["key"]),
			Name: stringOf(m["name"]),
			Size: int64Of(m["size"]),
		}
		if t, ok := m["type"]; ok {
			entry.Type = stringOf(t)
		}
		out = append(out, entry)
	}
	return out, true
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func int64Of(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// Envelope is the in-memory representation of any action on the wire. Only
// the fields relevant to Kind are meaningful; see spec.md §6.1 for the head
// shape per variant.
type Envelope struct {
	Kind Kind

	HandlerID  uint16 // Action, StreamAction
	MessageID  uint16 // Action, StreamAction, InputAction, CancelInputAction
	SendTime   uint64 // Action, StreamAction, PingAction (ms epoch)
	DataType   uint8  // Action, StreamAction, InputAction
	Compressor uint8  // Action, StreamAction, InputAction
	Speed      uint32 // DownloadSpeedAction, bytes/sec

	Headers Headers
	Payload []byte   // Action, InputAction: framed payload bytes (post decompress+decode is done by codec layer)
	Chunks  [][]byte // StreamAction: each chunk already decompressed independently

	// Spill is set instead of Payload when the frame reader decided the
	// declared payload size exceeded its in-memory threshold; the bytes
	// live in a temp file until LoadPayload or Cleanup is called.
	Spill *Spill
}

// Spill locates a payload that was streamed to disk instead of held in
// memory while it was read off the wire.
type Spill struct {
	Path string
	Size int64
}

// LoadPayload returns e.Payload, reading it from e.Spill on first call if
// the payload was spilled to disk. The result is cached in e.Payload.
func (e *Envelope) LoadPayload() ([]byte, error) {
	if e.Spill == nil || e.Payload != nil {
		return e.Payload, nil
	}
	data, err := os.ReadFile(e.Spill.Path)
	if err != nil {
		return nil, err
	}
	e.Payload = data
	return data, nil
}

// Cleanup removes any temp file backing e.Spill. Safe to call on an
// envelope with no spill.
func (e *Envelope) Cleanup() error {
	if e.Spill == nil {
		return nil
	}
	err := os.Remove(e.Spill.Path)
	e.Spill = nil
	return err
}

// NewAction builds a request/reply-carrying Action envelope.
func NewAction(handlerID, messageID uint16, dataType, compressor uint8, headers Headers, payload []byte) *Envelope {
	return &Envelope{
		Kind:       KindAction,
		HandlerID:  handlerID,
		MessageID:  messageID,
		DataType:   dataType,
		Compressor: compressor,
		Headers:    headers,
		Payload:    payload,
	}
}

// NewStreamAction builds a StreamAction envelope from pre-chunked data.
func NewStreamAction(handlerID, messageID uint16, dataType, compressor uint8, headers Headers, chunks [][]byte) *Envelope {
	return &Envelope{
		Kind:       KindStreamAction,
		HandlerID:  handlerID,
		MessageID:  messageID,
		DataType:   dataType,
		Compressor: compressor,
		Headers:    headers,
		Chunks:     chunks,
	}
}

// NewInputAction builds an InputAction envelope (a reply to a pending ask).
func NewInputAction(messageID uint16, dataType, compressor uint8, headers Headers, payload []byte) *Envelope {
	return &Envelope{
		Kind:       KindInputAction,
		MessageID:  messageID,
		DataType:   dataType,
		Compressor: compressor,
		Headers:    headers,
		Payload:    payload,
	}
}

// NewCancelInput builds a CancelInputAction envelope.
func NewCancelInput(messageID uint16) *Envelope {
	return &Envelope{Kind: KindCancelInput, MessageID: messageID}
}

// NewDownloadSpeed builds a DownloadSpeedAction envelope.
func NewDownloadSpeed(bytesPerSecond uint32) *Envelope {
	return &Envelope{Kind: KindDownloadSpeed, Speed: bytesPerSecond}
}

// NewPing builds a PingAction envelope stamped with sendTime (ms epoch).
func NewPing(sendTime uint64) *Envelope {
	return &Envelope{Kind: KindPing, SendTime: sendTime}
}

// IsBroadcast reports whether this envelope's message id lies in the
// broadcast half of the id space. Only meaningful for Action/StreamAction.
func (e *Envelope) IsBroadcast() bool { return IsBroadcastID(e.MessageID) }

// HasPayload reports whether this Kind carries Headers+payload bytes.
func HasPayload(k Kind) bool {
	switch k {
	case KindAction, KindInputAction:
		return true
	default:
		return false
	}
}

// IsStream reports whether this Kind uses the stream-chunk payload framing.
func IsStream(k Kind) bool { return k == KindStreamAction }

// ValidateOffset enforces the spec.md §3 Offset invariant against a payload
// length known ahead of decode.
func ValidateOffset(h Headers, payloadLen int) bool {
	off, ok := h.Offset()
	if !ok {
		return true
	}
	return off >= 0 && off <= int64(payloadLen)
}

// NormalizeHeaderName trims surrounding whitespace; header names are short
// ASCII tokens by convention (see spec.md §3) but callers may hand-roll maps.
func NormalizeHeaderName(name string) string { return strings.TrimSpace(name) }

// Package scheme implements the negotiated scheme-format registry: JSON,
// YAML, and TOML serialize/deserialize plus the leading-byte auto-detection
// heuristic spec.md §4.4 uses during statement exchange.
//
// Grounded on the teacher's TOML usage in internal/config/config.go
// (struct-tagged unmarshal) and on gopkg.in/yaml.v3, which appears as a
// direct dependency across the retrieved example pack (e.g.
// aretw0-trellis's go.mod). JSON uses the standard library, matching the
// teacher's internal/protocol/session/control.go control-envelope codec.
package scheme

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Format identifies a scheme-format backend.
type Format uint8

const (
	JSON Format = iota
	YAML
	TOML
)

func (f Format) String() string {
	switch f {
	case JSON:
		return "JSON"
	case YAML:
		return "YAML"
	case TOML:
		return "TOML"
	default:
		return "unknown"
	}
}

// ParseFormat maps a case-insensitive name to a Format.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(name) {
	case "json":
		return JSON, nil
	case "yaml", "yml":
		return YAML, nil
	case "toml":
		return TOML, nil
	default:
		return 0, fmt.Errorf("scheme: unknown format %q", name)
	}
}

// Encode marshals v using the given format.
func Encode(f Format, v any) ([]byte, error) {
	switch f {
	case JSON:
		return json.Marshal(v)
	case YAML:
		return yaml.Marshal(v)
	case TOML:
		return toml.Marshal(v)
	default:
		return nil, fmt.Errorf("scheme: unsupported format %d", f)
	}
}

// Decode unmarshals data using the given format into out.
func Decode(f Format, data []byte, out any) error {
	switch f {
	case JSON:
		if len(data) == 0 {
			return nil
		}
		return json.Unmarshal(data, out)
	case YAML:
		if len(data) == 0 {
			return nil
		}
		return yaml.Unmarshal(data, out)
	case TOML:
		if len(data) == 0 {
			return nil
		}
		return toml.Unmarshal(data, out)
	default:
		return fmt.Errorf("scheme: unsupported format %d", f)
	}
}

// DecodeMap decodes data into a generic map[string]any, used for Headers
// and Statement payloads whose Go shape isn't known ahead of time.
func DecodeMap(f Format, data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	out := map[string]any{}
	if err := Decode(f, data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Detect applies the spec.md §4.4 leading-character heuristic: '{' or '['
// implies JSON; a YAML document marker ('%', "---"), or a first line shaped
// like "key: value" implies YAML; otherwise TOML.
func Detect(data []byte) Format {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return JSON
	}
	switch trimmed[0] {
	case '{', '[':
		return JSON
	case '%':
		return YAML
	}
	if bytes.HasPrefix(trimmed, []byte("---")) {
		return YAML
	}
	if looksLikeYAMLMapping(trimmed) {
		return YAML
	}
	return TOML
}

// looksLikeYAMLMapping matches a bare "key: value" first line without TOML's
// "key = value" or "[section]" shape, and without requiring a document
// marker — e.g. "api: 1\nclient_time: ...".
func looksLikeYAMLMapping(data []byte) bool {
	line := data
	if idx := bytes.IndexByte(data, '\n'); idx >= 0 {
		line = data[:idx]
	}
	line = bytes.TrimRight(line, "\r")
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return false
	}
	key := bytes.TrimSpace(line[:colon])
	if len(key) == 0 {
		return false
	}
	for _, b := range key {
		if !(b == '_' || b == '-' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')) {
			return false
		}
	}
	// Reject TOML "key = value" lines having snuck a colon in the value.
	eq := bytes.IndexByte(line, '=')
	return eq < 0 || colon < eq
}

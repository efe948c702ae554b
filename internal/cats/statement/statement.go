// Package statement implements the opening self-description each peer
// sends right after protocol version negotiation (spec.md §3, §4.4):
// api version, clock, scheme format, and supported compressors.
package statement

import (
	"fmt"

	"github.com/Cifrazia/cats-go/internal/cats/scheme"
)

// Client is the statement the connection initiator sends.
type Client struct {
	API                int             `json:"api" yaml:"api" toml:"api"`
	ClientTime          int64           `json:"client_time" yaml:"client_time" toml:"client_time"`
	SchemeFormat        string          `json:"scheme_format" yaml:"scheme_format" toml:"scheme_format"`
	Compressors         []int           `json:"compressors" yaml:"compressors" toml:"compressors"`
	DefaultCompression  *int            `json:"default_compression,omitempty" yaml:"default_compression,omitempty" toml:"default_compression,omitempty"`
}

// Validate enforces spec.md §3's statement invariant: compressors is
// non-empty, and default_compression, if present, is one of compressors.
func (c *Client) Validate() error {
	if len(c.Compressors) == 0 {
		return fmt.Errorf("statement: compressors must not be empty")
	}
	if c.DefaultCompression != nil {
		found := false
		for _, id := range c.Compressors {
			if id == *c.DefaultCompression {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("statement: default_compression %d not in compressors", *c.DefaultCompression)
		}
	}
	return nil
}

// Server is the statement the responder sends back.
type Server struct {
	ServerTime int64 `json:"server_time" yaml:"server_time" toml:"server_time"`
}

// EncodeClient marshals c under format.
func EncodeClient(format scheme.Format, c *Client) ([]byte, error) {
	return scheme.Encode(format, c)
}

// DecodeClient unmarshals data under format into a Client and validates it.
func DecodeClient(format scheme.Format, data []byte) (*Client, error) {
	c := &Client{}
	if err := scheme.Decode(format, data, c); err != nil {
		return nil, fmt.Errorf("statement: decode client: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// EncodeServer marshals s under format.
func EncodeServer(format scheme.Format, s *Server) ([]byte, error) {
	return scheme.Encode(format, s)
}

// DecodeServer unmarshals data under format into a Server.
func DecodeServer(format scheme.Format, data []byte) (*Server, error) {
	s := &Server{}
	if err := scheme.Decode(format, data, s); err != nil {
		return nil, fmt.Errorf("statement: decode server: %w", err)
	}
	return s, nil
}

// ClockOffsetMillis computes server_time - client_time, per spec.md §4.4.
func ClockOffsetMillis(server *Server, client *Client) int64 {
	return server.ServerTime - client.ClientTime
}

package cats

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/Cifrazia/cats-go/internal/cats/broadcast"
	"github.com/Cifrazia/cats-go/internal/cats/compress"
	"github.com/Cifrazia/cats-go/internal/cats/conn"
	"github.com/Cifrazia/cats-go/internal/cats/handler"
	"github.com/Cifrazia/cats-go/internal/cats/handshake"
	"github.com/Cifrazia/cats-go/internal/cats/scheme"
	"github.com/Cifrazia/cats-go/internal/cats/statement"
)

// ClientConfig configures Dial's connection attempt and the behavior of
// the resulting Conn.
type ClientConfig struct {
	Addr      string
	DialTimeout time.Duration
	TLSConfig *tls.Config

	ProtocolVersion     uint32
	IdleTimeout         time.Duration
	InputTimeout        time.Duration
	HandshakeTimeout    time.Duration
	InputLimit          int
	DefaultSchemeFormat scheme.Format

	Handshake *handshake.SHA256Time

	Handlers    *handler.Registry
	Broadcasts  *broadcast.Registry
	Compressors *compress.Registry

	Logger    zerolog.Logger
	OnMetrics conn.Metrics

	// Statement is the self-description this side sends during statement
	// exchange (spec.md §4.4). Compressors must be non-empty and
	// DefaultCompression, if set, one of them; the other fields are sent as
	// given. Dial fills ClientTime from time.Now if zero.
	Statement statement.Client
}

// Dial opens a TCP (or TLS) connection to cfg.Addr and runs it through
// statement exchange and, if configured, handshake, returning a running
// Conn.
func Dial(cfg ClientConfig) (*conn.Conn, error) {
	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	var nc net.Conn
	var err error
	if cfg.TLSConfig != nil {
		nc, err = tls.DialWithDialer(&dialer, "tcp", cfg.Addr, cfg.TLSConfig)
	} else {
		nc, err = dialer.Dial("tcp", cfg.Addr)
	}
	if err != nil {
		return nil, fmt.Errorf("cats: dial %s: %w", cfg.Addr, err)
	}

	stmt := cfg.Statement
	if stmt.ClientTime == 0 {
		stmt.ClientTime = time.Now().UnixMilli()
	}

	c, err := conn.Connect(nc, conn.Config{
		ProtocolVersion:     cfg.ProtocolVersion,
		IdleTimeout:         cfg.IdleTimeout,
		InputTimeout:        cfg.InputTimeout,
		HandshakeTimeout:    cfg.HandshakeTimeout,
		InputLimit:          cfg.InputLimit,
		Handshake:           cfg.Handshake,
		DefaultSchemeFormat: cfg.DefaultSchemeFormat,
		Handlers:            cfg.Handlers,
		Broadcasts:          cfg.Broadcasts,
		Compressors:         cfg.Compressors,
		Logger:              cfg.Logger,
		OnMetrics:           cfg.OnMetrics,
	}, &stmt)
	if err != nil {
		return nil, fmt.Errorf("cats: connect %s: %w", cfg.Addr, err)
	}
	return c, nil
}

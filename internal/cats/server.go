// Package cats is the engine facade: Server and Client wire the
// connection state machine (internal/cats/conn) to a net.Listener or a
// dialed net.Conn, owning the registries (handlers, broadcasts,
// compressors) every accepted/dialed connection shares.
//
// Grounded on the teacher's internal/mirage.Service.Run/Serve accept-loop
// shape (signal-aware context, tracked-connection map, one goroutine per
// connection) generalized from Mirage's single ghost-session protocol to
// CATS's handler-registry-driven dispatch.
package cats

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Cifrazia/cats-go/internal/cats/broadcast"
	"github.com/Cifrazia/cats-go/internal/cats/compress"
	"github.com/Cifrazia/cats-go/internal/cats/conn"
	"github.com/Cifrazia/cats-go/internal/cats/handler"
	"github.com/Cifrazia/cats-go/internal/cats/handshake"
	"github.com/Cifrazia/cats-go/internal/cats/scheme"
)

// ServerConfig configures a Server's listener and the per-connection
// behavior every accepted Conn inherits.
type ServerConfig struct {
	ListenAddr string
	TLSConfig  *tls.Config

	ProtocolVersion     uint32
	IdleTimeout         time.Duration
	InputTimeout        time.Duration
	HandshakeTimeout    time.Duration
	InputLimit          int
	PingInterval        time.Duration
	DefaultSchemeFormat scheme.Format

	Handshake *handshake.SHA256Time

	Handlers    *handler.Registry
	Broadcasts  *broadcast.Registry
	Compressors *compress.Registry

	Logger    zerolog.Logger
	OnMetrics conn.Metrics

	// OnAccept, if non-nil, is called after a Conn reaches RUNNING.
	OnAccept func(*conn.Conn)
	// OnConnError, if non-nil, is called when Accept's lifecycle negotiation
	// fails before RUNNING is reached.
	OnConnError func(net.Conn, error)
}

// Server owns a listener and every Conn accepted on it.
type Server struct {
	cfg ServerConfig

	connMu sync.Mutex
	conns  map[*conn.Conn]struct{}

	handlers   *handler.Registry
	broadcasts *broadcast.Registry
}

// NewServer builds a Server; Handlers/Broadcasts default to fresh
// registries if cfg leaves them nil, matching internal/cats/conn's own
// defaulting so Server.Handlers()/Broadcasts() are never nil.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Handlers == nil {
		cfg.Handlers = handler.NewRegistry()
	}
	if cfg.Broadcasts == nil {
		cfg.Broadcasts = broadcast.New()
	}
	return &Server{
		cfg:        cfg,
		conns:      make(map[*conn.Conn]struct{}),
		handlers:   cfg.Handlers,
		broadcasts: cfg.Broadcasts,
	}
}

// Handlers returns the registry new handlers should be Register()ed into.
func (s *Server) Handlers() *handler.Registry { return s.handlers }

// Broadcasts returns the shared broadcast channel registry.
func (s *Server) Broadcasts() *broadcast.Registry { return s.broadcasts }

func (s *Server) connConfig() conn.Config {
	return conn.Config{
		ProtocolVersion:     s.cfg.ProtocolVersion,
		IdleTimeout:         s.cfg.IdleTimeout,
		InputTimeout:        s.cfg.InputTimeout,
		HandshakeTimeout:    s.cfg.HandshakeTimeout,
		InputLimit:          s.cfg.InputLimit,
		Handshake:           s.cfg.Handshake,
		DefaultSchemeFormat: s.cfg.DefaultSchemeFormat,
		Handlers:            s.handlers,
		Broadcasts:          s.broadcasts,
		Compressors:         s.cfg.Compressors,
		PingInterval:        s.cfg.PingInterval,
		Logger:              s.cfg.Logger,
		OnMetrics:           s.cfg.OnMetrics,
	}
}

func (s *Server) listen() (net.Listener, error) {
	if s.cfg.TLSConfig == nil {
		return net.Listen("tcp", s.cfg.ListenAddr)
	}
	return tls.Listen("tcp", s.cfg.ListenAddr, s.cfg.TLSConfig)
}

// Run binds the configured address and serves until ctx is cancelled or
// the listener fails. It blocks.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return fmt.Errorf("cats: listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, running each
// through the connection lifecycle on its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAll()
		_ = ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("cats: accept: %w", err)
		}
		go s.handleAccept(nc)
	}
}

func (s *Server) handleAccept(nc net.Conn) {
	c, err := conn.Accept(nc, s.connConfig())
	if err != nil {
		if s.cfg.OnConnError != nil {
			s.cfg.OnConnError(nc, err)
		}
		return
	}
	s.track(c)
	defer s.untrack(c)
	if s.cfg.OnAccept != nil {
		s.cfg.OnAccept(c)
	}
	<-c.Done()
}

func (s *Server) track(c *conn.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) untrack(c *conn.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	delete(s.conns, c)
}

func (s *Server) closeAll() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for c := range s.conns {
		_ = c.Close()
		delete(s.conns, c)
	}
}

// Connections returns a snapshot of currently tracked connection ids, for
// introspection (internal/admin).
func (s *Server) Connections() []string {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	out := make([]string, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c.ID())
	}
	return out
}

// BroadcastChannels returns the names of every channel with at least one
// subscriber, for admin introspection.
func (s *Server) BroadcastChannels() []string {
	return s.broadcasts.Channels()
}

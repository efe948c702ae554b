// Package transport adapts a net.Conn into a deadline-aware byte stream
// for the frame reader/writer (spec.md §2 component 1), so conn applies
// read/write timeouts without scattering net.Conn deadline calls across
// its lifecycle code.
//
// Grounded on the teacher's internal/mirage/service.go and
// internal/ghost/mirage_client.go, which set a fresh SetReadDeadline/
// SetWriteDeadline immediately before each blocking socket op that needs
// one (dial, handshake, statement exchange) rather than a single global
// deadline for the connection's whole life.
package transport

import (
	"net"
	"time"
)

// Transport wraps a net.Conn with named, one-shot deadline helpers.
// Embedding net.Conn means Transport satisfies net.Conn itself; Read/Write
// pass straight through — callers apply a deadline explicitly before the
// operation it should bound, matching the teacher's style.
type Transport struct {
	net.Conn
}

// New wraps nc.
func New(nc net.Conn) *Transport {
	return &Transport{Conn: nc}
}

// WithReadTimeout sets (or, for d <= 0, clears) the read deadline ahead of
// the next Read call.
func (t *Transport) WithReadTimeout(d time.Duration) error {
	if d <= 0 {
		return t.Conn.SetReadDeadline(time.Time{})
	}
	return t.Conn.SetReadDeadline(time.Now().Add(d))
}

// WithWriteTimeout sets (or, for d <= 0, clears) the write deadline ahead
// of the next Write call.
func (t *Transport) WithWriteTimeout(d time.Duration) error {
	if d <= 0 {
		return t.Conn.SetWriteDeadline(time.Time{})
	}
	return t.Conn.SetWriteDeadline(time.Now().Add(d))
}

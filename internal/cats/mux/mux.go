// Package mux implements the per-connection message multiplexer: message
// id allocation with collision avoidance, reply/input waiter correlation,
// and the nested-ask input-chain depth limit (spec.md §4.5).
//
// Grounded on the teacher's wzshiming-emux session.go (sync.RWMutex-guarded
// id->stream map, a dedicated id pool, per-connection write serialization)
// generalized from emux's raw byte-stream multiplexing to CATS's
// request/reply-vs-broadcast id-range semantics.
package mux

import (
	"context"
	"fmt"
	"sync"

	"github.com/Cifrazia/cats-go/internal/cats/action"
	"github.com/Cifrazia/cats-go/internal/cats/catserr"
)

// DefaultInputLimit matches spec.md §4.5's default ask() chain depth.
const DefaultInputLimit = 5

// Waiter is a single-resolution handoff between the dispatch loop and a
// suspended caller (an outstanding request, or a handler blocked in Ask).
type Waiter struct {
	ch   chan result
	once sync.Once
}

type result struct {
	env *action.Envelope
	err error
}

func newWaiter() *Waiter {
	return &Waiter{ch: make(chan result, 1)}
}

// Resolve hands env (and/or err) to the waiting caller. Only the first call
// has effect; later calls are no-ops, matching "exactly one inbound action
// resolves its waiter" (spec.md §8).
func (w *Waiter) Resolve(env *action.Envelope, err error) {
	w.once.Do(func() {
		w.ch <- result{env: env, err: err}
		close(w.ch)
	})
}

// Wait blocks until Resolve is called or ctx is done.
func (w *Waiter) Wait(ctx context.Context) (*action.Envelope, error) {
	select {
	case r := <-w.ch:
		return r.env, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type pendingInput struct {
	waiter *Waiter
	bypass bool
}

// Mux owns one connection's message-id bookkeeping. Not safe for use
// across connections; every method is called only from that connection's
// tasks.
type Mux struct {
	mu sync.Mutex

	nextID uint16

	outbound map[uint16]*Waiter    // ids we allocated, awaiting the peer's reply
	inbound  map[uint16]struct{}   // ids currently being processed as incoming requests
	asks     map[uint16]*pendingInput // ids with an outstanding ask() issued against them
	depth    map[uint16]int        // nested-ask depth per message id, reset when the request completes

	inputLimit int

	closed   bool
	closeErr error
}

// New returns a Mux with the given nested-ask depth limit. inputLimit <= 0
// uses DefaultInputLimit.
func New(inputLimit int) *Mux {
	if inputLimit <= 0 {
		inputLimit = DefaultInputLimit
	}
	return &Mux{
		outbound:   make(map[uint16]*Waiter),
		inbound:    make(map[uint16]struct{}),
		asks:       make(map[uint16]*pendingInput),
		depth:      make(map[uint16]int),
		inputLimit: inputLimit,
	}
}

// AllocateOutbound reserves the next free id in the request/reply half
// range and registers a waiter for its reply, per spec.md §4.5's
// incrementing-counter-modulo-0x8000 allocation with collision skip.
func (m *Mux) AllocateOutbound() (uint16, *Waiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, nil, catserr.ErrConnectionClosed
	}
	for i := uint16(0); i <= action.MessageIDRequestReplyMax; i++ {
		id := m.nextID
		m.nextID = (m.nextID + 1) % (action.MessageIDRequestReplyMax + 1)
		if _, busyOut := m.outbound[id]; busyOut {
			continue
		}
		if _, busyIn := m.inbound[id]; busyIn {
			continue
		}
		w := newWaiter()
		m.outbound[id] = w
		return id, w, nil
	}
	return 0, nil, fmt.Errorf("mux: no free message id")
}

// ResolveOutboundReply wakes the waiter registered by AllocateOutbound for
// env's message id. Returns a wrapped ProtocolError if no such waiter
// exists (duplicate reply or reply to an id we never sent).
func (m *Mux) ResolveOutboundReply(env *action.Envelope) error {
	m.mu.Lock()
	w, ok := m.outbound[env.MessageID]
	if ok {
		delete(m.outbound, env.MessageID)
	}
	m.mu.Unlock()
	if !ok {
		return catserr.Protocolf("", "reply for unknown/duplicate message_id %d", env.MessageID)
	}
	w.Resolve(env, nil)
	return nil
}

// ReleaseOutbound discards the waiter registered by AllocateOutbound for id
// without resolving it, for fire-and-forget sends (StreamAction) that
// expect no reply.
func (m *Mux) ReleaseOutbound(id uint16) {
	m.mu.Lock()
	delete(m.outbound, id)
	m.mu.Unlock()
}

// ReopenOutbound re-registers a fresh waiter for id after its previous
// waiter was resolved with an InputAction prompt rather than a final reply,
// so the requester can wait again for the next frame on the same exchange
// (spec.md §8 scenarios 3 & 6: a chained ask/reply loop on one message id).
func (m *Mux) ReopenOutbound(id uint16) (*Waiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, catserr.ErrConnectionClosed
	}
	w := newWaiter()
	m.outbound[id] = w
	return w, nil
}

// ReserveInbound marks id as a new incoming request being processed.
// Returns a ProtocolError if id is already active, enforcing the
// message-id-uniqueness invariant (spec.md §8).
func (m *Mux) ReserveInbound(id uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return catserr.ErrConnectionClosed
	}
	if _, busy := m.inbound[id]; busy {
		return catserr.Protocolf("", "duplicate concurrent request for message_id %d", id)
	}
	m.inbound[id] = struct{}{}
	return nil
}

// IsOutboundPending reports whether id was allocated by this side and is
// still awaiting a reply — used by the dispatch loop to classify an
// inbound Action/StreamAction as a reply vs. a new request.
func (m *Mux) IsOutboundPending(id uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.outbound[id]
	return ok
}

// ReleaseInbound frees id once its handler has produced a final response
// (or failed), allowing it to be reused by a later unrelated exchange.
func (m *Mux) ReleaseInbound(id uint16) {
	m.mu.Lock()
	delete(m.inbound, id)
	delete(m.depth, id)
	m.mu.Unlock()
}

// RegisterAsk installs a waiter for an InputAction reply correlated to
// messageID, enforcing the nested-ask depth limit unless bypass is set.
// The returned depth is the nested-ask depth reached by this call (0 for
// bypass), for callers that report it to metrics.
func (m *Mux) RegisterAsk(messageID uint16, bypass bool) (*Waiter, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, 0, catserr.ErrConnectionClosed
	}
	depth := 0
	if !bypass {
		depth = m.depth[messageID] + 1
		if depth > m.inputLimit {
			return nil, 0, catserr.ErrInputLimitExceeded
		}
		m.depth[messageID] = depth
	}
	w := newWaiter()
	m.asks[messageID] = &pendingInput{waiter: w, bypass: bypass}
	return w, depth, nil
}

// ResolveAsk wakes the pending ask for env's message id with its reply
// payload. Returns a ProtocolError if no ask is outstanding for that id.
func (m *Mux) ResolveAsk(env *action.Envelope) error {
	m.mu.Lock()
	p, ok := m.asks[env.MessageID]
	if ok {
		delete(m.asks, env.MessageID)
	}
	m.mu.Unlock()
	if !ok {
		return catserr.Protocolf("", "input reply without pending ask for message_id %d", env.MessageID)
	}
	p.waiter.Resolve(env, nil)
	return nil
}

// CancelAsk resolves the pending ask for messageID with InputCancelled, per
// a CancelInputAction from the peer. Returns a ProtocolError if no ask is
// outstanding.
func (m *Mux) CancelAsk(messageID uint16) error {
	m.mu.Lock()
	p, ok := m.asks[messageID]
	if ok {
		delete(m.asks, messageID)
	}
	m.mu.Unlock()
	if !ok {
		return catserr.Protocolf("", "cancel input without pending ask for message_id %d", messageID)
	}
	p.waiter.Resolve(nil, catserr.ErrInputCancelled)
	return nil
}

// ResetDepth clears the nested-ask depth counter for messageID, called once
// its top-level request/handler invocation has completed.
func (m *Mux) ResetDepth(messageID uint16) {
	m.mu.Lock()
	delete(m.depth, messageID)
	m.mu.Unlock()
}

// CloseAll resolves every still-pending waiter with err (ConnectionClosed
// by convention) and marks the Mux closed, rejecting further registration.
func (m *Mux) CloseAll(err error) {
	m.mu.Lock()
	m.closed = true
	m.closeErr = err
	outbound := m.outbound
	asks := m.asks
	m.outbound = make(map[uint16]*Waiter)
	m.asks = make(map[uint16]*pendingInput)
	m.mu.Unlock()

	for _, w := range outbound {
		w.Resolve(nil, err)
	}
	for _, p := range asks {
		p.waiter.Resolve(nil, err)
	}
}

// Err returns the error CloseAll was called with, if the Mux is closed.
func (m *Mux) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeErr
}

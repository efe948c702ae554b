// Package handler defines the boundary between the CATS engine and
// application-supplied request processors (spec.md §6.2): a registry
// contract of lookup(handler_id, api_version), and the per-request Context
// a Handler uses to issue ask() prompts back to its peer.
//
// Grounded on spec.md §9's "small context value that borrows the
// connection for the request's lifetime" design note and on the teacher's
// internal/plugins registry shape, generalized from a flat name-keyed
// table to the (handler_id, api_version) composite key spec.md requires.
package handler

import (
	"context"
	"fmt"
	"sync"

	"github.com/Cifrazia/cats-go/internal/cats/action"
	"github.com/Cifrazia/cats-go/internal/cats/scheme"
)

// ErrNotFound is returned by a Registry when no Handler matches.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "handler: not found" }

// Handler is an application-supplied request processor.
type Handler interface {
	// Prepare validates the inbound request before Handle runs. Returning
	// an error fails the exchange as a ValidationError (spec.md §7)
	// without invoking Handle.
	Prepare(ctx *Context) error

	// Handle processes the request and returns the action to send back,
	// or nil to send nothing (e.g. when the handler is fire-and-forget).
	Handle(ctx *Context) (*action.Envelope, error)
}

// Func adapts a plain function with no validation step into a Handler.
type Func func(ctx *Context) (*action.Envelope, error)

func (f Func) Prepare(*Context) error                             { return nil }
func (f Func) Handle(ctx *Context) (*action.Envelope, error)       { return f(ctx) }

// AskFunc is the connection-supplied callback a Context uses to issue an
// InputAction prompt and await the peer's reply. The connection owns
// message-id correlation (internal/cats/mux); handler never sees it.
type AskFunc func(ctx context.Context, payload []byte, dataType, compressor uint8, headers action.Headers, bypassCount bool) (*action.Envelope, error)

// Context is the per-request handle a Handler uses to read the inbound
// action and to prompt its peer mid-handling.
type Context struct {
	// StdContext is the request's cancellation/deadline context, derived
	// from the connection's lifetime and any per-handler timeout.
	StdContext context.Context

	Inbound *action.Envelope

	APIVersion   uint32
	SchemeFormat scheme.Format

	// ClockOffsetMillis is server_time-client_time from statement exchange
	// (spec.md §3), for handlers that need to timestamp replies.
	ClockOffsetMillis int64

	ask AskFunc
}

// NewContext builds a Context borrowing ask from the owning connection. The
// connection must outlive every Context it hands to a handler (spec.md
// §9).
func NewContext(std context.Context, inbound *action.Envelope, apiVersion uint32, format scheme.Format, clockOffsetMillis int64, ask AskFunc) *Context {
	return &Context{
		StdContext:        std,
		Inbound:           inbound,
		APIVersion:        apiVersion,
		SchemeFormat:      format,
		ClockOffsetMillis: clockOffsetMillis,
		ask:               ask,
	}
}

// Ask sends payload as an InputAction prompt correlated to the inbound
// request and suspends until the peer replies with a matching InputAction
// or CancelInputAction, or until ctx's deadline. bypassCount skips the
// nested-ask depth limit (spec.md §4.5).
func (c *Context) Ask(payload []byte, dataType, compressor uint8, headers action.Headers, bypassCount bool) (*action.Envelope, error) {
	return c.ask(c.StdContext, payload, dataType, compressor, headers, bypassCount)
}

// key composes the (handler_id, api_version) lookup key spec.md §6.2
// specifies.
type key struct {
	handlerID  uint16
	apiVersion uint32
}

// Registry resolves (handler_id, api_version) to a Handler.
type Registry struct {
	mu sync.RWMutex
	m  map[key]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[key]Handler)}
}

// Register installs h for (handlerID, apiVersion), replacing any existing
// entry.
func (r *Registry) Register(handlerID uint16, apiVersion uint32, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[key{handlerID, apiVersion}] = h
}

// Lookup resolves (handlerID, apiVersion), returning ErrNotFound if no
// Handler was registered for that exact pair.
func (r *Registry) Lookup(handlerID uint16, apiVersion uint32) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.m[key{handlerID, apiVersion}]
	if !ok {
		return nil, fmt.Errorf("handler_id=0x%04x api=%d: %w", handlerID, apiVersion, ErrNotFound)
	}
	return h, nil
}

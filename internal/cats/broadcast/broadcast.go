// Package broadcast implements the one process-wide mutable structure the
// engine owns: a channel-name -> subscriber-set registry used to route
// server-initiated broadcast actions (spec.md §4.5, §5).
//
// Grounded on the teacher's internal/plugins registry (a sync.RWMutex
// guarding a name-keyed map) generalized from a single flat map to a
// registry of sets, and on spec.md §5's explicit requirement that this be
// the only cross-connection shared state, guarded by one non-reentrant
// lock.
package broadcast

import (
	"sync"

	"github.com/Cifrazia/cats-go/internal/cats/action"
)

// Subscriber receives broadcast actions routed to a channel it joined.
type Subscriber interface {
	// Deliver is called with a broadcast action whose message id lies in
	// the broadcast half of the id space. Implementations must not block;
	// slow consumers should buffer internally.
	Deliver(env *action.Envelope)

	// ID uniquely identifies this subscriber (typically the owning
	// connection's id) so Unsubscribe can remove exactly one entry.
	ID() string
}

// Registry is the process-wide broadcast channel membership table. The
// zero value is not usable; construct with New.
type Registry struct {
	mu       sync.Mutex
	channels map[string]map[string]Subscriber
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{channels: make(map[string]map[string]Subscriber)}
}

// Subscribe joins sub to channel, creating it if necessary.
func (r *Registry) Subscribe(channel string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.channels[channel]
	if !ok {
		members = make(map[string]Subscriber)
		r.channels[channel] = members
	}
	members[sub.ID()] = sub
}

// Unsubscribe removes sub from channel. A no-op if either is absent.
func (r *Registry) Unsubscribe(channel string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.channels[channel]
	if !ok {
		return
	}
	delete(members, sub.ID())
	if len(members) == 0 {
		delete(r.channels, channel)
	}
}

// UnsubscribeAll removes sub from every channel it belongs to, used when a
// connection transitions to CLOSED (spec.md §4.4).
func (r *Registry) UnsubscribeAll(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for channel, members := range r.channels {
		delete(members, sub.ID())
		if len(members) == 0 {
			delete(r.channels, channel)
		}
	}
}

// Publish delivers env to every current subscriber of channel. Publishing
// to a channel with no subscribers does nothing.
func (r *Registry) Publish(channel string, env *action.Envelope) {
	r.mu.Lock()
	members := r.channels[channel]
	snapshot := make([]Subscriber, 0, len(members))
	for _, sub := range members {
		snapshot = append(snapshot, sub)
	}
	r.mu.Unlock()

	for _, sub := range snapshot {
		sub.Deliver(env)
	}
}

// Channels lists the names of every channel with at least one subscriber,
// for admin introspection.
func (r *Registry) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.channels))
	for name := range r.channels {
		out = append(out, name)
	}
	return out
}

// Subscribers counts the subscribers of channel.
func (r *Registry) Subscribers(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels[channel])
}

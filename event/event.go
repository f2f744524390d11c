// Package event implements the event registry: named publishable signals,
// their subscription-authorization predicates, and the cluster-vs-local
// emit branch.
package event

import (
	"context"
	"fmt"
	"sync"

	"github.com/johnjansen/pulsekit/node"
)

// ShouldSubscribeFunc decides whether n may subscribe to an event on
// channel. When nil, Options falls through to UserScoped, then allow-all.
type ShouldSubscribeFunc func(n *node.Node, channel string) bool

// Options configures a registered Event.
type Options struct {
	Protected       bool
	UserScoped      bool
	ShouldSubscribe ShouldSubscribeFunc
	Cluster         bool
}

// Event is one registered publishable signal.
type Event struct {
	Name      string
	Protected bool
	Cluster   bool
	predicate ShouldSubscribeFunc
}

// CanSubscribe evaluates the event's resolved subscription predicate.
func (e *Event) CanSubscribe(n *node.Node, channel string) bool {
	return e.predicate(n, channel)
}

// Registry is the name -> *Event store.
type Registry struct {
	mu     sync.RWMutex
	events map[string]*Event

	// publish is how a cluster-flagged emit reaches the broker; nil when
	// no broker is configured (clustering disabled).
	publish func(ctx context.Context, eventName, channel string, payload []byte) error
	// local is how a non-cluster (or already cluster-delivered) emit
	// reaches this server's own channel/subscriber fan-out.
	local func(channel, event string, payload []byte)
}

// NewRegistry returns an empty Registry. publish and local are supplied by
// the server orchestrator once it has built the cluster broker and channel
// set; either may be nil if clustering is disabled.
func NewRegistry(publish func(ctx context.Context, eventName, channel string, payload []byte) error, local func(channel, event string, payload []byte)) *Registry {
	return &Registry{
		events:  make(map[string]*Event),
		publish: publish,
		local:   local,
	}
}

// Add registers name with opts, resolving its subscription predicate once
// up front per the documented precedence: explicit ShouldSubscribe, else
// UserScoped, else allow-all.
func (r *Registry) Add(name string, opts Options) {
	e := &Event{Name: name, Protected: opts.Protected, Cluster: opts.Cluster}
	switch {
	case opts.ShouldSubscribe != nil:
		e.predicate = opts.ShouldSubscribe
	case opts.UserScoped:
		e.predicate = func(n *node.Node, channel string) bool {
			return n.UserID() != "" && channel == n.UserID()
		}
	default:
		e.predicate = func(n *node.Node, channel string) bool { return true }
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[name] = e
}

// Get returns the registered event for name, if any.
func (r *Registry) Get(name string) (*Event, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.events[name]
	return e, ok
}

// Names returns every registered event name, in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.events))
	for name := range r.events {
		names = append(names, name)
	}
	return names
}

// Emit implements the cluster-vs-local branch: a cluster=true event
// publishes to the broker exactly once and does NOT also fan out locally
// in the same call (the local delivery for the originating server happens
// when its own subscription loop receives the message back, same as every
// other server); a cluster=false event fans out locally only.
func (r *Registry) Emit(ctx context.Context, name, channel string, payload []byte) error {
	e, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("event: %q not registered", name)
	}
	if e.Cluster {
		if r.publish == nil {
			return fmt.Errorf("event: %q is cluster-flagged but no broker is configured", name)
		}
		return r.publish(ctx, name, channel, payload)
	}
	if r.local != nil {
		r.local(channel, name, payload)
	}
	return nil
}

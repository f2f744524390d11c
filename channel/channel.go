// Package channel implements the per-channel subscriber registry and local
// fan-out that delivers events to the nodes subscribed to them.
package channel

import (
	"sync"

	"github.com/johnjansen/pulsekit/codec"
	"github.com/johnjansen/pulsekit/node"
)

// Channel holds, for one channel name, the set of nodes subscribed to each
// event name on that channel. Keyed two levels deep (event name, then
// node) because a single node may subscribe to several events on the same
// channel independently.
type Channel struct {
	Name string

	mu          sync.RWMutex
	subscribers map[string]map[*node.Node]struct{}
}

// New returns an empty Channel.
func New(name string) *Channel {
	return &Channel{
		Name:        name,
		subscribers: make(map[string]map[*node.Node]struct{}),
	}
}

// Subscribe adds n to the subscriber set for event on this channel.
func (c *Channel) Subscribe(event string, n *node.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.subscribers[event]
	if !ok {
		set = make(map[*node.Node]struct{})
		c.subscribers[event] = set
	}
	set[n] = struct{}{}
}

// Unsubscribe removes n from the subscriber set for event. If event is "",
// n is removed from every event on this channel (a full rpc:off for the
// channel, or cleanup on disconnect).
func (c *Channel) Unsubscribe(event string, n *node.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if event == "" {
		for _, set := range c.subscribers {
			delete(set, n)
		}
		return
	}
	if set, ok := c.subscribers[event]; ok {
		delete(set, n)
	}
}

// IsSubscribed reports whether n is currently subscribed to event.
func (c *Channel) IsSubscribed(event string, n *node.Node) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set, ok := c.subscribers[event]
	if !ok {
		return false
	}
	_, ok = set[n]
	return ok
}

// Empty reports whether this channel has no subscribers left for any
// event, letting the owning registry drop it.
func (c *Channel) Empty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, set := range c.subscribers {
		if len(set) > 0 {
			return false
		}
	}
	return true
}

// Propagate delivers an already-built event envelope to every subscriber
// of event on this channel, handing the same envelope to every
// subscriber's Send. The envelope is not pre-encoded: each subscriber's
// transport encodes it again on its own write.
func (c *Channel) Propagate(event string, env *codec.Envelope) {
	c.mu.RLock()
	set := c.subscribers[event]
	targets := make([]*node.Node, 0, len(set))
	for n := range set {
		targets = append(targets, n)
	}
	c.mu.RUnlock()

	for _, n := range targets {
		_ = n.Send(env)
	}
}

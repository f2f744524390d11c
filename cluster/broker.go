// Package cluster adapts the event registry's cluster-flagged emits onto a
// Redis pub/sub broker, so multiple pulsekit server processes can share one
// logical event stream.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const topicPrefix = "pulsekit:"

func topic(eventName string) string {
	return topicPrefix + eventName
}

// message is the wire shape carried on a cluster topic: the channel the
// event was emitted on, its already-encoded payload, and the publishing
// server's OriginID, used to suppress delivering a server's own emits back
// to itself.
type message struct {
	Channel string `json:"channel"`
	Payload []byte `json:"encodedPayload"`
	OriginID string `json:"originId"`
}

// Broker wraps a *redis.Client as the cluster pub/sub transport.
type Broker struct {
	rdb      *redis.Client
	originID string

	ready    chan struct{}
	readyOnce sync.Once

	mu      sync.Mutex
	pubsub  *redis.PubSub
	deliver func(channel, event string, payload []byte)
}

// New builds a Redis client from opts and returns a Broker with a fresh
// OriginID. No connection is made until the first Publish or Subscribe.
func New(opts *redis.Options) *Broker {
	return &Broker{
		rdb:      redis.NewClient(opts),
		originID: uuid.NewString(),
		ready:    make(chan struct{}),
	}
}

// Ready closes once the initial Subscribe handshake completes, signaling
// this server's broker half is listening.
func (b *Broker) Ready() <-chan struct{} {
	return b.ready
}

// Publish encodes msg and publishes it on the event's topic. Per the
// documented failure semantics, a publish error is logged, not
// fallen-back-to-local-delivery and not returned as a fatal error to the
// original emit caller beyond the returned error value itself.
func (b *Broker) Publish(ctx context.Context, eventName, channel string, payload []byte) error {
	wire, err := json.Marshal(message{Channel: channel, Payload: payload, OriginID: b.originID})
	if err != nil {
		return fmt.Errorf("cluster: encode message: %w", err)
	}
	if err := b.rdb.Publish(ctx, topic(eventName), wire).Err(); err != nil {
		log.Printf("pulsekit: cluster publish to %s failed: %v", eventName, err)
		return err
	}
	return nil
}

// Subscribe opens a single pattern subscription covering every present and
// future cluster topic ("pulsekit:*") and delivers inbound messages (whose
// OriginID doesn't match this Broker's own) to deliver. Pattern-matching
// means an event registered after Subscribe starts (the normal case, since
// Wire launches this before the caller has had a chance to call
// Events.Add) is covered without any resubscription step. It blocks until
// ctx is canceled or the subscription errors; callers should run it in its
// own goroutine.
func (b *Broker) Subscribe(ctx context.Context, deliver func(channel, event string, payload []byte)) error {
	b.mu.Lock()
	b.deliver = deliver
	pubsub := b.rdb.PSubscribe(ctx, topicPrefix+"*")
	b.pubsub = pubsub
	b.mu.Unlock()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("cluster: subscribe handshake: %w", err)
	}
	b.readyOnce.Do(func() { close(b.ready) })

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				log.Printf("pulsekit: cluster: malformed message on %s: %v", msg.Channel, err)
				continue
			}
			if m.OriginID == b.originID {
				continue
			}
			deliver(m.Channel, strings.TrimPrefix(msg.Channel, topicPrefix), m.Payload)
		}
	}
}

// Close releases the Redis client and any active subscription.
func (b *Broker) Close() error {
	b.mu.Lock()
	pubsub := b.pubsub
	b.mu.Unlock()
	if pubsub != nil {
		_ = pubsub.Close()
	}
	return b.rdb.Close()
}

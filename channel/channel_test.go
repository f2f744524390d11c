package channel

import (
	"sync"
	"testing"

	"github.com/johnjansen/pulsekit/codec"
	"github.com/johnjansen/pulsekit/node"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []*codec.Envelope
}

func (f *fakeTransport) WriteEnvelope(env *codec.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func TestSubscribePropagateUnsubscribe(t *testing.T) {
	c := New("room:1")
	ft1 := &fakeTransport{}
	ft2 := &fakeTransport{}
	n1 := node.New(ft1, node.Meta{}, nil, nil)
	n2 := node.New(ft2, node.Meta{}, nil, nil)

	c.Subscribe("chat.message", n1)
	c.Subscribe("chat.message", n2)

	env := codec.NewEvent("chat.message", "room:1", "hello")
	c.Propagate("chat.message", env)

	if len(ft1.sent) != 1 || len(ft2.sent) != 1 {
		t.Fatalf("expected both subscribers to receive one event, got %d/%d", len(ft1.sent), len(ft2.sent))
	}

	c.Unsubscribe("chat.message", n1)
	if c.IsSubscribed("chat.message", n1) {
		t.Fatal("expected n1 unsubscribed")
	}

	c.Propagate("chat.message", env)
	if len(ft1.sent) != 1 {
		t.Fatalf("expected n1 to not receive the second event, got %d", len(ft1.sent))
	}
	if len(ft2.sent) != 2 {
		t.Fatalf("expected n2 to receive both events, got %d", len(ft2.sent))
	}
}

func TestEmpty(t *testing.T) {
	c := New("room:1")
	if !c.Empty() {
		t.Fatal("new channel should be empty")
	}
	ft := &fakeTransport{}
	n := node.New(ft, node.Meta{}, nil, nil)
	c.Subscribe("e", n)
	if c.Empty() {
		t.Fatal("channel with a subscriber should not be empty")
	}
	c.Unsubscribe("", n)
	if !c.Empty() {
		t.Fatal("channel should be empty after unsubscribe-all")
	}
}

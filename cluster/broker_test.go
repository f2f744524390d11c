package cluster

import (
	"encoding/json"
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestTopicNaming(t *testing.T) {
	if got := topic("chat.message"); got != "pulsekit:chat.message" {
		t.Fatalf("got %q, want pulsekit:chat.message", got)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	m := message{Channel: "room:1", Payload: []byte(`{"a":1}`), OriginID: "origin-1"}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got message
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Channel != m.Channel || got.OriginID != m.OriginID || string(got.Payload) != string(m.Payload) {
		t.Fatalf("got %+v, want %+v", got, m)
	}
}

func TestNewAssignsUniqueOriginID(t *testing.T) {
	b1 := New(&redis.Options{Addr: "localhost:6379"})
	b2 := New(&redis.Options{Addr: "localhost:6379"})
	if b1.originID == "" || b1.originID == b2.originID {
		t.Fatalf("expected distinct non-empty origin ids, got %q and %q", b1.originID, b2.originID)
	}
}

package node

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/johnjansen/pulsekit/codec"
)

// SSETransport is the one-way push Transport. It has no ReadEnvelope; the
// one-way path receives method calls over POST /_call instead (see
// pulsekit's handleCallHTTP), which does not go through a Node's
// transport at all.
type SSETransport struct {
	w       http.ResponseWriter
	flusher http.Flusher
	node    *Node
	codec   *codec.Codec

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewSSETransport wraps the response writer of an already-headers-written
// SSE connection. node is used to mint sequence ids for the "id:" field.
func NewSSETransport(w http.ResponseWriter, flusher http.Flusher) *SSETransport {
	return &SSETransport{w: w, flusher: flusher, done: make(chan struct{})}
}

// bind lets Node attach itself after construction, since Node.ID isn't
// known until after New returns the same transport it was given.
func (t *SSETransport) bind(n *Node) {
	t.node = n
}

// bindCodec lets Node attach the shared Codec after construction.
func (t *SSETransport) bindCodec(c *codec.Codec) {
	t.codec = c
}

// Done returns a channel closed when Close has run, for a handler's
// connection-lifetime select loop.
func (t *SSETransport) Done() <-chan struct{} {
	return t.done
}

// WriteEnvelope frames env as a single SSE event: an "id:" line (the
// node's next sequence number), and one or more "data:" lines — frame data
// containing embedded newlines is split across multiple "data:" lines per
// the SSE spec, exactly as sse.Handler.sendEvent does for its Data field.
func (t *SSETransport) WriteEnvelope(env *codec.Envelope) error {
	payload, err := t.codec.EncodeEnvelope(env)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}

	var seq int64
	if t.node != nil {
		seq = t.node.NextSeq()
	}
	if _, err := fmt.Fprintf(t.w, "id: %d\n", seq); err != nil {
		return err
	}
	for _, line := range strings.Split(string(payload), "\n") {
		if _, err := fmt.Fprintf(t.w, "data: %s\n", line); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintln(t.w); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

// Close signals the handler's select loop to stop. Safe to call more than
// once.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	return nil
}

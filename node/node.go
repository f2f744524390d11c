// Package node implements ClientNode, the per-connection session object
// that tracks a single client across either a duplex websocket or a
// one-way SSE push transport.
package node

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/johnjansen/pulsekit/codec"
	"github.com/johnjansen/pulsekit/keepalive"
	"github.com/johnjansen/pulsekit/ratelimit"
)

// ErrMissingUserID is returned by SetAuthContext when the supplied context
// has no non-empty "user.id" entry.
var ErrMissingUserID = errors.New("node: auth context missing user.id")

// ErrClosed is returned by Send when the node's transport is already gone.
var ErrClosed = errors.New("node: closed")

// Transport is satisfied by either the duplex websocket implementation or
// the one-way SSE push implementation. A Transport only needs to know how
// to write one envelope and how to close itself.
type Transport interface {
	WriteEnvelope(env *codec.Envelope) error
	Close() error
}

// Meta is the tracking metadata captured once at accept time.
type Meta struct {
	UserAgent  string
	RemoteAddr string
	Headers    map[string][]string
}

// ExtractMeta builds a Meta from an inbound HTTP request, preferring
// X-Forwarded-For over RemoteAddr when present.
func ExtractMeta(r *http.Request) Meta {
	remote := r.RemoteAddr
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		remote = fwd
	}
	headers := make(map[string][]string, len(r.Header))
	for k, v := range r.Header {
		headers[k] = v
	}
	return Meta{
		UserAgent:  r.UserAgent(),
		RemoteAddr: remote,
		Headers:    headers,
	}
}

// Node is a single connected client, duplex or one-way.
type Node struct {
	ID    string
	Meta  Meta
	Codec *codec.Codec

	transport Transport
	limiter   *ratelimit.Limiter
	keepalive *keepalive.Monitor
	seq       atomic.Int64

	mu          sync.RWMutex
	userID      string
	authContext map[string]any
	// clientMeta is the client-supplied opaque mapping, distinct from the
	// server-captured tracking Meta above: it carries whatever the client
	// put in it, verbatim, across an identity reassignment (TypeSetup).
	clientMeta map[string]any
	closed     bool
}

// New constructs a Node bound to transport. limiter and monitor may be nil
// (rate limiting / keep-alive disabled).
func New(transport Transport, meta Meta, limiter *ratelimit.Limiter, monitor *keepalive.Monitor) *Node {
	n := &Node{
		ID:        uuid.NewString(),
		Meta:      meta,
		Codec:     codec.New(),
		transport: transport,
		limiter:   limiter,
		keepalive: monitor,
	}
	if sse, ok := transport.(*SSETransport); ok {
		sse.bind(n)
	}
	if cb, ok := transport.(codecBinder); ok {
		cb.bindCodec(n.Codec)
	}
	return n
}

// codecBinder lets a Transport receive the owning Node's Codec once it
// exists, the same way SSETransport.bind receives the owning Node itself.
type codecBinder interface {
	bindCodec(c *codec.Codec)
}

// NextSeq returns the next monotonically increasing sequence number for
// this node's one-way push framing (the SSE "id:" field).
func (n *Node) NextSeq() int64 {
	return n.seq.Add(1)
}

// Touch records inbound activity against the node's keep-alive monitor, if
// any is configured.
func (n *Node) Touch() {
	if n.keepalive != nil {
		n.keepalive.Touch()
	}
}

// Keepalive attaches a keep-alive monitor after construction (the server
// orchestrator arms the monitor's onTimeout closure with the node itself,
// which isn't available until after New returns).
func (n *Node) Keepalive(m *keepalive.Monitor) {
	n.keepalive = m
}

// TryConsume reports whether the node's rate-limit bucket has a token
// available for an inbound method call.
func (n *Node) TryConsume() bool {
	if n.limiter == nil {
		return true
	}
	return n.limiter.TryConsume()
}

// Send writes env through the underlying transport. Sends to an already
// closed node are silently dropped, matching spec.md's stated behavior for
// replies racing a disconnect.
func (n *Node) Send(env *codec.Envelope) error {
	n.mu.RLock()
	closed := n.closed
	n.mu.RUnlock()
	if closed {
		return nil
	}
	return n.transport.WriteEnvelope(env)
}

// SendEvent is sugar over Send for the common event-delivery path.
func (n *Node) SendEvent(event, channel string, params any) error {
	return n.Send(codec.NewEvent(event, channel, params))
}

// Result is sugar over Send for a successful method reply.
func (n *Node) Result(uuid_, method string, result any) error {
	return n.Send(codec.NewResult(uuid_, method, result))
}

// Error is sugar over Send for an error method reply.
func (n *Node) Error(uuid_, code, message string) error {
	return n.Send(codec.NewError(uuid_, code, message))
}

// SetAuthContext stores an authenticated context for the node. The context
// must carry a non-empty "user.id" entry.
func (n *Node) SetAuthContext(ctx map[string]any) error {
	id, _ := ctx["user.id"].(string)
	if id == "" {
		return ErrMissingUserID
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.userID = id
	n.authContext = ctx
	return nil
}

// UserID returns the node's authenticated user id, or "" if unauthenticated.
func (n *Node) UserID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.userID
}

// AuthContext returns a copy of the node's authenticated context, or nil.
func (n *Node) AuthContext() map[string]any {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.authContext == nil {
		return nil
	}
	out := make(map[string]any, len(n.authContext))
	for k, v := range n.authContext {
		out[k] = v
	}
	return out
}

// SetMeta stores the client-supplied opaque mapping verbatim. Unlike
// SetAuthContext, no key is required or inspected — it is carried purely
// for the application's own use and survives an identity reassignment via
// TypeSetup since it lives on the Node, not on the registry entry.
func (n *Node) SetMeta(m map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clientMeta = m
}

// ClientMeta returns a copy of the client-supplied opaque mapping, or nil
// if none was ever set.
func (n *Node) ClientMeta() map[string]any {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.clientMeta == nil {
		return nil
	}
	out := make(map[string]any, len(n.clientMeta))
	for k, v := range n.clientMeta {
		out[k] = v
	}
	return out
}

// ClearAuthContext logs the node out (spec's rpc:logout).
func (n *Node) ClearAuthContext() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.userID = ""
	n.authContext = nil
}

// Close releases the node's transport and keep-alive monitor. Safe to call
// more than once.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	if n.keepalive != nil {
		n.keepalive.Stop()
	}
	return n.transport.Close()
}

// Closed reports whether Close has already run.
func (n *Node) Closed() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.closed
}

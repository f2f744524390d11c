package node

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/johnjansen/pulsekit/codec"
)

// WSTransport is the duplex Transport backed by a *websocket.Conn. Writes
// are serialized with a mutex since gorilla/websocket does not allow
// concurrent writers on a single connection.
type WSTransport struct {
	conn  *websocket.Conn
	codec *codec.Codec
	mu    sync.Mutex
}

// NewWSTransport wraps an already-upgraded websocket connection.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	return &WSTransport{conn: conn}
}

// bindCodec lets Node attach the shared Codec after construction, the same
// way SSETransport.bind attaches the owning Node.
func (t *WSTransport) bindCodec(c *codec.Codec) {
	t.codec = c
}

// WriteEnvelope routes env through the bound Codec — so Params/Result
// carrying dates, regexps, binary data, non-finite numbers, or custom
// registered types round-trip — and writes the result as a single text
// frame.
func (t *WSTransport) WriteEnvelope(env *codec.Envelope) error {
	data, err := t.codec.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadEnvelope blocks for the next inbound text frame and decodes it
// through the bound Codec, restoring any tagged Params values.
func (t *WSTransport) ReadEnvelope() (*codec.Envelope, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return t.codec.DecodeEnvelope(data)
}

// Close closes the underlying connection.
func (t *WSTransport) Close() error {
	return t.conn.Close()
}

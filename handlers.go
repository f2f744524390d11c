package pulsekit

import (
	"context"
	"io"
	"log"
	"net/http"

	"github.com/gobuffalo/buffalo"

	"github.com/johnjansen/pulsekit/codec"
	"github.com/johnjansen/pulsekit/node"
)

// handleWebSocket upgrades the connection and runs its single reader
// goroutine for the lifetime of the duplex session, dispatching one
// envelope fully (including any reply write) before reading the next —
// the ordering guarantee the rest of the system relies on.
func (s *Server) handleWebSocket(c buffalo.Context) error {
	if s.cfg.RequestListener != nil {
		s.cfg.RequestListener(c.Request())
	}
	if !s.accepting() {
		c.Response().WriteHeader(http.StatusServiceUnavailable)
		return nil
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	transport := node.NewWSTransport(conn)
	meta := node.ExtractMeta(c.Request())

	n := node.New(transport, meta, s.newLimiter(), nil)
	n.Keepalive(s.newKeepAlive(func() { _ = n.Close() }))
	if !s.registerNode(n) {
		return n.Close()
	}
	defer s.unregisterNode(n)
	defer n.Close()

	_ = n.Send(codec.NewSetup(n.ID))

	for {
		env, err := transport.ReadEnvelope()
		if err != nil {
			return nil
		}
		n.Touch()
		s.handleInboundEnvelope(c.Request().Context(), n, env)
	}
}

// handleSSE serves the one-way push half of the duplex transport: method
// calls arrive over POST /_call instead, so this handler only ever writes.
func (s *Server) handleSSE(c buffalo.Context) error {
	if s.cfg.RequestListener != nil {
		s.cfg.RequestListener(c.Request())
	}
	if !s.accepting() {
		c.Response().WriteHeader(http.StatusServiceUnavailable)
		return nil
	}

	w := c.Response()
	flusher, ok := w.(http.Flusher)
	if !ok {
		return errNotFlushable
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	transport := node.NewSSETransport(w, flusher)
	meta := node.ExtractMeta(c.Request())
	n := node.New(transport, meta, s.newLimiter(), nil)
	n.Keepalive(s.newKeepAlive(func() { _ = n.Close() }))
	if !s.registerNode(n) {
		return n.Close()
	}
	defer s.unregisterNode(n)
	defer n.Close()

	_ = n.Send(codec.NewSetup(n.ID))
	flusher.Flush()

	select {
	case <-transport.Done():
	case <-c.Request().Context().Done():
	}
	return nil
}

// handleCallHTTP is the one-way path's request/response half: a client
// POSTs a single method-call envelope identified by its X-Client-Id header
// (the id handed back by an earlier /_events setup envelope) and gets back
// a single result/error envelope.
func (s *Server) handleCallHTTP(c buffalo.Context) error {
	if s.cfg.RequestListener != nil {
		s.cfg.RequestListener(c.Request())
	}

	clientID := c.Request().Header.Get("X-Client-Id")
	s.mu.RLock()
	n, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok {
		c.Response().WriteHeader(http.StatusNotFound)
		return nil
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	env, err := n.Codec.DecodeEnvelope(body)
	if err != nil {
		return writeEnvelope(c, n, codec.NewError("", "parse", "malformed envelope"))
	}

	n.Touch()
	reply := s.Methods.Dispatch(c.Request().Context(), n, env)
	if reply == nil {
		c.Response().WriteHeader(http.StatusNoContent)
		return nil
	}
	return writeEnvelope(c, n, reply)
}

// writeEnvelope routes reply's Params/Result through n.Codec before
// writing, the HTTP-response-body equivalent of a transport's
// WriteEnvelope, so a result carrying a tagged value round-trips the same
// way it would over the duplex or SSE transports.
func writeEnvelope(c buffalo.Context, n *node.Node, reply *codec.Envelope) error {
	data, err := n.Codec.EncodeEnvelope(reply)
	if err != nil {
		return err
	}
	c.Response().Header().Set("Content-Type", "application/json")
	_, err = c.Response().Write(data)
	return err
}

// handleInboundEnvelope routes one decoded envelope off the duplex
// transport: a setup envelope reassigns identity, anything else is a
// method call dispatched through the registry.
func (s *Server) handleInboundEnvelope(ctx context.Context, n *node.Node, env *codec.Envelope) {
	switch env.Type {
	case codec.TypeSetup:
		// Reassigning identity to a client-chosen id; closes any prior
		// node already registered under that id (registerNode handles
		// the collision). Meta travels with n across the reassignment
		// since it lives on the Node itself, not the registry entry.
		n.ID = env.UUID
		if params, ok := env.Params.(map[string]any); ok {
			n.SetMeta(params)
		}
		s.registerNode(n)
	case codec.TypeMethod:
		reply := s.Methods.Dispatch(ctx, n, env)
		if reply != nil {
			if err := n.Send(reply); err != nil {
				log.Printf("pulsekit: send failed for node %s: %v", n.ID, err)
			}
		}
	default:
		_ = n.Send(codec.NewError(env.UUID, "parse", "unexpected envelope type for duplex inbound"))
	}
}

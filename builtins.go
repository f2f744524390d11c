package pulsekit

import (
	"context"
	"fmt"
	"sort"

	"github.com/johnjansen/pulsekit/method"
	"github.com/johnjansen/pulsekit/node"
)

// registerBuiltins installs the always-present rpc:* methods every
// pulsekit server exposes regardless of application configuration.
func (s *Server) registerBuiltins() {
	s.Methods.Add("rpc:init", s.rpcInit, method.Options{})
	s.Methods.Add("rpc:logout", s.rpcLogout, method.Options{})
	s.Methods.Add("rpc:on", s.rpcOn, method.Options{})
	s.Methods.Add("rpc:off", s.rpcOff, method.Options{})
	s.Methods.Add("rpc:methods", s.rpcMethods, method.Options{})
}

func paramsMap(params any) map[string]any {
	m, _ := params.(map[string]any)
	return m
}

// rpcInit runs the authentication handshake: the client passes a
// previously issued token, the configured AuthFunc (or the bundled dev
// token store) verifies it, and on success the node's auth context is set.
func (s *Server) rpcInit(ctx context.Context, n *node.Node, params any) (any, error) {
	p := paramsMap(params)
	token, _ := p["token"].(string)

	var authCtx map[string]any
	var ok bool

	switch {
	case s.cfg.Auth != nil:
		authCtx, ok = s.cfg.Auth(token)
	case s.cfg.DevTokens != nil:
		userID, _ := p["userId"].(string)
		if s.cfg.DevTokens.Verify(userID, token) {
			authCtx, ok = map[string]any{"user.id": userID}, true
		}
	}

	if !ok {
		return nil, &method.PublicError{Message: "authentication failed"}
	}
	if err := n.SetAuthContext(authCtx); err != nil {
		return nil, &method.PublicError{Message: err.Error()}
	}
	return map[string]any{"clientId": n.ID, "context": filterContext(authCtx, s.cfg.AllowedContextKeys)}, nil
}

func filterContext(ctx map[string]any, allowed []string) map[string]any {
	if allowed == nil {
		return ctx
	}
	out := make(map[string]any, len(allowed))
	for _, k := range allowed {
		if v, ok := ctx[k]; ok {
			out[k] = v
		}
	}
	return out
}

// rpcLogout clears the node's auth context, matching spec.md's stated
// rpc:logout behavior.
func (s *Server) rpcLogout(ctx context.Context, n *node.Node, params any) (any, error) {
	n.ClearAuthContext()
	return nil, nil
}

// rpcOn implements the subscribe handling algorithm from spec.md §4.7:
// resolve the event, gate on protected/predicate/ChannelAuthorization, add
// the node to the channel's subscriber set.
func (s *Server) rpcOn(ctx context.Context, n *node.Node, params any) (any, error) {
	p := paramsMap(params)
	eventName, _ := p["event"].(string)
	channelName, _ := p["channel"].(string)

	ev, ok := s.Events.Get(eventName)
	if !ok {
		return nil, &method.PublicError{Message: fmt.Sprintf("event %q not found", eventName)}
	}
	if ev.Protected && n.UserID() == "" {
		return nil, &method.PublicError{Message: "authentication required"}
	}
	if !ev.CanSubscribe(n, channelName) {
		return nil, &method.PublicError{Message: "not authorized to subscribe"}
	}
	if s.cfg.ChannelAuthorization != nil && !s.cfg.ChannelAuthorization(n, channelName, eventName) {
		return nil, &method.PublicError{Message: "not authorized to subscribe"}
	}

	s.channelFor(channelName).Subscribe(eventName, n)
	return map[string]any{"subscribed": true}, nil
}

// rpcOff unsubscribes n from (channel, event), or from every event on
// channel when event is omitted.
func (s *Server) rpcOff(ctx context.Context, n *node.Node, params any) (any, error) {
	p := paramsMap(params)
	eventName, _ := p["event"].(string)
	channelName, _ := p["channel"].(string)

	ch := s.channelFor(channelName)
	ch.Unsubscribe(eventName, n)
	s.gcChannel(channelName)
	return map[string]any{"subscribed": false}, nil
}

// rpcMethods lists every registered method name.
func (s *Server) rpcMethods(ctx context.Context, n *node.Node, params any) (any, error) {
	names := s.Methods.Names()
	sort.Strings(names)
	return names, nil
}

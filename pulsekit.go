// Package pulsekit provides a bidirectional real-time RPC and event
// distribution server: clients open either a duplex websocket or a
// one-way SSE/HTTP pair, call registered methods, and subscribe to
// channel-scoped events that can optionally fan out across a cluster of
// server processes via Redis pub/sub.
//
// The main entry point is Wire, which installs pulsekit's routes onto a
// Buffalo application with a single call, the same way buffkit.Wire
// installs its own subsystems.
package pulsekit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobuffalo/buffalo"
	"github.com/gobuffalo/envy"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/johnjansen/pulsekit/channel"
	"github.com/johnjansen/pulsekit/cluster"
	"github.com/johnjansen/pulsekit/codec"
	"github.com/johnjansen/pulsekit/event"
	"github.com/johnjansen/pulsekit/internal/devauth"
	"github.com/johnjansen/pulsekit/keepalive"
	"github.com/johnjansen/pulsekit/method"
	"github.com/johnjansen/pulsekit/node"
	"github.com/johnjansen/pulsekit/ratelimit"
)

// ErrAuthSecretRequired reports that Config carries no way to validate a
// client's rpc:init token.
var ErrAuthSecretRequired = errors.New("pulsekit: Config.Auth is required unless DevTokens is set")

var errNotFlushable = errors.New("pulsekit: response writer does not support flushing")

// RateLimitSpec configures per-node rate limiting. A zero value disables
// it (Max == 0).
type RateLimitSpec struct {
	Max      int
	Interval time.Duration
}

// AuthFunc is the polymorphic server-supplied auth callback: it either
// rejects (ok == false) or accepts and returns an auth context carrying at
// minimum a "user.id" entry.
type AuthFunc func(token string) (ctx map[string]any, ok bool)

// Config holds all configuration for a pulsekit Server.
type Config struct {
	// Host, Port are informational only; pulsekit mounts routes onto a
	// caller-supplied *buffalo.App rather than owning its own listener.
	Host, Port string

	// AllowedOrigins gates the websocket upgrade's CheckOrigin. Empty
	// means "allow any origin" (development default).
	AllowedOrigins []string

	// Debug gates verbose logging, mirroring buffkit's DevMode gate.
	Debug bool

	RateLimit RateLimitSpec

	// KeepAliveInterval is the keep-alive monitor's interval for both
	// transports; zero disables keep-alive monitoring. A node that sends no
	// inbound frame for two consecutive intervals is closed. The server
	// writes no ping frame when an interval passes.
	KeepAliveInterval time.Duration

	// BrokerURL, in redis://host:port/db form, enables clustering when set.
	BrokerURL string

	// Auth verifies an rpc:init token. If nil and DevTokens is also nil,
	// Wire returns ErrAuthSecretRequired.
	Auth AuthFunc

	// DevTokens, when set, backs rpc:init with the bundled bcrypt-based
	// devauth.Store instead of a caller-supplied AuthFunc.
	DevTokens *devauth.Store

	// AllowedContextKeys restricts which keys of an accepted auth context
	// are echoed back to the client in rpc:init's result. Nil means "all".
	AllowedContextKeys []string

	// RequestListener, if set, is invoked for every inbound HTTP request
	// hitting pulsekit's routes, before upgrade/dispatch.
	RequestListener func(*http.Request)

	// GlobalSingleton publishes this Server via Global() when true.
	GlobalSingleton bool

	// ChannelAuthorization additionally gates every channel subscribe
	// request, ANDed with the event's own subscription predicate.
	ChannelAuthorization func(n *node.Node, channel, event string) bool

	WSPath, SSEPath, CallPath string
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = envy.Get("PULSEKIT_HOST", "0.0.0.0")
	}
	if c.Port == "" {
		c.Port = envy.Get("PULSEKIT_PORT", "3000")
	}
	if c.WSPath == "" {
		c.WSPath = "/_ws"
	}
	if c.SSEPath == "" {
		c.SSEPath = "/_events"
	}
	if c.CallPath == "" {
		c.CallPath = "/_call"
	}
}

func (c *Config) validate() error {
	if c.Auth == nil && c.DevTokens == nil {
		return ErrAuthSecretRequired
	}
	return nil
}

// Server owns every live registry, client, and channel for one pulsekit
// deployment.
type Server struct {
	cfg     Config
	Methods *method.Registry
	Events  *event.Registry
	Broker  *cluster.Broker

	mu       sync.RWMutex
	clients  map[string]*node.Node
	channels map[string]*channel.Channel

	upgrader websocket.Upgrader

	// acceptConnections gates new connections: false refuses upgrades/SSE
	// accepts. Close clears it before tearing down existing clients.
	acceptConnections atomic.Bool

	closeOnce sync.Once
	cancel    context.CancelFunc
}

// accepting reports whether the server is still accepting new connections.
func (s *Server) accepting() bool {
	return s.acceptConnections.Load()
}

var (
	globalMu sync.Mutex
	global   *Server
)

// Global returns the process-wide Server published by Wire when
// Config.GlobalSingleton is true, or nil otherwise.
func Global() *Server {
	globalMu.Lock()
	defer globalMu.Unlock()
	return global
}

// Wire validates cfg, builds a Server, mounts its routes on app, and
// starts its cluster broker if configured.
func Wire(app *buffalo.App, cfg Config) (*Server, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		cfg:      cfg,
		clients:  make(map[string]*node.Node),
		channels: make(map[string]*channel.Channel),
		cancel:   cancel,
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin(cfg.AllowedOrigins),
		},
	}
	srv.acceptConnections.Store(true)
	srv.Methods = method.NewRegistry()
	srv.Events = event.NewRegistry(srv.publishToCluster, srv.deliverLocal)

	if cfg.BrokerURL != "" {
		opts, err := redis.ParseURL(cfg.BrokerURL)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("pulsekit: invalid BrokerURL: %w", err)
		}
		srv.Broker = cluster.New(opts)
	}

	srv.registerBuiltins()

	app.GET(cfg.WSPath, srv.handleWebSocket)
	app.GET(cfg.SSEPath, srv.handleSSE)
	app.POST(cfg.CallPath, srv.handleCallHTTP)

	if srv.Broker != nil {
		go func() {
			if err := srv.Broker.Subscribe(ctx, srv.onClusterMessage); err != nil && ctx.Err() == nil {
				log.Printf("pulsekit: cluster subscribe exited: %v", err)
			}
		}()
	}

	if cfg.GlobalSingleton {
		globalMu.Lock()
		global = srv
		globalMu.Unlock()
	}

	return srv, nil
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		_, ok := set[r.Header.Get("Origin")]
		return ok
	}
}

// channelFor returns (creating if necessary) the Channel for name.
func (s *Server) channelFor(name string) *channel.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[name]
	if !ok {
		ch = channel.New(name)
		s.channels[name] = ch
	}
	return ch
}

// gcChannel drops name from the registry if it has no subscribers left.
func (s *Server) gcChannel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[name]; ok && ch.Empty() {
		delete(s.channels, name)
	}
}

// registerNode adds n under its current ID, closing any prior node already
// registered under the same identity (the duplicate-identity handling
// shared by new-connection accept and setup reassignment). It reports
// false, registering nothing, if the server is no longer accepting
// connections — checked under the same lock Close uses to drain clients,
// so a connection racing Close cannot register into a server that has
// already started shutting down.
func (s *Server) registerNode(n *node.Node) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acceptConnections.Load() {
		return false
	}
	if old, exists := s.clients[n.ID]; exists && old != n {
		go old.Close()
	}
	s.clients[n.ID] = n
	return true
}

func (s *Server) unregisterNode(n *node.Node) {
	s.mu.Lock()
	if s.clients[n.ID] == n {
		delete(s.clients, n.ID)
	}
	s.mu.Unlock()

	s.mu.RLock()
	channels := make([]*channel.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.RUnlock()

	for _, ch := range channels {
		ch.Unsubscribe("", n)
		s.gcChannel(ch.Name)
	}
}

func (s *Server) publishToCluster(ctx context.Context, eventName, channelName string, payload []byte) error {
	if s.Broker == nil {
		return fmt.Errorf("pulsekit: event %q is cluster-flagged but no BrokerURL configured", eventName)
	}
	return s.Broker.Publish(ctx, eventName, channelName, payload)
}

func (s *Server) deliverLocal(channelName, eventName string, payload []byte) {
	var raw any
	if err := json.Unmarshal(payload, &raw); err != nil {
		log.Printf("pulsekit: malformed event payload for %s: %v", eventName, err)
		return
	}
	env := codec.NewEvent(eventName, channelName, raw)
	s.channelFor(channelName).Propagate(eventName, env)
}

func (s *Server) onClusterMessage(channelName, eventName string, payload []byte) {
	s.deliverLocal(channelName, eventName, payload)
}

// Close implements the shutdown sequence: stop accepting, close every
// node, clear registries, close the broker.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.acceptConnections.Store(false)
		s.cancel()

		s.mu.Lock()
		clients := make([]*node.Node, 0, len(s.clients))
		for _, n := range s.clients {
			clients = append(clients, n)
		}
		s.clients = make(map[string]*node.Node)
		s.channels = make(map[string]*channel.Channel)
		s.mu.Unlock()

		for _, n := range clients {
			_ = n.Close()
		}

		if s.Broker != nil {
			err = s.Broker.Close()
		}

		globalMu.Lock()
		if global == s {
			global = nil
		}
		globalMu.Unlock()
	})
	return err
}

func (s *Server) newLimiter() *ratelimit.Limiter {
	if s.cfg.RateLimit.Max <= 0 {
		return ratelimit.Disabled()
	}
	return ratelimit.New(s.cfg.RateLimit.Max, s.cfg.RateLimit.Interval)
}

func (s *Server) newKeepAlive(onTimeout func()) *keepalive.Monitor {
	if s.cfg.KeepAliveInterval <= 0 {
		return nil
	}
	m := keepalive.New(s.cfg.KeepAliveInterval, func() {}, onTimeout)
	m.Start()
	return m
}

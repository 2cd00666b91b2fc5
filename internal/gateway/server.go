// Package gateway is the realtime core: it upgrades WebSocket connections,
// binds each to an authenticated identity and exactly one channel, fans out
// chat and typing envelopes to channel members, and derives presence from
// connection lifecycle. Each connection is owned by a single goroutine that
// reads frames and runs the deferred cleanup when the transport drops, no
// matter which side closed it.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/tandem/social-app/internal/identity"
	"github.com/tandem/social-app/internal/messaging"
	"github.com/tandem/social-app/internal/metrics"
	"github.com/tandem/social-app/internal/presence"
	"github.com/tandem/social-app/internal/protocol"
	"github.com/tandem/social-app/internal/ratelimit"
	"github.com/tandem/social-app/internal/registry"
)

const (
	// DefaultHeartbeatInterval is how often the gateway pings every live
	// connection.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultIdleTimeout is how long a connection may go without any
	// inbound frame before the sweep closes it as dead.
	DefaultIdleTimeout = 90 * time.Second

	// presenceChannelPrefix namespaces the per-identity channel that
	// presence-only sockets register into.
	presenceChannelPrefix = "presence:"
)

// ServerConfig holds the gateway's tunables.
type ServerConfig struct {
	InstanceID        string        // identifies this instance in cross-instance events
	HeartbeatInterval time.Duration // ping cadence
	IdleTimeout       time.Duration // dead-connection threshold
}

// DefaultServerConfig returns a config with a random instance ID and the
// default heartbeat settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		InstanceID:        uuid.New().String(),
		HeartbeatInterval: DefaultHeartbeatInterval,
		IdleTimeout:       DefaultIdleTimeout,
	}
}

// Options carries the gateway's collaborators. Registry and Resolver are
// required; the rest degrade gracefully when nil (no rate limiting, no
// cross-instance fan-out, no Redis presence mirror).
type Options struct {
	Registry *registry.Registry
	Resolver identity.Resolver
	Limiter  *ratelimit.Limiter
	Bridge   *messaging.Client
	Mirror   *presence.Store
}

// Server is the realtime gateway.
type Server struct {
	config   ServerConfig
	registry *registry.Registry
	tracker  *presence.Tracker
	resolver identity.Resolver
	limiter  *ratelimit.Limiter
	bridge   *messaging.Client
	mirror   *presence.Store

	startedAt time.Time
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Server. Call Start to launch the heartbeat and the
// cross-instance presence subscription.
func New(config ServerConfig, opts Options) (*Server, error) {
	if opts.Resolver == nil {
		return nil, errNoResolver
	}
	if opts.Registry == nil {
		opts.Registry = registry.New()
	}
	if config.InstanceID == "" {
		config.InstanceID = uuid.New().String()
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}

	s := &Server{
		config:    config,
		registry:  opts.Registry,
		resolver:  opts.Resolver,
		limiter:   opts.Limiter,
		bridge:    opts.Bridge,
		mirror:    opts.Mirror,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	s.tracker = presence.NewTracker(s.presenceChanged)
	return s, nil
}

// Tracker exposes the presence tracker for the HTTP layer.
func (s *Server) Tracker() *presence.Tracker {
	return s.tracker
}

// RegisterRoutes mounts the gateway's endpoints on the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/chat", s.handleChatSocket)
	mux.HandleFunc("/ws/presence", s.handlePresenceSocket)
	mux.HandleFunc("/health", s.handleHealth)
}

// DMChannelID derives the channel shared by a pair of identities. The pair is
// ordered so both sides compute the same channel regardless of who connects
// first.
func DMChannelID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "dm:" + a + ":" + b
}

// handleChatSocket upgrades a chat connection bound to exactly one channel:
// either the room named by ?room= or the direct-message channel with the user
// named by ?user=. Authentication and parameter failures complete the
// upgrade, send a policy-violation close (1008), and never touch the
// registry.
func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	peer := r.URL.Query().Get("user")

	userID, authErr := s.resolver.Resolve(r.Context(), r)

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("gateway: upgrade failed remote=%s: %v", r.RemoteAddr, err)
		return
	}
	conn := registry.NewConnection(uuid.New().String(), netConn, userID)

	if authErr != nil {
		conn.WriteClose(ws.StatusPolicyViolation, "authentication required")
		return
	}
	if (room == "") == (peer == "") {
		conn.WriteClose(ws.StatusPolicyViolation, "exactly one of room or user is required")
		return
	}
	if s.limiter != nil {
		if ok, _ := s.limiter.Allow(r.Context(), remoteHost(r), ratelimit.RuleConnect); !ok {
			conn.WriteClose(ws.StatusPolicyViolation, "connection rate exceeded")
			return
		}
	}

	channelID := room
	if peer != "" {
		channelID = DMChannelID(userID, peer)
	}
	s.attach(conn, channelID)
}

// handlePresenceSocket upgrades a presence-only connection. It joins no chat
// channel; it exists to receive presence envelopes and heartbeats, and its
// lifecycle feeds the same online/offline derivation as chat connections.
func (s *Server) handlePresenceSocket(w http.ResponseWriter, r *http.Request) {
	userID, authErr := s.resolver.Resolve(r.Context(), r)

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("gateway: upgrade failed remote=%s: %v", r.RemoteAddr, err)
		return
	}
	conn := registry.NewConnection(uuid.New().String(), netConn, userID)

	if authErr != nil {
		conn.WriteClose(ws.StatusPolicyViolation, "authentication required")
		return
	}
	s.attach(conn, presenceChannelPrefix+userID)
}

// attach registers the connection, announces it, and runs the read loop on
// the calling goroutine. The deferred detach is the single cleanup path for
// every way the connection can end: client close, transport error, heartbeat
// sweep, or server shutdown.
func (s *Server) attach(conn *registry.Connection, channelID string) {
	first, members := s.registry.Register(conn, channelID)
	s.tracker.Connected(conn.Identity, first)
	s.syncGauges()

	// members is the count from the register itself, so only the connection
	// that created the channel opens the cross-instance subscription.
	if s.bridge != nil && members == 1 {
		if err := s.bridge.SubscribeChannel(channelID, s.remoteChannelEvent(channelID)); err != nil {
			log.Printf("gateway: channel subscribe failed channel=%s: %v", channelID, err)
		}
	}

	if data, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
		ChannelID: channelID,
		UserID:    conn.Identity,
	}); err == nil {
		if err := conn.WriteMessage(data); err != nil {
			log.Printf("gateway: connected envelope write failed conn=%s: %v", conn.ID, err)
		}
	}

	log.Printf("gateway: connected conn=%s user=%s channel=%s", conn.ID, conn.Identity, channelID)

	defer s.detach(conn, channelID)
	s.readLoop(conn, channelID)
}

// detach unwinds everything attach set up. Unregister removes the connection
// from every index before closing the transport, so a concurrent broadcast
// can never pick it up mid-teardown. Only the first effective call proceeds.
// The offline fan-out uses the departure's channel snapshot: once the last
// connection is gone the registry no longer knows which channels the
// identity was in.
func (s *Server) detach(conn *registry.Connection, channelID string) {
	dep := s.registry.Unregister(conn)
	if !dep.Removed {
		return
	}

	s.tracker.Disconnected(conn.Identity, dep.Remaining)
	s.syncGauges()

	if dep.Remaining == 0 {
		s.fanoutPresence(conn.Identity, presence.StatusOffline, dep.Channels)
	}

	if s.bridge != nil {
		for _, emptied := range dep.Emptied {
			if err := s.bridge.UnsubscribeChannel(emptied); err != nil {
				log.Printf("gateway: channel unsubscribe failed channel=%s: %v", emptied, err)
			}
		}
	}

	log.Printf("gateway: disconnected conn=%s user=%s channel=%s remaining=%d",
		conn.ID, conn.Identity, channelID, dep.Remaining)
}

// readLoop consumes client frames until the transport drops. Every
// successful read refreshes the connection's last-seen time for the
// dead-connection sweep.
func (s *Server) readLoop(conn *registry.Connection, channelID string) {
	for {
		data, err := wsutil.ReadClientText(conn.Conn)
		if err != nil {
			return
		}
		conn.Touch()
		s.dispatch(conn, channelID, data)
	}
}

// handleHealth reports liveness plus the gateway's current load.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "ok",
		"uptime":      time.Since(s.startedAt).Truncate(time.Second).String(),
		"connections": s.registry.Count(),
		"channels":    s.registry.ChannelCount(),
		"online":      s.tracker.Online(),
	})
}

// Start launches the heartbeat loop and, when a bridge is configured, the
// cross-instance presence subscription.
func (s *Server) Start() {
	if s.bridge != nil {
		if err := s.bridge.SubscribePresence(s.remotePresenceEvent); err != nil {
			log.Printf("gateway: presence subscribe failed: %v", err)
		}
	}
	go s.heartbeatLoop()
}

// Shutdown stops the heartbeat and closes every connection with a going-away
// frame, then waits for the per-connection goroutines to finish their
// cleanup or for the context to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })

	for _, conn := range s.registry.All() {
		conn.WriteClose(ws.StatusGoingAway, "server shutting down")
	}

	for s.registry.Count() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}

func (s *Server) syncGauges() {
	metrics.ConnectionsTotal.Set(float64(s.registry.Count()))
	metrics.ChannelsTotal.Set(float64(s.registry.ChannelCount()))
	metrics.OnlineIdentities.Set(float64(s.tracker.Online()))
}

// remoteHost extracts the client address without the port, for per-address
// connect throttling.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

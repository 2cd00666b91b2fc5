package gateway

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/tandem/social-app/internal/metrics"
	"github.com/tandem/social-app/internal/presence"
	"github.com/tandem/social-app/internal/protocol"
	"github.com/tandem/social-app/internal/ratelimit"
	"github.com/tandem/social-app/internal/registry"
)

var errNoResolver = errors.New("gateway: identity resolver is required")

// Error codes sent to the offending connection. A protocol error never
// terminates the connection; the envelope goes to the sender only.
const (
	codeBadEnvelope  = "bad_envelope"
	codeEmptyMessage = "empty_message"
	codeBadStatus    = "bad_status"
	codeRateLimited  = "rate_limited"
)

// dispatch routes one parsed client frame. Malformed frames earn the sender
// an error envelope and nothing else; the channel never sees them.
func (s *Server) dispatch(conn *registry.Connection, channelID string, data []byte) {
	_, payload, err := protocol.ParseClientMessage(data)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		s.sendError(conn, codeBadEnvelope, "malformed client envelope")
		return
	}

	switch m := payload.(type) {
	case protocol.ChatMsg:
		s.handleChat(conn, channelID, m)
	case protocol.TypingMsg:
		s.handleTyping(conn, channelID, m)
	case protocol.PresenceUpdateMsg:
		s.handlePresenceUpdate(conn, m)
	case protocol.PingMsg:
		// Keepalive; the read loop already refreshed last-seen.
	}
}

// handleChat fans a chat envelope out to the other members of the
// connection's channel. The gateway stamps the sender identity and timestamp
// itself; clients cannot forge either. Delivery is transport-only here: the
// sender persists the durable record independently over the HTTP path.
func (s *Server) handleChat(conn *registry.Connection, channelID string, m protocol.ChatMsg) {
	if strings.TrimSpace(m.Content) == "" {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		s.sendError(conn, codeEmptyMessage, "message content is required")
		return
	}
	if s.limiter != nil {
		if ok, _ := s.limiter.Allow(context.Background(), conn.Identity, ratelimit.RuleMessage); !ok {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			s.sendError(conn, codeRateLimited, "message rate exceeded")
			return
		}
	}

	data, err := protocol.NewServerMessage(protocol.TypeMessage, protocol.ServerChatMsg{
		ChannelID:    channelID,
		UserID:       conn.Identity,
		Content:      m.Content,
		Timestamp:    time.Now().UnixMilli(),
		ClientTempID: m.ClientTempID,
	})
	if err != nil {
		log.Printf("gateway: chat envelope marshal failed: %v", err)
		return
	}

	start := time.Now()
	delivered := s.registry.Broadcast(channelID, data, conn)
	metrics.BroadcastLatency.Observe(time.Since(start).Seconds())

	if delivered > 0 {
		metrics.MessagesTotal.WithLabelValues("delivered").Inc()
	} else {
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
	}

	// A message implies the sender stopped typing.
	s.tracker.Typing(conn.Identity, false)

	s.publishChannel(channelID, conn.ID, data)
}

// handleTyping relays the indicator to the channel, excluding every
// connection of the typing identity so their other devices never see their
// own indicator.
func (s *Server) handleTyping(conn *registry.Connection, channelID string, m protocol.TypingMsg) {
	s.tracker.Typing(conn.Identity, m.IsTyping)

	data, err := protocol.NewServerMessage(protocol.TypeTyping, protocol.ServerTypingMsg{
		ChannelID: channelID,
		UserID:    conn.Identity,
		IsTyping:  m.IsTyping,
	})
	if err != nil {
		log.Printf("gateway: typing envelope marshal failed: %v", err)
		return
	}

	s.registry.BroadcastExceptIdentity(channelID, data, conn.Identity)
	s.publishChannel(channelID, conn.ID, data)
}

// handlePresenceUpdate applies an explicit client status. Only "away" and the
// return to "online" are accepted; online/offline are otherwise derived from
// connection lifecycle and never taken from the client.
func (s *Server) handlePresenceUpdate(conn *registry.Connection, m protocol.PresenceUpdateMsg) {
	if m.Status != presence.StatusAway && m.Status != presence.StatusOnline {
		s.sendError(conn, codeBadStatus, "status must be \"away\" or \"online\"")
		return
	}
	s.tracker.SetStatus(conn.Identity, m.Status)
}

// sendError delivers an error envelope to the offending sender only.
func (s *Server) sendError(conn *registry.Connection, code, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("gateway: error envelope write failed conn=%s: %v", conn.ID, err)
	}
}

// presenceChanged is the tracker's change callback. The envelope goes to the
// members of every channel the identity is currently in, which includes the
// identity's own other connections and its presence-only sockets. Presence is
// idempotent state, so a member sharing several channels with the identity
// harmlessly receives the envelope more than once. Offline is not handled
// here: by the time the tracker fires, the registry has already forgotten the
// identity's channels, so detach fans offline out itself from the departure
// snapshot.
func (s *Server) presenceChanged(userID, status string) {
	if status == presence.StatusOffline {
		return
	}
	s.fanoutPresence(userID, status, s.registry.ChannelsFor(userID))
}

// fanoutPresence broadcasts a presence transition to the given channels,
// updates the Redis mirror, and forwards the transition to sibling instances.
func (s *Server) fanoutPresence(userID, status string, channels []string) {
	data, err := protocol.NewServerMessage(protocol.TypePresence, protocol.ServerPresenceMsg{
		UserID:    userID,
		Status:    status,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}

	for _, channelID := range channels {
		s.registry.Broadcast(channelID, data, nil)
	}

	if s.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if status == presence.StatusOffline {
			if err := s.mirror.Delete(ctx, userID); err != nil {
				log.Printf("gateway: presence mirror delete failed user=%s: %v", userID, err)
			}
		} else {
			if err := s.mirror.Set(ctx, userID, status); err != nil {
				log.Printf("gateway: presence mirror set failed user=%s: %v", userID, err)
			}
		}
		cancel()
	}

	s.publishPresence(userID, status, channels)
}

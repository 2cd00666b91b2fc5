package gateway

import (
	"encoding/json"
	"log"
	"time"

	"github.com/tandem/social-app/internal/messaging"
	"github.com/tandem/social-app/internal/protocol"
)

// publishChannel forwards a channel envelope to sibling gateway instances.
// ExcludeConn only means something on this instance; siblings deliver to all
// of their local members.
func (s *Server) publishChannel(channelID, excludeConn string, payload []byte) {
	if s.bridge == nil {
		return
	}
	data, err := json.Marshal(messaging.ChannelEvent{
		Origin:      s.config.InstanceID,
		ExcludeConn: excludeConn,
		Payload:     payload,
	})
	if err != nil {
		return
	}
	if err := s.bridge.PublishChannelEvent(channelID, data); err != nil {
		log.Printf("gateway: channel publish failed channel=%s: %v", channelID, err)
	}
}

// remoteChannelEvent returns the subscription handler for one channel. Events
// published by this instance are dropped; local members already received them
// directly.
func (s *Server) remoteChannelEvent(channelID string) func(data []byte) {
	return func(data []byte) {
		var ev messaging.ChannelEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("gateway: malformed channel event channel=%s: %v", channelID, err)
			return
		}
		if ev.Origin == s.config.InstanceID {
			return
		}
		s.registry.Broadcast(channelID, ev.Payload, nil)
	}
}

// publishPresence forwards a presence transition to sibling instances. The
// event carries the channel list so siblings can deliver offline transitions,
// whose audience the origin's registry no longer knows after the departure.
func (s *Server) publishPresence(userID, status string, channels []string) {
	if s.bridge == nil {
		return
	}
	data, err := json.Marshal(messaging.PresenceEvent{
		Origin:   s.config.InstanceID,
		UserID:   userID,
		Status:   status,
		Channels: channels,
		Ts:       time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	if err := s.bridge.PublishPresenceEvent(userID, data); err != nil {
		log.Printf("gateway: presence publish failed user=%s: %v", userID, err)
	}
}

// remotePresenceEvent handles presence transitions from sibling instances,
// fanning them out to the local channels the identity is visible in. The
// local tracker is not touched; each instance derives presence only from its
// own connections.
func (s *Server) remotePresenceEvent(data []byte) {
	var ev messaging.PresenceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("gateway: malformed presence event: %v", err)
		return
	}
	if ev.Origin == s.config.InstanceID {
		return
	}

	payload, err := protocol.NewServerMessage(protocol.TypePresence, protocol.ServerPresenceMsg{
		UserID:    ev.UserID,
		Status:    ev.Status,
		Timestamp: ev.Ts,
	})
	if err != nil {
		return
	}
	for _, channelID := range ev.Channels {
		s.registry.Broadcast(channelID, payload, nil)
	}
}

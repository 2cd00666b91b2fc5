// Package protocol defines the WebSocket envelope types and structures
// exchanged between the gateway and its clients. All envelopes are serialized
// as JSON and carry a type discriminator in the "type" field.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Envelope type constants
// ---------------------------------------------------------------------------

// Envelope types. "connected" is server-only; the rest flow in both
// directions ("ping" is the server heartbeat going out and the client
// keepalive coming in).
const (
	TypeConnected = "connected"
	TypeMessage   = "message"
	TypeTyping    = "typing"
	TypePresence  = "presence"
	TypePing      = "ping"
	TypeError     = "error"
)

// Presence status values carried in presence envelopes.
const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusOffline = "offline"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the envelope type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server envelope structs
// ---------------------------------------------------------------------------

// ChatMsg is a chat message submitted by the client over the live transport.
// ClientTempID correlates the optimistic local entry with the durable record
// the sender persists independently over the HTTP path.
type ChatMsg struct {
	Type         string `json:"type"`
	ChannelID    string `json:"channelId,omitempty"`
	Content      string `json:"content"`
	ClientTempID string `json:"clientTempId,omitempty"`
}

// TypingMsg indicates whether the client is currently typing in its channel.
type TypingMsg struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"isTyping"`
}

// PresenceUpdateMsg is an explicit status change submitted by the client,
// e.g. "away". The gateway never derives "away" on its own.
type PresenceUpdateMsg struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// PingMsg is a client-initiated keepalive.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client envelope structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent by the server immediately after a connection is
// registered, confirming the channel and identity it was bound to.
type ConnectedMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
}

// ServerChatMsg is a chat message fanned out to the other members of a
// channel. ID is the durable record id when known, empty for transport-only
// delivery (the durable reload reconciles by id later).
type ServerChatMsg struct {
	Type         string `json:"type"`
	ID           string `json:"id,omitempty"`
	ChannelID    string `json:"channelId"`
	UserID       string `json:"userId"`
	Content      string `json:"content"`
	Timestamp    int64  `json:"timestamp"`
	ClientTempID string `json:"clientTempId,omitempty"`
}

// ServerTypingMsg relays a member's typing indicator to the channel.
type ServerTypingMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	IsTyping  bool   `json:"isTyping"`
}

// ServerPresenceMsg announces an identity's presence status change.
type ServerPresenceMsg struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// ServerPingMsg is the periodic heartbeat sent to presence connections.
type ServerPingMsg struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorMsg is sent to the offending sender only; the connection stays open.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client envelope.
// It returns the envelope type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only envelope types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse envelope: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeMessage:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePresence:
		var m PresenceUpdateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client envelope type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server envelope.
// The msgType is injected into the payload under the "type" key so callers
// cannot send an envelope whose type field disagrees with its struct.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server envelope: %w", err)
	}
	return out, nil
}

// Package chatclient implements the client half of the chat delivery
// channel: a reconnecting WebSocket session mirroring an authoritative
// message log fetched over the durable HTTP path. Sends are optimistic and
// the two delivery paths are reconciled by de-duplication, not transactions.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/tandem/social-app/internal/protocol"
)

// Reconnect backoff bounds. The delay doubles on each failed attempt and
// resets after a successful connect.
const (
	ReconnectMin = 1 * time.Second
	ReconnectMax = 30 * time.Second
)

// KeepaliveInterval is how often an idle client pings the gateway so its
// connection is not swept as dead.
const KeepaliveInterval = 25 * time.Second

// Config holds the delivery channel's connection settings. Exactly one of
// RoomID or PeerID must be set: RoomID joins a chat room, PeerID opens the
// direct-message channel with that user.
type Config struct {
	BaseURL string // gateway base URL, e.g. "http://localhost:8080"
	Token   string // session token
	UserID  string // own identity, for optimistic entries
	RoomID  string
	PeerID  string

	ReconnectMin time.Duration // optional override, default 1s
	ReconnectMax time.Duration // optional override, default 30s
	TypingWindow time.Duration // optional override of the outbound throttle
	Client       *http.Client  // optional HTTP client for the durable path
}

// queuedSend is a message captured while disconnected, replayed in original
// order on reconnect.
type queuedSend struct {
	tempID  string
	content string
}

// Client is one user's delivery channel to a single chat channel.
type Client struct {
	config   Config
	client   *http.Client
	log      *Log
	throttle *typingThrottle
	peers    *peerTyping

	onMessage  func(Entry)
	onTyping   func(userID string, isTyping bool)
	onPresence func(userID, status string)

	mu        sync.Mutex
	conn      net.Conn
	queue     []queuedSend
	channelID string

	connected int32 // atomic: 1 while the transport is open
	closed    int32 // atomic: 1 once Close has run
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Client. Call Start to begin the connect/reconnect loop.
func New(config Config) (*Client, error) {
	if config.RoomID == "" && config.PeerID == "" {
		return nil, fmt.Errorf("chatclient: either RoomID or PeerID is required")
	}
	if config.ReconnectMin <= 0 {
		config.ReconnectMin = ReconnectMin
	}
	if config.ReconnectMax <= 0 {
		config.ReconnectMax = ReconnectMax
	}
	if config.TypingWindow <= 0 {
		config.TypingWindow = TypingThrottle
	}
	httpClient := config.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	c := &Client{
		config:   config,
		client:   httpClient,
		log:      NewLog(),
		throttle: newTypingThrottle(config.TypingWindow),
		done:     make(chan struct{}),
	}
	c.peers = newPeerTyping(TypingClearWindow, func(userID string) {
		if c.onTyping != nil {
			c.onTyping(userID, false)
		}
	})
	return c, nil
}

// OnMessage registers a callback invoked when a new message is merged into
// the local log. Callbacks run on the read-loop goroutine.
func (c *Client) OnMessage(fn func(Entry)) { c.onMessage = fn }

// OnTyping registers a callback for peer typing changes, including the
// automatic clear after the quiet window.
func (c *Client) OnTyping(fn func(userID string, isTyping bool)) { c.onTyping = fn }

// OnPresence registers a callback for presence envelopes relayed on the
// chat channel.
func (c *Client) OnPresence(fn func(userID, status string)) { c.onPresence = fn }

// Start launches the connect/reconnect loop in a background goroutine.
func (c *Client) Start() {
	go c.run()
}

// run is the reconnect loop: dial, flush the offline queue, reload history,
// then read frames until the transport drops. An unclean close backs off
// and retries; Close stops the loop for good.
func (c *Client) run() {
	backoff := c.config.ReconnectMin

	for {
		select {
		case <-c.done:
			return
		default:
		}

		conn, err := c.dial()
		if err != nil {
			log.Printf("chatclient: dial failed (retrying in %s): %v", backoff, err)
			select {
			case <-c.done:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.config.ReconnectMax {
				backoff = c.config.ReconnectMax
			}
			continue
		}
		backoff = c.config.ReconnectMin

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		atomic.StoreInt32(&c.connected, 1)

		// Queued sends replay before new input is accepted from the queue,
		// in original submit order; then the authoritative log is mirrored.
		c.flushQueue()
		if err := c.reload(context.Background()); err != nil {
			log.Printf("chatclient: history reload failed: %v", err)
		}

		stopPing := make(chan struct{})
		go c.keepalive(stopPing)
		c.readFrames(conn)
		close(stopPing)

		atomic.StoreInt32(&c.connected, 0)
		c.peers.stopAll()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}
}

// dialConn carries the handshake's buffered reader: frames the gateway sends
// right after the upgrade may already sit in it, so reads must drain the
// buffer before touching the socket.
type dialConn struct {
	net.Conn
	r io.Reader
}

func (d *dialConn) Read(p []byte) (int, error) {
	return d.r.Read(p)
}

// dial opens the WebSocket to /ws/chat with the room or user parameter.
func (c *Client) dial() (net.Conn, error) {
	wsBase := strings.Replace(c.config.BaseURL, "http", "ws", 1)

	q := url.Values{}
	if c.config.RoomID != "" {
		q.Set("room", c.config.RoomID)
	} else {
		q.Set("user", c.config.PeerID)
	}
	q.Set("token", c.config.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, br, _, err := ws.Dial(ctx, wsBase+"/ws/chat?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("chatclient: dial: %w", err)
	}
	if br != nil {
		return &dialConn{Conn: conn, r: io.MultiReader(br, conn)}, nil
	}
	return conn, nil
}

// SendMessage materializes an optimistic pending entry, fires it over the
// live transport best-effort, and independently persists it on the durable
// path. A durable success confirms the entry; a durable failure while
// disconnected queues it for replay; a failure while connected marks it
// failed with no automatic retry.
func (c *Client) SendMessage(ctx context.Context, content string) Entry {
	tempID := uuid.New().String()
	entry := Entry{
		ChannelID:    c.ChannelID(),
		SenderID:     c.config.UserID,
		Content:      content,
		Timestamp:    time.Now().UnixMilli(),
		ClientTempID: tempID,
		Status:       StatusPending,
	}
	c.log.Add(entry)

	// Fire-and-forget over the live transport.
	if c.Connected() {
		data, err := json.Marshal(protocol.ChatMsg{
			Type:         protocol.TypeMessage,
			Content:      content,
			ClientTempID: tempID,
		})
		if err == nil {
			if err := c.write(data); err != nil {
				log.Printf("chatclient: live send failed (durable path continues): %v", err)
			}
		}
	}

	authoritative, err := c.persist(ctx, content, tempID)
	if err != nil {
		if !c.Connected() {
			c.mu.Lock()
			c.queue = append(c.queue, queuedSend{tempID: tempID, content: content})
			c.mu.Unlock()
			return c.entryByTemp(tempID)
		}
		log.Printf("chatclient: durable send rejected temp=%s: %v", tempID, err)
		c.log.Fail(c.config.UserID, tempID)
		return c.entryByTemp(tempID)
	}

	c.log.Confirm(c.config.UserID, tempID, authoritative)
	return c.entryByTemp(tempID)
}

// entryByTemp returns the current snapshot of the entry keyed by tempID.
func (c *Client) entryByTemp(tempID string) Entry {
	e, _ := c.log.ByTemp(c.config.UserID, tempID)
	return e
}

// SetTyping sends a typing signal, throttled to at most one start signal
// per throttle window. Stop signals always go out.
func (c *Client) SetTyping(isTyping bool) {
	if !c.throttle.allow(isTyping, time.Now()) {
		return
	}
	if !c.Connected() {
		return
	}
	data, err := json.Marshal(protocol.TypingMsg{
		Type:     protocol.TypeTyping,
		IsTyping: isTyping,
	})
	if err != nil {
		return
	}
	if err := c.write(data); err != nil {
		log.Printf("chatclient: typing send failed: %v", err)
	}
}

// Messages returns the local log in display order.
func (c *Client) Messages() []Entry {
	return c.log.Messages()
}

// PeerTyping reports whether the given user is currently typing.
func (c *Client) PeerTyping(userID string) bool {
	return c.peers.isTyping(userID)
}

// Connected reports whether the live transport is currently open.
func (c *Client) Connected() bool {
	return atomic.LoadInt32(&c.connected) == 1
}

// QueueLen returns the number of sends waiting for reconnect replay.
func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// ChannelID returns the channel this client is bound to. For rooms it is
// known up front; for direct messages the gateway assigns the pair channel
// and announces it in the connected envelope.
func (c *Client) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channelID != "" {
		return c.channelID
	}
	return c.config.RoomID
}

// Close performs a graceful shutdown: it stops the reconnect loop and sends
// a normal-closure frame so the gateway does not treat this as an unclean
// drop. Safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.closed, 1)
		close(c.done)

		c.mu.Lock()
		if c.conn != nil {
			frame := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
			frame = ws.MaskFrameInPlace(frame)
			_ = ws.WriteFrame(c.conn, frame)
			err = c.conn.Close()
		}
		c.mu.Unlock()
	})
	return err
}

// write sends a masked client text frame. The mutex is held across the
// socket write itself so concurrent senders can never interleave frame bytes.
func (c *Client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("chatclient: not connected")
	}
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// flushQueue replays offline sends in their original order over the durable
// path. A rejection marks the entry failed; a transport-level failure puts
// the remainder back for the next reconnect.
func (c *Client) flushQueue() {
	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	for i, q := range pending {
		authoritative, err := c.persist(context.Background(), q.content, q.tempID)
		if err != nil {
			if !c.Connected() {
				c.mu.Lock()
				c.queue = append(pending[i:], c.queue...)
				c.mu.Unlock()
				return
			}
			log.Printf("chatclient: queued send rejected temp=%s: %v", q.tempID, err)
			c.log.Fail(c.config.UserID, q.tempID)
			continue
		}
		c.log.Confirm(c.config.UserID, q.tempID, authoritative)
	}
}

// reload fetches the authoritative log and merges it in. Merges are
// idempotent by message ID, so records already delivered live collapse.
func (c *Client) reload(ctx context.Context) error {
	channelID := c.ChannelID()
	if channelID == "" {
		return nil
	}

	u := fmt.Sprintf("%s/api/channels/%s/messages?token=%s",
		c.config.BaseURL, url.PathEscape(channelID), url.QueryEscape(c.config.Token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("chatclient: build history request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("chatclient: fetch history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chatclient: history returned status %d", resp.StatusCode)
	}

	var out struct {
		Messages []struct {
			ID           string `json:"id"`
			ChannelID    string `json:"channelId"`
			UserID       string `json:"userId"`
			Content      string `json:"content"`
			Timestamp    int64  `json:"timestamp"`
			ClientTempID string `json:"clientTempId"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("chatclient: decode history: %w", err)
	}

	for _, m := range out.Messages {
		merged := c.log.Merge(Entry{
			ID:           m.ID,
			ChannelID:    m.ChannelID,
			SenderID:     m.UserID,
			Content:      m.Content,
			Timestamp:    m.Timestamp,
			ClientTempID: m.ClientTempID,
			Status:       StatusSent,
		})
		if merged && c.onMessage != nil {
			c.onMessage(Entry{ID: m.ID, ChannelID: m.ChannelID, SenderID: m.UserID,
				Content: m.Content, Timestamp: m.Timestamp, Status: StatusSent})
		}
	}
	return nil
}

// persist writes the message to the durable path and returns the
// authoritative record.
func (c *Client) persist(ctx context.Context, content, tempID string) (Entry, error) {
	channelID := c.ChannelID()
	body, err := json.Marshal(map[string]string{
		"content":      content,
		"clientTempId": tempID,
	})
	if err != nil {
		return Entry{}, fmt.Errorf("chatclient: marshal: %w", err)
	}

	u := fmt.Sprintf("%s/api/channels/%s/messages?token=%s",
		c.config.BaseURL, url.PathEscape(channelID), url.QueryEscape(c.config.Token))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return Entry{}, fmt.Errorf("chatclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Entry{}, fmt.Errorf("chatclient: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Entry{}, fmt.Errorf("chatclient: post returned status %d: %s", resp.StatusCode, body)
	}

	var m struct {
		ID        string `json:"id"`
		ChannelID string `json:"channelId"`
		UserID    string `json:"userId"`
		Content   string `json:"content"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return Entry{}, fmt.Errorf("chatclient: decode: %w", err)
	}
	return Entry{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		SenderID:  m.UserID,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		Status:    StatusSent,
	}, nil
}

// keepalive sends periodic ping envelopes until the connection's read loop
// returns or the client closes.
func (c *Client) keepalive(stop chan struct{}) {
	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-c.done:
			return
		case <-ticker.C:
			data, err := json.Marshal(protocol.PingMsg{Type: protocol.TypePing})
			if err != nil {
				return
			}
			if err := c.write(data); err != nil {
				return
			}
		}
	}
}

// readFrames consumes server frames until the transport drops or Close is
// called. One malformed frame is logged and skipped, never fatal.
func (c *Client) readFrames(conn net.Conn) {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Printf("chatclient: read failed, reconnecting: %v", err)
			}
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("chatclient: malformed server frame: %v", err)
		return
	}

	switch env.Type {
	case protocol.TypeConnected:
		var m protocol.ConnectedMsg
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return
		}
		c.mu.Lock()
		c.channelID = m.ChannelID
		c.mu.Unlock()

	case protocol.TypeMessage:
		var m protocol.ServerChatMsg
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return
		}
		entry := Entry{
			ID:           m.ID,
			ChannelID:    m.ChannelID,
			SenderID:     m.UserID,
			Content:      m.Content,
			Timestamp:    m.Timestamp,
			ClientTempID: m.ClientTempID,
			Status:       StatusSent,
		}
		if c.log.Merge(entry) && c.onMessage != nil {
			c.onMessage(entry)
		}
		// A message implies the sender stopped typing.
		c.peers.set(m.UserID, false)

	case protocol.TypeTyping:
		var m protocol.ServerTypingMsg
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return
		}
		c.peers.set(m.UserID, m.IsTyping)
		if m.IsTyping && c.onTyping != nil {
			c.onTyping(m.UserID, true)
		}

	case protocol.TypePresence:
		var m protocol.ServerPresenceMsg
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return
		}
		if c.onPresence != nil {
			c.onPresence(m.UserID, m.Status)
		}

	case protocol.TypePing:
		// Server heartbeat; nothing to do.

	case protocol.TypeError:
		var m protocol.ErrorMsg
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return
		}
		log.Printf("chatclient: server error code=%s: %s", m.Code, m.Message)

	default:
		log.Printf("chatclient: unknown server envelope type %q", env.Type)
	}
}

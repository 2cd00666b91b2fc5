package registry

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
// The identity is bound at registration time and never changes afterwards.
type Connection struct {
	ID        string   // connection ID (UUID)
	Conn      net.Conn // underlying TCP connection
	Identity  string   // authenticated user ID
	CreatedAt time.Time

	writeMu  sync.Mutex // serializes writes to this connection
	closed   int32      // atomic flag: 1 once Close has run
	lastSeen int64      // atomic unix nano of the last successful read
}

// NewConnection wraps a net.Conn with the given connection ID and identity.
func NewConnection(id string, conn net.Conn, identity string) *Connection {
	c := &Connection{
		ID:        id,
		Conn:      conn,
		Identity:  identity,
		CreatedAt: time.Now(),
	}
	c.Touch()
	return c
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection. The write mutex ensures this does not interleave with other
// outbound frames.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// WriteClose sends a WebSocket close frame with the given status code, then
// closes the connection. Used for policy rejections after upgrade (1008).
func (c *Connection) WriteClose(code ws.StatusCode, reason string) {
	c.writeMu.Lock()
	_ = ws.WriteFrame(c.Conn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
	c.writeMu.Unlock()
	c.Close()
}

// Close closes the underlying network connection. It is safe to call
// multiple times; only the first call closes the socket.
func (c *Connection) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	return c.Conn.Close()
}

// Writable reports whether the transport can still accept frames. Broadcast
// uses this to skip connections that are already torn down.
func (c *Connection) Writable() bool {
	return atomic.LoadInt32(&c.closed) == 0
}

// Touch records read activity, used by the heartbeat monitor to detect dead
// connections.
func (c *Connection) Touch() {
	atomic.StoreInt64(&c.lastSeen, time.Now().UnixNano())
}

// LastSeen returns the time of the last successful read on the connection.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastSeen))
}

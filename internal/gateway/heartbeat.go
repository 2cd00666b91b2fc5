package gateway

import (
	"log"
	"time"

	"github.com/tandem/social-app/internal/protocol"
)

// heartbeatLoop drives the periodic ping and dead-connection sweep until
// Shutdown closes the done channel.
func (s *Server) heartbeatLoop() {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.heartbeat()
		}
	}
}

// heartbeat pings every live connection and closes those that have gone
// silent past the idle timeout. It only closes the transport; the owning
// read-loop goroutine observes the closed socket and runs the one cleanup
// path, so the sweep never races the normal disconnect flow.
func (s *Server) heartbeat() {
	data, err := protocol.NewServerMessage(protocol.TypePing, protocol.ServerPingMsg{
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}

	cutoff := time.Now().Add(-s.config.IdleTimeout)
	for _, conn := range s.registry.All() {
		if conn.LastSeen().Before(cutoff) {
			log.Printf("gateway: closing dead connection conn=%s user=%s idle=%s",
				conn.ID, conn.Identity, time.Since(conn.LastSeen()).Truncate(time.Second))
			conn.Close()
			continue
		}
		if !conn.Writable() {
			continue
		}
		if err := conn.WriteMessage(data); err != nil {
			log.Printf("gateway: heartbeat write failed conn=%s: %v", conn.ID, err)
			conn.Close()
		}
	}
}

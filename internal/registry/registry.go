// Package registry owns the set of live WebSocket connections, indexed by
// channel and by identity. It is pure bookkeeping: it knows nothing about
// the envelope protocol and broadcasts opaque byte payloads.
package registry

import (
	"log"
	"sync"
)

// Registry is a thread-safe index of live connections. Channel entries are
// pruned synchronously inside Unregister the moment their last member
// leaves, so abandoned rooms never accumulate stale keys.
type Registry struct {
	mu         sync.RWMutex
	byID       map[string]*Connection            // connection ID -> connection
	byChannel  map[string]map[string]*Connection // channel ID -> connection ID -> connection
	byIdentity map[string]map[string]*Connection // user ID -> connection ID -> connection
	channels   map[string]map[string]struct{}    // connection ID -> set of channel IDs
}

// New creates an empty Registry ready for use. Registries are constructed at
// gateway startup and injected into the handlers that need them; there is no
// process-wide instance.
func New() *Registry {
	return &Registry{
		byID:       make(map[string]*Connection),
		byChannel:  make(map[string]map[string]*Connection),
		byIdentity: make(map[string]map[string]*Connection),
		channels:   make(map[string]map[string]struct{}),
	}
}

// Register adds the connection to the given channel's member set and to the
// identity index. It is idempotent per connection-channel pair. It returns
// whether this is the identity's first live connection (the offline->online
// presence transition) and the channel's member count after the add, both
// computed inside the same critical section so callers can key exactly-once
// side effects (first-member subscriptions) off them.
func (r *Registry) Register(conn *Connection, channelID string) (first bool, members int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID[conn.ID] = conn

	set, ok := r.byChannel[channelID]
	if !ok {
		set = make(map[string]*Connection)
		r.byChannel[channelID] = set
	}
	set[conn.ID] = conn

	chans, ok := r.channels[conn.ID]
	if !ok {
		chans = make(map[string]struct{})
		r.channels[conn.ID] = chans
	}
	chans[channelID] = struct{}{}

	owned, ok := r.byIdentity[conn.Identity]
	if !ok {
		owned = make(map[string]*Connection)
		r.byIdentity[conn.Identity] = owned
	}
	first = len(owned) == 0
	owned[conn.ID] = conn

	return first, len(set)
}

// Departure describes the effects of removing a connection: whether this
// call did the removal, how many connections the identity still owns, which
// channels the connection was a member of, and which of those were pruned
// because it was their last member. All fields are computed atomically with
// the removal, so callers can run last-member and last-connection side
// effects exactly once.
type Departure struct {
	Removed   bool
	Remaining int
	Channels  []string
	Emptied   []string
}

// Unregister removes the connection from every index it was added to and
// closes the underlying transport. It is safe to call multiple times and on
// partially-registered connections; only the first effective call reports
// Removed. Channel entries left empty by the removal are pruned before
// Unregister returns.
func (r *Registry) Unregister(conn *Connection) Departure {
	var dep Departure
	r.mu.Lock()

	if _, ok := r.byID[conn.ID]; ok {
		dep.Removed = true
		delete(r.byID, conn.ID)

		for channelID := range r.channels[conn.ID] {
			dep.Channels = append(dep.Channels, channelID)
			if set, ok := r.byChannel[channelID]; ok {
				delete(set, conn.ID)
				if len(set) == 0 {
					delete(r.byChannel, channelID)
					dep.Emptied = append(dep.Emptied, channelID)
				}
			}
		}
		delete(r.channels, conn.ID)

		if owned, ok := r.byIdentity[conn.Identity]; ok {
			delete(owned, conn.ID)
			dep.Remaining = len(owned)
			if dep.Remaining == 0 {
				delete(r.byIdentity, conn.Identity)
			}
		}
	}
	r.mu.Unlock()

	// Close outside the lock; removal above already made the connection
	// ineligible for future broadcasts.
	if dep.Removed {
		conn.Close()
	}
	return dep
}

// Broadcast sends data to every member of the channel except exclude (which
// may be nil). The member set is snapshotted before sending so concurrent
// register/unregister calls never mutate the set mid-iteration. Connections
// whose transport is not writable are skipped; a failed write to one peer is
// logged and does not abort delivery to the others. It returns the number of
// successful deliveries.
func (r *Registry) Broadcast(channelID string, data []byte, exclude *Connection) int {
	r.mu.RLock()
	members := r.byChannel[channelID]
	conns := make([]*Connection, 0, len(members))
	for _, conn := range members {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, conn := range conns {
		if exclude != nil && conn.ID == exclude.ID {
			continue
		}
		if !conn.Writable() {
			continue
		}
		if err := conn.WriteMessage(data); err != nil {
			log.Printf("registry: broadcast write failed channel=%s conn=%s: %v", channelID, conn.ID, err)
			continue
		}
		delivered++
	}
	return delivered
}

// BroadcastExceptIdentity sends data to every member of the channel except
// connections owned by the given identity. Typing indicators use this so a
// user's other devices never see their own typing echoed back. Semantics
// otherwise match Broadcast.
func (r *Registry) BroadcastExceptIdentity(channelID string, data []byte, identity string) int {
	r.mu.RLock()
	members := r.byChannel[channelID]
	conns := make([]*Connection, 0, len(members))
	for _, conn := range members {
		if conn.Identity == identity {
			continue
		}
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, conn := range conns {
		if !conn.Writable() {
			continue
		}
		if err := conn.WriteMessage(data); err != nil {
			log.Printf("registry: broadcast write failed channel=%s conn=%s: %v", channelID, conn.ID, err)
			continue
		}
		delivered++
	}
	return delivered
}

// ConnectionsFor returns a snapshot of all live connections owned by the
// given identity. Per-user operations (presence fan-out, typing-to-self
// suppression) iterate this set.
func (r *Registry) ConnectionsFor(identity string) []*Connection {
	r.mu.RLock()
	owned := r.byIdentity[identity]
	conns := make([]*Connection, 0, len(owned))
	for _, conn := range owned {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()
	return conns
}

// ChannelsFor returns the channels the identity currently has at least one
// connection in. Presence changes are scoped to these channels' members
// rather than broadcast globally.
func (r *Registry) ChannelsFor(identity string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for connID := range r.byIdentity[identity] {
		for channelID := range r.channels[connID] {
			seen[channelID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for channelID := range seen {
		out = append(out, channelID)
	}
	return out
}

// MemberCount returns the number of connections currently registered to the
// channel, or zero if the channel does not exist.
func (r *Registry) MemberCount(channelID string) int {
	r.mu.RLock()
	n := len(r.byChannel[channelID])
	r.mu.RUnlock()
	return n
}

// HasChannel reports whether the channel currently exists in the registry.
// Channels exist only while they have at least one member.
func (r *Registry) HasChannel(channelID string) bool {
	r.mu.RLock()
	_, ok := r.byChannel[channelID]
	r.mu.RUnlock()
	return ok
}

// Count returns the current number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byID)
	r.mu.RUnlock()
	return n
}

// ChannelCount returns the current number of non-empty channels.
func (r *Registry) ChannelCount() int {
	r.mu.RLock()
	n := len(r.byChannel)
	r.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock; the heartbeat monitor uses it.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.byID))
	for _, conn := range r.byID {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()
	return conns
}

// Package signal implements the peer-negotiation relay: a timestamp-ordered
// mailbox per room, written by POST and drained by polling with a watermark.
// The relay carries offer/answer/ICE payloads verbatim; it is a mailbox, not
// a negotiation participant.
package signal

import (
	"encoding/json"
	"sync"
	"time"
)

// Signal types. Join and leave are ordinary records so that late joiners can
// reconstruct room membership by replaying from their own session start.
const (
	TypeJoin         = "join"
	TypeLeave        = "leave"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
)

// Record is a single relayed signal. CreatedAt is server-assigned in unix
// milliseconds and strictly increasing within a room, so it doubles as the
// polling watermark. TargetID empty means the record addresses the whole
// room.
type Record struct {
	RoomID     string          `json:"room_id"`
	SenderID   string          `json:"sender_id"`
	TargetID   string          `json:"target_user_id,omitempty"`
	SignalType string          `json:"signal_type"`
	SignalData json.RawMessage `json:"signal_data,omitempty"`
	CreatedAt  int64           `json:"created_at"`
}

type room struct {
	records []Record // ascending CreatedAt
	lastTS  int64
}

// Store holds per-room mailboxes in memory. Records are append-only; rooms
// whose records have all aged out are pruned by the janitor.
type Store struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

// NewStore creates an empty relay store.
func NewStore() *Store {
	return &Store{rooms: make(map[string]*room)}
}

// Append writes a record to the room's mailbox with a server-assigned
// timestamp and returns the stored record. Timestamps within a room are
// strictly increasing even when appends land in the same millisecond, so a
// consumer's watermark never straddles two records.
func (s *Store) Append(roomID string, rec Record) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm, ok := s.rooms[roomID]
	if !ok {
		rm = &room{}
		s.rooms[roomID] = rm
	}

	ts := time.Now().UnixMilli()
	if ts <= rm.lastTS {
		ts = rm.lastTS + 1
	}
	rm.lastTS = ts

	rec.RoomID = roomID
	rec.CreatedAt = ts
	rm.records = append(rm.records, rec)
	return rec
}

// Since returns all records in the room with CreatedAt strictly greater
// than the watermark, in ascending order. A zero watermark returns the full
// mailbox.
func (s *Store) Since(roomID string, watermark int64) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rm, ok := s.rooms[roomID]
	if !ok {
		return []Record{}
	}

	// Binary search for the first record past the watermark.
	lo, hi := 0, len(rm.records)
	for lo < hi {
		mid := (lo + hi) / 2
		if rm.records[mid].CreatedAt <= watermark {
			lo = mid + 1
		} else {
			hi = mid
		}
	}

	out := make([]Record, len(rm.records)-lo)
	copy(out, rm.records[lo:])
	return out
}

// Prune drops records older than maxAge and deletes rooms left empty.
// Consumers poll every second, so records old enough to be pruned have been
// seen by every live session.
func (s *Store) Prune(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge).UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for roomID, rm := range s.rooms {
		i := 0
		for i < len(rm.records) && rm.records[i].CreatedAt < cutoff {
			i++
		}
		if i > 0 {
			dropped += i
			rm.records = append([]Record(nil), rm.records[i:]...)
		}
		if len(rm.records) == 0 {
			delete(s.rooms, roomID)
		}
	}
	return dropped
}

// RoomCount returns the number of rooms with live records.
func (s *Store) RoomCount() int {
	s.mu.RLock()
	n := len(s.rooms)
	s.mu.RUnlock()
	return n
}

// StartJanitor begins a background goroutine that prunes aged records on a
// fixed interval until done is closed.
func (s *Store) StartJanitor(interval, maxAge time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.Prune(maxAge)
			}
		}
	}()
}

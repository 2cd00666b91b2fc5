package chatclient

import (
	"sort"
	"sync"
)

// Delivery states of a local message entry.
const (
	StatusPending = "pending" // optimistic, durable write in flight
	StatusSent    = "sent"    // durable record confirmed
	StatusFailed  = "failed"  // durable write rejected; no automatic retry
)

// Entry is one message in the client's local mirror of the channel log.
// Messages that arrived over the live transport before their durable record
// is known have an empty ID and are keyed by sender + ClientTempID until the
// reload reconciles them.
type Entry struct {
	ID           string
	ChannelID    string
	SenderID     string
	Content      string
	Timestamp    int64 // unix milliseconds, creation time
	ClientTempID string
	Status       string
}

// Log is the client's local message mirror. Merging is idempotent by
// message ID: the live transport and a post-reconnect reload may both
// deliver the same record, and the second merge is a no-op. Display order
// is ascending creation time regardless of arrival order.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	byID    map[string]int // message ID -> index
	byTemp  map[string]int // sender + "\x00" + clientTempId -> index
}

// NewLog creates an empty Log.
func NewLog() *Log {
	return &Log{
		byID:   make(map[string]int),
		byTemp: make(map[string]int),
	}
}

func tempKey(senderID, tempID string) string {
	return senderID + "\x00" + tempID
}

// Merge inserts the entry unless it is already present. Presence is checked
// by ID first, then by the sender's ClientTempID: an entry that arrived
// over the live transport without an ID is upgraded in place when its
// durable counterpart shows up. It returns true if the log changed.
func (l *Log) Merge(e Entry) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.ID != "" {
		if _, ok := l.byID[e.ID]; ok {
			return false
		}
		if e.ClientTempID != "" {
			if i, ok := l.byTemp[tempKey(e.SenderID, e.ClientTempID)]; ok {
				// Upgrade the transport-only entry with the durable record.
				if l.entries[i].ID == "" {
					l.entries[i].ID = e.ID
					l.entries[i].Timestamp = e.Timestamp
					if l.entries[i].Status == "" {
						l.entries[i].Status = StatusSent
					}
					l.byID[e.ID] = i
					return true
				}
				return false
			}
		}
	} else if e.ClientTempID != "" {
		if _, ok := l.byTemp[tempKey(e.SenderID, e.ClientTempID)]; ok {
			return false
		}
	}

	l.append(e)
	return true
}

// Add appends an optimistic local entry (status pending) keyed by its
// ClientTempID.
func (l *Log) Add(e Entry) {
	l.mu.Lock()
	l.append(e)
	l.mu.Unlock()
}

// append assumes the caller holds the lock.
func (l *Log) append(e Entry) {
	idx := len(l.entries)
	l.entries = append(l.entries, e)
	if e.ID != "" {
		l.byID[e.ID] = idx
	}
	if e.ClientTempID != "" {
		l.byTemp[tempKey(e.SenderID, e.ClientTempID)] = idx
	}
}

// Confirm replaces the pending entry matched by the sender's ClientTempID
// with the authoritative record and marks it sent. It returns false if no
// pending entry matches.
func (l *Log) Confirm(senderID, tempID string, authoritative Entry) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	i, ok := l.byTemp[tempKey(senderID, tempID)]
	if !ok {
		return false
	}

	e := &l.entries[i]
	e.ID = authoritative.ID
	e.Timestamp = authoritative.Timestamp
	e.Content = authoritative.Content
	e.Status = StatusSent
	if authoritative.ID != "" {
		l.byID[authoritative.ID] = i
	}
	return true
}

// Fail marks the pending entry matched by the sender's ClientTempID as
// failed. Failed entries stay visible; they are never silently dropped and
// never retried without the user re-initiating.
func (l *Log) Fail(senderID, tempID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	i, ok := l.byTemp[tempKey(senderID, tempID)]
	if !ok {
		return false
	}
	l.entries[i].Status = StatusFailed
	return true
}

// ByTemp returns the entry keyed by the sender's ClientTempID.
func (l *Log) ByTemp(senderID, tempID string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i, ok := l.byTemp[tempKey(senderID, tempID)]
	if !ok {
		return Entry{}, false
	}
	return l.entries[i], true
}

// Messages returns the log in display order: ascending creation time, with
// the insertion sequence as a tiebreak so equal-timestamp entries stay
// stable across calls.
func (l *Log) Messages() []Entry {
	l.mu.Lock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	l.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}

// Len returns the number of entries in the log.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

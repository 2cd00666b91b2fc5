// Package presence derives per-identity online/typing/away state from
// registry events. Status is "online" exactly while the identity has at
// least one live connection; typing is a transient state that auto-reverts
// after a quiet window even if the client never sends an explicit stop.
package presence

import (
	"sync"
	"time"
)

// Presence status values. Typing is modeled as a state of the identity so
// that a client that disconnects mid-type still reverts to online.
const (
	StatusOnline  = "online"
	StatusTyping  = "typing"
	StatusAway    = "away"
	StatusOffline = "offline"
)

// DefaultTypingWindow is how long a typing state survives without a
// follow-up signal before auto-reverting to online.
const DefaultTypingWindow = 3 * time.Second

// Record is the per-identity presence snapshot.
type Record struct {
	UserID   string
	Status   string
	LastSeen time.Time
}

// ChangeFunc is invoked whenever an identity's status transitions. It runs
// outside the tracker's lock, so implementations may broadcast freely.
type ChangeFunc func(userID, status string)

type entry struct {
	status      string
	lastSeen    time.Time
	typingTimer *time.Timer
}

// Tracker maintains presence records in memory. It is constructed at
// gateway startup and injected into the handlers; there is no process-wide
// instance.
type Tracker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	typingWindow time.Duration
	onChange     ChangeFunc
}

// NewTracker creates a Tracker with the default typing window. The onChange
// callback may be nil.
func NewTracker(onChange ChangeFunc) *Tracker {
	return NewTrackerWithWindow(DefaultTypingWindow, onChange)
}

// NewTrackerWithWindow creates a Tracker with a custom typing quiet window.
func NewTrackerWithWindow(window time.Duration, onChange ChangeFunc) *Tracker {
	return &Tracker{
		entries:      make(map[string]*entry),
		typingWindow: window,
		onChange:     onChange,
	}
}

// Connected records that the identity gained a connection. The first
// connection moves the identity offline -> online; subsequent connections
// only refresh last-seen.
func (t *Tracker) Connected(userID string, first bool) {
	t.mu.Lock()
	e, ok := t.entries[userID]
	if !ok {
		e = &entry{status: StatusOffline}
		t.entries[userID] = e
	}
	e.lastSeen = time.Now()

	changed := false
	if first || e.status == StatusOffline {
		t.stopTypingTimerLocked(e)
		e.status = StatusOnline
		changed = true
	}
	t.mu.Unlock()

	if changed {
		t.notify(userID, StatusOnline)
	}
}

// Disconnected records that the identity lost a connection. Only when the
// last connection is gone does the identity go offline; its record is
// deleted so the tracker never grows with departed users.
func (t *Tracker) Disconnected(userID string, remaining int) {
	if remaining > 0 {
		t.mu.Lock()
		if e, ok := t.entries[userID]; ok {
			e.lastSeen = time.Now()
		}
		t.mu.Unlock()
		return
	}

	t.mu.Lock()
	e, ok := t.entries[userID]
	if ok {
		t.stopTypingTimerLocked(e)
		delete(t.entries, userID)
	}
	t.mu.Unlock()

	if ok {
		t.notify(userID, StatusOffline)
	}
}

// Typing records typing activity. Starting to type moves the identity to
// typing and arms the quiet-window timer; every repeat signal re-arms it.
// An explicit stop (isTyping=false) reverts to online immediately.
func (t *Tracker) Typing(userID string, isTyping bool) {
	t.mu.Lock()
	e, ok := t.entries[userID]
	if !ok {
		// No live connection; typing from an unknown identity is ignored.
		t.mu.Unlock()
		return
	}
	e.lastSeen = time.Now()

	var transition string
	if isTyping {
		if e.status != StatusTyping {
			e.status = StatusTyping
			transition = StatusTyping
		}
		t.armTypingTimerLocked(userID, e)
	} else if e.status == StatusTyping {
		t.stopTypingTimerLocked(e)
		e.status = StatusOnline
		transition = StatusOnline
	}
	t.mu.Unlock()

	if transition != "" {
		t.notify(userID, transition)
	}
}

// SetStatus applies an explicit client-submitted status ("away" or back to
// "online"). The tracker never derives away on its own. Unknown identities
// and offline writes are ignored; offline is only ever derived from the
// connection count.
func (t *Tracker) SetStatus(userID, status string) {
	if status != StatusAway && status != StatusOnline {
		return
	}

	t.mu.Lock()
	e, ok := t.entries[userID]
	changed := ok && e.status != status
	if changed {
		t.stopTypingTimerLocked(e)
		e.status = status
		e.lastSeen = time.Now()
	}
	t.mu.Unlock()

	if changed {
		t.notify(userID, status)
	}
}

// Get returns the identity's presence record. Identities with no live
// connections are reported offline.
func (t *Tracker) Get(userID string) Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[userID]
	if !ok {
		return Record{UserID: userID, Status: StatusOffline}
	}
	return Record{UserID: userID, Status: e.status, LastSeen: e.lastSeen}
}

// Online returns the number of identities currently tracked as non-offline.
func (t *Tracker) Online() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tracker) armTypingTimerLocked(userID string, e *entry) {
	if e.typingTimer != nil {
		e.typingTimer.Stop()
	}
	e.typingTimer = time.AfterFunc(t.typingWindow, func() {
		t.typingExpired(userID)
	})
}

func (t *Tracker) stopTypingTimerLocked(e *entry) {
	if e.typingTimer != nil {
		e.typingTimer.Stop()
		e.typingTimer = nil
	}
}

// typingExpired is the quiet-window callback: typing -> online.
func (t *Tracker) typingExpired(userID string) {
	t.mu.Lock()
	e, ok := t.entries[userID]
	expired := ok && e.status == StatusTyping
	if expired {
		e.status = StatusOnline
		e.typingTimer = nil
	}
	t.mu.Unlock()

	if expired {
		t.notify(userID, StatusOnline)
	}
}

func (t *Tracker) notify(userID, status string) {
	if t.onChange != nil {
		t.onChange(userID, status)
	}
}

package chatclient

import (
	"sync"
	"time"
)

// Typing timing constants. Outbound signals are throttled so a continuously
// typing user produces at most one signal per throttle window; inbound
// typing state clears on its own if no follow-up signal arrives within the
// clear window.
const (
	TypingThrottle    = 2 * time.Second
	TypingClearWindow = 3 * time.Second
)

// typingThrottle rate-limits outbound typing signals.
type typingThrottle struct {
	mu       sync.Mutex
	window   time.Duration
	lastSent time.Time
}

func newTypingThrottle(window time.Duration) *typingThrottle {
	return &typingThrottle{window: window}
}

// allow reports whether a typing signal may be sent now, and records the
// send time when it may. Stop signals (isTyping=false) always pass so a
// pause is never swallowed by the throttle.
func (t *typingThrottle) allow(isTyping bool, now time.Time) bool {
	if !isTyping {
		t.mu.Lock()
		t.lastSent = time.Time{}
		t.mu.Unlock()
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.lastSent.IsZero() && now.Sub(t.lastSent) < t.window {
		return false
	}
	t.lastSent = now
	return true
}

// peerTyping tracks which remote users are currently typing, clearing each
// automatically after the clear window passes without a follow-up signal.
type peerTyping struct {
	mu      sync.Mutex
	window  time.Duration
	typing  map[string]*time.Timer
	onClear func(userID string)
}

func newPeerTyping(window time.Duration, onClear func(userID string)) *peerTyping {
	return &peerTyping{
		window:  window,
		typing:  make(map[string]*time.Timer),
		onClear: onClear,
	}
}

// set applies an inbound typing signal for the user. A start arms (or
// re-arms) the auto-clear timer; a stop clears immediately.
func (p *peerTyping) set(userID string, isTyping bool) {
	p.mu.Lock()
	timer, exists := p.typing[userID]
	if isTyping {
		if exists {
			timer.Stop()
		}
		p.typing[userID] = time.AfterFunc(p.window, func() {
			p.expire(userID)
		})
		p.mu.Unlock()
		return
	}
	if exists {
		timer.Stop()
		delete(p.typing, userID)
	}
	p.mu.Unlock()

	if exists && p.onClear != nil {
		p.onClear(userID)
	}
}

func (p *peerTyping) expire(userID string) {
	p.mu.Lock()
	_, exists := p.typing[userID]
	if exists {
		delete(p.typing, userID)
	}
	p.mu.Unlock()

	if exists && p.onClear != nil {
		p.onClear(userID)
	}
}

// isTyping reports whether the user is currently marked as typing.
func (p *peerTyping) isTyping(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.typing[userID]
	return ok
}

// stopAll cancels every pending auto-clear timer (connection teardown).
func (p *peerTyping) stopAll() {
	p.mu.Lock()
	for userID, timer := range p.typing {
		timer.Stop()
		delete(p.typing, userID)
	}
	p.mu.Unlock()
}

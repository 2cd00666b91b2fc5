package chatclient

import (
	"sync"
	"testing"
	"time"
)

func TestThrottleAllowsFirstSignal(t *testing.T) {
	th := newTypingThrottle(2 * time.Second)
	now := time.Now()

	if !th.allow(true, now) {
		t.Fatal("first typing signal should pass")
	}
}

func TestThrottleSuppressesWithinWindow(t *testing.T) {
	th := newTypingThrottle(2 * time.Second)
	now := time.Now()

	th.allow(true, now)
	if th.allow(true, now.Add(500*time.Millisecond)) {
		t.Error("signal inside the throttle window should be suppressed")
	}
	if th.allow(true, now.Add(1900*time.Millisecond)) {
		t.Error("signal just inside the window should be suppressed")
	}
	if !th.allow(true, now.Add(2100*time.Millisecond)) {
		t.Error("signal past the window should pass")
	}
}

func TestThrottleStopAlwaysPasses(t *testing.T) {
	th := newTypingThrottle(2 * time.Second)
	now := time.Now()

	th.allow(true, now)
	if !th.allow(false, now.Add(100*time.Millisecond)) {
		t.Fatal("stop signal must never be throttled")
	}
	// A stop resets the window so the next start goes out immediately.
	if !th.allow(true, now.Add(200*time.Millisecond)) {
		t.Error("start after a stop should pass without waiting out the window")
	}
}

func TestPeerTypingAutoClears(t *testing.T) {
	var mu sync.Mutex
	var cleared []string
	p := newPeerTyping(30*time.Millisecond, func(userID string) {
		mu.Lock()
		cleared = append(cleared, userID)
		mu.Unlock()
	})

	p.set("bob", true)
	if !p.isTyping("bob") {
		t.Fatal("bob should be typing")
	}

	deadline := time.Now().Add(time.Second)
	for p.isTyping("bob") {
		if time.Now().After(deadline) {
			t.Fatal("typing state never auto-cleared")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(cleared) != 1 || cleared[0] != "bob" {
		t.Errorf("expected one clear callback for bob, got %v", cleared)
	}
}

func TestPeerTypingReArmsOnRepeatSignals(t *testing.T) {
	p := newPeerTyping(60*time.Millisecond, nil)

	p.set("bob", true)
	for i := 0; i < 3; i++ {
		time.Sleep(30 * time.Millisecond)
		p.set("bob", true)
	}
	// Each signal restarted the window, so bob is still typing well past
	// the first timer's original deadline.
	if !p.isTyping("bob") {
		t.Fatal("repeat signals should keep the typing state alive")
	}
}

func TestPeerTypingExplicitStop(t *testing.T) {
	var mu sync.Mutex
	var cleared []string
	p := newPeerTyping(time.Minute, func(userID string) {
		mu.Lock()
		cleared = append(cleared, userID)
		mu.Unlock()
	})

	p.set("bob", true)
	p.set("bob", false)

	if p.isTyping("bob") {
		t.Fatal("explicit stop should clear immediately")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(cleared) != 1 {
		t.Errorf("expected one clear callback, got %v", cleared)
	}
}

func TestPeerTypingStopWithoutStart(t *testing.T) {
	fired := false
	p := newPeerTyping(time.Minute, func(string) { fired = true })

	p.set("bob", false)
	if fired {
		t.Error("stop for a user who was not typing should not fire the callback")
	}
}

func TestPeerTypingStopAll(t *testing.T) {
	p := newPeerTyping(time.Minute, nil)

	p.set("bob", true)
	p.set("carol", true)
	p.stopAll()

	if p.isTyping("bob") || p.isTyping("carol") {
		t.Error("stopAll should clear every tracked user")
	}
}

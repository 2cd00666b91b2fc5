package presence

import (
	"sync"
	"testing"
	"time"
)

// changeLog collects status transitions for assertions.
type changeLog struct {
	mu      sync.Mutex
	changes []string // "user:status"
}

func (c *changeLog) record(userID, status string) {
	c.mu.Lock()
	c.changes = append(c.changes, userID+":"+status)
	c.mu.Unlock()
}

func (c *changeLog) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.changes))
	copy(out, c.changes)
	return out
}

func TestFirstConnectionGoesOnline(t *testing.T) {
	log := &changeLog{}
	tr := NewTracker(log.record)

	tr.Connected("alice", true)

	if got := tr.Get("alice").Status; got != StatusOnline {
		t.Fatalf("expected online, got %q", got)
	}
	changes := log.all()
	if len(changes) != 1 || changes[0] != "alice:online" {
		t.Fatalf("expected single online transition, got %v", changes)
	}
}

func TestSecondConnectionDoesNotRetransition(t *testing.T) {
	log := &changeLog{}
	tr := NewTracker(log.record)

	tr.Connected("alice", true)
	tr.Connected("alice", false)

	if len(log.all()) != 1 {
		t.Fatalf("expected one transition for two connections, got %v", log.all())
	}
}

func TestMultiConnectionOfflineOnlyWhenLastCloses(t *testing.T) {
	log := &changeLog{}
	tr := NewTracker(log.record)

	// Identity with two live connections; one closes.
	tr.Connected("alice", true)
	tr.Connected("alice", false)

	tr.Disconnected("alice", 1)
	if got := tr.Get("alice").Status; got != StatusOnline {
		t.Fatalf("expected online while one connection remains, got %q", got)
	}

	tr.Disconnected("alice", 0)
	if got := tr.Get("alice").Status; got != StatusOffline {
		t.Fatalf("expected offline after last connection closed, got %q", got)
	}

	changes := log.all()
	if changes[len(changes)-1] != "alice:offline" {
		t.Fatalf("expected trailing offline transition, got %v", changes)
	}
}

func TestOfflineIdentityDeleted(t *testing.T) {
	tr := NewTracker(nil)

	tr.Connected("alice", true)
	tr.Disconnected("alice", 0)

	if tr.Online() != 0 {
		t.Fatalf("expected 0 tracked identities, got %d", tr.Online())
	}
}

func TestTypingTransitionsAndExplicitStop(t *testing.T) {
	log := &changeLog{}
	tr := NewTracker(log.record)

	tr.Connected("alice", true)
	tr.Typing("alice", true)

	if got := tr.Get("alice").Status; got != StatusTyping {
		t.Fatalf("expected typing, got %q", got)
	}

	tr.Typing("alice", false)
	if got := tr.Get("alice").Status; got != StatusOnline {
		t.Fatalf("expected online after explicit stop, got %q", got)
	}

	want := []string{"alice:online", "alice:typing", "alice:online"}
	got := log.all()
	if len(got) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected transitions %v, got %v", want, got)
		}
	}
}

func TestTypingAutoRevertsAfterQuietWindow(t *testing.T) {
	log := &changeLog{}
	tr := NewTrackerWithWindow(30*time.Millisecond, log.record)

	tr.Connected("alice", true)
	tr.Typing("alice", true)

	// No explicit stop; the quiet window must revert typing on its own.
	deadline := time.Now().Add(time.Second)
	for tr.Get("alice").Status != StatusOnline {
		if time.Now().After(deadline) {
			t.Fatal("typing state never auto-reverted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRepeatTypingSignalsReArmWindow(t *testing.T) {
	tr := NewTrackerWithWindow(50*time.Millisecond, nil)

	tr.Connected("alice", true)
	tr.Typing("alice", true)

	// Keep typing past the original window; the state must hold.
	for i := 0; i < 4; i++ {
		time.Sleep(25 * time.Millisecond)
		tr.Typing("alice", true)
	}
	if got := tr.Get("alice").Status; got != StatusTyping {
		t.Fatalf("expected typing while signals keep arriving, got %q", got)
	}
}

func TestTypingWithoutConnectionIgnored(t *testing.T) {
	log := &changeLog{}
	tr := NewTracker(log.record)

	tr.Typing("ghost", true)

	if len(log.all()) != 0 {
		t.Fatalf("expected no transitions, got %v", log.all())
	}
	if got := tr.Get("ghost").Status; got != StatusOffline {
		t.Fatalf("expected offline for unknown identity, got %q", got)
	}
}

func TestExplicitAwayAndBack(t *testing.T) {
	tr := NewTracker(nil)

	tr.Connected("alice", true)
	tr.SetStatus("alice", StatusAway)
	if got := tr.Get("alice").Status; got != StatusAway {
		t.Fatalf("expected away, got %q", got)
	}

	tr.SetStatus("alice", StatusOnline)
	if got := tr.Get("alice").Status; got != StatusOnline {
		t.Fatalf("expected online, got %q", got)
	}
}

func TestSetStatusRejectsDerivedValues(t *testing.T) {
	tr := NewTracker(nil)

	tr.Connected("alice", true)
	tr.SetStatus("alice", StatusOffline)
	tr.SetStatus("alice", StatusTyping)

	// Offline and typing are derived, never client-settable.
	if got := tr.Get("alice").Status; got != StatusOnline {
		t.Fatalf("expected online, got %q", got)
	}
}

func TestDisconnectCancelsTypingTimer(t *testing.T) {
	log := &changeLog{}
	tr := NewTrackerWithWindow(20*time.Millisecond, log.record)

	tr.Connected("alice", true)
	tr.Typing("alice", true)
	tr.Disconnected("alice", 0)

	// Let the (cancelled) timer window pass; no late online transition may
	// surface for an identity that already went offline.
	time.Sleep(60 * time.Millisecond)

	changes := log.all()
	if changes[len(changes)-1] != "alice:offline" {
		t.Fatalf("expected offline to be the final transition, got %v", changes)
	}
}

func TestConcurrentTypingChurn(t *testing.T) {
	tr := NewTrackerWithWindow(10*time.Millisecond, nil)
	tr.Connected("alice", true)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				tr.Typing("alice", j%2 == 0)
			}
		}()
	}
	wg.Wait()

	status := tr.Get("alice").Status
	if status != StatusTyping && status != StatusOnline {
		t.Fatalf("unexpected status after churn: %q", status)
	}
}

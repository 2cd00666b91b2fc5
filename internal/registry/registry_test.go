package registry

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
)

// fakeConn is a minimal net.Conn that records written bytes and can be
// flipped into a failing state to simulate an unwritable transport.
type fakeConn struct {
	mu     sync.Mutex
	writes int
	fail   bool
	closed bool
}

func (f *fakeConn) Read(b []byte) (int, error) { return 0, fmt.Errorf("not implemented") }

func (f *fakeConn) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail || f.closed {
		return 0, fmt.Errorf("write on broken conn")
	}
	f.writes++
	return len(b), nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func (f *fakeConn) LocalAddr() net.Addr                { return nil }
func (f *fakeConn) RemoteAddr() net.Addr               { return nil }
func (f *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (f *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func newTestConn(id, identity string) (*Connection, *fakeConn) {
	fc := &fakeConn{}
	return NewConnection(id, fc, identity), fc
}

func TestRegisterAndBroadcastMembership(t *testing.T) {
	r := New()

	a, fa := newTestConn("c1", "alice")
	b, fb := newTestConn("c2", "bob")
	c, fc := newTestConn("c3", "carol")

	r.Register(a, "room-1")
	r.Register(b, "room-1")
	r.Register(c, "room-2")

	delivered := r.Broadcast("room-1", []byte(`{"type":"message"}`), nil)
	if delivered != 2 {
		t.Fatalf("expected 2 deliveries to room-1, got %d", delivered)
	}
	if fa.writeCount() == 0 || fb.writeCount() == 0 {
		t.Errorf("expected writes to both room-1 members, got a=%d b=%d",
			fa.writeCount(), fb.writeCount())
	}
	if fc.writeCount() != 0 {
		t.Errorf("room-2 member received a room-1 broadcast")
	}
}

func TestRegisterIdempotentPerChannelPair(t *testing.T) {
	r := New()

	a, _ := newTestConn("c1", "alice")
	r.Register(a, "room-1")
	r.Register(a, "room-1")

	if got := r.MemberCount("room-1"); got != 1 {
		t.Fatalf("expected 1 member after duplicate register, got %d", got)
	}
	if got := r.Count(); got != 1 {
		t.Fatalf("expected 1 connection, got %d", got)
	}
}

func TestRegisterFirstConnectionForIdentity(t *testing.T) {
	r := New()

	a, _ := newTestConn("c1", "alice")
	b, _ := newTestConn("c2", "alice")

	if first, _ := r.Register(a, "presence"); !first {
		t.Error("expected first registration for alice to report first=true")
	}
	if first, _ := r.Register(b, "presence"); first {
		t.Error("expected second registration for alice to report first=false")
	}
}

func TestRegisterReportsChannelMembers(t *testing.T) {
	r := New()

	a, _ := newTestConn("c1", "alice")
	b, _ := newTestConn("c2", "bob")

	if _, members := r.Register(a, "room-1"); members != 1 {
		t.Fatalf("expected 1 member after the first register, got %d", members)
	}
	if _, members := r.Register(b, "room-1"); members != 2 {
		t.Fatalf("expected 2 members after the second register, got %d", members)
	}
	// Re-registering the same pair does not inflate the count.
	if _, members := r.Register(a, "room-1"); members != 2 {
		t.Fatalf("expected duplicate register to leave 2 members, got %d", members)
	}
}

func TestUnregisterRemovesFromAllIndexes(t *testing.T) {
	r := New()

	a, _ := newTestConn("c1", "alice")
	r.Register(a, "room-1")
	r.Register(a, "presence")

	dep := r.Unregister(a)
	if !dep.Removed {
		t.Fatal("expected unregister to report removal")
	}
	if dep.Remaining != 0 {
		t.Fatalf("expected 0 remaining connections for alice, got %d", dep.Remaining)
	}
	if len(dep.Channels) != 2 {
		t.Fatalf("expected both channels in the departure, got %v", dep.Channels)
	}
	if r.Count() != 0 {
		t.Errorf("expected empty registry, got %d connections", r.Count())
	}
	if len(r.ConnectionsFor("alice")) != 0 {
		t.Error("identity index still holds the removed connection")
	}
	if r.Broadcast("room-1", []byte("x"), nil) != 0 {
		t.Error("removed connection is still reachable by broadcast")
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	r := New()

	a, _ := newTestConn("c1", "alice")
	r.Register(a, "room-1")

	if dep := r.Unregister(a); !dep.Removed {
		t.Fatal("first unregister should remove")
	}
	if dep := r.Unregister(a); dep.Removed {
		t.Fatal("second unregister should be a no-op")
	}
}

func TestUnregisterNeverRegistered(t *testing.T) {
	r := New()

	a, _ := newTestConn("c1", "alice")

	// Error paths unregister connections that never finished registration.
	if dep := r.Unregister(a); dep.Removed {
		t.Fatal("unregister of an unknown connection should be a no-op")
	}
}

func TestUnregisterReportsEmptiedChannels(t *testing.T) {
	r := New()

	a, _ := newTestConn("c1", "alice")
	b, _ := newTestConn("c2", "bob")
	r.Register(a, "room-1")
	r.Register(a, "presence:alice")
	r.Register(b, "room-1")

	dep := r.Unregister(a)
	if len(dep.Channels) != 2 {
		t.Fatalf("expected 2 departed channels, got %v", dep.Channels)
	}
	// room-1 still has bob; only alice's presence channel emptied.
	if len(dep.Emptied) != 1 || dep.Emptied[0] != "presence:alice" {
		t.Fatalf("expected only presence:alice emptied, got %v", dep.Emptied)
	}

	dep = r.Unregister(b)
	if len(dep.Emptied) != 1 || dep.Emptied[0] != "room-1" {
		t.Fatalf("expected room-1 emptied on last-member departure, got %v", dep.Emptied)
	}
}

func TestEmptyChannelPruning(t *testing.T) {
	r := New()

	a, _ := newTestConn("c1", "alice")
	b, _ := newTestConn("c2", "bob")
	r.Register(a, "room-1")
	r.Register(b, "room-1")

	r.Unregister(a)
	if !r.HasChannel("room-1") {
		t.Fatal("channel pruned while it still has a member")
	}

	r.Unregister(b)
	if r.HasChannel("room-1") {
		t.Fatal("empty channel was not pruned on last-member departure")
	}
	if r.ChannelCount() != 0 {
		t.Fatalf("expected 0 channels, got %d", r.ChannelCount())
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	r := New()

	a, fa := newTestConn("c1", "alice")
	b, fb := newTestConn("c2", "bob")
	r.Register(a, "room-1")
	r.Register(b, "room-1")

	delivered := r.Broadcast("room-1", []byte("hi"), a)
	if delivered != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered)
	}
	if fa.writeCount() != 0 {
		t.Error("sender received its own broadcast")
	}
	if fb.writeCount() == 0 {
		t.Error("expected bob to receive the message")
	}
}

func TestBroadcastExceptIdentitySkipsAllDevices(t *testing.T) {
	r := New()

	a1, fa1 := newTestConn("c1", "alice")
	a2, fa2 := newTestConn("c2", "alice")
	b, fb := newTestConn("c3", "bob")
	r.Register(a1, "room-1")
	r.Register(a2, "room-1")
	r.Register(b, "room-1")

	delivered := r.BroadcastExceptIdentity("room-1", []byte("typing"), "alice")
	if delivered != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered)
	}
	if fa1.writeCount() != 0 || fa2.writeCount() != 0 {
		t.Error("alice's own devices received her typing indicator")
	}
	if fb.writeCount() == 0 {
		t.Error("expected bob to receive the indicator")
	}
}

func TestBroadcastSkipsFailedPeer(t *testing.T) {
	r := New()

	a, fa := newTestConn("c1", "alice")
	b, fb := newTestConn("c2", "bob")
	c, fc := newTestConn("c3", "carol")
	r.Register(a, "room-1")
	r.Register(b, "room-1")
	r.Register(c, "room-1")

	fb.mu.Lock()
	fb.fail = true
	fb.mu.Unlock()

	delivered := r.Broadcast("room-1", []byte("hi"), nil)
	if delivered != 2 {
		t.Fatalf("expected 2 deliveries around the broken peer, got %d", delivered)
	}
	if fa.writeCount() == 0 || fc.writeCount() == 0 {
		t.Error("a failed write to one peer disrupted delivery to others")
	}
}

func TestBroadcastSkipsClosedConnection(t *testing.T) {
	r := New()

	a, _ := newTestConn("c1", "alice")
	b, fb := newTestConn("c2", "bob")
	r.Register(a, "room-1")
	r.Register(b, "room-1")

	a.Close()

	delivered := r.Broadcast("room-1", []byte("hi"), nil)
	if delivered != 1 {
		t.Fatalf("expected closed connection to be skipped, got %d deliveries", delivered)
	}
	if fb.writeCount() == 0 {
		t.Error("writable peer missed the broadcast")
	}
}

func TestConnectionsForIteratesAllDevices(t *testing.T) {
	r := New()

	a, _ := newTestConn("c1", "alice")
	b, _ := newTestConn("c2", "alice")
	c, _ := newTestConn("c3", "bob")
	r.Register(a, "presence")
	r.Register(b, "room-1")
	r.Register(c, "presence")

	conns := r.ConnectionsFor("alice")
	if len(conns) != 2 {
		t.Fatalf("expected 2 connections for alice, got %d", len(conns))
	}

	if dep := r.Unregister(a); dep.Remaining != 1 {
		t.Fatalf("expected 1 remaining connection for alice, got %d", dep.Remaining)
	}
}

func TestChannelsForIdentity(t *testing.T) {
	r := New()

	a, _ := newTestConn("c1", "alice")
	b, _ := newTestConn("c2", "alice")
	r.Register(a, "room-1")
	r.Register(a, "presence")
	r.Register(b, "room-2")

	chans := r.ChannelsFor("alice")
	seen := make(map[string]bool)
	for _, ch := range chans {
		seen[ch] = true
	}
	if !seen["room-1"] || !seen["room-2"] || !seen["presence"] {
		t.Fatalf("expected alice's channels {room-1, room-2, presence}, got %v", chans)
	}
}

func TestConcurrentRegisterUnregisterBroadcast(t *testing.T) {
	r := New()
	const workers = 50

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(n int) {
			defer wg.Done()
			conn, _ := newTestConn(fmt.Sprintf("c%d", n), fmt.Sprintf("user-%d", n%5))
			r.Register(conn, "room-1")
			r.Broadcast("room-1", []byte("x"), conn)
			r.Unregister(conn)
		}(i)
	}
	wg.Wait()

	if r.Count() != 0 {
		t.Fatalf("expected empty registry after churn, got %d", r.Count())
	}
	if r.HasChannel("room-1") {
		t.Fatal("channel survived after all members left")
	}
}

package presence

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/msgsync/internal/remote"
)

const (
	testDebounce = 30 * time.Millisecond
	testGrace    = 80 * time.Millisecond
)

func newTestTracker(ch Channel) *Tracker {
	return NewTracker("alice", ch, nil, nil, Options{Debounce: testDebounce, Grace: testGrace})
}

func countWrites(ops []Op, kind string, online bool) int {
	n := 0
	for _, op := range ops {
		if op.Kind == kind && op.Status.Online == online {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// goOnline drives the tracker through a connect and waits for the write.
func goOnline(t *testing.T, tr *Tracker, ch *MemoryChannel) {
	t.Helper()
	tr.HandleConnection(true)
	waitFor(t, "online write", func() bool { return countWrites(ch.Ops(), "write", true) > 0 })
}

func TestDebounceCoalescesRapidConnects(t *testing.T) {
	ch := NewMemoryChannel()
	tr := newTestTracker(ch)
	defer tr.Stop()

	for range 3 {
		tr.HandleConnection(true)
		time.Sleep(testDebounce / 4)
	}
	time.Sleep(3 * testDebounce)

	ops := ch.Ops()
	if n := countWrites(ops, "write", true); n != 1 {
		t.Fatalf("online writes = %d, want 1 (ops: %+v)", n, ops)
	}
	if tr.State() != Online {
		t.Errorf("state = %s, want online", tr.State())
	}
}

func TestFallbackRegisteredBeforeOnlineWrite(t *testing.T) {
	ch := NewMemoryChannel()
	tr := newTestTracker(ch)
	defer tr.Stop()
	goOnline(t, tr, ch)

	ops := ch.Ops()
	if len(ops) != 2 {
		t.Fatalf("ops = %+v, want fallback then write", ops)
	}
	if ops[0].Kind != "fallback" || ops[0].Status.Online || !ops[0].Status.LastSeen.IsPending() {
		t.Errorf("first op = %+v, want offline fallback with pending timestamp", ops[0])
	}
	if ops[1].Kind != "write" || !ops[1].Status.Online || ops[1].Path != "status/alice" {
		t.Errorf("second op = %+v, want online write to status/alice", ops[1])
	}
}

func TestGraceWindowAbsorbsQuickSwitch(t *testing.T) {
	ch := NewMemoryChannel()
	tr := newTestTracker(ch)
	defer tr.Stop()
	goOnline(t, tr, ch)

	tr.Background()
	time.Sleep(testGrace / 4)
	tr.Foreground()
	time.Sleep(2 * testGrace)

	if n := countWrites(ch.Ops(), "write", false); n != 0 {
		t.Errorf("offline writes = %d, want 0", n)
	}
	if tr.State() != Online {
		t.Errorf("state = %s, want online", tr.State())
	}
}

func TestGraceExpiryWritesOfflineOnce(t *testing.T) {
	ch := NewMemoryChannel()
	tr := newTestTracker(ch)
	defer tr.Stop()
	goOnline(t, tr, ch)

	tr.Background()
	time.Sleep(testGrace / 2)
	tr.Background() // replaces the pending timer
	waitFor(t, "offline write", func() bool { return countWrites(ch.Ops(), "write", false) > 0 })
	time.Sleep(2 * testGrace)

	if n := countWrites(ch.Ops(), "write", false); n != 1 {
		t.Errorf("offline writes = %d, want 1", n)
	}
	if tr.State() != Offline {
		t.Errorf("state = %s, want offline", tr.State())
	}

	// Returning re-enters online through the debounce.
	tr.Foreground()
	waitFor(t, "second online write", func() bool { return countWrites(ch.Ops(), "write", true) == 2 })
}

func TestConnectWhileBackgroundedIsDeferred(t *testing.T) {
	ch := NewMemoryChannel()
	tr := newTestTracker(ch)
	defer tr.Stop()

	tr.Background()
	tr.HandleConnection(true)
	time.Sleep(3 * testDebounce)
	if n := countWrites(ch.Ops(), "write", true); n != 0 {
		t.Fatalf("online writes while backgrounded = %d, want 0", n)
	}

	tr.Foreground()
	waitFor(t, "online write after foreground", func() bool { return tr.State() == Online })
}

// TestLostConnectionLeavesOfflineToServer verifies the client does not write
// offline itself on disconnect; the registered fallback does.
func TestLostConnectionLeavesOfflineToServer(t *testing.T) {
	ch := NewMemoryChannel()
	tr := newTestTracker(ch)
	tr.Start(context.Background())
	defer tr.Stop()

	ch.SetConnected(true)
	waitFor(t, "online", func() bool { return tr.State() == Online })
	waitFor(t, "online write", func() bool { return countWrites(ch.Ops(), "write", true) == 1 })

	ch.SetConnected(false)
	waitFor(t, "offline", func() bool { return tr.State() == Offline })

	ops := ch.Ops()
	if n := countWrites(ops, "write", false); n != 0 {
		t.Errorf("client offline writes = %d, want 0", n)
	}
	if n := countWrites(ops, "server", false); n != 1 {
		t.Errorf("server fallback writes = %d, want 1", n)
	}
	node, _ := ch.Node(Path("alice"))
	if node.Online {
		t.Error("live node still online after disconnect")
	}
}

func TestWriteFailureIsDropped(t *testing.T) {
	ch := NewMemoryChannel()
	ch.FailWrites(errors.New("channel down"))
	tr := newTestTracker(ch)
	defer tr.Stop()

	tr.HandleConnection(true)
	waitFor(t, "online state", func() bool { return tr.State() == Online })
	if len(ch.Ops()) != 0 {
		t.Errorf("ops recorded despite failures: %+v", ch.Ops())
	}
}

func TestObserverPanicIsIsolated(t *testing.T) {
	ch := NewMemoryChannel()
	tr := newTestTracker(ch)
	defer tr.Stop()

	tr.OnChange(func(State) { panic("observer bug") })
	var got atomic.Value
	tr.OnChange(func(s State) { got.Store(s) })

	goOnline(t, tr, ch)
	waitFor(t, "observer", func() bool { return got.Load() == Online })
}

func TestMirrorResolvesPendingTimestamp(t *testing.T) {
	ctx := context.Background()
	docs := remote.NewMemory()
	m := NewMirror(docs, nil)

	ev := WriteEvent{Path: Path("alice"), Status: &Status{Online: true, LastSeen: remote.Pending}, At: time.UnixMilli(5000)}
	if err := m.Handle(ctx, ev); err != nil {
		t.Fatal(err)
	}
	d, ok, _ := docs.Get(ctx, remote.Presence, "alice")
	if !ok {
		t.Fatal("record not written")
	}
	rec := RecordFromDocument(d)
	if !rec.Online || rec.LastSeenAt != 5000 {
		t.Errorf("record = %+v, want online at 5000", rec)
	}

	// Replaying the same event is harmless.
	if err := m.Handle(ctx, ev); err != nil {
		t.Fatal(err)
	}
	d, _, _ = docs.Get(ctx, remote.Presence, "alice")
	if again := RecordFromDocument(d); again != rec {
		t.Errorf("replay changed record: %+v vs %+v", again, rec)
	}
}

func TestMirrorLastSeenIsMonotonic(t *testing.T) {
	ctx := context.Background()
	docs := remote.NewMemory()
	m := NewMirror(docs, nil)

	_ = m.Handle(ctx, WriteEvent{Path: Path("alice"), Status: &Status{Online: true, LastSeen: remote.Resolved(9000)}, At: time.UnixMilli(9000)})
	_ = m.Handle(ctx, WriteEvent{Path: Path("alice"), Status: &Status{Online: false, LastSeen: remote.Resolved(4000)}, At: time.UnixMilli(4000)})

	d, _, _ := docs.Get(ctx, remote.Presence, "alice")
	rec := RecordFromDocument(d)
	if rec.LastSeenAt != 9000 {
		t.Errorf("last_seen_at = %d, want 9000", rec.LastSeenAt)
	}
	if rec.Online {
		t.Error("online should follow the latest event")
	}
}

func TestMirrorTreatsDeletionAsOffline(t *testing.T) {
	ctx := context.Background()
	docs := remote.NewMemory()
	m := NewMirror(docs, nil)

	_ = m.Handle(ctx, WriteEvent{Path: Path("bob"), Status: &Status{Online: true, LastSeen: remote.Resolved(1000)}, At: time.UnixMilli(1000)})
	if err := m.Handle(ctx, WriteEvent{Path: Path("bob"), At: time.UnixMilli(2000)}); err != nil {
		t.Fatal(err)
	}

	d, _, _ := docs.Get(ctx, remote.Presence, "bob")
	rec := RecordFromDocument(d)
	if rec.Online || rec.LastSeenAt != 2000 {
		t.Errorf("record = %+v, want offline at 2000", rec)
	}
}

func TestMirrorRejectsForeignPath(t *testing.T) {
	m := NewMirror(remote.NewMemory(), nil)
	if err := m.Handle(context.Background(), WriteEvent{Path: "typing/alice"}); err == nil {
		t.Error("expected error for non-status path")
	}
}

func TestTrackerAndMirrorConverge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := NewMemoryChannel()
	docs := remote.NewMemory()
	events := make(chan WriteEvent, 16)
	ch.OnWrite(func(ev WriteEvent) { events <- ev })
	go NewMirror(docs, nil).Run(ctx, events)

	tr := newTestTracker(ch)
	tr.Start(ctx)
	defer tr.Stop()

	record := func() Record {
		d, _, _ := docs.Get(ctx, remote.Presence, "alice")
		return RecordFromDocument(d)
	}

	ch.SetConnected(true)
	waitFor(t, "durable online", func() bool { return record().Online })
	first := record().LastSeenAt

	ch.SetConnected(false)
	waitFor(t, "durable offline", func() bool { return !record().Online })
	if record().LastSeenAt < first {
		t.Errorf("last_seen_at went backwards: %d < %d", record().LastSeenAt, first)
	}
}

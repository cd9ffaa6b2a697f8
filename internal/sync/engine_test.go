package sync

import (
	"context"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/outbox"
	"github.com/matheus3301/msgsync/internal/remote"
	"github.com/matheus3301/msgsync/internal/status"
	"github.com/matheus3301/msgsync/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func doc(id string, ts int64, st store.Status) remote.Document {
	return remote.Document{ID: id, Fields: map[string]any{
		remote.FieldID:             id,
		remote.FieldConversationID: "c1",
		remote.FieldSenderID:       "bob",
		remote.FieldText:           "text " + id,
		remote.FieldTimestamp:      float64(ts),
		remote.FieldStatus:         string(st),
	}}
}

func viewIDs(msgs []store.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// TestApplySnapshotLiveWins verifies a locally pending message is overwritten
// by its remote copy and its outbox entry is confirmed.
func TestApplySnapshotLiveWins(t *testing.T) {
	db := testDB(t)
	m := store.Message{ID: "m1", ConversationID: "c1", SenderID: "bob", Text: "text m1", Timestamp: 1000, Status: store.StatusPending}
	if err := db.SaveMessageWithOutbox(&m, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}

	e := NewEngine(db, remote.NewMemory(), bus.New(), nil)
	if err := e.ApplySnapshot("c1", []remote.Document{doc("m1", 1000, store.StatusSent)}); err != nil {
		t.Fatal(err)
	}

	got, _ := db.GetMessage("m1")
	if got.Status != store.StatusSent {
		t.Errorf("status = %s, want sent", got.Status)
	}
	if n, _ := db.OutboundCount(); n != 0 {
		t.Errorf("outbox has %d entries, want 0", n)
	}
	view := e.View("c1")
	if len(view) != 1 || view[0].Status != store.StatusSent {
		t.Errorf("view = %+v", view)
	}
}

// TestApplySnapshotLeavesLocalOnlyRows interleaves snapshots that do not carry
// a pending message with status changes to it. The last status written must
// survive.
func TestApplySnapshotLeavesLocalOnlyRows(t *testing.T) {
	db := testDB(t)
	m := store.Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Text: "hi", Timestamp: 1000, Status: store.StatusPending}
	if err := db.SaveMessageWithOutbox(&m, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	e := NewEngine(db, remote.NewMemory(), nil, nil)
	machine := status.NewMachine(db, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range 50 {
			_ = e.ApplySnapshot("c1", []remote.Document{doc("m2", int64(2000+i), store.StatusSent)})
		}
	}()
	for range 25 {
		if err := machine.Transition("m1", store.StatusFailed); err != nil {
			t.Fatal(err)
		}
		if err := machine.Transition("m1", store.StatusPending); err != nil {
			t.Fatal(err)
		}
	}
	if err := machine.Transition("m1", store.StatusFailed); err != nil {
		t.Fatal(err)
	}
	<-done

	got, _ := db.GetMessage("m1")
	if got.Status != store.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}

func TestApplySnapshotOrdersView(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, remote.NewMemory(), nil, nil)

	_ = e.ApplySnapshot("c1", []remote.Document{doc("2", 2000, store.StatusSent), doc("4", 4000, store.StatusSent)})
	_ = e.ApplySnapshot("c1", []remote.Document{doc("1", 1000, store.StatusSent), doc("3", 3000, store.StatusSent)})

	if got, want := viewIDs(e.View("c1")), []string{"1", "2", "3", "4"}; !slices.Equal(got, want) {
		t.Errorf("view = %v, want %v", got, want)
	}
	stored, _ := db.GetMessages("c1", 10)
	if len(stored) != 4 {
		t.Errorf("stored %d messages, want 4", len(stored))
	}
}

func TestApplySnapshotIdempotent(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, remote.NewMemory(), nil, nil)
	docs := []remote.Document{doc("m1", 1000, store.StatusSent)}

	for range 2 {
		if err := e.ApplySnapshot("c1", docs); err != nil {
			t.Fatal(err)
		}
	}
	if n, _ := db.MessageCount(); n != 1 {
		t.Errorf("message count = %d, want 1", n)
	}
	if len(e.View("c1")) != 1 {
		t.Errorf("view has %d entries, want 1", len(e.View("c1")))
	}
}

func TestApplySnapshotResolvesPendingTimestamp(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, remote.NewMemory(), nil, nil)
	e.now = func() time.Time { return time.UnixMilli(9000) }

	d := doc("m1", 0, store.StatusSent)
	d.Fields[remote.FieldTimestamp] = remote.ServerTimestamp()
	if err := e.ApplySnapshot("c1", []remote.Document{d}); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetMessage("m1")
	if got.Timestamp != 9000 {
		t.Errorf("timestamp = %d, want 9000", got.Timestamp)
	}
}

func TestCheckpointAdvances(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, remote.NewMemory(), nil, nil)
	_ = e.ApplySnapshot("c1", []remote.Document{doc("m1", 1000, store.StatusSent), doc("m2", 3000, store.StatusSent)})

	r := NewReconciler(db, nil)
	ts, err := r.LastSeen("c1")
	if err != nil {
		t.Fatal(err)
	}
	if ts != 3000 {
		t.Errorf("checkpoint = %d, want 3000", ts)
	}
	if err := r.Advance("c1", 2000); err != nil {
		t.Fatal(err)
	}
	if ts, _ := r.LastSeen("c1"); ts != 3000 {
		t.Errorf("checkpoint moved backwards to %d", ts)
	}
}

func TestFoldKeepsExistingEntries(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, remote.NewMemory(), nil, nil)
	_ = e.ApplySnapshot("c1", []remote.Document{doc("m1", 1000, store.StatusSent)})

	e.Fold("c1",
		store.Message{ID: "m1", Timestamp: 1000, Status: store.StatusPending},
		store.Message{ID: "m0", Timestamp: 500, Status: store.StatusPending})

	view := e.View("c1")
	if got := viewIDs(view); !slices.Equal(got, []string{"m0", "m1"}) {
		t.Fatalf("view = %v, want [m0 m1]", got)
	}
	if view[1].Status != store.StatusSent {
		t.Errorf("m1 status = %s, want sent (existing entry kept)", view[1].Status)
	}
}

// TestStartMergesRemoteMessages runs the full watch path: the conversation
// watch discovers c1, which starts a message watch for it.
func TestStartMergesRemoteMessages(t *testing.T) {
	db := testDB(t)
	mem := remote.NewMemory()
	_ = mem.Seed(remote.Conversations, "c1", map[string]any{
		remote.FieldParticipants: []string{"alice", "bob"},
		remote.FieldKind:         "direct",
	})
	_ = mem.Seed(remote.Messages, "m1", doc("m1", 1000, store.StatusSent).Fields)

	logger, _ := zap.NewDevelopment()
	e := NewEngine(db, mem, bus.New(), logger)
	if err := e.Start(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	waitFor(t, "seeded message", func() bool {
		m, _ := db.GetMessage("m1")
		return m != nil
	})
	if c, _ := db.GetConversation("c1"); c == nil || len(c.Participants) != 2 {
		t.Errorf("conversation = %+v", c)
	}

	_ = mem.Write(context.Background(), remote.Messages, "m2", doc("m2", 2000, store.StatusSent).Fields)
	waitFor(t, "live message", func() bool {
		m, _ := db.GetMessage("m2")
		return m != nil
	})
}

func TestLocalComposeFoldedIntoView(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := NewEngine(db, remote.NewMemory(), b, nil)
	if err := e.Start(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	m := store.Message{ID: "local", ConversationID: "c1", SenderID: "alice", Text: "hi", Timestamp: 1000}
	if err := db.SaveMessage(&m); err != nil {
		t.Fatal(err)
	}
	b.Emit(bus.MessageUpserted, outbox.MessageEvent{ConversationID: "c1", MessageID: "local"})

	waitFor(t, "folded message", func() bool {
		return len(e.View("c1")) == 1
	})
}

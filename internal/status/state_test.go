package status

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seed(t *testing.T, db *store.DB, id string, s store.Status) {
	t.Helper()
	if err := db.SaveMessage(&store.Message{ID: id, ConversationID: "c1", Timestamp: 1, Status: s}); err != nil {
		t.Fatal(err)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to store.Status
		want     bool
	}{
		{store.StatusPending, store.StatusSent, true},
		{store.StatusPending, store.StatusFailed, true},
		{store.StatusFailed, store.StatusPending, true},
		{store.StatusSent, store.StatusDelivered, true},
		{store.StatusSent, store.StatusSent, true},
		{store.StatusFailed, store.StatusSent, false},
		{store.StatusSent, store.StatusPending, false},
		{store.StatusDelivered, store.StatusFailed, false},
		{store.StatusPending, store.StatusDelivered, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	db := testDB(t)
	seed(t, db, "m1", store.StatusPending)

	b := bus.New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	m := NewMachine(db, b)
	if err := m.Transition("m1", store.StatusSent); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.MessageStatusChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.MessageStatusChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.MessageID != "m1" || change.From != store.StatusPending || change.To != store.StatusSent {
		t.Errorf("change = %+v", change)
	}

	got, _ := db.GetMessage("m1")
	if got.Status != store.StatusSent {
		t.Errorf("stored status = %s, want sent", got.Status)
	}
}

// TestFailedRequiresRetryBeforeSent verifies that a failed message cannot be
// marked sent directly; it has to be re-armed to pending first.
func TestFailedRequiresRetryBeforeSent(t *testing.T) {
	db := testDB(t)
	seed(t, db, "m1", store.StatusFailed)
	m := NewMachine(db, nil)

	if err := m.Transition("m1", store.StatusSent); err == nil {
		t.Fatal("Transition(failed -> sent) should fail")
	}
	got, _ := db.GetMessage("m1")
	if got.Status != store.StatusFailed {
		t.Errorf("status = %s, want failed (should not have changed)", got.Status)
	}

	for _, s := range []store.Status{store.StatusPending, store.StatusSent, store.StatusDelivered} {
		if err := m.Transition("m1", s); err != nil {
			t.Fatalf("Transition to %s: %v", s, err)
		}
	}
}

func TestSelfTransitionIsSilent(t *testing.T) {
	db := testDB(t)
	seed(t, db, "m1", store.StatusSent)

	b := bus.New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	if err := NewMachine(db, b).Transition("m1", store.StatusSent); err != nil {
		t.Fatal(err)
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected event for self-transition: %+v", evt)
	default:
	}
}

func TestTransitionMissingMessage(t *testing.T) {
	db := testDB(t)
	err := NewMachine(db, nil).Transition("nope", store.StatusSent)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// TestConcurrentTransitionsDoNotOverwrite races sent and failed from pending.
// Exactly one wins; the loser is re-validated against the winner's status.
func TestConcurrentTransitionsDoNotOverwrite(t *testing.T) {
	for range 20 {
		db := testDB(t)
		seed(t, db, "m1", store.StatusPending)

		b := bus.New()
		ch, unsub := b.Subscribe("message.", 10)
		m := NewMachine(db, b)

		targets := []store.Status{store.StatusSent, store.StatusFailed}
		errs := make(chan error, len(targets))
		for _, to := range targets {
			go func() { errs <- m.Transition("m1", to) }()
		}
		var failed int
		for range targets {
			if err := <-errs; err != nil {
				failed++
			}
		}
		if failed != 1 {
			t.Fatalf("%d transitions failed, want 1", failed)
		}

		evt := <-ch
		change := evt.Payload.(StatusChange)
		got, _ := db.GetMessage("m1")
		if got.Status != change.To {
			t.Errorf("stored status = %s, emitted %s", got.Status, change.To)
		}
		select {
		case extra := <-ch:
			t.Errorf("unexpected second event: %+v", extra)
		default:
		}
		unsub()
	}
}

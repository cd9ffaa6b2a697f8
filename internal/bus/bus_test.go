package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Publish(Event{Kind: "message.status_changed", Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != "message.status_changed" {
			t.Errorf("got kind %q, want message.status_changed", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("sync.", 10)
	defer unsub()

	b.Publish(Event{Kind: "message.status_changed"})
	b.Publish(Event{Kind: "sync.pass_done"})

	select {
	case evt := <-ch:
		if evt.Kind != "sync.pass_done" {
			t.Errorf("got kind %q, want sync.pass_done", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure message event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	unsub()

	b.Publish(Event{Kind: "message.status_changed"})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	// Fill buffer.
	b.Publish(Event{Kind: "test.one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}

func TestEmitStampsEvent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("net.", 1)
	defer unsub()

	before := time.Now()
	b.Emit(NetOnline, nil)

	evt := <-ch
	if evt.Kind != NetOnline {
		t.Errorf("got kind %q, want %q", evt.Kind, NetOnline)
	}
	if evt.Timestamp.Before(before) {
		t.Errorf("timestamp %v is before emit", evt.Timestamp)
	}
}

func TestEmitOnNilBus(t *testing.T) {
	var b *Bus
	b.Emit(SyncProgress, "ignored") // must not panic
}

package natsbridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"

	"github.com/matheus3301/msgsync/internal/bus"
)

func runServer(t *testing.T) *nats.Conn {
	t.Helper()
	srv := natsserver.RunRandClientPortServer()
	t.Cleanup(srv.Shutdown)
	nc, err := Connect(Config{URL: srv.ClientURL()}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func TestSubject(t *testing.T) {
	if got := Subject("", bus.SyncProgress); got != "msgsync.sync.progress" {
		t.Errorf("Subject = %q", got)
	}
	if got := Subject("dev", bus.NetOnline); got != "dev.net.online" {
		t.Errorf("Subject = %q", got)
	}
}

func TestBridgeForwardsEvents(t *testing.T) {
	nc := runServer(t)
	sub, err := nc.SubscribeSync("msgsync.>")
	if err != nil {
		t.Fatalf("SubscribeSync: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	b := bus.New()
	br := New(nc, b, "", nil)
	br.Start(context.Background())
	defer br.Stop()

	// Wait for the bridge's bus subscription before emitting.
	deadline := time.Now().Add(2 * time.Second)
	for {
		b.Emit(bus.NetOnline, map[string]bool{"online": true})
		msg, err := sub.NextMsg(100 * time.Millisecond)
		if err == nil {
			if msg.Subject != "msgsync.net.online" {
				t.Fatalf("subject = %q", msg.Subject)
			}
			var env Envelope
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				t.Fatalf("decode envelope: %v", err)
			}
			if env.Kind != bus.NetOnline || string(env.Payload) != `{"online":true}` {
				t.Errorf("envelope = %+v payload=%s", env, env.Payload)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no bridged event: %v", err)
		}
	}
}

func TestForwardWithoutPayload(t *testing.T) {
	nc := runServer(t)
	sub, err := nc.SubscribeSync(Subject("test", bus.SyncPassDone))
	if err != nil {
		t.Fatalf("SubscribeSync: %v", err)
	}
	br := New(nc, bus.New(), "test", nil)
	if err := br.Forward(bus.Event{Kind: bus.SyncPassDone, Timestamp: time.UnixMilli(1000)}); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	msg, err := sub.NextMsg(time.Second)
	if err != nil {
		t.Fatalf("NextMsg: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Payload != nil {
		t.Errorf("payload = %s, want none", env.Payload)
	}
}

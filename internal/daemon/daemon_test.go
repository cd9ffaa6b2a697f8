package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/msgsync/internal/api"
	"github.com/matheus3301/msgsync/internal/config"
	"github.com/matheus3301/msgsync/internal/lock"
	"github.com/matheus3301/msgsync/internal/profile"
)

func testParams(t *testing.T) Params {
	t.Helper()
	// Use a short path to stay under the 104-char Unix socket limit on macOS.
	base, err := os.MkdirTemp("/tmp", "msgsync-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(base) })

	cfg := config.Default()
	cfg.Presence.Debounce = config.Duration{Duration: 10 * time.Millisecond}
	return Params{
		Profile:    "alice",
		Layout:     profile.Layout{Base: base},
		Config:     cfg,
		SocketPath: filepath.Join(base, "e.sock"),
		Logger:     zap.NewNop(),
	}
}

func startApp(t *testing.T, p Params) *fx.App {
	t.Helper()
	app := fx.New(Module(p), fx.NopLogger)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("app.Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Stop(ctx)
	})
	return app
}

func dial(t *testing.T, p Params) *api.Client {
	t.Helper()
	c, err := api.Dial(p.SocketPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestDaemonLifecycle(t *testing.T) {
	p := testParams(t)
	startApp(t, p)
	c := dial(t, p)
	ctx := context.Background()

	waitFor(t, "health", func() bool {
		ok, err := c.Healthy(ctx)
		return err == nil && ok
	})

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st["user_id"] != "alice" || st["online"] != true {
		t.Errorf("status = %v", st)
	}
	waitFor(t, "presence online", func() bool {
		st, err := c.Status(ctx)
		return err == nil && st["presence"] == "online"
	})

	if _, err := c.SendText(ctx, api.SendRequest{RecipientID: "bob", Text: "hello"}); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	waitFor(t, "outbox drained", func() bool {
		entries, err := c.ListOutbox(ctx)
		return err == nil && len(entries) == 0
	})
}

func TestDaemonDrainsOnReconnect(t *testing.T) {
	p := testParams(t)
	startApp(t, p)
	c := dial(t, p)
	ctx := context.Background()

	if err := c.SetOnline(ctx, false); err != nil {
		t.Fatal(err)
	}
	id, err := c.SendText(ctx, api.SendRequest{RecipientID: "bob", Text: "queued"})
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	entries, err := c.ListOutbox(ctx)
	if err != nil || len(entries) != 1 || entries[0].MessageID != id {
		t.Fatalf("outbox = %+v, %v", entries, err)
	}
	res, err := c.SyncNow(ctx)
	if err != nil || res["skipped"] != true {
		t.Errorf("offline SyncNow = %v, %v", res, err)
	}

	if err := c.SetOnline(ctx, true); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "outbox drained after reconnect", func() bool {
		entries, err := c.ListOutbox(ctx)
		return err == nil && len(entries) == 0
	})
}

func TestDaemonProfileLocked(t *testing.T) {
	p := testParams(t)
	lk, err := lock.Acquire(p.Layout.LockDir(p.Profile))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	app := fx.New(Module(p), fx.NopLogger)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = app.Start(ctx)
	if err == nil {
		_ = app.Stop(ctx)
		t.Fatal("second engine should not start on a locked profile")
	}
	var held *lock.LockHeldError
	if !errors.As(err, &held) {
		t.Errorf("error = %v, want LockHeldError", err)
	}
}

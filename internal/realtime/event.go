package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matheus3301/msgsync/internal/presence"
)

type wireEvent struct {
	Path   string         `json:"path"`
	Status map[string]any `json:"status,omitempty"`
	At     int64          `json:"at"`
}

func encodeStatus(s presence.Status) (string, error) {
	b, err := json.Marshal(s.Fields())
	if err != nil {
		return "", fmt.Errorf("encode status: %w", err)
	}
	return string(b), nil
}

func decodeStatus(raw string) (presence.Status, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return presence.Status{}, fmt.Errorf("decode status: %w", err)
	}
	return presence.StatusFromFields(fields), nil
}

func encodeEvent(path string, s *presence.Status, at time.Time) (string, error) {
	ev := wireEvent{Path: path, At: at.UnixMilli()}
	if s != nil {
		ev.Status = s.Fields()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}
	return string(b), nil
}

func decodeEvent(raw string) (presence.WriteEvent, error) {
	var ev wireEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return presence.WriteEvent{}, fmt.Errorf("decode event: %w", err)
	}
	out := presence.WriteEvent{Path: ev.Path, At: time.UnixMilli(ev.At)}
	if ev.Status != nil {
		s := presence.StatusFromFields(ev.Status)
		out.Status = &s
	}
	return out, nil
}

// serverTime is the clock that resolves pending timestamps.
func serverTime(ctx context.Context, rdb redis.Cmdable) (time.Time, error) {
	return rdb.Time(ctx).Result()
}

// nodeWrite is a live node change ready to be queued on a transaction.
type nodeWrite struct {
	path  string
	node  string // empty deletes the node
	event string
}

func prepareNode(ctx context.Context, rdb redis.Cmdable, path string, s *presence.Status) (nodeWrite, error) {
	at, err := serverTime(ctx, rdb)
	if err != nil {
		return nodeWrite{}, err
	}
	w := nodeWrite{path: path}
	if w.event, err = encodeEvent(path, s, at); err != nil {
		return nodeWrite{}, err
	}
	if s != nil {
		if w.node, err = encodeStatus(*s); err != nil {
			return nodeWrite{}, err
		}
	}
	return w, nil
}

// queue sets or deletes the node, records owner (none when empty) and
// announces the change.
func (w nodeWrite) queue(ctx context.Context, pipe redis.Pipeliner, owner string) {
	if w.node == "" {
		pipe.Del(ctx, LiveKey(w.path))
	} else {
		pipe.Set(ctx, LiveKey(w.path), w.node, 0)
	}
	if owner == "" {
		pipe.Del(ctx, OwnerKey(w.path))
	} else {
		pipe.Set(ctx, OwnerKey(w.path), owner, 0)
	}
	pipe.Publish(ctx, WritesChannel, w.event)
}

// writeNode sets or deletes a live node on behalf of owner and announces it,
// atomically.
func writeNode(ctx context.Context, rdb redis.Cmdable, path string, s *presence.Status, owner string) error {
	w, err := prepareNode(ctx, rdb, path, s)
	if err != nil {
		return err
	}
	_, err = rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		w.queue(ctx, pipe, owner)
		return nil
	})
	return err
}

package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/matheus3301/msgsync/internal/presence"
)

// Reaper applies the fallbacks of connections whose lease expired.
type Reaper struct {
	rdb      *redis.Client
	interval time.Duration
	logger   *zap.Logger
}

// NewReaper creates a reaper sweeping every interval.
func NewReaper(rdb *redis.Client, interval time.Duration, logger *zap.Logger) *Reaper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reaper{rdb: rdb, interval: interval, logger: logger}
}

// Run sweeps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if n, err := r.Sweep(ctx); err != nil {
			if ctx.Err() == nil {
				r.logger.Warn("reaper sweep failed", zap.Error(err))
			}
		} else if n > 0 {
			r.logger.Info("applied presence fallbacks", zap.Int("connections", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep applies fallbacks for every expired connection and returns how many
// connections it reaped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	conns, err := r.rdb.SMembers(ctx, connsKey).Result()
	if err != nil {
		return 0, err
	}
	reaped := 0
	var errs []error
	for _, conn := range conns {
		alive, err := r.rdb.Exists(ctx, LeaseKey(conn)).Result()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if alive > 0 {
			continue
		}
		if err := r.reap(ctx, conn); err != nil {
			errs = append(errs, err)
			continue
		}
		reaped++
	}
	return reaped, errors.Join(errs...)
}

func (r *Reaper) reap(ctx context.Context, conn string) error {
	fallbacks, err := r.rdb.HGetAll(ctx, FallbackKey(conn)).Result()
	if err != nil {
		return err
	}
	for path, raw := range fallbacks {
		s, err := decodeStatus(raw)
		if err != nil {
			r.logger.Warn("dropping undecodable fallback", zap.String("conn_id", conn), zap.String("path", path), zap.Error(err))
			continue
		}
		applied, err := r.applyFallback(ctx, conn, path, s)
		if err != nil {
			return err
		}
		if applied {
			r.logger.Debug("fallback applied", zap.String("conn_id", conn), zap.String("path", path))
		} else {
			r.logger.Debug("fallback superseded", zap.String("conn_id", conn), zap.String("path", path))
		}
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, FallbackKey(conn))
		pipe.SRem(ctx, connsKey, conn)
		return nil
	})
	return err
}

// applyFallback writes s to path unless another connection has taken the
// node over. A claim racing the write aborts it.
func (r *Reaper) applyFallback(ctx context.Context, conn, path string, s presence.Status) (bool, error) {
	w, err := prepareNode(ctx, r.rdb, path, &s)
	if err != nil {
		return false, err
	}
	applied := false
	err = r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		owner, err := tx.Get(ctx, OwnerKey(path)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if owner != "" && owner != conn {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			w.queue(ctx, pipe, "")
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}, OwnerKey(path))
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	return applied, err
}

// Subscribe streams write events for the mirror. The channel closes when ctx
// is done.
func Subscribe(ctx context.Context, rdb *redis.Client, logger *zap.Logger) (<-chan presence.WriteEvent, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ps := rdb.Subscribe(ctx, WritesChannel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	out := make(chan presence.WriteEvent, 64)
	go func() {
		defer close(out)
		defer func() { _ = ps.Close() }()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev, err := decodeEvent(msg.Payload)
				if err != nil {
					logger.Warn("dropping undecodable write event", zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/matheus3301/msgsync/internal/failure"
	"github.com/matheus3301/msgsync/internal/presence"
)

// DefaultLeaseTTL is how long fallbacks survive without a heartbeat.
const DefaultLeaseTTL = 30 * time.Second

// Options configures a Channel.
type Options struct {
	LeaseTTL  time.Duration
	Heartbeat time.Duration // PING interval; defaults to a third of LeaseTTL
}

// Channel is a presence.Channel over Redis. Its connection state comes from
// a PING loop that also renews the connection's lease.
type Channel struct {
	rdb       *redis.Client
	connID    string
	leaseTTL  time.Duration
	heartbeat time.Duration
	logger    *zap.Logger

	mu        sync.Mutex
	connected bool
	subs      map[int]chan bool
	next      int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ presence.Channel = (*Channel)(nil)

// NewChannel creates a channel with a fresh connection id.
func NewChannel(rdb *redis.Client, logger *zap.Logger, opts Options) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = opts.LeaseTTL / 3
	}
	connID := uuid.NewString()
	return &Channel{
		rdb:       rdb,
		connID:    connID,
		leaseTTL:  opts.LeaseTTL,
		heartbeat: opts.Heartbeat,
		logger:    logger.With(zap.String("conn_id", connID)),
		subs:      make(map[int]chan bool),
	}
}

// ConnID identifies this connection's lease and fallbacks.
func (c *Channel) ConnID() string { return c.connID }

// Start runs the heartbeat loop until Stop.
func (c *Channel) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.heartbeat)
		defer ticker.Stop()
		for {
			c.beat(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop ends the heartbeat. The lease is left to expire, so the reaper
// applies this connection's fallbacks.
func (c *Channel) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Channel) beat(ctx context.Context) {
	err := c.rdb.Ping(ctx).Err()
	if err == nil {
		err = c.rdb.Expire(ctx, LeaseKey(c.connID), c.leaseTTL).Err()
	}
	if err != nil && ctx.Err() == nil {
		c.logger.Debug("heartbeat failed", zap.Error(err))
	}
	c.setConnected(err == nil)
}

func (c *Channel) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected == connected {
		return
	}
	c.connected = connected
	c.logger.Info("presence channel state", zap.Bool("connected", connected))
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- connected
	}
}

func (c *Channel) ConnectionState() (<-chan bool, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	ch := make(chan bool, 1)
	ch <- c.connected
	c.subs[id] = ch
	return ch, func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Channel) Write(ctx context.Context, path string, s presence.Status) error {
	return failure.NetworkFailure("presence write "+path, writeNode(ctx, c.rdb, path, &s, c.connID))
}

// RegisterFallback claims path for this connection and stores the status the
// reaper writes once the lease lapses.
func (c *Channel) RegisterFallback(ctx context.Context, path string, s presence.Status) error {
	val, err := encodeStatus(s)
	if err != nil {
		return err
	}
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, FallbackKey(c.connID), path, val)
		pipe.Set(ctx, LeaseKey(c.connID), "1", c.leaseTTL)
		pipe.SAdd(ctx, connsKey, c.connID)
		pipe.Set(ctx, OwnerKey(path), c.connID, 0)
		return nil
	})
	return failure.NetworkFailure("register fallback "+path, err)
}

// Delete removes a live node.
func (c *Channel) Delete(ctx context.Context, path string) error {
	return failure.NetworkFailure("presence delete "+path, writeNode(ctx, c.rdb, path, nil, c.connID))
}

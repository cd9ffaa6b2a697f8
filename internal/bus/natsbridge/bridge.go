// Package natsbridge republishes bus events on NATS so other processes can
// follow the engine.
package natsbridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/matheus3301/msgsync/internal/bus"
)

// DefaultPrefix is the subject prefix events are published under.
const DefaultPrefix = "msgsync"

// Config holds the NATS connection settings.
type Config struct {
	URL           string
	Prefix        string
	MaxReconnects int
	ReconnectWait time.Duration
}

// Connect dials NATS with reconnect logging.
func Connect(cfg Config, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	return nats.Connect(cfg.URL,
		nats.Name("msgsyncd"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.Timeout(10*time.Second),
	)
}

// Envelope is the JSON body of a bridged event.
type Envelope struct {
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Subject returns the subject an event kind is published on.
func Subject(prefix, kind string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + "." + kind
}

// Bridge forwards every bus event to NATS.
type Bridge struct {
	nc     *nats.Conn
	bus    *bus.Bus
	prefix string
	logger *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a bridge. It does not own nc.
func New(nc *nats.Conn, b *bus.Bus, prefix string, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Bridge{nc: nc, bus: b, prefix: prefix, logger: logger}
}

// Start subscribes to the bus and publishes until Stop.
func (br *Bridge) Start(ctx context.Context) {
	ctx, br.cancel = context.WithCancel(ctx)
	events, unsub := br.bus.Subscribe("", 256)
	br.wg.Add(1)
	go func() {
		defer br.wg.Done()
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-events:
				if err := br.Forward(evt); err != nil {
					br.logger.Warn("bridge publish failed", zap.String("kind", evt.Kind), zap.Error(err))
				}
			}
		}
	}()
}

// Stop ends forwarding and flushes pending publishes.
func (br *Bridge) Stop() {
	if br.cancel != nil {
		br.cancel()
	}
	br.wg.Wait()
	if err := br.nc.Flush(); err != nil && br.nc.IsConnected() {
		br.logger.Debug("bridge flush failed", zap.Error(err))
	}
}

// Forward publishes a single event.
func (br *Bridge) Forward(evt bus.Event) error {
	env := Envelope{Kind: evt.Kind, Timestamp: evt.Timestamp}
	if evt.Payload != nil {
		raw, err := json.Marshal(evt.Payload)
		if err != nil {
			return err
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return br.nc.Publish(Subject(br.prefix, evt.Kind), data)
}

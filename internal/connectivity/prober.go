package connectivity

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
)

// Prober periodically dials a TCP address and feeds the result into a Monitor.
type Prober struct {
	Addr     string
	Interval time.Duration
	Timeout  time.Duration

	monitor *Monitor
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)
	log     *zap.Logger
}

// NewProber creates a prober for addr.
func NewProber(addr string, interval time.Duration, m *Monitor, log *zap.Logger) *Prober {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	d := &net.Dialer{}
	return &Prober{
		Addr:     addr,
		Interval: interval,
		Timeout:  2 * time.Second,
		monitor:  m,
		dial:     d.DialContext,
		log:      log,
	}
}

// Run probes until ctx is cancelled. The first probe happens immediately.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		p.monitor.Set(p.Probe(ctx))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Probe reports whether Addr accepts a TCP connection within Timeout.
func (p *Prober) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", p.Addr)
	if err != nil {
		p.log.Debug("probe failed", zap.String("addr", p.Addr), zap.Error(err))
		return false
	}
	_ = conn.Close()
	return true
}

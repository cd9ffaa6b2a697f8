// Package connectivity tracks whether the remote is reachable and tells
// subscribers when that changes.
package connectivity

import (
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/failure"
)

// Monitor holds the current online state. Subscribers are only notified when
// the value actually changes.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	next   int
	bus    *bus.Bus
	log    *zap.Logger
}

// NewMonitor creates a monitor with the given initial state.
func NewMonitor(initial bool, b *bus.Bus, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		online: initial,
		subs:   make(map[int]func(bool)),
		bus:    b,
		log:    log,
	}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records a reachability signal. Redundant signals are ignored.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	m.log.Info("connectivity changed", zap.Bool("online", online))
	if online {
		m.bus.Emit(bus.NetOnline, true)
	} else {
		m.bus.Emit(bus.NetOffline, false)
	}
	for _, fn := range subs {
		m.invoke(fn, online)
	}
}

// Subscribe registers fn for state changes and returns its unsubscribe func.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Monitor) invoke(fn func(bool), online bool) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("connectivity subscriber panicked",
				zap.String("kind", string(failure.Subscriber)), zap.Any("panic", r))
		}
	}()
	fn(online)
}

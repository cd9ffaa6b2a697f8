package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/failure"
	"github.com/matheus3301/msgsync/internal/metrics"
	"github.com/matheus3301/msgsync/internal/remote"
)

const (
	DefaultDebounce = 300 * time.Millisecond
	DefaultGrace    = 30 * time.Second
)

// Options tunes the tracker timers. Zero values use the defaults.
type Options struct {
	Debounce time.Duration
	Grace    time.Duration
}

// Tracker is the presence state machine of the local user. Online writes are
// debounced and offline writes after backgrounding wait for a grace period.
// At most one timer of each kind is pending.
type Tracker struct {
	userID string
	path   string
	ch     Channel
	bus    *bus.Bus
	logger *zap.Logger

	debounce time.Duration
	grace    time.Duration

	ioMu sync.Mutex // serialises channel writes

	mu            sync.Mutex
	state         State
	connected     bool
	foreground    bool
	debounceTimer *time.Timer
	debounceSeq   uint64
	graceTimer    *time.Timer
	graceSeq      uint64
	observers     map[int]func(State)
	nextObs       int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTracker creates a tracker for userID. It starts offline and in the
// foreground.
func NewTracker(userID string, ch Channel, b *bus.Bus, logger *zap.Logger, opts Options) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	return &Tracker{
		userID:     userID,
		path:       Path(userID),
		ch:         ch,
		bus:        b,
		logger:     logger.With(zap.String("user_id", userID)),
		debounce:   opts.Debounce,
		grace:      opts.Grace,
		state:      Offline,
		foreground: true,
		observers:  make(map[int]func(State)),
	}
}

// Start follows the channel's connection state until Stop.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	states, stop := t.ch.ConnectionState()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case connected, ok := <-states:
				if !ok {
					return
				}
				t.HandleConnection(connected)
			}
		}
	}()
}

// Stop stops following the channel and cancels pending timers.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()

	t.mu.Lock()
	t.stopDebounce()
	t.stopGrace()
	t.mu.Unlock()
}

// State returns the local presence state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OnChange registers an observer of state changes and returns its
// unsubscribe func.
func (t *Tracker) OnChange(fn func(State)) func() {
	t.mu.Lock()
	id := t.nextObs
	t.nextObs++
	t.observers[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.observers, id)
		t.mu.Unlock()
	}
}

// HandleConnection applies a connection-state signal. A lost connection only
// changes the local state; the server-side fallback writes offline.
func (t *Tracker) HandleConnection(connected bool) {
	t.mu.Lock()
	t.connected = connected
	if connected {
		if t.foreground {
			t.scheduleOnline()
		}
		t.mu.Unlock()
		return
	}
	t.stopDebounce()
	changed := t.setState(Offline)
	t.mu.Unlock()
	if changed {
		t.notify(Offline)
	}
}

// Background starts the grace timer. A later call replaces the pending timer.
func (t *Tracker) Background() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.foreground = false
	t.stopDebounce()
	t.stopGrace()
	t.graceSeq++
	seq := t.graceSeq
	t.graceTimer = time.AfterFunc(t.grace, func() { t.fireOffline(seq) })
}

// Foreground cancels a pending grace timer. If the user went offline in the
// meantime, it goes online again through the debounce.
func (t *Tracker) Foreground() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.foreground = true
	t.stopGrace()
	if t.state == Offline && t.connected {
		t.scheduleOnline()
	}
}

// scheduleOnline must be called with mu held.
func (t *Tracker) scheduleOnline() {
	t.stopDebounce()
	t.debounceSeq++
	seq := t.debounceSeq
	t.debounceTimer = time.AfterFunc(t.debounce, func() { t.fireOnline(seq) })
}

func (t *Tracker) stopDebounce() {
	if t.debounceTimer != nil {
		t.debounceTimer.Stop()
		t.debounceTimer = nil
	}
	t.debounceSeq++
}

func (t *Tracker) stopGrace() {
	if t.graceTimer != nil {
		t.graceTimer.Stop()
		t.graceTimer = nil
	}
	t.graceSeq++
}

func (t *Tracker) fireOnline(seq uint64) {
	t.mu.Lock()
	if seq != t.debounceSeq || !t.connected || !t.foreground {
		t.mu.Unlock()
		return
	}
	t.debounceTimer = nil
	changed := t.setState(Online)
	t.mu.Unlock()

	t.ioMu.Lock()
	ctx := context.Background()
	if err := t.ch.RegisterFallback(ctx, t.path, Status{Online: false, LastSeen: remote.Pending}); err != nil {
		t.writeFailed("register fallback", err)
	}
	t.write(ctx, Status{Online: true, LastSeen: remote.Pending})
	t.ioMu.Unlock()

	if changed {
		t.notify(Online)
	}
}

func (t *Tracker) fireOffline(seq uint64) {
	t.mu.Lock()
	if seq != t.graceSeq || t.foreground {
		t.mu.Unlock()
		return
	}
	t.graceTimer = nil
	if !t.setState(Offline) {
		// Never went online, or the connection already dropped.
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.ioMu.Lock()
	t.write(context.Background(), Status{Online: false, LastSeen: remote.Pending})
	t.ioMu.Unlock()

	t.notify(Offline)
}

func (t *Tracker) write(ctx context.Context, s Status) {
	state := string(Offline)
	if s.Online {
		state = string(Online)
	}
	if err := t.ch.Write(ctx, t.path, s); err != nil {
		metrics.PresenceWrites.WithLabelValues(state, "error").Inc()
		t.writeFailed("write "+state, err)
		return
	}
	metrics.PresenceWrites.WithLabelValues(state, "ok").Inc()
}

func (t *Tracker) writeFailed(op string, err error) {
	t.logger.Warn("presence write dropped", zap.String("op", op), zap.Error(err))
}

// setState must be called with mu held. It reports whether the state changed.
func (t *Tracker) setState(s State) bool {
	if t.state == s {
		return false
	}
	t.state = s
	return true
}

func (t *Tracker) notify(s State) {
	t.mu.Lock()
	observers := make([]func(State), 0, len(t.observers))
	for _, fn := range t.observers {
		observers = append(observers, fn)
	}
	t.mu.Unlock()

	t.logger.Info("presence changed", zap.String("state", string(s)))
	t.bus.Emit(bus.PresenceChanged, s)
	for _, fn := range observers {
		t.invoke(fn, s)
	}
}

func (t *Tracker) invoke(fn func(State), s State) {
	defer func() {
		if r := recover(); r != nil {
			err := failure.Wrap(failure.Subscriber, "presence observer", fmt.Errorf("panic: %v", r))
			t.logger.Error("presence observer failed", zap.Error(err))
		}
	}()
	fn(s)
}

package presence

import (
	"context"
	"sync"
	"time"
)

// Op is one call recorded by MemoryChannel.
type Op struct {
	Kind   string // "write", "fallback" or "server"
	Path   string
	Status Status
}

// MemoryChannel is an in-process Channel. Disconnecting it applies the
// registered fallbacks the way a presence server would.
type MemoryChannel struct {
	mu        sync.Mutex
	connected bool
	subs      map[int]chan bool
	next      int
	nodes     map[string]Status
	fallbacks map[string]Status
	ops       []Op
	listeners map[int]func(WriteEvent)
	writeErr  error
	now       func() time.Time
}

var _ Channel = (*MemoryChannel)(nil)

// NewMemoryChannel creates a disconnected channel.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		subs:      make(map[int]chan bool),
		nodes:     make(map[string]Status),
		fallbacks: make(map[string]Status),
		listeners: make(map[int]func(WriteEvent)),
		now:       time.Now,
	}
}

func (c *MemoryChannel) ConnectionState() (<-chan bool, func()) {
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

// SetConnected changes the connection state. Going down runs the pending
// fallbacks.
func (c *MemoryChannel) SetConnected(connected bool) {
	c.mu.Lock()
	if c.connected == connected {
		c.mu.Unlock()
		return
	}
	c.connected = connected
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- connected
	}
	var events []WriteEvent
	if !connected {
		for path, s := range c.fallbacks {
			c.nodes[path] = s
			c.ops = append(c.ops, Op{Kind: "server", Path: path, Status: s})
			events = append(events, c.event(path, &s))
		}
		clear(c.fallbacks)
	}
	listeners := c.listenerList()
	c.mu.Unlock()

	dispatch(listeners, events)
}

// FailWrites makes subsequent writes return err. Pass nil to recover.
func (c *MemoryChannel) FailWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *MemoryChannel) Write(_ context.Context, path string, s Status) error {
	c.mu.Lock()
	if c.writeErr != nil {
		err := c.writeErr
		c.mu.Unlock()
		return err
	}
	c.nodes[path] = s
	c.ops = append(c.ops, Op{Kind: "write", Path: path, Status: s})
	ev := c.event(path, &s)
	listeners := c.listenerList()
	c.mu.Unlock()

	dispatch(listeners, []WriteEvent{ev})
	return nil
}

func (c *MemoryChannel) RegisterFallback(_ context.Context, path string, s Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.fallbacks[path] = s
	c.ops = append(c.ops, Op{Kind: "fallback", Path: path, Status: s})
	return nil
}

// Delete removes a live node.
func (c *MemoryChannel) Delete(path string) {
	c.mu.Lock()
	delete(c.nodes, path)
	ev := c.event(path, nil)
	listeners := c.listenerList()
	c.mu.Unlock()

	dispatch(listeners, []WriteEvent{ev})
}

// Node returns the current value of a live node.
func (c *MemoryChannel) Node(path string) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.nodes[path]
	return s, ok
}

// Ops returns every recorded call in order.
func (c *MemoryChannel) Ops() []Op {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Op(nil), c.ops...)
}

// OnWrite registers a listener for node changes, like a mirror trigger.
func (c *MemoryChannel) OnWrite(fn func(WriteEvent)) func() {
	c.mu.Lock()
	id := c.next
	c.next++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *MemoryChannel) event(path string, s *Status) WriteEvent {
	var cp *Status
	if s != nil {
		v := *s
		cp = &v
	}
	return WriteEvent{Path: path, Status: cp, At: c.now()}
}

func (c *MemoryChannel) listenerList() []func(WriteEvent) {
	out := make([]func(WriteEvent), 0, len(c.listeners))
	for _, fn := range c.listeners {
		out = append(out, fn)
	}
	return out
}

func dispatch(listeners []func(WriteEvent), events []WriteEvent) {
	for _, ev := range events {
		for _, fn := range listeners {
			fn(ev)
		}
	}
}

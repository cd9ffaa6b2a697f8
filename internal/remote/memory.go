package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"time"
)

// Memory is an in-process DocumentStore. Field values are normalised through
// JSON on write, so reads observe the same types a networked store returns.
type Memory struct {
	mu       sync.Mutex
	docs     map[string]map[string]map[string]any
	writes   map[string]int
	watchers map[int]*memWatcher
	next     int
	failHook func(op, collection, id string) error
	now      func() time.Time
}

type memWatcher struct {
	q  Query
	ch chan []Document
}

// NewMemory creates an empty in-memory document store.
func NewMemory() *Memory {
	return &Memory{
		docs:     make(map[string]map[string]map[string]any),
		writes:   make(map[string]int),
		watchers: make(map[int]*memWatcher),
		now:      time.Now,
	}
}

// SetFailHook installs a function consulted before every operation; a non-nil
// return fails the operation with that error. op is one of exists, write,
// update, get, delete.
func (m *Memory) SetFailHook(fn func(op, collection, id string) error) {
	m.mu.Lock()
	m.failHook = fn
	m.mu.Unlock()
}

// Writes returns the number of successful Write and Update calls on a collection.
func (m *Memory) Writes(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[collection]
}

// Seed stores a document without counting it as a write or notifying watchers.
func (m *Memory) Seed(collection, id string, fields map[string]any) error {
	norm, err := normalize(ResolveServerValues(fields, m.now()))
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coll(collection)[id] = norm
	return nil
}

func (m *Memory) Exists(_ context.Context, collection, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("exists", collection, id); err != nil {
		return false, err
	}
	_, ok := m.docs[collection][id]
	return ok, nil
}

func (m *Memory) Write(_ context.Context, collection, id string, fields map[string]any) error {
	norm, err := normalize(ResolveServerValues(fields, m.now()))
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("write", collection, id); err != nil {
		return err
	}
	m.coll(collection)[id] = norm
	m.writes[collection]++
	m.notify(collection)
	return nil
}

func (m *Memory) Update(_ context.Context, collection, id string, partial map[string]any) error {
	norm, err := normalize(ResolveServerValues(partial, m.now()))
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("update", collection, id); err != nil {
		return err
	}
	c := m.coll(collection)
	doc, ok := c[id]
	if !ok {
		doc = make(map[string]any, len(norm))
		c[id] = doc
	}
	maps.Copy(doc, norm)
	m.writes[collection]++
	m.notify(collection)
	return nil
}

func (m *Memory) Get(_ context.Context, collection, id string) (Document, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("get", collection, id); err != nil {
		return Document{}, false, err
	}
	fields, ok := m.docs[collection][id]
	if !ok {
		return Document{}, false, nil
	}
	return Document{ID: id, Fields: cloneFields(fields)}, true, nil
}

// Delete removes a document.
func (m *Memory) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("delete", collection, id); err != nil {
		return err
	}
	delete(m.docs[collection], id)
	m.notify(collection)
	return nil
}

func (m *Memory) Watch(ctx context.Context, q Query) (<-chan []Document, error) {
	m.mu.Lock()
	id := m.next
	m.next++
	w := &memWatcher{q: q, ch: make(chan []Document, 1)}
	m.watchers[id] = w
	w.ch <- m.snapshot(q)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, id)
		close(w.ch)
		m.mu.Unlock()
	}()
	return w.ch, nil
}

func (m *Memory) coll(collection string) map[string]map[string]any {
	c, ok := m.docs[collection]
	if !ok {
		c = make(map[string]map[string]any)
		m.docs[collection] = c
	}
	return c
}

func (m *Memory) fail(op, collection, id string) error {
	if m.failHook == nil {
		return nil
	}
	return m.failHook(op, collection, id)
}

// notify pushes a fresh snapshot to every watcher of collection. A watcher
// that has not consumed its previous snapshot gets it replaced.
func (m *Memory) notify(collection string) {
	for _, w := range m.watchers {
		if w.q.Collection != collection {
			continue
		}
		snap := m.snapshot(w.q)
		select {
		case w.ch <- snap:
		default:
			select {
			case <-w.ch:
			default:
			}
			w.ch <- snap
		}
	}
}

func (m *Memory) snapshot(q Query) []Document {
	c := m.docs[q.Collection]
	docs := make([]Document, 0, len(c))
	for id, fields := range c {
		docs = append(docs, Document{ID: id, Fields: cloneFields(fields)})
	}
	return q.Apply(docs)
}

func normalize(fields map[string]any) (map[string]any, error) {
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func cloneFields(fields map[string]any) map[string]any {
	out, err := normalize(fields)
	if err != nil {
		return maps.Clone(fields)
	}
	return out
}

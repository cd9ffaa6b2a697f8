// Package sync merges remote listener streams into the local store.
package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/merge"
	"github.com/matheus3301/msgsync/internal/metrics"
	"github.com/matheus3301/msgsync/internal/outbox"
	"github.com/matheus3301/msgsync/internal/remote"
	"github.com/matheus3301/msgsync/internal/store"
)

// DefaultResync is how far behind a conversation's checkpoint a new watch
// starts, so recent status changes (delivered, read) are still observed.
const DefaultResync = 24 * time.Hour

// LiveMerge is the payload of sync.live_merged events.
type LiveMerge struct {
	ConversationID string
	Count          int
}

// Engine watches the remote store and merges what it sees into the local
// store, with remote data winning over the local cache.
type Engine struct {
	db          *store.DB
	remote      remote.DocumentStore
	bus         *bus.Bus
	logger      *zap.Logger
	checkpoints *Reconciler
	resync      time.Duration
	now         func() time.Time

	cancel context.CancelFunc
	wg     gosync.WaitGroup

	mu       gosync.Mutex
	ctx      context.Context
	watching map[string]bool
	views    map[string][]store.Message
}

// NewEngine creates a new live-merge engine.
func NewEngine(db *store.DB, rs remote.DocumentStore, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:          db,
		remote:      rs,
		bus:         b,
		logger:      logger,
		checkpoints: NewReconciler(db, logger),
		resync:      DefaultResync,
		now:         time.Now,
		watching:    make(map[string]bool),
		views:       make(map[string][]store.Message),
	}
}

// Start watches every conversation userID participates in, and the messages
// of each of them.
func (e *Engine) Start(ctx context.Context, userID string) error {
	e.mu.Lock()
	ctx, e.cancel = context.WithCancel(ctx)
	e.ctx = ctx
	e.mu.Unlock()

	q := remote.Query{Collection: remote.Conversations}.Where(remote.FieldParticipants, remote.OpArrayContains, userID)
	ch, err := e.remote.Watch(ctx, q)
	if err != nil {
		e.cancel()
		return fmt.Errorf("watch conversations: %w", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for docs := range ch {
			e.applyConversations(docs)
		}
	}()

	if b := e.bus; b != nil {
		events, unsub := b.Subscribe(bus.MessageUpserted, 64)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer unsub()
			for {
				select {
				case evt := <-events:
					e.handleLocal(evt)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	return nil
}

// Stop cancels every watch and waits for them to drain.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// WatchConversation starts merging the messages of a conversation. Calling it
// again for a watched conversation is a no-op.
func (e *Engine) WatchConversation(conversationID string) error {
	e.mu.Lock()
	ctx := e.ctx
	if ctx == nil || e.watching[conversationID] {
		e.mu.Unlock()
		return nil
	}
	e.watching[conversationID] = true
	e.mu.Unlock()

	q := remote.Query{Collection: remote.Messages, OrderBy: remote.FieldTimestamp}.
		Where(remote.FieldConversationID, remote.OpEq, conversationID)
	if since, err := e.checkpoints.LastSeen(conversationID); err == nil && since > 0 {
		q = q.Where(remote.FieldTimestamp, remote.OpGTE, since-e.resync.Milliseconds())
	}

	ch, err := e.remote.Watch(ctx, q)
	if err != nil {
		e.mu.Lock()
		delete(e.watching, conversationID)
		e.mu.Unlock()
		return fmt.Errorf("watch messages of %s: %w", conversationID, err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for docs := range ch {
			if err := e.ApplySnapshot(conversationID, docs); err != nil {
				e.logger.Error("failed to merge live messages", zap.Error(err), zap.String("conversation_id", conversationID))
			}
		}
	}()
	return nil
}

// ApplySnapshot merges a remote result set for one conversation into the
// local store. Messages present remotely are confirmed, so their outbox
// entries are dropped.
func (e *Engine) ApplySnapshot(conversationID string, docs []remote.Document) error {
	now := e.now()
	live := make([]store.Message, 0, len(docs))
	for _, d := range docs {
		m, err := remote.MessageFromDocument(d, now)
		if err != nil {
			e.logger.Warn("skipping malformed message document", zap.String("id", d.ID), zap.Error(err))
			continue
		}
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		live = append(live, m)
	}
	if len(live) == 0 {
		return nil
	}

	// Only ids present remotely are written. Rows known only locally belong
	// to the orchestrator, which may be changing their status concurrently.
	if err := e.db.SaveMessages(live); err != nil {
		return err
	}

	var newest int64
	for _, m := range live {
		newest = max(newest, m.Timestamp)
		if err := e.db.DequeueOutbound(m.ID); err != nil {
			e.logger.Warn("failed to dequeue confirmed message", zap.Error(err), zap.String("message_id", m.ID))
		}
	}
	if err := e.db.TouchConversation(conversationID, newest); err != nil {
		e.logger.Warn("failed to touch conversation", zap.Error(err), zap.String("conversation_id", conversationID))
	}
	if err := e.checkpoints.Advance(conversationID, newest); err != nil {
		e.logger.Warn("failed to advance checkpoint", zap.Error(err), zap.String("conversation_id", conversationID))
	}

	e.mu.Lock()
	e.views[conversationID] = merge.Merge(e.views[conversationID], live)
	e.mu.Unlock()

	metrics.LiveMerges.Inc()
	e.bus.Emit(bus.SyncLiveMerged, LiveMerge{ConversationID: conversationID, Count: len(live)})
	return nil
}

// View returns the in-memory merged list of a conversation, oldest first.
func (e *Engine) View(conversationID string) []store.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]store.Message(nil), e.views[conversationID]...)
}

// Fold adds locally composed messages to a conversation's view without
// disturbing entries already there.
func (e *Engine) Fold(conversationID string, msgs ...store.Message) {
	e.mu.Lock()
	e.views[conversationID] = merge.MergeNew(e.views[conversationID], msgs)
	e.mu.Unlock()
}

func (e *Engine) applyConversations(docs []remote.Document) {
	for _, d := range docs {
		c := remote.ConversationFromDocument(d)
		if len(c.Participants) == 0 {
			continue
		}
		if err := e.db.UpsertConversation(&c); err != nil {
			e.logger.Error("failed to store conversation", zap.Error(err), zap.String("conversation_id", c.ID))
			continue
		}
		if err := e.WatchConversation(c.ID); err != nil {
			e.logger.Error("failed to watch conversation", zap.Error(err), zap.String("conversation_id", c.ID))
		}
	}
}

func (e *Engine) handleLocal(evt bus.Event) {
	me, ok := evt.Payload.(outbox.MessageEvent)
	if !ok {
		return
	}
	m, err := e.db.GetMessage(me.MessageID)
	if err != nil || m == nil {
		return
	}
	e.Fold(me.ConversationID, *m)
}

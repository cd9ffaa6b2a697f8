// Package outbox drains the durable outbox into the remote document store.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/failure"
	"github.com/matheus3301/msgsync/internal/metrics"
	"github.com/matheus3301/msgsync/internal/remote"
	"github.com/matheus3301/msgsync/internal/status"
	"github.com/matheus3301/msgsync/internal/store"
)

// MaxRetries is the number of failed uploads after which a message is
// marked failed and no longer retried automatically.
const MaxRetries = 3

// DefaultBackoff is the wait before an upload attempt, indexed by the
// entry's retry count.
var DefaultBackoff = []time.Duration{0, 5 * time.Second, 15 * time.Second}

// Phase is the state of one outbox entry within a pass.
type Phase string

const (
	PhaseSyncing Phase = "syncing"
	PhaseSuccess Phase = "success"
	PhaseFailed  Phase = "failed"
)

// Progress is emitted before and after each entry. Index counts the entries
// already finished in the current pass.
type Progress struct {
	Index     int
	Total     int
	MessageID string
	Phase     Phase
}

// PassResult summarises one call to RunPass.
type PassResult struct {
	Skipped   bool // another pass was running or the device was offline
	Processed int
	Sent      int
	Failed    int
	Stopped   bool // connectivity was lost mid-pass
}

// Connectivity reports whether the remote is reachable.
type Connectivity interface {
	Online() bool
}

// Options tunes retry behaviour. Zero values use the defaults.
type Options struct {
	MaxRetries   int
	Backoff      []time.Duration
	PollInterval time.Duration
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomeDeferred
	outcomeStopped
)

// Orchestrator reconciles the outbox with the remote store. It owns the
// single-flight flag, the progress observers and the set of entries
// currently being delivered.
type Orchestrator struct {
	db       *store.DB
	remote   remote.DocumentStore
	net      Connectivity
	statuses *status.Machine
	bus      *bus.Bus
	logger   *zap.Logger

	maxRetries int
	backoff    []time.Duration
	poll       time.Duration
	now        func() time.Time

	running atomic.Bool
	trigger chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	observers map[int]func(Progress)
	nextObs   int
	inflight  map[string]struct{}
}

// New creates an orchestrator.
func New(db *store.DB, rs remote.DocumentStore, net Connectivity, b *bus.Bus, logger *zap.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = MaxRetries
	}
	if len(opts.Backoff) == 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	return &Orchestrator{
		db:         db,
		remote:     rs,
		net:        net,
		statuses:   status.NewMachine(db, b),
		bus:        b,
		logger:     logger,
		maxRetries: opts.MaxRetries,
		backoff:    opts.Backoff,
		poll:       opts.PollInterval,
		now:        time.Now,
		trigger:    make(chan struct{}, 1),
		observers:  make(map[int]func(Progress)),
		inflight:   make(map[string]struct{}),
	}
}

// Start runs a pass whenever Trigger is called and every poll interval.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	o.done = make(chan struct{})
	go o.loop(ctx)
}

// Stop stops the loop and waits for a running pass to return.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
		<-o.done
	}
}

// Trigger asks the loop for a pass. It never blocks.
func (o *Orchestrator) Trigger() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer close(o.done)
	ticker := time.NewTicker(o.poll)
	defer ticker.Stop()

	for {
		select {
		case <-o.trigger:
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
		res := o.RunPass(ctx)
		if !res.Skipped && res.Processed > 0 {
			o.logger.Info("sync pass finished",
				zap.Int("processed", res.Processed),
				zap.Int("sent", res.Sent),
				zap.Int("failed", res.Failed),
				zap.Bool("stopped", res.Stopped))
		}
	}
}

// Subscribe registers an observer for progress events and returns its
// unsubscribe func. A panicking observer does not affect the pass or other
// observers.
func (o *Orchestrator) Subscribe(fn func(Progress)) func() {
	o.mu.Lock()
	id := o.nextObs
	o.nextObs++
	o.observers[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.observers, id)
		o.mu.Unlock()
	}
}

// RunPass drains the outbox once, oldest entry first. It returns immediately
// when a pass is already running or the device is offline. Errors are
// recorded on the entries and never returned.
func (o *Orchestrator) RunPass(ctx context.Context) (res PassResult) {
	if !o.net.Online() {
		metrics.SyncPasses.WithLabelValues("skipped").Inc()
		return PassResult{Skipped: true}
	}
	if !o.running.CompareAndSwap(false, true) {
		metrics.SyncPasses.WithLabelValues("skipped").Inc()
		return PassResult{Skipped: true}
	}
	defer o.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("sync pass panicked", zap.Any("panic", r))
			res.Stopped = true
		}
		o.finishPass(res)
	}()

	entries, err := o.db.ListOutbound()
	if err != nil {
		o.logger.Error("failed to read outbox", zap.Error(err))
		res.Stopped = true
		return res
	}
	pending := entries[:0]
	for _, e := range entries {
		if e.RetryCount < o.maxRetries {
			pending = append(pending, e)
		}
	}

	total := len(pending)
	for i := range pending {
		entry := pending[i]
		out, claimed := o.processClaimed(ctx, &entry, i, total)
		if !claimed {
			continue
		}

		res.Processed++
		phase := PhaseFailed
		switch out {
		case outcomeSent:
			res.Sent++
			phase = PhaseSuccess
		case outcomeFailed:
			res.Failed++
		}
		o.emit(Progress{Index: i + 1, Total: total, MessageID: entry.MessageID, Phase: phase})

		if out == outcomeStopped || !o.net.Online() {
			o.logger.Info("connectivity lost, stopping sync pass", zap.Int("remaining", total-i-1))
			res.Stopped = true
			return res
		}
	}
	return res
}

func (o *Orchestrator) finishPass(res PassResult) {
	outcome := "completed"
	if res.Stopped {
		outcome = "stopped"
	}
	metrics.SyncPasses.WithLabelValues(outcome).Inc()
	if n, err := o.db.OutboundCount(); err == nil {
		metrics.OutboxDepth.Set(float64(n))
	}
	o.bus.Emit(bus.SyncPassDone, res)
}

// RetryMessage re-arms a single outbox entry and delivers it outside of a
// full pass. It returns false without side effects when offline or when the
// message is not queued.
func (o *Orchestrator) RetryMessage(ctx context.Context, messageID string) bool {
	if !o.net.Online() {
		return false
	}
	entry, err := o.db.GetOutbound(messageID)
	if err != nil {
		o.logger.Error("failed to read outbox entry", zap.Error(err), zap.String("message_id", messageID))
		return false
	}
	if entry == nil {
		return false
	}
	if !o.claim(messageID) {
		return false
	}
	defer o.release(messageID)

	if err := o.statuses.Transition(messageID, store.StatusPending); err != nil && !errors.Is(err, store.ErrNotFound) {
		o.logger.Error("failed to re-arm message", zap.Error(err), zap.String("message_id", messageID))
		return false
	}
	if err := o.db.ResetRetry(messageID); err != nil {
		o.logger.Error("failed to reset retry count", zap.Error(err), zap.String("message_id", messageID))
		return false
	}
	entry.RetryCount = 0

	o.emit(Progress{Index: 0, Total: 1, MessageID: messageID, Phase: PhaseSyncing})
	out := o.process(ctx, entry)
	phase := PhaseFailed
	if out == outcomeSent {
		phase = PhaseSuccess
	}
	o.emit(Progress{Index: 1, Total: 1, MessageID: messageID, Phase: phase})
	return out == outcomeSent
}

// processClaimed runs process for an entry no manual retry is holding.
func (o *Orchestrator) processClaimed(ctx context.Context, entry *store.OutboxEntry, index, total int) (outcome, bool) {
	if !o.claim(entry.MessageID) {
		return outcomeDeferred, false
	}
	defer o.release(entry.MessageID)

	o.emit(Progress{Index: index, Total: total, MessageID: entry.MessageID, Phase: PhaseSyncing})
	return o.process(ctx, entry), true
}

// process delivers one entry, retrying with backoff until it is confirmed,
// reaches the retry cap, or connectivity is lost.
func (o *Orchestrator) process(ctx context.Context, entry *store.OutboxEntry) outcome {
	log := o.logger.With(zap.String("message_id", entry.MessageID))
	for {
		if err := o.wait(ctx, o.backoffFor(entry.RetryCount)); err != nil {
			return outcomeStopped
		}
		if !o.net.Online() {
			return outcomeStopped
		}

		alreadyRemote, err := o.deliver(ctx, entry)
		if err == nil {
			if err := o.confirm(entry.MessageID); err != nil {
				log.Error("confirmed remotely but local update failed", zap.Error(err))
				return outcomeDeferred
			}
			if alreadyRemote {
				metrics.MessagesAlreadyRemote.Inc()
				log.Info("message already on remote, dequeued")
			} else {
				metrics.MessagesSent.Inc()
				log.Info("message sent")
			}
			return outcomeSent
		}

		metrics.UploadRetries.Inc()
		n, ierr := o.db.IncrementRetry(entry.MessageID)
		if ierr != nil {
			log.Error("failed to record retry", zap.Error(ierr), zap.NamedError("upload_error", err))
			return outcomeDeferred
		}
		entry.RetryCount = n
		log.Warn("upload failed",
			zap.Error(err),
			zap.String("kind", string(failure.KindOf(err))),
			zap.Int("retry_count", n))

		if n >= o.maxRetries {
			if serr := o.statuses.Transition(entry.MessageID, store.StatusFailed); serr != nil && !errors.Is(serr, store.ErrNotFound) {
				log.Error("failed to mark message failed", zap.Error(serr))
			}
			metrics.MessagesFailed.Inc()
			return outcomeFailed
		}
	}
}

// deliver makes sure the message exists on the remote. The existence check
// keeps retries from writing the same message twice. The conversation
// pointer goes first: once the message exists it is never uploaded again,
// so the pointer must already be in place.
func (o *Orchestrator) deliver(ctx context.Context, entry *store.OutboxEntry) (alreadyRemote bool, err error) {
	exists, err := o.remote.Exists(ctx, remote.Messages, entry.MessageID)
	if err != nil {
		return false, err
	}
	if exists {
		return true, nil
	}

	fields, err := remote.DecodePayload(entry.Payload)
	if err != nil {
		return false, failure.Rejection("decode outbox payload", err)
	}
	if err := o.remote.Update(ctx, remote.Conversations, entry.ConversationID, o.pointer(entry, fields)); err != nil {
		return false, err
	}
	fields[remote.FieldStatus] = string(store.StatusSent)
	return false, o.remote.Write(ctx, remote.Messages, entry.MessageID, fields)
}

// pointer is the conversation update announcing a message. It carries the
// membership so participants' conversation watches can find it.
func (o *Orchestrator) pointer(entry *store.OutboxEntry, fields map[string]any) map[string]any {
	p := map[string]any{
		remote.FieldLastMessageTime: fields[remote.FieldTimestamp],
		remote.FieldLastMessageID:   entry.MessageID,
		remote.FieldUpdatedAt:       remote.ServerTimestamp(),
	}
	if c, err := o.db.GetConversation(entry.ConversationID); err == nil && c != nil {
		p[remote.FieldParticipants] = c.Participants
		p[remote.FieldKind] = string(c.Kind)
		if c.GroupName != "" {
			p[remote.FieldGroupName] = c.GroupName
		}
	}
	return p
}

// confirm marks the message sent locally and removes it from the outbox.
func (o *Orchestrator) confirm(messageID string) error {
	if err := o.statuses.Transition(messageID, store.StatusSent); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
		case failure.Is(err, failure.Storage):
			return err
		default:
			// Live merge may already have moved the message past sent.
			o.logger.Debug("status not advanced", zap.Error(err), zap.String("message_id", messageID))
		}
	}
	return o.db.DequeueOutbound(messageID)
}

func (o *Orchestrator) backoffFor(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(o.backoff) {
		return o.backoff[len(o.backoff)-1]
	}
	return o.backoff[retryCount]
}

func (o *Orchestrator) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) claim(messageID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[messageID]; busy {
		return false
	}
	o.inflight[messageID] = struct{}{}
	return true
}

func (o *Orchestrator) release(messageID string) {
	o.mu.Lock()
	delete(o.inflight, messageID)
	o.mu.Unlock()
}

func (o *Orchestrator) emit(p Progress) {
	o.mu.Lock()
	observers := make([]func(Progress), 0, len(o.observers))
	for _, fn := range o.observers {
		observers = append(observers, fn)
	}
	o.mu.Unlock()

	for _, fn := range observers {
		o.notify(fn, p)
	}
	o.bus.Emit(bus.SyncProgress, p)
}

func (o *Orchestrator) notify(fn func(Progress), p Progress) {
	defer func() {
		if r := recover(); r != nil {
			err := failure.Wrap(failure.Subscriber, "progress observer", fmt.Errorf("panic: %v", r))
			o.logger.Error("progress observer failed", zap.Error(err))
		}
	}()
	fn(p)
}

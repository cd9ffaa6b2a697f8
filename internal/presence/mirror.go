package presence

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/matheus3301/msgsync/internal/metrics"
	"github.com/matheus3301/msgsync/internal/remote"
)

// Mirror copies live status nodes into durable records. It keeps no state
// between events, so replaying an event is harmless.
type Mirror struct {
	docs   remote.DocumentStore
	logger *zap.Logger
}

// NewMirror creates a mirror writing into docs.
func NewMirror(docs remote.DocumentStore, logger *zap.Logger) *Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{docs: docs, logger: logger}
}

// Handle applies one write event. A deleted node counts as offline, a
// pending timestamp resolves to the event time, and LastSeenAt never moves
// backwards.
func (m *Mirror) Handle(ctx context.Context, ev WriteEvent) error {
	userID, ok := UserFromPath(ev.Path)
	if !ok || userID == "" {
		return fmt.Errorf("not a status path: %q", ev.Path)
	}
	metrics.MirrorEvents.Inc()

	rec := Record{UserID: userID, LastSeenAt: ev.At.UnixMilli()}
	if ev.Status != nil {
		rec.Online = ev.Status.Online
		rec.LastSeenAt = ev.Status.LastSeen.Resolve(ev.At)
	}

	existing, found, err := m.docs.Get(ctx, remote.Presence, userID)
	if err != nil {
		return err
	}
	if found {
		rec.LastSeenAt = max(rec.LastSeenAt, RecordFromDocument(existing).LastSeenAt)
	}

	if err := m.docs.Write(ctx, remote.Presence, userID, rec.Fields()); err != nil {
		return err
	}
	m.logger.Debug("presence mirrored",
		zap.String("user_id", userID),
		zap.Bool("online", rec.Online),
		zap.Int64("last_seen_at", rec.LastSeenAt))
	return nil
}

// Run handles events until the channel closes or ctx is done. Failed events
// are logged; the next write for the user reconciles the record.
func (m *Mirror) Run(ctx context.Context, events <-chan WriteEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := m.Handle(ctx, ev); err != nil {
				m.logger.Warn("mirror event failed", zap.String("path", ev.Path), zap.Error(err))
			}
		}
	}
}

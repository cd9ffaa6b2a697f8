package sync

import (
	"strconv"

	"go.uber.org/zap"

	"github.com/matheus3301/msgsync/internal/store"
)

// Reconciler manages live-merge checkpoints: the newest remote message
// timestamp merged for each conversation.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, logger: logger}
}

func checkpointKey(conversationID string) string {
	return "watch.messages." + conversationID
}

// LastSeen returns the checkpoint of a conversation, or 0 if none.
func (r *Reconciler) LastSeen(conversationID string) (int64, error) {
	v, err := r.db.GetCheckpoint(checkpointKey(conversationID))
	if err != nil || v == "" {
		return 0, err
	}
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.logger.Warn("ignoring malformed checkpoint", zap.String("conversation_id", conversationID), zap.String("value", v))
		return 0, nil
	}
	return ts, nil
}

// Advance moves the checkpoint forward to ts. Older values are ignored.
func (r *Reconciler) Advance(conversationID string, ts int64) error {
	cur, err := r.LastSeen(conversationID)
	if err != nil {
		return err
	}
	if ts <= cur {
		return nil
	}
	return r.db.SetCheckpoint(checkpointKey(conversationID), strconv.FormatInt(ts, 10))
}

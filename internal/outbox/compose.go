package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/failure"
	"github.com/matheus3301/msgsync/internal/remote"
	"github.com/matheus3301/msgsync/internal/store"
)

// ErrEmptyMessage is returned when a draft has neither text nor attachment.
var ErrEmptyMessage = errors.New("message has no text or attachment")

// Draft is a message the local user is composing. Either ConversationID or
// RecipientID must be set; a recipient addresses the direct conversation
// with that user.
type Draft struct {
	ConversationID string
	RecipientID    string
	SenderID       string
	Text           string
	AttachmentURL  string
}

// MessageEvent is the payload of message.upserted events.
type MessageEvent struct {
	ConversationID string
	MessageID      string
}

// Compose stores the message locally as pending together with its outbox
// entry and returns it. Delivery happens asynchronously.
func (o *Orchestrator) Compose(ctx context.Context, d Draft) (store.Message, error) {
	if strings.TrimSpace(d.Text) == "" && d.AttachmentURL == "" {
		return store.Message{}, ErrEmptyMessage
	}
	if d.SenderID == "" {
		return store.Message{}, fmt.Errorf("compose: sender is required")
	}

	convID, err := o.resolveConversation(d)
	if err != nil {
		return store.Message{}, err
	}

	now := o.now().UnixMilli()
	m := store.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		SenderID:       d.SenderID,
		Text:           d.Text,
		AttachmentURL:  d.AttachmentURL,
		Timestamp:      now,
		Status:         store.StatusPending,
		CreatedAt:      now,
	}
	payload, err := remote.EncodePayload(remote.MessageFields(m))
	if err != nil {
		return store.Message{}, fmt.Errorf("encode payload: %w", err)
	}
	if err := o.db.SaveMessageWithOutbox(&m, payload); err != nil {
		return store.Message{}, err
	}
	if err := o.db.TouchConversation(convID, now); err != nil {
		o.logger.Warn("failed to touch conversation", zap.Error(err), zap.String("conversation_id", convID))
	}

	o.logger.Info("message composed", zap.String("message_id", m.ID), zap.String("conversation_id", convID))
	o.bus.Emit(bus.MessageUpserted, MessageEvent{ConversationID: convID, MessageID: m.ID})

	if ctx.Err() == nil && o.net.Online() {
		o.Trigger()
	}
	return m, nil
}

func (o *Orchestrator) resolveConversation(d Draft) (string, error) {
	if d.ConversationID == "" {
		if d.RecipientID == "" {
			return "", fmt.Errorf("compose: conversation or recipient is required")
		}
		c, err := o.db.EnsureDirectConversation(d.SenderID, d.RecipientID)
		if err != nil {
			return "", err
		}
		return c.ID, nil
	}
	c, err := o.db.GetConversation(d.ConversationID)
	if err != nil {
		return "", err
	}
	if c == nil {
		return "", failure.StorageFailure("compose", fmt.Errorf("conversation %q: %w", d.ConversationID, store.ErrNotFound))
	}
	return c.ID, nil
}

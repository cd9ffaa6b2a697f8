package remote

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/msgsync/internal/store"
)

// Remote field names.
const (
	FieldID              = "id"
	FieldConversationID  = "conversationId"
	FieldSenderID        = "senderId"
	FieldText            = "text"
	FieldAttachmentURL   = "attachmentUrl"
	FieldTimestamp       = "timestamp"
	FieldStatus          = "status"
	FieldReadBy          = "readBy"
	FieldCreatedAt       = "createdAt"
	FieldParticipants    = "participants"
	FieldKind            = "kind"
	FieldGroupName       = "groupName"
	FieldLastMessageTime = "lastMessageTime"
	FieldLastMessageID   = "lastMessageId"
	FieldUpdatedAt       = "updatedAt"
)

// MessageFields encodes a message as remote document fields.
func MessageFields(m store.Message) map[string]any {
	readBy := m.ReadBy
	if readBy == nil {
		readBy = []string{}
	}
	fields := map[string]any{
		FieldID:             m.ID,
		FieldConversationID: m.ConversationID,
		FieldSenderID:       m.SenderID,
		FieldText:           m.Text,
		FieldTimestamp:      m.Timestamp,
		FieldStatus:         string(m.Status),
		FieldReadBy:         readBy,
		FieldCreatedAt:      m.CreatedAt,
	}
	if m.AttachmentURL != "" {
		fields[FieldAttachmentURL] = m.AttachmentURL
	}
	return fields
}

// MessageFromDocument decodes a remote message document. A pending timestamp
// resolves to now.
func MessageFromDocument(d Document, now time.Time) (store.Message, error) {
	f := d.Fields
	m := store.Message{ID: d.ID}
	if id, _ := f[FieldID].(string); id != "" {
		m.ID = id
	}
	if m.ID == "" {
		return store.Message{}, fmt.Errorf("message document without id")
	}
	m.ConversationID, _ = f[FieldConversationID].(string)
	m.SenderID, _ = f[FieldSenderID].(string)
	m.Text, _ = f[FieldText].(string)
	m.AttachmentURL, _ = f[FieldAttachmentURL].(string)
	m.Timestamp = ParseTimestamp(f[FieldTimestamp]).Resolve(now)
	if ts, ok := ParseTimestamp(f[FieldCreatedAt]).Millis(); ok {
		m.CreatedAt = ts
	}
	status, _ := f[FieldStatus].(string)
	m.Status = store.Status(status)
	if m.Status == "" {
		m.Status = store.StatusSent
	}
	m.ReadBy = stringSlice(f[FieldReadBy])
	return m, nil
}

// ConversationFromDocument decodes a remote conversation document.
func ConversationFromDocument(d Document) store.Conversation {
	f := d.Fields
	c := store.Conversation{ID: d.ID}
	c.Participants = stringSlice(f[FieldParticipants])
	kind, _ := f[FieldKind].(string)
	c.Kind = store.Kind(kind)
	c.GroupName, _ = f[FieldGroupName].(string)
	if ts, ok := ParseTimestamp(f[FieldLastMessageTime]).Millis(); ok {
		c.LastMessageTime = ts
	}
	return c
}

// EncodePayload serialises outbox payload fields.
func EncodePayload(fields map[string]any) ([]byte, error) {
	return json.Marshal(fields)
}

// DecodePayload parses an outbox payload back into document fields.
func DecodePayload(payload []byte) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return fields, nil
}

func stringSlice(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

package store

import "slices"

// Status is the delivery status of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Kind distinguishes one-to-one from group conversations.
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

// Message is a locally cached chat message. ID is assigned by the composing
// client and never changes.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Text           string
	AttachmentURL  string
	Timestamp      int64 // logical send time, unix ms
	Status         Status
	ReadBy         []string
	CreatedAt      int64
}

// IsReadBy reports whether userID has read the message.
func (m *Message) IsReadBy(userID string) bool {
	return slices.Contains(m.ReadBy, userID)
}

// Conversation is a locally cached conversation.
type Conversation struct {
	ID              string
	Participants    []string
	Kind            Kind
	GroupName       string
	LastMessageTime int64
	CreatedAt       int64
	UpdatedAt       int64
}

// OutboxEntry is a message waiting for confirmed remote persistence.
type OutboxEntry struct {
	Seq            int64 // enqueue order
	MessageID      string
	ConversationID string
	Payload        []byte
	RetryCount     int
	EnqueuedAt     int64
}

// SearchResult holds a message matched by a local text search.
type SearchResult struct {
	Message Message
	Snippet string
}

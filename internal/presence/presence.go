// Package presence tracks a user's online state over a realtime channel and
// mirrors live status nodes into durable records.
package presence

import (
	"context"
	"strings"
	"time"

	"github.com/matheus3301/msgsync/internal/remote"
)

// State is the presence state of a user.
type State string

const (
	Offline State = "offline"
	Online  State = "online"
)

const (
	fieldOnline   = "online"
	fieldLastSeen = "lastSeenAt"
	pathPrefix    = "status/"
)

// Path is the live status node of a user.
func Path(userID string) string { return pathPrefix + userID }

// UserFromPath extracts the user id from a status node path.
func UserFromPath(path string) (string, bool) {
	return strings.CutPrefix(path, pathPrefix)
}

// Status is the value of a live status node.
type Status struct {
	Online   bool
	LastSeen remote.Timestamp
}

// Fields encodes the status for the wire.
func (s Status) Fields() map[string]any {
	return map[string]any{
		fieldOnline:   s.Online,
		fieldLastSeen: s.LastSeen.Value(),
	}
}

// StatusFromFields decodes a status node.
func StatusFromFields(f map[string]any) Status {
	online, _ := f[fieldOnline].(bool)
	return Status{Online: online, LastSeen: remote.ParseTimestamp(f[fieldLastSeen])}
}

// Channel is a realtime connection to the presence server.
type Channel interface {
	// ConnectionState streams the connection state, starting with the
	// current value. The returned func stops the stream.
	ConnectionState() (<-chan bool, func())
	// Write sets a live status node.
	Write(ctx context.Context, path string, s Status) error
	// RegisterFallback asks the server to write s to path if this client
	// disconnects without writing it itself.
	RegisterFallback(ctx context.Context, path string, s Status) error
}

// WriteEvent reports a change to a live status node. A nil Status means the
// node was deleted.
type WriteEvent struct {
	Path   string
	Status *Status
	At     time.Time
}

// Record is the durable presence record other clients read.
type Record struct {
	UserID     string
	Online     bool
	LastSeenAt int64
}

// Fields encodes the record as document fields.
func (r Record) Fields() map[string]any {
	return map[string]any{
		fieldOnline:   r.Online,
		fieldLastSeen: r.LastSeenAt,
	}
}

// RecordFromDocument decodes a durable presence record.
func RecordFromDocument(d remote.Document) Record {
	online, _ := d.Fields[fieldOnline].(bool)
	r := Record{UserID: d.ID, Online: online}
	if ms, ok := remote.ParseTimestamp(d.Fields[fieldLastSeen]).Millis(); ok {
		r.LastSeenAt = ms
	}
	return r
}

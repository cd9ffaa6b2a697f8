// Package remote defines the contract of the remote document store the engine
// reconciles against, plus an in-memory implementation.
package remote

import "context"

// Collections used by the engine.
const (
	Messages      = "messages"
	Conversations = "conversations"
	Presence      = "status"
)

// Document is a single record of a collection.
type Document struct {
	ID     string
	Fields map[string]any
}

// DocumentStore is an eventually-consistent remote document store.
type DocumentStore interface {
	// Exists reports whether a document is present.
	Exists(ctx context.Context, collection, id string) (bool, error)
	// Write replaces a document.
	Write(ctx context.Context, collection, id string, fields map[string]any) error
	// Update merges partial fields into a document, creating it when missing.
	Update(ctx context.Context, collection, id string, partial map[string]any) error
	// Get returns a document and whether it exists.
	Get(ctx context.Context, collection, id string) (Document, bool, error)
	// Watch streams the current result set of q, then a new set after every
	// change to the collection. The channel closes when ctx is done.
	Watch(ctx context.Context, q Query) (<-chan []Document, error)
}

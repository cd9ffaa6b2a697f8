package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/matheus3301/msgsync/internal/failure"
)

const outboxColumns = `seq, message_id, conversation_id, payload, retry_count, enqueued_at`

const enqueueSQL = `
	INSERT INTO outbox (message_id, conversation_id, payload, retry_count, enqueued_at)
	VALUES (?, ?, ?, 0, ?)
	ON CONFLICT(message_id) DO UPDATE SET payload = excluded.payload`

func enqueue(x execer, e *OutboxEntry) error {
	enqueuedAt := e.EnqueuedAt
	if enqueuedAt == 0 {
		enqueuedAt = time.Now().UnixMilli()
	}
	_, err := x.Exec(enqueueSQL, e.MessageID, e.ConversationID, string(e.Payload), enqueuedAt)
	return err
}

// EnqueueOutbound adds a message to the outbox. Re-enqueueing an id keeps its
// original position and retry count.
func (db *DB) EnqueueOutbound(e *OutboxEntry) error {
	return failure.StorageFailure("enqueue outbound", enqueue(db, e))
}

// SaveMessageWithOutbox writes the optimistic message and its outbox entry
// atomically.
func (db *DB) SaveMessageWithOutbox(m *Message, payload []byte) error {
	tx, err := db.Begin()
	if err != nil {
		return failure.StorageFailure("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertMessage(tx, m); err != nil {
		return failure.StorageFailure("save message", err)
	}
	if err := enqueue(tx, &OutboxEntry{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		Payload:        payload,
	}); err != nil {
		return failure.StorageFailure("enqueue outbound", err)
	}
	return failure.StorageFailure("commit compose", tx.Commit())
}

// DequeueOutbound removes a confirmed message from the outbox. Removing an id
// that is not queued is not an error.
func (db *DB) DequeueOutbound(messageID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE message_id = ?`, messageID)
	return failure.StorageFailure("dequeue outbound", err)
}

// IncrementRetry records a failed attempt and returns the new retry count.
func (db *DB) IncrementRetry(messageID string) (int, error) {
	var count int
	err := db.QueryRow(`
		UPDATE outbox SET retry_count = retry_count + 1
		WHERE message_id = ?
		RETURNING retry_count`, messageID).Scan(&count)
	if err == sql.ErrNoRows {
		err = fmt.Errorf("outbox entry %q: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return 0, failure.StorageFailure("increment retry", err)
	}
	return count, nil
}

// ResetRetry sets the retry count of an outbox entry back to zero.
func (db *DB) ResetRetry(messageID string) error {
	_, err := db.Exec(`UPDATE outbox SET retry_count = 0 WHERE message_id = ?`, messageID)
	return failure.StorageFailure("reset retry", err)
}

// ListOutbound returns all outbox entries in enqueue order (oldest first).
func (db *DB) ListOutbound() ([]OutboxEntry, error) {
	rows, err := db.Query(`SELECT ` + outboxColumns + ` FROM outbox ORDER BY seq ASC`)
	if err != nil {
		return nil, failure.StorageFailure("list outbound", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, failure.StorageFailure("list outbound", err)
		}
		entries = append(entries, *e)
	}
	return entries, failure.StorageFailure("list outbound", rows.Err())
}

// GetOutbound returns the outbox entry for a message, or nil if none is queued.
func (db *DB) GetOutbound(messageID string) (*OutboxEntry, error) {
	e, err := scanOutbox(db.QueryRow(`SELECT `+outboxColumns+` FROM outbox WHERE message_id = ?`, messageID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, failure.StorageFailure("get outbound", err)
	}
	return e, nil
}

// OutboundCount returns the number of queued entries.
func (db *DB) OutboundCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM outbox`).Scan(&count)
	return count, failure.StorageFailure("count outbound", err)
}

func scanOutbox(s scanner) (*OutboxEntry, error) {
	var e OutboxEntry
	var payload string
	if err := s.Scan(&e.Seq, &e.MessageID, &e.ConversationID, &payload, &e.RetryCount, &e.EnqueuedAt); err != nil {
		return nil, err
	}
	e.Payload = []byte(payload)
	return &e, nil
}

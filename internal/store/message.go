package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/matheus3301/msgsync/internal/failure"
)

const messageColumns = `id, conversation_id, sender_id, text, attachment_url, timestamp, status, read_by, created_at`

// Content columns are frozen once the stored row has left pending; status and
// read receipts always take the incoming value.
const upsertMessageSQL = `
	INSERT INTO messages (id, conversation_id, sender_id, text, attachment_url, timestamp, status, read_by, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		sender_id = CASE WHEN messages.status = 'pending' THEN excluded.sender_id ELSE messages.sender_id END,
		text = CASE WHEN messages.status = 'pending' THEN excluded.text ELSE messages.text END,
		attachment_url = CASE WHEN messages.status = 'pending' THEN excluded.attachment_url ELSE messages.attachment_url END,
		timestamp = CASE WHEN messages.status = 'pending' THEN excluded.timestamp ELSE messages.timestamp END,
		status = excluded.status,
		read_by = excluded.read_by`

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertMessage(x execer, m *Message) error {
	readBy, err := encodeIDs(m.ReadBy)
	if err != nil {
		return err
	}
	createdAt := m.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}
	status := m.Status
	if status == "" {
		status = StatusPending
	}
	_, err = x.Exec(upsertMessageSQL,
		m.ID, m.ConversationID, m.SenderID, m.Text, m.AttachmentURL, m.Timestamp, status, readBy, createdAt)
	return err
}

// SaveMessage inserts or updates a message (idempotent on id).
func (db *DB) SaveMessage(m *Message) error {
	return failure.StorageFailure("save message", upsertMessage(db, m))
}

// SaveMessages upserts a batch of messages in a single transaction.
func (db *DB) SaveMessages(msgs []Message) error {
	tx, err := db.Begin()
	if err != nil {
		return failure.StorageFailure("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range msgs {
		if err := upsertMessage(tx, &msgs[i]); err != nil {
			return failure.StorageFailure("save message "+msgs[i].ID, err)
		}
	}
	return failure.StorageFailure("commit messages", tx.Commit())
}

// GetMessages returns up to limit messages of a conversation, newest first.
func (db *DB) GetMessages(conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp DESC, created_at DESC
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, failure.StorageFailure("get messages", err)
	}
	defer func() { _ = rows.Close() }()

	msgs, err := scanMessages(rows)
	return msgs, failure.StorageFailure("get messages", err)
}

// GetMessage returns a single message by id, or nil if it does not exist.
func (db *DB) GetMessage(id string) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, failure.StorageFailure("get message", err)
	}
	return m, nil
}

// CompareAndSetStatus moves a message from one status to another only if it
// is still in from. It reports whether the row was changed.
func (db *DB) CompareAndSetStatus(id string, from, to Status) (bool, error) {
	res, err := db.Exec(`UPDATE messages SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return false, failure.StorageFailure("compare and set status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, failure.StorageFailure("compare and set status", err)
	}
	return n == 1, nil
}

// MarkRead adds userID to the message's read receipts.
func (db *DB) MarkRead(id, userID string) error {
	tx, err := db.Begin()
	if err != nil {
		return failure.StorageFailure("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	if err := tx.QueryRow(`SELECT read_by FROM messages WHERE id = ?`, id).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			err = fmt.Errorf("message %q: %w", id, ErrNotFound)
		}
		return failure.StorageFailure("mark read", err)
	}
	readBy, err := decodeIDs(raw)
	if err != nil {
		return failure.StorageFailure("mark read", err)
	}
	if slices.Contains(readBy, userID) {
		return nil
	}
	encoded, err := encodeIDs(append(readBy, userID))
	if err != nil {
		return failure.StorageFailure("mark read", err)
	}
	if _, err := tx.Exec(`UPDATE messages SET read_by = ? WHERE id = ?`, encoded, id); err != nil {
		return failure.StorageFailure("mark read", err)
	}
	return failure.StorageFailure("commit mark read", tx.Commit())
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, failure.StorageFailure("count messages", err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*Message, error) {
	var m Message
	var readBy string
	if err := s.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &m.AttachmentURL,
		&m.Timestamp, &m.Status, &readBy, &m.CreatedAt); err != nil {
		return nil, err
	}
	ids, err := decodeIDs(readBy)
	if err != nil {
		return nil, err
	}
	m.ReadBy = ids
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func encodeIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode ids: %w", err)
	}
	return string(b), nil
}

func decodeIDs(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("decode ids: %w", err)
	}
	return ids, nil
}

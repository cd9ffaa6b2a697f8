package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/matheus3301/msgsync/internal/failure"
)

const conversationColumns = `id, participants, kind, group_name, last_message_time, created_at, updated_at`

// DirectConversationID derives the identity of a direct conversation from its
// two participants. The order of a and b does not matter.
func DirectConversationID(a, b string) string {
	ids := []string{a, b}
	slices.Sort(ids)
	return "direct_" + strings.Join(ids, "_")
}

// UpsertConversation inserts or updates a conversation record.
// LastMessageTime only moves forward.
func (db *DB) UpsertConversation(c *Conversation) error {
	if len(c.Participants) == 0 {
		return failure.StorageFailure("upsert conversation", fmt.Errorf("conversation %q has no participants", c.ID))
	}
	participants, err := encodeParticipants(c.Participants)
	if err != nil {
		return failure.StorageFailure("upsert conversation", err)
	}
	kind := c.Kind
	if kind == "" {
		kind = KindDirect
	}
	now := time.Now().UnixMilli()
	createdAt := c.CreatedAt
	if createdAt == 0 {
		createdAt = now
	}
	_, err = db.Exec(`
		INSERT INTO conversations (id, participants, kind, group_name, last_message_time, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participants = excluded.participants,
			kind = excluded.kind,
			group_name = excluded.group_name,
			last_message_time = MAX(conversations.last_message_time, excluded.last_message_time),
			updated_at = excluded.updated_at`,
		c.ID, participants, kind, c.GroupName, c.LastMessageTime, createdAt, now)
	return failure.StorageFailure("upsert conversation", err)
}

// EnsureDirectConversation returns the direct conversation between a and b,
// creating it if it does not exist yet. Calling it again for the same pair, in
// either order, returns the same record.
func (db *DB) EnsureDirectConversation(a, b string) (*Conversation, error) {
	if a == "" || b == "" || a == b {
		return nil, failure.StorageFailure("ensure direct conversation", fmt.Errorf("invalid participants %q, %q", a, b))
	}
	id := DirectConversationID(a, b)
	participants, err := encodeParticipants([]string{a, b})
	if err != nil {
		return nil, failure.StorageFailure("ensure direct conversation", err)
	}
	now := time.Now().UnixMilli()
	if _, err := db.Exec(`
		INSERT INTO conversations (id, participants, kind, group_name, last_message_time, created_at, updated_at)
		VALUES (?, ?, 'direct', '', 0, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, participants, now, now); err != nil {
		return nil, failure.StorageFailure("ensure direct conversation", err)
	}
	return db.GetConversation(id)
}

// TouchConversation advances the conversation's last message time.
func (db *DB) TouchConversation(id string, ts int64) error {
	_, err := db.Exec(`
		UPDATE conversations SET
			last_message_time = MAX(last_message_time, ?),
			updated_at = ?
		WHERE id = ?`, ts, time.Now().UnixMilli(), id)
	return failure.StorageFailure("touch conversation", err)
}

// ListConversations returns conversations sorted by last message time descending.
func (db *DB) ListConversations(limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT `+conversationColumns+`
		FROM conversations
		ORDER BY last_message_time DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, failure.StorageFailure("list conversations", err)
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, failure.StorageFailure("list conversations", err)
		}
		convs = append(convs, *c)
	}
	return convs, failure.StorageFailure("list conversations", rows.Err())
}

// GetConversation returns a single conversation by id, or nil if missing.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	c, err := scanConversation(db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, failure.StorageFailure("get conversation", err)
	}
	return c, nil
}

func scanConversation(s scanner) (*Conversation, error) {
	var c Conversation
	var participants string
	if err := s.Scan(&c.ID, &participants, &c.Kind, &c.GroupName, &c.LastMessageTime, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	return &c, nil
}

// Participants are stored sorted so two writes of the same set compare equal.
func encodeParticipants(ids []string) (string, error) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	return encodeIDs(sorted)
}

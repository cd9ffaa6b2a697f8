package store

import (
	"strings"

	"github.com/matheus3301/msgsync/internal/failure"
)

const snippetRadius = 32

// SearchMessages performs a case-insensitive substring search on message text,
// newest first. An empty conversationID searches every conversation.
func (db *DB) SearchMessages(query string, conversationID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	q := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE instr(lower(text), lower(?)) > 0`

	args := []any{query}
	if conversationID != "" {
		q += " AND conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, failure.StorageFailure("search messages", err)
	}
	defer func() { _ = rows.Close() }()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, failure.StorageFailure("search messages", err)
	}
	results := make([]SearchResult, 0, len(msgs))
	for _, m := range msgs {
		results = append(results, SearchResult{Message: m, Snippet: snippet(m.Text, query)})
	}
	return results, nil
}

// snippet returns the text around the first match, with the match wrapped in
// << >> markers.
func snippet(text, query string) string {
	i := strings.Index(strings.ToLower(text), strings.ToLower(query))
	if i < 0 || i+len(query) > len(text) {
		return text
	}
	start := max(0, i-snippetRadius)
	end := min(len(text), i+len(query)+snippetRadius)

	var b strings.Builder
	if start > 0 {
		b.WriteString("...")
	}
	b.WriteString(text[start:i])
	b.WriteString("<<")
	b.WriteString(text[i : i+len(query)])
	b.WriteString(">>")
	b.WriteString(text[i+len(query) : end])
	if end < len(text) {
		b.WriteString("...")
	}
	return b.String()
}

package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// UpsertMessages mirrors confirmed messages locally in a single transaction
// (idempotent on conversation_id + id).
func (db *DB) UpsertMessages(msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range msgs {
		replyTo, err := encodeReply(m.ReplyTo)
		if err != nil {
			return err
		}
		attachments, err := encodeAttachments(m.Attachments)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (conversation_id, id, idempotency_key, scope, sender_id, kind, body,
				reply_to, attachments, created_at, server_received_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id, id) DO UPDATE SET
				body = excluded.body,
				attachments = excluded.attachments,
				server_received_at = excluded.server_received_at`,
			m.ConversationID, m.ID, m.IdempotencyKey, m.Scope, m.SenderID, m.Kind, m.Text,
			replyTo, attachments, toMicros(m.CreatedAt), toMicros(m.ServerReceivedAt)); err != nil {
			return fmt.Errorf("upsert message %q: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// ListMessages returns mirrored messages of a conversation using keyset
// pagination on server_received_at. A zero before starts from the newest.
func (db *DB) ListMessages(conversationID string, before time.Time, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	// Server times may be ahead of the device clock.
	beforeUs := toMicros(before)
	if beforeUs == 0 {
		beforeUs = math.MaxInt64
	}
	rows, err := db.Query(`
		SELECT conversation_id, id, idempotency_key, scope, sender_id, kind, body, reply_to,
			attachments, created_at, server_received_at
		FROM messages
		WHERE conversation_id = ? AND server_received_at < ?
		ORDER BY server_received_at DESC
		LIMIT ?`, conversationID, beforeUs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

// GetMessageByKey returns the mirrored message with the given idempotency key.
func (db *DB) GetMessageByKey(key string) (*Message, error) {
	row := db.QueryRow(`
		SELECT conversation_id, id, idempotency_key, scope, sender_id, kind, body, reply_to,
			attachments, created_at, server_received_at
		FROM messages WHERE idempotency_key = ?`, key)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// MessageCount returns the total number of mirrored messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var replyTo, attachments string
	var created, received int64
	if err := row.Scan(&m.ConversationID, &m.ID, &m.IdempotencyKey, &m.Scope, &m.SenderID, &m.Kind,
		&m.Text, &replyTo, &attachments, &created, &received); err != nil {
		return nil, err
	}
	m.CreatedAt = fromMicros(created)
	m.ServerReceivedAt = fromMicros(received)

	var err error
	if m.ReplyTo, err = decodeReply(replyTo); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	if len(m.Attachments) == 0 {
		m.Attachments = nil
	}
	return &m, nil
}

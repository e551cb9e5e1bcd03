package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const outboxColumns = `seq, message_id, conversation_id, scope, client_id, sender_id, kind, body,
	reply_to, pending, attachments, state, attempt_count, next_retry_at, last_error,
	permanent, interrupted, written_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// InsertOutbox adds a new item to the outbox and fills in its Seq.
func (db *DB) InsertOutbox(item *OutboxItem) error {
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	replyTo, pending, attachments, err := encodePayload(item.ReplyTo, item.Pending, item.Attachments)
	if err != nil {
		return err
	}
	res, err := db.Exec(`
		INSERT INTO outbox (message_id, conversation_id, scope, client_id, sender_id, kind, body,
			reply_to, pending, attachments, state, attempt_count, next_retry_at, last_error,
			permanent, interrupted, written_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.MessageID, item.ConversationID, item.Scope, item.ClientID, item.SenderID, item.Kind, item.Text,
		replyTo, pending, attachments, item.State, item.AttemptCount, toMicros(item.NextRetryAt), item.LastError,
		item.Permanent, item.Interrupted, toMicros(item.WrittenAt), toMicros(item.CreatedAt), toMicros(item.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert outbox %q: %w", item.MessageID, err)
	}
	item.Seq, err = res.LastInsertId()
	return err
}

// GetOutbox returns one outbox item by message id.
func (db *DB) GetOutbox(messageID string) (*OutboxItem, error) {
	row := db.QueryRow(`SELECT `+outboxColumns+` FROM outbox WHERE message_id = ?`, messageID)
	item, err := scanOutbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

// ListOutbox returns the outbox items of a conversation in enqueue order.
func (db *DB) ListOutbox(conversationID string) ([]OutboxItem, error) {
	rows, err := db.Query(`SELECT `+outboxColumns+` FROM outbox WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []OutboxItem
	for rows.Next() {
		item, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// OutboxConversations returns the ids of conversations that have outbox items,
// ordered by their oldest item.
func (db *DB) OutboxConversations() ([]string, error) {
	rows, err := db.Query(`SELECT conversation_id FROM outbox GROUP BY conversation_id ORDER BY MIN(seq) ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateOutbox applies fn to the stored item inside a transaction and writes
// the result back. If fn returns an error nothing is written.
func (db *DB) UpdateOutbox(messageID string, fn func(*OutboxItem) error) (*OutboxItem, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	item, err := scanOutbox(tx.QueryRow(`SELECT `+outboxColumns+` FROM outbox WHERE message_id = ?`, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := fn(item); err != nil {
		return nil, err
	}
	item.UpdatedAt = time.Now().UTC()

	replyTo, pending, attachments, err := encodePayload(item.ReplyTo, item.Pending, item.Attachments)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`
		UPDATE outbox SET reply_to = ?, pending = ?, attachments = ?, state = ?, attempt_count = ?,
			next_retry_at = ?, last_error = ?, permanent = ?, interrupted = ?, written_at = ?, updated_at = ?
		WHERE message_id = ?`,
		replyTo, pending, attachments, item.State, item.AttemptCount,
		toMicros(item.NextRetryAt), item.LastError, item.Permanent, item.Interrupted,
		toMicros(item.WrittenAt), toMicros(item.UpdatedAt), messageID); err != nil {
		return nil, fmt.Errorf("update outbox %q: %w", messageID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return item, nil
}

// DeleteOutbox removes an item. It reports whether a row was deleted.
func (db *DB) DeleteOutbox(messageID string) (bool, error) {
	res, err := db.Exec(`DELETE FROM outbox WHERE message_id = ?`, messageID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// OutboxCounts returns the number of outbox items per state.
func (db *DB) OutboxCounts() (map[OutboxState]int, error) {
	rows, err := db.Query(`SELECT state, COUNT(*) FROM outbox GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[OutboxState]int)
	for rows.Next() {
		var state OutboxState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

func scanOutbox(row rowScanner) (*OutboxItem, error) {
	var item OutboxItem
	var replyTo, pending, attachments string
	var nextRetry, writtenAt, created, updated int64
	if err := row.Scan(&item.Seq, &item.MessageID, &item.ConversationID, &item.Scope, &item.ClientID,
		&item.SenderID, &item.Kind, &item.Text, &replyTo, &pending, &attachments, &item.State,
		&item.AttemptCount, &nextRetry, &item.LastError, &item.Permanent, &item.Interrupted,
		&writtenAt, &created, &updated); err != nil {
		return nil, err
	}
	item.NextRetryAt = fromMicros(nextRetry)
	item.WrittenAt = fromMicros(writtenAt)
	item.CreatedAt = fromMicros(created)
	item.UpdatedAt = fromMicros(updated)

	var err error
	if item.ReplyTo, err = decodeReply(replyTo); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(pending), &item.Pending); err != nil {
		return nil, fmt.Errorf("decode pending attachments: %w", err)
	}
	if err := json.Unmarshal([]byte(attachments), &item.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	if len(item.Pending) == 0 {
		item.Pending = nil
	}
	if len(item.Attachments) == 0 {
		item.Attachments = nil
	}
	return &item, nil
}

func encodePayload(reply *ReplySnapshot, pending []LocalAttachment, attachments []Attachment) (string, string, string, error) {
	r, err := encodeReply(reply)
	if err != nil {
		return "", "", "", err
	}
	if pending == nil {
		pending = []LocalAttachment{}
	}
	p, err := json.Marshal(pending)
	if err != nil {
		return "", "", "", fmt.Errorf("encode pending attachments: %w", err)
	}
	a, err := encodeAttachments(attachments)
	if err != nil {
		return "", "", "", err
	}
	return r, string(p), a, nil
}

func encodeReply(reply *ReplySnapshot) (string, error) {
	if reply == nil {
		return "", nil
	}
	b, err := json.Marshal(reply)
	if err != nil {
		return "", fmt.Errorf("encode reply: %w", err)
	}
	return string(b), nil
}

func decodeReply(s string) (*ReplySnapshot, error) {
	if s == "" {
		return nil, nil
	}
	var r ReplySnapshot
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	return &r, nil
}

func encodeAttachments(attachments []Attachment) (string, error) {
	if attachments == nil {
		attachments = []Attachment{}
	}
	b, err := json.Marshal(attachments)
	if err != nil {
		return "", fmt.Errorf("encode attachments: %w", err)
	}
	return string(b), nil
}

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetWatermark returns the stored read watermark, or a zero watermark when
// none has been recorded yet.
func (db *DB) GetWatermark(conversationID, userID string) (*ReadWatermark, error) {
	w := &ReadWatermark{ConversationID: conversationID, UserID: userID}
	var lastRead, published int64
	err := db.QueryRow(`
		SELECT last_read_at, published_at FROM read_watermarks
		WHERE conversation_id = ? AND user_id = ?`, conversationID, userID).Scan(&lastRead, &published)
	if errors.Is(err, sql.ErrNoRows) {
		return w, nil
	}
	if err != nil {
		return nil, err
	}
	w.LastReadAt = fromMicros(lastRead)
	w.PublishedAt = fromMicros(published)
	return w, nil
}

// AdvanceWatermark moves the private watermark forward to at. It never moves
// backwards and reports whether the stored value changed.
func (db *DB) AdvanceWatermark(conversationID, userID string, at time.Time) (bool, error) {
	now := time.Now().UnixMicro()
	res, err := db.Exec(`
		INSERT INTO read_watermarks (conversation_id, user_id, last_read_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id, user_id) DO UPDATE SET
			last_read_at = excluded.last_read_at,
			updated_at = excluded.updated_at
		WHERE excluded.last_read_at > read_watermarks.last_read_at`,
		conversationID, userID, toMicros(at), now)
	if err != nil {
		return false, fmt.Errorf("advance watermark: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkWatermarkPublished records the value last published as the public watermark.
func (db *DB) MarkWatermarkPublished(conversationID, userID string, at time.Time) error {
	_, err := db.Exec(`
		UPDATE read_watermarks SET published_at = ?, updated_at = ?
		WHERE conversation_id = ? AND user_id = ?`,
		toMicros(at), time.Now().UnixMicro(), conversationID, userID)
	return err
}

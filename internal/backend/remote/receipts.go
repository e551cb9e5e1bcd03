package remote

import (
	"context"
	"time"

	"github.com/matheus3301/chatsync/internal/watermark"
)

// PublishWatermark implements watermark.Publisher. The public watermark
// never moves backwards.
func (b *Backend) PublishWatermark(ctx context.Context, conversationID, userID string, at time.Time) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO read_watermarks (conversation_id, user_id, last_read_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id, user_id)
		DO UPDATE SET last_read_at = GREATEST(read_watermarks.last_read_at, EXCLUDED.last_read_at)`,
		conversationID, userID, at)
	return classifyRead(err)
}

// PeerWatermarks implements watermark.Publisher.
func (b *Backend) PeerWatermarks(ctx context.Context, conversationID string) (map[string]time.Time, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT user_id, last_read_at FROM read_watermarks WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return nil, classifyRead(err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			user string
			at   time.Time
		)
		if err := rows.Scan(&user, &at); err != nil {
			return nil, err
		}
		out[user] = at.UTC()
	}
	return out, classifyRead(rows.Err())
}

// Settings implements watermark.SettingsProvider. Users without a row have
// read receipts on.
func (b *Backend) Settings(ctx context.Context, userID string) (watermark.Settings, error) {
	s := watermark.Settings{ReadReceipts: true}
	err := b.pool.QueryRow(ctx,
		`SELECT read_receipts FROM user_settings WHERE user_id = $1`, userID).Scan(&s.ReadReceipts)
	if isNoRows(err) {
		return s, nil
	}
	if err != nil {
		return watermark.Settings{}, classifyRead(err)
	}
	return s, nil
}

// SetSettings stores a user's privacy settings.
func (b *Backend) SetSettings(ctx context.Context, userID string, s watermark.Settings) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO user_settings (user_id, read_receipts) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET read_receipts = EXCLUDED.read_receipts`,
		userID, s.ReadReceipts)
	return err
}

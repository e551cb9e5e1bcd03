// Package watermark maintains per-conversation read watermarks and gates
// read-receipt publication on reciprocal privacy settings.
package watermark

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Publisher publishes and reads public watermarks on the backing store.
type Publisher interface {
	PublishWatermark(ctx context.Context, conversationID, userID string, at time.Time) error
	PeerWatermarks(ctx context.Context, conversationID string) (map[string]time.Time, error)
}

// Identity supplies the signed-in user id.
type Identity interface {
	UserID() string
}

// Options tunes the updater.
type Options struct {
	AutoMarkRead bool
	// SkewTolerance absorbs client/server clock skew in unread detection.
	SkewTolerance time.Duration
}

// Advanced is the payload of watermark.advanced events.
type Advanced struct {
	ConversationID string
	UserID         string
	LastReadAt     time.Time
	Published      bool
}

// Updater keeps the private watermark current and publishes the public one
// when the user's read receipts are on.
type Updater struct {
	db        *store.DB
	publisher Publisher
	settings  SettingsProvider
	identity  Identity
	opts      Options
	bus       *bus.Bus
	logger    *zap.Logger
}

// NewUpdater creates a watermark updater.
func NewUpdater(db *store.DB, publisher Publisher, settings SettingsProvider, identity Identity, opts Options, b *bus.Bus, logger *zap.Logger) *Updater {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Updater{
		db:        db,
		publisher: publisher,
		settings:  settings,
		identity:  identity,
		opts:      opts,
		bus:       b,
		logger:    logger,
	}
}

// OnWindow handles a fresh window of confirmed messages. With AutoMarkRead it
// advances the private watermark to the newest message and reports whether
// it moved.
func (u *Updater) OnWindow(ctx context.Context, conversationID string, window []store.Message) (bool, error) {
	if !u.opts.AutoMarkRead || len(window) == 0 {
		return false, nil
	}
	var newest time.Time
	for _, m := range window {
		if m.Pending() {
			continue
		}
		if m.ServerReceivedAt.After(newest) {
			newest = m.ServerReceivedAt
		}
	}
	if newest.IsZero() {
		return false, nil
	}
	return u.MarkRead(ctx, conversationID, newest)
}

// MarkRead advances the private watermark to at, never backwards, and then
// publishes it if allowed.
func (u *Updater) MarkRead(ctx context.Context, conversationID string, at time.Time) (bool, error) {
	self := u.identity.UserID()
	if self == "" {
		return false, fmt.Errorf("mark read: no signed-in user")
	}
	changed, err := u.db.AdvanceWatermark(conversationID, self, at)
	if err != nil {
		return false, err
	}
	published, err := u.publishPending(ctx, conversationID, self)
	if err != nil {
		// The private watermark is kept; publication is retried on the next window.
		u.logger.Warn("failed to publish read watermark",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
	}
	if changed {
		u.bus.Emit(bus.WatermarkAdvanced, Advanced{
			ConversationID: conversationID,
			UserID:         self,
			LastReadAt:     at,
			Published:      published,
		})
	}
	return changed, nil
}

func (u *Updater) publishPending(ctx context.Context, conversationID, self string) (bool, error) {
	w, err := u.db.GetWatermark(conversationID, self)
	if err != nil {
		return false, err
	}
	if !w.PublishedAt.Before(w.LastReadAt) {
		return false, nil
	}
	s, err := u.settings.Settings(ctx, self)
	if err != nil {
		return false, err
	}
	if !s.ReadReceipts {
		return false, nil
	}
	if err := u.publisher.PublishWatermark(ctx, conversationID, self, w.LastReadAt); err != nil {
		return false, err
	}
	if err := u.db.MarkWatermarkPublished(conversationID, self, w.LastReadAt); err != nil {
		return true, err
	}
	return true, nil
}

// PeerWatermarks returns the public watermarks of the other members that the
// signed-in user may see: none if the user's own receipts are off, and only
// those of peers whose receipts are on.
func (u *Updater) PeerWatermarks(ctx context.Context, conversationID string) (map[string]time.Time, error) {
	self := u.identity.UserID()
	mine, err := u.settings.Settings(ctx, self)
	if err != nil {
		return nil, err
	}
	visible := make(map[string]time.Time)
	if !mine.ReadReceipts {
		return visible, nil
	}
	all, err := u.publisher.PeerWatermarks(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	for userID, at := range all {
		if userID == self {
			continue
		}
		s, err := u.settings.Settings(ctx, userID)
		if err != nil {
			return nil, err
		}
		if s.ReadReceipts {
			visible[userID] = at
		}
	}
	return visible, nil
}

// UnreadCount counts confirmed messages from other senders newer than the
// private watermark plus the skew tolerance.
func (u *Updater) UnreadCount(conversationID string, msgs []store.Message) (int, error) {
	self := u.identity.UserID()
	w, err := u.db.GetWatermark(conversationID, self)
	if err != nil {
		return 0, err
	}
	cutoff := w.LastReadAt.Add(u.opts.SkewTolerance)
	n := 0
	for _, m := range msgs {
		if m.Pending() || m.SenderID == self {
			continue
		}
		if m.ServerReceivedAt.After(cutoff) {
			n++
		}
	}
	return n, nil
}

// Watermark returns the stored watermark of the signed-in user.
func (u *Updater) Watermark(conversationID string) (*store.ReadWatermark, error) {
	return u.db.GetWatermark(conversationID, u.identity.UserID())
}

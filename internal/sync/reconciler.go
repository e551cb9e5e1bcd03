package sync

import (
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

const newestSeenPrefix = "newest_seen:"

// Reconciler manages per-conversation sync checkpoints.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, logger: logger}
}

// UpdateCheckpoint updates a sync checkpoint value.
func (r *Reconciler) UpdateCheckpoint(key, value string) error {
	return r.db.SetState(key, value)
}

// GetCheckpoint retrieves a sync checkpoint value.
func (r *Reconciler) GetCheckpoint(key string) (string, error) {
	return r.db.GetState(key)
}

// NewestSeen returns the newest ServerReceivedAt observed for a conversation,
// or the zero time if none was recorded.
func (r *Reconciler) NewestSeen(conversationID string) (time.Time, error) {
	v, err := r.GetCheckpoint(newestSeenPrefix + conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse checkpoint %q: %w", v, err)
	}
	return t, nil
}

// MarkNewestSeen records at as the newest message seen, if it is newer than
// the stored checkpoint.
func (r *Reconciler) MarkNewestSeen(conversationID string, at time.Time) (bool, error) {
	current, err := r.NewestSeen(conversationID)
	if err != nil {
		return false, err
	}
	if !at.After(current) {
		return false, nil
	}
	if err := r.UpdateCheckpoint(newestSeenPrefix+conversationID, at.UTC().Format(time.RFC3339Nano)); err != nil {
		return false, err
	}
	return true, nil
}

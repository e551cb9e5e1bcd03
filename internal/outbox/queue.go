package outbox

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/syncerr"
	"go.uber.org/zap"
)

// ErrInvalidTransition is returned when an outbox state change is not allowed.
var ErrInvalidTransition = errors.New("invalid outbox transition")

// validTransitions lists the forward moves of an item. Any state may also
// stay where it is, which is how interrupted work resumes.
var validTransitions = map[store.OutboxState][]store.OutboxState{
	store.StateQueued:    {store.StateUploading, store.StateSending, store.StateFailed},
	store.StateUploading: {store.StateSending, store.StateFailed},
	store.StateSending:   {store.StateFailed},
	store.StateFailed:    {store.StateQueued},
}

func canTransition(from, to store.OutboxState) bool {
	return from == to || slices.Contains(validTransitions[from], to)
}

// Draft is a send intent submitted by the UI.
type Draft struct {
	MessageID      string
	ConversationID string
	Scope          store.Scope
	SenderID       string
	Kind           store.Kind
	Text           string
	ReplyTo        *store.ReplySnapshot
	Attachments    []store.LocalAttachment
}

// AttachmentValidator checks a local attachment before it is queued.
type AttachmentValidator interface {
	Validate(a store.LocalAttachment) error
}

// StateChange is the payload of outbox.state_changed events.
type StateChange struct {
	MessageID      string
	ConversationID string
	From           store.OutboxState
	To             store.OutboxState
	Error          string
}

// Removal is the payload of outbox.removed events.
type Removal struct {
	MessageID      string
	ConversationID string
}

// Queue is the durable outbox. Mutations of one conversation are serialized;
// each one is a single read-modify-write transaction in the store.
type Queue struct {
	db        *store.DB
	keys      *KeyGenerator
	validator AttachmentValidator
	bus       *bus.Bus
	logger    *zap.Logger
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewQueue creates an outbox queue. validator may be nil.
func NewQueue(db *store.DB, keys *KeyGenerator, validator AttachmentValidator, b *bus.Bus, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		db:        db,
		keys:      keys,
		validator: validator,
		bus:       b,
		logger:    logger,
		now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (q *Queue) lock(conversationID string) func() {
	q.mu.Lock()
	l, ok := q.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		q.locks[conversationID] = l
	}
	q.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Enqueue validates and persists a new outbox item in the queued state.
func (q *Queue) Enqueue(d Draft) (*store.OutboxItem, error) {
	if err := q.validate(d); err != nil {
		return nil, err
	}
	if d.MessageID == "" {
		d.MessageID = q.keys.NewMessageID()
	}
	if d.Kind == "" {
		d.Kind = store.KindText
		if len(d.Attachments) > 0 {
			d.Kind = d.Attachments[0].Kind
		}
	}

	unlock := q.lock(d.ConversationID)
	defer unlock()

	now := q.now().UTC()
	item := &store.OutboxItem{
		MessageID:      d.MessageID,
		ConversationID: d.ConversationID,
		Scope:          d.Scope,
		ClientID:       q.keys.ClientID(),
		SenderID:       d.SenderID,
		Kind:           d.Kind,
		Text:           d.Text,
		ReplyTo:        d.ReplyTo,
		Pending:        slices.Clone(d.Attachments),
		State:          store.StateQueued,
		NextRetryAt:    now,
		CreatedAt:      now,
	}
	if err := q.db.InsertOutbox(item); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", d.MessageID, err)
	}

	q.logger.Info("message queued",
		zap.String("message_id", item.MessageID),
		zap.String("conversation_id", item.ConversationID),
		zap.Int("attachments", len(item.Pending)))
	q.bus.Emit(bus.OutboxEnqueued, *item)
	return item, nil
}

func (q *Queue) validate(d Draft) error {
	if d.ConversationID == "" {
		return &syncerr.ValidationError{Field: "conversation_id", Reason: "required"}
	}
	if !safeID(d.ConversationID) {
		return &syncerr.ValidationError{Field: "conversation_id", Reason: "must not contain path separators"}
	}
	if d.MessageID != "" && !safeID(d.MessageID) {
		return &syncerr.ValidationError{Field: "message_id", Reason: "must not contain path separators"}
	}
	if !d.Scope.Valid() {
		return &syncerr.ValidationError{Field: "scope", Reason: fmt.Sprintf("unknown scope %q", d.Scope)}
	}
	if strings.TrimSpace(d.Text) == "" && len(d.Attachments) == 0 {
		return &syncerr.ValidationError{Reason: "message has neither text nor attachments"}
	}
	for i, a := range d.Attachments {
		if a.LocalURI == "" {
			return &syncerr.ValidationError{Field: fmt.Sprintf("attachments[%d]", i), Reason: "missing local uri"}
		}
		if a.ID == "" || !safeID(a.ID) {
			return &syncerr.ValidationError{Field: fmt.Sprintf("attachments[%d]", i), Reason: "missing or unsafe attachment id"}
		}
		if q.validator == nil {
			continue
		}
		if err := q.validator.Validate(a); err != nil {
			var ve *syncerr.ValidationError
			if errors.As(err, &ve) {
				return &syncerr.ValidationError{Field: fmt.Sprintf("attachments[%d]", i), Reason: ve.Reason}
			}
			return err
		}
	}
	return nil
}

// safeID reports whether id can be used as one segment of a storage path.
func safeID(id string) bool {
	if id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, "/\\\x00")
}

// ListPending returns the items of a conversation in enqueue order.
func (q *Queue) ListPending(conversationID string) ([]store.OutboxItem, error) {
	return q.db.ListOutbox(conversationID)
}

// Get returns one item.
func (q *Queue) Get(messageID string) (*store.OutboxItem, error) {
	return q.db.GetOutbox(messageID)
}

// Conversations returns the conversations that have items, oldest first.
func (q *Queue) Conversations() ([]string, error) {
	return q.db.OutboxConversations()
}

// Counts returns the number of items per state.
func (q *Queue) Counts() (map[store.OutboxState]int, error) {
	return q.db.OutboxCounts()
}

// UpdateState moves an item to newState, recording cause as its last error.
func (q *Queue) UpdateState(messageID string, newState store.OutboxState, cause error) error {
	_, err := q.update(messageID, func(item *store.OutboxItem) error {
		if !canTransition(item.State, newState) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, item.State, newState)
		}
		item.State = newState
		item.Interrupted = false
		if cause != nil {
			item.LastError = cause.Error()
		}
		return nil
	})
	return err
}

// Remove deletes an item. Only confirmation, a server-side duplicate or an
// explicit dismissal remove items.
func (q *Queue) Remove(messageID string) error {
	item, err := q.db.GetOutbox(messageID)
	if err != nil {
		return err
	}
	unlock := q.lock(item.ConversationID)
	defer unlock()

	removed, err := q.db.DeleteOutbox(messageID)
	if err != nil {
		return fmt.Errorf("remove %s: %w", messageID, err)
	}
	if !removed {
		return store.ErrNotFound
	}
	q.logger.Info("message removed from outbox",
		zap.String("message_id", messageID),
		zap.String("conversation_id", item.ConversationID))
	q.bus.Emit(bus.OutboxRemoved, Removal{MessageID: messageID, ConversationID: item.ConversationID})
	return nil
}

// SaveUploaded replaces the local attachment localID with its uploaded form.
func (q *Queue) SaveUploaded(messageID, localID string, a store.Attachment) (*store.OutboxItem, error) {
	return q.update(messageID, func(item *store.OutboxItem) error {
		i := slices.IndexFunc(item.Pending, func(p store.LocalAttachment) bool { return p.ID == localID })
		if i < 0 {
			return fmt.Errorf("attachment %s not pending on %s: %w", localID, messageID, store.ErrNotFound)
		}
		item.Pending = slices.Delete(item.Pending, i, i+1)
		item.Attachments = append(item.Attachments, a)
		return nil
	})
}

// MarkWritten records that the backend acknowledged the write. The item stays
// in the outbox until the confirmed message is observed.
func (q *Queue) MarkWritten(messageID string, at time.Time) (*store.OutboxItem, error) {
	return q.update(messageID, func(item *store.OutboxItem) error {
		item.WrittenAt = at
		item.Interrupted = false
		item.LastError = ""
		return nil
	})
}

// MarkInterrupted flags in-flight work as cancelled. The state is left as is
// so a later drain resumes where it stopped.
func (q *Queue) MarkInterrupted(messageID string) error {
	_, err := q.update(messageID, func(item *store.OutboxItem) error {
		item.Interrupted = true
		return nil
	})
	return err
}

// RetryPolicy decides, given the attempt count after a failure, when the next
// automatic attempt happens. A true result stops automatic retries.
type RetryPolicy func(attempt int) (retryAt time.Time, stop bool)

// Fail records a failed attempt and moves the item to failed.
func (q *Queue) Fail(messageID string, cause error, policy RetryPolicy) (*store.OutboxItem, error) {
	return q.update(messageID, func(item *store.OutboxItem) error {
		item.State = store.StateFailed
		item.AttemptCount++
		item.LastError = cause.Error()
		item.Interrupted = false
		item.WrittenAt = time.Time{}
		retryAt, stop := policy(item.AttemptCount)
		item.NextRetryAt = retryAt
		item.Permanent = stop
		return nil
	})
}

// Retry moves a failed item back to queued for an immediate attempt and
// resets its attempt count.
func (q *Queue) Retry(messageID string) (*store.OutboxItem, error) {
	return q.update(messageID, func(item *store.OutboxItem) error {
		if item.State != store.StateFailed {
			return fmt.Errorf("%w: retry of %s item", ErrInvalidTransition, item.State)
		}
		item.State = store.StateQueued
		item.AttemptCount = 0
		item.Permanent = false
		item.NextRetryAt = q.now().UTC()
		return nil
	})
}

func (q *Queue) update(messageID string, fn func(*store.OutboxItem) error) (*store.OutboxItem, error) {
	current, err := q.db.GetOutbox(messageID)
	if err != nil {
		return nil, err
	}
	unlock := q.lock(current.ConversationID)
	defer unlock()

	var from store.OutboxState
	item, err := q.db.UpdateOutbox(messageID, func(item *store.OutboxItem) error {
		from = item.State
		return fn(item)
	})
	if err != nil {
		return nil, err
	}
	if from != item.State {
		q.logger.Debug("outbox state changed",
			zap.String("message_id", messageID),
			zap.String("from", string(from)),
			zap.String("state", string(item.State)))
		q.bus.Emit(bus.OutboxStateChanged, StateChange{
			MessageID:      messageID,
			ConversationID: item.ConversationID,
			From:           from,
			To:             item.State,
			Error:          item.LastError,
		})
	}
	return item, nil
}

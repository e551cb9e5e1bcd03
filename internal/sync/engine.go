package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/merge"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/subscription"
	"github.com/matheus3301/chatsync/internal/watermark"
	"go.uber.org/zap"
)

// Canceller aborts in-flight sends of a conversation.
type Canceller interface {
	CancelConversation(conversationID string)
}

// View is the merged, de-duplicated message list of one conversation.
type View struct {
	ConversationID string
	State          subscription.State
	Messages       []store.Message
	Cursor         subscription.Cursor
	Unread         int
	Error          string
	UpdatedAt      time.Time
}

// Engine turns subscription windows into confirmations and merged views.
// It mirrors confirmed messages locally, removes outbox items whose
// idempotency key shows up in the window, advances the read watermark and
// publishes view.updated. On subscription failure the last good view stays.
type Engine struct {
	db         *store.DB
	queue      *outbox.Queue
	canceller  Canceller
	watermarks *watermark.Updater
	reconciler *Reconciler
	identity   watermark.Identity
	bus        *bus.Bus
	logger     *zap.Logger
	now        func() time.Time
	cancel     context.CancelFunc
	done       chan struct{}

	mu     sync.RWMutex
	server map[string][]store.Message
	views  map[string]View
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, queue *outbox.Queue, canceller Canceller, watermarks *watermark.Updater,
	reconciler *Reconciler, identity watermark.Identity, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:         db,
		queue:      queue,
		canceller:  canceller,
		watermarks: watermarks,
		reconciler: reconciler,
		identity:   identity,
		bus:        b,
		logger:     logger,
		now:        time.Now,
		server:     make(map[string][]store.Message),
		views:      make(map[string]View),
	}
}

// Start subscribes to subscription and outbox events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	subs, unsubSubs := e.bus.Subscribe("subscription.", 256)
	out, unsubOut := e.bus.Subscribe("outbox.", 256)

	go func() {
		defer close(e.done)
		defer unsubSubs()
		defer unsubOut()
		for {
			select {
			case evt := <-subs:
				e.handleEvent(ctx, evt)
			case evt := <-out:
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the event loop to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.SubscriptionWindow:
		u, ok := evt.Payload.(subscription.Update)
		if !ok {
			return
		}
		if err := e.ApplyWindow(ctx, u); err != nil {
			e.logger.Error("failed to apply window", zap.String("conversation_id", u.ConversationID), zap.Error(err))
		}
	case bus.SubscriptionError:
		if u, ok := evt.Payload.(subscription.Update); ok {
			e.markError(u)
		}
	case bus.SubscriptionClosed:
		if u, ok := evt.Payload.(subscription.Update); ok {
			e.Forget(u.ConversationID)
			if e.canceller != nil {
				e.canceller.CancelConversation(u.ConversationID)
			}
		}
	case bus.OutboxEnqueued:
		if item, ok := evt.Payload.(store.OutboxItem); ok {
			e.refresh(item.ConversationID)
		}
	case bus.OutboxStateChanged:
		if c, ok := evt.Payload.(outbox.StateChange); ok {
			e.refresh(c.ConversationID)
		}
	case bus.OutboxRemoved:
		if r, ok := evt.Payload.(outbox.Removal); ok {
			e.refresh(r.ConversationID)
		}
	}
}

// Prime shows the locally mirrored messages of a conversation until its
// live window arrives.
func (e *Engine) Prime(conversationID string, limit int) error {
	msgs, err := e.db.ListMessages(conversationID, time.Time{}, limit)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if _, ok := e.server[conversationID]; !ok {
		e.server[conversationID] = msgs
		e.views[conversationID] = View{ConversationID: conversationID, State: subscription.Subscribing}
	}
	e.mu.Unlock()
	e.refresh(conversationID)
	return nil
}

// ApplyWindow processes a window of confirmed messages.
func (e *Engine) ApplyWindow(ctx context.Context, u subscription.Update) error {
	conv := u.ConversationID
	if err := e.db.UpsertMessages(u.Messages); err != nil {
		return err
	}

	items, err := e.queue.ListPending(conv)
	if err != nil {
		return err
	}
	for _, id := range merge.Confirmed(u.Messages, items) {
		err := e.queue.Remove(id)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			e.logger.Error("failed to remove confirmed message", zap.String("message_id", id), zap.Error(err))
			continue
		}
		e.logger.Info("message confirmed", zap.String("message_id", id), zap.String("conversation_id", conv))
	}

	if _, err := e.watermarks.OnWindow(ctx, conv, u.Messages); err != nil {
		e.logger.Warn("failed to update read watermark", zap.String("conversation_id", conv), zap.Error(err))
	}
	if len(u.Messages) > 0 {
		if _, err := e.reconciler.MarkNewestSeen(conv, u.Messages[0].ServerReceivedAt); err != nil {
			e.logger.Warn("failed to update checkpoint", zap.String("conversation_id", conv), zap.Error(err))
		}
	}

	e.mu.Lock()
	e.server[conv] = u.Messages
	v := e.views[conv]
	v.ConversationID = conv
	v.State = u.State
	v.Cursor = u.Cursor
	v.Error = ""
	e.views[conv] = v
	e.mu.Unlock()

	e.refresh(conv)
	return nil
}

func (e *Engine) markError(u subscription.Update) {
	e.mu.Lock()
	v, ok := e.views[u.ConversationID]
	v.ConversationID = u.ConversationID
	v.State = subscription.Error
	v.Error = u.Error
	v.UpdatedAt = e.now()
	e.views[u.ConversationID] = v
	e.mu.Unlock()

	e.logger.Warn("conversation view kept after subscription error",
		zap.String("conversation_id", u.ConversationID),
		zap.Bool("had_view", ok),
		zap.String("error", u.Error))
	e.bus.Emit(bus.ViewUpdated, v)
}

// refresh rebuilds the merged view of an open conversation from the last
// server window and the current outbox.
func (e *Engine) refresh(conversationID string) {
	e.mu.RLock()
	server, open := e.server[conversationID]
	e.mu.RUnlock()
	if !open {
		return
	}

	items, err := e.queue.ListPending(conversationID)
	if err != nil {
		e.logger.Error("failed to list outbox", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	now := e.now()
	merged := merge.Merge(server, items, e.identity.UserID(), now)
	unread, err := e.watermarks.UnreadCount(conversationID, server)
	if err != nil {
		e.logger.Warn("failed to count unread", zap.String("conversation_id", conversationID), zap.Error(err))
	}

	e.mu.Lock()
	if _, still := e.server[conversationID]; !still {
		e.mu.Unlock()
		return
	}
	v := e.views[conversationID]
	v.ConversationID = conversationID
	v.Messages = merged
	v.Unread = unread
	v.UpdatedAt = now
	e.views[conversationID] = v
	e.mu.Unlock()

	e.bus.Emit(bus.ViewUpdated, v)
}

// View returns the current merged view of a conversation.
func (e *Engine) View(conversationID string) (View, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.views[conversationID]
	return v, ok
}

// Forget drops the view of a closed conversation.
func (e *Engine) Forget(conversationID string) {
	e.mu.Lock()
	delete(e.server, conversationID)
	delete(e.views, conversationID)
	e.mu.Unlock()
}

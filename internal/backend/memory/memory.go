// Package memory is an in-process backing store: idempotent writes with
// server-assigned receive times, realtime windows, older-page queries,
// public watermarks and privacy settings.
package memory

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/subscription"
	"github.com/matheus3301/chatsync/internal/syncerr"
	"github.com/matheus3301/chatsync/internal/watermark"
)

// ErrOffline is returned (as a transient error) while the backend is offline.
var ErrOffline = errors.New("backend unreachable")

type conversation struct {
	msgs     []store.Message // ascending by ServerReceivedAt
	keys     map[string]struct{}
	deleted  bool
	blocked  map[string]bool
	receipts map[string]time.Time
}

type sub struct {
	id             int
	conversationID string
	limit          int
	onWindow       func([]store.Message)
	onError        func(error)
	done           chan struct{}
}

// Backend is safe for concurrent use.
type Backend struct {
	now func() time.Time

	mu       sync.Mutex
	convs    map[string]*conversation
	settings map[string]watermark.Settings
	last     time.Time
	subs     map[int]*sub
	nextSub  int
	offline  bool
	failures []error
	writes   int

	// deliverMu orders window deliveries so subscribers never see an older
	// window after a newer one.
	deliverMu sync.Mutex
}

// New creates an empty backend.
func New() *Backend {
	return &Backend{
		now:      time.Now,
		convs:    make(map[string]*conversation),
		settings: make(map[string]watermark.Settings),
		subs:     make(map[int]*sub),
	}
}

func (b *Backend) conv(id string) *conversation {
	c, ok := b.convs[id]
	if !ok {
		c = &conversation{
			keys:     make(map[string]struct{}),
			blocked:  make(map[string]bool),
			receipts: make(map[string]time.Time),
		}
		b.convs[id] = c
	}
	return c
}

// receiveTime assigns a strictly increasing, microsecond-aligned receive time.
func (b *Backend) receiveTime() time.Time {
	t := b.now().UTC().Truncate(time.Microsecond)
	if !t.After(b.last) {
		t = b.last.Add(time.Microsecond)
	}
	b.last = t
	return t
}

// Write stores msg once per idempotency key and assigns ServerReceivedAt.
func (b *Backend) Write(ctx context.Context, msg store.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if b.offline {
		b.mu.Unlock()
		return syncerr.Transient(ErrOffline)
	}
	if len(b.failures) > 0 {
		err := b.failures[0]
		b.failures = b.failures[1:]
		b.mu.Unlock()
		return err
	}
	c := b.conv(msg.ConversationID)
	switch {
	case c.deleted:
		b.mu.Unlock()
		return syncerr.Reject(syncerr.ReasonConversationDeleted)
	case c.blocked[msg.SenderID]:
		b.mu.Unlock()
		return syncerr.Reject(syncerr.ReasonSenderBlocked)
	}
	if _, dup := c.keys[msg.IdempotencyKey]; dup {
		b.mu.Unlock()
		return &syncerr.ConflictError{Key: msg.IdempotencyKey}
	}
	for _, m := range c.msgs {
		if m.ID == msg.ID {
			b.mu.Unlock()
			return syncerr.Reject("message id already used")
		}
	}
	b.appendLocked(c, msg)
	b.mu.Unlock()

	b.notify(msg.ConversationID)
	return nil
}

// Inject stores a message authored elsewhere, bypassing rejection checks.
// It returns the stored copy.
func (b *Backend) Inject(msg store.Message) store.Message {
	b.mu.Lock()
	c := b.conv(msg.ConversationID)
	if msg.IdempotencyKey == "" {
		msg.IdempotencyKey = store.IdempotencyKey("remote", msg.ID)
	}
	stored := b.appendLocked(c, msg)
	b.mu.Unlock()

	b.notify(msg.ConversationID)
	return stored
}

func (b *Backend) appendLocked(c *conversation, msg store.Message) store.Message {
	msg.ServerReceivedAt = b.receiveTime()
	msg.Status = ""
	c.msgs = append(c.msgs, msg)
	c.keys[msg.IdempotencyKey] = struct{}{}
	b.writes++
	return msg
}

// Subscribe implements subscription.Feed.
func (b *Backend) Subscribe(ctx context.Context, conversationID string, limit int, onWindow func([]store.Message), onError func(error)) (subscription.Subscription, error) {
	b.mu.Lock()
	if b.offline {
		b.mu.Unlock()
		return nil, syncerr.Transient(ErrOffline)
	}
	s := &sub{
		id:             b.nextSub,
		conversationID: conversationID,
		limit:          limit,
		onWindow:       onWindow,
		onError:        onError,
		done:           make(chan struct{}),
	}
	b.nextSub++
	b.subs[s.id] = s
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			b.unsubscribe(s.id)
		case <-s.done:
		}
	}()

	b.deliverMu.Lock()
	b.mu.Lock()
	window := b.windowLocked(conversationID, limit)
	b.mu.Unlock()
	onWindow(window)
	b.deliverMu.Unlock()

	return handle{b: b, id: s.id}, nil
}

type handle struct {
	b  *Backend
	id int
}

func (h handle) Close() error {
	h.b.unsubscribe(h.id)
	return nil
}

func (b *Backend) unsubscribe(id int) {
	b.mu.Lock()
	s, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		close(s.done)
	}
}

func (b *Backend) windowLocked(conversationID string, limit int) []store.Message {
	c, ok := b.convs[conversationID]
	if !ok {
		return []store.Message{}
	}
	n := min(limit, len(c.msgs))
	window := make([]store.Message, 0, n)
	for i := len(c.msgs) - 1; i >= 0 && len(window) < n; i-- {
		window = append(window, c.msgs[i])
	}
	return window
}

func (b *Backend) notify(conversationID string) {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	type delivery struct {
		fn     func([]store.Message)
		window []store.Message
	}
	b.mu.Lock()
	var out []delivery
	for _, s := range b.subs {
		if s.conversationID == conversationID {
			out = append(out, delivery{fn: s.onWindow, window: b.windowLocked(conversationID, s.limit)})
		}
	}
	b.mu.Unlock()

	for _, d := range out {
		d.fn(d.window)
	}
}

// FetchOlder implements subscription.Feed.
func (b *Backend) FetchOlder(ctx context.Context, conversationID string, before time.Time, limit int) ([]store.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.offline {
		return nil, syncerr.Transient(ErrOffline)
	}
	c, ok := b.convs[conversationID]
	if !ok {
		return nil, nil
	}
	var page []store.Message
	for i := len(c.msgs) - 1; i >= 0 && len(page) < limit; i-- {
		if c.msgs[i].ServerReceivedAt.Before(before) {
			page = append(page, c.msgs[i])
		}
	}
	return page, nil
}

// BreakSubscriptions fails every live subscription of a conversation.
func (b *Backend) BreakSubscriptions(conversationID string, cause error) {
	b.mu.Lock()
	var broken []*sub
	for id, s := range b.subs {
		if s.conversationID == conversationID {
			broken = append(broken, s)
			delete(b.subs, id)
		}
	}
	b.mu.Unlock()

	for _, s := range broken {
		close(s.done)
		s.onError(cause)
	}
}

// SetOffline makes every call fail with a transient error while on.
func (b *Backend) SetOffline(offline bool) {
	b.mu.Lock()
	b.offline = offline
	b.mu.Unlock()
}

// FailNextWrites makes the next writes return errs, in order.
func (b *Backend) FailNextWrites(errs ...error) {
	b.mu.Lock()
	b.failures = append(b.failures, errs...)
	b.mu.Unlock()
}

// DeleteConversation makes further writes to the conversation permanently rejected.
func (b *Backend) DeleteConversation(conversationID string) {
	b.mu.Lock()
	b.conv(conversationID).deleted = true
	b.mu.Unlock()
}

// BlockSender makes further writes by senderID permanently rejected.
func (b *Backend) BlockSender(conversationID, senderID string) {
	b.mu.Lock()
	b.conv(conversationID).blocked[senderID] = true
	b.mu.Unlock()
}

// Messages returns the stored messages of a conversation, newest first.
func (b *Backend) Messages(conversationID string) []store.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.convs[conversationID]
	if !ok {
		return nil
	}
	msgs := slices.Clone(c.msgs)
	slices.Reverse(msgs)
	return msgs
}

// Writes returns the number of stored messages across all conversations.
func (b *Backend) Writes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes
}

// PublishWatermark implements watermark.Publisher. Public watermarks only move forward.
func (b *Backend) PublishWatermark(ctx context.Context, conversationID, userID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.offline {
		return syncerr.Transient(ErrOffline)
	}
	c := b.conv(conversationID)
	if at.After(c.receipts[userID]) {
		c.receipts[userID] = at
	}
	return nil
}

// PeerWatermarks implements watermark.Publisher.
func (b *Backend) PeerWatermarks(ctx context.Context, conversationID string) (map[string]time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]time.Time)
	if c, ok := b.convs[conversationID]; ok {
		for user, at := range c.receipts {
			out[user] = at
		}
	}
	return out, nil
}

// SetSettings stores a user's privacy settings.
func (b *Backend) SetSettings(userID string, s watermark.Settings) {
	b.mu.Lock()
	b.settings[userID] = s
	b.mu.Unlock()
}

// Settings implements watermark.SettingsProvider. Read receipts default to on.
func (b *Backend) Settings(ctx context.Context, userID string) (watermark.Settings, error) {
	if err := ctx.Err(); err != nil {
		return watermark.Settings{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.settings[userID]; ok {
		return s, nil
	}
	return watermark.Settings{ReadReceipts: true}, nil
}

package subscription

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/syncerr"
	"go.uber.org/zap"
)

// State is the lifecycle state of a conversation subscription.
type State string

const (
	Idle        State = "IDLE"
	Subscribing State = "SUBSCRIBING"
	Live        State = "LIVE"
	Error       State = "ERROR"
	Closed      State = "CLOSED"
)

var (
	// ErrNotIdle is returned by Open on a manager that was already opened.
	ErrNotIdle = errors.New("subscription already opened")
	// ErrClosed is returned when operating on a closed manager.
	ErrClosed = errors.New("subscription closed")
)

// Cursor is the pagination state of a conversation.
type Cursor struct {
	OldestLoaded   time.Time
	HasMoreOlder   bool
	IsLoadingOlder bool
}

// Options tunes a manager. Zero values take defaults.
type Options struct {
	InitialLimit int
	PageSize     int
	Debounce     time.Duration
}

func (o *Options) setDefaults() {
	if o.InitialLimit <= 0 {
		o.InitialLimit = 50
	}
	if o.PageSize <= 0 {
		o.PageSize = o.InitialLimit
	}
	if o.Debounce <= 0 {
		o.Debounce = 500 * time.Millisecond
	}
}

// Update is the payload of subscription.* events.
type Update struct {
	ConversationID string
	State          State
	Messages       []store.Message
	Cursor         Cursor
	Error          string
}

// Snapshot is a read-only copy of a manager's state.
type Snapshot struct {
	ConversationID string
	State          State
	Messages       []store.Message
	Cursor         Cursor
	Err            error
}

// Manager owns the authoritative message set of one conversation: the live
// window plus any older pages loaded through LoadOlder.
type Manager struct {
	conversationID string
	feed           Feed
	opts           Options
	bus            *bus.Bus
	logger         *zap.Logger
	ctx            context.Context
	now            func() time.Time

	mu        sync.Mutex
	state     State
	gen       uint64
	sub       Subscription
	loaded    map[string]store.Message
	cursor    Cursor
	err       error
	lastOlder time.Time
}

// NewManager creates an idle manager. ctx bounds the lifetime of the live
// subscription.
func NewManager(ctx context.Context, conversationID string, feed Feed, opts Options, b *bus.Bus, logger *zap.Logger) *Manager {
	opts.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		conversationID: conversationID,
		feed:           feed,
		opts:           opts,
		bus:            b,
		logger:         logger.With(zap.String("conversation_id", conversationID)),
		ctx:            ctx,
		now:            time.Now,
		state:          Idle,
		loaded:         make(map[string]store.Message),
	}
}

// ConversationID returns the managed conversation.
func (m *Manager) ConversationID() string { return m.conversationID }

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Open establishes the live subscription: Idle → Subscribing, then Live on
// the first window. A failure leaves the manager in Error.
func (m *Manager) Open() error {
	m.mu.Lock()
	if m.state != Idle {
		m.mu.Unlock()
		return ErrNotIdle
	}
	m.state = Subscribing
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	m.logger.Debug("subscribing", zap.Int("limit", m.opts.InitialLimit))
	sub, err := m.feed.Subscribe(m.ctx, m.conversationID, m.opts.InitialLimit,
		func(msgs []store.Message) { m.onWindow(gen, msgs) },
		func(err error) { m.onError(gen, err) })

	m.mu.Lock()
	if gen != m.gen {
		// Closed or refreshed while subscribing.
		m.mu.Unlock()
		if sub != nil {
			_ = sub.Close()
		}
		return nil
	}
	if err != nil {
		m.failLocked(err)
		serr := m.err
		m.mu.Unlock()
		m.publishError(err)
		return serr
	}
	m.sub = sub
	if m.state == Error {
		// The stream broke before Subscribe returned.
		m.sub = nil
		m.mu.Unlock()
		_ = sub.Close()
		return nil
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) onWindow(gen uint64, window []store.Message) {
	m.mu.Lock()
	if gen != m.gen || (m.state != Subscribing && m.state != Live) {
		m.mu.Unlock()
		return
	}
	first := m.state == Subscribing
	for _, msg := range window {
		m.loaded[msg.ID] = msg
	}
	m.state = Live
	m.refreshOldestLocked()
	if first {
		m.cursor.HasMoreOlder = len(window) >= m.opts.InitialLimit
		m.logger.Info("subscription live",
			zap.Int("messages", len(window)),
			zap.Bool("has_more_older", m.cursor.HasMoreOlder))
	}
	update := m.updateLocked()
	m.mu.Unlock()

	m.bus.Emit(bus.SubscriptionWindow, update)
}

func (m *Manager) onError(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || m.state == Closed || m.state == Error {
		m.mu.Unlock()
		return
	}
	m.failLocked(err)
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
	m.publishError(err)
}

func (m *Manager) failLocked(err error) {
	m.state = Error
	m.err = &syncerr.SubscriptionError{ConversationID: m.conversationID, Err: err}
	m.cursor.IsLoadingOlder = false
}

func (m *Manager) publishError(err error) {
	m.logger.Warn("subscription failed", zap.Error(err))
	m.mu.Lock()
	update := m.updateLocked()
	m.mu.Unlock()
	m.bus.Emit(bus.SubscriptionError, update)
}

// LoadOlder fetches the next page strictly older than the oldest loaded
// message and returns how many messages it added. It is a no-op when called
// within the debounce window of the previous call, while a page is loading,
// when there is nothing older, or when nothing is loaded yet.
func (m *Manager) LoadOlder(ctx context.Context) (int, error) {
	m.mu.Lock()
	now := m.now()
	if !m.lastOlder.IsZero() && now.Sub(m.lastOlder) < m.opts.Debounce {
		m.mu.Unlock()
		return 0, nil
	}
	m.lastOlder = now
	if m.state != Live || m.cursor.IsLoadingOlder || !m.cursor.HasMoreOlder || len(m.loaded) == 0 {
		m.mu.Unlock()
		return 0, nil
	}
	m.cursor.IsLoadingOlder = true
	before := m.cursor.OldestLoaded
	gen := m.gen
	m.mu.Unlock()

	page, err := m.feed.FetchOlder(ctx, m.conversationID, before, m.opts.PageSize)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return 0, nil
	}
	m.cursor.IsLoadingOlder = false
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("load older failed", zap.Error(err))
		return 0, fmt.Errorf("load older: %w", err)
	}
	added := 0
	for _, msg := range page {
		if !msg.ServerReceivedAt.Before(before) {
			continue
		}
		if _, ok := m.loaded[msg.ID]; !ok {
			added++
		}
		m.loaded[msg.ID] = msg
	}
	m.refreshOldestLocked()
	m.cursor.HasMoreOlder = len(page) >= m.opts.PageSize
	update := m.updateLocked()
	m.mu.Unlock()

	m.logger.Debug("older page loaded",
		zap.Int("messages", added),
		zap.Bool("has_more_older", update.Cursor.HasMoreOlder))
	m.bus.Emit(bus.SubscriptionWindow, update)
	return added, nil
}

// Refresh tears down the subscription, resets the cursor and subscribes again.
func (m *Manager) Refresh() error {
	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		return fmt.Errorf("refresh %s: %w", m.conversationID, ErrClosed)
	}
	sub := m.reset(Idle)
	m.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
	m.logger.Info("refreshing subscription")
	return m.Open()
}

// Close ends the subscription and drops the cursor.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		return
	}
	sub := m.reset(Closed)
	m.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
	m.logger.Info("subscription closed")
	m.bus.Emit(bus.SubscriptionClosed, Update{ConversationID: m.conversationID, State: Closed})
}

// reset must be called with mu held. It returns the subscription to close.
func (m *Manager) reset(to State) Subscription {
	sub := m.sub
	m.sub = nil
	m.gen++
	m.state = to
	m.loaded = make(map[string]store.Message)
	m.cursor = Cursor{}
	m.err = nil
	m.lastOlder = time.Time{}
	return sub
}

// Snapshot returns a copy of the current state, messages newest first.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		ConversationID: m.conversationID,
		State:          m.state,
		Messages:       m.sortedLocked(),
		Cursor:         m.cursor,
		Err:            m.err,
	}
}

func (m *Manager) updateLocked() Update {
	u := Update{
		ConversationID: m.conversationID,
		State:          m.state,
		Messages:       m.sortedLocked(),
		Cursor:         m.cursor,
	}
	if m.err != nil {
		u.Error = m.err.Error()
	}
	return u
}

func (m *Manager) sortedLocked() []store.Message {
	msgs := make([]store.Message, 0, len(m.loaded))
	for _, msg := range m.loaded {
		msgs = append(msgs, msg)
	}
	slices.SortFunc(msgs, func(a, b store.Message) int {
		if c := b.ServerReceivedAt.Compare(a.ServerReceivedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return msgs
}

func (m *Manager) refreshOldestLocked() {
	var oldest time.Time
	for _, msg := range m.loaded {
		if oldest.IsZero() || msg.ServerReceivedAt.Before(oldest) {
			oldest = msg.ServerReceivedAt
		}
	}
	m.cursor.OldestLoaded = oldest
}

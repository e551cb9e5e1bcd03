package subscription

import (
	"context"
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	"go.uber.org/zap"
)

// Registry owns one Manager per open conversation.
type Registry struct {
	feed   Feed
	opts   Options
	bus    *bus.Bus
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewRegistry creates an empty registry.
func NewRegistry(feed Feed, opts Options, b *bus.Bus, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		feed:     feed,
		opts:     opts,
		bus:      b,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		managers: make(map[string]*Manager),
	}
}

// Open returns the manager of a conversation, subscribing on first use. A
// manager that failed stays registered in Error until refreshed or closed.
func (r *Registry) Open(conversationID string) (*Manager, error) {
	r.mu.Lock()
	m, ok := r.managers[conversationID]
	if ok {
		r.mu.Unlock()
		return m, nil
	}
	m = NewManager(r.ctx, conversationID, r.feed, r.opts, r.bus, r.logger)
	r.managers[conversationID] = m
	r.mu.Unlock()

	if err := m.Open(); err != nil {
		return m, err
	}
	return m, nil
}

// Get returns the manager of an open conversation.
func (r *Registry) Get(conversationID string) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[conversationID]
	return m, ok
}

// Close closes and forgets a conversation's manager.
func (r *Registry) Close(conversationID string) bool {
	r.mu.Lock()
	m, ok := r.managers[conversationID]
	delete(r.managers, conversationID)
	r.mu.Unlock()
	if ok {
		m.Close()
	}
	return ok
}

// Conversations returns the open conversation ids, sorted.
func (r *Registry) Conversations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.managers))
	for id := range r.managers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// CloseAll closes every manager.
func (r *Registry) CloseAll() {
	for _, id := range r.Conversations() {
		r.Close(id)
	}
	r.cancel()
}

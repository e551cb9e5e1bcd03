package subscription

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/syncerr"
	"go.uber.org/zap"
)

var base = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

// fakeFeed serves a fixed history, newest first.
type fakeFeed struct {
	mu         sync.Mutex
	history    []store.Message
	limit      int
	onWindow   func([]store.Message)
	onError    func(error)
	subErr     error
	fetches    int
	fetchGate  chan struct{}
	closed     int
	subscribes int
}

type fakeSub struct{ f *fakeFeed }

func (s fakeSub) Close() error {
	s.f.mu.Lock()
	s.f.closed++
	s.f.mu.Unlock()
	return nil
}

func newFakeFeed(n int) *fakeFeed {
	f := &fakeFeed{}
	for i := range n {
		f.history = append(f.history, store.Message{
			ID:               fmt.Sprintf("m%03d", i),
			ConversationID:   "c1",
			Scope:            store.ScopeDM,
			Kind:             store.KindText,
			ServerReceivedAt: base.Add(time.Duration(i) * time.Second),
			IdempotencyKey:   fmt.Sprintf("k:%03d", i),
		})
	}
	slices.Reverse(f.history)
	return f
}

func (f *fakeFeed) window() []store.Message {
	n := min(f.limit, len(f.history))
	return slices.Clone(f.history[:n])
}

func (f *fakeFeed) Subscribe(_ context.Context, _ string, limit int, onWindow func([]store.Message), onError func(error)) (Subscription, error) {
	f.mu.Lock()
	f.subscribes++
	if f.subErr != nil {
		f.mu.Unlock()
		return nil, f.subErr
	}
	f.limit, f.onWindow, f.onError = limit, onWindow, onError
	w := f.window()
	f.mu.Unlock()
	onWindow(w)
	return fakeSub{f}, nil
}

func (f *fakeFeed) FetchOlder(ctx context.Context, _ string, before time.Time, limit int) ([]store.Message, error) {
	f.mu.Lock()
	f.fetches++
	gate := f.fetchGate
	var page []store.Message
	for _, m := range f.history {
		if m.ServerReceivedAt.Before(before) && len(page) < limit {
			page = append(page, m)
		}
	}
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return page, nil
}

func (f *fakeFeed) push(m store.Message) {
	f.mu.Lock()
	f.history = append([]store.Message{m}, f.history...)
	w := f.window()
	cb := f.onWindow
	f.mu.Unlock()
	cb(w)
}

func (f *fakeFeed) fail(err error) {
	f.mu.Lock()
	cb := f.onError
	f.mu.Unlock()
	cb(err)
}

func (f *fakeFeed) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, feed Feed, opts Options) (*Manager, *stepClock, *bus.Bus) {
	t.Helper()
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	m := NewManager(context.Background(), "c1", feed, opts, b, logger)
	clock := &stepClock{now: base.Add(24 * time.Hour)}
	m.now = clock.Now
	return m, clock, b
}

func TestOpenGoesLiveWithInitialWindow(t *testing.T) {
	feed := newFakeFeed(120)
	m, _, b := newTestManager(t, feed, Options{})
	ch, unsub := b.Subscribe(bus.SubscriptionWindow, 4)
	defer unsub()

	if m.State() != Idle {
		t.Fatalf("state = %s, want IDLE", m.State())
	}
	if err := m.Open(); err != nil {
		t.Fatal(err)
	}
	snap := m.Snapshot()
	if snap.State != Live {
		t.Fatalf("state = %s, want LIVE", snap.State)
	}
	if len(snap.Messages) != 50 {
		t.Fatalf("window = %d, want 50", len(snap.Messages))
	}
	if !snap.Cursor.HasMoreOlder {
		t.Error("hasMoreOlder = false with a full initial window")
	}
	if snap.Messages[0].ID != "m119" || !snap.Cursor.OldestLoaded.Equal(snap.Messages[49].ServerReceivedAt) {
		t.Errorf("newest = %s, oldest loaded = %v", snap.Messages[0].ID, snap.Cursor.OldestLoaded)
	}

	select {
	case evt := <-ch:
		if u := evt.Payload.(Update); u.State != Live || len(u.Messages) != 50 {
			t.Errorf("update = %s with %d messages", u.State, len(u.Messages))
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for window event")
	}

	if err := m.Open(); !errors.Is(err, ErrNotIdle) {
		t.Errorf("second Open: err = %v", err)
	}
}

func TestLoadOlderPagination(t *testing.T) {
	// 50 loaded, 25 older remain: one page of 25 ends pagination.
	feed := newFakeFeed(75)
	m, clock, _ := newTestManager(t, feed, Options{InitialLimit: 50, PageSize: 50})
	if err := m.Open(); err != nil {
		t.Fatal(err)
	}
	before := m.Snapshot().Cursor.OldestLoaded

	added, err := m.LoadOlder(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if added != 25 {
		t.Fatalf("added = %d, want 25", added)
	}
	snap := m.Snapshot()
	if !snap.Cursor.OldestLoaded.Before(before) {
		t.Errorf("oldest loaded did not decrease: %v -> %v", before, snap.Cursor.OldestLoaded)
	}
	if snap.Cursor.HasMoreOlder {
		t.Error("hasMoreOlder = true after a short page")
	}
	if len(snap.Messages) != 75 {
		t.Errorf("messages = %d, want 75", len(snap.Messages))
	}
	for _, msg := range snap.Messages[50:] {
		if !msg.ServerReceivedAt.Before(before) {
			t.Errorf("page message %s not older than %v", msg.ID, before)
		}
	}

	clock.Advance(time.Second)
	added, err = m.LoadOlder(context.Background())
	if err != nil || added != 0 {
		t.Errorf("LoadOlder after end = %d, %v", added, err)
	}
	if n := feed.fetchCount(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
}

func TestLoadOlderMonotonic(t *testing.T) {
	feed := newFakeFeed(200)
	m, clock, _ := newTestManager(t, feed, Options{InitialLimit: 30, PageSize: 30})
	if err := m.Open(); err != nil {
		t.Fatal(err)
	}

	prev := m.Snapshot().Cursor.OldestLoaded
	for m.Snapshot().Cursor.HasMoreOlder {
		clock.Advance(time.Second)
		if _, err := m.LoadOlder(context.Background()); err != nil {
			t.Fatal(err)
		}
		cur := m.Snapshot().Cursor.OldestLoaded
		if !cur.Before(prev) {
			t.Fatalf("oldest loaded did not strictly decrease: %v -> %v", prev, cur)
		}
		prev = cur
	}
	if got := len(m.Snapshot().Messages); got != 200 {
		t.Errorf("messages = %d, want 200", got)
	}

	fetches := feed.fetchCount()
	clock.Advance(time.Second)
	if _, err := m.LoadOlder(context.Background()); err != nil {
		t.Fatal(err)
	}
	if feed.fetchCount() != fetches {
		t.Error("LoadOlder fetched after hasMoreOlder became false")
	}
}

func TestLoadOlderDebounced(t *testing.T) {
	feed := newFakeFeed(200)
	m, clock, _ := newTestManager(t, feed, Options{})
	if err := m.Open(); err != nil {
		t.Fatal(err)
	}

	if _, err := m.LoadOlder(context.Background()); err != nil {
		t.Fatal(err)
	}
	clock.Advance(100 * time.Millisecond)
	if _, err := m.LoadOlder(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := feed.fetchCount(); n != 1 {
		t.Fatalf("fetches = %d, want 1 within the debounce window", n)
	}

	clock.Advance(500 * time.Millisecond)
	if _, err := m.LoadOlder(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := feed.fetchCount(); n != 2 {
		t.Errorf("fetches = %d, want 2 after the debounce window", n)
	}
}

func TestLoadOlderWhileLoadingIsNoop(t *testing.T) {
	feed := newFakeFeed(200)
	feed.fetchGate = make(chan struct{})
	m, clock, _ := newTestManager(t, feed, Options{})
	if err := m.Open(); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.LoadOlder(context.Background())
	}()
	deadline := time.After(time.Second)
	for !m.Snapshot().Cursor.IsLoadingOlder {
		select {
		case <-deadline:
			t.Fatal("first LoadOlder never started")
		case <-time.After(time.Millisecond):
		}
	}

	clock.Advance(time.Second)
	if added, _ := m.LoadOlder(context.Background()); added != 0 {
		t.Errorf("concurrent LoadOlder added %d", added)
	}
	close(feed.fetchGate)
	<-done
	if n := feed.fetchCount(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
}

func TestLoadOlderEmptyWindowIsNoop(t *testing.T) {
	feed := newFakeFeed(0)
	m, _, _ := newTestManager(t, feed, Options{})
	if err := m.Open(); err != nil {
		t.Fatal(err)
	}
	if m.State() != Live {
		t.Fatalf("state = %s", m.State())
	}
	if added, err := m.LoadOlder(context.Background()); added != 0 || err != nil {
		t.Errorf("LoadOlder = %d, %v", added, err)
	}
	if feed.fetchCount() != 0 {
		t.Error("fetched with an empty window")
	}
}

func TestIncrementalUpdatesKeepOlderPages(t *testing.T) {
	feed := newFakeFeed(80)
	m, _, _ := newTestManager(t, feed, Options{InitialLimit: 50, PageSize: 50})
	if err := m.Open(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.LoadOlder(context.Background()); err != nil {
		t.Fatal(err)
	}

	feed.push(store.Message{ID: "new", ConversationID: "c1", ServerReceivedAt: base.Add(time.Hour), IdempotencyKey: "k:new"})

	snap := m.Snapshot()
	if snap.Messages[0].ID != "new" {
		t.Errorf("newest = %s, want new", snap.Messages[0].ID)
	}
	// The message that slid out of the live window is still loaded.
	if len(snap.Messages) != 81 {
		t.Errorf("messages = %d, want 81", len(snap.Messages))
	}
}

func TestSubscriptionErrorIsTerminalUntilRefresh(t *testing.T) {
	feed := newFakeFeed(10)
	m, _, b := newTestManager(t, feed, Options{})
	ch, unsub := b.Subscribe(bus.SubscriptionError, 4)
	defer unsub()

	if err := m.Open(); err != nil {
		t.Fatal(err)
	}
	feed.fail(errors.New("stream reset"))

	snap := m.Snapshot()
	if snap.State != Error {
		t.Fatalf("state = %s, want ERROR", snap.State)
	}
	var se *syncerr.SubscriptionError
	if !errors.As(snap.Err, &se) || se.ConversationID != "c1" {
		t.Errorf("err = %v", snap.Err)
	}
	// The last known window stays visible.
	if len(snap.Messages) != 10 {
		t.Errorf("messages = %d, want last known 10", len(snap.Messages))
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no subscription.error event")
	}

	// No automatic resubscription.
	feed.mu.Lock()
	subscribes := feed.subscribes
	feed.mu.Unlock()
	if subscribes != 1 {
		t.Errorf("subscribes = %d, want 1", subscribes)
	}

	if err := m.Refresh(); err != nil {
		t.Fatal(err)
	}
	if m.State() != Live {
		t.Errorf("state after refresh = %s", m.State())
	}
}

func TestOpenFailure(t *testing.T) {
	feed := newFakeFeed(0)
	feed.subErr = errors.New("permission denied")
	m, _, _ := newTestManager(t, feed, Options{})

	err := m.Open()
	var se *syncerr.SubscriptionError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want SubscriptionError", err)
	}
	if m.State() != Error {
		t.Errorf("state = %s", m.State())
	}
}

func TestRefreshResetsCursor(t *testing.T) {
	feed := newFakeFeed(120)
	m, _, _ := newTestManager(t, feed, Options{})
	if err := m.Open(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.LoadOlder(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(m.Snapshot().Messages); got != 100 {
		t.Fatalf("messages = %d", got)
	}

	if err := m.Refresh(); err != nil {
		t.Fatal(err)
	}
	snap := m.Snapshot()
	if len(snap.Messages) != 50 || !snap.Cursor.HasMoreOlder {
		t.Errorf("after refresh: %d messages, hasMoreOlder %v", len(snap.Messages), snap.Cursor.HasMoreOlder)
	}
	feed.mu.Lock()
	closed := feed.closed
	feed.mu.Unlock()
	if closed != 1 {
		t.Errorf("closed = %d, want old subscription closed", closed)
	}
}

func TestCloseDropsState(t *testing.T) {
	feed := newFakeFeed(10)
	m, _, b := newTestManager(t, feed, Options{})
	ch, unsub := b.Subscribe(bus.SubscriptionClosed, 1)
	defer unsub()

	if err := m.Open(); err != nil {
		t.Fatal(err)
	}
	m.Close()
	snap := m.Snapshot()
	if snap.State != Closed || len(snap.Messages) != 0 {
		t.Errorf("after close: %s with %d messages", snap.State, len(snap.Messages))
	}
	// Late callbacks from the old stream are ignored.
	feed.push(store.Message{ID: "late", ServerReceivedAt: base.Add(time.Hour)})
	if len(m.Snapshot().Messages) != 0 {
		t.Error("closed manager accepted a window")
	}
	if err := m.Refresh(); !errors.Is(err, ErrClosed) {
		t.Errorf("Refresh after Close: err = %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no subscription.closed event")
	}
}

func TestRegistry(t *testing.T) {
	feed := newFakeFeed(5)
	r := NewRegistry(feed, Options{}, bus.New(), zap.NewNop())
	defer r.CloseAll()

	m1, err := r.Open("c1")
	if err != nil {
		t.Fatal(err)
	}
	m2, err := r.Open("c1")
	if err != nil {
		t.Fatal(err)
	}
	if m1 != m2 {
		t.Error("Open returned a second manager for the same conversation")
	}
	if _, ok := r.Get("c1"); !ok {
		t.Error("Get(c1) not found")
	}
	if !r.Close("c1") {
		t.Error("Close(c1) = false")
	}
	if m1.State() != Closed {
		t.Errorf("state = %s", m1.State())
	}
	if len(r.Conversations()) != 0 {
		t.Errorf("conversations = %v", r.Conversations())
	}
}

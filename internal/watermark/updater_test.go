package watermark

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

var base = time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

type user string

func (u user) UserID() string { return string(u) }

type fakeSettings struct {
	mu      sync.Mutex
	flags   map[string]bool
	lookups int
	err     error
}

func (f *fakeSettings) Settings(_ context.Context, userID string) (Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.err != nil {
		return Settings{}, f.err
	}
	on, ok := f.flags[userID]
	if !ok {
		on = true
	}
	return Settings{ReadReceipts: on}, nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published map[string]time.Time
	err       error
}

func (p *fakePublisher) PublishWatermark(_ context.Context, _ string, userID string, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published[userID] = at
	return nil
}

func (p *fakePublisher) PeerWatermarks(context.Context, string) (map[string]time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]time.Time, len(p.published))
	for k, v := range p.published {
		out[k] = v
	}
	return out, nil
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func msg(id, sender string, offset time.Duration) store.Message {
	return store.Message{ID: id, ConversationID: "c1", SenderID: sender, ServerReceivedAt: base.Add(offset)}
}

func newTestUpdater(t *testing.T, opts Options) (*Updater, *fakeSettings, *fakePublisher, *bus.Bus) {
	t.Helper()
	settings := &fakeSettings{flags: map[string]bool{}}
	pub := &fakePublisher{published: map[string]time.Time{}}
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	return NewUpdater(testDB(t), pub, settings, user("alice"), opts, b, logger), settings, pub, b
}

func TestOnWindowAdvancesAndPublishes(t *testing.T) {
	u, _, pub, b := newTestUpdater(t, Options{AutoMarkRead: true})
	ch, unsub := b.Subscribe("watermark.", 4)
	defer unsub()

	window := []store.Message{msg("m3", "bob", 3*time.Second), msg("m1", "bob", time.Second)}
	changed, err := u.OnWindow(context.Background(), "c1", window)
	if err != nil || !changed {
		t.Fatalf("OnWindow = %v, %v", changed, err)
	}
	w, _ := u.Watermark("c1")
	if !w.LastReadAt.Equal(base.Add(3 * time.Second)) {
		t.Errorf("lastReadAt = %v", w.LastReadAt)
	}
	if got := pub.published["alice"]; !got.Equal(base.Add(3 * time.Second)) {
		t.Errorf("published = %v", got)
	}

	select {
	case evt := <-ch:
		if a := evt.Payload.(Advanced); !a.Published {
			t.Errorf("advanced = %+v", a)
		}
	case <-time.After(time.Second):
		t.Fatal("no watermark event")
	}

	// An older window never moves the watermark back.
	changed, err = u.OnWindow(context.Background(), "c1", []store.Message{msg("m0", "bob", 0)})
	if err != nil || changed {
		t.Errorf("older window: changed=%v err=%v", changed, err)
	}
}

func TestOnWindowIgnoresPendingAndDisabled(t *testing.T) {
	u, _, _, _ := newTestUpdater(t, Options{AutoMarkRead: true})
	pending := msg("p1", "alice", time.Hour)
	pending.Status = store.StateQueued
	changed, err := u.OnWindow(context.Background(), "c1", []store.Message{pending})
	if err != nil || changed {
		t.Errorf("pending-only window: changed=%v err=%v", changed, err)
	}

	off, _, _, _ := newTestUpdater(t, Options{AutoMarkRead: false})
	changed, _ = off.OnWindow(context.Background(), "c1", []store.Message{msg("m1", "bob", time.Second)})
	if changed {
		t.Error("watermark advanced with autoMarkRead off")
	}
	changed, _ = off.OnWindow(context.Background(), "c1", nil)
	if changed {
		t.Error("watermark advanced on an empty window")
	}
}

func TestPrivateWatermarkKeptWhenReceiptsOff(t *testing.T) {
	u, settings, pub, _ := newTestUpdater(t, Options{AutoMarkRead: true})
	settings.flags["alice"] = false

	changed, err := u.OnWindow(context.Background(), "c1", []store.Message{msg("m1", "bob", time.Second)})
	if err != nil || !changed {
		t.Fatalf("OnWindow = %v, %v", changed, err)
	}
	if _, ok := pub.published["alice"]; ok {
		t.Error("published with read receipts off")
	}
	w, _ := u.Watermark("c1")
	if w.LastReadAt.IsZero() || !w.PublishedAt.IsZero() {
		t.Errorf("watermark = %+v", w)
	}
}

func TestPublishRetriedAfterFailure(t *testing.T) {
	u, _, pub, _ := newTestUpdater(t, Options{AutoMarkRead: true})
	pub.err = errors.New("offline")

	if _, err := u.OnWindow(context.Background(), "c1", []store.Message{msg("m1", "bob", time.Second)}); err != nil {
		t.Fatal(err)
	}
	if len(pub.published) != 0 {
		t.Fatal("published despite error")
	}

	pub.err = nil
	if _, err := u.OnWindow(context.Background(), "c1", []store.Message{msg("m1", "bob", time.Second)}); err != nil {
		t.Fatal(err)
	}
	if got := pub.published["alice"]; !got.Equal(base.Add(time.Second)) {
		t.Errorf("published = %v after retry", got)
	}
}

func TestPeerWatermarksReciprocal(t *testing.T) {
	u, settings, pub, _ := newTestUpdater(t, Options{})
	pub.published["bob"] = base
	pub.published["carol"] = base.Add(time.Second)
	pub.published["alice"] = base.Add(2 * time.Second)
	settings.flags["carol"] = false

	peers, err := u.PeerWatermarks(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 1 || !peers["bob"].Equal(base) {
		t.Errorf("peers = %v, want only bob", peers)
	}

	settings.flags["alice"] = false
	peers, err = u.PeerWatermarks(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 0 {
		t.Errorf("peers = %v, want none when own receipts are off", peers)
	}
}

func TestUnreadCountSkewTolerance(t *testing.T) {
	u, _, _, _ := newTestUpdater(t, Options{SkewTolerance: 2 * time.Second})
	if _, err := u.MarkRead(context.Background(), "c1", base.Add(10*time.Second)); err != nil {
		t.Fatal(err)
	}

	msgs := []store.Message{
		msg("m1", "bob", 5*time.Second),    // before watermark
		msg("m2", "bob", 11*time.Second),   // inside tolerance
		msg("m3", "bob", 13*time.Second),   // unread
		msg("m4", "alice", 20*time.Second), // own message
		msg("m5", "carol", 30*time.Second), // unread
	}
	n, err := u.UnreadCount("c1", msgs)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("unread = %d, want 2", n)
	}
}

func TestCachedSettings(t *testing.T) {
	next := &fakeSettings{flags: map[string]bool{"bob": false}}
	c := NewCachedSettings(next, 2, time.Minute)
	ctx := context.Background()

	for range 3 {
		s, err := c.Settings(ctx, "bob")
		if err != nil {
			t.Fatal(err)
		}
		if s.ReadReceipts {
			t.Error("bob's receipts should be off")
		}
	}
	if next.lookups != 1 {
		t.Errorf("lookups = %d, want 1", next.lookups)
	}

	// Bounded: a third user evicts the least recently used.
	_, _ = c.Settings(ctx, "carol")
	_, _ = c.Settings(ctx, "dave")
	if c.Len() != 2 {
		t.Errorf("len = %d, want 2", c.Len())
	}

	c.Invalidate("dave")
	_, _ = c.Settings(ctx, "dave")
	if next.lookups != 4 {
		t.Errorf("lookups = %d, want 4 after invalidation", next.lookups)
	}

	next.err = errors.New("unavailable")
	if _, err := c.Settings(ctx, "erin"); err == nil {
		t.Error("expected lookup error")
	}
}

func TestCachedSettingsExpire(t *testing.T) {
	next := &fakeSettings{flags: map[string]bool{}}
	c := NewCachedSettings(next, 10, 20*time.Millisecond)
	_, _ = c.Settings(context.Background(), "bob")
	time.Sleep(50 * time.Millisecond)
	_, _ = c.Settings(context.Background(), "bob")
	if next.lookups != 2 {
		t.Errorf("lookups = %d, want 2 after ttl", next.lookups)
	}
}

package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newItem(conv, id string) *OutboxItem {
	return &OutboxItem{
		MessageID:      id,
		ConversationID: conv,
		Scope:          ScopeDM,
		ClientID:       "client-1",
		SenderID:       "alice",
		Kind:           KindText,
		Text:           "hello " + id,
		State:          StateQueued,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 || result.From != 1 {
		t.Errorf("version = %d->%d, want 1->1", result.From, result.Version)
	}
}

func TestMigrateRefusesDirtySchema(t *testing.T) {
	db := testDB(t)
	if _, err := db.Exec(`UPDATE schema_migrations SET dirty = 1`); err != nil {
		t.Fatal(err)
	}
	_, err := db.Migrate()
	if !errors.Is(err, ErrDirtySchema) {
		t.Fatalf("err = %v, want ErrDirtySchema", err)
	}
}

func TestOutboxInsertAndGet(t *testing.T) {
	db := testDB(t)

	item := newItem("c1", "m1")
	item.ReplyTo = &ReplySnapshot{MessageID: "m0", SenderID: "bob", Kind: KindText, Text: "hi"}
	item.Pending = []LocalAttachment{{ID: "a1", Kind: KindMedia, MIME: "image/png", Size: 10, LocalURI: "file:///tmp/a.png"}}
	if err := db.InsertOutbox(item); err != nil {
		t.Fatal(err)
	}
	if item.Seq == 0 {
		t.Error("Seq was not assigned")
	}

	got, err := db.GetOutbox("m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "hello m1" || got.State != StateQueued {
		t.Errorf("got %+v", got)
	}
	if got.ReplyTo == nil || got.ReplyTo.Text != "hi" {
		t.Errorf("reply snapshot = %+v", got.ReplyTo)
	}
	if len(got.Pending) != 1 || got.Pending[0].LocalURI != "file:///tmp/a.png" {
		t.Errorf("pending = %+v", got.Pending)
	}
	if got.IdempotencyKey() != "client-1:m1" {
		t.Errorf("key = %q", got.IdempotencyKey())
	}

	if _, err := db.GetOutbox("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestOutboxDuplicateMessageIDRejected(t *testing.T) {
	db := testDB(t)
	if err := db.InsertOutbox(newItem("c1", "m1")); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertOutbox(newItem("c1", "m1")); err == nil {
		t.Error("expected unique constraint error")
	}
}

func TestOutboxListIsFIFO(t *testing.T) {
	db := testDB(t)
	for _, id := range []string{"m1", "m2", "m3"} {
		if err := db.InsertOutbox(newItem("c1", id)); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.InsertOutbox(newItem("c2", "x1")); err != nil {
		t.Fatal(err)
	}

	items, err := db.ListOutbox("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Fatalf("len = %d, want 3", len(items))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if items[i].MessageID != want {
			t.Errorf("items[%d] = %s, want %s", i, items[i].MessageID, want)
		}
	}

	convs, err := db.OutboxConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 || convs[0] != "c1" || convs[1] != "c2" {
		t.Errorf("conversations = %v", convs)
	}
}

func TestOutboxUpdateAndDelete(t *testing.T) {
	db := testDB(t)
	if err := db.InsertOutbox(newItem("c1", "m1")); err != nil {
		t.Fatal(err)
	}

	retryAt := time.Now().Add(time.Minute).UTC().Truncate(time.Microsecond)
	updated, err := db.UpdateOutbox("m1", func(it *OutboxItem) error {
		it.State = StateFailed
		it.AttemptCount++
		it.NextRetryAt = retryAt
		it.LastError = "network down"
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.AttemptCount != 1 {
		t.Errorf("attempts = %d", updated.AttemptCount)
	}

	got, _ := db.GetOutbox("m1")
	if got.State != StateFailed || got.LastError != "network down" || !got.NextRetryAt.Equal(retryAt) {
		t.Errorf("got %+v", got)
	}

	counts, err := db.OutboxCounts()
	if err != nil {
		t.Fatal(err)
	}
	if counts[StateFailed] != 1 {
		t.Errorf("counts = %v", counts)
	}

	// An error from the mutator leaves the row untouched.
	boom := errors.New("boom")
	if _, err := db.UpdateOutbox("m1", func(it *OutboxItem) error {
		it.State = StateSending
		return boom
	}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	got, _ = db.GetOutbox("m1")
	if got.State != StateFailed {
		t.Errorf("state = %s after aborted update", got.State)
	}

	removed, err := db.DeleteOutbox("m1")
	if err != nil || !removed {
		t.Fatalf("delete = %v, %v", removed, err)
	}
	removed, _ = db.DeleteOutbox("m1")
	if removed {
		t.Error("second delete should report false")
	}
	if _, err := db.UpdateOutbox("m1", func(*OutboxItem) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing: err = %v", err)
	}
}

func TestUpsertMessagesIdempotent(t *testing.T) {
	db := testDB(t)
	base := time.Now().UTC().Truncate(time.Microsecond)

	msgs := []Message{
		{ID: "m1", ConversationID: "c1", Scope: ScopeDM, SenderID: "a", Kind: KindText, Text: "one", IdempotencyKey: "k1", ServerReceivedAt: base},
		{ID: "m2", ConversationID: "c1", Scope: ScopeDM, SenderID: "b", Kind: KindText, Text: "two", IdempotencyKey: "k2", ServerReceivedAt: base.Add(time.Second)},
	}
	if err := db.UpsertMessages(msgs); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessages(msgs); err != nil {
		t.Fatal(err)
	}

	count, _ := db.MessageCount()
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	page, err := db.ListMessages("c1", time.Time{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != "m2" {
		t.Fatalf("page = %+v", page)
	}

	older, err := db.ListMessages("c1", page[0].ServerReceivedAt, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(older) != 1 || older[0].ID != "m1" {
		t.Errorf("older = %+v", older)
	}

	m, err := db.GetMessageByKey("k2")
	if err != nil {
		t.Fatal(err)
	}
	if m.Text != "two" {
		t.Errorf("text = %q", m.Text)
	}
}

func TestListMessagesIncludesServerTimesAheadOfDeviceClock(t *testing.T) {
	db := testDB(t)
	ahead := time.Now().UTC().Add(time.Hour).Truncate(time.Microsecond)

	msgs := []Message{
		{ID: "m1", ConversationID: "c1", Scope: ScopeDM, SenderID: "a", Kind: KindText, Text: "now", IdempotencyKey: "k1", ServerReceivedAt: time.Now().UTC().Truncate(time.Microsecond)},
		{ID: "m2", ConversationID: "c1", Scope: ScopeDM, SenderID: "b", Kind: KindText, Text: "ahead", IdempotencyKey: "k2", ServerReceivedAt: ahead},
	}
	if err := db.UpsertMessages(msgs); err != nil {
		t.Fatal(err)
	}

	page, err := db.ListMessages("c1", time.Time{}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].ID != "m2" || !page[0].ServerReceivedAt.Equal(ahead) {
		t.Fatalf("newest page = %+v, want m2 at %v", page, ahead)
	}
}

func TestWatermarkNeverMovesBackwards(t *testing.T) {
	db := testDB(t)
	t1 := time.Now().UTC().Truncate(time.Microsecond)
	t0 := t1.Add(-time.Minute)

	w, err := db.GetWatermark("c1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !w.LastReadAt.IsZero() {
		t.Errorf("fresh watermark = %v", w.LastReadAt)
	}

	changed, err := db.AdvanceWatermark("c1", "alice", t1)
	if err != nil || !changed {
		t.Fatalf("advance = %v, %v", changed, err)
	}
	changed, err = db.AdvanceWatermark("c1", "alice", t0)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("older timestamp should not change the watermark")
	}

	if err := db.MarkWatermarkPublished("c1", "alice", t1); err != nil {
		t.Fatal(err)
	}
	w, _ = db.GetWatermark("c1", "alice")
	if !w.LastReadAt.Equal(t1) || !w.PublishedAt.Equal(t1) {
		t.Errorf("watermark = %+v", w)
	}
}

func TestSyncState(t *testing.T) {
	db := testDB(t)

	if _, err := db.GetState("client_id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := db.SetState("client_id", "abc"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetState("client_id", "def"); err != nil {
		t.Fatal(err)
	}
	v, err := db.GetState("client_id")
	if err != nil {
		t.Fatal(err)
	}
	if v != "def" {
		t.Errorf("value = %q", v)
	}
}

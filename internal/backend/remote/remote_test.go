package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/syncerr"
	"github.com/matheus3301/chatsync/internal/watermark"
	"go.uber.org/zap"
)

func TestClassifyWrite(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want syncerr.Class
	}{
		{"duplicate idempotency key", &pgconn.PgError{Code: codeUniqueViolation, ConstraintName: idempotencyConstraint}, syncerr.ClassConflict},
		{"duplicate message id", &pgconn.PgError{Code: codeUniqueViolation, ConstraintName: "messages_pkey"}, syncerr.ClassPermanent},
		{"unnamed unique violation", &pgconn.PgError{Code: codeUniqueViolation}, syncerr.ClassPermanent},
		{"deleted", &pgconn.PgError{Code: codeRaiseException, Message: syncerr.ReasonConversationDeleted}, syncerr.ClassPermanent},
		{"foreign key", &pgconn.PgError{Code: codeForeignKeyViolation}, syncerr.ClassPermanent},
		{"check", &pgconn.PgError{Code: codeCheckViolation}, syncerr.ClassPermanent},
		{"serialization", &pgconn.PgError{Code: "40001"}, syncerr.ClassTransient},
		{"network", errors.New("connection reset by peer"), syncerr.ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyWrite(fmt.Errorf("insert: %w", tt.err), "c:m")
			if c := syncerr.Classify(got); c != tt.want {
				t.Errorf("class = %s, want %s", c, tt.want)
			}
		})
	}
}

func TestClassifyWriteKeepsRejectionReason(t *testing.T) {
	err := classifyWrite(&pgconn.PgError{Code: codeRaiseException, Message: syncerr.ReasonSenderBlocked}, "c:m")
	var rej *syncerr.PermanentRejection
	if !errors.As(err, &rej) {
		t.Fatalf("got %T, want *syncerr.PermanentRejection", err)
	}
	if rej.Reason != syncerr.ReasonSenderBlocked {
		t.Errorf("reason = %q", rej.Reason)
	}
}

func TestClassifyWriteContext(t *testing.T) {
	if err := classifyWrite(context.Canceled, "k"); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
	if err := classifyWrite(nil, "k"); err != nil {
		t.Errorf("got %v, want nil", err)
	}
}

func TestMigrateURL(t *testing.T) {
	tests := map[string]string{
		"postgres://u:p@localhost:5432/chat?sslmode=disable": "pgx5://u:p@localhost:5432/chat?sslmode=disable",
		"postgresql://localhost/chat":                        "pgx5://localhost/chat",
		"pgx5://localhost/chat":                              "pgx5://localhost/chat",
	}
	for in, want := range tests {
		if got := migrateURL(in); got != want {
			t.Errorf("migrateURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidConversationID(t *testing.T) {
	for _, id := range []string{"c1", "team-42", "dm_alice_bob"} {
		if !validConversationID(id) {
			t.Errorf("%q should be valid", id)
		}
	}
	for _, id := range []string{"", "a.b", "a*", "a>", "a b"} {
		if validConversationID(id) {
			t.Errorf("%q should be invalid", id)
		}
	}
}

// openTestBackend connects to the services named by CHATSYNC_TEST_PG_DSN and
// CHATSYNC_TEST_NATS_URL, skipping the test when they are not set.
func openTestBackend(t *testing.T) *Backend {
	t.Helper()
	dsn := os.Getenv("CHATSYNC_TEST_PG_DSN")
	natsURL := os.Getenv("CHATSYNC_TEST_NATS_URL")
	if dsn == "" || natsURL == "" {
		t.Skip("CHATSYNC_TEST_PG_DSN and CHATSYNC_TEST_NATS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b, err := Open(ctx, Config{PostgresDSN: dsn, NATSURL: natsURL, Stream: "CHATSYNC_TEST", SubjectPrefix: "chattest"}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(b.Close)
	return b
}

func testMessage(conv, id string) store.Message {
	return store.Message{
		ID:             id,
		ConversationID: conv,
		Scope:          store.ScopeDM,
		SenderID:       "alice",
		Kind:           store.KindText,
		Text:           "hello " + id,
		CreatedAt:      time.Now().UTC(),
		IdempotencyKey: store.IdempotencyKey("test-client", id),
	}
}

func TestRemoteIdempotentWrite(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	conv := "conv-" + uuid.NewString()

	msg := testMessage(conv, "m1")
	if err := b.Write(ctx, msg); err != nil {
		t.Fatal(err)
	}
	err := b.Write(ctx, msg)
	if !syncerr.IsConflict(err) {
		t.Fatalf("second write: got %v, want conflict", err)
	}

	window, err := b.window(ctx, conv, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(window) != 1 {
		t.Fatalf("window has %d messages, want 1", len(window))
	}
}

func TestRemoteReceiveTimesIncrease(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	conv := "conv-" + uuid.NewString()

	for i := range 5 {
		if err := b.Write(ctx, testMessage(conv, fmt.Sprintf("m%d", i))); err != nil {
			t.Fatal(err)
		}
	}
	window, err := b.window(ctx, conv, 10)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(window); i++ {
		if !window[i-1].ServerReceivedAt.After(window[i].ServerReceivedAt) {
			t.Fatalf("window not strictly descending at %d", i)
		}
	}

	older, err := b.FetchOlder(ctx, conv, window[1].ServerReceivedAt, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(older) != 3 {
		t.Errorf("older page has %d messages, want 3", len(older))
	}
}

func TestRemoteRejections(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	deleted := "conv-" + uuid.NewString()
	if err := b.DeleteConversation(ctx, deleted); err != nil {
		t.Fatal(err)
	}
	if err := b.Write(ctx, testMessage(deleted, "m1")); !syncerr.IsPermanent(err) {
		t.Errorf("write to deleted conversation: got %v, want permanent", err)
	}

	blocked := "conv-" + uuid.NewString()
	if err := b.BlockSender(ctx, blocked, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := b.Write(ctx, testMessage(blocked, "m1")); !syncerr.IsPermanent(err) {
		t.Errorf("write from blocked sender: got %v, want permanent", err)
	}
}

func TestRemoteSubscribeDeliversWrites(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	conv := "conv-" + uuid.NewString()

	var (
		mu      sync.Mutex
		windows [][]store.Message
	)
	got := make(chan struct{}, 10)
	sub, err := b.Subscribe(ctx, conv, 50, func(w []store.Message) {
		mu.Lock()
		windows = append(windows, w)
		mu.Unlock()
		got <- struct{}{}
	}, func(err error) { t.Errorf("unexpected subscription error: %v", err) })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	<-got

	if err := b.Write(ctx, testMessage(conv, "m1")); err != nil {
		t.Fatal(err)
	}
	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for live window")
	}

	mu.Lock()
	defer mu.Unlock()
	last := windows[len(windows)-1]
	if len(last) != 1 || last[0].ID != "m1" {
		t.Errorf("unexpected window %+v", last)
	}
}

func TestRemoteWatermarksAndSettings(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	conv := "conv-" + uuid.NewString()
	base := time.Now().UTC().Truncate(time.Microsecond)

	if err := b.PublishWatermark(ctx, conv, "alice", base); err != nil {
		t.Fatal(err)
	}
	if err := b.PublishWatermark(ctx, conv, "alice", base.Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}
	peers, err := b.PeerWatermarks(ctx, conv)
	if err != nil {
		t.Fatal(err)
	}
	if !peers["alice"].Equal(base) {
		t.Errorf("watermark = %v, want %v", peers["alice"], base)
	}

	user := "user-" + uuid.NewString()
	s, err := b.Settings(ctx, user)
	if err != nil {
		t.Fatal(err)
	}
	if !s.ReadReceipts {
		t.Error("receipts should default on")
	}
	if err := b.SetSettings(ctx, user, watermark.Settings{ReadReceipts: false}); err != nil {
		t.Fatal(err)
	}
	if s, _ := b.Settings(ctx, user); s.ReadReceipts {
		t.Error("receipts should be off")
	}
}

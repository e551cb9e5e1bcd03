package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/subscription"
	"github.com/matheus3301/chatsync/internal/syncerr"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const messageColumns = `conversation_id, id, scope, sender_id, kind, body, reply_to, attachments,
	idempotency_key, created_at, server_received_at`

// notification announces a stored message on the conversation subject.
type notification struct {
	ConversationID   string    `json:"conversation_id"`
	MessageID        string    `json:"message_id"`
	ServerReceivedAt time.Time `json:"server_received_at"`
}

// Write implements outbox.Writer.
func (b *Backend) Write(ctx context.Context, msg store.Message) error {
	if !validConversationID(msg.ConversationID) {
		return syncerr.Reject(syncerr.ReasonInvalid)
	}
	reply, err := json.Marshal(msg.ReplyTo)
	if err != nil {
		return syncerr.Reject(syncerr.ReasonInvalid)
	}
	attachments := msg.Attachments
	if attachments == nil {
		attachments = []store.Attachment{}
	}
	atts, err := json.Marshal(attachments)
	if err != nil {
		return syncerr.Reject(syncerr.ReasonInvalid)
	}

	query := `
		INSERT INTO messages (conversation_id, id, scope, sender_id, kind, body, reply_to, attachments,
			idempotency_key, created_at, server_received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		RETURNING server_received_at`
	var received time.Time
	err = b.pool.QueryRow(ctx, query,
		msg.ConversationID, msg.ID, msg.Scope, msg.SenderID, msg.Kind, msg.Text,
		nullJSON(msg.ReplyTo != nil, reply), atts, msg.IdempotencyKey, msg.CreatedAt,
	).Scan(&received)
	if err != nil {
		return classifyWrite(err, msg.IdempotencyKey)
	}

	b.announce(ctx, notification{
		ConversationID:   msg.ConversationID,
		MessageID:        msg.ID,
		ServerReceivedAt: received,
	})
	return nil
}

// announce publishes a change notification. The write already succeeded,
// so a failed publish only delays live windows until the next change.
func (b *Backend) announce(ctx context.Context, n notification) {
	data, err := json.Marshal(n)
	if err != nil {
		return
	}
	if _, err := b.js.Publish(ctx, b.subject(n.ConversationID), data); err != nil {
		b.logger.Warn("failed to publish change notification",
			zap.String("conversation_id", n.ConversationID),
			zap.String("message_id", n.MessageID),
			zap.Error(err))
	}
}

func nullJSON(present bool, data []byte) any {
	if !present {
		return nil
	}
	return data
}

// FetchOlder implements subscription.Feed.
func (b *Backend) FetchOlder(ctx context.Context, conversationID string, before time.Time, limit int) ([]store.Message, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM messages
		WHERE conversation_id = $1 AND server_received_at < $2
		ORDER BY server_received_at DESC, id DESC
		LIMIT %d`, messageColumns, limit)
	msgs, err := b.queryMessages(ctx, query, conversationID, before)
	return msgs, classifyRead(err)
}

func (b *Backend) window(ctx context.Context, conversationID string, limit int) ([]store.Message, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM messages
		WHERE conversation_id = $1
		ORDER BY server_received_at DESC, id DESC
		LIMIT %d`, messageColumns, limit)
	msgs, err := b.queryMessages(ctx, query, conversationID)
	return msgs, classifyRead(err)
}

func (b *Backend) queryMessages(ctx context.Context, query string, args ...any) ([]store.Message, error) {
	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []store.Message{}
	for rows.Next() {
		var (
			m           store.Message
			reply, atts []byte
		)
		if err := rows.Scan(
			&m.ConversationID, &m.ID, &m.Scope, &m.SenderID, &m.Kind, &m.Text, &reply, &atts,
			&m.IdempotencyKey, &m.CreatedAt, &m.ServerReceivedAt,
		); err != nil {
			return nil, err
		}
		if len(reply) > 0 && string(reply) != "null" {
			m.ReplyTo = &store.ReplySnapshot{}
			if err := json.Unmarshal(reply, m.ReplyTo); err != nil {
				return nil, fmt.Errorf("decode reply_to of %s: %w", m.ID, err)
			}
		}
		if err := json.Unmarshal(atts, &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments of %s: %w", m.ID, err)
		}
		if len(m.Attachments) == 0 {
			m.Attachments = nil
		}
		m.CreatedAt = m.CreatedAt.UTC()
		m.ServerReceivedAt = m.ServerReceivedAt.UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Subscribe implements subscription.Feed. Each notification on the
// conversation subject re-reads the newest window from the database.
func (b *Backend) Subscribe(ctx context.Context, conversationID string, limit int, onWindow func([]store.Message), onError func(error)) (subscription.Subscription, error) {
	if !validConversationID(conversationID) {
		return nil, syncerr.Reject(syncerr.ReasonInvalid)
	}
	cons, err := b.js.OrderedConsumer(ctx, b.cfg.Stream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{b.subject(conversationID)},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, syncerr.Transient(fmt.Errorf("failed to create consumer for %s: %w", conversationID, err))
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &live{
		b:              b,
		conversationID: conversationID,
		limit:          limit,
		onWindow:       onWindow,
		onError:        onError,
		ctx:            sctx,
		cancel:         cancel,
	}

	window, err := b.window(sctx, conversationID, limit)
	if err != nil {
		cancel()
		return nil, err
	}
	onWindow(window)

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		s.refresh()
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		if errors.Is(err, jetstream.ErrNoHeartbeat) {
			return
		}
		s.fail(err)
	}))
	if err != nil {
		cancel()
		return nil, syncerr.Transient(fmt.Errorf("failed to start consuming %s: %w", conversationID, err))
	}

	s.mu.Lock()
	s.cc = cc
	closed := s.closed
	s.mu.Unlock()
	if closed {
		cc.Stop()
	}
	return s, nil
}

type live struct {
	b              *Backend
	conversationID string
	limit          int
	onWindow       func([]store.Message)
	onError        func(error)
	ctx            context.Context
	cancel         context.CancelFunc

	// mu orders window deliveries.
	mu     sync.Mutex
	cc     jetstream.ConsumeContext
	closed bool
}

func (s *live) refresh() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	window, err := s.b.window(s.ctx, s.conversationID, s.limit)
	if err == nil {
		s.onWindow(window)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.fail(err)
}

func (s *live) fail(err error) {
	if !s.stop() {
		return
	}
	s.b.logger.Warn("live window failed", zap.String("conversation_id", s.conversationID), zap.Error(err))
	s.onError(err)
}

// stop ends the consumer once and reports whether this call did it.
func (s *live) stop() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	cc := s.cc
	s.mu.Unlock()

	if cc != nil {
		cc.Stop()
	}
	s.cancel()
	return true
}

// Close implements subscription.Subscription.
func (s *live) Close() error {
	s.stop()
	return nil
}

// InsertForeign stores a message authored by another client, bypassing the
// idempotency key of this install. Used by the control tool to simulate peers.
func (b *Backend) InsertForeign(ctx context.Context, msg store.Message) error {
	if msg.IdempotencyKey == "" {
		msg.IdempotencyKey = store.IdempotencyKey("remote", msg.ID)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	return b.Write(ctx, msg)
}

// DeleteConversation marks a conversation deleted; later writes are rejected.
func (b *Backend) DeleteConversation(ctx context.Context, conversationID string) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO conversations (id, deleted_at) VALUES ($1, now())
		ON CONFLICT (id) DO UPDATE SET deleted_at = now()`, conversationID)
	return err
}

// BlockSender rejects later writes from senderID in a conversation.
func (b *Backend) BlockSender(ctx context.Context, conversationID, senderID string) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO blocked_senders (conversation_id, sender_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, conversationID, senderID)
	return err
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/syncerr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Writer performs the idempotent server write of a message. A duplicate
// idempotency key must be reported as *syncerr.ConflictError.
type Writer interface {
	Write(ctx context.Context, msg store.Message) error
}

// Uploader uploads one local attachment of an item.
type Uploader interface {
	Upload(ctx context.Context, item store.OutboxItem, a store.LocalAttachment) (store.Attachment, error)
}

// SenderOptions tunes the send pipeline. Zero values take defaults.
type SenderOptions struct {
	Backoff       Backoff
	MaxAttempts   int
	WriteTimeout  time.Duration
	// UploadTimeout bounds each attachment upload.
	UploadTimeout time.Duration
	AckTimeout    time.Duration
	Concurrency   int
}

func (o *SenderOptions) setDefaults() {
	if o.Backoff.Base <= 0 {
		o.Backoff.Base = DefaultBackoff.Base
	}
	if o.Backoff.Max <= 0 {
		o.Backoff.Max = DefaultBackoff.Max
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 8
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 15 * time.Second
	}
	if o.UploadTimeout <= 0 {
		o.UploadTimeout = 5 * time.Minute
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = time.Minute
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
}

// DrainResult summarizes one drain.
type DrainResult struct {
	Attempted int
	Written   int
	Failed    int
	Removed   int
	Skipped   int
}

func (r *DrainResult) add(o DrainResult) {
	r.Attempted += o.Attempted
	r.Written += o.Written
	r.Failed += o.Failed
	r.Removed += o.Removed
	r.Skipped += o.Skipped
}

// Sender drains the outbox: upload, then idempotent write, with backoff on
// failure. Conversations drain concurrently; items of one conversation are
// attempted in enqueue order.
type Sender struct {
	queue    *Queue
	uploader Uploader
	writer   Writer
	opts     SenderOptions
	bus      *bus.Bus
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewSender creates a send pipeline over queue.
func NewSender(queue *Queue, uploader Uploader, writer Writer, opts SenderOptions, b *bus.Bus, logger *zap.Logger) *Sender {
	opts.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		queue:    queue,
		uploader: uploader,
		writer:   writer,
		opts:     opts,
		bus:      b,
		logger:   logger,
		now:      time.Now,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Drain attempts every due item once. Per-item errors are recorded on the
// items; the returned error only reports that the outbox could not be read.
func (s *Sender) Drain(ctx context.Context) (DrainResult, error) {
	convs, err := s.queue.Conversations()
	if err != nil {
		return DrainResult{}, err
	}

	var (
		mu    sync.Mutex
		total DrainResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, conv := range convs {
		g.Go(func() error {
			res := s.drainConversation(gctx, conv)
			mu.Lock()
			total.add(res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return total, nil
}

// CancelConversation aborts in-flight uploads and writes of a conversation.
// Interrupted items are resumed by a later drain.
func (s *Sender) CancelConversation(conversationID string) {
	s.mu.Lock()
	cancel, ok := s.cancels[conversationID]
	s.mu.Unlock()
	if ok {
		s.logger.Info("cancelling in-flight sends", zap.String("conversation_id", conversationID))
		cancel()
	}
}

func (s *Sender) drainConversation(ctx context.Context, conversationID string) DrainResult {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancels[conversationID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, conversationID)
		s.mu.Unlock()
		cancel()
	}()

	var res DrainResult
	items, err := s.queue.ListPending(conversationID)
	if err != nil {
		s.logger.Error("failed to list outbox", zap.String("conversation_id", conversationID), zap.Error(err))
		return res
	}
	for _, item := range items {
		if ctx.Err() != nil {
			return res
		}
		if !s.due(item) {
			res.Skipped++
			continue
		}
		res.Attempted++
		switch s.process(ctx, item) {
		case outcomeWritten:
			res.Written++
		case outcomeFailed:
			res.Failed++
		case outcomeRemoved:
			res.Removed++
		}
	}
	return res
}

// due reports whether item should be attempted now.
func (s *Sender) due(item store.OutboxItem) bool {
	now := s.now()
	if item.Permanent {
		return false
	}
	if now.Before(item.NextRetryAt) {
		return false
	}
	// Written and awaiting confirmation; resend only once the ack timed out.
	if !item.WrittenAt.IsZero() && !item.Interrupted && now.Sub(item.WrittenAt) < s.opts.AckTimeout {
		return false
	}
	return true
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeWritten
	outcomeFailed
	outcomeRemoved
	outcomeInterrupted
)

func (s *Sender) process(ctx context.Context, item store.OutboxItem) outcome {
	log := s.logger.With(
		zap.String("message_id", item.MessageID),
		zap.String("conversation_id", item.ConversationID),
		zap.Int("attempt", item.AttemptCount+1))

	if item.State == store.StateFailed {
		if err := s.queue.UpdateState(item.MessageID, store.StateQueued, nil); err != nil {
			log.Error("failed to requeue", zap.Error(err))
			return outcomeNone
		}
	}

	if len(item.Pending) > 0 {
		if err := s.queue.UpdateState(item.MessageID, store.StateUploading, nil); err != nil {
			log.Error("failed to mark uploading", zap.Error(err))
			return outcomeNone
		}
		for _, local := range item.Pending {
			uctx, cancel := context.WithTimeout(ctx, s.opts.UploadTimeout)
			uploaded, err := s.uploader.Upload(uctx, item, local)
			cancel()
			if err != nil {
				return s.handleFailure(ctx, log, item, err)
			}
			if _, err := s.queue.SaveUploaded(item.MessageID, local.ID, uploaded); err != nil {
				log.Error("failed to save uploaded attachment", zap.Error(err))
				return outcomeNone
			}
			item.Attachments = append(item.Attachments, uploaded)
		}
		item.Pending = nil
	}

	if err := s.queue.UpdateState(item.MessageID, store.StateSending, nil); err != nil {
		log.Error("failed to mark sending", zap.Error(err))
		return outcomeNone
	}

	wctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	err := s.writer.Write(wctx, item.Message())
	cancel()
	if err != nil {
		return s.handleFailure(ctx, log, item, err)
	}

	if _, err := s.queue.MarkWritten(item.MessageID, s.now().UTC()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// The confirmation already arrived and removed the item.
			log.Info("message confirmed before write returned")
			return outcomeWritten
		}
		log.Error("failed to mark written", zap.Error(err))
		return outcomeNone
	}
	log.Info("message written, awaiting confirmation")
	s.bus.Emit(bus.OutboxWritten, Removal{MessageID: item.MessageID, ConversationID: item.ConversationID})
	return outcomeWritten
}

func (s *Sender) handleFailure(ctx context.Context, log *zap.Logger, item store.OutboxItem, err error) outcome {
	// The conversation was torn down or the daemon is stopping.
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		if merr := s.queue.MarkInterrupted(item.MessageID); merr != nil {
			log.Error("failed to mark interrupted", zap.Error(merr))
		}
		log.Info("send interrupted")
		return outcomeInterrupted
	}

	switch syncerr.Classify(err) {
	case syncerr.ClassConflict:
		log.Info("server already has message, removing from outbox")
		if rerr := s.queue.Remove(item.MessageID); rerr != nil && !errors.Is(rerr, store.ErrNotFound) {
			log.Error("failed to remove duplicate", zap.Error(rerr))
		}
		return outcomeRemoved

	case syncerr.ClassPermanent:
		log.Warn("message permanently rejected", zap.Error(err))
		if _, ferr := s.queue.Fail(item.MessageID, err, func(int) (time.Time, bool) {
			return time.Time{}, true
		}); ferr != nil {
			log.Error("failed to record failure", zap.Error(ferr))
		}
		return outcomeFailed
	}

	now := s.now().UTC()
	updated, ferr := s.queue.Fail(item.MessageID, err, func(attempt int) (time.Time, bool) {
		if attempt >= s.opts.MaxAttempts {
			return time.Time{}, true
		}
		return now.Add(s.opts.Backoff.Delay(attempt)), false
	})
	if ferr != nil {
		log.Error("failed to record failure", zap.Error(ferr))
		return outcomeFailed
	}
	if updated.Permanent {
		log.Warn("giving up after max attempts", zap.Error(err))
	} else {
		log.Warn("send failed, will retry",
			zap.Error(err),
			zap.Time("next_retry_at", updated.NextRetryAt))
	}
	return outcomeFailed
}

package api

import (
	"context"

	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/upload"
	"github.com/matheus3301/chatsync/internal/watermark"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// OutboxService queues messages and exposes the pending ones.
type OutboxService struct {
	queue     *outbox.Queue
	scheduler *outbox.Scheduler
	uploads   *upload.Coordinator
	identity  watermark.Identity
	logger    *zap.Logger
}

// NewOutboxService creates a new outbox service.
func NewOutboxService(queue *outbox.Queue, scheduler *outbox.Scheduler, uploads *upload.Coordinator, identity watermark.Identity, logger *zap.Logger) *OutboxService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutboxService{
		queue:     queue,
		scheduler: scheduler,
		uploads:   uploads,
		identity:  identity,
		logger:    logger,
	}
}

func (s *OutboxService) Send(_ context.Context, req *SendRequest) (*SendResponse, error) {
	self := s.identity.UserID()
	if self == "" {
		return nil, grpcstatus.Error(codes.Unauthenticated, "send: not logged in")
	}
	item, err := s.queue.Enqueue(outbox.Draft{
		MessageID:      req.MessageID,
		ConversationID: req.ConversationID,
		Scope:          req.Scope,
		SenderID:       self,
		Kind:           req.Kind,
		Text:           req.Text,
		ReplyTo:        req.ReplyTo,
		Attachments:    req.Attachments,
	})
	if err != nil {
		return nil, toStatus("send", err)
	}
	s.scheduler.Trigger(outbox.ReasonEnqueued)
	return &SendResponse{Item: s.itemToAPI(item)}, nil
}

func (s *OutboxService) ListPending(_ context.Context, req *ListPendingRequest) (*ListPendingResponse, error) {
	convs := []string{req.ConversationID}
	if req.ConversationID == "" {
		var err error
		if convs, err = s.queue.Conversations(); err != nil {
			return nil, toStatus("list pending", err)
		}
	}

	resp := &ListPendingResponse{Items: []OutboxItem{}}
	for _, conv := range convs {
		items, err := s.queue.ListPending(conv)
		if err != nil {
			return nil, toStatus("list pending", err)
		}
		for i := range items {
			resp.Items = append(resp.Items, s.itemToAPI(&items[i]))
		}
	}
	return resp, nil
}

func (s *OutboxService) Retry(_ context.Context, req *MessageRequest) (*OutboxItem, error) {
	if err := required("message_id", req.MessageID); err != nil {
		return nil, err
	}
	item, err := s.queue.Retry(req.MessageID)
	if err != nil {
		return nil, toStatus("retry", err)
	}
	s.scheduler.Trigger(outbox.ReasonManual)
	out := s.itemToAPI(item)
	return &out, nil
}

// Dismiss drops a failed message for good.
func (s *OutboxService) Dismiss(_ context.Context, req *MessageRequest) (*Empty, error) {
	if err := required("message_id", req.MessageID); err != nil {
		return nil, err
	}
	item, err := s.queue.Get(req.MessageID)
	if err != nil {
		return nil, toStatus("dismiss", err)
	}
	if item.State != store.StateFailed {
		return nil, grpcstatus.Errorf(codes.FailedPrecondition, "dismiss: message %s is %s, not failed", item.MessageID, item.State)
	}
	if err := s.queue.Remove(req.MessageID); err != nil {
		return nil, toStatus("dismiss", err)
	}
	s.uploads.Forget(req.MessageID)
	s.logger.Info("failed message dismissed", zap.String("message_id", req.MessageID))
	return &Empty{}, nil
}

func (s *OutboxService) Drain(_ context.Context, _ *Empty) (*DrainResponse, error) {
	started := s.scheduler.Trigger(outbox.ReasonManual)
	return &DrainResponse{Started: started, Running: s.scheduler.Running()}, nil
}

func (s *OutboxService) itemToAPI(item *store.OutboxItem) OutboxItem {
	return OutboxItem{
		MessageID:      item.MessageID,
		ConversationID: item.ConversationID,
		IdempotencyKey: item.IdempotencyKey(),
		Kind:           item.Kind,
		Text:           item.Text,
		State:          item.State,
		AttemptCount:   item.AttemptCount,
		NextRetryAt:    item.NextRetryAt,
		LastError:      item.LastError,
		Permanent:      item.Permanent,
		Interrupted:    item.Interrupted,
		WrittenAt:      item.WrittenAt,
		CreatedAt:      item.CreatedAt,
		PendingUploads: len(item.Pending),
		Uploads:        s.uploads.Progress(item.MessageID),
	}
}

package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/subscription"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/upload"
	"github.com/matheus3301/chatsync/internal/watermark"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// ConversationService opens conversations and serves their merged views.
type ConversationService struct {
	registry   *subscription.Registry
	engine     *intsync.Engine
	watermarks *watermark.Updater
	bus        *bus.Bus
	primeLimit int
	logger     *zap.Logger
}

// NewConversationService creates a new conversation service. primeLimit is
// how many mirrored messages are shown before the live window arrives.
func NewConversationService(registry *subscription.Registry, engine *intsync.Engine, watermarks *watermark.Updater, b *bus.Bus, primeLimit int, logger *zap.Logger) *ConversationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationService{
		registry:   registry,
		engine:     engine,
		watermarks: watermarks,
		bus:        b,
		primeLimit: primeLimit,
		logger:     logger,
	}
}

func (s *ConversationService) Open(_ context.Context, req *ConversationRequest) (*View, error) {
	if err := required("conversation_id", req.ConversationID); err != nil {
		return nil, err
	}
	if err := s.engine.Prime(req.ConversationID, s.primeLimit); err != nil {
		s.logger.Warn("failed to load mirrored messages", zap.String("conversation_id", req.ConversationID), zap.Error(err))
	}
	m, err := s.registry.Open(req.ConversationID)
	if err != nil {
		// The manager stays registered in Error; the caller sees the last view.
		s.logger.Warn("open failed", zap.String("conversation_id", req.ConversationID), zap.Error(err))
	}
	v := s.view(req.ConversationID, m)
	return &v, nil
}

func (s *ConversationService) Close(_ context.Context, req *ConversationRequest) (*CloseResponse, error) {
	if err := required("conversation_id", req.ConversationID); err != nil {
		return nil, err
	}
	return &CloseResponse{Closed: s.registry.Close(req.ConversationID)}, nil
}

func (s *ConversationService) View(_ context.Context, req *ConversationRequest) (*View, error) {
	m, err := s.manager(req)
	if err != nil {
		return nil, err
	}
	v := s.view(req.ConversationID, m)
	return &v, nil
}

func (s *ConversationService) LoadOlder(ctx context.Context, req *ConversationRequest) (*LoadOlderResponse, error) {
	m, err := s.manager(req)
	if err != nil {
		return nil, err
	}
	added, err := m.LoadOlder(ctx)
	if err != nil {
		return nil, toStatus("load older", err)
	}
	return &LoadOlderResponse{Added: added, View: s.view(req.ConversationID, m)}, nil
}

func (s *ConversationService) Refresh(_ context.Context, req *ConversationRequest) (*View, error) {
	m, err := s.manager(req)
	if err != nil {
		return nil, err
	}
	if err := m.Refresh(); err != nil {
		s.logger.Warn("refresh failed", zap.String("conversation_id", req.ConversationID), zap.Error(err))
	}
	v := s.view(req.ConversationID, m)
	return &v, nil
}

func (s *ConversationService) MarkRead(ctx context.Context, req *MarkReadRequest) (*MarkReadResponse, error) {
	if err := required("conversation_id", req.ConversationID); err != nil {
		return nil, err
	}
	at := req.At
	if at.IsZero() {
		v, ok := s.engine.View(req.ConversationID)
		if !ok {
			return nil, grpcstatus.Errorf(codes.FailedPrecondition, "mark read: conversation %s is not open", req.ConversationID)
		}
		at = newestConfirmed(v.Messages)
		if at.IsZero() {
			return &MarkReadResponse{}, nil
		}
	}
	advanced, err := s.watermarks.MarkRead(ctx, req.ConversationID, at)
	if err != nil {
		return nil, toStatus("mark read", err)
	}
	w, err := s.watermarks.Watermark(req.ConversationID)
	if err != nil {
		return nil, toStatus("mark read", err)
	}
	return &MarkReadResponse{Advanced: advanced, LastReadAt: w.LastReadAt}, nil
}

func (s *ConversationService) Peers(ctx context.Context, req *ConversationRequest) (*PeersResponse, error) {
	if err := required("conversation_id", req.ConversationID); err != nil {
		return nil, err
	}
	peers, err := s.watermarks.PeerWatermarks(ctx, req.ConversationID)
	if err != nil {
		return nil, toStatus("peers", err)
	}
	return &PeersResponse{Watermarks: peers}, nil
}

// Watch streams bus events, optionally limited to one conversation, until
// the client goes away.
func (s *ConversationService) Watch(req *WatchRequest, stream grpc.ServerStream) error {
	ch, unsub := s.bus.Subscribe("", 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			conv := conversationOf(evt.Payload)
			if req.ConversationID != "" && conv != req.ConversationID {
				continue
			}
			if err := stream.SendMsg(s.envelope(evt, conv)); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *ConversationService) envelope(evt bus.Event, conv string) *Event {
	out := &Event{
		ID:             uuid.NewString(),
		Kind:           evt.Kind,
		ConversationID: conv,
		OccurredAt:     evt.Timestamp,
	}
	payload := evt.Payload
	if v, ok := payload.(intsync.View); ok {
		payload = viewToAPI(v)
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			s.logger.Warn("failed to encode event payload", zap.String("kind", evt.Kind), zap.Error(err))
		} else {
			out.Payload = data
		}
	}
	return out
}

func (s *ConversationService) manager(req *ConversationRequest) (*subscription.Manager, error) {
	if err := required("conversation_id", req.ConversationID); err != nil {
		return nil, err
	}
	m, ok := s.registry.Get(req.ConversationID)
	if !ok {
		return nil, grpcstatus.Errorf(codes.NotFound, "conversation %s is not open", req.ConversationID)
	}
	return m, nil
}

// view combines the merged messages from the engine with the manager's
// current lifecycle state, which may be ahead of the last view event.
func (s *ConversationService) view(conversationID string, m *subscription.Manager) View {
	v, _ := s.engine.View(conversationID)
	v.ConversationID = conversationID
	if m != nil {
		snap := m.Snapshot()
		v.State = snap.State
		v.Cursor = snap.Cursor
		if snap.Err != nil {
			v.Error = snap.Err.Error()
		}
	}
	return viewToAPI(v)
}

func viewToAPI(v intsync.View) View {
	msgs := v.Messages
	if msgs == nil {
		msgs = []store.Message{}
	}
	return View{
		ConversationID: v.ConversationID,
		State:          v.State,
		Messages:       msgs,
		Cursor:         v.Cursor,
		Unread:         v.Unread,
		Error:          v.Error,
		UpdatedAt:      v.UpdatedAt,
	}
}

func newestConfirmed(msgs []store.Message) time.Time {
	var newest time.Time
	for _, m := range msgs {
		if !m.Pending() && m.ServerReceivedAt.After(newest) {
			newest = m.ServerReceivedAt
		}
	}
	return newest
}

// conversationOf extracts the conversation of a bus payload, or "".
func conversationOf(payload any) string {
	switch p := payload.(type) {
	case intsync.View:
		return p.ConversationID
	case subscription.Update:
		return p.ConversationID
	case store.OutboxItem:
		return p.ConversationID
	case outbox.StateChange:
		return p.ConversationID
	case outbox.Removal:
		return p.ConversationID
	case upload.Progress:
		return p.ConversationID
	case watermark.Advanced:
		return p.ConversationID
	}
	return ""
}

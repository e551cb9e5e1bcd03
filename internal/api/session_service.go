package api

import (
	"context"
	"time"

	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/subscription"
)

// SessionService reports daemon status and drives sign-in and connectivity.
type SessionService struct {
	profile   string
	startedAt time.Time
	machine   *status.Machine
	session   *auth.Session
	queue     *outbox.Queue
	keys      *outbox.KeyGenerator
	scheduler *outbox.Scheduler
	registry  *subscription.Registry
	db        *store.DB
	bus       *bus.Bus
}

// NewSessionService creates a new session service.
func NewSessionService(profile string, machine *status.Machine, session *auth.Session, queue *outbox.Queue, keys *outbox.KeyGenerator,
	scheduler *outbox.Scheduler, registry *subscription.Registry, db *store.DB, b *bus.Bus) *SessionService {
	return &SessionService{
		profile:   profile,
		startedAt: time.Now(),
		machine:   machine,
		session:   session,
		queue:     queue,
		keys:      keys,
		scheduler: scheduler,
		registry:  registry,
		db:        db,
		bus:       b,
	}
}

func (s *SessionService) Status(_ context.Context, _ *Empty) (*StatusResponse, error) {
	return s.status(), nil
}

func (s *SessionService) Login(_ context.Context, req *LoginRequest) (*StatusResponse, error) {
	if err := required("token", req.Token); err != nil {
		return nil, err
	}
	if err := s.session.Login(req.Token); err != nil {
		return nil, toStatus("login", err)
	}
	return s.status(), nil
}

func (s *SessionService) Logout(_ context.Context, _ *Empty) (*StatusResponse, error) {
	if err := s.session.Logout(); err != nil {
		return nil, toStatus("logout", err)
	}
	return s.status(), nil
}

func (s *SessionService) SetOnline(_ context.Context, req *SetOnlineRequest) (*StatusResponse, error) {
	if err := s.session.SetOnline(req.Online); err != nil {
		return nil, toStatus("set online", err)
	}
	return s.status(), nil
}

// Foreground announces that the app came to the foreground, which drains
// the outbox.
func (s *SessionService) Foreground(_ context.Context, _ *Empty) (*DrainResponse, error) {
	s.bus.Emit(bus.SessionForeground, nil)
	return &DrainResponse{Running: s.scheduler.Running()}, nil
}

func (s *SessionService) status() *StatusResponse {
	resp := &StatusResponse{
		Profile:  s.profile,
		State:    string(s.machine.Current()),
		Since:    s.machine.Since(),
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
		UserID:   s.session.UserID(),
		ClientID: s.keys.ClientID(),
		Online:   s.session.Online(),
		Open:     s.registry.Conversations(),
		Draining: s.scheduler.Running(),
		Dropped:  s.bus.Dropped(),
	}
	if counts, err := s.queue.Counts(); err == nil {
		resp.Pending = counts
	}
	if n, err := s.db.MessageCount(); err == nil {
		resp.Mirrored = n
	}
	return resp
}

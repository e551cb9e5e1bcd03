package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/status"
	"go.uber.org/zap"
)

// Drainer runs one pass over the outbox.
type Drainer interface {
	Drain(ctx context.Context) (DrainResult, error)
}

// Trigger reasons.
const (
	ReasonTimer      = "timer"
	ReasonForeground = "foreground"
	ReasonAuthReady  = "auth_ready"
	ReasonOnline     = "online"
	ReasonManual     = "manual"
	ReasonEnqueued   = "enqueued"
)

// DrainFinished is the payload of outbox.drain_finished events.
type DrainFinished struct {
	Reason   string
	Result   DrainResult
	Duration time.Duration
	Error    string
}

// SchedulerOptions tunes the scheduler. Zero values take defaults.
type SchedulerOptions struct {
	// Interval is the period of the timer trigger.
	Interval time.Duration
	// MinInterval is the minimum time between two drain starts.
	MinInterval time.Duration
}

// Scheduler invokes the drainer on external triggers. At most one drain runs
// at a time: a trigger during a drain, before MinInterval has passed since the
// last start, or while the gate is closed is dropped, not queued.
type Scheduler struct {
	drainer Drainer
	gate    func() bool
	opts    SchedulerOptions
	bus     *bus.Bus
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	stopped bool
	lastRun time.Time
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler. gate reports whether the session is
// authenticated and online; a nil gate is always open.
func NewScheduler(drainer Drainer, gate func() bool, opts SchedulerOptions, b *bus.Bus, logger *zap.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = 5 * time.Second
	}
	if gate == nil {
		gate = func() bool { return true }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		drainer: drainer,
		gate:    gate,
		opts:    opts,
		bus:     b,
		logger:  logger,
		now:     time.Now,
		ctx:     context.Background(),
	}
}

// Start begins listening for triggers until Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	ctx = s.ctx
	s.mu.Unlock()

	ch, unsub := s.bus.Subscribe("session.", 16)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsub()
		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Trigger(ReasonTimer)
			case evt := <-ch:
				s.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops listening and waits for a running drain to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.SessionStatusChanged:
		if change, ok := evt.Payload.(status.StatusChange); ok && change.To == status.Ready {
			s.Trigger(ReasonAuthReady)
		}
	case bus.SessionOnline:
		if online, ok := evt.Payload.(bool); ok && online {
			s.Trigger(ReasonOnline)
		}
	case bus.SessionForeground:
		s.Trigger(ReasonForeground)
	}
}

// Trigger starts a drain in the background and reports whether it did.
func (s *Scheduler) Trigger(reason string) bool {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Debug("drain already running, trigger dropped", zap.String("reason", reason))
		return false
	}
	if s.stopped || s.ctx.Err() != nil {
		s.mu.Unlock()
		return false
	}
	now := s.now()
	if !s.lastRun.IsZero() && now.Sub(s.lastRun) < s.opts.MinInterval {
		s.mu.Unlock()
		s.logger.Debug("drain throttled", zap.String("reason", reason))
		return false
	}
	if !s.gate() {
		s.mu.Unlock()
		s.logger.Debug("session not ready, trigger dropped", zap.String("reason", reason))
		return false
	}
	s.running = true
	s.lastRun = now
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(ctx, reason)
	return true
}

// Running reports whether a drain is in progress.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context, reason string) {
	defer s.wg.Done()
	start := time.Now()
	res, err := s.drainer.Drain(ctx)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	evt := DrainFinished{Reason: reason, Result: res, Duration: time.Since(start)}
	if err != nil {
		evt.Error = err.Error()
		s.logger.Error("drain failed", zap.String("reason", reason), zap.Error(err))
	} else if res.Attempted > 0 {
		s.logger.Info("drain finished",
			zap.String("reason", reason),
			zap.Int("attempted", res.Attempted),
			zap.Int("written", res.Written),
			zap.Int("failed", res.Failed),
			zap.Int("removed", res.Removed))
	}
	s.bus.Emit(bus.OutboxDrainFinished, evt)
}

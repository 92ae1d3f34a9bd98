package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Scheduler runs tickFn once on Start and then after every interval.
// The interval is re-read after each tick, so callers can adapt it.
type Scheduler struct {
	interval func() time.Duration
	tickFn   func(context.Context)
	log      *slog.Logger

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}
}

func New(interval time.Duration, tickFn func(context.Context)) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	return NewAdaptive(func() time.Duration { return interval }, tickFn)
}

// NewAdaptive builds a scheduler whose delay before the next tick is
// interval() evaluated at that moment.
func NewAdaptive(interval func() time.Duration, tickFn func(context.Context)) (*Scheduler, error) {
	if interval == nil {
		return nil, errors.New("interval must not be nil")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}
	return &Scheduler{
		interval: interval,
		tickFn:   tickFn,
		log:      slog.Default(),
		done:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}, nil
}

func (s *Scheduler) WithLogger(l *slog.Logger) *Scheduler {
	if l != nil {
		s.log = l
	}
	return s
}

func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		s.log.Info("scheduler started", "interval", s.next().String())

		s.safeTick(ctx)

		timer := time.NewTimer(s.next())
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				s.log.Info("scheduler stopping")
				return
			case <-s.wake:
				timer.Reset(s.next())
			case <-timer.C:
				s.safeTick(ctx)
				timer.Reset(s.next())
			}
		}
	}()

	return true
}

func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	s.log.Info("scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// Wake re-arms the pending timer with a freshly evaluated interval.
// It never blocks and is a no-op while stopped.
func (s *Scheduler) Wake() {
	if !s.running.Load() {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) next() time.Duration {
	d := s.interval()
	if d <= 0 {
		d = time.Second
	}
	return d
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler tick panic recovered", "panic", r)
		}
	}()

	start := time.Now()
	s.tickFn(ctx)
	s.log.Debug("scheduler tick completed", "duration_ms", time.Since(start).Milliseconds())
}

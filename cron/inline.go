package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-asyncop"
	"github.com/goliatone/go-asyncop/runner"
)

// InlineScheduler runs tasks on the calling goroutine. RunAt blocks for the
// delay through its sleep function, so it is meant for tests and explicitly
// synchronous operations.
type InlineScheduler struct {
	mu    sync.Mutex
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
	waits []time.Duration
}

var _ asyncop.Scheduler = (*InlineScheduler)(nil)

// InlineOption configures an InlineScheduler.
type InlineOption func(*InlineScheduler)

// WithInlineSleep replaces the blocking wait. Tests pass a no-op.
func WithInlineSleep(fn func(context.Context, time.Duration) error) InlineOption {
	return func(s *InlineScheduler) {
		if fn != nil {
			s.sleep = fn
		}
	}
}

// WithInlineClock overrides the time source used to compute delays.
func WithInlineClock(now func() time.Time) InlineOption {
	return func(s *InlineScheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// NewInlineScheduler builds a scheduler that sleeps with runner.SleepContext
// unless configured otherwise.
func NewInlineScheduler(opts ...InlineOption) *InlineScheduler {
	s := &InlineScheduler{now: time.Now, sleep: runner.SleepContext}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// NoSleep is a wait function that returns immediately.
func NoSleep(context.Context, time.Duration) error { return nil }

func (s *InlineScheduler) RunNow(ctx context.Context, task asyncop.Task, fn asyncop.TaskFunc) error {
	if fn == nil {
		return fmt.Errorf("task function cannot be nil")
	}
	return fn(ctx, task)
}

func (s *InlineScheduler) RunAt(ctx context.Context, task asyncop.Task, at time.Time, fn asyncop.TaskFunc) error {
	if fn == nil {
		return fmt.Errorf("task function cannot be nil")
	}
	wait := at.Sub(s.now())
	if wait < 0 {
		wait = 0
	}
	s.mu.Lock()
	s.waits = append(s.waits, wait)
	s.mu.Unlock()
	if err := s.sleep(ctx, wait); err != nil {
		return err
	}
	return fn(ctx, task)
}

// Waits returns the delays requested through RunAt, in order.
func (s *InlineScheduler) Waits() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration{}, s.waits...)
}

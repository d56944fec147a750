package cron

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/goliatone/go-asyncop"
	"github.com/goliatone/go-asyncop/runner"

	rcron "github.com/robfig/cron/v3"
)

// Logger is the subset of asyncop.Logger the scheduler writes to.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Scheduler runs recurring jobs on robfig/cron and one-shot tasks on timers.
// It implements asyncop.Scheduler: a task is armed on a timer goroutine and
// the caller returns immediately.
type Scheduler struct {
	mu           sync.Mutex
	cron         *rcron.Cron
	location     *time.Location
	errorHandler func(error)
	logger       Logger
	now          func() time.Time
	baseCtx      context.Context

	nextID  int64
	entries map[int64]*entry
	tasks   map[asyncop.Task]*entry
}

var _ asyncop.Scheduler = (*Scheduler)(nil)

// NewScheduler creates a new scheduler instance with the provided options.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		location: time.UTC,
		now:      time.Now,
		baseCtx:  context.Background(),
		entries:  make(map[int64]*entry),
		tasks:    make(map[asyncop.Task]*entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.errorHandler == nil {
		s.errorHandler = s.logError
	}

	cronOpts := []rcron.Option{
		rcron.WithLocation(s.location),
		rcron.WithChain(rcron.Recover(panicReporter{handler: s.errorHandler})),
	}
	if s.logger != nil {
		cronOpts = append(cronOpts, rcron.WithLogger(cronLogger{logger: s.logger}))
	}
	s.cron = rcron.New(cronOpts...)
	return s
}

// Location returns the zone cron expressions are evaluated in.
func (s *Scheduler) Location() *time.Location { return s.location }

// ScheduleCron schedules a recurring job by cron expression.
func (s *Scheduler) ScheduleCron(cfg JobConfig, job func(context.Context) error) (Handle, error) {
	if cfg.Expression == "" {
		return nil, fmt.Errorf("cron expression cannot be empty")
	}
	if job == nil {
		return nil, fmt.Errorf("job cannot be nil")
	}
	run := s.runnable(cfg, job)

	e := s.newEntry()
	cronID, err := s.cron.AddJob(cfg.Expression, rcron.FuncJob(func() {
		if e.finished() {
			return
		}
		e.set(ScheduleStatusRunning, nil)
		if err := run(); err != nil {
			e.set(ScheduleStatusFailed, err)
			s.errorHandler(err)
			return
		}
		if !e.finished() {
			e.set(ScheduleStatusIdle, nil)
		}
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to add job: %w", err)
	}
	e.cronID = int(cronID)

	s.mu.Lock()
	s.entries[e.id] = e
	s.mu.Unlock()
	return e, nil
}

// RunNow arms the task to run immediately on its own goroutine.
func (s *Scheduler) RunNow(ctx context.Context, task asyncop.Task, fn asyncop.TaskFunc) error {
	return s.RunAt(ctx, task, s.now(), fn)
}

// RunAt arms the task for the wake time. A task already armed for the same
// record and step is replaced.
func (s *Scheduler) RunAt(_ context.Context, task asyncop.Task, at time.Time, fn asyncop.TaskFunc) error {
	if fn == nil {
		return fmt.Errorf("task function cannot be nil")
	}
	e := s.newEntry()
	e.task = task

	s.mu.Lock()
	previous := s.tasks[task]
	s.tasks[task] = e
	s.entries[e.id] = e
	s.mu.Unlock()
	if previous != nil {
		previous.Cancel()
	}

	go s.arm(e, at, fn)
	if s.logger != nil {
		s.logger.Debug("task armed %s at %s", task, at.UTC().Format(time.RFC3339))
	}
	return nil
}

func (s *Scheduler) arm(e *entry, at time.Time, fn asyncop.TaskFunc) {
	wait := at.Sub(s.now())
	if wait < 0 {
		wait = 0
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-e.Done():
		return
	}
	if e.finished() {
		return
	}
	s.drop(e)

	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	e.set(ScheduleStatusRunning, nil)
	if err := fn(ctx, e.task); err != nil {
		e.finish(ScheduleStatusFailed, err)
		s.errorHandler(fmt.Errorf("task %s: %w", e.task, err))
		return
	}
	e.finish(ScheduleStatusCompleted, nil)
}

// Armed reports how many tasks are waiting on timers.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Start begins executing scheduled cron jobs. Jobs and tasks run with ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx != nil {
		s.mu.Lock()
		s.baseCtx = ctx
		s.mu.Unlock()
	}
	s.cron.Start()
	return nil
}

// Stop stops the cron loop, disarms pending tasks and marks every live
// handle stopped.
func (s *Scheduler) Stop(_ context.Context) error {
	<-s.cron.Stop().Done()

	s.mu.Lock()
	entries := s.entries
	s.entries = make(map[int64]*entry)
	s.tasks = make(map[asyncop.Task]*entry)
	s.mu.Unlock()

	for _, e := range entries {
		if e.cronID > 0 {
			s.cron.Remove(rcron.EntryID(e.cronID))
		}
		if !e.finished() {
			e.finish(ScheduleStatusStopped, nil)
		}
	}
	return nil
}

// drop forgets an entry and unregisters its cron job.
func (s *Scheduler) drop(e *entry) {
	s.mu.Lock()
	delete(s.entries, e.id)
	if e.task.RecordID != "" && s.tasks[e.task] == e {
		delete(s.tasks, e.task)
	}
	s.mu.Unlock()
	if e.cronID > 0 {
		s.cron.Remove(rcron.EntryID(e.cronID))
	}
}

func (s *Scheduler) newEntry() *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return &entry{
		scheduler: s,
		id:        s.nextID,
		status:    ScheduleStatusScheduled,
		done:      make(chan struct{}),
	}
}

func (s *Scheduler) runnable(cfg JobConfig, job func(context.Context) error) func() error {
	opts := []runner.Option{
		runner.WithMaxRetries(cfg.MaxRetries),
	}
	if s.logger != nil {
		opts = append(opts, runner.WithLogger(s.logger))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, runner.WithTimeout(cfg.Timeout))
	}
	h := runner.NewHandler(opts...)
	return func() error {
		s.mu.Lock()
		ctx := s.baseCtx
		s.mu.Unlock()
		return h.Run(ctx, job)
	}
}

func (s *Scheduler) logError(err error) {
	if s.logger != nil {
		s.logger.Error("scheduled job failed: %v", err)
		return
	}
	log.Printf("cron: %v", err)
}

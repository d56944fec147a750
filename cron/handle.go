package cron

import (
	"sync"

	"github.com/goliatone/go-asyncop"
)

// ScheduleStatus reports a schedule handle state.
type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "scheduled"
	ScheduleStatusRunning   ScheduleStatus = "running"
	ScheduleStatusIdle      ScheduleStatus = "idle"
	ScheduleStatusCompleted ScheduleStatus = "completed"
	ScheduleStatusCanceled  ScheduleStatus = "canceled"
	ScheduleStatusFailed    ScheduleStatus = "failed"
	ScheduleStatusStopped   ScheduleStatus = "stopped"
)

// Handle controls a recurring job.
type Handle interface {
	Cancel()
	Status() ScheduleStatus
	Err() error
	Done() <-chan struct{}
}

// entry backs both recurring jobs and armed tasks.
type entry struct {
	scheduler *Scheduler
	id        int64
	cronID    int
	task      asyncop.Task
	done      chan struct{}

	mu     sync.RWMutex
	status ScheduleStatus
	err    error
	once   sync.Once
}

func (e *entry) Cancel() {
	e.once.Do(func() {
		e.scheduler.drop(e)
		e.finish(ScheduleStatusCanceled, nil)
	})
}

func (e *entry) Status() ScheduleStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

func (e *entry) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}

func (e *entry) Done() <-chan struct{} { return e.done }

func (e *entry) set(status ScheduleStatus, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = status
	e.err = err
}

func (e *entry) finish(status ScheduleStatus, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.done:
		return
	default:
	}
	e.status = status
	e.err = err
	close(e.done)
}

func (e *entry) finished() bool {
	switch e.Status() {
	case ScheduleStatusCompleted, ScheduleStatusCanceled, ScheduleStatusFailed, ScheduleStatusStopped:
		return true
	default:
		return false
	}
}

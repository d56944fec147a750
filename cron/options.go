package cron

import (
	"fmt"
	"time"
)

// Option defines the functional option type for Scheduler
type Option func(*Scheduler)

// WithLocation sets the zone cron expressions are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithLogger sets the logger for scheduler and job output.
func WithLogger(logger Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithErrorHandler sets the handler called with failed job and task errors.
func WithErrorHandler(handler func(error)) Option {
	return func(s *Scheduler) {
		s.errorHandler = handler
	}
}

// WithClock overrides the time source used to compute timer delays.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// JobConfig defines how a recurring job runs.
type JobConfig struct {
	// Expression is a robfig/cron expression, e.g. "@every 1m".
	Expression string
	Timeout    time.Duration
	MaxRetries int
}

// cronLogger routes robfig/cron's own output to the scheduler logger.
// Its info lines are per-tick noise and go to debug.
type cronLogger struct {
	logger Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron %s %v", msg, keysAndValues)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron %s %v: %v", msg, keysAndValues, err)
}

// panicReporter hands panics recovered by robfig/cron to the error handler.
type panicReporter struct {
	handler func(error)
}

func (p panicReporter) Info(string, ...any) {}

func (p panicReporter) Error(err error, msg string, keysAndValues ...any) {
	if err == nil {
		err = fmt.Errorf("%s %v", msg, keysAndValues)
	}
	p.handler(err)
}

package runner

import "time"

// RetryStrategy encapsulates the delay between retries.
type RetryStrategy interface {
	// SleepDuration returns how long to wait before the next retry attempt.
	// The attempt index starts at 0, incrementing after each failure.
	SleepDuration(attempt int, err error) time.Duration
}

// NoDelayStrategy performs all retries immediately without waiting.
type NoDelayStrategy struct{}

// SleepDuration always returns zero, causing immediate retries.
func (n NoDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	return 0
}

// FixedDelayStrategy waits the same delay before every retry.
type FixedDelayStrategy struct {
	Delay time.Duration
}

func (f FixedDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	if f.Delay < 0 {
		return 0
	}
	return f.Delay
}

// TableStrategy reads delays from a table indexed by attempt and returns
// Fallback once the table is exhausted.
//
//	TableStrategy{
//	    Table:    []time.Duration{5 * time.Second, 10 * time.Second, 30 * time.Second},
//	    Fallback: 5 * time.Minute,
//	}
type TableStrategy struct {
	Table    []time.Duration
	Fallback time.Duration
}

func (t TableStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt < len(t.Table) {
		return t.Table[attempt]
	}
	return t.Fallback
}

// Exhausted reports whether attempt is past the end of the table.
func (t TableStrategy) Exhausted(attempt int) bool {
	return attempt >= len(t.Table)
}

package operation

import (
	"time"

	"github.com/goliatone/go-asyncop"
)

// Observer receives engine activity. Implementations must be safe for
// concurrent use.
type Observer interface {
	PhaseFinished(operation string, phase asyncop.Phase, kind asyncop.Kind, elapsed time.Duration)
	StatusChanged(operation string, from, to asyncop.Status)
	Restarted(operation string)
	Polled(operation string, state asyncop.RequestState)
	LedgerFlushed(operation string, result asyncop.BatchResult)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) PhaseFinished(string, asyncop.Phase, asyncop.Kind, time.Duration) {}
func (NopObserver) StatusChanged(string, asyncop.Status, asyncop.Status)              {}
func (NopObserver) Restarted(string)                                                  {}
func (NopObserver) Polled(string, asyncop.RequestState)                               {}
func (NopObserver) LedgerFlushed(string, asyncop.BatchResult)                         {}

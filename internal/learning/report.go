// internal/learning/report.go
package learning

import (
	"time"

	"github.com/lumix-ai/warp/internal/metrics"
)

// EpochReport - one finished base-phase epoch
type EpochReport struct {
	Epoch     int
	LR        float64
	TrainLoss float64
	TrainAcc  float64
	TestLoss  float64
	TestAcc   float64
	// Best is set when the epoch produced a new best checkpoint.
	Best    bool
	Elapsed time.Duration
}

// SessionReport - one session-level evaluation
type SessionReport struct {
	Session int
	Phase   string
	Row     metrics.AccuracyRow
	// Checkpoint is the file written for this result, if any.
	Checkpoint string
}

// Reporter receives progress events. Implementations must not block the caller.
type Reporter interface {
	Epoch(r EpochReport)
	Session(r SessionReport)
}

type nopReporter struct{}

func (nopReporter) Epoch(EpochReport)     {}
func (nopReporter) Session(SessionReport) {}

// NopReporter discards every event.
var NopReporter Reporter = nopReporter{}

func reporterOrNop(r Reporter) Reporter {
	if r == nil {
		return NopReporter
	}
	return r
}

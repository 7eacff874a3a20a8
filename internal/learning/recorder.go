// internal/learning/recorder.go
package learning

import (
	"context"
	"fmt"

	"github.com/lumix-ai/warp/internal/core"
	"github.com/lumix-ai/warp/internal/evaluation"
	"github.com/lumix-ai/warp/internal/metrics"
	"github.com/lumix-ai/warp/internal/model"
	"github.com/rs/zerolog/log"
)

// SessionRecorder evaluates a session's state on all seen classes and records the result
// as one accuracy-table row and the session's max accuracy.
type SessionRecorder struct {
	Engine   model.Engine
	Metrics  *metrics.Store
	Scope    *evaluation.ScopeTracker
	Reporter Reporter
}

// Record returns the table row; row.Acc is the stored (rounded) session accuracy.
func (r *SessionRecorder) Record(ctx context.Context, state core.ModelState, data *model.SessionData,
	metric model.HeadMetric, phase string) (metrics.AccuracyRow, error) {

	ev, err := r.Engine.Evaluate(ctx, state, data.Test, metric)
	if err != nil {
		return metrics.AccuracyRow{}, fmt.Errorf("session %d evaluation: %w", data.Session, err)
	}
	if !finite(ev.Loss) {
		return metrics.AccuracyRow{}, fmt.Errorf("session %d evaluation: %w", data.Session, ErrNonFiniteLoss)
	}
	if r.Scope != nil {
		if err := r.Scope.Observe(data.Session, ev.Classes); err != nil {
			return metrics.AccuracyRow{}, err
		}
	}
	row, err := evaluation.Breakdown(ev, data.Session, data.BaseClasses)
	if err != nil {
		return metrics.AccuracyRow{}, err
	}
	stored, err := r.Metrics.SetMaxAcc(data.Session, ev.Acc*100)
	if err != nil {
		return metrics.AccuracyRow{}, err
	}
	row.Acc = stored
	if err := r.Metrics.AppendAccuracy(row); err != nil {
		return metrics.AccuracyRow{}, err
	}

	log.Info().
		Int("session", data.Session).
		Str("phase", phase).
		Str("metric", metric.String()).
		Float64("acc", stored).
		Float64("base_acc", row.BaseAcc).
		Float64("new_acc", row.NewAcc).
		Msg("Session evaluated")
	return row, nil
}

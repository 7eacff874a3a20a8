// internal/learning/base_trainer.go
package learning

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/lumix-ai/warp/internal/checkpoint"
	"github.com/lumix-ai/warp/internal/core"
	"github.com/lumix-ai/warp/internal/metrics"
	"github.com/lumix-ai/warp/internal/model"
	"github.com/lumix-ai/warp/internal/optim"
	"github.com/lumix-ai/warp/internal/warp"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
)

// ErrNonFiniteLoss is returned when the engine reports a NaN or infinite loss.
var ErrNonFiniteLoss = errors.New("non-finite loss")

// MaskFunc computes the importance mask of a state that continues into later sessions, so
// the mask can be written with that state's checkpoint.
type MaskFunc func(ctx context.Context, state core.ModelState) (*warp.Mask, error)

// BaseTrainer - supervised epoch loop over the base session with best-checkpoint tracking
type BaseTrainer struct {
	Engine      model.Engine
	Checkpoints *checkpoint.Manager
	Metrics     *metrics.Store
	Reporter    Reporter

	Epochs    int
	Metric    model.HeadMetric
	Optimizer *optim.SGD
	Scheduler optim.Scheduler
	// Progress receives the epoch progress bar; nil means stderr.
	Progress io.Writer
	// Mask, when set, runs on the last epoch's state before session0_last_epoch is written.
	Mask MaskFunc
}

// Train runs Epochs passes over data.Train and returns the last epoch's state.
//
// After each evaluation the state is checkpointed as session0_max_acc when its accuracy is
// greater than or equal to the best so far; ties go to the later epoch. The schedule
// advances once per epoch after evaluation, and session0_last_epoch is written once at the end.
func (t *BaseTrainer) Train(ctx context.Context, state core.ModelState, data *model.SessionData) (core.ModelState, error) {
	if t.Epochs <= 0 {
		return state, nil
	}
	reporter := reporterOrNop(t.Reporter)
	out := t.Progress
	if out == nil {
		out = os.Stderr
	}
	bar := progressbar.NewOptions(t.Epochs,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription("base session"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
	defer bar.Finish()

	train := data.Train.WithTransform(model.TransformTrain)
	for epoch := 0; epoch < t.Epochs; epoch++ {
		start := time.Now()
		lr := t.Scheduler.LastLR()

		next, stats, err := t.Engine.TrainEpoch(ctx, state, train, t.Optimizer, epoch)
		if err != nil {
			return nil, fmt.Errorf("base epoch %d: %w", epoch, err)
		}
		if !finite(stats.Loss) {
			return nil, fmt.Errorf("base epoch %d training: %w", epoch, ErrNonFiniteLoss)
		}
		state = next

		ev, err := t.Engine.Evaluate(ctx, state, data.Test, t.Metric)
		if err != nil {
			return nil, fmt.Errorf("base epoch %d evaluation: %w", epoch, err)
		}
		if !finite(ev.Loss) {
			return nil, fmt.Errorf("base epoch %d evaluation: %w", epoch, ErrNonFiniteLoss)
		}

		best := false
		if pct := ev.Acc * 100; pct >= t.Metrics.MaxAcc(0) {
			t.Metrics.SetMaxAccEpoch(epoch)
			stored, err := t.Metrics.SetMaxAcc(0, pct)
			if err != nil {
				return nil, err
			}
			path, err := t.Checkpoints.Save(state, checkpoint.Record{
				Session: 0, Variant: checkpoint.MaxAcc, Epoch: epoch, Acc: stored,
			})
			if err != nil {
				return nil, err
			}
			t.Checkpoints.SetBest(state, epoch, stored)
			best = true
			log.Info().Int("epoch", epoch).Float64("acc", stored).Str("path", path).Msg("A better model is found")
		}

		if err := t.Metrics.AppendEpoch(metrics.EpochRecord{
			Epoch:     epoch,
			LR:        lr,
			TrainLoss: stats.Loss,
			TrainAcc:  stats.Acc,
			TestLoss:  ev.Loss,
			TestAcc:   ev.Acc,
		}); err != nil {
			return nil, err
		}
		t.Scheduler.Step()

		elapsed := time.Since(start)
		reporter.Epoch(EpochReport{
			Epoch: epoch, LR: lr,
			TrainLoss: stats.Loss, TrainAcc: stats.Acc,
			TestLoss: ev.Loss, TestAcc: ev.Acc,
			Best: best, Elapsed: elapsed,
		})
		bar.Add(1)
		log.Debug().
			Int("epoch", epoch).
			Float64("best_acc", t.Metrics.MaxAcc(0)).
			Int("best_epoch", t.Metrics.Log().MaxAccEpoch).
			Msgf("This epoch takes %d seconds, still need around %.2f mins to finish this session",
				int(elapsed.Seconds()), elapsed.Seconds()*float64(t.Epochs-epoch)/60)
	}

	lg := t.Metrics.Log()
	t.Metrics.AddLine(fmt.Sprintf("Session 0, Test Best Epoch %d,\nbest test Acc %.4f", lg.MaxAccEpoch, lg.MaxAcc[0]))
	var mask *warp.Mask
	if t.Mask != nil {
		var err error
		if mask, err = t.Mask(ctx, state); err != nil {
			return nil, err
		}
	}
	if _, err := t.Checkpoints.Save(state, checkpoint.Record{
		Session: 0, Variant: checkpoint.LastEpoch, Epoch: t.Epochs - 1, Acc: lg.MaxAcc[0], Mask: mask,
	}); err != nil {
		return nil, err
	}
	// the last epoch, not the best one, continues into later phases
	t.Checkpoints.SetBest(state, t.Epochs-1, lg.MaxAcc[0])
	return state, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

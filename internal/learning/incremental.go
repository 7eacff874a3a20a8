// internal/learning/incremental.go
package learning

import (
	"context"
	"errors"
	"fmt"

	"github.com/lumix-ai/warp/internal/checkpoint"
	"github.com/lumix-ai/warp/internal/config"
	"github.com/lumix-ai/warp/internal/core"
	"github.com/lumix-ai/warp/internal/model"
	"github.com/lumix-ai/warp/internal/warp"
	"github.com/rs/zerolog/log"
)

// ErrNoMask is returned when a fine-tuning strategy runs without an importance mask.
var ErrNoMask = errors.New("fine-tuning strategy needs an importance mask")

// AdaptContext - collaborators and settings a Strategy may use
type AdaptContext struct {
	Engine     model.Engine
	Prototypes *PrototypeInitializer
	Mask       *warp.Mask
	FineTune   model.FineTuneParams
}

// Strategy - how a session adapts the model once the new classes have prototype rows
type Strategy interface {
	Name() string
	RequiresMask() bool
	Adapt(ctx context.Context, ac AdaptContext, state core.ModelState, data *model.SessionData) (core.ModelState, error)
}

var strategies = map[config.Adaptation]Strategy{
	config.PrototypeOnly:          PrototypeStrategy{},
	config.FineTune:               FineTuneStrategy{},
	config.FineTuneWithFeatureAvg: FineTuneStrategy{Reaverage: true},
}

// StrategyFor returns the strategy of an adaptation kind.
func StrategyFor(a config.Adaptation) (Strategy, error) {
	s, ok := strategies[a]
	if !ok {
		return nil, fmt.Errorf("no strategy for adaptation %s", a)
	}
	return s, nil
}

// PrototypeStrategy keeps the backbone fixed; the prototype rows are the whole update.
type PrototypeStrategy struct{}

func (PrototypeStrategy) Name() string       { return "prototype" }
func (PrototypeStrategy) RequiresMask() bool { return false }

func (PrototypeStrategy) Adapt(_ context.Context, _ AdaptContext, state core.ModelState, _ *model.SessionData) (core.ModelState, error) {
	return state, nil
}

// FineTuneStrategy fine-tunes the protected layers under the importance mask, then snaps the
// protected coefficients back to their pre-fine-tune values. With Reaverage the new classes'
// prototypes are recomputed on the restored backbone.
type FineTuneStrategy struct {
	Reaverage bool
}

func (s FineTuneStrategy) Name() string {
	if s.Reaverage {
		return "finetune+avg"
	}
	return "finetune"
}

func (FineTuneStrategy) RequiresMask() bool { return true }

func (s FineTuneStrategy) Adapt(ctx context.Context, ac AdaptContext, state core.ModelState, data *model.SessionData) (core.ModelState, error) {
	if ac.Mask == nil {
		return nil, ErrNoMask
	}
	if err := ac.Mask.Verify(state); err != nil {
		return nil, err
	}

	pre := state.Clone()
	params := ac.FineTune
	params.Classes = data.SeenClasses
	params.Protection = ac.Mask
	tuned, err := ac.Engine.FineTune(ctx, state, data.Train.WithTransform(model.TransformEval), params)
	if err != nil {
		return nil, fmt.Errorf("fine-tune: %w", err)
	}
	restored, err := ac.Mask.Restore(pre, tuned)
	if err != nil {
		return nil, fmt.Errorf("restore protected weights: %w", err)
	}
	if !s.Reaverage {
		return restored, nil
	}
	return ac.Prototypes.Replace(ctx, restored, data.Train, data.NewClasses)
}

// IncrementalAdapter runs one few-shot session: prototype rows for the new classes, the
// strategy's adaptation, evaluation on all seen classes, and an unconditional checkpoint.
type IncrementalAdapter struct {
	Adapt       AdaptContext
	Strategy    Strategy
	Metric      model.HeadMetric
	Recorder    *SessionRecorder
	Checkpoints *checkpoint.Manager
}

func (a *IncrementalAdapter) Run(ctx context.Context, state core.ModelState, data *model.SessionData) (core.ModelState, error) {
	if data.Session < 1 {
		return nil, fmt.Errorf("incremental adapter cannot run session %d", data.Session)
	}
	log.Info().
		Int("session", data.Session).
		Ints("new_classes", data.NewClasses).
		Str("strategy", a.Strategy.Name()).
		Msg("Training session")

	state, err := a.Adapt.Prototypes.Replace(ctx, state, data.Train, data.NewClasses)
	if err != nil {
		return nil, fmt.Errorf("session %d: %w", data.Session, err)
	}
	state, err = a.Strategy.Adapt(ctx, a.Adapt, state, data)
	if err != nil {
		return nil, fmt.Errorf("session %d: %w", data.Session, err)
	}

	row, err := a.Recorder.Record(ctx, state, data, a.Metric, a.Strategy.Name())
	if err != nil {
		return nil, err
	}
	path, err := a.Checkpoints.Save(state, checkpoint.Record{
		Session: data.Session, Variant: checkpoint.MaxAcc, Acc: row.Acc, Mask: a.Adapt.Mask,
	})
	if err != nil {
		return nil, err
	}
	a.Recorder.Metrics.AddLine(fmt.Sprintf("Session %d, test Acc %.3f", data.Session, row.Acc))
	reporterOrNop(a.Recorder.Reporter).Session(SessionReport{
		Session: data.Session, Phase: "incremental", Row: row, Checkpoint: path,
	})
	return state, nil
}

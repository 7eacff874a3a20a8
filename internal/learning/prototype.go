// internal/learning/prototype.go
package learning

import (
	"context"
	"fmt"

	"github.com/lumix-ai/warp/internal/checkpoint"
	"github.com/lumix-ai/warp/internal/core"
	"github.com/lumix-ai/warp/internal/model"
	"github.com/lumix-ai/warp/internal/warp"
	"github.com/rs/zerolog/log"
)

// PrototypeInitializer replaces head rows with class-mean embeddings of a frozen backbone.
type PrototypeInitializer struct {
	Engine model.Engine
}

// Replace sets the head rows of classes from train, always under the evaluation transform.
// The backbone is returned unchanged.
func (p *PrototypeInitializer) Replace(ctx context.Context, state core.ModelState, train model.Dataset, classes []int) (core.ModelState, error) {
	next, err := p.Engine.SetPrototypes(ctx, state, train.WithTransform(model.TransformEval), classes)
	if err != nil {
		return nil, fmt.Errorf("replace head: %w", err)
	}
	return next, nil
}

// Refine pairs the best backbone with embedding prototypes after base training: the head of
// the finalized state is replaced, the in-memory best is reloaded and replaced again, and the
// result is saved as session0_max_acc_replace_head, with the mask from maskFn when it is set,
// and recorded as the new best.
func (p *PrototypeInitializer) Refine(ctx context.Context, state core.ModelState, data *model.SessionData,
	ckpts *checkpoint.Manager, maskFn MaskFunc) (core.ModelState, error) {

	replaced, err := p.Replace(ctx, state, data.Train, data.NewClasses)
	if err != nil {
		return nil, err
	}
	best, epoch, ok := ckpts.Best()
	if ok {
		if err := best.CheckCompatible(replaced); err != nil {
			return nil, fmt.Errorf("reload best state: %w", err)
		}
		replaced = best
	}
	refined, err := p.Replace(ctx, replaced, data.Train, data.NewClasses)
	if err != nil {
		return nil, err
	}
	var mask *warp.Mask
	if maskFn != nil {
		if mask, err = maskFn(ctx, refined); err != nil {
			return nil, err
		}
	}
	path, err := ckpts.Save(refined, checkpoint.Record{Session: 0, Variant: checkpoint.MaxAccReplaceHead, Mask: mask})
	if err != nil {
		return nil, err
	}
	ckpts.SetBest(refined, epoch, ckpts.BestAcc())
	log.Info().Str("path", path).Msg("Replaced the fc with average embedding")
	return refined, nil
}

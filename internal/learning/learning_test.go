// internal/learning/learning_test.go
package learning

import (
	"context"
	"errors"
	"io"
	"math"
	"os"
	"testing"

	"github.com/lumix-ai/warp/internal/checkpoint"
	"github.com/lumix-ai/warp/internal/config"
	"github.com/lumix-ai/warp/internal/core"
	"github.com/lumix-ai/warp/internal/evaluation"
	"github.com/lumix-ai/warp/internal/metrics"
	"github.com/lumix-ai/warp/internal/model"
	"github.com/lumix-ai/warp/internal/optim"
	"github.com/lumix-ai/warp/internal/warp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	engine   *fakeEngine
	ckpts    *checkpoint.Manager
	store    *metrics.Store
	reporter *recordingReporter
}

func newFixture(t *testing.T, accs ...float64) *fixture {
	t.Helper()
	ckpts, err := checkpoint.NewManager(t.TempDir(), 4)
	require.NoError(t, err)
	store, err := metrics.NewStore(5, "")
	require.NoError(t, err)
	return &fixture{
		engine:   &fakeEngine{accs: accs, loss: 1.5},
		ckpts:    ckpts,
		store:    store,
		reporter: &recordingReporter{},
	}
}

func (f *fixture) trainer(epochs int) *BaseTrainer {
	opt := optim.NewSGD(0.1, 0.9, 0, true)
	return &BaseTrainer{
		Engine:      f.engine,
		Checkpoints: f.ckpts,
		Metrics:     f.store,
		Reporter:    f.reporter,
		Epochs:      epochs,
		Metric:      model.Cosine,
		Optimizer:   opt,
		Scheduler:   optim.NewStepLR(opt, 2, 0.1),
		Progress:    io.Discard,
	}
}

func (f *fixture) recorder() *SessionRecorder {
	return &SessionRecorder{Engine: f.engine, Metrics: f.store, Scope: evaluation.NewScopeTracker(), Reporter: f.reporter}
}

func TestBaseTrainerLaterEpochWinsTies(t *testing.T) {
	f := newFixture(t, 0.5, 0.75, 0.75, 0.625)
	init := f.engine.Init(1)

	final, err := f.trainer(4).Train(context.Background(), init, sessionData(0))
	require.NoError(t, err)

	lg := f.store.Log()
	assert.Equal(t, 2, lg.MaxAccEpoch)
	assert.Equal(t, 75.0, lg.MaxAcc[0])
	assert.Len(t, lg.TrainLoss, 4)

	// final state is the last epoch, four increments past init
	assert.Equal(t, init[weightName].Data[0]+4, final[weightName].Data[0])

	ck, err := f.ckpts.Load(f.ckpts.Path(0, checkpoint.MaxAcc), init)
	require.NoError(t, err)
	assert.Equal(t, 2, ck.Epoch)
	assert.Equal(t, init[weightName].Data[0]+3, ck.Params[weightName].Data[0])

	last, err := f.ckpts.Load(f.ckpts.Path(0, checkpoint.LastEpoch), init)
	require.NoError(t, err)
	assert.True(t, last.Params.Equal(final))

	best, _, ok := f.ckpts.Best()
	require.True(t, ok)
	assert.True(t, best.Equal(final), "the last epoch continues, not the best one")

	lines := f.store.Lines()
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], "epoch:000,lr:0.1000")
	assert.Contains(t, lines[2], "epoch:002,lr:0.0100", "schedule steps after each epoch")
	assert.Equal(t, "Session 0, Test Best Epoch 2,\nbest test Acc 75.0000", lines[4])

	require.Len(t, f.reporter.epochs, 4)
	assert.True(t, f.reporter.epochs[2].Best)
	assert.False(t, f.reporter.epochs[3].Best)
	assert.Equal(t, []model.HeadMetric{model.Cosine, model.Cosine, model.Cosine, model.Cosine}, f.engine.metrics)
}

func TestBaseTrainerFirstEpochAlwaysSaved(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.trainer(1).Train(context.Background(), f.engine.Init(1), sessionData(0))
	require.NoError(t, err)
	_, err = os.Stat(f.ckpts.Path(0, checkpoint.MaxAcc))
	assert.NoError(t, err, "0 >= 0 still counts as a best")
}

func TestBaseTrainerNonFiniteLoss(t *testing.T) {
	f := newFixture(t, 0.5)
	f.engine.loss = math.NaN()
	_, err := f.trainer(3).Train(context.Background(), f.engine.Init(1), sessionData(0))
	assert.ErrorIs(t, err, ErrNonFiniteLoss)
	_, statErr := os.Stat(f.ckpts.Path(0, checkpoint.LastEpoch))
	assert.True(t, os.IsNotExist(statErr))
}

func TestBaseTrainerZeroEpochs(t *testing.T) {
	f := newFixture(t)
	init := f.engine.Init(1)
	out, err := f.trainer(0).Train(context.Background(), init, sessionData(0))
	require.NoError(t, err)
	assert.True(t, out.Equal(init))
	assert.Zero(t, f.engine.evalCalls)
}

func TestRefineReplacesTwiceAndSaves(t *testing.T) {
	f := newFixture(t, 0.25, 0.5)
	ctx := context.Background()
	data := sessionData(0)
	final, err := f.trainer(2).Train(ctx, f.engine.Init(1), data)
	require.NoError(t, err)

	p := &PrototypeInitializer{Engine: f.engine}
	refined, err := p.Refine(ctx, final, data, f.ckpts, nil)
	require.NoError(t, err)

	require.Len(t, f.engine.protoClasses, 2)
	for i := range f.engine.protoClasses {
		assert.Equal(t, data.NewClasses, f.engine.protoClasses[i])
		assert.Equal(t, model.TransformEval, f.engine.protoTransforms[i])
	}
	assert.Equal(t, final.Fingerprint("encoder."), refined.Fingerprint("encoder."))
	assert.Equal(t, final[weightName].Data[0], refined[headName].Row(3)[0])

	ck, err := f.ckpts.Load(f.ckpts.Path(0, checkpoint.MaxAccReplaceHead), final)
	require.NoError(t, err)
	assert.True(t, ck.Params.Equal(refined))
	best, _, _ := f.ckpts.Best()
	assert.True(t, best.Equal(refined))
}

func TestRefineStoresMaskWithReplacedHead(t *testing.T) {
	f := newFixture(t, 0.25, 0.5)
	ctx := context.Background()
	data := sessionData(0)
	final, err := f.trainer(2).Train(ctx, f.engine.Init(1), data)
	require.NoError(t, err)
	_, bestEpoch, _ := f.ckpts.Best()

	mask, _ := analyse(t, f)
	var seen []uint64
	maskFn := func(_ context.Context, st core.ModelState) (*warp.Mask, error) {
		seen = append(seen, st.Fingerprint(""))
		return mask, nil
	}
	p := &PrototypeInitializer{Engine: f.engine}
	refined, err := p.Refine(ctx, final, data, f.ckpts, maskFn)
	require.NoError(t, err)

	assert.Equal(t, []uint64{refined.Fingerprint("")}, seen)
	ck, err := f.ckpts.Load(f.ckpts.Path(0, checkpoint.MaxAccReplaceHead), final)
	require.NoError(t, err)
	_, err = ck.Mask()
	assert.NoError(t, err)
	_, epoch, _ := f.ckpts.Best()
	assert.Equal(t, bestEpoch, epoch)
}

func TestBaseTrainerStoresMaskWithLastEpoch(t *testing.T) {
	f := newFixture(t, 0.25, 0.5)
	mask, _ := analyse(t, f)
	var seen []uint64
	tr := f.trainer(2)
	tr.Mask = func(_ context.Context, st core.ModelState) (*warp.Mask, error) {
		seen = append(seen, st.Fingerprint(""))
		return mask, nil
	}
	init := f.engine.Init(1)
	final, err := tr.Train(context.Background(), init, sessionData(0))
	require.NoError(t, err)

	assert.Equal(t, []uint64{final.Fingerprint("")}, seen)
	last, err := f.ckpts.Load(f.ckpts.Path(0, checkpoint.LastEpoch), init)
	require.NoError(t, err)
	_, err = last.Mask()
	assert.NoError(t, err)
	best, err := f.ckpts.Load(f.ckpts.Path(0, checkpoint.MaxAcc), init)
	require.NoError(t, err)
	_, err = best.Mask()
	assert.ErrorIs(t, err, checkpoint.ErrNoMask)
}

func TestBaseTrainerMaskError(t *testing.T) {
	f := newFixture(t, 0.5)
	tr := f.trainer(1)
	boom := errors.New("analysis failed")
	tr.Mask = func(context.Context, core.ModelState) (*warp.Mask, error) { return nil, boom }
	_, err := tr.Train(context.Background(), f.engine.Init(1), sessionData(0))
	assert.ErrorIs(t, err, boom)
	_, statErr := os.Stat(f.ckpts.Path(0, checkpoint.LastEpoch))
	assert.True(t, os.IsNotExist(statErr))
}

func TestStrategyFor(t *testing.T) {
	s, err := StrategyFor(config.PrototypeOnly)
	require.NoError(t, err)
	assert.False(t, s.RequiresMask())

	s, err = StrategyFor(config.FineTune)
	require.NoError(t, err)
	assert.True(t, s.RequiresMask())
	assert.Equal(t, "finetune", s.Name())

	s, err = StrategyFor(config.FineTuneWithFeatureAvg)
	require.NoError(t, err)
	assert.Equal(t, "finetune+avg", s.Name())

	_, err = StrategyFor(config.Adaptation(42))
	assert.Error(t, err)
}

func (f *fixture) adapter(t *testing.T, a config.Adaptation, mask *warp.Mask) *IncrementalAdapter {
	t.Helper()
	strategy, err := StrategyFor(a)
	require.NoError(t, err)
	return &IncrementalAdapter{
		Adapt: AdaptContext{
			Engine:     f.engine,
			Prototypes: &PrototypeInitializer{Engine: f.engine},
			Mask:       mask,
			FineTune:   model.FineTuneParams{LR: 0.01, Epochs: 2, Metric: model.Cosine},
		},
		Strategy:    strategy,
		Metric:      model.Cosine,
		Recorder:    f.recorder(),
		Checkpoints: f.ckpts,
	}
}

func analyse(t *testing.T, f *fixture) (*warp.Mask, *warp.Analyzer) {
	t.Helper()
	a := warp.NewAnalyzer(fakeSource{})
	state := f.engine.Init(1)
	basis, err := a.ComputeBasis(context.Background(), state, nil)
	require.NoError(t, err)
	mask, err := a.IdentifyImportance(context.Background(), state, basis, nil, 0.5)
	require.NoError(t, err)
	return mask, a
}

func TestIncrementalPrototypeSession(t *testing.T) {
	f := newFixture(t, 0.625)
	data := sessionData(1)
	state := f.engine.Init(1)

	out, err := f.adapter(t, config.PrototypeOnly, nil).Run(context.Background(), state, data)
	require.NoError(t, err)

	assert.Equal(t, [][]int{{4, 5}}, f.engine.protoClasses)
	assert.Equal(t, model.TransformEval, f.engine.protoTransforms[0])
	assert.Empty(t, f.engine.fineTunes)
	assert.Equal(t, state.Fingerprint("encoder."), out.Fingerprint("encoder."))

	ck, err := f.ckpts.Load(f.ckpts.Path(1, checkpoint.MaxAcc), state)
	require.NoError(t, err)
	assert.True(t, ck.Params.Equal(out))

	rows := f.store.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].Session)
	assert.Equal(t, 62.5, rows[0].Acc)
	assert.Equal(t, 62.5, f.store.MaxAcc(1))
	assert.Equal(t, []string{"Session 1, test Acc 62.500"}, f.store.Lines())
	require.Len(t, f.reporter.sessions, 1)
	assert.Equal(t, ck.Path, f.reporter.sessions[0].Checkpoint)
}

func TestIncrementalFineTuneKeepsProtectedCoefficients(t *testing.T) {
	for _, a := range []config.Adaptation{config.FineTune, config.FineTuneWithFeatureAvg} {
		t.Run(a.String(), func(t *testing.T) {
			f := newFixture(t, 0.5)
			mask, _ := analyse(t, f)
			state := f.engine.Init(1)

			out, err := f.adapter(t, a, mask).Run(context.Background(), state, sessionData(1))
			require.NoError(t, err)

			require.Len(t, f.engine.fineTunes, 1)
			ft := f.engine.fineTunes[0]
			assert.Equal(t, sessionData(1).SeenClasses, ft.Classes)
			assert.Same(t, mask, ft.Protection)
			assert.Equal(t, model.TransformEval, f.engine.ftTransforms[0])

			assert.NoError(t, mask.Verify(out), "protected coefficients are restored")
			assert.NotEqual(t, state.Fingerprint(weightName), out.Fingerprint(weightName), "free directions moved")

			wantProtos := 1
			if a == config.FineTuneWithFeatureAvg {
				wantProtos = 2
			}
			assert.Len(t, f.engine.protoClasses, wantProtos)
		})
	}
}

func TestIncrementalFineTuneNeedsMask(t *testing.T) {
	f := newFixture(t, 0.5)
	_, err := f.adapter(t, config.FineTune, nil).Run(context.Background(), f.engine.Init(1), sessionData(1))
	assert.ErrorIs(t, err, ErrNoMask)
	_, statErr := os.Stat(f.ckpts.Path(1, checkpoint.MaxAcc))
	assert.True(t, os.IsNotExist(statErr), "no checkpoint for a failed session")
}

func TestIncrementalFineTuneRejectsStaleMask(t *testing.T) {
	f := newFixture(t, 0.5)
	mask, _ := analyse(t, f)
	state := f.engine.Init(1)
	for i := range state[weightName].Data {
		state[weightName].Data[i] += 3
	}
	_, err := f.adapter(t, config.FineTune, mask).Run(context.Background(), state, sessionData(1))
	assert.ErrorIs(t, err, warp.ErrMaskStale)
	assert.Empty(t, f.engine.fineTunes)
}

func TestIncrementalRejectsBaseSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.adapter(t, config.PrototypeOnly, nil).Run(context.Background(), f.engine.Init(1), sessionData(0))
	assert.Error(t, err)
}

func TestRecorderScopeMustGrow(t *testing.T) {
	f := newFixture(t, 0.5)
	r := f.recorder()
	ctx := context.Background()
	state := f.engine.Init(1)

	_, err := r.Record(ctx, state, sessionData(2), model.Cosine, "test")
	require.NoError(t, err)
	_, err = r.Record(ctx, state, sessionData(1), model.Cosine, "test")
	assert.Error(t, err)
}

// internal/model/model_test.go
package model

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lumix-ai/warp/internal/core"
	"github.com/lumix-ai/warp/internal/optim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func smallSplit() Split {
	return Split{BaseClass: 4, Way: 2, Shot: 3}
}

func smallLoader() *SyntheticLoader {
	return NewSyntheticLoader(SyntheticConfig{
		Split:         smallSplit(),
		NumClasses:    8,
		FeatureDim:    6,
		TrainPerClass: 10,
		TestPerClass:  5,
		Spread:        0.2,
		Jitter:        0.01,
		Seed:          3,
	})
}

func smallNet(workers int) *CosineNet {
	return NewCosineNet(NetConfig{
		FeatureDim:       6,
		EmbedDim:         12,
		NumClasses:       8,
		Temperature:      16,
		BaseMetric:       Cosine,
		BatchSize:        8,
		Workers:          workers,
		Seed:             1,
		FineTuneMomentum: 0.9,
	})
}

func TestSplitClasses(t *testing.T) {
	sp := Split{BaseClass: 60, Way: 5, Shot: 5}
	assert.Len(t, sp.SessionClasses(0), 60)
	assert.Equal(t, []int{60, 61, 62, 63, 64}, sp.SessionClasses(1))
	assert.Equal(t, []int{95, 96, 97, 98, 99}, sp.SessionClasses(8))
	assert.Len(t, sp.SeenClasses(8), 100)
}

func TestSyntheticLoaderSessions(t *testing.T) {
	l := smallLoader()
	ctx := context.Background()

	base, err := l.Load(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 40, base.Train.Len())
	assert.Equal(t, []int{0, 1, 2, 3}, base.Train.Classes())
	assert.Equal(t, TransformEval, base.Test.Transform())
	assert.Empty(t, base.PreviousClasses())

	s1, err := l.Load(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 6, s1.Train.Len(), "shot samples per new class")
	assert.Equal(t, []int{4, 5}, s1.Train.Classes())
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, s1.Test.Classes())
	assert.Equal(t, []int{0, 1, 2, 3}, s1.PreviousClasses())
	assert.Equal(t, base.BaseClasses, s1.BaseClasses)

	again, err := l.Load(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, s1.Train.Targets(), again.Train.Targets())
}

func TestSyntheticLoaderCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := smallLoader().Load(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func writeCSV(t *testing.T, dir, name string, rows [][]float64, labels []int) {
	t.Helper()
	var b strings.Builder
	for i, r := range rows {
		for _, v := range r {
			fmt.Fprintf(&b, "%g,", v)
		}
		fmt.Fprintf(&b, "%d\n", labels[i])
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(b.String()), 0o644))
}

func TestCSVLoader(t *testing.T) {
	dir := t.TempDir()
	sp := Split{BaseClass: 2, Way: 1, Shot: 1}
	writeCSV(t, dir, "session_0_train.csv", [][]float64{{1, 0}, {0, 1}, {1, 1}}, []int{0, 1, 0})
	writeCSV(t, dir, "session_0_test.csv", [][]float64{{1, 0}, {0, 1}}, []int{0, 1})
	writeCSV(t, dir, "session_1_train.csv", [][]float64{{2, 2}, {3, 3}}, []int{2, 2})
	writeCSV(t, dir, "session_1_test.csv", [][]float64{{2, 3}}, []int{2})

	l := NewCSVLoader(dir, sp, 0)
	d, err := l.Load(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Train.Len())
	assert.Equal(t, []int{0, 1, 2}, d.Test.Targets())

	_, err = l.Load(context.Background(), 2)
	assert.Error(t, err)
}

func TestParseCSVErrors(t *testing.T) {
	_, err := parseCSV(strings.NewReader("1,2,x\n"), 0)
	assert.Error(t, err)
	_, err = parseCSV(strings.NewReader("1.5,a\n"), 0)
	assert.Error(t, err)
	_, err = parseCSV(strings.NewReader(""), 0)
	assert.Error(t, err)
	_, err = parseCSV(strings.NewReader("3\n"), 0)
	assert.Error(t, err)
}

func TestTrainingReducesLoss(t *testing.T) {
	ctx := context.Background()
	net := smallNet(2)
	data, err := smallLoader().Load(ctx, 0)
	require.NoError(t, err)

	state := net.Init(7)
	before, err := net.Evaluate(ctx, state, data.Test, Cosine)
	require.NoError(t, err)

	opt := optim.NewSGD(0.05, 0.9, 5e-4, true)
	for epoch := 0; epoch < 15; epoch++ {
		state, _, err = net.TrainEpoch(ctx, state, data.Train, opt, epoch)
		require.NoError(t, err)
	}
	after, err := net.Evaluate(ctx, state, data.Test, Cosine)
	require.NoError(t, err)
	assert.Less(t, after.Loss, before.Loss)
	assert.Len(t, after.Scores, data.Test.Len())
	assert.Equal(t, data.SeenClasses, after.Classes)
}

func TestTrainEpochDoesNotMutateInput(t *testing.T) {
	ctx := context.Background()
	net := smallNet(1)
	data, err := smallLoader().Load(ctx, 0)
	require.NoError(t, err)

	state := net.Init(7)
	orig := state.Clone()
	_, _, err = net.TrainEpoch(ctx, state, data.Train, optim.NewSGD(0.1, 0, 0, false), 0)
	require.NoError(t, err)
	assert.True(t, state.Equal(orig))
}

func TestSetPrototypesDeterministic(t *testing.T) {
	ctx := context.Background()
	data, err := smallLoader().Load(ctx, 0)
	require.NoError(t, err)
	train := data.Train.WithTransform(TransformEval)

	state := smallNet(1).Init(5)
	serial, err := smallNet(1).SetPrototypes(ctx, state, train, data.NewClasses)
	require.NoError(t, err)
	parallel, err := smallNet(4).SetPrototypes(ctx, state, train, data.NewClasses)
	require.NoError(t, err)
	assert.True(t, serial.Equal(parallel))

	assert.Equal(t, state.Fingerprint("encoder."), serial.Fingerprint("encoder."))
	assert.Equal(t, state[ParamHead].Row(6), serial[ParamHead].Row(6), "rows of other classes untouched")
	assert.NotEqual(t, state[ParamHead].Row(0), serial[ParamHead].Row(0))
}

func TestSetPrototypesMissingClass(t *testing.T) {
	ctx := context.Background()
	data, err := smallLoader().Load(ctx, 0)
	require.NoError(t, err)
	net := smallNet(2)
	_, err = net.SetPrototypes(ctx, net.Init(1), data.Train, []int{0, 5})
	assert.Error(t, err)
}

type freezeAll struct{ calls int }

func (f *freezeAll) Layers() []string { return []string{ParamEncoderWeight} }

func (f *freezeAll) ProjectGradient(_ string, grad *mat.Dense) error {
	f.calls++
	grad.Zero()
	return nil
}

func TestFineTuneProtection(t *testing.T) {
	ctx := context.Background()
	net := smallNet(1)
	data, err := smallLoader().Load(ctx, 1)
	require.NoError(t, err)

	state := net.Init(2)
	params := FineTuneParams{
		Classes:   data.SeenClasses,
		LR:        0.05,
		Epochs:    3,
		BatchSize: 4,
		Metric:    Cosine,
	}

	free, err := net.FineTune(ctx, state, data.Train, params)
	require.NoError(t, err)
	assert.NotEqual(t, state.Fingerprint(ParamEncoderWeight), free.Fingerprint(ParamEncoderWeight))
	assert.Equal(t, state.Fingerprint(ParamHead), free.Fingerprint(ParamHead), "head is frozen")
	assert.Equal(t, state.Fingerprint(ParamEncoderBias), free.Fingerprint(ParamEncoderBias))

	guard := &freezeAll{}
	params.Protection = guard
	frozen, err := net.FineTune(ctx, state, data.Train, params)
	require.NoError(t, err)
	assert.True(t, state.Equal(frozen))
	assert.Equal(t, 6, guard.calls, "two batches per epoch")
}

func TestUnpackRejectsForeignState(t *testing.T) {
	net := smallNet(1)
	foreign := core.ModelState{ParamEncoderWeight: core.NewTensor([]int{3, 3})}
	_, err := net.unpack(foreign)
	assert.Error(t, err)
}

func TestLayerGradientsShape(t *testing.T) {
	ctx := context.Background()
	net := smallNet(1)
	data, err := smallLoader().Load(ctx, 0)
	require.NoError(t, err)

	grads, err := net.LayerGradients(ctx, net.Init(1), data.Train)
	require.NoError(t, err)
	r, c := grads[ParamEncoderWeight].Dims()
	assert.Equal(t, 12, r)
	assert.Equal(t, 6, c)

	inputs, err := net.LayerInputs(ctx, net.Init(1), data.Train)
	require.NoError(t, err)
	r, c = inputs[ParamEncoderWeight].Dims()
	assert.Equal(t, 40, r)
	assert.Equal(t, 6, c)
}

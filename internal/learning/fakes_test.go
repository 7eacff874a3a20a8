// internal/learning/fakes_test.go
package learning

import (
	"context"
	"sync"

	"github.com/lumix-ai/warp/internal/core"
	"github.com/lumix-ai/warp/internal/model"
	"github.com/lumix-ai/warp/internal/optim"
	"gonum.org/v1/gonum/mat"
)

const (
	weightName = "encoder.weight"
	headName   = "fc.weight"
)

type fakeData struct {
	targets   []int
	transform model.Transform
}

func (d *fakeData) Len() int { return len(d.targets) }
func (d *fakeData) Targets() []int { return append([]int(nil), d.targets...) }
func (d *fakeData) Classes() []int { return model.SortedUnique(d.targets) }
func (d *fakeData) Transform() model.Transform { return d.transform }

func (d *fakeData) WithTransform(t model.Transform) model.Dataset {
	c := *d
	c.transform = t
	return &c
}

// sessionData builds a 4-base-class, 2-way split.
func sessionData(session int) *model.SessionData {
	base := []int{0, 1, 2, 3}
	fresh := base
	seen := base
	if session > 0 {
		lo := 4 + (session-1)*2
		fresh = []int{lo, lo + 1}
		seen = nil
		for c := 0; c < lo+2; c++ {
			seen = append(seen, c)
		}
	}
	var train []int
	for _, c := range fresh {
		train = append(train, c, c)
	}
	return &model.SessionData{
		Session:     session,
		Train:       &fakeData{targets: train},
		Test:        &fakeData{targets: seen, transform: model.TransformEval},
		NewClasses:  fresh,
		SeenClasses: seen,
		BaseClasses: base,
	}
}

// fakeEngine is a deterministic stand-in: each training epoch adds one to every encoder
// weight, prototypes copy the first encoder weight into the head rows, and fine-tuning
// applies a projected all-ones gradient.
type fakeEngine struct {
	mu sync.Mutex

	accs      []float64
	loss      float64
	evalCalls int
	metrics   []model.HeadMetric

	protoClasses    [][]int
	protoTransforms []model.Transform
	fineTunes       []model.FineTuneParams
	ftTransforms    []model.Transform
}

func (e *fakeEngine) Init(seed int64) core.ModelState {
	w, _ := core.FromData([]int{2, 3}, []float32{1, 0.5, -1, 2, 0, 1})
	return core.ModelState{
		weightName: w,
		headName:   core.NewTensor([]int{12, 3}),
	}
}

func (e *fakeEngine) TrainEpoch(_ context.Context, state core.ModelState, _ model.Dataset, _ *optim.SGD, _ int) (core.ModelState, model.EpochStats, error) {
	s := state.Clone()
	for i := range s[weightName].Data {
		s[weightName].Data[i]++
	}
	return s, model.EpochStats{Loss: e.loss, Acc: 0.5}, nil
}

func (e *fakeEngine) Evaluate(_ context.Context, _ core.ModelState, test model.Dataset, metric model.HeadMetric) (model.Evaluation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	acc := 0.0
	if len(e.accs) > 0 {
		i := e.evalCalls
		if i >= len(e.accs) {
			i = len(e.accs) - 1
		}
		acc = e.accs[i]
	}
	e.evalCalls++
	e.metrics = append(e.metrics, metric)
	return model.Evaluation{Loss: 1, Acc: acc, Targets: test.Targets(), Classes: test.Classes()}, nil
}

func (e *fakeEngine) SetPrototypes(_ context.Context, state core.ModelState, train model.Dataset, classes []int) (core.ModelState, error) {
	e.mu.Lock()
	e.protoClasses = append(e.protoClasses, append([]int(nil), classes...))
	e.protoTransforms = append(e.protoTransforms, train.Transform())
	e.mu.Unlock()

	s := state.Clone()
	v := s[weightName].Data[0]
	for _, c := range classes {
		row := s[headName].Row(c)
		for j := range row {
			row[j] = v
		}
	}
	return s, nil
}

func (e *fakeEngine) FineTune(_ context.Context, state core.ModelState, train model.Dataset, params model.FineTuneParams) (core.ModelState, error) {
	e.mu.Lock()
	e.fineTunes = append(e.fineTunes, params)
	e.ftTransforms = append(e.ftTransforms, train.Transform())
	e.mu.Unlock()

	s := state.Clone()
	w := s[weightName]
	grad := mat.NewDense(w.Shape[0], w.Shape[1], nil)
	for i := 0; i < w.Shape[0]; i++ {
		for j := 0; j < w.Shape[1]; j++ {
			grad.Set(i, j, 1)
		}
	}
	if params.Protection != nil {
		if err := params.Protection.ProjectGradient(weightName, grad); err != nil {
			return nil, err
		}
	}
	for i := range w.Data {
		w.Data[i] -= float32(0.5 * grad.At(i/w.Shape[1], i%w.Shape[1]))
	}
	return s, nil
}

// fakeSource feeds the analyzer fixed inputs and gradients for encoder.weight.
type fakeSource struct{}

func (fakeSource) ProtectedLayers() []string { return []string{weightName} }

func (fakeSource) LayerInputs(context.Context, core.ModelState, model.Dataset) (map[string]*mat.Dense, error) {
	return map[string]*mat.Dense{weightName: mat.NewDense(4, 3, []float64{
		1, 0, 0.5,
		0, 2, 0,
		1, 1, 0,
		0.5, 0, 3,
	})}, nil
}

func (fakeSource) LayerGradients(context.Context, core.ModelState, model.Dataset) (map[string]*mat.Dense, error) {
	return map[string]*mat.Dense{weightName: mat.NewDense(2, 3, []float64{0.1, -0.4, 0.2, 0.3, 0.05, -0.6})}, nil
}

type recordingReporter struct {
	mu       sync.Mutex
	epochs   []EpochReport
	sessions []SessionReport
}

func (r *recordingReporter) Epoch(e EpochReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.epochs = append(r.epochs, e)
}

func (r *recordingReporter) Session(s SessionReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, s)
}

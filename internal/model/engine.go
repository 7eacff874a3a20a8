// internal/model/engine.go
package model

import (
	"context"
	"fmt"
	"sort"

	"github.com/lumix-ai/warp/internal/core"
	"github.com/lumix-ai/warp/internal/optim"
	"gonum.org/v1/gonum/mat"
)

// HeadMetric - how the classifier head scores an embedding against class weights
type HeadMetric int

const (
	Cosine HeadMetric = iota
	Dot
)

func (m HeadMetric) String() string {
	switch m {
	case Cosine:
		return "cos"
	case Dot:
		return "dot"
	}
	return fmt.Sprintf("metric(%d)", int(m))
}

// Transform - the per-sample transform a dataset applies when it is iterated
type Transform int

const (
	// TransformTrain applies training-time augmentation.
	TransformTrain Transform = iota
	// TransformEval leaves samples untouched.
	TransformEval
)

// Dataset is opaque to the controller; only the engine that produced it reads samples.
type Dataset interface {
	Len() int
	Targets() []int
	Classes() []int
	Transform() Transform
	WithTransform(t Transform) Dataset
}

// SessionData is what a Loader hands out for one session.
type SessionData struct {
	Session int
	Train   Dataset
	Test    Dataset
	// NewClasses are the classes introduced by this session (all base classes for session 0).
	NewClasses []int
	// SeenClasses are all classes of sessions 0..Session; Test covers exactly these.
	SeenClasses []int
	BaseClasses []int
}

// PreviousClasses returns the classes seen before this session.
func (d *SessionData) PreviousClasses() []int {
	fresh := make(map[int]bool, len(d.NewClasses))
	for _, c := range d.NewClasses {
		fresh[c] = true
	}
	var prev []int
	for _, c := range d.SeenClasses {
		if !fresh[c] {
			prev = append(prev, c)
		}
	}
	return prev
}

type Loader interface {
	Load(ctx context.Context, session int) (*SessionData, error)
}

// EpochStats - mean training loss and accuracy over one pass
type EpochStats struct {
	Loss float64
	Acc  float64
}

// Evaluation - loss, accuracy and raw scores over a test set.
// Scores[i][j] is the score of sample i for class Classes[j].
type Evaluation struct {
	Loss    float64
	Acc     float64
	Scores  [][]float64
	Targets []int
	Classes []int
}

// Protection restricts backbone updates during fine-tuning.
// ProjectGradient removes the protected components of a gradient in place.
type Protection interface {
	Layers() []string
	ProjectGradient(layer string, grad *mat.Dense) error
}

// FineTuneParams configures a bounded fine-tuning pass over few-shot data.
type FineTuneParams struct {
	Classes    []int
	LR         float64
	Epochs     int
	BatchSize  int
	Metric     HeadMetric
	Protection Protection
}

// Engine is the numeric collaborator: forward/backward passes, embedding extraction and
// optimisation steps. All methods block until done and never retain the states they receive.
type Engine interface {
	Init(seed int64) core.ModelState
	TrainEpoch(ctx context.Context, state core.ModelState, train Dataset, opt *optim.SGD, epoch int) (core.ModelState, EpochStats, error)
	Evaluate(ctx context.Context, state core.ModelState, test Dataset, metric HeadMetric) (Evaluation, error)
	// SetPrototypes overwrites the head rows of classes with the mean backbone embedding of
	// their samples in train. The backbone is unchanged.
	SetPrototypes(ctx context.Context, state core.ModelState, train Dataset, classes []int) (core.ModelState, error)
	FineTune(ctx context.Context, state core.ModelState, train Dataset, params FineTuneParams) (core.ModelState, error)
}

// FeatureSource exposes per-layer inputs and loss gradients used by importance analysis.
// Inputs are samples x in_features; gradients have the layer weight's shape.
type FeatureSource interface {
	ProtectedLayers() []string
	LayerInputs(ctx context.Context, state core.ModelState, train Dataset) (map[string]*mat.Dense, error)
	LayerGradients(ctx context.Context, state core.ModelState, train Dataset) (map[string]*mat.Dense, error)
}

// SortedUnique returns the distinct values of xs in increasing order.
func SortedUnique(xs []int) []int {
	seen := make(map[int]bool, len(xs))
	out := make([]int, 0)
	for _, x := range xs {
		if !seen[x] {
			seen[x] = true
			out = append(out, x)
		}
	}
	sort.Ints(out)
	return out
}

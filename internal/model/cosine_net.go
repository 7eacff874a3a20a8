// internal/model/cosine_net.go
package model

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/lumix-ai/warp/internal/core"
	"github.com/lumix-ai/warp/internal/optim"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	ParamEncoderWeight = "encoder.weight"
	ParamEncoderBias   = "encoder.bias"
	ParamHead          = "fc.weight"

	normEps = 1e-12
)

// NetConfig - reference network dimensions and training metric
type NetConfig struct {
	FeatureDim  int
	EmbedDim    int
	NumClasses  int
	Temperature float64
	// BaseMetric is the head metric used for base-session training and importance gradients.
	BaseMetric HeadMetric
	BatchSize  int
	Workers    int
	Seed       int64
	// FineTuneMomentum is the SGD momentum of incremental fine-tuning.
	FineTuneMomentum float64
}

// CosineNet - one linear+ReLU encoder layer followed by a per-class weight head.
// It implements Engine and FeatureSource on the CPU.
type CosineNet struct {
	cfg NetConfig
}

func NewCosineNet(cfg NetConfig) *CosineNet {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 16
	}
	return &CosineNet{cfg: cfg}
}

// Init draws Kaiming-uniform encoder weights and Xavier-uniform head rows.
func (n *CosineNet) Init(seed int64) core.ModelState {
	rng := rand.New(rand.NewSource(seed))
	w := core.NewTensor([]int{n.cfg.EmbedDim, n.cfg.FeatureDim})
	bound := math.Sqrt(6 / float64(n.cfg.FeatureDim))
	for i := range w.Data {
		w.Data[i] = float32((rng.Float64()*2 - 1) * bound)
	}
	fc := core.NewTensor([]int{n.cfg.NumClasses, n.cfg.EmbedDim})
	bound = math.Sqrt(6 / float64(n.cfg.NumClasses+n.cfg.EmbedDim))
	for i := range fc.Data {
		fc.Data[i] = float32((rng.Float64()*2 - 1) * bound)
	}
	return core.ModelState{
		ParamEncoderWeight: w,
		ParamEncoderBias:   core.NewTensor([]int{n.cfg.EmbedDim}),
		ParamHead:          fc,
	}
}

func (n *CosineNet) TrainEpoch(ctx context.Context, state core.ModelState, train Dataset,
	opt *optim.SGD, epoch int) (core.ModelState, EpochStats, error) {

	ds, err := asSamples(train)
	if err != nil {
		return nil, EpochStats{}, err
	}
	s := state.Clone()
	classes := ds.Classes()
	rng := rand.New(rand.NewSource(n.cfg.Seed + int64(epoch)))
	perm := rng.Perm(ds.Len())

	var totalLoss float64
	var correct int
	for start := 0; start < len(perm); start += n.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, EpochStats{}, err
		}
		idx := perm[start:min(start+n.cfg.BatchSize, len(perm))]
		x := ds.batch(idx, rng)
		labels, err := columnLabels(ds.targets, idx, classes)
		if err != nil {
			return nil, EpochStats{}, err
		}
		g, err := n.backward(s, x, labels, classes, n.cfg.BaseMetric)
		if err != nil {
			return nil, EpochStats{}, err
		}
		totalLoss += g.loss * float64(len(idx))
		correct += g.correct
		if err := opt.Step(s, map[string][]float64{
			ParamEncoderWeight: g.w.RawMatrix().Data,
			ParamEncoderBias:   g.b,
			ParamHead:          g.fc.RawMatrix().Data,
		}); err != nil {
			return nil, EpochStats{}, err
		}
	}
	total := float64(ds.Len())
	return s, EpochStats{Loss: totalLoss / total, Acc: float64(correct) / total}, nil
}

func (n *CosineNet) Evaluate(ctx context.Context, state core.ModelState, test Dataset, metric HeadMetric) (Evaluation, error) {
	ds, err := asSamples(test)
	if err != nil {
		return Evaluation{}, err
	}
	if err := ctx.Err(); err != nil {
		return Evaluation{}, err
	}
	p, err := n.unpack(state)
	if err != nil {
		return Evaluation{}, err
	}
	classes := ds.Classes()
	idx := intRange(0, ds.Len())
	labels, err := columnLabels(ds.targets, idx, classes)
	if err != nil {
		return Evaluation{}, err
	}

	x := ds.batch(idx, nil)
	_, h := p.embed(x)
	logits := n.logits(h, p.headRows(classes), metric)

	loss, correct := softmaxLoss(logits, labels, nil)
	rows, _ := logits.Dims()
	scores := make([][]float64, rows)
	for i := range scores {
		scores[i] = mat.Row(nil, i, logits)
	}
	return Evaluation{
		Loss:    loss,
		Acc:     float64(correct) / float64(rows),
		Scores:  scores,
		Targets: ds.Targets(),
		Classes: classes,
	}, nil
}

// SetPrototypes computes one mean embedding per class concurrently; each class sums its own
// rows in dataset order, so results do not depend on scheduling.
func (n *CosineNet) SetPrototypes(ctx context.Context, state core.ModelState, train Dataset, classes []int) (core.ModelState, error) {
	ds, err := asSamples(train)
	if err != nil {
		return nil, err
	}
	s := state.Clone()
	p, err := n.unpack(s)
	if err != nil {
		return nil, err
	}
	fc := s[ParamHead]

	byClass := make(map[int][]int)
	for i, t := range ds.targets {
		byClass[t] = append(byClass[t], i)
	}
	for _, c := range classes {
		if c < 0 || c >= n.cfg.NumClasses {
			return nil, fmt.Errorf("class %d outside head of %d rows", c, n.cfg.NumClasses)
		}
		if len(byClass[c]) == 0 {
			return nil, fmt.Errorf("no samples for class %d", c)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.cfg.Workers)
	for _, c := range classes {
		c := c
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			_, h := p.embed(ds.batch(byClass[c], nil))
			rows, dim := h.Dims()
			mean := make([]float64, dim)
			for i := 0; i < rows; i++ {
				floats.Add(mean, h.RawRowView(i))
			}
			floats.Scale(1/float64(rows), mean)
			row := fc.Row(c)
			for j, v := range mean {
				row[j] = float32(v)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return s, nil
}

// FineTune trains only the protected layers (encoder.weight without a protection) with the
// head frozen; gradients are projected off protected directions before every step.
func (n *CosineNet) FineTune(ctx context.Context, state core.ModelState, train Dataset, params FineTuneParams) (core.ModelState, error) {
	ds, err := asSamples(train)
	if err != nil {
		return nil, err
	}
	if len(params.Classes) == 0 {
		return nil, fmt.Errorf("fine-tuning needs at least one class")
	}
	layers := []string{ParamEncoderWeight}
	if params.Protection != nil {
		layers = params.Protection.Layers()
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = ds.Len()
	}

	s := state.Clone()
	opt := optim.NewSGD(params.LR, n.cfg.FineTuneMomentum, 0, false)
	rng := rand.New(rand.NewSource(n.cfg.Seed))
	for epoch := 0; epoch < params.Epochs; epoch++ {
		perm := rng.Perm(ds.Len())
		for start := 0; start < len(perm); start += batch {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			idx := perm[start:min(start+batch, len(perm))]
			labels, err := columnLabels(ds.targets, idx, params.Classes)
			if err != nil {
				return nil, err
			}
			g, err := n.backward(s, ds.batch(idx, rng), labels, params.Classes, params.Metric)
			if err != nil {
				return nil, err
			}
			if math.IsNaN(g.loss) || math.IsInf(g.loss, 0) {
				return nil, fmt.Errorf("non-finite fine-tuning loss at epoch %d", epoch)
			}
			grads := make(map[string][]float64, len(layers))
			for _, layer := range layers {
				if layer != ParamEncoderWeight {
					return nil, fmt.Errorf("cannot fine-tune layer %q", layer)
				}
				if params.Protection != nil {
					if err := params.Protection.ProjectGradient(layer, g.w); err != nil {
						return nil, err
					}
				}
				grads[layer] = g.w.RawMatrix().Data
			}
			if err := opt.Step(s, grads); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

func (n *CosineNet) ProtectedLayers() []string {
	return []string{ParamEncoderWeight}
}

func (n *CosineNet) LayerInputs(ctx context.Context, state core.ModelState, train Dataset) (map[string]*mat.Dense, error) {
	ds, err := asSamples(train)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return map[string]*mat.Dense{ParamEncoderWeight: ds.batch(intRange(0, ds.Len()), nil)}, nil
}

// LayerGradients returns the mean loss gradient of encoder.weight over the whole dataset.
func (n *CosineNet) LayerGradients(ctx context.Context, state core.ModelState, train Dataset) (map[string]*mat.Dense, error) {
	ds, err := asSamples(train)
	if err != nil {
		return nil, err
	}
	classes := ds.Classes()
	acc := mat.NewDense(n.cfg.EmbedDim, n.cfg.FeatureDim, nil)
	for start := 0; start < ds.Len(); start += n.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		idx := intRange(start, min(start+n.cfg.BatchSize, ds.Len()))
		labels, err := columnLabels(ds.targets, idx, classes)
		if err != nil {
			return nil, err
		}
		g, err := n.backward(state, ds.batch(idx, nil), labels, classes, n.cfg.BaseMetric)
		if err != nil {
			return nil, err
		}
		g.w.Scale(float64(len(idx)), g.w)
		acc.Add(acc, g.w)
	}
	acc.Scale(1/float64(ds.Len()), acc)
	return map[string]*mat.Dense{ParamEncoderWeight: acc}, nil
}

// shapes returns a zero state with the parameter layout of this network.
func (n *CosineNet) shapes() core.ModelState {
	return core.ModelState{
		ParamEncoderWeight: core.NewTensor([]int{n.cfg.EmbedDim, n.cfg.FeatureDim}),
		ParamEncoderBias:   core.NewTensor([]int{n.cfg.EmbedDim}),
		ParamHead:          core.NewTensor([]int{n.cfg.NumClasses, n.cfg.EmbedDim}),
	}
}

type params struct {
	w  *mat.Dense
	b  []float64
	fc *mat.Dense
}

func (n *CosineNet) unpack(state core.ModelState) (*params, error) {
	if err := state.CheckCompatible(n.shapes()); err != nil {
		return nil, err
	}
	w, _ := core.ToDense(state[ParamEncoderWeight])
	fc, _ := core.ToDense(state[ParamHead])
	b := make([]float64, n.cfg.EmbedDim)
	for i, v := range state[ParamEncoderBias].Data {
		b[i] = float64(v)
	}
	return &params{w: w, b: b, fc: fc}, nil
}

// embed returns the pre-activation and the ReLU embedding of x.
func (p *params) embed(x *mat.Dense) (*mat.Dense, *mat.Dense) {
	var pre mat.Dense
	pre.Mul(x, p.w.T())
	rows, cols := pre.Dims()
	h := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := pre.At(i, j) + p.b[j]
			pre.Set(i, j, v)
			if v > 0 {
				h.Set(i, j, v)
			}
		}
	}
	return &pre, h
}

func (p *params) headRows(classes []int) *mat.Dense {
	_, d := p.fc.Dims()
	out := mat.NewDense(len(classes), d, nil)
	for r, c := range classes {
		out.SetRow(r, p.fc.RawRowView(c))
	}
	return out
}

func (n *CosineNet) logits(h, head *mat.Dense, metric HeadMetric) *mat.Dense {
	var out mat.Dense
	if metric == Dot {
		out.Mul(h, head.T())
		return &out
	}
	hn, wn := normalizeRows(h), normalizeRows(head)
	out.Mul(hn, wn.T())
	out.Scale(n.cfg.Temperature, &out)
	return &out
}

type gradients struct {
	w       *mat.Dense
	b       []float64
	fc      *mat.Dense
	loss    float64
	correct int
}

// backward runs forward and backward for one batch under softmax cross-entropy over classes.
func (n *CosineNet) backward(state core.ModelState, x *mat.Dense, labels []int, classes []int, metric HeadMetric) (*gradients, error) {
	p, err := n.unpack(state)
	if err != nil {
		return nil, err
	}
	pre, h := p.embed(x)
	head := p.headRows(classes)
	logits := n.logits(h, head, metric)

	var dLogits mat.Dense
	loss, correct := softmaxLoss(logits, labels, &dLogits)

	dH, dHead := new(mat.Dense), new(mat.Dense)
	if metric == Dot {
		dH.Mul(&dLogits, head)
		dHead.Mul(dLogits.T(), h)
	} else {
		hn, wn := normalizeRows(h), normalizeRows(head)
		var dHn, dWn mat.Dense
		dHn.Mul(&dLogits, wn)
		dHn.Scale(n.cfg.Temperature, &dHn)
		dWn.Mul(dLogits.T(), hn)
		dWn.Scale(n.cfg.Temperature, &dWn)
		dH = normalizeBackward(h, hn, &dHn)
		dHead = normalizeBackward(head, wn, &dWn)
	}

	rows, cols := dH.Dims()
	db := make([]float64, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if pre.At(i, j) <= 0 {
				dH.Set(i, j, 0)
			} else {
				db[j] += dH.At(i, j)
			}
		}
	}
	var dW mat.Dense
	dW.Mul(dH.T(), x)

	dFc := mat.NewDense(n.cfg.NumClasses, n.cfg.EmbedDim, nil)
	for r, c := range classes {
		dFc.SetRow(c, dHead.RawRowView(r))
	}
	return &gradients{w: &dW, b: db, fc: dFc, loss: loss, correct: correct}, nil
}

// softmaxLoss returns mean cross-entropy and correct count; when grad is non-nil it receives
// dLoss/dLogits.
func softmaxLoss(logits *mat.Dense, labels []int, grad *mat.Dense) (float64, int) {
	rows, cols := logits.Dims()
	if grad != nil {
		grad.ReuseAs(rows, cols)
	}
	var loss float64
	correct := 0
	probs := make([]float64, cols)
	for i := 0; i < rows; i++ {
		row := logits.RawRowView(i)
		best := floats.MaxIdx(row)
		if best == labels[i] {
			correct++
		}
		maxV := row[best]
		var sum float64
		for j, v := range row {
			probs[j] = math.Exp(v - maxV)
			sum += probs[j]
		}
		loss -= math.Log(probs[labels[i]] / sum)
		if grad != nil {
			for j := range probs {
				g := probs[j] / sum
				if j == labels[i] {
					g--
				}
				grad.Set(i, j, g/float64(rows))
			}
		}
	}
	return loss / float64(rows), correct
}

func normalizeRows(m *mat.Dense) *mat.Dense {
	out := mat.DenseCopyOf(m)
	rows, _ := out.Dims()
	for i := 0; i < rows; i++ {
		row := out.RawRowView(i)
		if norm := floats.Norm(row, 2); norm > normEps {
			floats.Scale(1/norm, row)
		}
	}
	return out
}

// normalizeBackward maps gradients w.r.t. normalised rows back to the raw rows.
func normalizeBackward(raw, normed, dNormed *mat.Dense) *mat.Dense {
	rows, cols := raw.Dims()
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		norm := floats.Norm(raw.RawRowView(i), 2)
		if norm <= normEps {
			continue
		}
		xn, dxn := normed.RawRowView(i), dNormed.RawRowView(i)
		dot := floats.Dot(xn, dxn)
		dst := out.RawRowView(i)
		for j := range dst {
			dst[j] = (dxn[j] - dot*xn[j]) / norm
		}
	}
	return out
}

// columnLabels maps the targets at idx to column positions within classes.
func columnLabels(targets, idx, classes []int) ([]int, error) {
	pos := make(map[int]int, len(classes))
	for j, c := range classes {
		pos[c] = j
	}
	labels := make([]int, len(idx))
	for k, i := range idx {
		j, ok := pos[targets[i]]
		if !ok {
			return nil, fmt.Errorf("label %d is not among the %d scored classes", targets[i], len(classes))
		}
		labels[k] = j
	}
	return labels, nil
}

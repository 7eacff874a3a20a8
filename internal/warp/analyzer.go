// internal/warp/analyzer.go
package warp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/lumix-ai/warp/internal/core"
	"github.com/lumix-ai/warp/internal/model"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"
)

// ImportanceComputer produces the change of basis and the protection mask after the base session.
type ImportanceComputer interface {
	ComputeBasis(ctx context.Context, state core.ModelState, train model.Dataset) (Basis, error)
	IdentifyImportance(ctx context.Context, state core.ModelState, basis Basis, train model.Dataset, keep float64) (*Mask, error)
}

// Analyzer - importance analysis over the layers a FeatureSource exposes
type Analyzer struct {
	source model.FeatureSource
}

func NewAnalyzer(source model.FeatureSource) *Analyzer {
	return &Analyzer{source: source}
}

// ComputeBasis diagonalises the uncentred covariance of each layer's inputs; the
// eigenvectors form the orthonormal basis the weights are re-parameterised in.
func (a *Analyzer) ComputeBasis(ctx context.Context, state core.ModelState, train model.Dataset) (Basis, error) {
	inputs, err := a.source.LayerInputs(ctx, state, train)
	if err != nil {
		return nil, fmt.Errorf("failed to collect layer inputs: %w", err)
	}

	basis := make(Basis, len(inputs))
	for _, layer := range a.source.ProtectedLayers() {
		x, ok := inputs[layer]
		if !ok {
			return nil, fmt.Errorf("no inputs collected for layer %q", layer)
		}
		n, in := x.Dims()
		if n == 0 {
			return nil, fmt.Errorf("layer %q has no samples", layer)
		}

		cov := mat.NewSymDense(in, nil)
		cov.SymOuterK(1/float64(n), x.T())

		var eig mat.EigenSym
		if ok := eig.Factorize(cov, true); !ok {
			return nil, fmt.Errorf("eigendecomposition failed for layer %q", layer)
		}
		var vecs mat.Dense
		eig.VectorsTo(&vecs)
		basis[layer] = &vecs

		log.Debug().Str("layer", layer).Int("dim", in).Int("samples", n).Msg("Computed orthonormal basis")
	}
	return basis, nil
}

// IdentifyImportance scores every coefficient of every layer by |c * dL/dc| and protects
// the top keep fraction per layer.
func (a *Analyzer) IdentifyImportance(ctx context.Context, state core.ModelState, basis Basis,
	train model.Dataset, keep float64) (*Mask, error) {

	if keep <= 0 || keep > 1 {
		return nil, fmt.Errorf("fraction to keep must be in (0, 1], got %g", keep)
	}
	grads, err := a.source.LayerGradients(ctx, state, train)
	if err != nil {
		return nil, fmt.Errorf("failed to collect layer gradients: %w", err)
	}

	m := &Mask{fraction: keep, layers: make(map[string]*layerMask, len(basis))}
	for _, layer := range a.source.ProtectedLayers() {
		b, ok := basis[layer]
		if !ok {
			return nil, fmt.Errorf("no basis for layer %q", layer)
		}
		g, ok := grads[layer]
		if !ok {
			return nil, fmt.Errorf("no gradient for layer %q", layer)
		}
		wt, err := state.Get(layer)
		if err != nil {
			return nil, err
		}
		w, err := core.ToDense(wt)
		if err != nil {
			return nil, err
		}
		if gr, gc := g.Dims(); gr != wt.Shape[0] || gc != wt.Shape[1] {
			return nil, &core.ShapeMismatchError{Name: layer, Want: wt.Shape, Got: []int{gr, gc}}
		}

		var coeff, gradCoeff mat.Dense
		coeff.Mul(w, b)
		gradCoeff.Mul(g, b)

		rows, cols := coeff.Dims()
		scores := make([]float64, rows*cols)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				scores[i*cols+j] = math.Abs(coeff.At(i, j) * gradCoeff.At(i, j))
			}
		}
		protect := topFraction(scores, keep)

		m.layers[layer] = &layerMask{basis: mat.DenseCopyOf(b), protect: protect, anchor: &coeff}
		log.Info().
			Str("layer", layer).
			Int("protected", countTrue(protect)).
			Int("total", len(protect)).
			Msg("Identified important directions")
	}
	if len(m.layers) == 0 {
		return nil, errors.New("no layers to protect")
	}
	return m, nil
}

// topFraction marks the ceil(keep*len) highest scores; ties go to the lower index.
func topFraction(scores []float64, keep float64) []bool {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return scores[idx[a]] > scores[idx[b]]
	})
	k := int(math.Ceil(keep * float64(len(scores))))
	if k > len(scores) {
		k = len(scores)
	}
	protect := make([]bool, len(scores))
	for _, i := range idx[:k] {
		protect[i] = true
	}
	return protect
}

func countTrue(bs []bool) int {
	n := 0
	for _, b := range bs {
		if b {
			n++
		}
	}
	return n
}

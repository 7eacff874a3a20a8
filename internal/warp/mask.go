// internal/warp/mask.go
package warp

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/lumix-ai/warp/internal/core"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrMaskStale is returned when a mask is applied to a backbone whose protected
	// components differ from the snapshot the mask was computed on.
	ErrMaskStale = errors.New("importance mask does not match backbone")
	// ErrRestoreShape is returned when the pre-fine-tune snapshot and the current state disagree in shape.
	ErrRestoreShape = errors.New("restore shape mismatch")
)

// AnchorTolerance bounds the drift allowed between protected coefficients and their anchors.
const AnchorTolerance = 1e-4

// Basis maps a layer's weight name to an orthonormal in x in change of basis (columns are directions).
type Basis map[string]*mat.Dense

type layerMask struct {
	basis   *mat.Dense
	protect []bool // row-major out x in over coefficients
	anchor  *mat.Dense
}

// Mask - the protected coefficient set of every analysed layer.
// A Mask is created once after the base session and is read-only afterwards.
type Mask struct {
	fraction float64
	layers   map[string]*layerMask
}

// Layers returns protected layer names in sorted order.
func (m *Mask) Layers() []string {
	names := make([]string, 0, len(m.layers))
	for name := range m.layers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Mask) Fraction() float64 {
	return m.fraction
}

// ProtectedCount returns the number of protected coefficients of a layer.
func (m *Mask) ProtectedCount(layer string) int {
	lm, ok := m.layers[layer]
	if !ok {
		return 0
	}
	n := 0
	for _, p := range lm.protect {
		if p {
			n++
		}
	}
	return n
}

// IsProtected reports whether coefficient (i, j) of layer is protected.
func (m *Mask) IsProtected(layer string, i, j int) bool {
	lm, ok := m.layers[layer]
	if !ok {
		return false
	}
	_, in := lm.anchor.Dims()
	return lm.protect[i*in+j]
}

// Coefficients expresses a layer weight in the mask's basis.
func (m *Mask) Coefficients(layer string, weight *core.Tensor) (*mat.Dense, error) {
	lm, ok := m.layers[layer]
	if !ok {
		return nil, fmt.Errorf("layer %q is not covered by the mask", layer)
	}
	w, err := core.ToDense(weight)
	if err != nil {
		return nil, err
	}
	if err := lm.checkShape(layer, w); err != nil {
		return nil, err
	}
	var c mat.Dense
	c.Mul(w, lm.basis)
	return &c, nil
}

// ProjectGradient removes the protected components of grad, in place.
func (m *Mask) ProjectGradient(layer string, grad *mat.Dense) error {
	lm, ok := m.layers[layer]
	if !ok {
		return nil
	}
	if err := lm.checkShape(layer, grad); err != nil {
		return err
	}
	var gc mat.Dense
	gc.Mul(grad, lm.basis)
	_, in := gc.Dims()
	for k, p := range lm.protect {
		if p {
			gc.Set(k/in, k%in, 0)
		}
	}
	grad.Mul(&gc, lm.basis.T())
	return nil
}

// Verify checks that the protected coefficients of state still equal the mask's anchors.
func (m *Mask) Verify(state core.ModelState) error {
	for _, layer := range m.Layers() {
		lm := m.layers[layer]
		w, err := state.Get(layer)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMaskStale, err)
		}
		c, err := m.Coefficients(layer, w)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMaskStale, err)
		}
		_, in := c.Dims()
		for k, p := range lm.protect {
			if !p {
				continue
			}
			if d := math.Abs(c.At(k/in, k%in) - lm.anchor.At(k/in, k%in)); d > AnchorTolerance*(1+math.Abs(lm.anchor.At(k/in, k%in))) {
				return fmt.Errorf("%w: layer %q coefficient %d drifted by %g", ErrMaskStale, layer, k, d)
			}
		}
	}
	return nil
}

// Restore returns a copy of post whose protected components, in the mask's basis, are
// taken from pre. Unprotected components keep post's values.
func (m *Mask) Restore(pre, post core.ModelState) (core.ModelState, error) {
	out := post.Clone()
	for _, layer := range m.Layers() {
		lm := m.layers[layer]
		before, err := pre.Get(layer)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRestoreShape, err)
		}
		after, err := post.Get(layer)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRestoreShape, err)
		}
		if !before.SameShape(after) {
			return nil, fmt.Errorf("%w: %q is %v before fine-tuning and %v after", ErrRestoreShape, layer, before.Shape, after.Shape)
		}
		cPre, err := m.Coefficients(layer, before)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRestoreShape, err)
		}
		cPost, err := m.Coefficients(layer, after)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRestoreShape, err)
		}
		_, in := cPost.Dims()
		for k, p := range lm.protect {
			if p {
				cPost.Set(k/in, k%in, cPre.At(k/in, k%in))
			}
		}
		var w mat.Dense
		w.Mul(cPost, lm.basis.T())
		out[layer] = core.FromDense(&w)
	}
	return out, nil
}

func (lm *layerMask) checkShape(layer string, w mat.Matrix) error {
	r, c := w.Dims()
	ar, ac := lm.anchor.Dims()
	if r != ar || c != ac {
		return &core.ShapeMismatchError{Name: layer, Want: []int{ar, ac}, Got: []int{r, c}}
	}
	return nil
}

const (
	suffixBasis   = ".basis"
	suffixProtect = ".protect"
	suffixAnchor  = ".anchor"
	fractionKey   = "warp.fraction_to_keep"
)

// Encode flattens the mask into tensors for the checkpoint "warp" section plus metadata.
func (m *Mask) Encode() (core.ModelState, map[string]string) {
	state := make(core.ModelState, 3*len(m.layers))
	for name, lm := range m.layers {
		r, c := lm.anchor.Dims()
		protect := core.NewTensor([]int{r, c})
		for k, p := range lm.protect {
			if p {
				protect.Data[k] = 1
			}
		}
		state[name+suffixBasis] = core.FromDense(lm.basis)
		state[name+suffixProtect] = protect
		state[name+suffixAnchor] = core.FromDense(lm.anchor)
	}
	meta := map[string]string{fractionKey: strconv.FormatFloat(m.fraction, 'g', -1, 64)}
	return state, meta
}

// Decode rebuilds a mask from a checkpoint "warp" section.
func Decode(section core.ModelState, meta map[string]string) (*Mask, error) {
	m := &Mask{layers: make(map[string]*layerMask)}
	if v, ok := meta[fractionKey]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("bad %s: %w", fractionKey, err)
		}
		m.fraction = f
	}
	for _, name := range section.Names() {
		if !strings.HasSuffix(name, suffixBasis) {
			continue
		}
		layer := strings.TrimSuffix(name, suffixBasis)
		basisT := section[name]
		protectT, ok := section[layer+suffixProtect]
		if !ok {
			return nil, fmt.Errorf("layer %q has no protect tensor", layer)
		}
		anchorT, ok := section[layer+suffixAnchor]
		if !ok {
			return nil, fmt.Errorf("layer %q has no anchor tensor", layer)
		}
		basis, err := core.ToDense(basisT)
		if err != nil {
			return nil, err
		}
		anchor, err := core.ToDense(anchorT)
		if err != nil {
			return nil, err
		}
		_, in := anchor.Dims()
		if br, bc := basis.Dims(); br != in || bc != in {
			return nil, fmt.Errorf("layer %q basis is %dx%d, want %dx%d", layer, br, bc, in, in)
		}
		if !protectT.SameShape(anchorT) {
			return nil, fmt.Errorf("layer %q protect/anchor shape mismatch", layer)
		}
		protect := make([]bool, protectT.Size())
		for k, v := range protectT.Data {
			protect[k] = v != 0
		}
		m.layers[layer] = &layerMask{basis: basis, protect: protect, anchor: anchor}
	}
	if len(m.layers) == 0 {
		return nil, errors.New("checkpoint carries no importance mask")
	}
	return m, nil
}

// internal/core/dense.go
package core

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ToDense copies a 2D tensor into a float64 matrix.
func ToDense(t *Tensor) (*mat.Dense, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("expected 2D tensor, got shape %v", t.Shape)
	}
	data := make([]float64, len(t.Data))
	for i, v := range t.Data {
		data[i] = float64(v)
	}
	return mat.NewDense(t.Shape[0], t.Shape[1], data), nil
}

// FromDense copies a matrix into a new 2D tensor.
func FromDense(m mat.Matrix) *Tensor {
	r, c := m.Dims()
	t := NewTensor([]int{r, c})
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			t.Data[i*c+j] = float32(m.At(i, j))
		}
	}
	return t
}

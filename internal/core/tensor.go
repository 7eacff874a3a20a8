// internal/core/tensor.go
package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
)

// ErrIncompatible is returned when two model states do not carry the same parameter set.
var ErrIncompatible = errors.New("incompatible model state")

// Tensor - dense row-major float32 storage
type Tensor struct {
	Data  []float32
	Shape []int
}

// ShapeMismatchError reports a parameter whose shape differs from the expected architecture.
type ShapeMismatchError struct {
	Name string
	Want []int
	Got  []int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch for %q: want %v, got %v", e.Name, e.Want, e.Got)
}

func NewTensor(shape []int) *Tensor {
	s := append([]int(nil), shape...)
	return &Tensor{
		Data:  make([]float32, numel(s)),
		Shape: s,
	}
}

// FromData wraps data without copying it.
func FromData(shape []int, data []float32) (*Tensor, error) {
	if numel(shape) != len(data) {
		return nil, fmt.Errorf("tensor of shape %v needs %d values, got %d", shape, numel(shape), len(data))
	}
	return &Tensor{Data: data, Shape: append([]int(nil), shape...)}, nil
}

func (t *Tensor) Size() int {
	return len(t.Data)
}

func (t *Tensor) Clone() *Tensor {
	c := &Tensor{
		Data:  make([]float32, len(t.Data)),
		Shape: append([]int(nil), t.Shape...),
	}
	copy(c.Data, t.Data)
	return c
}

func (t *Tensor) SameShape(other *Tensor) bool {
	if len(t.Shape) != len(other.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != other.Shape[i] {
			return false
		}
	}
	return true
}

// Row returns a view of row i of a 2D tensor.
func (t *Tensor) Row(i int) []float32 {
	cols := t.Shape[len(t.Shape)-1]
	return t.Data[i*cols : (i+1)*cols]
}

// AllFinite reports whether no element is NaN or Inf.
func (t *Tensor) AllFinite() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// ModelState - the full set of learnable parameters at a point in a run, keyed by name.
// A ModelState handed to another component is owned by it; use Clone before retaining one.
type ModelState map[string]*Tensor

func (s ModelState) Clone() ModelState {
	c := make(ModelState, len(s))
	for name, t := range s {
		c[name] = t.Clone()
	}
	return c
}

// Names returns parameter names in sorted order.
func (s ModelState) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s ModelState) Get(name string) (*Tensor, error) {
	t, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("%w: missing parameter %q", ErrIncompatible, name)
	}
	return t, nil
}

// NumParams counts scalar parameters.
func (s ModelState) NumParams() int {
	n := 0
	for _, t := range s {
		n += t.Size()
	}
	return n
}

// CheckCompatible verifies that s has exactly the parameters of ref with identical shapes.
// Partial loads are never accepted.
func (s ModelState) CheckCompatible(ref ModelState) error {
	for _, name := range ref.Names() {
		got, ok := s[name]
		if !ok {
			return fmt.Errorf("%w: missing parameter %q", ErrIncompatible, name)
		}
		if want := ref[name]; !got.SameShape(want) {
			return &ShapeMismatchError{Name: name, Want: want.Shape, Got: got.Shape}
		}
	}
	for _, name := range s.Names() {
		if _, ok := ref[name]; !ok {
			return fmt.Errorf("%w: unexpected parameter %q", ErrIncompatible, name)
		}
	}
	return nil
}

// Fingerprint hashes names, shapes and raw bits of every parameter whose name has the prefix.
// An empty prefix covers the whole state.
func (s ModelState) Fingerprint(prefix string) uint64 {
	h := fnv.New64a()
	buf := make([]byte, 4)
	for _, name := range s.Names() {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		t := s[name]
		h.Write([]byte(name))
		for _, d := range t.Shape {
			binary.LittleEndian.PutUint32(buf, uint32(d))
			h.Write(buf)
		}
		for _, v := range t.Data {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			h.Write(buf)
		}
	}
	return h.Sum64()
}

// Equal reports bit-identical equality.
func (s ModelState) Equal(other ModelState) bool {
	if len(s) != len(other) {
		return false
	}
	for name, t := range s {
		o, ok := other[name]
		if !ok || !t.SameShape(o) {
			return false
		}
		for i := range t.Data {
			if math.Float32bits(t.Data[i]) != math.Float32bits(o.Data[i]) {
				return false
			}
		}
	}
	return true
}

func numel(shape []int) int {
	size := 1
	for _, d := range shape {
		size *= d
	}
	return size
}

// internal/optim/sgd.go
package optim

import (
	"fmt"

	"github.com/lumix-ai/warp/internal/core"
)

// SGD - stochastic gradient descent with momentum, optional nesterov and L2 weight decay
type SGD struct {
	LR          float64
	Momentum    float64
	WeightDecay float64
	Nesterov    bool

	velocity map[string][]float64
}

func NewSGD(lr, momentum, weightDecay float64, nesterov bool) *SGD {
	return &SGD{
		LR:          lr,
		Momentum:    momentum,
		WeightDecay: weightDecay,
		Nesterov:    nesterov,
		velocity:    make(map[string][]float64),
	}
}

// Step updates the named parameters of state in place from grads.
// Parameters without a gradient entry are left untouched.
func (o *SGD) Step(state core.ModelState, grads map[string][]float64) error {
	for name, g := range grads {
		p, err := state.Get(name)
		if err != nil {
			return err
		}
		if len(g) != p.Size() {
			return fmt.Errorf("gradient for %q has %d values, parameter has %d", name, len(g), p.Size())
		}
		v, ok := o.velocity[name]
		if !ok {
			v = make([]float64, len(g))
			o.velocity[name] = v
		}
		for i := range g {
			d := g[i] + o.WeightDecay*float64(p.Data[i])
			if o.Momentum != 0 {
				v[i] = o.Momentum*v[i] + d
				if o.Nesterov {
					d += o.Momentum * v[i]
				} else {
					d = v[i]
				}
			}
			p.Data[i] -= float32(o.LR * d)
		}
	}
	return nil
}

// Reset drops momentum buffers.
func (o *SGD) Reset() {
	o.velocity = make(map[string][]float64)
}

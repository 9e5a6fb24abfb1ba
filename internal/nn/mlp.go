package nn

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// MLP is a stack of Dense layers sharing one hidden activation.
type MLP struct {
	Layers []*Dense
}

type MLPCache struct {
	layers []*DenseCache
}

func NewMLP(name string, in int, hidden []int, activation string, rng *rand.Rand) (*MLP, error) {
	m := &MLP{}
	prev := in
	for i, width := range hidden {
		layer, err := NewDense(fmt.Sprintf("%s/dense_%d", name, i), prev, width, activation, rng)
		if err != nil {
			return nil, err
		}
		m.Layers = append(m.Layers, layer)
		prev = width
	}
	return m, nil
}

// OutDim is the width of the last layer, or in when the stack is empty.
func (m *MLP) OutDim(in int) int {
	if len(m.Layers) == 0 {
		return in
	}
	return m.Layers[len(m.Layers)-1].OutDim()
}

func (m *MLP) Params() []*Param {
	var out []*Param
	for _, l := range m.Layers {
		out = append(out, l.Params()...)
	}
	return out
}

func (m *MLP) Forward(x *mat.Dense) (*mat.Dense, *MLPCache) {
	cache := &MLPCache{layers: make([]*DenseCache, len(m.Layers))}
	h := x
	for i, l := range m.Layers {
		h, cache.layers[i] = l.Forward(h)
	}
	return h, cache
}

func (m *MLP) Backward(c *MLPCache, dOut *mat.Dense) *mat.Dense {
	g := dOut
	for i := len(m.Layers) - 1; i >= 0; i-- {
		g = m.Layers[i].Backward(c.layers[i], g)
	}
	return g
}

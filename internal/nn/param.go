package nn

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Param is a trainable matrix with its accumulated gradient.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

func NewParam(name string, rows, cols int) *Param {
	return &Param{
		Name:  name,
		Value: mat.NewDense(rows, cols, nil),
		Grad:  mat.NewDense(rows, cols, nil),
	}
}

func (p *Param) ZeroGrad() {
	p.Grad.Zero()
}

func (p *Param) Size() int {
	r, c := p.Value.Dims()
	return r * c
}

// Shape returns the (rows, cols) pair as a slice, matching how tensors are
// persisted.
func (p *Param) Shape() []int {
	r, c := p.Value.Dims()
	return []int{r, c}
}

// Data exposes the row-major backing array of the value.
func (p *Param) Data() []float64 {
	return p.Value.RawMatrix().Data
}

func (p *Param) GradData() []float64 {
	return p.Grad.RawMatrix().Data
}

// Load copies data into the value, checking the shape.
func (p *Param) Load(shape []int, data []float64) error {
	r, c := p.Value.Dims()
	if len(shape) != 2 || shape[0] != r || shape[1] != c {
		return fmt.Errorf("param %s: shape mismatch: have [%d %d], got %v", p.Name, r, c, shape)
	}
	if len(data) != r*c {
		return fmt.Errorf("param %s: expected %d values, got %d", p.Name, r*c, len(data))
	}
	copy(p.Data(), data)
	return nil
}

// ZeroGrads resets every gradient in params.
func ZeroGrads(params []*Param) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

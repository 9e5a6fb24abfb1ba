package nn

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Dense is a fully connected layer computing act(xW + b).
type Dense struct {
	W          *Param
	B          *Param
	activation ActivationSpec
}

// DenseCache holds what Backward needs from a Forward call.
type DenseCache struct {
	In  *mat.Dense
	Pre *mat.Dense
}

func NewDense(name string, in, out int, activation string, rng *rand.Rand) (*Dense, error) {
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("dense %s: invalid dims %dx%d", name, in, out)
	}
	spec, err := GetActivation(activation)
	if err != nil {
		return nil, fmt.Errorf("dense %s: %w", name, err)
	}
	d := &Dense{
		W:          NewParam(name+"/kernel", in, out),
		B:          NewParam(name+"/bias", 1, out),
		activation: spec,
	}
	GlorotUniform(d.W, rng)
	return d, nil
}

func (d *Dense) Params() []*Param {
	return []*Param{d.W, d.B}
}

func (d *Dense) Activation() string {
	return d.activation.Name
}

func (d *Dense) OutDim() int {
	_, c := d.W.Value.Dims()
	return c
}

func (d *Dense) Forward(x *mat.Dense) (*mat.Dense, *DenseCache) {
	rows, _ := x.Dims()
	_, cols := d.W.Value.Dims()
	pre := mat.NewDense(rows, cols, nil)
	pre.Mul(x, d.W.Value)
	bias := d.B.Value.RawRowView(0)
	for i := 0; i < rows; i++ {
		row := pre.RawRowView(i)
		for j := range row {
			row[j] += bias[j]
		}
	}
	out := mat.NewDense(rows, cols, nil)
	out.Apply(func(_, _ int, v float64) float64 { return d.activation.Func(v) }, pre)
	return out, &DenseCache{In: x, Pre: pre}
}

// Backward accumulates parameter gradients and returns the gradient with
// respect to the layer input.
func (d *Dense) Backward(c *DenseCache, dOut *mat.Dense) *mat.Dense {
	rows, cols := c.Pre.Dims()
	dPre := mat.NewDense(rows, cols, nil)
	dPre.Apply(func(i, j int, v float64) float64 {
		return v * d.activation.Derivative(c.Pre.At(i, j))
	}, dOut)

	var dW mat.Dense
	dW.Mul(c.In.T(), dPre)
	d.W.Grad.Add(d.W.Grad, &dW)

	bg := d.B.Grad.RawRowView(0)
	for i := 0; i < rows; i++ {
		row := dPre.RawRowView(i)
		for j := range row {
			bg[j] += row[j]
		}
	}

	_, in := c.In.Dims()
	dIn := mat.NewDense(rows, in, nil)
	dIn.Mul(dPre, d.W.Value.T())
	return dIn
}

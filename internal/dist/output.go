package dist

import (
	"errors"
	"fmt"
	"math"

	"cpvae/internal/nn"

	"gonum.org/v1/gonum/mat"
)

var ErrUnknownOutputDist = errors.New("unknown output distribution")

var halfLog2Pi = 0.5 * math.Log(2*math.Pi)

// OutputDist is the decoder likelihood over pixels.
type OutputDist interface {
	Name() string
	// NLL returns the per-row negative log likelihood of x and its gradients
	// with respect to loc and scale.
	NLL(x, loc, scale *mat.Dense) (nll []float64, dLoc, dScale *mat.Dense)
	// Mean maps decoder outputs to pixel intensities.
	Mean(loc *mat.Dense) *mat.Dense
}

// NewOutputDist resolves "l2" or "bernoulli".
func NewOutputDist(name string) (OutputDist, error) {
	switch name {
	case "l2":
		return Gaussian{}, nil
	case "bernoulli":
		return Bernoulli{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOutputDist, name)
	}
}

func OutputDists() []string {
	return []string{"bernoulli", "l2"}
}

// Gaussian has a learned per-pixel scale.
type Gaussian struct{}

func (Gaussian) Name() string { return "l2" }

func (Gaussian) NLL(x, loc, scale *mat.Dense) ([]float64, *mat.Dense, *mat.Dense) {
	rows, cols := x.Dims()
	nll := make([]float64, rows)
	dLoc := mat.NewDense(rows, cols, nil)
	dScale := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		var total float64
		for j := 0; j < cols; j++ {
			s := scale.At(i, j)
			r := x.At(i, j) - loc.At(i, j)
			total += 0.5*r*r/(s*s) + math.Log(s) + halfLog2Pi
			dLoc.Set(i, j, -r/(s*s))
			dScale.Set(i, j, -r*r/(s*s*s)+1/s)
		}
		nll[i] = total
	}
	return nll, dLoc, dScale
}

func (Gaussian) Mean(loc *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.CloneFrom(loc)
	return &out
}

// Bernoulli treats loc as logits and ignores scale.
type Bernoulli struct{}

func (Bernoulli) Name() string { return "bernoulli" }

func (Bernoulli) NLL(x, loc, _ *mat.Dense) ([]float64, *mat.Dense, *mat.Dense) {
	rows, cols := x.Dims()
	nll := make([]float64, rows)
	dLoc := mat.NewDense(rows, cols, nil)
	dScale := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		var total float64
		for j := 0; j < cols; j++ {
			l := loc.At(i, j)
			v := x.At(i, j)
			total += nn.Softplus(l) - v*l
			dLoc.Set(i, j, nn.Sigmoid(l)-v)
		}
		nll[i] = total
	}
	return nll, dLoc, dScale
}

func (Bernoulli) Mean(loc *mat.Dense) *mat.Dense {
	r, c := loc.Dims()
	out := mat.NewDense(r, c, nil)
	out.Apply(func(_, _ int, v float64) float64 { return nn.Sigmoid(v) }, loc)
	return out
}

// Package dist holds the posterior, prior, and output distributions used by
// the model together with the rate terms between them.
package dist

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

var ErrShapeMismatch = errors.New("distribution shape mismatch")

// DiagGaussian is a batch of independent diagonal Gaussians, one per row.
type DiagGaussian struct {
	Loc   *mat.Dense
	Scale *mat.Dense
}

func NewDiagGaussian(loc, scale *mat.Dense) (*DiagGaussian, error) {
	lr, lc := loc.Dims()
	sr, sc := scale.Dims()
	if lr != sr || lc != sc {
		return nil, fmt.Errorf("%w: loc %dx%d, scale %dx%d", ErrShapeMismatch, lr, lc, sr, sc)
	}
	return &DiagGaussian{Loc: loc, Scale: scale}, nil
}

// Dims returns (batch size, latent dimension).
func (g *DiagGaussian) Dims() (int, int) {
	return g.Loc.Dims()
}

// Sample draws one reparameterized sample per row and returns the standard
// normal noise alongside z = loc + scale*eps.
func (g *DiagGaussian) Sample(rng *rand.Rand) (eps, z *mat.Dense) {
	rows, cols := g.Dims()
	eps = mat.NewDense(rows, cols, nil)
	z = mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			e := rng.NormFloat64()
			eps.Set(i, j, e)
			z.Set(i, j, g.Loc.At(i, j)+g.Scale.At(i, j)*e)
		}
	}
	return eps, z
}

// LogProb evaluates the density of row i at z.
func (g *DiagGaussian) LogProb(i int, z []float64) float64 {
	var lp float64
	for j, v := range z {
		lp += distuv.Normal{Mu: g.Loc.At(i, j), Sigma: g.Scale.At(i, j)}.LogProb(v)
	}
	return lp
}

// StddevStats summarizes every scale entry of the batch.
func (g *DiagGaussian) StddevStats() (lo, hi, mean float64) {
	data := g.Scale.RawMatrix()
	lo, hi = math.Inf(1), math.Inf(-1)
	var n int
	for i := 0; i < data.Rows; i++ {
		for _, v := range g.Scale.RawRowView(i) {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
			mean += v
			n++
		}
	}
	if n > 0 {
		mean /= float64(n)
	}
	return lo, hi, mean
}

// LocStats summarizes every loc entry of the batch.
func (g *DiagGaussian) LocStats() (lo, hi, mean float64) {
	rows, cols := g.Dims()
	lo, hi = math.Inf(1), math.Inf(-1)
	for i := 0; i < rows; i++ {
		for _, v := range g.Loc.RawRowView(i) {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
			mean += v
		}
	}
	if rows*cols > 0 {
		mean /= float64(rows * cols)
	}
	return lo, hi, mean
}

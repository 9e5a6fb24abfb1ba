package dist

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// DefaultMCSamples is the Monte-Carlo sample count used when no closed form
// divergence exists.
const DefaultMCSamples = 16

// Rate holds a per-example divergence and its gradients with respect to the
// posterior loc and scale.
type Rate struct {
	Values []float64
	DLoc   *mat.Dense
	DScale *mat.Dense
}

// KLIsotropic is the closed-form KL(q || N(0, s^2 I)) for each posterior row.
func KLIsotropic(q *DiagGaussian, p *Isotropic) Rate {
	rows, cols := q.Dims()
	out := Rate{
		Values: make([]float64, rows),
		DLoc:   mat.NewDense(rows, cols, nil),
		DScale: mat.NewDense(rows, cols, nil),
	}
	pv := p.Sigma * p.Sigma
	for i := 0; i < rows; i++ {
		var kl float64
		for j := 0; j < cols; j++ {
			mu := q.Loc.At(i, j)
			s := q.Scale.At(i, j)
			kl += math.Log(p.Sigma/s) + (s*s+mu*mu)/(2*pv) - 0.5
			out.DLoc.Set(i, j, mu/pv)
			out.DScale.Set(i, j, -1/s+s/pv)
		}
		out.Values[i] = kl
	}
	return out
}

// MonteCarloRate estimates KL(q || p) per row as the mean over samples of
// log q(z) - log p(z) with reparameterized z. Gradients flow through z.
func MonteCarloRate(q *DiagGaussian, p Prior, samples int, rng *rand.Rand) Rate {
	if samples <= 0 {
		samples = DefaultMCSamples
	}
	rows, cols := q.Dims()
	out := Rate{
		Values: make([]float64, rows),
		DLoc:   mat.NewDense(rows, cols, nil),
		DScale: mat.NewDense(rows, cols, nil),
	}
	z := make([]float64, cols)
	eps := make([]float64, cols)
	score := make([]float64, cols)
	inv := 1 / float64(samples)
	for i := 0; i < rows; i++ {
		loc := q.Loc.RawRowView(i)
		scale := q.Scale.RawRowView(i)
		dLoc := out.DLoc.RawRowView(i)
		dScale := out.DScale.RawRowView(i)
		var total float64
		for s := 0; s < samples; s++ {
			for j := range z {
				eps[j] = rng.NormFloat64()
				z[j] = loc[j] + scale[j]*eps[j]
			}
			total += q.LogProb(i, z) - p.LogProb(z)
			p.ScoreInput(score, z)
			for j := range z {
				// log q under reparameterization only depends on scale.
				dLoc[j] -= inv * score[j]
				dScale[j] += inv * (-1/scale[j] - score[j]*eps[j])
			}
		}
		out.Values[i] = total * inv
	}
	return out
}

// ComputeRate dispatches to the closed form when the prior allows it.
func ComputeRate(q *DiagGaussian, p Prior, samples int, rng *rand.Rand) Rate {
	if iso, ok := p.(*Isotropic); ok {
		return KLIsotropic(q, iso)
	}
	return MonteCarloRate(q, p, samples, rng)
}

package vae

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"cpvae/internal/ddt"
	"cpvae/internal/dist"
	"cpvae/internal/numeric"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

var ErrNoSupport = errors.New("class has no support in any leaf")

// decodeImage turns one latent into pixel intensities clipped to [0,1].
func (m *Model) decodeImage(z []float64) []float64 {
	loc, _ := m.Decode(mat.NewDense(1, len(z), z))
	mean := m.output.Mean(loc)
	img := append([]float64(nil), mean.RawRowView(0)...)
	for i, v := range img {
		img[i] = numeric.Clamp(v, 0, 1)
	}
	return img
}

// SamplePrior draws a latent from prior and decodes it.
func (m *Model) SamplePrior(prior dist.Prior, rng *rand.Rand) []float64 {
	return m.decodeImage(prior.Sample(nil, rng))
}

// SampleClass draws a leaf with probability proportional to its mixture
// weight times P(class | leaf), samples that component, and decodes it.
func (m *Model) SampleClass(snap *ddt.Snapshot, class int, rng *rand.Rand) ([]float64, error) {
	if snap == nil {
		return nil, ddt.ErrNoTree
	}
	if class < 0 || class >= snap.Tree.NumClasses {
		return nil, fmt.Errorf("class %d outside [0,%d)", class, snap.Tree.NumClasses)
	}
	pi := snap.LeafClassProbs()
	weights := make([]float64, len(pi))
	var total float64
	for k := range weights {
		weights[k] = snap.Mixture.Weights[k] * pi[k][class]
		total += weights[k]
	}
	if total == 0 {
		return nil, fmt.Errorf("%w: %d", ErrNoSupport, class)
	}
	k := int(distuv.NewCategorical(weights, rng).Rand())
	return m.decodeImage(snap.Mixture.SampleComponent(k, nil, rng)), nil
}

// Interpolate decodes steps evenly spaced latents on the segment between the
// means of two leaf components.
func (m *Model) Interpolate(snap *ddt.Snapshot, from, to, steps int) ([][]float64, error) {
	if snap == nil {
		return nil, ddt.ErrNoTree
	}
	n := snap.Mixture.Len()
	if from < 0 || from >= n || to < 0 || to >= n {
		return nil, fmt.Errorf("leaf index out of range: %d, %d of %d", from, to, n)
	}
	if steps < 2 {
		return nil, fmt.Errorf("interpolation needs at least 2 steps, got %d", steps)
	}
	a, b := snap.Mixture.Means[from], snap.Mixture.Means[to]
	out := make([][]float64, steps)
	z := make([]float64, len(a))
	for s := range out {
		t := float64(s) / float64(steps-1)
		for j := range z {
			z[j] = (1-t)*a[j] + t*b[j]
		}
		out[s] = m.decodeImage(z)
	}
	return out, nil
}

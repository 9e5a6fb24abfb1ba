package dist

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"
)

var (
	ErrNotPositiveDefinite = errors.New("covariance is not positive definite")
	ErrInvalidWeights      = errors.New("invalid mixture weights")
)

// Prior is a density over the latent space.
type Prior interface {
	Dim() int
	LogProb(z []float64) float64
	// ScoreInput stores the gradient of LogProb with respect to z in dst.
	ScoreInput(dst, z []float64) []float64
	Sample(dst []float64, rng *rand.Rand) []float64
}

// Isotropic is N(0, Sigma^2 I).
type Isotropic struct {
	D     int
	Sigma float64
}

func NewIsotropic(dim int, sigma float64) *Isotropic {
	return &Isotropic{D: dim, Sigma: sigma}
}

func (p *Isotropic) Dim() int { return p.D }

func (p *Isotropic) LogProb(z []float64) float64 {
	n := distuv.Normal{Mu: 0, Sigma: p.Sigma}
	var lp float64
	for _, v := range z {
		lp += n.LogProb(v)
	}
	return lp
}

func (p *Isotropic) ScoreInput(dst, z []float64) []float64 {
	dst = reuse(dst, len(z))
	v := p.Sigma * p.Sigma
	for i, x := range z {
		dst[i] = -x / v
	}
	return dst
}

func (p *Isotropic) Sample(dst []float64, rng *rand.Rand) []float64 {
	dst = reuse(dst, p.D)
	for i := range dst {
		dst[i] = p.Sigma * rng.NormFloat64()
	}
	return dst
}

// Mixture is a weighted sum of full-covariance Gaussians.
type Mixture struct {
	Weights    []float64
	Means      [][]float64
	Covs       []*mat.SymDense
	components []*distmv.Normal
	chols      []*mat.Cholesky
	logWeights []float64
}

// NewMixture validates the components and factorizes every covariance.
func NewMixture(weights []float64, means [][]float64, covs []*mat.SymDense) (*Mixture, error) {
	if len(weights) == 0 || len(weights) != len(means) || len(weights) != len(covs) {
		return nil, fmt.Errorf("%w: %d weights, %d means, %d covariances", ErrInvalidWeights, len(weights), len(means), len(covs))
	}
	for _, w := range weights {
		if w < 0 || math.IsNaN(w) {
			return nil, fmt.Errorf("%w: negative or NaN weight %g", ErrInvalidWeights, w)
		}
	}
	if s := floats.Sum(weights); math.Abs(s-1) > 1e-9 {
		return nil, fmt.Errorf("%w: weights sum to %g", ErrInvalidWeights, s)
	}
	dim := len(means[0])
	m := &Mixture{
		Weights:    append([]float64(nil), weights...),
		Means:      make([][]float64, len(means)),
		Covs:       make([]*mat.SymDense, len(covs)),
		components: make([]*distmv.Normal, len(means)),
		chols:      make([]*mat.Cholesky, len(means)),
		logWeights: make([]float64, len(weights)),
	}
	for k := range means {
		if len(means[k]) != dim || covs[k].SymmetricDim() != dim {
			return nil, fmt.Errorf("%w: component %d", ErrShapeMismatch, k)
		}
		var chol mat.Cholesky
		if ok := chol.Factorize(covs[k]); !ok {
			return nil, fmt.Errorf("component %d: %w", k, ErrNotPositiveDefinite)
		}
		m.Means[k] = append([]float64(nil), means[k]...)
		m.Covs[k] = mat.NewSymDense(dim, nil)
		m.Covs[k].CopySym(covs[k])
		m.chols[k] = &chol
		m.components[k] = distmv.NewNormalChol(m.Means[k], &chol, nil)
		m.logWeights[k] = math.Log(weights[k])
	}
	return m, nil
}

func (m *Mixture) Dim() int { return len(m.Means[0]) }

func (m *Mixture) Len() int { return len(m.Weights) }

// Component exposes the k-th Gaussian.
func (m *Mixture) Component(k int) *distmv.Normal { return m.components[k] }

func (m *Mixture) componentLogProbs(z []float64) []float64 {
	lp := make([]float64, len(m.components))
	for k, c := range m.components {
		lp[k] = m.logWeights[k] + c.LogProb(z)
	}
	return lp
}

func (m *Mixture) LogProb(z []float64) float64 {
	return floats.LogSumExp(m.componentLogProbs(z))
}

// ScoreInput is the responsibility-weighted sum of component scores.
func (m *Mixture) ScoreInput(dst, z []float64) []float64 {
	dst = reuse(dst, len(z))
	for i := range dst {
		dst[i] = 0
	}
	lp := m.componentLogProbs(z)
	total := floats.LogSumExp(lp)
	score := make([]float64, len(z))
	for k, c := range m.components {
		if m.Weights[k] == 0 {
			continue
		}
		r := math.Exp(lp[k] - total)
		if r == 0 || math.IsNaN(r) {
			continue
		}
		c.ScoreInput(score, z)
		floats.AddScaled(dst, r, score)
	}
	return dst
}

// Sample picks a component by weight and draws from it.
func (m *Mixture) Sample(dst []float64, rng *rand.Rand) []float64 {
	k := int(distuv.NewCategorical(m.Weights, rng).Rand())
	return m.SampleComponent(k, dst, rng)
}

func (m *Mixture) SampleComponent(k int, dst []float64, rng *rand.Rand) []float64 {
	dst = reuse(dst, m.Dim())
	return distmv.NormalRand(dst, m.Means[k], m.chols[k], rng)
}

func reuse(dst []float64, n int) []float64 {
	if dst == nil {
		return make([]float64, n)
	}
	if len(dst) != n {
		panic("dist: length mismatch")
	}
	return dst
}

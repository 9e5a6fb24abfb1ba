package ddt

import (
	"math"

	"cpvae/internal/dist"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// DefaultCovJitter is added to every leaf covariance diagonal.
const DefaultCovJitter = 1e-4

type nodeStats struct {
	mean  []float64
	cov   *mat.SymDense
	count int
}

// LeafMixture builds one Gaussian component per leaf from the latents routed
// to it. Weights are the leaf populations divided by len(X). Nodes are
// visited in pre-order so fallbacks can borrow from the parent.
func LeafMixture(t *Tree, X [][]float64, jitter float64, log logrus.FieldLogger) (*dist.Mixture, error) {
	if len(X) == 0 {
		return nil, ErrNoExamples
	}
	dim := t.Dim
	members := make([][]int, len(t.Nodes))
	for i, x := range X {
		for n := t.Route(x); n >= 0; n = t.Nodes[n].Parent {
			members[n] = append(members[n], i)
		}
	}

	stats := make([]nodeStats, len(t.Nodes))
	for n, node := range t.Nodes {
		var parent *nodeStats
		if node.Parent >= 0 {
			parent = &stats[node.Parent]
		}
		stats[n] = computeNodeStats(X, members[n], dim, jitter, parent, log.WithField("node", n))
	}

	weights := make([]float64, t.NumLeaves())
	means := make([][]float64, t.NumLeaves())
	covs := make([]*mat.SymDense, t.NumLeaves())
	total := float64(len(X))
	for k := range weights {
		s := stats[t.Leaf(k)]
		weights[k] = float64(s.count) / total
		means[k] = s.mean
		covs[k] = s.cov
	}
	return dist.NewMixture(weights, means, covs)
}

func computeNodeStats(X [][]float64, members []int, dim int, jitter float64, parent *nodeStats, log logrus.FieldLogger) nodeStats {
	s := nodeStats{count: len(members)}
	switch len(members) {
	case 0:
		log.Warn("leaf has no routed latents, using parent statistics")
		if parent == nil {
			s.mean = make([]float64, dim)
			s.cov = identity(dim)
			return s
		}
		s.mean = append([]float64(nil), parent.mean...)
		s.cov = parent.cov
		return s
	case 1:
		s.mean = append([]float64(nil), X[members[0]]...)
		if parent == nil {
			log.Warn("root has a single latent, using identity covariance")
			s.cov = identity(dim)
		} else {
			log.Warn("leaf has a single latent, using parent covariance")
			s.cov = parent.cov
		}
		return s
	}

	data := mat.NewDense(len(members), dim, nil)
	for r, i := range members {
		data.SetRow(r, X[i])
	}
	s.mean = make([]float64, dim)
	for j := 0; j < dim; j++ {
		s.mean[j] = stat.Mean(mat.Col(nil, j, data), nil)
	}
	cov := mat.NewSymDense(dim, nil)
	stat.CovarianceMatrix(cov, data, nil)
	for j := 0; j < dim; j++ {
		cov.SetSym(j, j, cov.At(j, j)+jitter)
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok || hasNonFinite(cov) {
		if parent == nil {
			log.Warn("root covariance not positive definite, using identity")
			s.cov = identity(dim)
		} else {
			log.Warn("covariance not positive definite, using parent covariance")
			s.cov = parent.cov
		}
		return s
	}
	s.cov = cov
	return s
}

func identity(dim int) *mat.SymDense {
	m := mat.NewSymDense(dim, nil)
	for i := 0; i < dim; i++ {
		m.SetSym(i, i, 1)
	}
	return m
}

func hasNonFinite(m *mat.SymDense) bool {
	n := m.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return true
			}
		}
	}
	return false
}

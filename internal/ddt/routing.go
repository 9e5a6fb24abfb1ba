package ddt

import (
	"math"

	"cpvae/internal/dist"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

const probFloor = 1e-10

// Routing is the result of soft routing a posterior batch. It keeps what
// Backward needs.
type Routing struct {
	Logits *mat.Dense

	snap   *Snapshot
	post   *dist.DiagGaussian
	probs  *mat.Dense
	branch [][]float64 // per row, P(right) for each node
	leafP  [][]float64 // per row, P(leaf k)
	pi     [][]float64 // per leaf, smoothed class frequencies
}

// LeafClassProbs returns Laplace-smoothed class frequencies for every leaf.
func (s *Snapshot) LeafClassProbs() [][]float64 {
	t := s.Tree
	out := make([][]float64, t.NumLeaves())
	for k := range out {
		n := t.Nodes[t.Leaf(k)]
		row := make([]float64, t.NumClasses)
		denom := float64(n.Samples + t.NumClasses)
		for c := range row {
			row[c] = float64(n.ClassCounts[c]+1) / denom
		}
		out[k] = row
	}
	return out
}

// Classify routes every posterior row softly through the tree. A split on
// feature f at threshold t sends the row right with probability
// Phi((loc_f - t) / scale_f). Logits are log class probabilities.
func (s *Snapshot) Classify(post *dist.DiagGaussian) *Routing {
	t := s.Tree
	rows, _ := post.Dims()
	r := &Routing{
		Logits: mat.NewDense(rows, t.NumClasses, nil),
		snap:   s,
		post:   post,
		probs:  mat.NewDense(rows, t.NumClasses, nil),
		branch: make([][]float64, rows),
		leafP:  make([][]float64, rows),
		pi:     s.LeafClassProbs(),
	}
	for i := 0; i < rows; i++ {
		branch := make([]float64, len(t.Nodes))
		for n, node := range t.Nodes {
			if node.IsLeaf() {
				continue
			}
			u := (post.Loc.At(i, node.Feature) - node.Threshold) / post.Scale.At(i, node.Feature)
			branch[n] = distuv.UnitNormal.CDF(u)
		}
		leafP := make([]float64, t.NumLeaves())
		for k := range leafP {
			p := 1.0
			for _, step := range t.leafPath(t.Leaf(k)) {
				p *= stepProb(branch[step.node], step.right)
			}
			leafP[k] = p
		}
		probs := r.probs.RawRowView(i)
		for k, p := range leafP {
			for c, pc := range r.pi[k] {
				probs[c] += p * pc
			}
		}
		logits := r.Logits.RawRowView(i)
		for c, p := range probs {
			logits[c] = math.Log(p + probFloor)
		}
		r.branch[i] = branch
		r.leafP[i] = leafP
	}
	return r
}

func stepProb(pRight float64, right bool) float64 {
	if right {
		return pRight
	}
	return 1 - pRight
}

// Backward maps a gradient on the logits to gradients on the posterior loc
// and scale.
func (r *Routing) Backward(dLogits *mat.Dense) (dLoc, dScale *mat.Dense) {
	t := r.snap.Tree
	rows, cols := r.post.Dims()
	dLoc = mat.NewDense(rows, cols, nil)
	dScale = mat.NewDense(rows, cols, nil)
	dBranch := make([]float64, len(t.Nodes))
	for i := 0; i < rows; i++ {
		probs := r.probs.RawRowView(i)
		dLog := dLogits.RawRowView(i)
		for n := range dBranch {
			dBranch[n] = 0
		}
		for k := 0; k < t.NumLeaves(); k++ {
			var gLeaf float64
			for c, pc := range r.pi[k] {
				gLeaf += dLog[c] / (probs[c] + probFloor) * pc
			}
			if gLeaf == 0 {
				continue
			}
			path := t.leafPath(t.Leaf(k))
			for j, step := range path {
				others := 1.0
				for m, other := range path {
					if m != j {
						others *= stepProb(r.branch[i][other.node], other.right)
					}
				}
				sign := -1.0
				if step.right {
					sign = 1
				}
				dBranch[step.node] += gLeaf * others * sign
			}
		}
		for n, node := range t.Nodes {
			if node.IsLeaf() || dBranch[n] == 0 {
				continue
			}
			f := node.Feature
			sigma := r.post.Scale.At(i, f)
			u := (r.post.Loc.At(i, f) - node.Threshold) / sigma
			phi := distuv.UnitNormal.Prob(u)
			dLoc.Set(i, f, dLoc.At(i, f)+dBranch[n]*phi/sigma)
			dScale.Set(i, f, dScale.At(i, f)-dBranch[n]*phi*u/sigma)
		}
	}
	return dLoc, dScale
}

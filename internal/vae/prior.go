package vae

import (
	"context"
	"fmt"
	"math/rand/v2"

	"cpvae/internal/data"
	"cpvae/internal/ddt"
	"cpvae/internal/dist"
	"cpvae/internal/nn"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

const (
	KindIsotropic = "isotropic"
	KindTree      = "tree"
)

// Classification is the classifier output for a posterior batch together
// with its backward pass onto the posterior loc and scale.
type Classification struct {
	Logits   *mat.Dense
	Backward func(dLogits *mat.Dense) (dLoc, dScale *mat.Dense)
}

// PriorModel supplies the latent prior and the classifier over posteriors.
type PriorModel interface {
	Kind() string
	CurrentPrior() (dist.Prior, error)
	Classify(post *dist.DiagGaussian) (*Classification, error)
	Params() []*nn.Param
	// Freeze pins the current prior and classifier so a whole epoch sees the
	// same ones.
	Freeze() (PriorModel, error)
}

// StaticPriorModel is a fixed N(0, I) prior with a linear classifier on the
// posterior loc.
type StaticPriorModel struct {
	prior *dist.Isotropic
	head  *nn.Dense
}

func NewStaticPriorModel(latentDim, numClasses int, rng *rand.Rand) (*StaticPriorModel, error) {
	head, err := nn.NewDense("classifier/linear", latentDim, numClasses, "identity", rng)
	if err != nil {
		return nil, err
	}
	return &StaticPriorModel{prior: dist.NewIsotropic(latentDim, 1), head: head}, nil
}

func (s *StaticPriorModel) Kind() string { return KindIsotropic }

func (s *StaticPriorModel) CurrentPrior() (dist.Prior, error) { return s.prior, nil }

func (s *StaticPriorModel) Params() []*nn.Param { return s.head.Params() }

func (s *StaticPriorModel) Freeze() (PriorModel, error) { return s, nil }

func (s *StaticPriorModel) Classify(post *dist.DiagGaussian) (*Classification, error) {
	logits, cache := s.head.Forward(post.Loc)
	return &Classification{
		Logits: logits,
		Backward: func(dLogits *mat.Dense) (*mat.Dense, *mat.Dense) {
			return s.head.Backward(cache, dLogits), nil
		},
	}, nil
}

// TreePriorModel uses the decision-tree mixture as prior and soft routing
// through the same tree as classifier.
type TreePriorModel struct {
	tree *ddt.DDT
}

func NewTreePriorModel(tree *ddt.DDT) *TreePriorModel {
	return &TreePriorModel{tree: tree}
}

func (t *TreePriorModel) Kind() string { return KindTree }

func (t *TreePriorModel) DDT() *ddt.DDT { return t.tree }

func (t *TreePriorModel) Params() []*nn.Param { return nil }

func (t *TreePriorModel) snapshot() (*ddt.Snapshot, error) {
	snap := t.tree.Snapshot()
	if snap == nil {
		return nil, ddt.ErrNoTree
	}
	return snap, nil
}

func (t *TreePriorModel) CurrentPrior() (dist.Prior, error) {
	snap, err := t.snapshot()
	if err != nil {
		return nil, err
	}
	return snap.Mixture, nil
}

func (t *TreePriorModel) Classify(post *dist.DiagGaussian) (*Classification, error) {
	snap, err := t.snapshot()
	if err != nil {
		return nil, err
	}
	return classifyWith(snap, post), nil
}

func (t *TreePriorModel) Freeze() (PriorModel, error) {
	snap, err := t.snapshot()
	if err != nil {
		return nil, err
	}
	return &frozenTree{snap: snap}, nil
}

// Refit rebuilds the tree from the model's posterior means over batches.
func (t *TreePriorModel) Refit(ctx context.Context, m *Model, batches []data.Batch, opts ddt.UpdateOptions) (float64, error) {
	return t.tree.UpdateModelTree(ctx, batches, m.Posterior, opts)
}

func classifyWith(snap *ddt.Snapshot, post *dist.DiagGaussian) *Classification {
	r := snap.Classify(post)
	return &Classification{Logits: r.Logits, Backward: r.Backward}
}

// frozenTree is a TreePriorModel pinned to one snapshot.
type frozenTree struct {
	snap *ddt.Snapshot
}

func (f *frozenTree) Kind() string { return KindTree }

func (f *frozenTree) CurrentPrior() (dist.Prior, error) { return f.snap.Mixture, nil }

func (f *frozenTree) Classify(post *dist.DiagGaussian) (*Classification, error) {
	return classifyWith(f.snap, post), nil
}

func (f *frozenTree) Params() []*nn.Param { return nil }

func (f *frozenTree) Freeze() (PriorModel, error) { return f, nil }

// NewPriorModel builds the prior variant named by kind.
func NewPriorModel(kind string, latentDim int, cfg ddt.Config, log logrus.FieldLogger, rng *rand.Rand) (PriorModel, error) {
	switch kind {
	case KindIsotropic:
		return NewStaticPriorModel(latentDim, cfg.NumClasses, rng)
	case KindTree:
		tree, err := ddt.New(cfg, log)
		if err != nil {
			return nil, err
		}
		return NewTreePriorModel(tree), nil
	default:
		return nil, fmt.Errorf("%w: unknown prior %q", ErrInvalidConfig, kind)
	}
}

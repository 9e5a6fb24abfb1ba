// Package ddt implements the decision-tree distribution: a CART tree fit on
// posterior means whose leaves define a Gaussian mixture prior and a soft
// routing classifier.
package ddt

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"

	"cpvae/internal/data"
	"cpvae/internal/dist"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

var ErrNoTree = errors.New("decision tree has not been fit")

// Config fixes the shape of every refit.
type Config struct {
	MaxDepth     int
	MaxLeafNodes int
	NumClasses   int
	CovJitter    float64
	Seed         uint64
}

// UpdateOptions tune a single refit.
type UpdateOptions struct {
	Oversample bool
	Debug      bool
	Epoch      int
}

// PosteriorFunc encodes a batch of scaled images without recording
// gradients.
type PosteriorFunc func(x *mat.Dense) *dist.DiagGaussian

// Snapshot is an immutable fitted tree with its mixture prior.
type Snapshot struct {
	Tree     *Tree
	Mixture  *dist.Mixture
	Accuracy float64
	Epoch    int
}

// DDT owns the current snapshot. Readers load it once and keep using it even
// if a refit swaps in a new one.
type DDT struct {
	cfg     Config
	log     logrus.FieldLogger
	current atomic.Pointer[Snapshot]
}

func New(cfg Config, log logrus.FieldLogger) (*DDT, error) {
	if cfg.NumClasses <= 0 {
		return nil, fmt.Errorf("number of classes must be positive: %d", cfg.NumClasses)
	}
	if cfg.CovJitter <= 0 {
		cfg.CovJitter = DefaultCovJitter
	}
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = l
	}
	return &DDT{cfg: cfg, log: log}, nil
}

func (d *DDT) Config() Config {
	return d.cfg
}

// Snapshot returns the current fit or nil before the first refit.
func (d *DDT) Snapshot() *Snapshot {
	return d.current.Load()
}

// Restore installs a snapshot loaded from a checkpoint.
func (d *DDT) Restore(s *Snapshot) error {
	if s == nil || s.Tree == nil || s.Mixture == nil {
		return ErrNoTree
	}
	if s.Mixture.Len() != s.Tree.NumLeaves() {
		return fmt.Errorf("mixture has %d components for %d leaves", s.Mixture.Len(), s.Tree.NumLeaves())
	}
	d.current.Store(s)
	return nil
}

// UpdateModelTree refits the tree and mixture from the posterior means of
// every training example and returns the hard routing accuracy on them. The
// previous snapshot is kept when anything fails.
func (d *DDT) UpdateModelTree(ctx context.Context, batches []data.Batch, posterior PosteriorFunc, opts UpdateOptions) (float64, error) {
	var (
		latents [][]float64
		labels  []int
	)
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		q := posterior(b.Matrix())
		rows, _ := q.Dims()
		for i := 0; i < rows; i++ {
			latents = append(latents, append([]float64(nil), q.Loc.RawRowView(i)...))
			labels = append(labels, b.Labels[i])
		}
	}
	if len(latents) == 0 {
		return 0, ErrNoExamples
	}

	fitX, fitY := latents, labels
	if opts.Oversample {
		rng := rand.New(rand.NewPCG(d.cfg.Seed, uint64(opts.Epoch)))
		fitX, fitY = Oversample(latents, labels, d.cfg.NumClasses, rng)
	}
	tree, err := Fit(fitX, fitY, d.cfg.NumClasses, TreeOptions{
		MaxDepth:     d.cfg.MaxDepth,
		MaxLeafNodes: d.cfg.MaxLeafNodes,
		MinLeaf:      1,
	})
	if err != nil {
		return 0, fmt.Errorf("fit tree: %w", err)
	}
	log := d.log.WithFields(logrus.Fields{"epoch": opts.Epoch, "leaves": tree.NumLeaves()})
	mixture, err := LeafMixture(tree, latents, d.cfg.CovJitter, log)
	if err != nil {
		return 0, fmt.Errorf("leaf mixture: %w", err)
	}
	accuracy := tree.Accuracy(latents, labels)
	d.current.Store(&Snapshot{Tree: tree, Mixture: mixture, Accuracy: accuracy, Epoch: opts.Epoch})

	log.WithFields(logrus.Fields{
		"examples": len(latents),
		"fit_rows": len(fitX),
		"accuracy": accuracy,
	}).Info("decision tree updated")
	if opts.Debug {
		for i, n := range tree.Nodes {
			log.WithFields(logrus.Fields{
				"node":      i,
				"feature":   n.Feature,
				"threshold": n.Threshold,
				"leaf":      n.LeafIndex,
				"samples":   n.Samples,
				"counts":    n.ClassCounts,
			}).Debug("tree node")
		}
	}
	return accuracy, nil
}

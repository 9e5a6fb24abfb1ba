// Package checkpoint converts live training state to storage records and
// manages the latest/best checkpoints of a run.
package checkpoint

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"cpvae/internal/ddt"
	"cpvae/internal/dist"
	"cpvae/internal/earlystop"
	"cpvae/internal/model"
	"cpvae/internal/nn"
	"cpvae/internal/optim"
	"cpvae/internal/storage"

	"gonum.org/v1/gonum/mat"
)

const DefaultMaxToKeep = 3

var ErrNoCheckpoint = errors.New("no checkpoint found")

// Components are the live objects a checkpoint captures. Tree is nil for
// models without a tree prior.
type Components struct {
	Params    []*nn.Param
	Optimizer optim.Optimizer
	Tree      *ddt.DDT
	EarlyStop *earlystop.Controller
	RNG       *rand.PCG
}

// Position is where in training a checkpoint was taken.
type Position struct {
	Epoch      int
	GlobalStep int64
	Loss       float64
	Prior      string
}

// Capture copies the current state of c into a checkpoint record.
func Capture(runID string, pos Position, c Components) (model.Checkpoint, error) {
	ckpt := model.Checkpoint{
		VersionedRecord: model.VersionedRecord{
			SchemaVersion: storage.CurrentSchemaVersion,
			CodecVersion:  storage.CurrentCodecVersion,
		},
		RunID:        runID,
		Epoch:        pos.Epoch,
		Tag:          model.TagLatest,
		GlobalStep:   pos.GlobalStep,
		CreatedAtUTC: time.Now().UTC().Format(time.RFC3339),
		Loss:         pos.Loss,
		Prior:        pos.Prior,
	}
	for _, p := range c.Params {
		ckpt.Params = append(ckpt.Params, model.Tensor{
			Name:  p.Name,
			Shape: p.Shape(),
			Data:  append([]float64(nil), p.Data()...),
		})
	}
	if c.Optimizer != nil {
		ckpt.Optimizer = optimizerRecord(c.Optimizer.State())
	}
	if c.Tree != nil {
		if snap := c.Tree.Snapshot(); snap != nil {
			ckpt.Tree = treeRecord(snap)
		}
	}
	if c.EarlyStop != nil {
		s := c.EarlyStop.State()
		ckpt.EarlyStop = model.EarlyStopRecord{
			Best:        s.Best,
			BestEpoch:   s.BestEpoch,
			Counter:     s.Counter,
			Stopped:     s.Stopped,
			Initialized: s.Initialized,
		}
	}
	if c.RNG != nil {
		state, err := c.RNG.MarshalBinary()
		if err != nil {
			return model.Checkpoint{}, fmt.Errorf("marshal rng: %w", err)
		}
		ckpt.RNGState = state
	}
	return ckpt, nil
}

// Restore loads ckpt into c. Every stored parameter must match a live one
// by name and shape.
func Restore(ckpt model.Checkpoint, c Components) error {
	byName := make(map[string]*nn.Param, len(c.Params))
	for _, p := range c.Params {
		byName[p.Name] = p
	}
	if len(ckpt.Params) != len(byName) {
		return fmt.Errorf("checkpoint has %d params, model has %d", len(ckpt.Params), len(byName))
	}
	for _, t := range ckpt.Params {
		p, ok := byName[t.Name]
		if !ok {
			return fmt.Errorf("checkpoint param %s not in model", t.Name)
		}
		if err := p.Load(t.Shape, t.Data); err != nil {
			return err
		}
	}
	if c.Optimizer != nil && ckpt.Optimizer.Name != "" {
		if err := c.Optimizer.LoadState(optimizerState(ckpt.Optimizer)); err != nil {
			return fmt.Errorf("restore optimizer: %w", err)
		}
	}
	if c.Tree != nil && ckpt.Tree != nil {
		snap, err := snapshotFromRecord(ckpt.Tree)
		if err != nil {
			return fmt.Errorf("restore tree: %w", err)
		}
		if err := c.Tree.Restore(snap); err != nil {
			return fmt.Errorf("restore tree: %w", err)
		}
	}
	if c.EarlyStop != nil {
		c.EarlyStop.Restore(earlystop.State{
			Best:        ckpt.EarlyStop.Best,
			BestEpoch:   ckpt.EarlyStop.BestEpoch,
			Counter:     ckpt.EarlyStop.Counter,
			Stopped:     ckpt.EarlyStop.Stopped,
			Initialized: ckpt.EarlyStop.Initialized,
		})
	}
	if c.RNG != nil && len(ckpt.RNGState) > 0 {
		if err := c.RNG.UnmarshalBinary(ckpt.RNGState); err != nil {
			return fmt.Errorf("restore rng: %w", err)
		}
	}
	return nil
}

// Snapshot rebuilds the tree snapshot stored in ckpt.
func Snapshot(ckpt model.Checkpoint) (*ddt.Snapshot, error) {
	if ckpt.Tree == nil {
		return nil, ddt.ErrNoTree
	}
	return snapshotFromRecord(ckpt.Tree)
}

func optimizerRecord(s optim.State) model.OptimizerRecord {
	keys := make([]string, 0, len(s.Slots))
	for k := range s.Slots {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rec := model.OptimizerRecord{Name: s.Name, Step: s.Step}
	for _, k := range keys {
		v := s.Slots[k]
		rec.Slots = append(rec.Slots, model.Tensor{
			Name:  k,
			Shape: []int{len(v)},
			Data:  append([]float64(nil), v...),
		})
	}
	return rec
}

func optimizerState(rec model.OptimizerRecord) optim.State {
	s := optim.State{Name: rec.Name, Step: rec.Step, Slots: make(map[string][]float64, len(rec.Slots))}
	for _, t := range rec.Slots {
		s.Slots[t.Name] = append([]float64(nil), t.Data...)
	}
	return s
}

func treeRecord(s *ddt.Snapshot) *model.TreeRecord {
	rec := &model.TreeRecord{
		NumClasses: s.Tree.NumClasses,
		Dim:        s.Tree.Dim,
		Accuracy:   s.Accuracy,
		Epoch:      s.Epoch,
		Weights:    append([]float64(nil), s.Mixture.Weights...),
	}
	for _, n := range s.Tree.Nodes {
		rec.Nodes = append(rec.Nodes, model.TreeNode{
			Parent:      n.Parent,
			Left:        n.Left,
			Right:       n.Right,
			Depth:       n.Depth,
			Feature:     n.Feature,
			Threshold:   n.Threshold,
			LeafIndex:   n.LeafIndex,
			Samples:     n.Samples,
			ClassCounts: append([]int(nil), n.ClassCounts...),
			Impurity:    n.Impurity,
		})
	}
	for k := range s.Mixture.Means {
		d := len(s.Mixture.Means[k])
		rec.Means = append(rec.Means, model.Tensor{
			Name:  fmt.Sprintf("leaf_%d/mean", k),
			Shape: []int{d},
			Data:  append([]float64(nil), s.Mixture.Means[k]...),
		})
		cov := mat.NewDense(d, d, nil)
		cov.Copy(s.Mixture.Covs[k])
		rec.Covs = append(rec.Covs, model.Tensor{
			Name:  fmt.Sprintf("leaf_%d/cov", k),
			Shape: []int{d, d},
			Data:  cov.RawMatrix().Data,
		})
	}
	return rec
}

func snapshotFromRecord(rec *model.TreeRecord) (*ddt.Snapshot, error) {
	nodes := make([]ddt.Node, len(rec.Nodes))
	for i, n := range rec.Nodes {
		nodes[i] = ddt.Node{
			Parent:      n.Parent,
			Left:        n.Left,
			Right:       n.Right,
			Depth:       n.Depth,
			Feature:     n.Feature,
			Threshold:   n.Threshold,
			LeafIndex:   n.LeafIndex,
			Samples:     n.Samples,
			ClassCounts: append([]int(nil), n.ClassCounts...),
			Impurity:    n.Impurity,
		}
	}
	tree, err := ddt.Rebuild(nodes, rec.NumClasses, rec.Dim)
	if err != nil {
		return nil, err
	}

	if len(rec.Means) != len(rec.Covs) {
		return nil, fmt.Errorf("%d means for %d covariances", len(rec.Means), len(rec.Covs))
	}
	means := make([][]float64, len(rec.Means))
	covs := make([]*mat.SymDense, len(rec.Covs))
	for k := range rec.Means {
		means[k] = rec.Means[k].Data
		d := len(means[k])
		if len(rec.Covs[k].Data) != d*d {
			return nil, fmt.Errorf("leaf %d: covariance has %d values for dim %d", k, len(rec.Covs[k].Data), d)
		}
		covs[k] = mat.NewSymDense(d, append([]float64(nil), rec.Covs[k].Data...))
	}
	mixture, err := dist.NewMixture(rec.Weights, means, covs)
	if err != nil {
		return nil, err
	}
	return &ddt.Snapshot{Tree: tree, Mixture: mixture, Accuracy: rec.Accuracy, Epoch: rec.Epoch}, nil
}

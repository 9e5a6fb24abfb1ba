package checkpoint

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"cpvae/internal/data"
	"cpvae/internal/ddt"
	"cpvae/internal/earlystop"
	"cpvae/internal/model"
	"cpvae/internal/nn"
	"cpvae/internal/optim"
	"cpvae/internal/storage"
	"cpvae/internal/vae"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
)

type fixture struct {
	model *vae.Model
	prior *vae.TreePriorModel
	opt   optim.Optimizer
	early *earlystop.Controller
	pcg   *rand.PCG
}

func (f *fixture) components() Components {
	return Components{
		Params:    f.model.Params(),
		Optimizer: f.opt,
		Tree:      f.prior.DDT(),
		EarlyStop: f.early,
		RNG:       f.pcg,
	}
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func toyBatches(t *testing.T) []data.Batch {
	t.Helper()
	ds, err := data.Synthetic(data.SyntheticOptions{
		Shape:      data.Shape{Height: 4, Width: 4, Channels: 1},
		NumClasses: 2,
		PerClass:   6,
		BatchSize:  12,
		Seed:       5,
	})
	if err != nil {
		t.Fatalf("synthetic: %v", err)
	}
	return ds.Batches()
}

func newFixture(t *testing.T, seed uint64) *fixture {
	t.Helper()
	m, err := vae.New(vae.Config{InputDim: 16, LatentDim: 2, Encoder: "mlp_small", Decoder: "mlp_small", OutputDist: "l2"}, rand.New(rand.NewPCG(seed, seed+1)))
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	tree, err := ddt.New(ddt.Config{MaxDepth: 1, NumClasses: 2, Seed: seed}, quietLogger())
	if err != nil {
		t.Fatalf("new ddt: %v", err)
	}
	opt, err := optim.New("rmsprop", 1e-3)
	if err != nil {
		t.Fatalf("new optimizer: %v", err)
	}
	return &fixture{
		model: m,
		prior: vae.NewTreePriorModel(tree),
		opt:   opt,
		early: earlystop.New(5, 0.03, 100, nil),
		pcg:   rand.NewPCG(seed, 99),
	}
}

// fixedLoss evaluates the joint loss of the first batch with a fresh RNG
// derived from the fixture's restored PCG state.
func fixedLoss(t *testing.T, f *fixture, batch data.Batch) []float64 {
	t.Helper()
	state, err := f.pcg.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal pcg: %v", err)
	}
	pcg := &rand.PCG{}
	if err := pcg.UnmarshalBinary(state); err != nil {
		t.Fatalf("unmarshal pcg: %v", err)
	}
	rng := rand.New(pcg)

	prior, err := f.prior.CurrentPrior()
	if err != nil {
		t.Fatalf("current prior: %v", err)
	}
	x := batch.Matrix()
	out := f.model.Forward(x, rng)
	loss := f.model.Loss(x, out, prior, rng)
	return append(append([]float64(nil), loss.Distortion...), loss.Rate...)
}

func trainOneStep(t *testing.T, f *fixture, batch data.Batch) {
	t.Helper()
	rng := rand.New(f.pcg)
	prior, err := f.prior.CurrentPrior()
	if err != nil {
		t.Fatalf("current prior: %v", err)
	}
	x := batch.Matrix()
	out := f.model.Forward(x, rng)
	loss := f.model.Loss(x, out, prior, rng)
	params := f.model.Params()
	nn.ZeroGrads(params)
	f.model.Backward(out, loss, vae.Weights{Alpha: 1, Beta: 1}, nil, nil)
	f.opt.Step(params)
}

func TestSaveRestoreReproducesLoss(t *testing.T) {
	ctx := context.Background()
	batches := toyBatches(t)

	src := newFixture(t, 1)
	if _, err := src.prior.Refit(ctx, src.model, batches, ddt.UpdateOptions{}); err != nil {
		t.Fatalf("refit: %v", err)
	}
	trainOneStep(t, src, batches[0])
	src.early.Call(0, 3.5)
	want := fixedLoss(t, src, batches[0])

	ckpt, err := Capture("run-1", Position{Epoch: 0, GlobalStep: 1, Loss: 3.5, Prior: vae.KindTree}, src.components())
	if err != nil {
		t.Fatalf("capture: %v", err)
	}

	path := filepath.Join(t.TempDir(), "ckpt.db")
	store, err := storage.NewStore("sqlite", path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { _ = storage.CloseIfSupported(store) })

	mgr := NewManager(store, "run-1", path, 0)
	if err := mgr.Save(ctx, ckpt); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := mgr.Latest(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}

	dst := newFixture(t, 42)
	if err := Restore(loaded, dst.components()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	got := fixedLoss(t, dst, batches[0])
	if !floats.Equal(want, got) {
		t.Fatalf("loss changed across save/restore:\nwant %v\ngot  %v", want, got)
	}

	if dst.opt.State().Step != src.opt.State().Step {
		t.Fatalf("optimizer step mismatch: %d vs %d", dst.opt.State().Step, src.opt.State().Step)
	}
	if epoch, best := dst.early.Best(); epoch != 0 || best != 3.5 {
		t.Fatalf("early stop state not restored: epoch=%d best=%v", epoch, best)
	}
	snap := dst.prior.DDT().Snapshot()
	if snap == nil || snap.Mixture.Len() != snap.Tree.NumLeaves() {
		t.Fatalf("tree snapshot not restored: %+v", snap)
	}
}

func TestRestoreRejectsMismatchedParams(t *testing.T) {
	src := newFixture(t, 1)
	ckpt, err := Capture("run-1", Position{}, Components{Params: src.model.Params()})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	ckpt.Params[0].Name = "missing/kernel"
	if err := Restore(ckpt, Components{Params: newFixture(t, 2).model.Params()}); err == nil {
		t.Fatal("expected unknown param error")
	}
}

func TestManagerKeepsLatestThreeAndOneBest(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	mgr := NewManager(store, "run-x", "memory", DefaultMaxToKeep)

	src := newFixture(t, 1)
	for epoch := 0; epoch < 5; epoch++ {
		ckpt, err := Capture("ignored", Position{Epoch: epoch, GlobalStep: int64(epoch)}, Components{Params: src.model.Params()})
		if err != nil {
			t.Fatalf("capture: %v", err)
		}
		if err := mgr.Save(ctx, ckpt); err != nil {
			t.Fatalf("save %d: %v", epoch, err)
		}
		if epoch%2 == 0 {
			if err := mgr.SaveBest(ctx, ckpt); err != nil {
				t.Fatalf("save best %d: %v", epoch, err)
			}
		}
	}

	infos, err := mgr.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var latest, best []int
	for _, info := range infos {
		if info.RunID != "run-x" {
			t.Fatalf("unexpected run id %q", info.RunID)
		}
		switch info.Tag {
		case model.TagLatest:
			latest = append(latest, info.Epoch)
		case model.TagBest:
			best = append(best, info.Epoch)
		}
	}
	if len(latest) != 3 || latest[0] != 2 || latest[2] != 4 {
		t.Fatalf("expected latest epochs [2 3 4], got %v", latest)
	}
	if len(best) != 1 || best[0] != 4 {
		t.Fatalf("expected best epoch 4, got %v", best)
	}

	ckpt, err := mgr.Latest(ctx)
	if err != nil || ckpt.Epoch != 4 {
		t.Fatalf("latest: epoch=%d err=%v", ckpt.Epoch, err)
	}
	bestCkpt, err := mgr.Best(ctx)
	if err != nil || bestCkpt.Epoch != 4 || bestCkpt.Tag != model.TagBest {
		t.Fatalf("best: epoch=%d tag=%s err=%v", bestCkpt.Epoch, bestCkpt.Tag, err)
	}
	if _, err := mgr.Get(ctx, 0); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("expected pruned epoch to be missing, got %v", err)
	}
}

func TestLatestWithoutCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	_, err := NewManager(store, "run-y", "/tmp/runs/run-y", 0).Latest(ctx)
	if !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("expected ErrNoCheckpoint, got %v", err)
	}
}

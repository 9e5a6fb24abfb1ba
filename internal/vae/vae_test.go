package vae

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand/v2"
	"testing"

	"cpvae/internal/data"
	"cpvae/internal/ddt"
	"cpvae/internal/dist"
	"cpvae/internal/nn"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestModel(t *testing.T, encoder, output string) *Model {
	t.Helper()
	m, err := New(Config{InputDim: 4, LatentDim: 2, Encoder: encoder, Decoder: encoder, OutputDist: output}, rand.New(rand.NewPCG(1, 2)))
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	return m
}

func toyDataset(t *testing.T) *data.Memory {
	t.Helper()
	images := []uint8{
		10, 20, 30, 40,
		20, 10, 40, 30,
		220, 230, 200, 210,
		230, 220, 210, 200,
	}
	ds, err := data.NewMemory(images, []int{0, 0, 1, 1}, data.Shape{Height: 2, Width: 2, Channels: 1}, 4)
	if err != nil {
		t.Fatalf("new memory: %v", err)
	}
	return ds
}

func TestLossFiniteWithBatchLength(t *testing.T) {
	for _, output := range dist.OutputDists() {
		m := newTestModel(t, "mlp_small", output)
		x := toyDataset(t).Batches()[0].Matrix()
		out := m.Forward(x, rand.New(rand.NewPCG(3, 3)))
		for _, prior := range []dist.Prior{dist.NewIsotropic(2, 1), oneComponentMixture(t)} {
			loss := m.Loss(x, out, prior, rand.New(rand.NewPCG(4, 4)))
			if len(loss.Distortion) != 4 || len(loss.Rate) != 4 {
				t.Fatalf("%s: expected per-example terms, got %d/%d", output, len(loss.Distortion), len(loss.Rate))
			}
			for i := range loss.Distortion {
				if math.IsNaN(loss.Distortion[i]) || math.IsInf(loss.Distortion[i], 0) || math.IsNaN(loss.Rate[i]) || math.IsInf(loss.Rate[i], 0) {
					t.Fatalf("%s: non-finite loss at %d: %f %f", output, i, loss.Distortion[i], loss.Rate[i])
				}
			}
		}
	}
}

func oneComponentMixture(t *testing.T) *dist.Mixture {
	t.Helper()
	cov := mat.NewSymDense(2, []float64{1, 0, 0, 1})
	m, err := dist.NewMixture([]float64{1}, [][]float64{{0, 0}}, []*mat.SymDense{cov})
	if err != nil {
		t.Fatalf("new mixture: %v", err)
	}
	return m
}

func TestRateKLAndMonteCarloAgree(t *testing.T) {
	m := newTestModel(t, "mlp_small", "l2")
	x := toyDataset(t).Batches()[0].Matrix()
	out := m.Forward(x, rand.New(rand.NewPCG(5, 5)))
	kl := m.Loss(x, out, dist.NewIsotropic(2, 1), nil)
	// a standard normal expressed as a mixture forces the Monte-Carlo path.
	mc := dist.MonteCarloRate(out.Posterior, oneComponentMixture(t), 20000, rand.New(rand.NewPCG(6, 6)))
	for i := range kl.Rate {
		if math.Abs(kl.Rate[i]-mc.Values[i]) > 0.05*math.Max(1, kl.Rate[i]) {
			t.Fatalf("row %d: kl=%f mc=%f", i, kl.Rate[i], mc.Values[i])
		}
	}
}

func TestBackwardMatchesFiniteDifference(t *testing.T) {
	if err := nn.RegisterNetwork(nn.NetworkSpec{Name: "test_tanh", Hidden: []int{3}, Activation: "tanh"}); err != nil && !errors.Is(err, nn.ErrNetworkExists) {
		t.Fatalf("register network: %v", err)
	}
	m := newTestModel(t, "test_tanh", "l2")
	x := toyDataset(t).Batches()[0].Matrix()
	prior := dist.NewIsotropic(2, 1)
	w := Weights{Alpha: 1, Beta: 0.5}

	objective := func() float64 {
		out := m.Forward(x, rand.New(rand.NewPCG(7, 7)))
		loss := m.Loss(x, out, prior, nil)
		var total float64
		for i := range loss.Distortion {
			total += w.Alpha*loss.Distortion[i] + w.Beta*loss.Rate[i]
		}
		return total / float64(len(loss.Distortion))
	}

	out := m.Forward(x, rand.New(rand.NewPCG(7, 7)))
	loss := m.Loss(x, out, prior, nil)
	nn.ZeroGrads(m.Params())
	m.Backward(out, loss, w, nil, nil)

	const h = 1e-6
	for _, p := range m.Params() {
		data := p.Data()
		grad := p.GradData()
		for i := 0; i < len(data) && i < 4; i++ {
			orig := data[i]
			data[i] = orig + h
			up := objective()
			data[i] = orig - h
			down := objective()
			data[i] = orig
			numeric := (up - down) / (2 * h)
			if math.Abs(numeric-grad[i]) > 1e-4*math.Max(1, math.Abs(numeric)) {
				t.Fatalf("%s[%d]: analytic=%f numeric=%f", p.Name, i, grad[i], numeric)
			}
		}
	}
}

func TestBackwardZeroWeightsLeaveGradientsZero(t *testing.T) {
	m := newTestModel(t, "mlp_small", "l2")
	x := toyDataset(t).Batches()[0].Matrix()
	out := m.Forward(x, rand.New(rand.NewPCG(8, 8)))
	loss := m.Loss(x, out, dist.NewIsotropic(2, 1), nil)
	nn.ZeroGrads(m.Params())
	m.Backward(out, loss, Weights{}, nil, nil)
	for _, p := range m.Params() {
		if floats.Norm(p.GradData(), 2) != 0 {
			t.Fatalf("%s: expected zero gradient with all weights zero", p.Name)
		}
	}
}

func TestPriorModels(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	if _, err := NewPriorModel("gaussian", 2, ddt.Config{NumClasses: 2}, quietLogger(), rng); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got: %v", err)
	}
	static, err := NewPriorModel(KindIsotropic, 2, ddt.Config{NumClasses: 2}, quietLogger(), rng)
	if err != nil {
		t.Fatalf("static prior: %v", err)
	}
	if len(static.Params()) != 2 {
		t.Fatalf("expected linear head params, got=%d", len(static.Params()))
	}

	tree, err := NewPriorModel(KindTree, 2, ddt.Config{MaxDepth: 1, NumClasses: 2}, quietLogger(), rng)
	if err != nil {
		t.Fatalf("tree prior: %v", err)
	}
	if _, err := tree.CurrentPrior(); !errors.Is(err, ddt.ErrNoTree) {
		t.Fatalf("expected ErrNoTree before refit, got: %v", err)
	}
	m := newTestModel(t, "mlp_small", "l2")
	tpm := tree.(*TreePriorModel)
	if _, err := tpm.Refit(context.Background(), m, toyDataset(t).Batches(), ddt.UpdateOptions{}); err != nil {
		t.Fatalf("refit: %v", err)
	}
	frozen, err := tpm.Freeze()
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	pinned, _ := frozen.CurrentPrior()
	if _, err := tpm.Refit(context.Background(), m, toyDataset(t).Batches(), ddt.UpdateOptions{Epoch: 1}); err != nil {
		t.Fatalf("refit: %v", err)
	}
	again, _ := frozen.CurrentPrior()
	if pinned != again {
		t.Fatal("frozen prior must not change after a refit")
	}
	current, _ := tpm.CurrentPrior()
	if current == pinned {
		t.Fatal("refit should install a new mixture")
	}

	x := toyDataset(t).Batches()[0].Matrix()
	cls, err := frozen.Classify(m.Posterior(x))
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if r, c := cls.Logits.Dims(); r != 4 || c != 2 {
		t.Fatalf("unexpected logits shape %dx%d", r, c)
	}
}

func TestSampling(t *testing.T) {
	m := newTestModel(t, "mlp_small", "l2")
	rng := rand.New(rand.NewPCG(10, 10))
	img := m.SamplePrior(dist.NewIsotropic(2, 1), rng)
	if len(img) != 4 {
		t.Fatalf("expected 4 pixels, got=%d", len(img))
	}
	for _, v := range img {
		if v < 0 || v > 1 {
			t.Fatalf("pixel outside [0,1]: %f", v)
		}
	}

	d, err := ddt.New(ddt.Config{MaxDepth: 1, NumClasses: 2}, quietLogger())
	if err != nil {
		t.Fatalf("new ddt: %v", err)
	}
	if _, err := m.SampleClass(d.Snapshot(), 0, rng); !errors.Is(err, ddt.ErrNoTree) {
		t.Fatalf("expected ErrNoTree, got: %v", err)
	}
	tpm := NewTreePriorModel(d)
	if _, err := tpm.Refit(context.Background(), m, toyDataset(t).Batches(), ddt.UpdateOptions{}); err != nil {
		t.Fatalf("refit: %v", err)
	}
	snap := d.Snapshot()
	for class := 0; class < 2; class++ {
		img, err := m.SampleClass(snap, class, rng)
		if err != nil {
			t.Fatalf("sample class %d: %v", class, err)
		}
		if len(img) != 4 {
			t.Fatalf("expected 4 pixels, got=%d", len(img))
		}
	}
	if _, err := m.SampleClass(snap, 5, rng); err == nil {
		t.Fatal("expected class range error")
	}

	walk, err := m.Interpolate(snap, 0, snap.Mixture.Len()-1, 5)
	if err != nil {
		t.Fatalf("interpolate: %v", err)
	}
	if len(walk) != 5 {
		t.Fatalf("expected 5 frames, got=%d", len(walk))
	}
	if _, err := m.Interpolate(snap, 0, 99, 5); err == nil {
		t.Fatal("expected leaf range error")
	}
}

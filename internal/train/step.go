package train

import (
	"errors"
	"fmt"
	"path/filepath"

	"cpvae/internal/dist"
	"cpvae/internal/imageio"
	"cpvae/internal/nn"
	"cpvae/internal/numeric"
	"cpvae/internal/optim"
	"cpvae/internal/vae"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const (
	prefixTrain    = "train "
	prefixValidate = "validate "
)

// batchTerms are the weighted loss terms of one minibatch. A term whose
// weight is zero is left at exactly zero.
type batchTerms struct {
	distortion     float64
	rate           float64
	classification float64
	total          float64
	correct        int
	n              int
	dLogits        *mat.Dense
	finite         bool
}

func (t *Trainer) terms(epoch int, loss *vae.Loss, logits *mat.Dense, labels []int) batchTerms {
	n := len(labels)
	bt := batchTerms{n: n, finite: true}
	perExample := make([]float64, n)

	if t.cfg.Alpha != 0 {
		for i, d := range loss.Distortion {
			perExample[i] += t.cfg.Alpha * d
		}
		bt.distortion = t.cfg.Alpha * stat.Mean(loss.Distortion, nil)
		bt.finite = bt.finite && numeric.AllFinite(loss.Distortion)
	}
	if t.cfg.Beta != 0 {
		for i, r := range loss.Rate {
			perExample[i] += t.cfg.Beta * r
		}
		bt.rate = t.cfg.Beta * stat.Mean(loss.Rate, nil)
		bt.finite = bt.finite && numeric.AllFinite(loss.Rate)
	}

	ce, dLogits := nn.SoftmaxCrossEntropy(logits, labels)
	if t.cfg.gammaActive(epoch) {
		for i, c := range ce {
			perExample[i] += t.cfg.Gamma * c
		}
		bt.classification = t.cfg.Gamma * stat.Mean(ce, nil)
		bt.finite = bt.finite && numeric.AllFinite(ce)
		dLogits.Scale(t.cfg.Gamma/float64(n), dLogits)
		bt.dLogits = dLogits
	}
	bt.total = stat.Mean(perExample, nil)

	for i, label := range labels {
		if numeric.ArgMax(logits.RawRowView(i)) == label {
			bt.correct++
		}
	}
	return bt
}

func (t *Trainer) trainPass(epoch int, frozen vae.PriorModel, prior dist.Prior) (float64, error) {
	batches := t.train.Batches()
	params := t.params()
	var (
		sum   float64
		count int
	)
	for i, b := range batches {
		t.rc.Step++
		x := b.Matrix()
		out := t.model.Forward(x, t.rng)
		loss := t.model.Loss(x, out, prior, t.rng)
		cls, err := frozen.Classify(out.Posterior)
		if err != nil {
			return 0, err
		}
		bt := t.terms(epoch, loss, cls.Logits, b.Labels)
		if !bt.finite {
			t.warnNonFinite(prefixTrain, epoch, out.Posterior)
		}

		nn.ZeroGrads(params)
		var extraLoc, extraScale *mat.Dense
		if bt.dLogits != nil {
			extraLoc, extraScale = cls.Backward(bt.dLogits)
		}
		t.model.Backward(out, loss, vae.Weights{Alpha: t.cfg.Alpha, Beta: t.cfg.Beta}, extraLoc, extraScale)

		if t.cfg.Debug {
			for _, p := range params {
				t.rc.Writer.Scalar(prefixTrain, "gradient/mean of "+p.Name, t.rc.Step, stat.Mean(p.GradData(), nil))
			}
		}
		if t.cfg.ClipNorm > 0 {
			norm := optim.ClipByGlobalNorm(params, t.cfg.ClipNorm)
			t.rc.Writer.Scalar("", "gradient/global norm", t.rc.Step, norm)
		}
		t.opt.Step(params)

		t.report(prefixTrain, out.Posterior, bt)
		sum += bt.total * float64(bt.n)
		count += bt.n
		t.showProgress("train", epoch, i+1, len(batches), bt.total)
	}
	return sum / float64(count), nil
}

// testPass evaluates without gradients and returns the mean joint loss and
// the classification accuracy over every test example.
func (t *Trainer) testPass(epoch int, frozen vae.PriorModel, prior dist.Prior) (float64, float64, error) {
	batches := t.test.Batches()
	var (
		lossSum float64
		correct int
		count   int
	)
	for i, b := range batches {
		t.rc.Step++
		x := b.Matrix()
		out := t.model.Forward(x, t.rng)
		loss := t.model.Loss(x, out, prior, t.rng)
		cls, err := frozen.Classify(out.Posterior)
		if err != nil {
			return 0, 0, err
		}
		bt := t.terms(epoch, loss, cls.Logits, b.Labels)
		if !bt.finite {
			t.warnNonFinite(prefixValidate, epoch, out.Posterior)
		}
		t.report(prefixValidate, out.Posterior, bt)
		lossSum += bt.total * float64(bt.n)
		correct += bt.correct
		count += bt.n
		t.showProgress("test", epoch, i+1, len(batches), lossSum/float64(count))
	}
	if t.progress != nil {
		fmt.Fprintln(t.progress)
	}
	return lossSum / float64(count), float64(correct) / float64(count), nil
}

func (t *Trainer) report(prefix string, post *dist.DiagGaussian, bt batchTerms) {
	w, step := t.rc.Writer, t.rc.Step
	w.Scalar(prefix, "loss/mean distortion", step, bt.distortion)
	w.Scalar(prefix, "loss/mean rate", step, bt.rate)
	w.Scalar(prefix, "loss/mean classification loss", step, bt.classification)
	w.Scalar(prefix, "classification_rate", step, float64(bt.correct)/float64(bt.n))
	w.Scalar(prefix, "loss/total loss", step, bt.total)
	lo, hi, mean := post.StddevStats()
	w.Scalar(prefix, "posterior/mean stddev", step, mean)
	w.Scalar(prefix, "posterior/min stddev", step, lo)
	w.Scalar(prefix, "posterior/max stddev", step, hi)
}

func (t *Trainer) warnNonFinite(prefix string, epoch int, post *dist.DiagGaussian) {
	locLo, locHi, locMean := post.LocStats()
	scaleLo, scaleHi, scaleMean := post.StddevStats()
	t.rc.Log.WithFields(logrus.Fields{
		"phase":      prefix,
		"epoch":      epoch,
		"step":       t.rc.Step,
		"loc_min":    locLo,
		"loc_max":    locHi,
		"loc_mean":   locMean,
		"scale_min":  scaleLo,
		"scale_max":  scaleHi,
		"scale_mean": scaleMean,
	}).Warn("non-finite loss term")
}

func (t *Trainer) showProgress(phase string, epoch, batch, total int, loss float64) {
	if t.progress == nil {
		return
	}
	fmt.Fprintf(t.progress, "\repoch %d %s %d/%d loss %.4f   ", epoch, phase, batch, total, loss)
}

// writeSamples decodes NumSamples prior draws into epoch_<e>_sample_<i>.png.
// Tree priors sample a random class through its class-conditional mixture.
func (t *Trainer) writeSamples(epoch int, frozen vae.PriorModel) error {
	if t.cfg.OutputDir == "" || t.cfg.NumSamples == 0 {
		return nil
	}
	for i := 0; i < t.cfg.NumSamples; i++ {
		img, err := t.sample(frozen)
		if err != nil {
			return err
		}
		path := filepath.Join(t.cfg.OutputDir, imageio.SampleName(epoch, i))
		if err := imageio.WritePNG(path, img, t.shape); err != nil {
			return err
		}
	}
	return nil
}

func (t *Trainer) sample(frozen vae.PriorModel) ([]float64, error) {
	if tree, ok := t.tree(); ok {
		if snap := tree.DDT().Snapshot(); snap != nil {
			img, err := t.model.SampleClass(snap, t.rng.IntN(t.numClasses), t.rng)
			if !errors.Is(err, vae.ErrNoSupport) {
				return img, err
			}
		}
	}
	prior, err := frozen.CurrentPrior()
	if err != nil {
		return nil, err
	}
	return t.model.SamplePrior(prior, t.rng), nil
}

// Package train runs the joint VAE and classifier optimization with
// periodic decision-tree refits, sampling, early stopping and checkpoints.
package train

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"cpvae/internal/checkpoint"
	"cpvae/internal/data"
	"cpvae/internal/ddt"
	"cpvae/internal/earlystop"
	"cpvae/internal/model"
	"cpvae/internal/nn"
	"cpvae/internal/optim"
	"cpvae/internal/stats"
	"cpvae/internal/storage"
	"cpvae/internal/vae"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// timeLayout is fixed width so stored timestamps sort as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const (
	StatusRunning   = "running"
	StatusStopped   = "stopped"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Options wire a trainer to its collaborators. Zero values pick an in-memory
// store, a generated run ID, debug-level scalar logging and no progress line.
type Options struct {
	RunID string
	// Store must already be initialized.
	Store    storage.Store
	Location string
	Dataset  string
	Writer   stats.ScalarWriter
	Log      logrus.FieldLogger
	Progress io.Writer
}

// Result summarizes a finished Run.
type Result struct {
	RunID        string
	LastEpoch    int
	BestEpoch    int
	BestLoss     float64
	Stopped      bool
	GlobalStep   int64
	TrainLoss    float64
	TestLoss     float64
	TestAccuracy float64
	TreeAccuracy float64
	Leaves       int
	Elapsed      time.Duration
}

type Trainer struct {
	cfg         Config
	runID       string
	dataset     string
	train, test data.Dataset
	shape       data.Shape
	numClasses  int

	model *vae.Model
	prior vae.PriorModel
	opt   optim.Optimizer
	early *earlystop.Controller
	store storage.Store
	ckpts *checkpoint.Manager
	pcg   *rand.PCG
	rng   *rand.Rand

	rc       *RunContext
	recorder *stats.Recorder
	progress io.Writer

	nextEpoch    int
	treeAccuracy float64
	createdAt    time.Time
	// saveCtx is the context of the active Run, used by the best-model saver.
	saveCtx context.Context
}

func New(cfg Config, train, test data.Dataset, opts Options) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if train == nil || train.NumBatches() == 0 || test == nil || test.NumBatches() == 0 {
		return nil, data.ErrEmptyDataset
	}
	shape := train.Batches()[0].Shape
	if ts := test.Batches()[0].Shape; ts != shape {
		return nil, fmt.Errorf("%w: train %s, test %s", data.ErrBadShape, shape, ts)
	}
	numClasses := max(data.NumClasses(train), data.NumClasses(test))

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	log := opts.Log
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.InfoLevel)
		log = l
	}
	log = log.WithField("run_id", runID)

	initRNG := rand.New(rand.NewPCG(cfg.Seed, 1))
	m, err := vae.New(vae.Config{
		InputDim:   shape.Size(),
		LatentDim:  cfg.LatentDim,
		Encoder:    cfg.Encoder,
		Decoder:    cfg.Decoder,
		OutputDist: cfg.OutputDist,
		MCSamples:  cfg.MCSamples,
	}, initRNG)
	if err != nil {
		return nil, err
	}
	prior, err := vae.NewPriorModel(cfg.Prior, cfg.LatentDim, ddt.Config{
		MaxDepth:     cfg.MaxTreeDepth,
		MaxLeafNodes: cfg.MaxTreeLeafNodes,
		NumClasses:   numClasses,
		Seed:         cfg.Seed,
	}, log.WithField("component", "ddt"), initRNG)
	if err != nil {
		return nil, err
	}
	opt, err := optim.New(cfg.Optimizer, cfg.LearningRate)
	if err != nil {
		return nil, err
	}

	store := opts.Store
	if store == nil {
		mem := storage.NewMemoryStore()
		if err := mem.Init(context.Background()); err != nil {
			return nil, err
		}
		store = mem
	}
	location := opts.Location
	if location == "" {
		location = "memory"
	}

	recorder := stats.NewRecorder()
	writer := opts.Writer
	if writer == nil {
		writer = stats.LogWriter{Log: log}
	}

	pcg := rand.NewPCG(cfg.Seed, 2)
	t := &Trainer{
		cfg:        cfg,
		runID:      runID,
		dataset:    opts.Dataset,
		train:      train,
		test:       test,
		shape:      shape,
		numClasses: numClasses,
		model:      m,
		prior:      prior,
		opt:        opt,
		store:      store,
		ckpts:      checkpoint.NewManager(store, runID, location, checkpoint.DefaultMaxToKeep),
		pcg:        pcg,
		rng:        rand.New(pcg),
		rc: &RunContext{
			Writer: stats.MultiWriter{writer, recorder},
			Log:    log,
		},
		recorder:  recorder,
		progress:  opts.Progress,
		createdAt: time.Now().UTC(),
	}
	t.early = earlystop.New(cfg.Patience, cfg.Eps, cfg.Epochs, earlystop.SaverFunc(t.saveBest)).
		WithLogger(log.WithField("component", "earlystop"))
	return t, nil
}

func (t *Trainer) RunID() string                    { return t.runID }
func (t *Trainer) Config() Config                   { return t.cfg }
func (t *Trainer) Model() *vae.Model                { return t.model }
func (t *Trainer) Prior() vae.PriorModel            { return t.prior }
func (t *Trainer) Checkpoints() *checkpoint.Manager { return t.ckpts }
func (t *Trainer) RunContext() *RunContext          { return t.rc }
func (t *Trainer) Shape() data.Shape                { return t.shape }
func (t *Trainer) NumClasses() int                  { return t.numClasses }

// params are every trainable parameter: the VAE plus any classifier head.
func (t *Trainer) params() []*nn.Param {
	return append(t.model.Params(), t.prior.Params()...)
}

func (t *Trainer) tree() (*vae.TreePriorModel, bool) {
	tree, ok := t.prior.(*vae.TreePriorModel)
	return tree, ok
}

func (t *Trainer) components() checkpoint.Components {
	c := checkpoint.Components{
		Params:    t.params(),
		Optimizer: t.opt,
		EarlyStop: t.early,
		RNG:       t.pcg,
	}
	if tree, ok := t.tree(); ok {
		c.Tree = tree.DDT()
	}
	return c
}

// Resume restores the latest checkpoint held by from, or by the trainer's
// own manager when from is nil, and continues after its epoch.
func (t *Trainer) Resume(ctx context.Context, from *checkpoint.Manager) (model.Checkpoint, error) {
	if from == nil {
		from = t.ckpts
	}
	ckpt, err := from.Latest(ctx)
	if err != nil {
		return model.Checkpoint{}, err
	}
	if ckpt.Prior != "" && ckpt.Prior != t.prior.Kind() {
		return model.Checkpoint{}, fmt.Errorf("checkpoint prior %q does not match %q", ckpt.Prior, t.prior.Kind())
	}
	if err := checkpoint.Restore(ckpt, t.components()); err != nil {
		return model.Checkpoint{}, err
	}
	// A run stopped by an older epoch cap may continue under a larger one.
	if state := t.early.State(); state.Stopped && state.Counter <= t.cfg.Patience && ckpt.Epoch < t.cfg.Epochs-1 {
		state.Stopped = false
		t.early.Restore(state)
	}
	t.nextEpoch = ckpt.Epoch + 1
	t.rc.Step = ckpt.GlobalStep
	if ckpt.Tree != nil {
		t.treeAccuracy = ckpt.Tree.Accuracy
	}
	t.rc.Log.WithFields(logrus.Fields{
		"epoch":       ckpt.Epoch,
		"global_step": ckpt.GlobalStep,
	}).Info("resumed from checkpoint")
	return ckpt, nil
}

// Run trains until early stopping, the epoch cap, or cancellation of ctx,
// which is checked between epochs.
func (t *Trainer) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	t.saveCtx = ctx
	res := Result{RunID: t.runID, LastEpoch: t.nextEpoch - 1, GlobalStep: t.rc.Step}
	finish := func(status string, err error) (Result, error) {
		res.BestEpoch, res.BestLoss = t.early.Best()
		res.Stopped = t.early.Stopped()
		res.GlobalStep = t.rc.Step
		res.TreeAccuracy = t.treeAccuracy
		res.Elapsed = time.Since(start)
		if saveErr := t.saveRun(context.WithoutCancel(ctx), status); saveErr != nil && err == nil {
			err = saveErr
		}
		return res, err
	}

	if err := t.saveRun(ctx, StatusRunning); err != nil {
		return res, err
	}
	if err := t.writeRunConfig(); err != nil {
		return res, err
	}
	if t.early.Stopped() {
		return finish(StatusStopped, nil)
	}

	if tree, ok := t.tree(); ok && tree.DDT().Snapshot() == nil {
		if err := t.refit(ctx, tree, t.nextEpoch, "initial"); err != nil {
			return finish(StatusFailed, fmt.Errorf("initial tree fit: %w", err))
		}
	}

	for epoch := t.nextEpoch; ; epoch++ {
		if err := ctx.Err(); err != nil {
			return finish(StatusCancelled, err)
		}
		er, err := t.runEpoch(ctx, epoch, start)
		if err != nil {
			status := StatusFailed
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				status = StatusCancelled
			}
			return finish(status, err)
		}
		t.nextEpoch = epoch + 1
		res.LastEpoch = epoch
		res.TrainLoss = er.TrainLoss
		res.TestLoss = er.TestLoss
		res.TestAccuracy = er.TestAccuracy
		res.Leaves = er.Leaves
		if er.Stopped {
			return finish(StatusStopped, nil)
		}
	}
}

func (t *Trainer) runEpoch(ctx context.Context, epoch int, runStart time.Time) (stats.EpochRecord, error) {
	log := t.rc.Log.WithField("epoch", epoch)
	frozen, err := t.prior.Freeze()
	if err != nil {
		return stats.EpochRecord{}, err
	}
	prior, err := frozen.CurrentPrior()
	if err != nil {
		return stats.EpochRecord{}, err
	}

	trainLoss, err := t.trainPass(epoch, frozen, prior)
	if err != nil {
		return stats.EpochRecord{}, err
	}
	testLoss, testAcc, err := t.testPass(epoch, frozen, prior)
	if err != nil {
		return stats.EpochRecord{}, err
	}
	if err := t.writeSamples(epoch, frozen); err != nil {
		return stats.EpochRecord{}, fmt.Errorf("write samples: %w", err)
	}

	stopped := t.early.Call(epoch, testLoss)
	if err := t.early.Err(); err != nil {
		log.WithError(err).Warn("best checkpoint was not saved")
	}

	if tree, ok := t.tree(); ok && epoch%t.cfg.TreeUpdatePeriod == 0 {
		if err := t.refit(ctx, tree, epoch, fmt.Sprint(epoch)); err != nil {
			if ctx.Err() != nil {
				return stats.EpochRecord{}, err
			}
			log.WithError(err).Warn("tree refit failed; keeping previous tree")
		}
	}

	ckpt, err := checkpoint.Capture(t.runID, t.position(epoch, testLoss), t.components())
	if err != nil {
		return stats.EpochRecord{}, err
	}
	if err := t.ckpts.Save(ctx, ckpt); err != nil {
		return stats.EpochRecord{}, err
	}
	if err := t.flushScalars(ctx); err != nil {
		return stats.EpochRecord{}, err
	}

	state := t.early.State()
	rec := stats.EpochRecord{
		Epoch:             epoch,
		TrainLoss:         trainLoss,
		TestLoss:          testLoss,
		TestAccuracy:      testAcc,
		TreeAccuracy:      t.treeAccuracy,
		Leaves:            t.leaves(),
		Stopped:           stopped,
		ElapsedSeconds:    time.Since(runStart).Seconds(),
		GlobalStep:        t.rc.Step,
		BestEpoch:         state.BestEpoch,
		EpochsSinceBetter: state.Counter,
	}
	if t.cfg.OutputDir != "" {
		if err := stats.AppendEpochHistory(t.cfg.OutputDir, rec); err != nil {
			return stats.EpochRecord{}, err
		}
	}
	log.WithFields(logrus.Fields{
		"train_loss":    trainLoss,
		"test_loss":     testLoss,
		"test_accuracy": testAcc,
		"leaves":        rec.Leaves,
		"global_step":   t.rc.Step,
	}).Info("epoch finished")
	return rec, nil
}

func (t *Trainer) position(epoch int, loss float64) checkpoint.Position {
	return checkpoint.Position{Epoch: epoch, GlobalStep: t.rc.Step, Loss: loss, Prior: t.prior.Kind()}
}

func (t *Trainer) leaves() int {
	tree, ok := t.tree()
	if !ok {
		return 0
	}
	if snap := tree.DDT().Snapshot(); snap != nil {
		return snap.Tree.NumLeaves()
	}
	return 0
}

// refit rebuilds the tree prior and exports it as tree_<tag>.dot. Only a
// failed fit is returned as an error.
func (t *Trainer) refit(ctx context.Context, tree *vae.TreePriorModel, epoch int, tag string) error {
	acc, err := tree.Refit(ctx, t.model, t.train.Batches(), ddt.UpdateOptions{
		Oversample: t.cfg.Oversample,
		Debug:      t.cfg.Debug,
		Epoch:      epoch,
	})
	if err != nil {
		return err
	}
	snap := tree.DDT().Snapshot()
	t.treeAccuracy = acc
	t.rc.Writer.Scalar("", "tree/accuracy", t.rc.Step, acc)
	t.rc.Writer.Scalar("", "tree/leaves", t.rc.Step, float64(snap.Tree.NumLeaves()))
	t.rc.Writer.Scalar("", "tree/components", t.rc.Step, float64(snap.Mixture.Len()))
	if t.cfg.OutputDir == "" {
		return nil
	}
	// The new tree is installed at this point; a failed export only loses
	// the DOT file.
	path, err := snap.SaveDOT(t.cfg.OutputDir, tag)
	if err != nil {
		t.rc.Log.WithError(err).WithField("tag", tag).Warn("tree export failed")
		return nil
	}
	t.rc.Log.WithField("path", path).Debug("tree exported")
	return nil
}

// saveBest is the early-stopping saver.
func (t *Trainer) saveBest(epoch int, metric float64) error {
	ckpt, err := checkpoint.Capture(t.runID, t.position(epoch, metric), t.components())
	if err != nil {
		return err
	}
	ctx := t.saveCtx
	if ctx == nil {
		ctx = context.Background()
	}
	return t.ckpts.SaveBest(ctx, ckpt)
}

func (t *Trainer) flushScalars(ctx context.Context) error {
	pending := t.recorder.Drain()
	if len(pending) == 0 {
		return nil
	}
	records := make([]model.ScalarRecord, len(pending))
	for i, s := range pending {
		records[i] = model.ScalarRecord{Name: s.Name, Step: s.Step, Value: s.Value}
	}
	return t.store.AppendScalars(ctx, t.runID, records)
}

func (t *Trainer) saveRun(ctx context.Context, status string) error {
	raw, err := json.Marshal(t.cfg)
	if err != nil {
		return err
	}
	return t.store.SaveRun(ctx, model.RunRecord{
		VersionedRecord: model.VersionedRecord{
			SchemaVersion: storage.CurrentSchemaVersion,
			CodecVersion:  storage.CurrentCodecVersion,
		},
		RunID:        t.runID,
		CreatedAtUTC: t.createdAt.Format(timeLayout),
		Prior:        t.prior.Kind(),
		Status:       status,
		ImageShape:   t.shape.String(),
		NumClasses:   t.numClasses,
		Config:       raw,
	})
}

func (t *Trainer) writeRunConfig() error {
	if t.cfg.OutputDir == "" {
		return nil
	}
	raw, err := json.Marshal(t.cfg)
	if err != nil {
		return err
	}
	return stats.WriteRunConfig(t.cfg.OutputDir, stats.RunConfig{
		RunID:        t.runID,
		CreatedAtUTC: t.createdAt.Format(timeLayout),
		Prior:        t.prior.Kind(),
		Dataset:      t.dataset,
		Settings:     raw,
	})
}

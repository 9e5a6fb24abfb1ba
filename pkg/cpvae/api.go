package cpvae

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"cpvae/internal/checkpoint"
	"cpvae/internal/data"
	"cpvae/internal/ddt"
	"cpvae/internal/imageio"
	"cpvae/internal/model"
	"cpvae/internal/stats"
	"cpvae/internal/storage"
	"cpvae/internal/train"
	"cpvae/internal/vae"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultStoreKind = "sqlite"
	// DBFile is the sqlite database name inside a run directory.
	DBFile = "cpvae.db"
)

var ErrNoRuns = errors.New("no runs recorded")

type Options struct {
	StoreKind string
	DBPath    string
	Log       logrus.FieldLogger
}

type Client struct {
	store     storage.Store
	storeKind string
	dbPath    string
	log       logrus.FieldLogger
}

// DatasetSpec selects the training and test data.
type DatasetSpec struct {
	Kind       string
	TrainCSV   string
	TestCSV    string
	Shape      string
	BatchSize  int
	NumClasses int
	PerClass   int
	Seed       uint64
}

type TrainRequest struct {
	Config  train.Config
	Dataset DatasetSpec
	RunID   string
	// LoadDir holds a previous run's database to resume from.
	LoadDir  string
	Writer   stats.ScalarWriter
	Progress io.Writer
}

type TrainSummary struct {
	RunID        string
	OutputDir    string
	ResumedFrom  int
	LastEpoch    int
	BestEpoch    int
	BestLoss     float64
	TestLoss     float64
	TestAccuracy float64
	TreeAccuracy float64
	Leaves       int
	GlobalStep   int64
	Stopped      bool
	Elapsed      time.Duration
}

type ExportTreeRequest struct {
	RunID string
	// Epoch selects a stored checkpoint; negative means the latest.
	Epoch  int
	OutDir string
}

type SampleRequest struct {
	RunID string
	N     int
	// Class conditions samples on a label; negative samples the full prior.
	Class  int
	OutDir string
	Seed   uint64
}

type InterpolateRequest struct {
	RunID  string
	From   int
	To     int
	Steps  int
	OutDir string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = defaultStoreKind
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = DBFile
	}
	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Client{store: store, storeKind: storeKind, dbPath: dbPath, log: log}, nil
}

func (c *Client) Init(ctx context.Context) error {
	return c.store.Init(ctx)
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

// LoadDatasets builds the train and test datasets described by spec.
func LoadDatasets(spec DatasetSpec) (train, test data.Dataset, err error) {
	if spec.BatchSize <= 0 {
		spec.BatchSize = 64
	}
	shape := data.Shape{Height: 8, Width: 8, Channels: 1}
	if spec.Shape != "" {
		if shape, err = data.ParseShape(spec.Shape); err != nil {
			return nil, nil, err
		}
	}
	switch spec.Kind {
	case "", "synthetic":
		if spec.NumClasses <= 0 {
			spec.NumClasses = 2
		}
		if spec.PerClass <= 0 {
			spec.PerClass = 64
		}
		opts := data.SyntheticOptions{
			Shape:      shape,
			NumClasses: spec.NumClasses,
			PerClass:   spec.PerClass,
			BatchSize:  spec.BatchSize,
			Seed:       spec.Seed,
		}
		trainSet, err := data.Synthetic(opts)
		if err != nil {
			return nil, nil, err
		}
		opts.Seed = spec.Seed + 1
		opts.PerClass = max(1, spec.PerClass/4)
		testSet, err := data.Synthetic(opts)
		if err != nil {
			return nil, nil, err
		}
		return trainSet, testSet, nil
	case "csv":
		if spec.TrainCSV == "" || spec.TestCSV == "" {
			return nil, nil, errors.New("csv dataset requires train and test files")
		}
		trainSet, err := data.LoadCSV(spec.TrainCSV, shape, spec.BatchSize)
		if err != nil {
			return nil, nil, fmt.Errorf("load train csv: %w", err)
		}
		testSet, err := data.LoadCSV(spec.TestCSV, shape, spec.BatchSize)
		if err != nil {
			return nil, nil, fmt.Errorf("load test csv: %w", err)
		}
		return trainSet, testSet, nil
	default:
		return nil, nil, fmt.Errorf("unsupported dataset: %s", spec.Kind)
	}
}

// Train runs (or resumes) a training run and records it in the run index of
// the output directory.
func (c *Client) Train(ctx context.Context, req TrainRequest) (TrainSummary, error) {
	trainSet, testSet, err := LoadDatasets(req.Dataset)
	if err != nil {
		return TrainSummary{}, err
	}

	var source *checkpoint.Manager
	runID := req.RunID
	if req.LoadDir != "" {
		src, closeSrc, err := c.openDir(ctx, req.LoadDir)
		if err != nil {
			return TrainSummary{}, err
		}
		defer closeSrc()
		if runID == "" {
			run, err := latestRun(ctx, src)
			if errors.Is(err, ErrNoRuns) {
				return TrainSummary{}, fmt.Errorf("%w in %s", checkpoint.ErrNoCheckpoint, req.LoadDir)
			}
			if err != nil {
				return TrainSummary{}, err
			}
			runID = run.RunID
		}
		source = checkpoint.NewManager(src, runID, req.LoadDir, 0)
	}
	if runID == "" {
		runID = uuid.NewString()
	}

	dataset := req.Dataset.Kind
	if dataset == "" {
		dataset = "synthetic"
	}
	trainer, err := train.New(req.Config, trainSet, testSet, train.Options{
		RunID:    runID,
		Store:    c.store,
		Location: c.dbPath,
		Dataset:  dataset,
		Writer:   req.Writer,
		Log:      c.log,
		Progress: req.Progress,
	})
	if err != nil {
		return TrainSummary{}, err
	}

	summary := TrainSummary{RunID: runID, OutputDir: req.Config.OutputDir, ResumedFrom: -1}
	if source != nil {
		ckpt, err := trainer.Resume(ctx, source)
		if err != nil {
			return summary, err
		}
		summary.ResumedFrom = ckpt.Epoch
	}

	res, err := trainer.Run(ctx)
	summary.LastEpoch = res.LastEpoch
	summary.BestEpoch = res.BestEpoch
	summary.BestLoss = res.BestLoss
	summary.TestLoss = res.TestLoss
	summary.TestAccuracy = res.TestAccuracy
	summary.TreeAccuracy = res.TreeAccuracy
	summary.Leaves = res.Leaves
	summary.GlobalStep = res.GlobalStep
	summary.Stopped = res.Stopped
	summary.Elapsed = res.Elapsed
	if err != nil {
		return summary, err
	}

	if req.Config.OutputDir != "" {
		if err := stats.AppendRunIndex(req.Config.OutputDir, stats.RunIndexEntry{
			RunID:        runID,
			Prior:        req.Config.Prior,
			Dataset:      dataset,
			Epochs:       res.LastEpoch + 1,
			BestEpoch:    res.BestEpoch,
			BestLoss:     res.BestLoss,
			Stopped:      res.Stopped,
			CreatedAtUTC: time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func (c *Client) Runs(ctx context.Context) ([]model.RunRecord, error) {
	return c.store.ListRuns(ctx)
}

// Checkpoints lists the checkpoints of runID, or of the newest run when
// runID is empty.
func (c *Client) Checkpoints(ctx context.Context, runID string) (string, []model.CheckpointInfo, error) {
	run, err := c.resolveRun(ctx, runID)
	if err != nil {
		return "", nil, err
	}
	infos, err := c.store.ListCheckpoints(ctx, run.RunID)
	return run.RunID, infos, err
}

// ExportTree writes the decision tree of a stored checkpoint as DOT.
func (c *Client) ExportTree(ctx context.Context, req ExportTreeRequest) (string, error) {
	run, err := c.resolveRun(ctx, req.RunID)
	if err != nil {
		return "", err
	}
	ckpt, err := c.loadCheckpoint(ctx, run.RunID, req.Epoch)
	if err != nil {
		return "", err
	}
	snap, err := checkpoint.Snapshot(ckpt)
	if err != nil {
		return "", err
	}
	outDir := req.OutDir
	if outDir == "" {
		outDir = "."
	}
	return snap.SaveDOT(outDir, fmt.Sprintf("epoch_%d", ckpt.Epoch))
}

// Sample decodes N prior draws of the latest checkpoint into PNG files.
func (c *Client) Sample(ctx context.Context, req SampleRequest) ([]string, error) {
	if req.N <= 0 {
		req.N = 1
	}
	restored, err := c.restore(ctx, req.RunID, -1)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(req.Seed, uint64(restored.ckpt.Epoch)))
	outDir := req.OutDir
	if outDir == "" {
		outDir = "."
	}

	var paths []string
	for i := 0; i < req.N; i++ {
		var img []float64
		if req.Class >= 0 {
			tree, ok := restored.prior.(*vae.TreePriorModel)
			if !ok {
				return paths, fmt.Errorf("class-conditional sampling needs the %s prior", vae.KindTree)
			}
			if img, err = restored.model.SampleClass(tree.DDT().Snapshot(), req.Class, rng); err != nil {
				return paths, err
			}
		} else {
			prior, err := restored.prior.CurrentPrior()
			if err != nil {
				return paths, err
			}
			img = restored.model.SamplePrior(prior, rng)
		}
		name := fmt.Sprintf("sample_%d.png", i)
		if req.Class >= 0 {
			name = fmt.Sprintf("class_%d_sample_%d.png", req.Class, i)
		}
		path := filepath.Join(outDir, name)
		if err := imageio.WritePNG(path, img, restored.shape); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// Interpolate walks the latent segment between two leaf component means.
func (c *Client) Interpolate(ctx context.Context, req InterpolateRequest) ([]string, error) {
	restored, err := c.restore(ctx, req.RunID, -1)
	if err != nil {
		return nil, err
	}
	tree, ok := restored.prior.(*vae.TreePriorModel)
	if !ok {
		return nil, ddt.ErrNoTree
	}
	images, err := restored.model.Interpolate(tree.DDT().Snapshot(), req.From, req.To, req.Steps)
	if err != nil {
		return nil, err
	}
	outDir := req.OutDir
	if outDir == "" {
		outDir = "."
	}
	paths := make([]string, 0, len(images))
	for i, img := range images {
		path := filepath.Join(outDir, fmt.Sprintf("interpolate_%d_%d_step_%d.png", req.From, req.To, i))
		if err := imageio.WritePNG(path, img, restored.shape); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

type restoredModel struct {
	ckpt  model.Checkpoint
	model *vae.Model
	prior vae.PriorModel
	shape data.Shape
}

// restore rebuilds the model of a run from its stored configuration and
// loads a checkpoint into it.
func (c *Client) restore(ctx context.Context, runID string, epoch int) (*restoredModel, error) {
	run, err := c.resolveRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	var cfg train.Config
	if err := json.Unmarshal(run.Config, &cfg); err != nil {
		return nil, fmt.Errorf("decode run config %s: %w", run.RunID, err)
	}
	shape, err := data.ParseShape(run.ImageShape)
	if err != nil {
		return nil, err
	}
	ckpt, err := c.loadCheckpoint(ctx, run.RunID, epoch)
	if err != nil {
		return nil, err
	}

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
		NumClasses:   run.NumClasses,
		Seed:         cfg.Seed,
	}, c.log, initRNG)
	if err != nil {
		return nil, err
	}
	comps := checkpoint.Components{Params: append(m.Params(), prior.Params()...)}
	if tree, ok := prior.(*vae.TreePriorModel); ok {
		comps.Tree = tree.DDT()
	}
	if err := checkpoint.Restore(ckpt, comps); err != nil {
		return nil, err
	}
	return &restoredModel{ckpt: ckpt, model: m, prior: prior, shape: shape}, nil
}

func (c *Client) loadCheckpoint(ctx context.Context, runID string, epoch int) (model.Checkpoint, error) {
	mgr := checkpoint.NewManager(c.store, runID, c.dbPath, 0)
	if epoch < 0 {
		return mgr.Latest(ctx)
	}
	return mgr.Get(ctx, epoch)
}

func (c *Client) resolveRun(ctx context.Context, runID string) (model.RunRecord, error) {
	if runID == "" {
		return latestRun(ctx, c.store)
	}
	run, ok, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return model.RunRecord{}, err
	}
	if !ok {
		return model.RunRecord{}, fmt.Errorf("run not found: %s", runID)
	}
	return run, nil
}

func latestRun(ctx context.Context, store storage.Store) (model.RunRecord, error) {
	runs, err := store.ListRuns(ctx)
	if err != nil {
		return model.RunRecord{}, err
	}
	if len(runs) == 0 {
		return model.RunRecord{}, ErrNoRuns
	}
	return runs[len(runs)-1], nil
}

// openDir returns the store of a run directory, reusing the client's own
// store when they are the same database.
func (c *Client) openDir(ctx context.Context, dir string) (storage.Store, func(), error) {
	path := filepath.Join(dir, DBFile)
	if c.storeKind == "sqlite" && filepath.Clean(path) == filepath.Clean(c.dbPath) {
		return c.store, func() {}, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, nil, fmt.Errorf("%w in %s", checkpoint.ErrNoCheckpoint, dir)
	}
	store := storage.NewSQLiteStore(path)
	if err := store.Init(ctx); err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}

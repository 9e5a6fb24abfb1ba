package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"cpvae/internal/dist"
	"cpvae/internal/logging"
	"cpvae/internal/nn"
	"cpvae/internal/train"
	cpvaeapi "cpvae/pkg/cpvae"

	"github.com/dustin/go-humanize"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "train":
		return runTrain(ctx, args[1:])
	case "checkpoints":
		return runCheckpoints(ctx, args[1:])
	case "export-tree":
		return runExportTree(ctx, args[1:])
	case "sample":
		return runSample(ctx, args[1:])
	case "interpolate":
		return runInterpolate(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func runTrain(ctx context.Context, args []string) error {
	def := defaultTrainRequest()
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional JSON config; explicitly set flags override it")
	networks := strings.Join(nn.ListNetworks(), "|")
	encoder := fs.String("encoder", def.Config.Encoder, "encoder network: "+networks)
	decoder := fs.String("decoder", def.Config.Decoder, "decoder network: "+networks)
	latentDim := fs.Int("latent-dim", def.Config.LatentDim, "latent dimension")
	maxTreeDepth := fs.Int("max-tree-depth", def.Config.MaxTreeDepth, "maximum decision tree depth")
	maxTreeLeafNodes := fs.Int("max-tree-leaf-nodes", def.Config.MaxTreeLeafNodes, "maximum decision tree leaves (0 = unbounded)")
	treeUpdatePeriod := fs.Int("tree-update-period", def.Config.TreeUpdatePeriod, "refit the tree every N epochs")
	alpha := fs.Float64("alpha", def.Config.Alpha, "distortion weight")
	beta := fs.Float64("beta", def.Config.Beta, "rate weight")
	gamma := fs.Float64("gamma", def.Config.Gamma, "classification weight")
	gammaDelay := fs.Int("gamma-delay", def.Config.GammaDelay, "epochs before the classification term is enabled")
	optimizer := fs.String("optimizer", def.Config.Optimizer, "optimizer: adam|rmsprop")
	learningRate := fs.Float64("learning-rate", def.Config.LearningRate, "learning rate")
	outputDist := fs.String("output-dist", def.Config.OutputDist, "output distribution: "+strings.Join(dist.OutputDists(), "|"))
	outputDir := fs.String("output-dir", "./", "directory for samples, trees, checkpoints and artifacts")
	loadDir := fs.String("load-dir", "", "resume from the latest checkpoint in this directory")
	numSamples := fs.Int("num-samples", def.Config.NumSamples, "samples written per epoch")
	clipNorm := fs.Float64("clip-norm", def.Config.ClipNorm, "global gradient norm clip (0 = off)")
	epochs := fs.Int("epochs", def.Config.Epochs, "maximum number of epochs")
	patience := fs.Int("patience", def.Config.Patience, "early stopping patience")
	eps := fs.Float64("eps", def.Config.Eps, "early stopping relative improvement threshold")
	prior := fs.String("prior", def.Config.Prior, "prior: tree|isotropic")
	oversample := fs.Bool("oversample", false, "class-balance latents before fitting the tree")
	mcSamples := fs.Int("mc-samples", def.Config.MCSamples, "Monte-Carlo samples for the rate under a mixture prior")
	batchSize := fs.Int("batch-size", def.Dataset.BatchSize, "minibatch size")
	dataset := fs.String("dataset", def.Dataset.Kind, "dataset: synthetic|csv")
	trainCSV := fs.String("train-csv", "", "training csv (label followed by pixels)")
	testCSV := fs.String("test-csv", "", "test csv (label followed by pixels)")
	imageShape := fs.String("image-shape", def.Dataset.Shape, "image shape HxW[xC]")
	numClasses := fs.Int("num-classes", def.Dataset.NumClasses, "synthetic dataset classes")
	perClass := fs.Int("per-class", def.Dataset.PerClass, "synthetic training examples per class")
	seed := fs.Uint64("seed", def.Config.Seed, "random seed")
	storeKind := fs.String("store", def.Store, "store backend: memory|sqlite")
	runID := fs.String("run-id", "", "run id (generated when empty)")
	debug := fs.Bool("debug", false, "debug logging and gradient scalars")
	jsonLog := fs.Bool("json-log", false, "log as JSON")
	profileMode := fs.String("profile", "", "write a profile to the output dir: cpu|mem")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	req, err := loadOrDefaultTrainRequest(*configPath)
	if err != nil {
		return err
	}
	if *configPath == "" {
		// without a config file every flag applies, defaults included.
		req.Config.OutputDir = *outputDir
	}
	if err := overrideFromFlags(&req, setFlags, map[string]any{
		"encoder":             *encoder,
		"decoder":             *decoder,
		"latent-dim":          *latentDim,
		"max-tree-depth":      *maxTreeDepth,
		"max-tree-leaf-nodes": *maxTreeLeafNodes,
		"tree-update-period":  *treeUpdatePeriod,
		"alpha":               *alpha,
		"beta":                *beta,
		"gamma":               *gamma,
		"gamma-delay":         *gammaDelay,
		"optimizer":           *optimizer,
		"learning-rate":       *learningRate,
		"output-dist":         *outputDist,
		"output-dir":          *outputDir,
		"load-dir":            *loadDir,
		"num-samples":         *numSamples,
		"clip-norm":           *clipNorm,
		"epochs":              *epochs,
		"patience":            *patience,
		"eps":                 *eps,
		"prior":               *prior,
		"oversample":          *oversample,
		"mc-samples":          *mcSamples,
		"batch-size":          *batchSize,
		"dataset":             *dataset,
		"train-csv":           *trainCSV,
		"test-csv":            *testCSV,
		"image-shape":         *imageShape,
		"num-classes":         *numClasses,
		"per-class":           *perClass,
		"seed":                *seed,
		"store":               *storeKind,
		"run-id":              *runID,
		"debug":               *debug,
		"json-log":            *jsonLog,
		"profile":             *profileMode,
	}); err != nil {
		return err
	}
	if err := req.Config.Validate(); err != nil {
		return err
	}
	if req.Config.OutputDir == "" {
		req.Config.OutputDir = "./"
	}
	if err := os.MkdirAll(req.Config.OutputDir, 0o755); err != nil {
		return err
	}

	switch req.Profile {
	case "":
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(req.Config.OutputDir), profile.Quiet).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile, profile.ProfilePath(req.Config.OutputDir), profile.Quiet).Stop()
	default:
		return fmt.Errorf("unsupported profile mode: %s", req.Profile)
	}

	log := logging.New(logging.Options{Debug: req.Config.Debug, JSON: req.JSONLog, Out: os.Stderr})
	client, err := cpvaeapi.New(cpvaeapi.Options{
		StoreKind: req.Store,
		DBPath:    filepath.Join(req.Config.OutputDir, cpvaeapi.DBFile),
		Log:       log,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	if err := client.Init(ctx); err != nil {
		return err
	}

	req.Progress = train.ProgressOutput(os.Stderr)
	summary, err := client.Train(ctx, req.TrainRequest)
	if errors.Is(err, context.Canceled) {
		fmt.Printf("training interrupted run_id=%s last_epoch=%d\n", summary.RunID, summary.LastEpoch)
		return nil
	}
	if err != nil {
		return err
	}

	if summary.ResumedFrom >= 0 {
		fmt.Printf("resumed run_id=%s from epoch %d\n", summary.RunID, summary.ResumedFrom)
	}
	fmt.Printf("training finished run_id=%s epochs=%d steps=%s elapsed=%s\n",
		summary.RunID, summary.LastEpoch+1, humanize.Comma(summary.GlobalStep), summary.Elapsed.Round(time.Millisecond))
	fmt.Printf("best_epoch=%d best_loss=%.6f test_loss=%.6f test_accuracy=%.4f\n",
		summary.BestEpoch, summary.BestLoss, summary.TestLoss, summary.TestAccuracy)
	if req.Config.Prior == "tree" {
		fmt.Printf("tree leaves=%d tree_accuracy=%.4f\n", summary.Leaves, summary.TreeAccuracy)
	}
	fmt.Printf("artifacts=%s\n", summary.OutputDir)
	return nil
}

// openClient opens the sqlite store of a run directory for read commands.
func openClient(ctx context.Context, dir string) (*cpvaeapi.Client, error) {
	path := filepath.Join(dir, cpvaeapi.DBFile)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no run database in %s: %w", dir, err)
	}
	client, err := cpvaeapi.New(cpvaeapi.Options{StoreKind: "sqlite", DBPath: path, Log: quietLogger()})
	if err != nil {
		return nil, err
	}
	if err := client.Init(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func runCheckpoints(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("checkpoints", flag.ContinueOnError)
	dir := fs.String("dir", "./", "run directory")
	runID := fs.String("run-id", "", "run id (latest run when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := openClient(ctx, *dir)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	id, infos, err := client.Checkpoints(ctx, *runID)
	if err != nil {
		return err
	}
	fmt.Printf("run_id=%s checkpoints=%d\n", id, len(infos))
	for _, info := range infos {
		age := info.CreatedAtUTC
		if ts, err := time.Parse(time.RFC3339, info.CreatedAtUTC); err == nil {
			age = humanize.Time(ts)
		}
		fmt.Printf("epoch=%d tag=%s step=%s loss=%.6f size=%s saved=%s\n",
			info.Epoch, info.Tag, humanize.Comma(info.GlobalStep), info.Loss, humanize.Bytes(uint64(info.SizeBytes)), age)
	}
	return nil
}

func runExportTree(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export-tree", flag.ContinueOnError)
	dir := fs.String("dir", "./", "run directory")
	runID := fs.String("run-id", "", "run id (latest run when empty)")
	epoch := fs.Int("epoch", -1, "checkpoint epoch (latest when negative)")
	outDir := fs.String("out", "", "output directory (defaults to the run directory)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *outDir == "" {
		*outDir = *dir
	}

	client, err := openClient(ctx, *dir)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	path, err := client.ExportTree(ctx, cpvaeapi.ExportTreeRequest{RunID: *runID, Epoch: *epoch, OutDir: *outDir})
	if err != nil {
		return err
	}
	fmt.Printf("tree written to %s\n", path)
	return nil
}

func runSample(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sample", flag.ContinueOnError)
	dir := fs.String("dir", "./", "run directory")
	runID := fs.String("run-id", "", "run id (latest run when empty)")
	n := fs.Int("n", 5, "number of samples")
	class := fs.Int("class", -1, "sample this class through the tree prior (negative = full prior)")
	outDir := fs.String("out", "", "output directory (defaults to the run directory)")
	seed := fs.Uint64("seed", 1, "random seed")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *outDir == "" {
		*outDir = *dir
	}

	client, err := openClient(ctx, *dir)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	paths, err := client.Sample(ctx, cpvaeapi.SampleRequest{RunID: *runID, N: *n, Class: *class, OutDir: *outDir, Seed: *seed})
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Println(p)
	}
	return nil
}

func runInterpolate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("interpolate", flag.ContinueOnError)
	dir := fs.String("dir", "./", "run directory")
	runID := fs.String("run-id", "", "run id (latest run when empty)")
	from := fs.Int("from", 0, "start leaf index")
	to := fs.Int("to", 1, "end leaf index")
	steps := fs.Int("steps", 8, "number of images along the walk")
	outDir := fs.String("out", "", "output directory (defaults to the run directory)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *outDir == "" {
		*outDir = *dir
	}

	client, err := openClient(ctx, *dir)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	paths, err := client.Interpolate(ctx, cpvaeapi.InterpolateRequest{RunID: *runID, From: *from, To: *to, Steps: *steps, OutDir: *outDir})
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Println(p)
	}
	return nil
}

func quietLogger() logrus.FieldLogger {
	return logging.Discard()
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: cpvaectl <train|checkpoints|export-tree|sample|interpolate> [flags]", msg)
}

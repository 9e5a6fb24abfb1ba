package cpvae

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cpvae/internal/checkpoint"
	"cpvae/internal/model"
	"cpvae/internal/stats"
	"cpvae/internal/train"
)

func smallConfig(outDir string) train.Config {
	cfg := train.DefaultConfig()
	cfg.Encoder = "mlp_small"
	cfg.Decoder = "mlp_small"
	cfg.LatentDim = 2
	cfg.MaxTreeDepth = 2
	cfg.TreeUpdatePeriod = 1
	cfg.NumSamples = 1
	cfg.Epochs = 2
	cfg.MCSamples = 4
	cfg.LearningRate = 1e-3
	cfg.OutputDir = outDir
	return cfg
}

func smallDataset() DatasetSpec {
	return DatasetSpec{Kind: "synthetic", Shape: "4x4", BatchSize: 8, NumClasses: 2, PerClass: 8, Seed: 3}
}

func newSQLiteClient(t *testing.T, dir string) *Client {
	t.Helper()
	client, err := New(Options{StoreKind: "sqlite", DBPath: filepath.Join(dir, DBFile)})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.Init(context.Background()); err != nil {
		t.Fatalf("init client: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

func TestClientTrainAndInspect(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	client := newSQLiteClient(t, dir)

	summary, err := client.Train(ctx, TrainRequest{Config: smallConfig(dir), Dataset: smallDataset(), Writer: stats.Discard{}})
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if summary.RunID == "" || summary.LastEpoch != 1 || !summary.Stopped || summary.ResumedFrom != -1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	entries, err := stats.ListRunIndex(dir)
	if err != nil || len(entries) != 1 || entries[0].RunID != summary.RunID {
		t.Fatalf("run index: %+v err=%v", entries, err)
	}

	runs, err := client.Runs(ctx)
	if err != nil || len(runs) != 1 || runs[0].Status != train.StatusStopped {
		t.Fatalf("runs: %+v err=%v", runs, err)
	}

	runID, infos, err := client.Checkpoints(ctx, "")
	if err != nil {
		t.Fatalf("checkpoints: %v", err)
	}
	if runID != summary.RunID || len(infos) < 2 {
		t.Fatalf("unexpected checkpoints for %s: %+v", runID, infos)
	}

	exportDir := t.TempDir()
	path, err := client.ExportTree(ctx, ExportTreeRequest{Epoch: -1, OutDir: exportDir})
	if err != nil {
		t.Fatalf("export tree: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read dot: %v", err)
	}
	if !strings.Contains(string(raw), "digraph") {
		t.Fatalf("expected DOT graph, got %q", raw)
	}

	samples, err := client.Sample(ctx, SampleRequest{N: 2, Class: 1, OutDir: exportDir, Seed: 9})
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %v", samples)
	}
	for _, p := range samples {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("sample file %s: %v", p, err)
		}
	}

	steps, err := client.Interpolate(ctx, InterpolateRequest{From: 0, To: 1, Steps: 3, OutDir: exportDir})
	if err != nil {
		t.Fatalf("interpolate: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 interpolation images, got %d", len(steps))
	}
}

func TestClientResumeFromLoadDir(t *testing.T) {
	ctx := context.Background()
	first := t.TempDir()
	client := newSQLiteClient(t, first)
	summary, err := client.Train(ctx, TrainRequest{Config: smallConfig(first), Dataset: smallDataset(), Writer: stats.Discard{}})
	if err != nil {
		t.Fatalf("train: %v", err)
	}

	second := t.TempDir()
	resumeClient := newSQLiteClient(t, second)
	cfg := smallConfig(second)
	cfg.Epochs = 3
	resumed, err := resumeClient.Train(ctx, TrainRequest{Config: cfg, Dataset: smallDataset(), LoadDir: first, Writer: stats.Discard{}})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.RunID != summary.RunID || resumed.ResumedFrom != 1 || resumed.LastEpoch != 2 {
		t.Fatalf("unexpected resumed summary: %+v", resumed)
	}
	if resumed.GlobalStep <= summary.GlobalStep {
		t.Fatalf("expected global step to continue past %d, got %d", summary.GlobalStep, resumed.GlobalStep)
	}

	_, infos, err := resumeClient.Checkpoints(ctx, summary.RunID)
	if err != nil {
		t.Fatalf("checkpoints: %v", err)
	}
	var found bool
	for _, info := range infos {
		if info.Epoch == 2 && info.Tag == model.TagLatest {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected epoch 2 checkpoint in resumed store: %+v", infos)
	}
}

func TestClientResumeMissingDir(t *testing.T) {
	dir := t.TempDir()
	client := newSQLiteClient(t, dir)
	_, err := client.Train(context.Background(), TrainRequest{
		Config:  smallConfig(dir),
		Dataset: smallDataset(),
		LoadDir: filepath.Join(dir, "missing"),
	})
	if !errors.Is(err, checkpoint.ErrNoCheckpoint) {
		t.Fatalf("expected ErrNoCheckpoint, got %v", err)
	}
}

func TestLoadDatasetsRejectsUnknownKind(t *testing.T) {
	if _, _, err := LoadDatasets(DatasetSpec{Kind: "mnist"}); err == nil {
		t.Fatal("expected unsupported dataset error")
	}
	if _, _, err := LoadDatasets(DatasetSpec{Kind: "csv"}); err == nil {
		t.Fatal("expected missing csv files error")
	}
}

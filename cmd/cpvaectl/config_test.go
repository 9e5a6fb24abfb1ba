package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadTrainRequestFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.json")
	payload := map[string]any{
		"encoder":     "mlp_small",
		"latent_dim":  8,
		"gamma":       0.5,
		"gamma_delay": 2,
		"optimizer":   "adam",
		"prior":       "isotropic",
		"seed":        42,
		"dataset":     "csv",
		"train_csv":   "train.csv",
		"test_csv":    "test.csv",
		"image_shape": "28x28",
		"batch_size":  16,
		"store":       "memory",
		"json_log":    true,
		"run_id":      "run-a",
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	req, err := loadTrainRequestFromConfig(path, defaultTrainRequest())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if req.Config.Encoder != "mlp_small" || req.Config.Decoder != "mlp" {
		t.Fatalf("unexpected networks: %s/%s", req.Config.Encoder, req.Config.Decoder)
	}
	if req.Config.LatentDim != 8 || req.Config.Gamma != 0.5 || req.Config.GammaDelay != 2 {
		t.Fatalf("unexpected loss config: %+v", req.Config)
	}
	if req.Config.Optimizer != "adam" || req.Config.Prior != "isotropic" || req.Config.Seed != 42 {
		t.Fatalf("unexpected config: %+v", req.Config)
	}
	if req.Config.Epochs != 1000 || req.Config.Patience != 5 {
		t.Fatalf("expected untouched defaults, got epochs=%d patience=%d", req.Config.Epochs, req.Config.Patience)
	}
	if req.Dataset.Kind != "csv" || req.Dataset.TrainCSV != "train.csv" || req.Dataset.TestCSV != "test.csv" {
		t.Fatalf("unexpected dataset: %+v", req.Dataset)
	}
	if req.Dataset.Shape != "28x28" || req.Dataset.BatchSize != 16 || req.Dataset.Seed != 42 {
		t.Fatalf("unexpected dataset shape: %+v", req.Dataset)
	}
	if req.Store != "memory" || !req.JSONLog || req.RunID != "run-a" {
		t.Fatalf("unexpected request extras: store=%s json=%t run=%s", req.Store, req.JSONLog, req.RunID)
	}
}

func TestOverrideFromFlagsOnlyAppliesSetFlags(t *testing.T) {
	req := defaultTrainRequest()
	req.Config.Gamma = 0.25
	set := map[string]bool{"beta": true, "seed": true, "per-class": true, "config": true}
	values := map[string]any{
		"beta":      2.0,
		"gamma":     1.0,
		"seed":      uint64(9),
		"per-class": 12,
	}
	if err := overrideFromFlags(&req, set, values); err != nil {
		t.Fatalf("override: %v", err)
	}
	if req.Config.Beta != 2 {
		t.Fatalf("expected beta override, got %f", req.Config.Beta)
	}
	if req.Config.Gamma != 0.25 {
		t.Fatalf("unset flag must not override gamma, got %f", req.Config.Gamma)
	}
	if req.Config.Seed != 9 || req.Dataset.Seed != 9 {
		t.Fatalf("seed should apply to model and dataset: %d/%d", req.Config.Seed, req.Dataset.Seed)
	}
	if req.Dataset.PerClass != 12 {
		t.Fatalf("expected per-class override, got %d", req.Dataset.PerClass)
	}
}

func TestLoadOrDefaultTrainRequestMissingFile(t *testing.T) {
	if _, err := loadOrDefaultTrainRequest(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing config file")
	}
	req, err := loadOrDefaultTrainRequest("")
	if err != nil {
		t.Fatalf("default request: %v", err)
	}
	if req.Store != "sqlite" || req.Dataset.Kind != "synthetic" {
		t.Fatalf("unexpected default request: %+v", req)
	}
}

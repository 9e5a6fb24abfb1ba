package main

import (
	"encoding/json"
	"fmt"
	"os"

	"cpvae/internal/train"
	cpvaeapi "cpvae/pkg/cpvae"
)

// trainRequest is everything the train command needs: the facade request
// plus the store and logging choices.
type trainRequest struct {
	cpvaeapi.TrainRequest
	Store   string
	JSONLog bool
	Profile string
}

func defaultTrainRequest() trainRequest {
	return trainRequest{
		TrainRequest: cpvaeapi.TrainRequest{
			Config: train.DefaultConfig(),
			Dataset: cpvaeapi.DatasetSpec{
				Kind:       "synthetic",
				Shape:      "8x8",
				BatchSize:  64,
				NumClasses: 2,
				PerClass:   64,
				Seed:       1,
			},
		},
		Store: "sqlite",
	}
}

// loadTrainRequestFromConfig reads a JSON object whose keys match the train
// flag names with dashes replaced by underscores. Missing keys keep base.
func loadTrainRequestFromConfig(path string, base trainRequest) (trainRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return trainRequest{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return trainRequest{}, err
	}

	req := base
	if err := json.Unmarshal(data, &req.Config); err != nil {
		return trainRequest{}, err
	}
	if v, ok := asString(raw["run_id"]); ok {
		req.RunID = v
	}
	if v, ok := asString(raw["load_dir"]); ok {
		req.LoadDir = v
	}
	if v, ok := asString(raw["store"]); ok {
		req.Store = v
	}
	if v, ok := asBool(raw["json_log"]); ok {
		req.JSONLog = v
	}
	if v, ok := asString(raw["profile"]); ok {
		req.Profile = v
	}
	if v, ok := asString(raw["dataset"]); ok {
		req.Dataset.Kind = v
	}
	if v, ok := asString(raw["train_csv"]); ok {
		req.Dataset.TrainCSV = v
	}
	if v, ok := asString(raw["test_csv"]); ok {
		req.Dataset.TestCSV = v
	}
	if v, ok := asString(raw["image_shape"]); ok {
		req.Dataset.Shape = v
	}
	if v, ok := asInt(raw["batch_size"]); ok {
		req.Dataset.BatchSize = v
	}
	if v, ok := asInt(raw["num_classes"]); ok {
		req.Dataset.NumClasses = v
	}
	if v, ok := asInt(raw["per_class"]); ok {
		req.Dataset.PerClass = v
	}
	if v, ok := asInt(raw["seed"]); ok {
		req.Dataset.Seed = uint64(v)
	}
	return req, nil
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}

// overrideFromFlags applies every flag that was explicitly set on the
// command line on top of req.
func overrideFromFlags(req *trainRequest, set map[string]bool, flagValue map[string]any) error {
	for name := range set {
		v, ok := flagValue[name]
		if !ok {
			continue
		}
		cfg := &req.Config
		switch name {
		case "encoder":
			cfg.Encoder = v.(string)
		case "decoder":
			cfg.Decoder = v.(string)
		case "latent-dim":
			cfg.LatentDim = v.(int)
		case "max-tree-depth":
			cfg.MaxTreeDepth = v.(int)
		case "max-tree-leaf-nodes":
			cfg.MaxTreeLeafNodes = v.(int)
		case "tree-update-period":
			cfg.TreeUpdatePeriod = v.(int)
		case "alpha":
			cfg.Alpha = v.(float64)
		case "beta":
			cfg.Beta = v.(float64)
		case "gamma":
			cfg.Gamma = v.(float64)
		case "gamma-delay":
			cfg.GammaDelay = v.(int)
		case "optimizer":
			cfg.Optimizer = v.(string)
		case "learning-rate":
			cfg.LearningRate = v.(float64)
		case "output-dist":
			cfg.OutputDist = v.(string)
		case "output-dir":
			cfg.OutputDir = v.(string)
		case "num-samples":
			cfg.NumSamples = v.(int)
		case "clip-norm":
			cfg.ClipNorm = v.(float64)
		case "epochs":
			cfg.Epochs = v.(int)
		case "patience":
			cfg.Patience = v.(int)
		case "eps":
			cfg.Eps = v.(float64)
		case "prior":
			cfg.Prior = v.(string)
		case "oversample":
			cfg.Oversample = v.(bool)
		case "mc-samples":
			cfg.MCSamples = v.(int)
		case "debug":
			cfg.Debug = v.(bool)
		case "seed":
			cfg.Seed = v.(uint64)
			req.Dataset.Seed = v.(uint64)
		case "load-dir":
			req.LoadDir = v.(string)
		case "run-id":
			req.RunID = v.(string)
		case "store":
			req.Store = v.(string)
		case "json-log":
			req.JSONLog = v.(bool)
		case "profile":
			req.Profile = v.(string)
		case "dataset":
			req.Dataset.Kind = v.(string)
		case "train-csv":
			req.Dataset.TrainCSV = v.(string)
		case "test-csv":
			req.Dataset.TestCSV = v.(string)
		case "image-shape":
			req.Dataset.Shape = v.(string)
		case "batch-size":
			req.Dataset.BatchSize = v.(int)
		case "num-classes":
			req.Dataset.NumClasses = v.(int)
		case "per-class":
			req.Dataset.PerClass = v.(int)
		default:
			return fmt.Errorf("unsupported override flag: %s", name)
		}
	}
	return nil
}

func loadOrDefaultTrainRequest(configPath string) (trainRequest, error) {
	req := defaultTrainRequest()
	if configPath == "" {
		return req, nil
	}
	req, err := loadTrainRequestFromConfig(configPath, req)
	if err != nil {
		return trainRequest{}, fmt.Errorf("load config: %w", err)
	}
	return req, nil
}

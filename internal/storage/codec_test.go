package storage

import (
	"errors"
	"math"
	"testing"

	"cpvae/internal/model"
)

func sampleCheckpoint(runID string, epoch int, tag string) model.Checkpoint {
	return model.Checkpoint{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		RunID:           runID,
		Epoch:           epoch,
		Tag:             tag,
		GlobalStep:      int64(10 * (epoch + 1)),
		CreatedAtUTC:    "2026-01-02T03:04:05Z",
		Loss:            1.5 + float64(epoch),
		Prior:           "tree",
		Params: []model.Tensor{
			{Name: "encoder/dense_0/kernel", Shape: []int{2, 3}, Data: []float64{1, -2, 3.5, math.Inf(1), 0, 1e-300}},
			{Name: "encoder/dense_0/bias", Shape: []int{1, 3}, Data: []float64{0.1, 0.2, 0.3}},
		},
		Optimizer: model.OptimizerRecord{
			Name: "rmsprop",
			Step: 7,
			Slots: []model.Tensor{
				{Name: "encoder/dense_0/bias/rms", Shape: []int{3}, Data: []float64{4, 5, 6}},
			},
		},
		Tree: &model.TreeRecord{
			NumClasses: 2,
			Dim:        2,
			Nodes: []model.TreeNode{
				{Parent: -1, Left: 1, Right: 2, Feature: 0, Threshold: 0.5, LeafIndex: -1, Samples: 4, ClassCounts: []int{2, 2}, Impurity: 0.5},
				{Parent: 0, Left: -1, Right: -1, Depth: 1, LeafIndex: 0, Samples: 2, ClassCounts: []int{2, 0}},
				{Parent: 0, Left: -1, Right: -1, Depth: 1, LeafIndex: 1, Samples: 2, ClassCounts: []int{0, 2}},
			},
			Weights: []float64{0.5, 0.5},
			Means: []model.Tensor{
				{Name: "leaf_0/mean", Shape: []int{2}, Data: []float64{0, 1}},
				{Name: "leaf_1/mean", Shape: []int{2}, Data: []float64{2, 3}},
			},
			Covs: []model.Tensor{
				{Name: "leaf_0/cov", Shape: []int{2, 2}, Data: []float64{1, 0, 0, 1}},
				{Name: "leaf_1/cov", Shape: []int{2, 2}, Data: []float64{2, 0, 0, 2}},
			},
		},
		EarlyStop: model.EarlyStopRecord{Best: 1.5, BestEpoch: epoch, Initialized: true},
		RNGState:  []byte("pcg-state"),
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	in := sampleCheckpoint("run-1", 3, model.TagLatest)
	payload, err := EncodeCheckpoint(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeCheckpoint(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.RunID != in.RunID || out.Epoch != in.Epoch || out.GlobalStep != in.GlobalStep {
		t.Fatalf("header mismatch: %+v", out)
	}
	if len(out.Params) != 2 || out.Params[0].Data[3] != math.Inf(1) || out.Params[0].Data[5] != 1e-300 {
		t.Fatalf("param data mismatch: %+v", out.Params)
	}
	if got := out.Optimizer.Slots[0].Data[2]; got != 6 {
		t.Fatalf("slot data mismatch: %v", got)
	}
	if out.Tree == nil || out.Tree.Covs[1].Data[3] != 2 || out.Tree.Means[1].Data[0] != 2 {
		t.Fatalf("tree data mismatch: %+v", out.Tree)
	}
	if string(out.RNGState) != "pcg-state" {
		t.Fatalf("rng state mismatch: %q", out.RNGState)
	}
}

func TestCheckpointVersionMismatch(t *testing.T) {
	in := sampleCheckpoint("run-1", 0, model.TagLatest)
	in.SchemaVersion = CurrentSchemaVersion + 1
	payload, err := EncodeCheckpoint(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeCheckpoint(payload); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
}

func TestCheckpointShapeValidation(t *testing.T) {
	in := sampleCheckpoint("run-1", 0, model.TagLatest)
	in.Params[1].Data = in.Params[1].Data[:2]
	if _, err := EncodeCheckpoint(in); err == nil {
		t.Fatal("expected shape error")
	}
}

func TestCheckpointTruncatedPayload(t *testing.T) {
	payload, err := EncodeCheckpoint(sampleCheckpoint("run-1", 0, model.TagLatest))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeCheckpoint(payload[:len(payload)-5]); !errors.Is(err, ErrCorruptPayload) {
		t.Fatalf("expected corrupt payload, got %v", err)
	}
}

func TestCheckpointNonFiniteLoss(t *testing.T) {
	in := sampleCheckpoint("run-1", 0, model.TagLatest)
	in.Loss = math.NaN()
	in.EarlyStop.Best = math.Inf(1)
	payload, err := EncodeCheckpoint(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeCheckpoint(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !math.IsNaN(out.Loss) || !math.IsInf(out.EarlyStop.Best, 1) {
		t.Fatalf("non-finite scalars lost: loss=%v best=%v", out.Loss, out.EarlyStop.Best)
	}
}

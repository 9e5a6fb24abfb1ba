package model

import "encoding/json"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Tensor is a named row-major array. Data travels in the binary section of
// an encoded checkpoint, not in its JSON header.
type Tensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"-"`
}

func (t Tensor) Size() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

type TreeNode struct {
	Parent      int     `json:"parent"`
	Left        int     `json:"left"`
	Right       int     `json:"right"`
	Depth       int     `json:"depth"`
	Feature     int     `json:"feature"`
	Threshold   float64 `json:"threshold"`
	LeafIndex   int     `json:"leaf_index"`
	Samples     int     `json:"samples"`
	ClassCounts []int   `json:"class_counts"`
	Impurity    float64 `json:"impurity"`
}

// TreeRecord is a fitted decision tree with one mixture component per leaf.
type TreeRecord struct {
	NumClasses int        `json:"num_classes"`
	Dim        int        `json:"dim"`
	Nodes      []TreeNode `json:"nodes"`
	Accuracy   float64    `json:"accuracy"`
	Epoch      int        `json:"epoch"`
	Weights    []float64  `json:"weights"`
	Means      []Tensor   `json:"means"`
	Covs       []Tensor   `json:"covs"`
}

type OptimizerRecord struct {
	Name  string   `json:"name"`
	Step  int64    `json:"step"`
	Slots []Tensor `json:"slots"`
}

type EarlyStopRecord struct {
	Best        float64 `json:"-"`
	BestEpoch   int     `json:"best_epoch"`
	Counter     int     `json:"counter"`
	Stopped     bool    `json:"stopped"`
	Initialized bool    `json:"initialized"`
}

const (
	TagLatest = "latest"
	TagBest   = "best"
)

// Checkpoint is everything needed to resume training after an epoch.
// Loss and the early-stopping best metric may be non-finite, so they are
// carried in the binary section alongside tensor data.
type Checkpoint struct {
	VersionedRecord
	RunID        string          `json:"run_id"`
	Epoch        int             `json:"epoch"`
	Tag          string          `json:"tag"`
	GlobalStep   int64           `json:"global_step"`
	CreatedAtUTC string          `json:"created_at_utc"`
	Loss         float64         `json:"-"`
	Prior        string          `json:"prior"`
	Params       []Tensor        `json:"params"`
	Optimizer    OptimizerRecord `json:"optimizer"`
	Tree         *TreeRecord     `json:"tree,omitempty"`
	EarlyStop    EarlyStopRecord `json:"early_stop"`
	RNGState     []byte          `json:"rng_state"`
}

// CheckpointInfo is the listing view of a stored checkpoint.
type CheckpointInfo struct {
	RunID        string  `json:"run_id"`
	Epoch        int     `json:"epoch"`
	Tag          string  `json:"tag"`
	GlobalStep   int64   `json:"global_step"`
	Loss         float64 `json:"loss"`
	SizeBytes    int     `json:"size_bytes"`
	CreatedAtUTC string  `json:"created_at_utc"`
}

type RunRecord struct {
	VersionedRecord
	RunID        string          `json:"run_id"`
	CreatedAtUTC string          `json:"created_at_utc"`
	Prior        string          `json:"prior"`
	Status       string          `json:"status"`
	ImageShape   string          `json:"image_shape"`
	NumClasses   int             `json:"num_classes"`
	Config       json.RawMessage `json:"config,omitempty"`
}

type ScalarRecord struct {
	Name  string  `json:"name"`
	Step  int64   `json:"step"`
	Value float64 `json:"value"`
}

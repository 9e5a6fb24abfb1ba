package storage

import (
	"context"

	"cpvae/internal/model"
)

// Store persists checkpoints, run descriptions, and scalar metrics.
type Store interface {
	Init(ctx context.Context) error
	SaveCheckpoint(ctx context.Context, ckpt model.Checkpoint) error
	GetCheckpoint(ctx context.Context, runID string, epoch int, tag string) (model.Checkpoint, bool, error)
	// ListCheckpoints returns every checkpoint of a run ordered by epoch,
	// then tag.
	ListCheckpoints(ctx context.Context, runID string) ([]model.CheckpointInfo, error)
	DeleteCheckpoint(ctx context.Context, runID string, epoch int, tag string) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, runID string) (model.RunRecord, bool, error)
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	AppendScalars(ctx context.Context, runID string, scalars []model.ScalarRecord) error
	GetScalars(ctx context.Context, runID, name string) ([]model.ScalarRecord, error)
}

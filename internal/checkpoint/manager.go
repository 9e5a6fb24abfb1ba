package checkpoint

import (
	"context"
	"fmt"

	"cpvae/internal/model"
	"cpvae/internal/storage"
)

// Manager keeps the most recent maxToKeep "latest" checkpoints of a run and
// a single "best" one.
type Manager struct {
	store     storage.Store
	runID     string
	location  string
	maxToKeep int
}

// NewManager returns a manager for runID. location names where the store
// lives and is only used in error messages.
func NewManager(store storage.Store, runID, location string, maxToKeep int) *Manager {
	if maxToKeep <= 0 {
		maxToKeep = DefaultMaxToKeep
	}
	return &Manager{store: store, runID: runID, location: location, maxToKeep: maxToKeep}
}

func (m *Manager) RunID() string {
	return m.runID
}

// Save stores ckpt as the latest checkpoint and prunes older ones.
func (m *Manager) Save(ctx context.Context, ckpt model.Checkpoint) error {
	return m.save(ctx, ckpt, model.TagLatest, m.maxToKeep)
}

// SaveBest stores ckpt as the best checkpoint, replacing the previous one.
func (m *Manager) SaveBest(ctx context.Context, ckpt model.Checkpoint) error {
	return m.save(ctx, ckpt, model.TagBest, 1)
}

func (m *Manager) save(ctx context.Context, ckpt model.Checkpoint, tag string, keep int) error {
	ckpt.RunID = m.runID
	ckpt.Tag = tag
	if err := m.store.SaveCheckpoint(ctx, ckpt); err != nil {
		return fmt.Errorf("save %s checkpoint for epoch %d: %w", tag, ckpt.Epoch, err)
	}

	infos, err := m.tagged(ctx, tag)
	if err != nil {
		return err
	}
	for len(infos) > keep {
		oldest := infos[0]
		if err := m.store.DeleteCheckpoint(ctx, m.runID, oldest.Epoch, tag); err != nil {
			return fmt.Errorf("prune checkpoint for epoch %d: %w", oldest.Epoch, err)
		}
		infos = infos[1:]
	}
	return nil
}

// Latest returns the newest "latest" checkpoint.
func (m *Manager) Latest(ctx context.Context) (model.Checkpoint, error) {
	return m.newest(ctx, model.TagLatest)
}

func (m *Manager) Best(ctx context.Context) (model.Checkpoint, error) {
	return m.newest(ctx, model.TagBest)
}

// Get returns the checkpoint saved for epoch, preferring "latest".
func (m *Manager) Get(ctx context.Context, epoch int) (model.Checkpoint, error) {
	for _, tag := range []string{model.TagLatest, model.TagBest} {
		ckpt, ok, err := m.store.GetCheckpoint(ctx, m.runID, epoch, tag)
		if err != nil {
			return model.Checkpoint{}, err
		}
		if ok {
			return ckpt, nil
		}
	}
	return model.Checkpoint{}, fmt.Errorf("%w for run %s epoch %d in %s", ErrNoCheckpoint, m.runID, epoch, m.location)
}

func (m *Manager) List(ctx context.Context) ([]model.CheckpointInfo, error) {
	return m.store.ListCheckpoints(ctx, m.runID)
}

func (m *Manager) newest(ctx context.Context, tag string) (model.Checkpoint, error) {
	infos, err := m.tagged(ctx, tag)
	if err != nil {
		return model.Checkpoint{}, err
	}
	if len(infos) == 0 {
		return model.Checkpoint{}, fmt.Errorf("%w for run %s in %s", ErrNoCheckpoint, m.runID, m.location)
	}
	last := infos[len(infos)-1]
	ckpt, ok, err := m.store.GetCheckpoint(ctx, m.runID, last.Epoch, tag)
	if err != nil {
		return model.Checkpoint{}, err
	}
	if !ok {
		return model.Checkpoint{}, fmt.Errorf("%w for run %s in %s", ErrNoCheckpoint, m.runID, m.location)
	}
	return ckpt, nil
}

// tagged lists the run's checkpoints with tag, oldest first.
func (m *Manager) tagged(ctx context.Context, tag string) ([]model.CheckpointInfo, error) {
	all, err := m.store.ListCheckpoints(ctx, m.runID)
	if err != nil {
		return nil, err
	}
	var out []model.CheckpointInfo
	for _, info := range all {
		if info.Tag == tag {
			out = append(out, info)
		}
	}
	return out, nil
}

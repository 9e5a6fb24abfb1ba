package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"cpvae/internal/model"
)

var ErrNotInitialized = errors.New("store is not initialized")

type checkpointKey struct {
	runID string
	epoch int
	tag   string
}

// MemoryStore keeps checkpoints encoded so stored values never alias the
// caller's slices.
type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	checkpoints map[checkpointKey][]byte
	runs        map[string]model.RunRecord
	scalars     map[string][]model.ScalarRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.checkpoints = make(map[checkpointKey][]byte)
	s.runs = make(map[string]model.RunRecord)
	s.scalars = make(map[string][]model.ScalarRecord)
	return nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, ckpt model.Checkpoint) error {
	payload, err := EncodeCheckpoint(ckpt)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return ErrNotInitialized
	}
	s.checkpoints[checkpointKey{ckpt.RunID, ckpt.Epoch, ckpt.Tag}] = payload
	return nil
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, runID string, epoch int, tag string) (model.Checkpoint, bool, error) {
	s.mu.RLock()
	payload, ok := s.checkpoints[checkpointKey{runID, epoch, tag}]
	s.mu.RUnlock()
	if !ok {
		return model.Checkpoint{}, false, nil
	}

	ckpt, err := DecodeCheckpoint(payload)
	if err != nil {
		return model.Checkpoint{}, false, err
	}
	return ckpt, true, nil
}

func (s *MemoryStore) ListCheckpoints(_ context.Context, runID string) ([]model.CheckpointInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var infos []model.CheckpointInfo
	for key, payload := range s.checkpoints {
		if key.runID != runID {
			continue
		}
		ckpt, err := DecodeCheckpoint(payload)
		if err != nil {
			return nil, err
		}
		infos = append(infos, checkpointInfo(ckpt, len(payload)))
	}
	sortInfos(infos)
	return infos, nil
}

func (s *MemoryStore) DeleteCheckpoint(_ context.Context, runID string, epoch int, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.checkpoints, checkpointKey{runID, epoch, tag})
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return ErrNotInitialized
	}
	run.Config = append([]byte(nil), run.Config...)
	s.runs[run.RunID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	return run, ok, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAtUTC != runs[j].CreatedAtUTC {
			return runs[i].CreatedAtUTC < runs[j].CreatedAtUTC
		}
		return runs[i].RunID < runs[j].RunID
	})
	return runs, nil
}

func (s *MemoryStore) AppendScalars(_ context.Context, runID string, scalars []model.ScalarRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return ErrNotInitialized
	}
	s.scalars[runID] = append(s.scalars[runID], scalars...)
	return nil
}

func (s *MemoryStore) GetScalars(_ context.Context, runID, name string) ([]model.ScalarRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ScalarRecord
	for _, sc := range s.scalars[runID] {
		if name == "" || sc.Name == name {
			out = append(out, sc)
		}
	}
	return out, nil
}

func sortInfos(infos []model.CheckpointInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Epoch != infos[j].Epoch {
			return infos[i].Epoch < infos[j].Epoch
		}
		return infos[i].Tag < infos[j].Tag
	})
}

package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"causalrl/internal/model"
)

// MemoryStore keeps records encoded, so version checks and aliasing behave
// as they do for the sqlite backend.
type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	checkpoints map[string][]byte
	episodes    map[string][]byte
	runs        map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.checkpoints = make(map[string][]byte)
	s.episodes = make(map[string][]byte)
	s.runs = make(map[string][]byte)
	return nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, cp model.Checkpoint) error {
	payload, err := EncodeCheckpoint(cp)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}
	s.checkpoints[cp.RunID] = payload
	return nil
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, runID string) (model.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return model.Checkpoint{}, false, err
	}
	payload, ok := s.checkpoints[runID]
	if !ok {
		return model.Checkpoint{}, false, nil
	}
	cp, err := DecodeCheckpoint(payload)
	if err != nil {
		return model.Checkpoint{}, false, err
	}
	return cp, true, nil
}

func (s *MemoryStore) SaveEpisodeSummaries(_ context.Context, runID string, summaries []model.EpisodeSummary) error {
	payload, err := EncodeEpisodeSummaries(summaries)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}
	s.episodes[runID] = payload
	return nil
}

func (s *MemoryStore) GetEpisodeSummaries(_ context.Context, runID string) ([]model.EpisodeSummary, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, false, err
	}
	payload, ok := s.episodes[runID]
	if !ok {
		return nil, false, nil
	}
	summaries, err := DecodeEpisodeSummaries(payload)
	if err != nil {
		return nil, false, err
	}
	return summaries, true, nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	payload, err := EncodeRunRecord(run)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}
	s.runs[run.RunID] = payload
	return nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	out := make([]model.RunRecord, 0, len(s.runs))
	for _, payload := range s.runs {
		run, err := DecodeRunRecord(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	sortRuns(out)
	return out, nil
}

func (s *MemoryStore) ready() error {
	if !s.initialized {
		return errors.New("store is not initialized")
	}
	return nil
}

// sortRuns orders runs newest first, then by id.
func sortRuns(runs []model.RunRecord) {
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].CreatedAtUTC != runs[j].CreatedAtUTC {
			return runs[i].CreatedAtUTC > runs[j].CreatedAtUTC
		}
		return runs[i].RunID < runs[j].RunID
	})
}

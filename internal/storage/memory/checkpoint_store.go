package memory

import (
	"context"
	"sync"
	"time"

	"github.com/propwatch/listing-harvester/internal/harvest"
)

// CheckpointStore keeps checkpoints in a map. It mirrors the Postgres store
// semantics so drivers behave identically in development mode: loading a
// missing source returns the fresh default without creating state, and
// marking an already-present unit leaves the counter untouched.
type CheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]harvest.Checkpoint
}

// NewCheckpointStore creates an empty in-memory checkpoint store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{checkpoints: make(map[string]harvest.Checkpoint)}
}

// Load returns a copy of the stored checkpoint, or the fresh default.
func (s *CheckpointStore) Load(_ context.Context, source string) (harvest.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[source]
	if !ok {
		return harvest.NewCheckpoint(source), nil
	}
	return copyCheckpoint(cp), nil
}

// Save upserts the cursor position.
func (s *CheckpointStore) Save(_ context.Context, source string, pos harvest.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := s.loadOrInit(source)
	cp.RegionIndex = pos.RegionIndex
	cp.SubRegionIndex = pos.SubRegionIndex
	cp.UpdatedAt = time.Now().UTC()
	s.checkpoints[source] = cp
	return nil
}

// MarkUnitProcessed adds the key to the processed set, bumping the counter
// only on first insertion.
func (s *CheckpointStore) MarkUnitProcessed(_ context.Context, source, unitKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := s.loadOrInit(source)
	if !cp.ProcessedUnits[unitKey] {
		cp.ProcessedUnits[unitKey] = true
		cp.TotalProcessed++
	}
	cp.UpdatedAt = time.Now().UTC()
	s.checkpoints[source] = cp
	return nil
}

// ResetForNextCycle clears the cursor and processed set and increments the
// cycle counter.
func (s *CheckpointStore) ResetForNextCycle(_ context.Context, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := s.loadOrInit(source)
	cp.RegionIndex = 0
	cp.SubRegionIndex = harvest.SubRegionNotStarted
	cp.ProcessedUnits = make(map[string]bool)
	cp.TotalProcessed = 0
	cp.CycleCount++
	now := time.Now().UTC()
	cp.CycleStartedAt = now
	cp.UpdatedAt = now
	s.checkpoints[source] = cp
	return nil
}

// loadOrInit must be called with the write lock held.
func (s *CheckpointStore) loadOrInit(source string) harvest.Checkpoint {
	cp, ok := s.checkpoints[source]
	if !ok {
		return harvest.NewCheckpoint(source)
	}
	return copyCheckpoint(cp)
}

func copyCheckpoint(cp harvest.Checkpoint) harvest.Checkpoint {
	units := make(map[string]bool, len(cp.ProcessedUnits))
	for k, v := range cp.ProcessedUnits {
		units[k] = v
	}
	cp.ProcessedUnits = units
	return cp
}

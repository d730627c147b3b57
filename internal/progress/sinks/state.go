package sinks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/propwatch/listing-harvester/internal/progress"
)

// SourceState is the latest observed crawl position for one source.
type SourceState struct {
	Source         string         `json:"source"`
	Stage          progress.Stage `json:"stage"`
	RegionIndex    int            `json:"region_index"`
	SubRegionIndex int            `json:"subregion_index"`
	Cycle          int64          `json:"cycle,omitempty"`
	UnitsDone      int64          `json:"units_done"`
	UnitsSkipped   int64          `json:"units_skipped"`
	UnitsFiltered  int64          `json:"units_filtered"`
	ListingsNew    int64          `json:"listings_new"`
	LastUnitKey    string         `json:"last_unit_key,omitempty"`
	LastNote       string         `json:"last_note,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// StateSink folds progress events into a per-source snapshot that the ops
// API serves. Counters are cumulative across cycles for the process
// lifetime; durable per-cycle counts live in the checkpoint store.
type StateSink struct {
	mu     sync.RWMutex
	states map[string]*SourceState
}

// NewStateSink returns an empty snapshot sink.
func NewStateSink() *StateSink {
	return &StateSink{states: make(map[string]*SourceState)}
}

// Consume folds the batch into per-source states.
func (s *StateSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		st := s.states[evt.Source]
		if st == nil {
			st = &SourceState{Source: evt.Source}
			s.states[evt.Source] = st
		}
		st.Stage = evt.Stage
		st.RegionIndex = evt.RegionIndex
		st.SubRegionIndex = evt.SubRegionIndex
		st.UpdatedAt = evt.TS
		if evt.Cycle > 0 {
			st.Cycle = evt.Cycle
		}
		switch evt.Stage {
		case progress.StageUnitDone:
			st.UnitsDone++
			st.ListingsNew += evt.Listings
			st.LastUnitKey = evt.UnitKey
		case progress.StageUnitSkipped:
			st.UnitsSkipped++
			st.LastUnitKey = evt.UnitKey
		case progress.StageUnitFiltered:
			st.UnitsFiltered++
			st.LastUnitKey = evt.UnitKey
		}
		if evt.Note != "" {
			st.LastNote = evt.Note
		}
	}
	return nil
}

// Close is a no-op; the snapshot stays readable during shutdown.
func (s *StateSink) Close(context.Context) error {
	return nil
}

// Snapshot returns the per-source states sorted by source name.
func (s *StateSink) Snapshot() []SourceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SourceState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// SourceSnapshot returns the state for one source, if any events have been
// observed for it.
func (s *StateSink) SourceSnapshot(source string) (SourceState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[source]
	if !ok {
		return SourceState{}, false
	}
	return *st, true
}

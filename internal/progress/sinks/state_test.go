package sinks

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/propwatch/listing-harvester/internal/progress"
)

func TestStateSinkFoldsEvents(t *testing.T) {
	t.Parallel()

	sink := NewStateSink()
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	batch := []progress.Event{
		{Source: "norstad", TS: base, Stage: progress.StageUnitDone, RegionIndex: 0, SubRegionIndex: 0, UnitKey: "0-0", Listings: 3, Cycle: 2, Dur: 40 * time.Millisecond},
		{Source: "norstad", TS: base.Add(time.Second), Stage: progress.StageUnitSkipped, RegionIndex: 0, SubRegionIndex: 1, UnitKey: "0-1"},
		{Source: "norstad", TS: base.Add(2 * time.Second), Stage: progress.StageUnitFiltered, RegionIndex: 0, SubRegionIndex: 2, UnitKey: "0-2", Note: "extract unit 0-2: decode feed array"},
		{Source: "vistahome", TS: base.Add(3 * time.Second), Stage: progress.StagePaused, RegionIndex: 1, SubRegionIndex: 0, Note: "backlog 612"},
	}
	if err := sink.Consume(context.Background(), batch); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	snap := sink.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(snap))
	}
	if snap[0].Source != "norstad" || snap[1].Source != "vistahome" {
		t.Fatalf("expected sorted snapshot, got %s then %s", snap[0].Source, snap[1].Source)
	}

	norstad := snap[0]
	if norstad.UnitsDone != 1 || norstad.UnitsSkipped != 1 || norstad.UnitsFiltered != 1 {
		t.Fatalf("unexpected unit counters: %+v", norstad)
	}
	if norstad.ListingsNew != 3 {
		t.Fatalf("expected 3 new listings, got %d", norstad.ListingsNew)
	}
	if norstad.Cycle != 2 {
		t.Fatalf("expected cycle 2 to stick, got %d", norstad.Cycle)
	}
	if norstad.Stage != progress.StageUnitFiltered || norstad.LastUnitKey != "0-2" {
		t.Fatalf("expected latest stage to win: %+v", norstad)
	}
	if norstad.LastNote == "" {
		t.Fatalf("expected filter note to be recorded")
	}

	vista, ok := sink.SourceSnapshot("vistahome")
	if !ok {
		t.Fatal("expected vistahome state")
	}
	if vista.Stage != progress.StagePaused || vista.LastNote != "backlog 612" {
		t.Fatalf("unexpected vistahome state: %+v", vista)
	}

	if _, ok := sink.SourceSnapshot("unknown"); ok {
		t.Fatal("expected miss for unknown source")
	}
}

func TestStateSinkAccumulatesAcrossBatches(t *testing.T) {
	t.Parallel()

	sink := NewStateSink()
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		err := sink.Consume(context.Background(), []progress.Event{{
			Source:         "norstad",
			TS:             base.Add(time.Duration(i) * time.Second),
			Stage:          progress.StageUnitDone,
			SubRegionIndex: i,
			UnitKey:        fmt.Sprintf("0-%d", i),
			Listings:       2,
		}})
		if err != nil {
			t.Fatalf("Consume: %v", err)
		}
	}

	state, ok := sink.SourceSnapshot("norstad")
	if !ok || state.UnitsDone != 3 || state.ListingsNew != 6 {
		t.Fatalf("unexpected accumulated state: %+v ok=%v", state, ok)
	}
	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := sink.SourceSnapshot("norstad"); !ok {
		t.Fatal("snapshot must stay readable after Close")
	}
}

package memory

import (
	"context"
	"testing"

	"github.com/propwatch/listing-harvester/internal/harvest"
)

func TestCheckpointStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewCheckpointStore()
	ctx := context.Background()

	cp, err := store.Load(ctx, "norstad")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cp.RegionIndex != 0 || cp.SubRegionIndex != harvest.SubRegionNotStarted {
		t.Fatalf("expected fresh checkpoint, got %+v", cp)
	}
	if len(store.checkpoints) != 0 {
		t.Fatal("Load must not create state")
	}

	if err := store.Save(ctx, "norstad", harvest.Position{RegionIndex: 1, SubRegionIndex: 2}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.MarkUnitProcessed(ctx, "norstad", "1-2"); err != nil {
		t.Fatalf("MarkUnitProcessed() error = %v", err)
	}
	if err := store.MarkUnitProcessed(ctx, "norstad", "1-2"); err != nil {
		t.Fatalf("MarkUnitProcessed() repeat error = %v", err)
	}

	cp, err = store.Load(ctx, "norstad")
	if err != nil {
		t.Fatalf("Load() after save error = %v", err)
	}
	if cp.RegionIndex != 1 || cp.SubRegionIndex != 2 {
		t.Fatalf("expected cursor (1,2), got %+v", cp)
	}
	if !cp.UnitProcessed("1-2") {
		t.Fatal("expected unit 1-2 marked processed")
	}
	if cp.TotalProcessed != 1 {
		t.Fatalf("expected counter 1 after duplicate mark, got %d", cp.TotalProcessed)
	}

	// Mutating the loaded copy must not leak into the store.
	cp.ProcessedUnits["9-9"] = true
	reloaded, _ := store.Load(ctx, "norstad")
	if reloaded.UnitProcessed("9-9") {
		t.Fatal("expected Load to return a copy")
	}

	if err := store.ResetForNextCycle(ctx, "norstad"); err != nil {
		t.Fatalf("ResetForNextCycle() error = %v", err)
	}
	cp, _ = store.Load(ctx, "norstad")
	if cp.RegionIndex != 0 || cp.SubRegionIndex != harvest.SubRegionNotStarted {
		t.Fatalf("expected cursor reset, got %+v", cp)
	}
	if len(cp.ProcessedUnits) != 0 || cp.TotalProcessed != 0 {
		t.Fatalf("expected processed set cleared, got %+v", cp)
	}
	if cp.CycleCount != 1 {
		t.Fatalf("expected cycle count 1, got %d", cp.CycleCount)
	}
	if cp.CycleStartedAt.IsZero() {
		t.Fatal("expected cycle start stamped")
	}
}

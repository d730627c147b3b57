package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageUnitDone     Stage = "UNIT_DONE"
	StageUnitSkipped  Stage = "UNIT_SKIPPED"
	StageUnitFiltered Stage = "UNIT_FILTERED"
	StageRegionDone   Stage = "REGION_DONE"
	StageCycleDone    Stage = "CYCLE_DONE"
	StagePaused       Stage = "PAUSED"
	StageAborted      Stage = "ABORTED"
)

// Event captures a single harvest milestone for one source.
type Event struct {
	// Source names the data source the milestone belongs to.
	Source string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// RegionIndex and SubRegionIndex locate the cursor. SubRegionIndex may
	// be negative for cursor stages (the "before first sub-region" sentinel).
	RegionIndex    int
	SubRegionIndex int
	// UnitKey is set for unit-level stages.
	UnitKey string
	// Listings counts new listings produced by a completed unit.
	Listings int64
	// Cycle is the sweep number for cycle completions.
	Cycle int64
	// Dur captures execution latency for completed units.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.Source == "" {
		return errors.New("source is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageUnitDone, StageUnitSkipped, StageUnitFiltered:
		if e.UnitKey == "" {
			return fmt.Errorf("%s requires unit key", e.Stage)
		}
	case StageRegionDone, StageCycleDone, StagePaused, StageAborted:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

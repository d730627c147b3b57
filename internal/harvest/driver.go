package harvest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/propwatch/listing-harvester/internal/progress"
)

// DriverConfig controls Driver pacing.
type DriverConfig struct {
	// UnitDelay is the fixed wait inserted before each unit fetch so the
	// crawl does not overload target sites.
	UnitDelay time.Duration
}

// Driver executes one resumable pass over a source: it loads the
// checkpoint, walks regions and sub-regions from the saved cursor, invokes
// the pluggable fetch/extract capability per unit, and writes checkpoints
// incrementally. The loop is strictly sequential within a process;
// multiple processes may drive the same store concurrently.
type Driver struct {
	checkpoints CheckpointStore
	fetcher     UnitFetcher
	governor    *Governor
	signal      *AbortSignal
	clock       Clock
	events      *progress.Hub
	sleep       sleeper
	cfg         DriverConfig
	logger      *zap.Logger
}

// NewDriver constructs a Driver. events may be nil.
func NewDriver(
	checkpoints CheckpointStore,
	fetcher UnitFetcher,
	governor *Governor,
	signal *AbortSignal,
	clock Clock,
	events *progress.Hub,
	cfg DriverConfig,
	logger *zap.Logger,
) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		checkpoints: checkpoints,
		fetcher:     fetcher,
		governor:    governor,
		signal:      signal,
		clock:       clock,
		events:      events,
		sleep:       timerSleeper{},
		cfg:         cfg,
		logger:      logger.Named("driver"),
	}
}

// Run drives one pass over the source and reports how it ended. Per-unit
// failures never propagate; only a checkpoint load failure is returned,
// since without a cursor the pass cannot resume correctly.
func (d *Driver) Run(ctx context.Context, source Source) (Report, error) {
	started := d.clock.Now()
	report := Report{SourceName: source.Name, Outcome: OutcomeCompleted}

	cp, err := d.checkpoints.Load(ctx, source.Name)
	if err != nil {
		return report, fmt.Errorf("load checkpoint for %s: %w", source.Name, err)
	}
	logger := d.logger.With(zap.String("source", source.Name), zap.Int64("cycle", cp.CycleCount))
	logger.Info("pass starting",
		zap.Int("region_index", cp.RegionIndex),
		zap.Int("subregion_index", cp.SubRegionIndex),
		zap.Int("processed_units", len(cp.ProcessedUnits)),
	)

	startRegion := cp.RegionIndex
	if startRegion < 0 {
		startRegion = 0
	}
	pos := Position{RegionIndex: cp.RegionIndex, SubRegionIndex: cp.SubRegionIndex}

	for r := startRegion; r < len(source.Regions); r++ {
		if d.stopRequested(ctx) {
			d.finishInterrupted(ctx, source.Name, pos, &report, OutcomeAborted, started)
			return report, nil
		}
		region := source.Regions[r]

		startSub := 0
		if r == cp.RegionIndex && cp.SubRegionIndex >= 0 {
			startSub = cp.SubRegionIndex + 1
		}

		for s := startSub; s < len(region.SubRegions); s++ {
			if d.stopRequested(ctx) {
				d.finishInterrupted(ctx, source.Name, pos, &report, OutcomeAborted, started)
				return report, nil
			}

			key := UnitKey(r, s)
			if cp.UnitProcessed(key) {
				report.UnitsSkipped++
				d.emit(progress.Event{Source: source.Name, Stage: progress.StageUnitSkipped, RegionIndex: r, SubRegionIndex: s, UnitKey: key})
				continue
			}

			if d.governor.ShouldPause(ctx) {
				d.finishInterrupted(ctx, source.Name, pos, &report, OutcomePaused, started)
				return report, nil
			}

			d.sleep.Pause(ctx, d.cfg.UnitDelay)
			d.processUnit(ctx, source, cp, r, s, key, &report, logger)

			cp.ProcessedUnits[key] = true
			pos = Position{RegionIndex: r, SubRegionIndex: s}
			d.persist(ctx, source.Name, pos, logger)
		}

		// Region boundary: record the cursor even when every unit was
		// skipped or the region was empty, then re-check backpressure.
		pos = Position{RegionIndex: r, SubRegionIndex: len(region.SubRegions) - 1}
		d.persist(ctx, source.Name, pos, logger)
		d.emit(progress.Event{Source: source.Name, Stage: progress.StageRegionDone, RegionIndex: r})

		if d.governor.ShouldPause(ctx) {
			report.Outcome = OutcomePaused
			report.Duration = d.clock.Now().Sub(started)
			d.emit(progress.Event{Source: source.Name, Stage: progress.StagePaused, RegionIndex: r})
			logger.Info("pass paused on backlog", zap.Int("region_index", r))
			return report, nil
		}
	}

	// Full sweep with no abort pending: reset the cursor and start the
	// next cycle. A reset failure is recoverable; the next pass resumes
	// past the end and retries the reset immediately.
	if err := d.checkpoints.ResetForNextCycle(ctx, source.Name); err != nil {
		logger.Warn("cycle reset failed", zap.Error(err))
	}
	report.Outcome = OutcomeCompleted
	report.Duration = d.clock.Now().Sub(started)
	d.emit(progress.Event{Source: source.Name, Stage: progress.StageCycleDone, Cycle: cp.CycleCount + 1})
	logger.Info("pass completed",
		zap.Int("units_processed", report.UnitsProcessed),
		zap.Int("units_skipped", report.UnitsSkipped),
		zap.Int("units_filtered", report.UnitsFiltered),
		zap.Int("listings_new", report.ListingsNew),
	)
	return report, nil
}

func (d *Driver) processUnit(
	ctx context.Context,
	source Source,
	cp Checkpoint,
	r, s int,
	key string,
	report *Report,
	logger *zap.Logger,
) {
	region := source.Regions[r]
	req := UnitRequest{
		Source:         source,
		RegionIndex:    r,
		SubRegionIndex: s,
		RegionName:     region.Name,
		SubRegionName:  region.SubRegions[s],
		UnitKey:        key,
		Cycle:          cp.CycleCount,
	}

	res, err := d.fetcher.FetchUnit(ctx, req)
	if err != nil {
		// Extraction failures skip the unit so one bad target cannot
		// stall the whole crawl. The unit still counts as handled for
		// this cycle.
		report.UnitsFiltered++
		logger.Warn("unit fetch failed, skipping",
			zap.String("unit", key),
			zap.String("region", region.Name),
			zap.String("subregion", region.SubRegions[s]),
			zap.Error(err),
		)
		d.emit(progress.Event{Source: source.Name, Stage: progress.StageUnitFiltered, RegionIndex: r, SubRegionIndex: s, UnitKey: key, Note: err.Error()})
	} else {
		report.UnitsProcessed++
		report.ListingsNew += res.ListingsNew
		d.governor.Produced(res.ListingsNew)
		d.emit(progress.Event{
			Source:         source.Name,
			Stage:          progress.StageUnitDone,
			RegionIndex:    r,
			SubRegionIndex: s,
			UnitKey:        key,
			Listings:       int64(res.ListingsNew),
			Dur:            res.Duration,
		})
	}

	if err := d.checkpoints.MarkUnitProcessed(ctx, source.Name, key); err != nil {
		logger.Warn("mark unit processed failed", zap.String("unit", key), zap.Error(err))
	}
}

// finishInterrupted persists the last completed position and stamps the
// report for a pause or abort.
func (d *Driver) finishInterrupted(
	ctx context.Context,
	source string,
	pos Position,
	report *Report,
	outcome RunOutcome,
	started time.Time,
) {
	d.persist(ctx, source, pos, d.logger)
	report.Outcome = outcome
	report.Duration = d.clock.Now().Sub(started)
	stage := progress.StageAborted
	if outcome == OutcomePaused {
		stage = progress.StagePaused
	}
	d.emit(progress.Event{Source: source, Stage: stage, RegionIndex: pos.RegionIndex, SubRegionIndex: pos.SubRegionIndex})
	d.logger.Info("pass interrupted",
		zap.String("source", source),
		zap.String("outcome", string(outcome)),
		zap.Int("region_index", pos.RegionIndex),
		zap.Int("subregion_index", pos.SubRegionIndex),
	)
}

// persist saves the cursor best-effort. A failed write is logged and the
// crawl continues; at-least-once reprocessing after a restart is the
// accepted outcome.
func (d *Driver) persist(ctx context.Context, source string, pos Position, logger *zap.Logger) {
	if err := d.checkpoints.Save(ctx, source, pos); err != nil {
		logger.Warn("checkpoint save failed",
			zap.Int("region_index", pos.RegionIndex),
			zap.Int("subregion_index", pos.SubRegionIndex),
			zap.Error(err),
		)
	}
}

func (d *Driver) stopRequested(ctx context.Context) bool {
	if d.signal != nil && d.signal.Aborted() {
		return true
	}
	return ctx.Err() != nil
}

func (d *Driver) emit(evt progress.Event) {
	if d.events == nil {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = d.clock.Now()
	}
	d.events.Emit(evt)
}

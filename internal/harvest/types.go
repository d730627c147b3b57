// Package harvest defines the crawl orchestration core shared across
// subsystems: checkpoints, the per-source drive loop, backlog governance,
// and cooperative cancellation.
package harvest

import (
	"fmt"
	"time"
)

// SubRegionNotStarted is the cursor sentinel meaning no sub-region of the
// current region has completed yet. Resume arithmetic (start at index+1)
// therefore needs no special case for a fresh checkpoint.
const SubRegionNotStarted = -1

// UnitKey builds the opaque processed-set key for a region/sub-region pair.
func UnitKey(regionIndex, subRegionIndex int) string {
	return fmt.Sprintf("%d-%d", regionIndex, subRegionIndex)
}

// Checkpoint is the durable scan position for one data source. Exactly one
// exists per source; all fields are monotonic or idempotent so concurrent
// writers cannot corrupt it, only lag it.
type Checkpoint struct {
	SourceName     string          `json:"source_name"`
	RegionIndex    int             `json:"region_index"`
	SubRegionIndex int             `json:"subregion_index"`
	ProcessedUnits map[string]bool `json:"processed_units"`
	TotalProcessed int64           `json:"total_processed"`
	CycleCount     int64           `json:"cycle_count"`
	CycleStartedAt time.Time       `json:"cycle_started_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewCheckpoint returns the default checkpoint for a source that has never
// been crawled.
func NewCheckpoint(source string) Checkpoint {
	return Checkpoint{
		SourceName:     source,
		RegionIndex:    0,
		SubRegionIndex: SubRegionNotStarted,
		ProcessedUnits: make(map[string]bool),
	}
}

// UnitProcessed reports whether the unit key completed in the current cycle.
func (c Checkpoint) UnitProcessed(key string) bool {
	return c.ProcessedUnits[key]
}

// Position is the cursor portion of a checkpoint persisted after every unit
// and region.
type Position struct {
	RegionIndex    int
	SubRegionIndex int
}

// Region is one top-level partition of a source's coverage area.
type Region struct {
	Name       string   `json:"name" mapstructure:"name"`
	SubRegions []string `json:"subregions" mapstructure:"subregions"`
}

// Source describes one external listing feed and its two-level region
// partition. Regions are crawled in declaration order.
type Source struct {
	Name        string   `json:"name" mapstructure:"name"`
	URLTemplate string   `json:"url_template" mapstructure:"url_template"`
	Render      bool     `json:"render" mapstructure:"render"`
	Regions     []Region `json:"regions" mapstructure:"regions"`
}

// UnitCount returns the number of schedulable units across all regions.
func (s Source) UnitCount() int {
	total := 0
	for _, r := range s.Regions {
		total += len(r.SubRegions)
	}
	return total
}

// UnitRequest identifies one sub-region fetch handed to the pluggable
// fetch/extract capability.
type UnitRequest struct {
	Source         Source
	RegionIndex    int
	SubRegionIndex int
	RegionName     string
	SubRegionName  string
	UnitKey        string
	Cycle          int64
}

// UnitResult summarizes one completed unit.
type UnitResult struct {
	ListingsFound   int
	ListingsNew     int
	ListingsUpdated int
	SnapshotURI     string
	Duration        time.Duration
}

// RunOutcome describes how a driver pass over a source ended.
type RunOutcome string

// Driver pass outcomes.
const (
	OutcomeCompleted RunOutcome = "completed"
	OutcomePaused    RunOutcome = "paused"
	OutcomeAborted   RunOutcome = "aborted"
)

// Report is returned by Driver.Run for one pass over one source.
type Report struct {
	SourceName     string        `json:"source_name"`
	Outcome        RunOutcome    `json:"outcome"`
	UnitsProcessed int           `json:"units_processed"`
	UnitsSkipped   int           `json:"units_skipped"`
	UnitsFiltered  int           `json:"units_filtered"`
	ListingsNew    int           `json:"listings_new"`
	Duration       time.Duration `json:"duration_ms"`
}

// ListingStatus is the downstream review state of a stored listing.
type ListingStatus string

// Listing status values persisted in the listing store. Pending listings
// form the backlog the governor paces against.
const (
	ListingStatusPending  ListingStatus = "pending"
	ListingStatusReviewed ListingStatus = "reviewed"
)

// Listing is one deduplicated property record extracted from a source.
// Identity is (SourceName, ExternalID); ContentHash detects payload change.
type Listing struct {
	ID           string        `json:"id"`
	SourceName   string        `json:"source_name"`
	ExternalID   string        `json:"external_id"`
	URL          string        `json:"url"`
	Address      string        `json:"address"`
	City         string        `json:"city"`
	Region       string        `json:"region"`
	PostalCode   string        `json:"postal_code,omitempty"`
	Price        int64         `json:"price"`
	Beds         int           `json:"beds"`
	Baths        float64       `json:"baths"`
	SquareFeet   int           `json:"square_feet"`
	PropertyType string        `json:"property_type,omitempty"`
	Description  string        `json:"description,omitempty"`
	PhotoURLs    []string      `json:"photo_urls,omitempty"`
	AgentName    string        `json:"agent_name,omitempty"`
	AgentPhone   string        `json:"agent_phone,omitempty"`
	Brokerage    string        `json:"brokerage,omitempty"`
	ContentHash  string        `json:"content_hash"`
	Status       ListingStatus `json:"status"`
	FirstSeenAt  time.Time     `json:"first_seen_at"`
	LastSeenAt   time.Time     `json:"last_seen_at"`
}

package harvest

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// CheckpointStore persists per-source scan positions. Implementations must
// upsert idempotently keyed by source name; at most one checkpoint exists
// per source.
type CheckpointStore interface {
	// Load returns the stored checkpoint, or a fresh default when the
	// source has never been crawled. Load never creates a row.
	Load(ctx context.Context, source string) (Checkpoint, error)
	// Save upserts the cursor position, last-write-wins.
	Save(ctx context.Context, source string, pos Position) error
	// MarkUnitProcessed adds the key to the processed set and increments
	// the cycle's total counter.
	MarkUnitProcessed(ctx context.Context, source, unitKey string) error
	// ResetForNextCycle clears the cursor and processed set and increments
	// the cycle counter, atomically.
	ResetForNextCycle(ctx context.Context, source string) error
}

// ListingStore persists deduplicated listings.
type ListingStore interface {
	// Upsert inserts the listing or refreshes the existing row keyed by
	// (source, external ID). Returns true when a new row was created.
	Upsert(ctx context.Context, listing Listing) (bool, error)
	PendingCount(ctx context.Context) (int64, error)
}

// BacklogCounter reports how many produced units await downstream
// consumption. The count is advisory; callers treat errors as "unknown,
// do not pause".
type BacklogCounter interface {
	PendingCount(ctx context.Context) (int64, error)
}

// UnitFetcher is the pluggable fetch/extract capability invoked once per
// sub-region unit.
type UnitFetcher interface {
	FetchUnit(ctx context.Context, req UnitRequest) (UnitResult, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes new-listing events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for change detection.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

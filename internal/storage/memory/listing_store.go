package memory

import (
	"context"
	"sync"
	"time"

	"github.com/propwatch/listing-harvester/internal/harvest"
)

type listingKey struct {
	source     string
	externalID string
}

// ListingStore keeps listings in a map keyed by (source, external ID).
type ListingStore struct {
	mu       sync.RWMutex
	listings map[listingKey]harvest.Listing
}

// NewListingStore creates an empty in-memory listing store.
func NewListingStore() *ListingStore {
	return &ListingStore{listings: make(map[listingKey]harvest.Listing)}
}

// Upsert inserts or refreshes a listing and reports whether it was new.
// A changed content hash resets the status to pending, matching the
// Postgres store.
func (s *ListingStore) Upsert(_ context.Context, listing harvest.Listing) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := listingKey{source: listing.SourceName, externalID: listing.ExternalID}
	now := time.Now().UTC()

	existing, ok := s.listings[key]
	if !ok {
		listing.Status = harvest.ListingStatusPending
		listing.FirstSeenAt = now
		listing.LastSeenAt = now
		s.listings[key] = listing
		return true, nil
	}

	listing.ID = existing.ID
	listing.FirstSeenAt = existing.FirstSeenAt
	listing.LastSeenAt = now
	if existing.ContentHash == listing.ContentHash {
		listing.Status = existing.Status
	} else {
		listing.Status = harvest.ListingStatusPending
	}
	s.listings[key] = listing
	return false, nil
}

// PendingCount returns the number of listings in pending status.
func (s *ListingStore) PendingCount(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, l := range s.listings {
		if l.Status == harvest.ListingStatusPending {
			count++
		}
	}
	return count, nil
}

// MarkReviewed flips a listing out of the pending backlog. Tests use it to
// exercise governor pacing.
func (s *ListingStore) MarkReviewed(source, externalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := listingKey{source: source, externalID: externalID}
	l, ok := s.listings[key]
	if !ok {
		return false
	}
	l.Status = harvest.ListingStatusReviewed
	s.listings[key] = l
	return true
}

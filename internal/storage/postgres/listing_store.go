package postgres

import (
	"context"
	"fmt"

	"github.com/propwatch/listing-harvester/internal/harvest"
)

// ListingStore persists deduplicated listings keyed by
// (source_name, external_id).
type ListingStore struct {
	pool  dbPool
	table string
}

// NewListingStore constructs a store over an existing pool.
func NewListingStore(pool dbPool, table string) (*ListingStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "listings"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ListingStore{pool: pool, table: table}, nil
}

// Upsert inserts or refreshes a listing. The returned bool is true when the
// row did not exist before. A changed content hash flips the row back to
// pending so reviewers see the update; an unchanged hash only touches
// last_seen_at.
func (s *ListingStore) Upsert(ctx context.Context, listing harvest.Listing) (bool, error) {
	if listing.SourceName == "" || listing.ExternalID == "" {
		return false, fmt.Errorf("listing identity (source, external id) is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, source_name, external_id, url, address, city, region,
                postal_code, price, beds, baths, square_feet, property_type,
                description, photo_urls, agent_name, agent_phone, brokerage,
                content_hash, status, first_seen_at, last_seen_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
        $16, $17, $18, $19, 'pending', now(), now())
ON CONFLICT (source_name, external_id) DO UPDATE
SET url = EXCLUDED.url,
    address = EXCLUDED.address,
    city = EXCLUDED.city,
    region = EXCLUDED.region,
    postal_code = EXCLUDED.postal_code,
    price = EXCLUDED.price,
    beds = EXCLUDED.beds,
    baths = EXCLUDED.baths,
    square_feet = EXCLUDED.square_feet,
    property_type = EXCLUDED.property_type,
    description = EXCLUDED.description,
    photo_urls = EXCLUDED.photo_urls,
    agent_name = EXCLUDED.agent_name,
    agent_phone = EXCLUDED.agent_phone,
    brokerage = EXCLUDED.brokerage,
    status = CASE WHEN %s.content_hash = EXCLUDED.content_hash
                  THEN %s.status ELSE 'pending' END,
    content_hash = EXCLUDED.content_hash,
    last_seen_at = now()
RETURNING (xmax = 0) AS created`, s.table, s.table, s.table)

	var created bool
	err := s.pool.QueryRow(ctx, query,
		listing.ID,
		listing.SourceName,
		listing.ExternalID,
		listing.URL,
		listing.Address,
		listing.City,
		listing.Region,
		listing.PostalCode,
		listing.Price,
		listing.Beds,
		listing.Baths,
		listing.SquareFeet,
		listing.PropertyType,
		listing.Description,
		listing.PhotoURLs,
		listing.AgentName,
		listing.AgentPhone,
		listing.Brokerage,
		listing.ContentHash,
	).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upsert listing %s/%s: %w", listing.SourceName, listing.ExternalID, err)
	}
	return created, nil
}

// PendingCount returns the number of listings awaiting downstream review.
// The governor treats this as the backlog authority.
func (s *ListingStore) PendingCount(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE status = 'pending'`, s.table)
	var count int64
	if err := s.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count pending listings: %w", err)
	}
	return count, nil
}

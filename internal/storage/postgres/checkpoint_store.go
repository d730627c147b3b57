// Package postgres provides Postgres-backed persistence implementations.
// The expected schema ships in migrations/.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/propwatch/listing-harvester/internal/harvest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// dbPool is the subset of pgxpool.Pool the stores use; pgxmock satisfies
// it for tests.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	CheckpointTable string
	ListingTable    string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// NewPool builds a pgx connection pool from the config. The pool is shared
// by every store.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// CheckpointStore persists per-source scan positions. Every statement is a
// single idempotent upsert so concurrent drivers cannot corrupt a
// checkpoint, only lag it.
type CheckpointStore struct {
	pool  dbPool
	table string
}

// NewCheckpointStore constructs a store over an existing pool.
func NewCheckpointStore(pool dbPool, table string) (*CheckpointStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "harvest_checkpoints"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &CheckpointStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *CheckpointStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies database connectivity.
func (s *CheckpointStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("checkpoint store is not configured")
	}
	return s.pool.Ping(ctx)
}

// Load returns the stored checkpoint, or the fresh default when the source
// has never been crawled. No row is created on load.
func (s *CheckpointStore) Load(ctx context.Context, source string) (harvest.Checkpoint, error) {
	if source == "" {
		return harvest.Checkpoint{}, fmt.Errorf("source name is required")
	}
	query := fmt.Sprintf(`
SELECT region_index, subregion_index, processed_units, total_processed,
       cycle_count, cycle_started_at, updated_at
FROM %s WHERE source_name = $1`, s.table)

	cp := harvest.Checkpoint{SourceName: source}
	var unitsJSON []byte
	err := s.pool.QueryRow(ctx, query, source).Scan(
		&cp.RegionIndex,
		&cp.SubRegionIndex,
		&unitsJSON,
		&cp.TotalProcessed,
		&cp.CycleCount,
		&cp.CycleStartedAt,
		&cp.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return harvest.NewCheckpoint(source), nil
		}
		return harvest.Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}

	cp.ProcessedUnits, err = decodeUnitSet(unitsJSON)
	if err != nil {
		return harvest.Checkpoint{}, fmt.Errorf("decode processed units: %w", err)
	}
	return cp, nil
}

// Save upserts the cursor position, last-write-wins.
func (s *CheckpointStore) Save(ctx context.Context, source string, pos harvest.Position) error {
	if source == "" {
		return fmt.Errorf("source name is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (source_name, region_index, subregion_index, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (source_name) DO UPDATE
SET region_index = EXCLUDED.region_index,
    subregion_index = EXCLUDED.subregion_index,
    updated_at = now()`, s.table)

	if _, err := s.pool.Exec(ctx, query, source, pos.RegionIndex, pos.SubRegionIndex); err != nil {
		return fmt.Errorf("save checkpoint position: %w", err)
	}
	return nil
}

// MarkUnitProcessed adds the key to the processed set and bumps the cycle
// counter. Re-marking an already-present key is a no-op, so the counter
// stays consistent with the set under races.
func (s *CheckpointStore) MarkUnitProcessed(ctx context.Context, source, unitKey string) error {
	if source == "" {
		return fmt.Errorf("source name is required")
	}
	if unitKey == "" {
		return fmt.Errorf("unit key is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (source_name, processed_units, total_processed, updated_at)
VALUES ($1, jsonb_build_array($2::text), 1, now())
ON CONFLICT (source_name) DO UPDATE
SET processed_units = CASE
        WHEN %s.processed_units ? $2 THEN %s.processed_units
        ELSE %s.processed_units || to_jsonb($2::text)
    END,
    total_processed = %s.total_processed
        + CASE WHEN %s.processed_units ? $2 THEN 0 ELSE 1 END,
    updated_at = now()`, s.table, s.table, s.table, s.table, s.table, s.table)

	if _, err := s.pool.Exec(ctx, query, source, unitKey); err != nil {
		return fmt.Errorf("mark unit processed: %w", err)
	}
	return nil
}

// ResetForNextCycle atomically clears the cursor and processed set and
// increments the cycle counter.
func (s *CheckpointStore) ResetForNextCycle(ctx context.Context, source string) error {
	if source == "" {
		return fmt.Errorf("source name is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (source_name, region_index, subregion_index, processed_units,
                total_processed, cycle_count, cycle_started_at, updated_at)
VALUES ($1, 0, -1, '[]'::jsonb, 0, 1, now(), now())
ON CONFLICT (source_name) DO UPDATE
SET region_index = 0,
    subregion_index = -1,
    processed_units = '[]'::jsonb,
    total_processed = 0,
    cycle_count = %s.cycle_count + 1,
    cycle_started_at = now(),
    updated_at = now()`, s.table, s.table)

	if _, err := s.pool.Exec(ctx, query, source); err != nil {
		return fmt.Errorf("reset checkpoint cycle: %w", err)
	}
	return nil
}

func decodeUnitSet(data []byte) (map[string]bool, error) {
	set := make(map[string]bool)
	if len(data) == 0 {
		return set, nil
	}
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, err
	}
	for _, key := range keys {
		set[key] = true
	}
	return set, nil
}

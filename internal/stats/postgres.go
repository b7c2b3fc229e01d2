package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkefeder/netznoe-import-worker/internal/db"
)

// Expected schema:
//
//	CREATE TABLE statistics_meta (
//	    series_id  text PRIMARY KEY,
//	    source     text NOT NULL,
//	    name       text NOT NULL,
//	    unit       text NOT NULL,
//	    has_mean   boolean NOT NULL,
//	    has_sum    boolean NOT NULL
//	);
//
//	CREATE TABLE statistics (
//	    series_id  text NOT NULL REFERENCES statistics_meta (series_id),
//	    start_ts   timestamptz NOT NULL,
//	    end_ts     timestamptz NOT NULL,
//	    state      double precision NOT NULL,
//	    sum        double precision NOT NULL,
//	    PRIMARY KEY (series_id, start_ts)
//	);

// statisticPeriod is the host statistics period; every sample's end
// timestamp is its start plus one period, regardless of series resolution.
const statisticPeriod = time.Hour

// PostgresStore is the PostgreSQL-backed statistics store
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new statistics store on the given pool
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// LastStatistics returns the most recent samples of a series, newest first.
// The end timestamp is reported as an epoch-numeric string.
func (s *PostgresStore) LastStatistics(ctx context.Context, seriesID string, limit int) (map[string][]LastStatistic, error) {
	query := `
		SELECT sum, extract(epoch FROM end_ts)::text
		FROM statistics
		WHERE series_id = $1
		ORDER BY start_ts DESC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, seriesID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query last statistics: %w", err)
	}
	defer rows.Close()

	var samples []LastStatistic
	for rows.Next() {
		var sum float64
		var end string
		if err := rows.Scan(&sum, &end); err != nil {
			return nil, fmt.Errorf("failed to scan statistic: %w", err)
		}
		sumCopy, endCopy := sum, end
		samples = append(samples, LastStatistic{Sum: &sumCopy, End: &endCopy})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	result := make(map[string][]LastStatistic)
	if len(samples) > 0 {
		result[seriesID] = samples
	}
	return result, nil
}

// AddExternalStatistics upserts the series metadata and appends the batch
// of points in one transaction.
func (s *PostgresStore) AddExternalStatistics(ctx context.Context, meta Metadata, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	metaRow := db.SeriesMetaRow{
		SeriesID: meta.StatisticID,
		Source:   meta.Source,
		Name:     meta.Name,
		Unit:     meta.Unit,
		HasMean:  meta.HasMean,
		HasSum:   meta.HasSum,
	}

	metaQuery := `
		INSERT INTO statistics_meta (series_id, source, name, unit, has_mean, has_sum)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (series_id) DO UPDATE
		SET name = EXCLUDED.name, unit = EXCLUDED.unit
	`
	_, err = tx.Exec(ctx, metaQuery,
		metaRow.SeriesID,
		metaRow.Source,
		metaRow.Name,
		metaRow.Unit,
		metaRow.HasMean,
		metaRow.HasSum,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert series metadata: %w", err)
	}

	insertQuery := `
		INSERT INTO statistics (series_id, start_ts, end_ts, state, sum)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (series_id, start_ts) DO UPDATE
		SET end_ts = EXCLUDED.end_ts, state = EXCLUDED.state, sum = EXCLUDED.sum
	`

	batch := &pgx.Batch{}
	for _, p := range points {
		row := db.StatisticRow{
			SeriesID: meta.StatisticID,
			StartTS:  p.Start,
			EndTS:    p.Start.Add(statisticPeriod),
			State:    p.State,
			Sum:      p.Sum,
		}
		batch.Queue(insertQuery, row.SeriesID, row.StartTS, row.EndTS, row.State, row.Sum)
	}

	results := tx.SendBatch(ctx, batch)
	for range points {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("failed to insert statistic: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

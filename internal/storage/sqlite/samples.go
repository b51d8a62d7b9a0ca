package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/sqwatch/sqwatch/internal/types"
)

// AppendSample inserts one observation. Samples are append-only and are
// never updated. Appends for the same fingerprint are serialized against
// aggregate recomputation; different fingerprints proceed in parallel.
func (s *SQLiteStorage) AppendSample(ctx context.Context, sample *types.Sample) error {
	if err := sample.Validate(); err != nil {
		return fmt.Errorf("invalid sample: %w", err)
	}

	mu := s.lockFor(sample.Fingerprint)
	mu.Lock()
	defer mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO samples (fingerprint, captured_at, query_text, duration_secs, lock_time_secs, rows_sent, rows_examined)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sample.Fingerprint, sample.CapturedAt.UTC(), sample.QueryText,
		sample.DurationSecs, sample.LockTimeSecs, sample.RowsSent, sample.RowsExamined)
	if err != nil {
		return fmt.Errorf("failed to append sample for %s: %w", sample.Fingerprint, err)
	}

	if id, err := res.LastInsertId(); err == nil {
		sample.ID = id
	}
	return nil
}

// GetSamples returns the most recent samples for a fingerprint,
// newest first.
func (s *SQLiteStorage) GetSamples(ctx context.Context, fingerprint string, limit int) ([]*types.Sample, error) {
	query := `
		SELECT id, fingerprint, captured_at, query_text, duration_secs, lock_time_secs, rows_sent, rows_examined
		FROM samples WHERE fingerprint = ? ORDER BY id DESC
	`
	args := []interface{}{fingerprint}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get samples for %s: %w", fingerprint, err)
	}
	defer rows.Close()

	var samples []*types.Sample
	for rows.Next() {
		var smp types.Sample
		if err := rows.Scan(&smp.ID, &smp.Fingerprint, &smp.CapturedAt, &smp.QueryText,
			&smp.DurationSecs, &smp.LockTimeSecs, &smp.RowsSent, &smp.RowsExamined); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		samples = append(samples, &smp)
	}
	return samples, rows.Err()
}

// RecomputeAggregates rebuilds the unit's aggregate statistics from its
// samples and stores them on the unit row. The aggregates are always
// derived from the sample log, never maintained as running sums, so
// they cannot drift. Serialized per fingerprint against AppendSample.
func (s *SQLiteStorage) RecomputeAggregates(ctx context.Context, fingerprint string) (*types.QueryStats, error) {
	mu := s.lockFor(fingerprint)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var stats types.QueryStats
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(AVG(duration_secs), 0),
		       COALESCE(MAX(duration_secs), 0),
		       COALESCE(AVG(lock_time_secs), 0),
		       COALESCE(MAX(lock_time_secs), 0),
		       COALESCE(AVG(rows_sent), 0),
		       COALESCE(AVG(rows_examined), 0)
		FROM samples WHERE fingerprint = ?
	`, fingerprint).Scan(
		&stats.ExecCount, &stats.AvgDurationSecs, &stats.MaxDurationSecs,
		&stats.AvgLockTimeSecs, &stats.MaxLockTimeSecs,
		&stats.AvgRowsSent, &stats.AvgRowsExamined,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate samples for %s: %w", fingerprint, err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE units SET
			exec_count = ?,
			avg_duration_secs = ?,
			max_duration_secs = ?,
			avg_lock_time_secs = ?,
			max_lock_time_secs = ?,
			avg_rows_sent = ?,
			avg_rows_examined = ?,
			updated_at = ?
		WHERE fingerprint = ?
	`, stats.ExecCount, stats.AvgDurationSecs, stats.MaxDurationSecs,
		stats.AvgLockTimeSecs, stats.MaxLockTimeSecs,
		stats.AvgRowsSent, stats.AvgRowsExamined,
		time.Now().UTC(), fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to store aggregates for %s: %w", fingerprint, err)
	}
	if err := checkFound(res, fingerprint); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &stats, nil
}

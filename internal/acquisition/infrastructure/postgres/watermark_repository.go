package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	acquisition "solarsync/internal/acquisition/domain"
)

const defaultSyncStateTable = "plant_sync_state"

// WatermarkRepository tracks per-plant sync progress: the newest persisted
// timestamp of each series plus the utility's next scheduled meter read.
type WatermarkRepository struct {
	db    DBTX
	table string
}

// NewWatermarkRepository constructs a repository.
func NewWatermarkRepository(db DBTX, opts ...WatermarkOption) *WatermarkRepository {
	repo := &WatermarkRepository{db: db, table: defaultSyncStateTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// WatermarkOption configures the repository.
type WatermarkOption func(*WatermarkRepository)

// WithSyncStateTable overrides the default table name.
func WithSyncStateTable(table string) WatermarkOption {
	return func(repo *WatermarkRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

func (r *WatermarkRepository) columnFor(kind acquisition.SeriesKind) string {
	if kind == acquisition.SeriesComplete {
		return "last_complete_ts"
	}
	return "last_daily_ts"
}

// Get returns the stored watermark for a plant and series, or the zero time
// when no row or a null column exists.
func (r *WatermarkRepository) Get(ctx context.Context, plantID int64, kind acquisition.SeriesKind) (time.Time, error) {
	if r == nil || r.db == nil {
		return time.Time{}, errors.New("watermark repo: nil db")
	}

	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE plant_id = $1`, r.columnFor(kind), r.table)

	var mark sql.NullTime
	if err := r.db.QueryRowContext(ctx, query, plantID).Scan(&mark); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	if !mark.Valid {
		return time.Time{}, nil
	}
	return mark.Time.UTC(), nil
}

// Advance moves the watermark forward, never backward.
func (r *WatermarkRepository) Advance(ctx context.Context, plantID int64, kind acquisition.SeriesKind, ts time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("watermark repo: nil db")
	}
	if plantID == 0 || ts.IsZero() {
		return errors.New("watermark repo: invalid watermark")
	}

	column := r.columnFor(kind)
	query := fmt.Sprintf(`
INSERT INTO %s (plant_id, %s)
VALUES ($1, $2)
ON CONFLICT (plant_id)
DO UPDATE SET
	%s = GREATEST(COALESCE(%s.%s, 'epoch'::timestamptz), EXCLUDED.%s),
	updated_at = NOW()`, r.table, column, column, r.table, column, column)

	_, err := r.db.ExecContext(ctx, query, plantID, ts)
	return err
}

// NextUtilityRead returns the distributor's next scheduled meter-read date
// for a plant, or the zero time when unknown.
func (r *WatermarkRepository) NextUtilityRead(ctx context.Context, plantID int64) (time.Time, error) {
	if r == nil || r.db == nil {
		return time.Time{}, errors.New("watermark repo: nil db")
	}

	query := fmt.Sprintf(`
SELECT next_utility_read
FROM %s
WHERE plant_id = $1`, r.table)

	var next sql.NullTime
	if err := r.db.QueryRowContext(ctx, query, plantID).Scan(&next); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	if !next.Valid {
		return time.Time{}, nil
	}
	return next.Time.UTC(), nil
}

// SetNextUtilityRead stores the distributor's next scheduled meter-read date.
func (r *WatermarkRepository) SetNextUtilityRead(ctx context.Context, plantID int64, ts time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("watermark repo: nil db")
	}
	if plantID == 0 {
		return errors.New("watermark repo: invalid plant id")
	}

	query := fmt.Sprintf(`
INSERT INTO %s (plant_id, next_utility_read)
VALUES ($1, $2)
ON CONFLICT (plant_id)
DO UPDATE SET
	next_utility_read = EXCLUDED.next_utility_read,
	updated_at = NOW()`, r.table)

	_, err := r.db.ExecContext(ctx, query, plantID, ts)
	return err
}

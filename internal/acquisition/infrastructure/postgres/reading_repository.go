package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	acquisition "solarsync/internal/acquisition/domain"
)

const (
	defaultIntradayTable   = "generation_points"
	defaultDailyTotalTable = "generation_daily_points"

	// upsertChunk bounds one transaction's statement count; large backfills
	// are split across transactions.
	upsertChunk = 50
)

// ReadingRepository is a Postgres implementation for generation readings.
// The intra-day and daily-total series live in separate tables with the same
// shape.
type ReadingRepository struct {
	db         *sql.DB
	intraday   string
	dailyTotal string
}

// NewReadingRepository constructs a repository with default table names.
func NewReadingRepository(db *sql.DB, opts ...ReadingOption) *ReadingRepository {
	repo := &ReadingRepository{
		db:         db,
		intraday:   defaultIntradayTable,
		dailyTotal: defaultDailyTotalTable,
	}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// ReadingOption configures the repository.
type ReadingOption func(*ReadingRepository)

// WithIntradayTable overrides the intra-day series table name.
func WithIntradayTable(table string) ReadingOption {
	return func(repo *ReadingRepository) {
		if table != "" {
			repo.intraday = table
		}
	}
}

// WithDailyTotalTable overrides the daily-total series table name.
func WithDailyTotalTable(table string) ReadingOption {
	return func(repo *ReadingRepository) {
		if table != "" {
			repo.dailyTotal = table
		}
	}
}

func (r *ReadingRepository) tableFor(kind acquisition.SeriesKind) string {
	if kind == acquisition.SeriesComplete {
		return r.dailyTotal
	}
	return r.intraday
}

// UpsertBatch writes readings in chunked transactions. Conflicting rows keep
// the newest value.
func (r *ReadingRepository) UpsertBatch(ctx context.Context, kind acquisition.SeriesKind, readings []acquisition.Reading) error {
	if r == nil || r.db == nil {
		return errors.New("reading repo: nil db")
	}
	if len(readings) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	plant_id,
	ts,
	energy_wh
) VALUES (
	$1, $2, $3
)
ON CONFLICT (plant_id, ts)
DO UPDATE SET
	energy_wh = EXCLUDED.energy_wh,
	updated_at = NOW()`, r.tableFor(kind))

	for start := 0; start < len(readings); start += upsertChunk {
		end := start + upsertChunk
		if end > len(readings) {
			end = len(readings)
		}
		if err := r.upsertChunk(ctx, query, readings[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (r *ReadingRepository) upsertChunk(ctx context.Context, query string, readings []acquisition.Reading) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, reading := range readings {
		if reading.PlantID == 0 || reading.TS.IsZero() {
			_ = tx.Rollback()
			return errors.New("reading repo: invalid reading")
		}
		if _, err := stmt.ExecContext(ctx, reading.PlantID, reading.TS, reading.EnergyWh); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// LatestPositive returns the newest timestamp with nonzero energy for a
// plant, or the zero time when none exists.
func (r *ReadingRepository) LatestPositive(ctx context.Context, kind acquisition.SeriesKind, plantID int64) (time.Time, error) {
	if r == nil || r.db == nil {
		return time.Time{}, errors.New("reading repo: nil db")
	}

	query := fmt.Sprintf(`
SELECT ts
FROM %s
WHERE plant_id = $1 AND energy_wh > 0
ORDER BY ts DESC
LIMIT 1`, r.tableFor(kind))

	var ts time.Time
	if err := r.db.QueryRowContext(ctx, query, plantID).Scan(&ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

// SumWindow totals the nonzero energy of a plant over [from, to) and returns
// the number of contributing rows.
func (r *ReadingRepository) SumWindow(ctx context.Context, kind acquisition.SeriesKind, plantID int64, from, to time.Time) (float64, int, error) {
	if r == nil || r.db == nil {
		return 0, 0, errors.New("reading repo: nil db")
	}

	query := fmt.Sprintf(`
SELECT COALESCE(SUM(energy_wh), 0), COUNT(*)
FROM %s
WHERE plant_id = $1 AND ts >= $2 AND ts < $3 AND energy_wh > 0`, r.tableFor(kind))

	var sum float64
	var count int
	if err := r.db.QueryRowContext(ctx, query, plantID, from, to).Scan(&sum, &count); err != nil {
		return 0, 0, err
	}
	return sum, count, nil
}

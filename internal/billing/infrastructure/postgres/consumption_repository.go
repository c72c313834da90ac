package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	billing "solarsync/internal/billing/domain"
)

const consumptionTable = "utility_consumptions"

// ConsumptionRepository is a Postgres implementation for monthly consumption
// records.
type ConsumptionRepository struct {
	db *sql.DB
}

// NewConsumptionRepository constructs the repository.
func NewConsumptionRepository(db *sql.DB) *ConsumptionRepository {
	return &ConsumptionRepository{db: db}
}

// UpsertAll writes records in one transaction, keyed on (installation,
// month). A nil tariff never clears a stored one: the portal only exposes
// prices for the two newest months.
func (r *ConsumptionRepository) UpsertAll(ctx context.Context, records []billing.Consumption) error {
	if r == nil || r.db == nil {
		return errors.New("consumption repo: nil db")
	}
	if len(records) == 0 {
		return nil
	}

	const query = `
INSERT INTO ` + consumptionTable + ` (
	installation_id,
	month,
	consumption_kwh,
	amount_brl,
	tariff
) VALUES (
	$1, $2, $3, $4, $5
)
ON CONFLICT (installation_id, month)
DO UPDATE SET
	consumption_kwh = EXCLUDED.consumption_kwh,
	amount_brl = EXCLUDED.amount_brl,
	tariff = COALESCE(EXCLUDED.tariff, ` + consumptionTable + `.tariff),
	updated_at = NOW()`

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

	for _, rec := range records {
		if rec.InstallationID == 0 || rec.Month.IsZero() {
			_ = tx.Rollback()
			return errors.New("consumption repo: invalid record")
		}
		var tariff sql.NullFloat64
		if rec.Tariff != nil {
			tariff = sql.NullFloat64{Float64: *rec.Tariff, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, rec.InstallationID, monthStart(rec.Month), rec.ConsumptionKWh, rec.AmountBRL, tariff); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// ListByInstallation returns all records, newest month first.
func (r *ConsumptionRepository) ListByInstallation(ctx context.Context, installationID int64) ([]billing.Consumption, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("consumption repo: nil db")
	}

	const query = `
SELECT installation_id, month, consumption_kwh, amount_brl, tariff
FROM ` + consumptionTable + `
WHERE installation_id = $1
ORDER BY month DESC`

	rows, err := r.db.QueryContext(ctx, query, installationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []billing.Consumption
	for rows.Next() {
		var rec billing.Consumption
		var tariff sql.NullFloat64
		if err := rows.Scan(&rec.InstallationID, &rec.Month, &rec.ConsumptionKWh, &rec.AmountBRL, &tariff); err != nil {
			return nil, err
		}
		if tariff.Valid {
			v := tariff.Float64
			rec.Tariff = &v
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// monthStart normalizes a record's month to midnight on the first day, so
// the conflict key matches regardless of the timestamp the portal reported.
func monthStart(ts time.Time) time.Time {
	return time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, ts.Location())
}

package postgres

import (
	"context"
	"database/sql"
	"errors"

	billing "solarsync/internal/billing/domain"
)

const injectionTable = "utility_injections"

// InjectionRepository is a Postgres implementation for monthly grid-exchange
// records from the generation statement.
type InjectionRepository struct {
	db *sql.DB
}

// NewInjectionRepository constructs the repository.
func NewInjectionRepository(db *sql.DB) *InjectionRepository {
	return &InjectionRepository{db: db}
}

// UpsertAll writes records in one transaction, keyed on (installation,
// reference month).
func (r *InjectionRepository) UpsertAll(ctx context.Context, records []billing.Injection) error {
	if r == nil || r.db == nil {
		return errors.New("injection repo: nil db")
	}
	if len(records) == 0 {
		return nil
	}

	const query = `
INSERT INTO ` + injectionTable + ` (
	installation_id,
	reference_month,
	previous_reading,
	kind,
	injected_kwh,
	injected_peak_kwh,
	received_kwh,
	received_peak_kwh,
	credits_used_kwh,
	credits_used_peak_kwh,
	credits_expired_kwh,
	credits_expired_peak_kwh,
	carried_kwh,
	carried_peak_kwh,
	expiring_kwh,
	expiring_peak_kwh,
	balance_kwh,
	expiration_month
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18
)
ON CONFLICT (installation_id, reference_month)
DO UPDATE SET
	previous_reading = EXCLUDED.previous_reading,
	kind = EXCLUDED.kind,
	injected_kwh = EXCLUDED.injected_kwh,
	injected_peak_kwh = EXCLUDED.injected_peak_kwh,
	received_kwh = EXCLUDED.received_kwh,
	received_peak_kwh = EXCLUDED.received_peak_kwh,
	credits_used_kwh = EXCLUDED.credits_used_kwh,
	credits_used_peak_kwh = EXCLUDED.credits_used_peak_kwh,
	credits_expired_kwh = EXCLUDED.credits_expired_kwh,
	credits_expired_peak_kwh = EXCLUDED.credits_expired_peak_kwh,
	carried_kwh = EXCLUDED.carried_kwh,
	carried_peak_kwh = EXCLUDED.carried_peak_kwh,
	expiring_kwh = EXCLUDED.expiring_kwh,
	expiring_peak_kwh = EXCLUDED.expiring_peak_kwh,
	balance_kwh = EXCLUDED.balance_kwh,
	expiration_month = EXCLUDED.expiration_month,
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
		if rec.InstallationID == 0 || rec.ReferenceMonth.IsZero() {
			_ = tx.Rollback()
			return errors.New("injection repo: invalid record")
		}
		var prev, exp sql.NullTime
		if rec.PreviousReading != nil {
			prev = sql.NullTime{Time: *rec.PreviousReading, Valid: true}
		}
		if rec.ExpirationMonth != nil {
			exp = sql.NullTime{Time: *rec.ExpirationMonth, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			rec.InstallationID, rec.ReferenceMonth, prev, rec.Kind,
			rec.InjectedKWh, rec.InjectedPeakKWh, rec.ReceivedKWh, rec.ReceivedPeakKWh,
			rec.CreditsUsedKWh, rec.CreditsUsedPeakKWh, rec.CreditsExpiredKWh, rec.CreditsExpiredPeakKWh,
			rec.CarriedKWh, rec.CarriedPeakKWh, rec.ExpiringKWh, rec.ExpiringPeakKWh,
			rec.BalanceKWh, exp,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// ListByInstallation returns up to limit records, newest reference month
// first. A non-positive limit returns everything.
func (r *InjectionRepository) ListByInstallation(ctx context.Context, installationID int64, limit int) ([]billing.Injection, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("injection repo: nil db")
	}

	query := `
SELECT installation_id, reference_month, previous_reading, kind,
	injected_kwh, injected_peak_kwh, received_kwh, received_peak_kwh,
	credits_used_kwh, credits_used_peak_kwh, credits_expired_kwh, credits_expired_peak_kwh,
	carried_kwh, carried_peak_kwh, expiring_kwh, expiring_peak_kwh,
	balance_kwh, expiration_month
FROM ` + injectionTable + `
WHERE installation_id = $1
ORDER BY reference_month DESC`

	args := []any{installationID}
	if limit > 0 {
		query += `
LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []billing.Injection
	for rows.Next() {
		var rec billing.Injection
		var prev, exp sql.NullTime
		if err := rows.Scan(&rec.InstallationID, &rec.ReferenceMonth, &prev, &rec.Kind,
			&rec.InjectedKWh, &rec.InjectedPeakKWh, &rec.ReceivedKWh, &rec.ReceivedPeakKWh,
			&rec.CreditsUsedKWh, &rec.CreditsUsedPeakKWh, &rec.CreditsExpiredKWh, &rec.CreditsExpiredPeakKWh,
			&rec.CarriedKWh, &rec.CarriedPeakKWh, &rec.ExpiringKWh, &rec.ExpiringPeakKWh,
			&rec.BalanceKWh, &exp); err != nil {
			return nil, err
		}
		if prev.Valid {
			t := prev.Time
			rec.PreviousReading = &t
		}
		if exp.Valid {
			t := exp.Time
			rec.ExpirationMonth = &t
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

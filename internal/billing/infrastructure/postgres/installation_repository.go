// Package postgres persists the utility-side billing records.
package postgres

import (
	"context"
	"database/sql"
	"errors"

	billing "solarsync/internal/billing/domain"
)

const installationTable = "utility_installations"

// InstallationRepository is a Postgres implementation for utility metering
// points.
type InstallationRepository struct {
	db *sql.DB
}

// NewInstallationRepository constructs the repository.
func NewInstallationRepository(db *sql.DB) *InstallationRepository {
	return &InstallationRepository{db: db}
}

// Upsert stores an installation keyed on (client, code) and returns its id.
func (r *InstallationRepository) Upsert(ctx context.Context, inst billing.Installation) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("installation repo: nil db")
	}
	if inst.ClientID == 0 || inst.Code == "" {
		return 0, errors.New("installation repo: invalid installation")
	}

	const query = `
INSERT INTO ` + installationTable + ` (
	client_id,
	code,
	address
) VALUES (
	$1, $2, $3
)
ON CONFLICT (client_id, code)
DO UPDATE SET
	address = EXCLUDED.address,
	updated_at = NOW()
RETURNING id`

	var id int64
	if err := r.db.QueryRowContext(ctx, query, inst.ClientID, inst.Code, inst.Address).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// ListByClient returns a client's installations ordered by code.
func (r *InstallationRepository) ListByClient(ctx context.Context, clientID int64) ([]billing.Installation, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("installation repo: nil db")
	}

	const query = `
SELECT id, client_id, code, address
FROM ` + installationTable + `
WHERE client_id = $1
ORDER BY code`

	rows, err := r.db.QueryContext(ctx, query, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var insts []billing.Installation
	for rows.Next() {
		var inst billing.Installation
		if err := rows.Scan(&inst.ID, &inst.ClientID, &inst.Code, &inst.Address); err != nil {
			return nil, err
		}
		insts = append(insts, inst)
	}
	return insts, rows.Err()
}

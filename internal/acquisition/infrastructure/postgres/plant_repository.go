package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	acquisition "solarsync/internal/acquisition/domain"
)

const defaultPlantsTable = "plants"

// PlantRepository is a Postgres implementation for plants.
type PlantRepository struct {
	db    *sql.DB
	table string
}

// NewPlantRepository constructs a repository.
func NewPlantRepository(db *sql.DB, opts ...PlantOption) *PlantRepository {
	repo := &PlantRepository{db: db, table: defaultPlantsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// PlantOption configures the repository.
type PlantOption func(*PlantRepository)

// WithPlantsTable overrides the default table name.
func WithPlantsTable(table string) PlantOption {
	return func(repo *PlantRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// UpsertAll writes the discovered plant list. The vendor's plant id plus the
// plant name is the identity; a renamed plant on the portal becomes a new
// row, matching how portals expose renames.
func (r *PlantRepository) UpsertAll(ctx context.Context, plants []acquisition.Plant) error {
	if r == nil || r.db == nil {
		return errors.New("plant repo: nil db")
	}
	if len(plants) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	vendor,
	vendor_plant_id,
	name,
	company_id,
	energy_today_wh,
	energy_total_wh,
	latitude,
	longitude,
	project_avg_generation_wh
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9
)
ON CONFLICT (vendor, vendor_plant_id, name)
DO UPDATE SET
	company_id = EXCLUDED.company_id,
	energy_today_wh = EXCLUDED.energy_today_wh,
	energy_total_wh = EXCLUDED.energy_total_wh,
	latitude = COALESCE(NULLIF(EXCLUDED.latitude, 0), %s.latitude),
	longitude = COALESCE(NULLIF(EXCLUDED.longitude, 0), %s.longitude),
	updated_at = NOW()`, r.table, r.table, r.table)

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

	for _, plant := range plants {
		if plant.Vendor == "" || plant.VendorPlantID == "" || plant.Name == "" {
			_ = tx.Rollback()
			return errors.New("plant repo: invalid plant")
		}
		if _, err := stmt.ExecContext(
			ctx,
			plant.Vendor,
			plant.VendorPlantID,
			plant.Name,
			plant.CompanyID,
			plant.EnergyTodayWh,
			plant.EnergyTotalWh,
			plant.Latitude,
			plant.Longitude,
			plant.ProjectAvgGeneration,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

const plantColumns = `
id, vendor, vendor_plant_id, name, company_id,
energy_today_wh, energy_total_wh, latitude, longitude, project_avg_generation_wh`

// ListByVendor returns all plants of one vendor.
func (r *PlantRepository) ListByVendor(ctx context.Context, vendor string) ([]acquisition.Plant, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("plant repo: nil db")
	}

	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE vendor = $1
ORDER BY id`, plantColumns, r.table)

	rows, err := r.db.QueryContext(ctx, query, vendor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []acquisition.Plant
	for rows.Next() {
		plant, err := scanPlant(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, plant)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Get loads a plant by id.
func (r *PlantRepository) Get(ctx context.Context, id int64) (acquisition.Plant, error) {
	if r == nil || r.db == nil {
		return acquisition.Plant{}, errors.New("plant repo: nil db")
	}

	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE id = $1
LIMIT 1`, plantColumns, r.table)

	plant, err := scanPlant(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return acquisition.Plant{}, fmt.Errorf("plant repo: plant %d not found", id)
	}
	return plant, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlant(row rowScanner) (acquisition.Plant, error) {
	var plant acquisition.Plant
	var lat, lon, avg sql.NullFloat64
	if err := row.Scan(
		&plant.ID,
		&plant.Vendor,
		&plant.VendorPlantID,
		&plant.Name,
		&plant.CompanyID,
		&plant.EnergyTodayWh,
		&plant.EnergyTotalWh,
		&lat,
		&lon,
		&avg,
	); err != nil {
		return acquisition.Plant{}, err
	}
	plant.Latitude = lat.Float64
	plant.Longitude = lon.Float64
	plant.ProjectAvgGeneration = avg.Float64
	return plant, nil
}

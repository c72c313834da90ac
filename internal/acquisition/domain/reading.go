// Package acquisition holds the domain model for vendor data acquisition:
// plants, generation readings, sync watermarks and the adapter contract every
// monitoring portal implements.
package acquisition

import (
	"context"
	"time"
)

// SeriesKind distinguishes the two generation series kept per plant.
type SeriesKind string

const (
	// SeriesDaily is the intraday series (5-15 minute power/energy points).
	SeriesDaily SeriesKind = "daily"
	// SeriesComplete is the one-point-per-day series used for billing.
	SeriesComplete SeriesKind = "complete"
)

// Grace is the slack subtracted from the watermark before a backward walk
// treats a point as already known. It absorbs clock and timezone slop at page
// boundaries: intraday timestamps get two hours, date-level ones two days.
func (k SeriesKind) Grace() time.Duration {
	if k == SeriesDaily {
		return 2 * time.Hour
	}
	return 48 * time.Hour
}

// WatermarkEpoch is the sentinel watermark for plants with no history at all.
var WatermarkEpoch = time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC)

// Reading is one generation measurement for a plant.
type Reading struct {
	PlantID  int64
	TS       time.Time
	EnergyWh float64
}

// Plant is one physical solar installation tracked by the system.
// (VendorPlantID, Name) is unique; VendorPlantID alone is only unique within
// a vendor.
type Plant struct {
	ID            int64
	Vendor        string
	VendorPlantID string
	Name          string
	EnergyTodayWh float64
	EnergyTotalWh float64
	Latitude      float64
	Longitude     float64

	// ProjectAvgGeneration is the project-rated monthly average in kWh,
	// entered by hand and used as the reconciliation baseline. Zero when the
	// integrator never filled it in.
	ProjectAvgGeneration float64

	CompanyID int64
}

// Credential is one vendor portal login, read from storage.
type Credential struct {
	Vendor    string
	CompanyID int64
	Username  string
	Password  string
	// CPFCNPJ and Phone are only required by the utility-portal flow.
	CPFCNPJ string
	Phone   string
}

// ReadingRepository persists generation readings with upsert semantics.
type ReadingRepository interface {
	// UpsertBatch writes readings for one series kind, updating the energy
	// value when (plant, ts) already exists. One transaction per call.
	UpsertBatch(ctx context.Context, kind SeriesKind, readings []Reading) error
	// LatestPositive returns the newest timestamp with a strictly positive
	// energy value, or the zero time when none exists.
	LatestPositive(ctx context.Context, kind SeriesKind, plantID int64) (time.Time, error)
	// SumWindow sums energy (Wh) over [from, to) excluding zero readings,
	// and reports how many readings contributed.
	SumWindow(ctx context.Context, kind SeriesKind, plantID int64, from, to time.Time) (float64, int, error)
}

// WatermarkRepository tracks per-plant sync progress.
type WatermarkRepository interface {
	// Get returns the stored watermark for the kind, or the zero time when
	// the plant has no sync-state row yet.
	Get(ctx context.Context, plantID int64, kind SeriesKind) (time.Time, error)
	// Advance moves the watermark forward; it must never move it back.
	Advance(ctx context.Context, plantID int64, kind SeriesKind, ts time.Time) error
	// NextUtilityRead reads the scheduled next meter-read time, zero if unset.
	NextUtilityRead(ctx context.Context, plantID int64) (time.Time, error)
	// SetNextUtilityRead stores the next scheduled utility meter read.
	SetNextUtilityRead(ctx context.Context, plantID int64, ts time.Time) error
}

// PlantRepository manages plant persistence.
type PlantRepository interface {
	// UpsertAll inserts new plants and refreshes energy totals and
	// coordinates of known ones, keyed on (vendor plant id, name).
	UpsertAll(ctx context.Context, plants []Plant) error
	// ListByVendor returns the plants synced from one vendor.
	ListByVendor(ctx context.Context, vendor string) ([]Plant, error)
	// Get loads one plant by internal id.
	Get(ctx context.Context, id int64) (Plant, error)
}

// CredentialRepository reads vendor portal credentials.
type CredentialRepository interface {
	FindByVendor(ctx context.Context, vendor string) (Credential, error)
}

// Package billing holds the utility-side domain model: metering-point
// installations, their monthly consumption and grid-exchange records, and the
// repositories the reconciliation engine reads from.
package billing

import (
	"context"
	"time"
)

// Installation kinds as the utility reports them. A Geradora installation
// generates and injects energy; a Beneficiada installation only receives
// credits from another generating installation under shared metering.
const (
	KindGeradora    = "Geradora"
	KindBeneficiada = "Beneficiada"
)

// Installation is one utility metering point. A client (plant) can own
// several under net metering.
type Installation struct {
	ID       int64
	ClientID int64
	Code     string
	Address  string
}

// Consumption is one billing month of metered consumption for an
// installation. Tariff is only known for the two most recent months (the
// portal exposes current and previous prices) and nil otherwise.
type Consumption struct {
	InstallationID int64
	Month          time.Time
	ConsumptionKWh float64
	AmountBRL      float64
	Tariff         *float64
}

// Injection is one billing month of grid exchange from the utility's
// micro/mini-generation statement. The statement splits every quantity by
// tariff posting: unsuffixed fields are off-peak (fora ponta), Peak fields
// are peak (ponta). PreviousReading bounds the billing window together with
// ReferenceMonth; it is nil when the Excel report had no row for the month.
type Injection struct {
	InstallationID  int64
	ReferenceMonth  time.Time
	PreviousReading *time.Time
	Kind            string

	InjectedKWh     float64
	InjectedPeakKWh float64
	ReceivedKWh     float64
	ReceivedPeakKWh float64

	CreditsUsedKWh        float64
	CreditsUsedPeakKWh    float64
	CreditsExpiredKWh     float64
	CreditsExpiredPeakKWh float64
	// Carried is the month's balance rolled into the next cycle; Expiring is
	// the credit amount the utility flags as about to lapse.
	CarriedKWh      float64
	CarriedPeakKWh  float64
	ExpiringKWh     float64
	ExpiringPeakKWh float64

	// BalanceKWh is the accumulated balance from the Excel report.
	BalanceKWh      float64
	ExpirationMonth *time.Time
}

// InstallationRepository persists utility installations.
type InstallationRepository interface {
	// Upsert stores an installation keyed on (client, code) and returns its
	// internal id.
	Upsert(ctx context.Context, inst Installation) (int64, error)
	// ListByClient returns a client's installations.
	ListByClient(ctx context.Context, clientID int64) ([]Installation, error)
}

// ConsumptionRepository persists monthly consumption records.
type ConsumptionRepository interface {
	// UpsertAll stores records keyed on (installation, month), refreshing
	// values and the tariff when already present.
	UpsertAll(ctx context.Context, records []Consumption) error
	// ListByInstallation returns all records, newest month first.
	ListByInstallation(ctx context.Context, installationID int64) ([]Consumption, error)
}

// InjectionRepository persists monthly grid-exchange records.
type InjectionRepository interface {
	// UpsertAll stores records keyed on (installation, reference month).
	UpsertAll(ctx context.Context, records []Injection) error
	// ListByInstallation returns up to limit records, newest first. A
	// non-positive limit returns everything.
	ListByInstallation(ctx context.Context, installationID int64, limit int) ([]Injection, error)
}

package acquisition

import (
	"context"
	"time"
)

// VendorAdapter is implemented once per monitoring portal. The walk engine
// only sees this interface; whether a vendor speaks JSON, an encrypted
// envelope or a headless browser is the adapter's business.
type VendorAdapter interface {
	// Vendor returns the stable vendor key ("growatt", "sungrow", ...).
	Vendor() string
	// Login establishes a session. Called at the start of a cycle and again
	// when a walk hits ErrSessionExpired.
	Login(ctx context.Context, cred Credential) error
	// Plants lists the portal's plants with energy totals and coordinates.
	Plants(ctx context.Context) ([]Plant, error)
	// FetchDay returns the intraday points of one calendar day.
	FetchDay(ctx context.Context, plant Plant, day time.Time) ([]Reading, error)
	// FetchMonth returns the per-day points of one calendar month.
	FetchMonth(ctx context.Context, plant Plant, month time.Time) ([]Reading, error)
}

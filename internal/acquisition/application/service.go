package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	acquisition "solarsync/internal/acquisition/domain"
)

// CycleMetrics records sync instrumentation. Implemented by the prometheus
// metrics package; nil-safe on the service side.
type CycleMetrics interface {
	PageFetched(vendor string, kind acquisition.SeriesKind, pages int)
	ReadingsCommitted(vendor string, count int)
	CycleObserved(vendor string, kind acquisition.SeriesKind, duration time.Duration, err error)
}

// SyncService runs one vendor's acquisition cycle: resolve credentials, log
// in, refresh the plant list, then walk each plant's series backward.
type SyncService struct {
	adapters map[string]acquisition.VendorAdapter
	creds    acquisition.CredentialRepository
	plants   acquisition.PlantRepository
	readings acquisition.ReadingRepository
	marks    acquisition.WatermarkRepository
	cfg      Config
	metrics  CycleMetrics
	logger   *log.Logger
	loc      *time.Location
	now      func() time.Time
}

// NewSyncService constructs the service.
func NewSyncService(
	creds acquisition.CredentialRepository,
	plants acquisition.PlantRepository,
	readings acquisition.ReadingRepository,
	marks acquisition.WatermarkRepository,
	cfg Config,
	metrics CycleMetrics,
	logger *log.Logger,
) (*SyncService, error) {
	if creds == nil || plants == nil || readings == nil || marks == nil {
		return nil, errors.New("sync service: nil repository")
	}
	if logger == nil {
		return nil, errors.New("sync service: nil logger")
	}
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		return nil, fmt.Errorf("sync service: load location: %w", err)
	}
	return &SyncService{
		adapters: make(map[string]acquisition.VendorAdapter),
		creds:    creds,
		plants:   plants,
		readings: readings,
		marks:    marks,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		loc:      loc,
		now:      time.Now,
	}, nil
}

// Register adds a vendor adapter.
func (s *SyncService) Register(adapter acquisition.VendorAdapter) {
	if adapter == nil {
		return
	}
	s.adapters[adapter.Vendor()] = adapter
}

// Vendors lists the registered vendor keys.
func (s *SyncService) Vendors() []string {
	names := make([]string, 0, len(s.adapters))
	for name := range s.adapters {
		names = append(names, name)
	}
	return names
}

// SyncVendor runs one full cycle for a vendor and series kind. Idempotent:
// re-runs only touch history newer than the stored watermarks. A missing
// credential skips the cycle without error; any other failure aborts this
// vendor's cycle only.
func (s *SyncService) SyncVendor(ctx context.Context, vendor string, kind acquisition.SeriesKind) error {
	started := s.now()
	err := s.syncVendor(ctx, vendor, kind)
	if s.metrics != nil {
		s.metrics.CycleObserved(vendor, kind, s.now().Sub(started), err)
	}
	return err
}

func (s *SyncService) syncVendor(ctx context.Context, vendor string, kind acquisition.SeriesKind) error {
	adapter, ok := s.adapters[vendor]
	if !ok {
		return fmt.Errorf("sync service: unknown vendor %q", vendor)
	}
	tuning := s.cfg.ForVendor(vendor)

	cred, err := s.creds.FindByVendor(ctx, vendor)
	if errors.Is(err, acquisition.ErrNoCredential) {
		s.logger.Printf("sync %s: no credential, skipping", vendor)
		return nil
	}
	if err != nil {
		return fmt.Errorf("sync %s: credential lookup: %w", vendor, err)
	}

	if err := s.loginWithRetry(ctx, adapter, cred, tuning); err != nil {
		return fmt.Errorf("sync %s: login: %w", vendor, err)
	}

	discovered, err := adapter.Plants(ctx)
	if err != nil {
		return fmt.Errorf("sync %s: plant list: %w", vendor, err)
	}
	for i := range discovered {
		discovered[i].Vendor = vendor
		if discovered[i].CompanyID == 0 {
			discovered[i].CompanyID = cred.CompanyID
		}
	}
	if err := s.plants.UpsertAll(ctx, discovered); err != nil {
		return fmt.Errorf("sync %s: plant upsert: %w", vendor, err)
	}

	known, err := s.plants.ListByVendor(ctx, vendor)
	if err != nil {
		return fmt.Errorf("sync %s: plant list load: %w", vendor, err)
	}

	for _, plant := range known {
		if err := s.walkPlant(ctx, adapter, cred, tuning, plant, kind); err != nil {
			return fmt.Errorf("sync %s: plant %s: %w", vendor, plant.Name, err)
		}
	}
	return nil
}

func (s *SyncService) loginWithRetry(ctx context.Context, adapter acquisition.VendorAdapter, cred acquisition.Credential, tuning VendorTuning) error {
	attempts := tuning.LoginAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = adapter.Login(ctx, cred); err == nil {
			return nil
		}
		s.logger.Printf("sync %s: login attempt %d/%d failed: %v", adapter.Vendor(), i+1, attempts, err)
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(tuning.LoginRetryWait):
		}
	}
	return err
}

func (s *SyncService) walkPlant(
	ctx context.Context,
	adapter acquisition.VendorAdapter,
	cred acquisition.Credential,
	tuning VendorTuning,
	plant acquisition.Plant,
	kind acquisition.SeriesKind,
) error {
	watermark, err := s.resolveWatermark(ctx, plant.ID, kind)
	if err != nil {
		return err
	}

	var fetch PageFetcher
	step := StepDay
	streak := tuning.EmptyStreakDaily
	if kind == acquisition.SeriesComplete {
		step = StepMonth
		streak = tuning.EmptyStreakMonth
		fetch = func(ctx context.Context, cursor time.Time) ([]acquisition.Reading, error) {
			return adapter.FetchMonth(ctx, plant, cursor)
		}
	} else {
		fetch = func(ctx context.Context, cursor time.Time) ([]acquisition.Reading, error) {
			return adapter.FetchDay(ctx, plant, cursor)
		}
	}

	spec := WalkSpec{
		Watermark:        watermark,
		Grace:            kind.Grace(),
		EmptyStreakLimit: streak,
		FlushLimit:       tuning.FlushLimit,
		Step:             step,
		Relogin: func(ctx context.Context) error {
			return s.loginWithRetry(ctx, adapter, cred, tuning)
		},
	}

	pages, err := Walk(ctx, s.now().In(s.loc), spec, fetch, func(ctx context.Context, readings []acquisition.Reading) error {
		return s.commit(ctx, adapter.Vendor(), kind, readings)
	})
	if s.metrics != nil {
		s.metrics.PageFetched(adapter.Vendor(), kind, pages)
	}
	return err
}

// resolveWatermark applies the lazy-fallback policy: the stored watermark if
// present, otherwise the newest positive reading, otherwise the epoch
// sentinel.
func (s *SyncService) resolveWatermark(ctx context.Context, plantID int64, kind acquisition.SeriesKind) (time.Time, error) {
	mark, err := s.marks.Get(ctx, plantID, kind)
	if err != nil {
		return time.Time{}, err
	}
	if !mark.IsZero() {
		return mark, nil
	}
	latest, err := s.readings.LatestPositive(ctx, kind, plantID)
	if err != nil {
		return time.Time{}, err
	}
	if !latest.IsZero() {
		return latest, nil
	}
	return acquisition.WatermarkEpoch, nil
}

// commit writes one buffered chunk: in-chunk first-wins dedup, today's date
// excluded from the complete series, then the batched upsert, then the
// monotonic watermark advance. Zero-energy readings are stored but never
// advance the watermark.
func (s *SyncService) commit(ctx context.Context, vendor string, kind acquisition.SeriesKind, readings []acquisition.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	today := s.now().In(s.loc)
	todayY, todayM, todayD := today.Date()

	type key struct {
		plant int64
		ts    int64
	}
	seen := make(map[key]struct{}, len(readings))
	deduped := make([]acquisition.Reading, 0, len(readings))
	latest := make(map[int64]time.Time)

	for _, r := range readings {
		ts := r.TS
		if ts.Location() == time.UTC || ts.Location() == time.Local {
			ts = ts.In(s.loc)
		}
		if kind == acquisition.SeriesComplete {
			y, m, d := ts.In(s.loc).Date()
			if y == todayY && m == todayM && d == todayD {
				// Today's daily total is still moving; re-fetched tomorrow.
				continue
			}
		}
		k := key{plant: r.PlantID, ts: ts.Unix()}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		r.TS = ts
		deduped = append(deduped, r)

		if r.EnergyWh != 0 {
			if cur, ok := latest[r.PlantID]; !ok || ts.After(cur) {
				latest[r.PlantID] = ts
			}
		}
	}
	if len(deduped) == 0 {
		return nil
	}

	if err := s.readings.UpsertBatch(ctx, kind, deduped); err != nil {
		return err
	}
	for plantID, ts := range latest {
		if err := s.marks.Advance(ctx, plantID, kind, ts); err != nil {
			return err
		}
	}
	if s.metrics != nil {
		s.metrics.ReadingsCommitted(vendor, len(deduped))
	}
	return nil
}

package application

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	acquisition "solarsync/internal/acquisition/domain"
)

type stubCredRepo struct {
	cred acquisition.Credential
	err  error
}

func (s *stubCredRepo) FindByVendor(context.Context, string) (acquisition.Credential, error) {
	return s.cred, s.err
}

type stubPlantRepo struct {
	plants   []acquisition.Plant
	upserted []acquisition.Plant
}

func (s *stubPlantRepo) UpsertAll(_ context.Context, plants []acquisition.Plant) error {
	s.upserted = append(s.upserted, plants...)
	return nil
}

func (s *stubPlantRepo) ListByVendor(context.Context, string) ([]acquisition.Plant, error) {
	return s.plants, nil
}

func (s *stubPlantRepo) Get(_ context.Context, id int64) (acquisition.Plant, error) {
	for _, p := range s.plants {
		if p.ID == id {
			return p, nil
		}
	}
	return acquisition.Plant{}, nil
}

type stubReadingRepo struct {
	stored         []acquisition.Reading
	latestPositive time.Time
}

func (s *stubReadingRepo) UpsertBatch(_ context.Context, _ acquisition.SeriesKind, readings []acquisition.Reading) error {
	s.stored = append(s.stored, readings...)
	return nil
}

func (s *stubReadingRepo) LatestPositive(context.Context, acquisition.SeriesKind, int64) (time.Time, error) {
	return s.latestPositive, nil
}

func (s *stubReadingRepo) SumWindow(context.Context, acquisition.SeriesKind, int64, time.Time, time.Time) (float64, int, error) {
	return 0, 0, nil
}

type readingKey struct {
	plant int64
	ts    int64
}

// keyedReadingRepo mirrors the storage key so replayed pages overwrite rows
// instead of appending them.
type keyedReadingRepo struct {
	stubReadingRepo
	rows map[readingKey]acquisition.Reading
}

func (s *keyedReadingRepo) UpsertBatch(_ context.Context, _ acquisition.SeriesKind, readings []acquisition.Reading) error {
	if s.rows == nil {
		s.rows = make(map[readingKey]acquisition.Reading)
	}
	for _, r := range readings {
		s.rows[readingKey{plant: r.PlantID, ts: r.TS.Unix()}] = r
	}
	return nil
}

type stubWatermarkRepo struct {
	marks    map[int64]time.Time
	advanced []time.Time
}

func (s *stubWatermarkRepo) Get(_ context.Context, plantID int64, _ acquisition.SeriesKind) (time.Time, error) {
	return s.marks[plantID], nil
}

func (s *stubWatermarkRepo) Advance(_ context.Context, plantID int64, _ acquisition.SeriesKind, ts time.Time) error {
	if cur, ok := s.marks[plantID]; !ok || ts.After(cur) {
		if s.marks == nil {
			s.marks = make(map[int64]time.Time)
		}
		s.marks[plantID] = ts
	}
	s.advanced = append(s.advanced, ts)
	return nil
}

func (s *stubWatermarkRepo) NextUtilityRead(context.Context, int64) (time.Time, error) {
	return time.Time{}, nil
}

func (s *stubWatermarkRepo) SetNextUtilityRead(context.Context, int64, time.Time) error {
	return nil
}

type stubAdapter struct {
	vendor  string
	logins  int
	plants  []acquisition.Plant
	fetched [][]acquisition.Reading
}

func (s *stubAdapter) Vendor() string { return s.vendor }

func (s *stubAdapter) Login(context.Context, acquisition.Credential) error {
	s.logins++
	return nil
}

func (s *stubAdapter) Plants(context.Context) ([]acquisition.Plant, error) {
	return s.plants, nil
}

func (s *stubAdapter) FetchDay(_ context.Context, _ acquisition.Plant, _ time.Time) ([]acquisition.Reading, error) {
	if len(s.fetched) == 0 {
		return nil, nil
	}
	page := s.fetched[0]
	s.fetched = s.fetched[1:]
	return page, nil
}

func (s *stubAdapter) FetchMonth(ctx context.Context, plant acquisition.Plant, month time.Time) ([]acquisition.Reading, error) {
	return s.FetchDay(ctx, plant, month)
}

func newTestService(t *testing.T, creds *stubCredRepo, plants *stubPlantRepo, readings acquisition.ReadingRepository, marks *stubWatermarkRepo) *SyncService {
	t.Helper()
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	svc, err := NewSyncService(creds, plants, readings, marks, cfg, nil, log.New(os.Stdout, "", 0))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestSyncVendorSkipsWithoutCredential(t *testing.T) {
	creds := &stubCredRepo{err: acquisition.ErrNoCredential}
	svc := newTestService(t, creds, &stubPlantRepo{}, &stubReadingRepo{}, &stubWatermarkRepo{})
	adapter := &stubAdapter{vendor: "growatt"}
	svc.Register(adapter)

	if err := svc.SyncVendor(context.Background(), "growatt", acquisition.SeriesDaily); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if adapter.logins != 0 {
		t.Fatalf("logins = %d, want 0 when no credential is stored", adapter.logins)
	}
}

func TestSyncVendorUnknownVendor(t *testing.T) {
	svc := newTestService(t, &stubCredRepo{}, &stubPlantRepo{}, &stubReadingRepo{}, &stubWatermarkRepo{})
	if err := svc.SyncVendor(context.Background(), "nope", acquisition.SeriesDaily); err == nil {
		t.Fatal("expected error for unregistered vendor")
	}
}

func TestSyncVendorWalksAndAdvancesWatermark(t *testing.T) {
	now := time.Date(2023, 11, 20, 12, 0, 0, 0, time.UTC)
	plant := acquisition.Plant{ID: 7, Vendor: "fronius", Name: "sitio"}

	readings := &stubReadingRepo{}
	marks := &stubWatermarkRepo{}
	plants := &stubPlantRepo{plants: []acquisition.Plant{plant}}
	svc := newTestService(t, &stubCredRepo{cred: acquisition.Credential{Vendor: "fronius"}}, plants, readings, marks)
	svc.now = func() time.Time { return now }

	adapter := &stubAdapter{
		vendor: "fronius",
		plants: []acquisition.Plant{plant},
		fetched: [][]acquisition.Reading{
			{
				{PlantID: 7, TS: now.Add(-time.Hour), EnergyWh: 1200},
				{PlantID: 7, TS: now.Add(-time.Hour), EnergyWh: 900}, // dup, first wins
				{PlantID: 7, TS: now.Add(-2 * time.Hour), EnergyWh: 0},
			},
		},
	}
	svc.Register(adapter)

	if err := svc.SyncVendor(context.Background(), "fronius", acquisition.SeriesDaily); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(plants.upserted) != 1 {
		t.Fatalf("upserted %d plants, want 1", len(plants.upserted))
	}
	if len(readings.stored) != 2 {
		t.Fatalf("stored %d readings, want 2 after dedup", len(readings.stored))
	}
	for _, r := range readings.stored {
		if r.TS.Equal(now.Add(-time.Hour).In(svc.loc)) && r.EnergyWh != 1200 {
			t.Fatalf("duplicate resolution kept %v Wh, want first value 1200", r.EnergyWh)
		}
	}
	mark := marks.marks[7]
	if !mark.Equal(now.Add(-time.Hour)) {
		t.Fatalf("watermark = %v, want newest positive reading %v", mark, now.Add(-time.Hour))
	}
}

func TestSyncVendorReplayIsIdempotent(t *testing.T) {
	now := time.Date(2023, 11, 20, 12, 0, 0, 0, time.UTC)
	plant := acquisition.Plant{ID: 5, Vendor: "growatt", Name: "fazenda"}

	readings := &keyedReadingRepo{}
	marks := &stubWatermarkRepo{}
	svc := newTestService(t, &stubCredRepo{cred: acquisition.Credential{Vendor: "growatt"}},
		&stubPlantRepo{plants: []acquisition.Plant{plant}}, readings, marks)
	svc.now = func() time.Time { return now }

	newest := now.Add(-time.Hour)
	page := []acquisition.Reading{
		{PlantID: 5, TS: newest, EnergyWh: 1500},
		{PlantID: 5, TS: now.Add(-3 * time.Hour), EnergyWh: 700},
	}
	adapter := &stubAdapter{
		vendor:  "growatt",
		plants:  []acquisition.Plant{plant},
		fetched: [][]acquisition.Reading{page},
	}
	svc.Register(adapter)

	if err := svc.SyncVendor(context.Background(), "growatt", acquisition.SeriesDaily); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if got := marks.marks[5]; !got.Equal(newest) {
		t.Fatalf("watermark after first cycle = %v, want %v", got, newest)
	}
	rowsAfterFirst := len(readings.rows)

	// The portal resends the same page, plus an older day and a newer
	// still-zero reading.
	replay := append(append([]acquisition.Reading(nil), page...),
		acquisition.Reading{PlantID: 5, TS: now.Add(-6 * time.Hour), EnergyWh: 300},
		acquisition.Reading{PlantID: 5, TS: now.Add(-30 * time.Minute), EnergyWh: 0},
	)
	adapter.fetched = [][]acquisition.Reading{replay}

	if err := svc.SyncVendor(context.Background(), "growatt", acquisition.SeriesDaily); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if got := marks.marks[5]; !got.Equal(newest) {
		t.Fatalf("watermark after replay = %v, want %v unchanged", got, newest)
	}
	if len(readings.rows) != rowsAfterFirst+1 {
		t.Fatalf("rows = %d, want %d (replayed page overwrites, only the older day adds)",
			len(readings.rows), rowsAfterFirst+1)
	}
}

func TestSyncVendorCompleteSeriesSkipsToday(t *testing.T) {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	now := time.Date(2023, 11, 20, 12, 0, 0, 0, loc)
	plant := acquisition.Plant{ID: 3, Vendor: "ecosolys", Name: "usina"}

	readings := &stubReadingRepo{}
	marks := &stubWatermarkRepo{}
	svc := newTestService(t, &stubCredRepo{cred: acquisition.Credential{Vendor: "ecosolys"}},
		&stubPlantRepo{plants: []acquisition.Plant{plant}}, readings, marks)
	svc.now = func() time.Time { return now }

	adapter := &stubAdapter{
		vendor: "ecosolys",
		plants: []acquisition.Plant{plant},
		fetched: [][]acquisition.Reading{
			{
				{PlantID: 3, TS: now, EnergyWh: 5000},
				{PlantID: 3, TS: now.AddDate(0, 0, -1), EnergyWh: 4000},
			},
		},
	}
	svc.Register(adapter)

	if err := svc.SyncVendor(context.Background(), "ecosolys", acquisition.SeriesComplete); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(readings.stored) != 1 {
		t.Fatalf("stored %d readings, want 1 (today excluded)", len(readings.stored))
	}
	if got := readings.stored[0].TS; got.Year() != 2023 || got.Day() != 19 {
		t.Fatalf("stored ts = %v, want yesterday's total", got)
	}
}

func TestResolveWatermarkFallbacks(t *testing.T) {
	readings := &stubReadingRepo{}
	marks := &stubWatermarkRepo{}
	svc := newTestService(t, &stubCredRepo{}, &stubPlantRepo{}, readings, marks)

	mark, err := svc.resolveWatermark(context.Background(), 1, acquisition.SeriesDaily)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !mark.Equal(acquisition.WatermarkEpoch) {
		t.Fatalf("mark = %v, want epoch sentinel", mark)
	}

	latest := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
	readings.latestPositive = latest
	mark, err = svc.resolveWatermark(context.Background(), 1, acquisition.SeriesDaily)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !mark.Equal(latest) {
		t.Fatalf("mark = %v, want newest positive reading", mark)
	}

	stored := time.Date(2023, 9, 1, 0, 0, 0, 0, time.UTC)
	marks.marks = map[int64]time.Time{1: stored}
	mark, err = svc.resolveWatermark(context.Background(), 1, acquisition.SeriesDaily)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !mark.Equal(stored) {
		t.Fatalf("mark = %v, want stored watermark", mark)
	}
}

package application

import (
	"context"
	"errors"
	"testing"
	"time"

	acquisition "solarsync/internal/acquisition/domain"
)

func TestWalkStopsAfterEmptyStreak(t *testing.T) {
	const nonEmpty = 3
	const threshold = 5
	now := time.Date(2023, 11, 20, 12, 0, 0, 0, time.UTC)

	calls := 0
	fetch := func(_ context.Context, cursor time.Time) ([]acquisition.Reading, error) {
		calls++
		if calls <= nonEmpty {
			return []acquisition.Reading{{PlantID: 1, TS: cursor, EnergyWh: 100}}, nil
		}
		return nil, nil
	}
	var committed []acquisition.Reading
	commit := func(_ context.Context, readings []acquisition.Reading) error {
		committed = append(committed, readings...)
		return nil
	}

	pages, err := Walk(context.Background(), now, WalkSpec{
		EmptyStreakLimit: threshold,
		Step:             StepDay,
	}, fetch, commit)
	if err != nil {
		t.Fatalf("walk error: %v", err)
	}
	if want := nonEmpty + threshold; pages != want {
		t.Fatalf("pages = %d, want %d", pages, want)
	}
	if calls != nonEmpty+threshold {
		t.Fatalf("fetch calls = %d, want %d", calls, nonEmpty+threshold)
	}
	if len(committed) != nonEmpty {
		t.Fatalf("committed %d readings, want %d", len(committed), nonEmpty)
	}
}

func TestWalkStoresZeroPagesButCountsStreak(t *testing.T) {
	now := time.Date(2023, 11, 20, 12, 0, 0, 0, time.UTC)

	fetch := func(_ context.Context, cursor time.Time) ([]acquisition.Reading, error) {
		return []acquisition.Reading{{PlantID: 1, TS: cursor, EnergyWh: 0}}, nil
	}
	var committed []acquisition.Reading
	commit := func(_ context.Context, readings []acquisition.Reading) error {
		committed = append(committed, readings...)
		return nil
	}

	pages, err := Walk(context.Background(), now, WalkSpec{
		EmptyStreakLimit: 3,
		Step:             StepDay,
	}, fetch, commit)
	if err != nil {
		t.Fatalf("walk error: %v", err)
	}
	if pages != 3 {
		t.Fatalf("pages = %d, want 3 (all-zero pages count toward the streak)", pages)
	}
	if len(committed) != 3 {
		t.Fatalf("committed %d readings, want 3 (zero readings are still stored)", len(committed))
	}
}

func TestWalkStopsAtWatermark(t *testing.T) {
	now := time.Date(2023, 11, 20, 12, 0, 0, 0, time.UTC)
	watermark := now.AddDate(0, 0, -2)

	fetch := func(_ context.Context, cursor time.Time) ([]acquisition.Reading, error) {
		// Every page holds one point at the cursor and one far older point.
		return []acquisition.Reading{
			{PlantID: 1, TS: cursor.AddDate(0, 0, -30), EnergyWh: 5},
			{PlantID: 1, TS: cursor, EnergyWh: 10},
		}, nil
	}
	var committed []acquisition.Reading
	commit := func(_ context.Context, readings []acquisition.Reading) error {
		committed = append(committed, readings...)
		return nil
	}

	pages, err := Walk(context.Background(), now, WalkSpec{
		Watermark:        watermark,
		Grace:            2 * time.Hour,
		EmptyStreakLimit: 60,
		Step:             StepDay,
	}, fetch, commit)
	if err != nil {
		t.Fatalf("walk error: %v", err)
	}
	if pages != 1 {
		t.Fatalf("pages = %d, want 1 (old point in first page ends the walk)", pages)
	}
	if len(committed) != 1 || !committed[0].TS.Equal(now) {
		t.Fatalf("committed = %+v, want only the newest point", committed)
	}
}

func TestWalkFlushesInChunks(t *testing.T) {
	now := time.Date(2023, 11, 20, 0, 0, 0, 0, time.UTC)
	pagesLeft := 5
	fetch := func(_ context.Context, cursor time.Time) ([]acquisition.Reading, error) {
		if pagesLeft == 0 {
			return nil, nil
		}
		pagesLeft--
		page := make([]acquisition.Reading, 3)
		for i := range page {
			page[i] = acquisition.Reading{PlantID: 1, TS: cursor.Add(-time.Duration(i) * time.Minute), EnergyWh: 1}
		}
		return page, nil
	}
	flushes := 0
	total := 0
	commit := func(_ context.Context, readings []acquisition.Reading) error {
		flushes++
		total += len(readings)
		return nil
	}

	if _, err := Walk(context.Background(), now, WalkSpec{
		EmptyStreakLimit: 1,
		FlushLimit:       4,
		Step:             StepDay,
	}, fetch, commit); err != nil {
		t.Fatalf("walk error: %v", err)
	}
	if total != 15 {
		t.Fatalf("total committed = %d, want 15", total)
	}
	if flushes < 3 {
		t.Fatalf("flushes = %d, want bounded chunks (>= 3)", flushes)
	}
}

func TestWalkRecoversFromSessionExpiry(t *testing.T) {
	now := time.Date(2023, 11, 20, 0, 0, 0, 0, time.UTC)
	calls := 0
	fetch := func(_ context.Context, cursor time.Time) ([]acquisition.Reading, error) {
		calls++
		if calls == 1 {
			return nil, acquisition.ErrSessionExpired
		}
		return nil, nil
	}
	relogins := 0
	spec := WalkSpec{
		EmptyStreakLimit: 1,
		Step:             StepDay,
		Relogin: func(context.Context) error {
			relogins++
			return nil
		},
	}
	pages, err := Walk(context.Background(), now, spec, fetch, func(context.Context, []acquisition.Reading) error { return nil })
	if err != nil {
		t.Fatalf("walk error: %v", err)
	}
	if relogins != 1 {
		t.Fatalf("relogins = %d, want 1", relogins)
	}
	if pages != 1 {
		t.Fatalf("pages = %d, want 1", pages)
	}
}

func TestWalkGivesUpAfterMaxRelogins(t *testing.T) {
	now := time.Date(2023, 11, 20, 0, 0, 0, 0, time.UTC)
	fetch := func(context.Context, time.Time) ([]acquisition.Reading, error) {
		return nil, acquisition.ErrSessionExpired
	}
	spec := WalkSpec{
		EmptyStreakLimit: 1,
		Step:             StepDay,
		MaxRelogins:      2,
		Relogin:          func(context.Context) error { return nil },
	}
	_, err := Walk(context.Background(), now, spec, fetch, func(context.Context, []acquisition.Reading) error { return nil })
	if !errors.Is(err, acquisition.ErrSessionExpired) {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
}

func TestWalkEndOfHistory(t *testing.T) {
	now := time.Date(2023, 11, 20, 0, 0, 0, 0, time.UTC)
	calls := 0
	fetch := func(_ context.Context, cursor time.Time) ([]acquisition.Reading, error) {
		calls++
		if calls < 3 {
			return []acquisition.Reading{{PlantID: 1, TS: cursor, EnergyWh: 2}}, nil
		}
		return nil, acquisition.ErrEndOfHistory
	}
	var committed int
	pages, err := Walk(context.Background(), now, WalkSpec{
		EmptyStreakLimit: 90,
		Step:             StepMonth,
	}, fetch, func(_ context.Context, readings []acquisition.Reading) error {
		committed += len(readings)
		return nil
	})
	if err != nil {
		t.Fatalf("walk error: %v", err)
	}
	if pages != 3 {
		t.Fatalf("pages = %d, want 3", pages)
	}
	if committed != 2 {
		t.Fatalf("committed = %d, want 2", committed)
	}
}

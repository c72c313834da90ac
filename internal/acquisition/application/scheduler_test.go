package application

import (
	"context"
	"log"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func TestNextDailyAt(t *testing.T) {
	now := time.Date(2023, 11, 20, 10, 30, 0, 0, time.UTC)

	next, err := nextDailyAt(now, "23:00")
	if err != nil {
		t.Fatalf("nextDailyAt: %v", err)
	}
	if want := time.Date(2023, 11, 20, 23, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	next, err = nextDailyAt(now, "02:00")
	if err != nil {
		t.Fatalf("nextDailyAt: %v", err)
	}
	if want := time.Date(2023, 11, 21, 2, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %v, want %v (already past today)", next, want)
	}

	if _, err := nextDailyAt(now, "25:99"); err == nil {
		t.Fatal("expected error for invalid wall-clock time")
	}
}

func TestSchedulerFiresDueJobs(t *testing.T) {
	sched, err := NewScheduler(log.New(os.Stdout, "", 0))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	base := time.Date(2023, 11, 20, 0, 0, 0, 0, time.UTC)
	clock := base
	sched.now = func() time.Time { return clock }

	var runs int32
	job := Job{Name: "growatt_hourly", Run: func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}}
	if err := sched.Every(job, time.Hour, 0); err != nil {
		t.Fatalf("every: %v", err)
	}

	sched.fireDue(context.Background())
	waitFor(t, func() bool { return atomic.LoadInt32(&runs) == 1 })

	// Not due again until the interval has elapsed.
	clock = base.Add(30 * time.Minute)
	sched.fireDue(context.Background())
	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Fatalf("runs = %d, want 1 before interval elapses", got)
	}

	clock = base.Add(61 * time.Minute)
	sched.fireDue(context.Background())
	waitFor(t, func() bool { return atomic.LoadInt32(&runs) == 2 })
}

func TestSchedulerSkipsOverlappingRun(t *testing.T) {
	sched, err := NewScheduler(log.New(os.Stdout, "", 0))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	base := time.Date(2023, 11, 20, 0, 0, 0, 0, time.UTC)
	clock := base
	sched.now = func() time.Time { return clock }

	release := make(chan struct{})
	var started, finished int32
	job := Job{Name: "sungrow_hourly", Run: func(context.Context) error {
		atomic.AddInt32(&started, 1)
		<-release
		atomic.AddInt32(&finished, 1)
		return nil
	}}
	if err := sched.Every(job, time.Hour, 0); err != nil {
		t.Fatalf("every: %v", err)
	}

	sched.fireDue(context.Background())
	waitFor(t, func() bool { return atomic.LoadInt32(&started) == 1 })

	// A second due tick while the first run is in flight is dropped.
	clock = base.Add(2 * time.Hour)
	sched.fireDue(context.Background())
	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt32(&started); got != 1 {
		t.Fatalf("started = %d, want 1 while previous run in flight", got)
	}

	close(release)
	waitFor(t, func() bool { return atomic.LoadInt32(&finished) == 1 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Scheduler fires registered jobs on their own cadence. Each job runs at most
// once at a time; a tick that lands while the previous run is still going is
// dropped.
type Scheduler struct {
	logger  *log.Logger
	tick    time.Duration
	now     func() time.Time
	mu      sync.Mutex
	entries []*entry
}

type entry struct {
	job      Job
	interval time.Duration
	next     time.Time
	running  bool
}

// NewScheduler constructs a scheduler polling on a fixed tick.
func NewScheduler(logger *log.Logger) (*Scheduler, error) {
	if logger == nil {
		return nil, errors.New("scheduler: nil logger")
	}
	return &Scheduler{
		logger: logger,
		tick:   30 * time.Second,
		now:    time.Now,
	}, nil
}

// Every schedules job on a fixed interval, first firing after delay.
func (s *Scheduler) Every(job Job, interval, delay time.Duration) error {
	if job.Run == nil {
		return fmt.Errorf("scheduler: job %q has no run func", job.Name)
	}
	if interval <= 0 {
		return fmt.Errorf("scheduler: job %q has non-positive interval", job.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &entry{
		job:      job,
		interval: interval,
		next:     s.now().Add(delay),
	})
	return nil
}

// DailyAt schedules job once a day at the given local wall-clock time
// ("15:04"), shifted by delay.
func (s *Scheduler) DailyAt(job Job, at string, delay time.Duration) error {
	first, err := nextDailyAt(s.now(), at)
	if err != nil {
		return fmt.Errorf("scheduler: job %q: %w", job.Name, err)
	}
	if job.Run == nil {
		return fmt.Errorf("scheduler: job %q has no run func", job.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &entry{
		job:      job,
		interval: 24 * time.Hour,
		next:     first.Add(delay),
	})
	return nil
}

// Start runs the polling loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.fireDue(ctx)
			}
		}
	}()
}

func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if now.Before(e.next) {
			continue
		}
		e.next = e.next.Add(e.interval)
		// Catch up after long stalls so the job does not fire in bursts.
		for !e.next.After(now) {
			e.next = e.next.Add(e.interval)
		}
		if e.running {
			s.logger.Printf("scheduler: %s still running, skipping tick", e.job.Name)
			continue
		}
		e.running = true
		go func(e *entry) {
			defer func() {
				s.mu.Lock()
				e.running = false
				s.mu.Unlock()
			}()
			if err := e.job.Run(ctx); err != nil {
				s.logger.Printf("scheduler: %s failed: %v", e.job.Name, err)
			}
		}(e)
	}
}

// nextDailyAt returns the next occurrence of the "15:04" wall-clock time
// after now, in now's location.
func nextDailyAt(now time.Time, at string) (time.Time, error) {
	parsed, err := time.Parse("15:04", at)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid daily time %q: %w", at, err)
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), parsed.Hour(), parsed.Minute(), 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next, nil
}

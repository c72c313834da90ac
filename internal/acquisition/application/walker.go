package application

import (
	"context"
	"errors"
	"sort"
	"time"

	acquisition "solarsync/internal/acquisition/domain"
)

// PageFetcher returns the readings of one time unit (day or month) at cursor.
type PageFetcher func(ctx context.Context, cursor time.Time) ([]acquisition.Reading, error)

// CommitFunc durably writes a buffered slice of readings.
type CommitFunc func(ctx context.Context, readings []acquisition.Reading) error

// WalkSpec parameterizes one backward walk over a plant's series.
type WalkSpec struct {
	// Watermark is the newest timestamp already persisted for this series.
	Watermark time.Time
	// Grace is subtracted from the watermark before the cutoff comparison.
	Grace time.Duration
	// EmptyStreakLimit ends the walk after this many consecutive empty pages.
	EmptyStreakLimit int
	// FlushLimit flushes the pending buffer once it grows past this size.
	FlushLimit int
	// Step moves the cursor one unit further into the past.
	Step func(time.Time) time.Time
	// Relogin re-establishes the vendor session after an expiry mid-walk.
	// Nil disables recovery.
	Relogin func(ctx context.Context) error
	// MaxRelogins bounds session-recovery attempts for the whole walk.
	MaxRelogins int
}

const (
	defaultFlushLimit  = 100
	defaultMaxRelogins = 3
)

// Walk pages backward from start until it reaches already-synced history, the
// empty-page streak limit, or the vendor's end of history. Pages are processed
// newest-first; a point older than watermark-grace ends the walk without
// touching the rest of its page. Returns the number of pages fetched.
func Walk(ctx context.Context, start time.Time, spec WalkSpec, fetch PageFetcher, commit CommitFunc) (int, error) {
	if fetch == nil || commit == nil {
		return 0, errors.New("walker: nil fetch or commit")
	}
	if spec.Step == nil {
		return 0, errors.New("walker: nil step")
	}
	if spec.EmptyStreakLimit <= 0 {
		spec.EmptyStreakLimit = 1
	}
	if spec.FlushLimit <= 0 {
		spec.FlushLimit = defaultFlushLimit
	}
	if spec.MaxRelogins <= 0 {
		spec.MaxRelogins = defaultMaxRelogins
	}

	cutoff := time.Time{}
	if !spec.Watermark.IsZero() {
		cutoff = spec.Watermark.Add(-spec.Grace)
	}

	var (
		buffer   []acquisition.Reading
		pages    int
		streak   int
		relogins int
		cursor   = start
		done     bool
	)

	for {
		if err := ctx.Err(); err != nil {
			return pages, err
		}

		page, err := fetch(ctx, cursor)
		switch {
		case errors.Is(err, acquisition.ErrEndOfHistory):
			pages++
			done = true
		case errors.Is(err, acquisition.ErrSessionExpired):
			if spec.Relogin == nil || relogins >= spec.MaxRelogins {
				return pages, err
			}
			relogins++
			if err := spec.Relogin(ctx); err != nil {
				return pages, err
			}
			continue // retry the same cursor
		case err != nil:
			return pages, err
		default:
			pages++
			// A page with no energy at all still gets stored, but a run of
			// such pages means the walk has moved past the plant's history.
			if pageEmpty(page) {
				streak++
				if streak >= spec.EmptyStreakLimit {
					done = true
				}
			} else {
				streak = 0
			}
			sort.Slice(page, func(i, j int) bool { return page[i].TS.After(page[j].TS) })
			for _, reading := range page {
				if !cutoff.IsZero() && reading.TS.Before(cutoff) {
					done = true
					break
				}
				buffer = append(buffer, reading)
			}
		}

		if len(buffer) > spec.FlushLimit {
			if err := commit(ctx, buffer); err != nil {
				return pages, err
			}
			buffer = buffer[:0]
		}
		if done {
			break
		}
		cursor = spec.Step(cursor)
	}

	if len(buffer) > 0 {
		if err := commit(ctx, buffer); err != nil {
			return pages, err
		}
	}
	return pages, nil
}

func pageEmpty(page []acquisition.Reading) bool {
	for _, reading := range page {
		if reading.EnergyWh != 0 {
			return false
		}
	}
	return true
}

// StepDay moves the cursor back one calendar day.
func StepDay(cursor time.Time) time.Time { return cursor.AddDate(0, 0, -1) }

// StepMonth moves the cursor back one calendar month.
func StepMonth(cursor time.Time) time.Time { return cursor.AddDate(0, -1, 0) }

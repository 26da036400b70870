// Package dedup answers whether a URL was archived recently enough that the
// caller may skip archiving it again.
package dedup

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/JakeFAU/media-archiver/internal/archive"
)

// DefaultWindowMonths is used when a caller passes a non-positive window.
const DefaultWindowMonths = 3

// daysPerMonth approximates a month as a fixed 30 days.
const daysPerMonth = 30

// Finder is the store query the checker needs.
type Finder interface {
	FindRecentCompleted(ctx context.Context, url string, since time.Time) (archive.Job, bool, error)
}

// Checker combines a windowed store lookup with a live file probe. It never
// writes to the store.
type Checker struct {
	store         Finder
	clock         archive.Clock
	defaultMonths int
	exists        func(path string) bool
}

// New builds a Checker. defaultMonths <= 0 selects DefaultWindowMonths.
func New(store Finder, clock archive.Clock, defaultMonths int) *Checker {
	if defaultMonths <= 0 {
		defaultMonths = DefaultWindowMonths
	}
	return &Checker{
		store:         store,
		clock:         clock,
		defaultMonths: defaultMonths,
		exists:        fileExists,
	}
}

// Window returns the look-back duration for the given number of months.
func Window(months int) time.Duration {
	return time.Duration(months) * daysPerMonth * 24 * time.Hour
}

// CheckRecentlyArchived returns the newest completed job for url created
// within the window, or nil when there is none.
func (c *Checker) CheckRecentlyArchived(ctx context.Context, url string, windowMonths int) (*archive.DedupResult, error) {
	if windowMonths <= 0 {
		windowMonths = c.defaultMonths
	}
	now := c.clock.Now()
	since := now.Add(-Window(windowMonths))

	job, ok, err := c.store.FindRecentCompleted(ctx, url, since)
	if err != nil {
		return nil, fmt.Errorf("dedup lookup: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &archive.DedupResult{
		Job:        job,
		FileExists: c.exists(job.FilePath),
		AgeDays:    AgeDays(job.CreatedAt, now),
	}, nil
}

// AgeDays is the number of whole days from created to now, never negative.
func AgeDays(created, now time.Time) int {
	d := now.Sub(created)
	if d < 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

package archive

import (
	"strings"
	"time"
)

// StatsBuilder accumulates Stats for stores that cannot aggregate natively.
type StatsBuilder struct {
	stats   Stats
	today   time.Time
	weekAgo time.Time
}

// NewStatsBuilder starts an accumulation relative to now.
func NewStatsBuilder(now time.Time) *StatsBuilder {
	today, weekAgo := StatsWindow(now)
	return &StatsBuilder{
		stats:   Stats{ByType: make(map[string]TypeStats)},
		today:   today,
		weekAgo: weekAgo,
	}
}

// StatsWindow returns the start of now's day and the instant seven days earlier.
func StatsWindow(now time.Time) (time.Time, time.Time) {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location()), now.Add(-7 * 24 * time.Hour)
}

// AddJob counts a job if it completed.
func (b *StatsBuilder) AddJob(job Job) {
	if job.Status != JobStatusCompleted {
		return
	}
	b.stats.TotalArchives++
	if !job.CreatedAt.Before(b.today) {
		b.stats.Today++
	}
	if !job.CreatedAt.Before(b.weekAgo) {
		b.stats.ThisWeek++
	}
}

// AddMedia counts a media file toward size and type totals.
func (b *StatsBuilder) AddMedia(file MediaFile) {
	b.stats.TotalSize += file.FileSize
	ts := b.stats.ByType[string(file.MediaType)]
	ts.Count++
	ts.Size += file.FileSize
	b.stats.ByType[string(file.MediaType)] = ts
}

// Stats returns the accumulated totals.
func (b *StatsBuilder) Stats() Stats { return b.stats }

// MatchesQuery reports whether the query is a case-insensitive substring of
// the file's URL, title, description or author.
func (f MediaFile) MatchesQuery(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	for _, field := range []string{f.URL, f.Title, f.Description, f.Author} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}

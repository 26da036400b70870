// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/media-archiver/internal/archive"
)

// Store keeps job and media records in maps guarded by a RWMutex.
type Store struct {
	mu    sync.RWMutex
	jobs  map[string]archive.Job
	media map[string]archive.MediaFile
}

var _ archive.Store = (*Store)(nil)

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		jobs:  make(map[string]archive.Job),
		media: make(map[string]archive.MediaFile),
	}
}

// CreateJob stores a new job in pending status.
func (s *Store) CreateJob(_ context.Context, job archive.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("create job %s: %w", job.ID, archive.ErrJobExists)
	}
	job.Status = archive.JobStatusPending
	job.Metadata = job.Metadata.Clone()
	s.jobs[job.ID] = job
	return nil
}

// SetStatus moves a job to a non-terminal status.
func (s *Store) SetStatus(_ context.Context, jobID string, status archive.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.transition(jobID, status)
	if err != nil {
		return err
	}
	s.jobs[jobID] = job
	return nil
}

// CompleteJob records the result of a successful job.
func (s *Store) CompleteJob(_ context.Context, jobID string, result archive.Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.transition(jobID, archive.JobStatusCompleted)
	if err != nil {
		return err
	}
	job.CompletedAt = pointerTime(result.CompletedAt)
	job.FilePath = result.FilePath
	job.FileSize = result.FileSize
	job.FileHash = result.FileHash
	job.Metadata = result.Metadata.Clone()
	job.Error = ""
	s.jobs[jobID] = job
	return nil
}

// FailJob records the error of a failed job.
func (s *Store) FailJob(_ context.Context, jobID string, errText string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.transition(jobID, archive.JobStatusFailed)
	if err != nil {
		return err
	}
	job.CompletedAt = pointerTime(at)
	job.Error = errText
	job.FilePath = ""
	s.jobs[jobID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(_ context.Context, jobID string) (archive.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return archive.Job{}, fmt.Errorf("get job %s: %w", jobID, archive.ErrJobNotFound)
	}
	job.Metadata = job.Metadata.Clone()
	return job, nil
}

// ListJobs returns the newest jobs first, optionally filtered by status.
func (s *Store) ListJobs(_ context.Context, limit int, status archive.JobStatus) ([]archive.Job, error) {
	s.mu.RLock()
	out := make([]archive.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, job)
	}
	s.mu.RUnlock()

	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FindRecentCompleted returns the newest completed job for url created at or after since.
func (s *Store) FindRecentCompleted(_ context.Context, url string, since time.Time) (archive.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  archive.Job
		found bool
	)
	for _, job := range s.jobs {
		if job.URL != url || job.Status != archive.JobStatusCompleted || job.CreatedAt.Before(since) {
			continue
		}
		if !found || job.CreatedAt.After(best.CreatedAt) {
			best, found = job, true
		}
	}
	return best, found, nil
}

// Stats aggregates completed jobs and media files.
func (s *Store) Stats(_ context.Context, now time.Time) (archive.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	builder := archive.NewStatsBuilder(now)
	for _, job := range s.jobs {
		builder.AddJob(job)
	}
	for _, file := range s.media {
		builder.AddMedia(file)
	}
	return builder.Stats(), nil
}

// transition must be called with mu held.
func (s *Store) transition(jobID string, to archive.JobStatus) (archive.Job, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return archive.Job{}, fmt.Errorf("job %s: %w", jobID, archive.ErrJobNotFound)
	}
	if err := archive.CheckTransition(job.Status, to); err != nil {
		return archive.Job{}, fmt.Errorf("job %s %s -> %s: %w", jobID, job.Status, to, err)
	}
	job.Status = to
	return job, nil
}

func sortNewestFirst(jobs []archive.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}

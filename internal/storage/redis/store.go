// Package redis implements the archive store on Redis. Each job and media
// record is a JSON string; sorted sets keyed by creation time provide
// listing and the per-URL recency lookups used by deduplication.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/media-archiver/internal/archive"
)

const maxTxRetries = 5

// Config holds connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Store persists jobs and media files in Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
}

var _ archive.Store = (*Store)(nil)

// New dials Redis with cfg.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("store.redis.addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(client, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "archiver:"
	}
	return &Store{client: client, prefix: prefix}
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) jobKey(id string) string        { return s.prefix + "job:" + id }
func (s *Store) jobsKey() string                { return s.prefix + "jobs" }
func (s *Store) completedKey(url string) string { return s.prefix + "completed:" + url }
func (s *Store) mediaKey(path string) string    { return s.prefix + "media:" + path }
func (s *Store) mediaSetKey() string            { return s.prefix + "media" }

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

// CreateJob stores a new pending job and its list index entry in one
// MULTI/EXEC. Redis does not roll back a queued command that fails, so a
// failed index write removes the job key again.
func (s *Store) CreateJob(ctx context.Context, job archive.Job) error {
	job.Status = archive.JobStatusPending
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	key := s.jobKey(job.ID)
	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("create job: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("create job %s: %w", job.ID, archive.ErrJobExists)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, s.jobsKey(), redis.Z{Score: score(job.CreatedAt), Member: job.ID})
			return nil
		})
		if err != nil && !errors.Is(err, redis.TxFailedErr) {
			if delErr := s.client.Del(ctx, key).Err(); delErr != nil {
				return fmt.Errorf("index job: %w (cleanup: %v)", err, delErr)
			}
			return fmt.Errorf("index job: %w", err)
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("create job %s: too much contention", job.ID)
}

// SetStatus moves a job to a non-terminal status.
func (s *Store) SetStatus(ctx context.Context, jobID string, status archive.JobStatus) error {
	if status.IsTerminal() {
		return fmt.Errorf("set status %s: %w", status, archive.ErrInvalidTransition)
	}
	return s.update(ctx, jobID, status, func(*archive.Job) {})
}

// CompleteJob records the result of a successful job.
func (s *Store) CompleteJob(ctx context.Context, jobID string, result archive.Completion) error {
	return s.update(ctx, jobID, archive.JobStatusCompleted, func(job *archive.Job) {
		at := result.CompletedAt
		job.CompletedAt = &at
		job.FilePath = result.FilePath
		job.FileSize = result.FileSize
		job.FileHash = result.FileHash
		job.Metadata = result.Metadata
		job.Error = ""
	})
}

// FailJob records the error of a failed job.
func (s *Store) FailJob(ctx context.Context, jobID string, errText string, at time.Time) error {
	return s.update(ctx, jobID, archive.JobStatusFailed, func(job *archive.Job) {
		job.CompletedAt = &at
		job.Error = errText
		job.FilePath = ""
	})
}

// update applies a guarded transition under WATCH so concurrent writers to
// the same job cannot both succeed.
func (s *Store) update(ctx context.Context, jobID string, to archive.JobStatus, mutate func(*archive.Job)) error {
	key := s.jobKey(jobID)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("job %s: %w", jobID, archive.ErrJobNotFound)
		}
		if err != nil {
			return fmt.Errorf("read job: %w", err)
		}
		var job archive.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			return fmt.Errorf("decode job: %w", err)
		}
		if err := archive.CheckTransition(job.Status, to); err != nil {
			return fmt.Errorf("job %s %s -> %s: %w", jobID, job.Status, to, err)
		}
		job.Status = to
		mutate(&job)
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if to == archive.JobStatusCompleted {
				pipe.ZAdd(ctx, s.completedKey(job.URL), redis.Z{Score: score(job.CreatedAt), Member: job.ID})
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("job %s: too much contention", jobID)
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (archive.Job, error) {
	raw, err := s.client.Get(ctx, s.jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return archive.Job{}, fmt.Errorf("get job %s: %w", jobID, archive.ErrJobNotFound)
	}
	if err != nil {
		return archive.Job{}, fmt.Errorf("get job: %w", err)
	}
	var job archive.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return archive.Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

// ListJobs returns the newest jobs first, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, limit int, status archive.JobStatus) ([]archive.Job, error) {
	ids, err := s.client.ZRevRange(ctx, s.jobsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := s.loadJobs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]archive.Job, 0, len(jobs))
	for _, job := range jobs {
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, job)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// FindRecentCompleted returns the newest completed job for url created at or after since.
func (s *Store) FindRecentCompleted(ctx context.Context, url string, since time.Time) (archive.Job, bool, error) {
	ids, err := s.client.ZRevRangeByScore(ctx, s.completedKey(url), &redis.ZRangeBy{
		Min:   strconv.FormatInt(since.UnixMilli(), 10),
		Max:   "+inf",
		Count: 1,
	}).Result()
	if err != nil {
		return archive.Job{}, false, fmt.Errorf("find recent completed: %w", err)
	}
	if len(ids) == 0 {
		return archive.Job{}, false, nil
	}
	job, err := s.GetJob(ctx, ids[0])
	if err != nil {
		return archive.Job{}, false, err
	}
	return job, true, nil
}

// Stats aggregates completed jobs and media files.
func (s *Store) Stats(ctx context.Context, now time.Time) (archive.Stats, error) {
	builder := archive.NewStatsBuilder(now)
	ids, err := s.client.ZRange(ctx, s.jobsKey(), 0, -1).Result()
	if err != nil {
		return archive.Stats{}, fmt.Errorf("stats: %w", err)
	}
	jobs, err := s.loadJobs(ctx, ids)
	if err != nil {
		return archive.Stats{}, err
	}
	for _, job := range jobs {
		builder.AddJob(job)
	}
	files, err := s.loadMedia(ctx)
	if err != nil {
		return archive.Stats{}, err
	}
	for _, file := range files {
		builder.AddMedia(file)
	}
	return builder.Stats(), nil
}

func (s *Store) loadJobs(ctx context.Context, ids []string) ([]archive.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	jobs := make([]archive.Job, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var job archive.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

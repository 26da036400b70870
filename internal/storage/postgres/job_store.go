package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/media-archiver/internal/archive"
)

const jobColumns = `id, url, status, page_title, page_url, created_at, completed_at, file_path, file_size, file_hash, metadata, error`

// CreateJob inserts a pending job row.
func (s *Store) CreateJob(ctx context.Context, job archive.Job) error {
	meta, err := marshalMetadata(job.Metadata)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, url, status, page_title, page_url, created_at, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO NOTHING`, s.jobs)
	tag, err := s.pool.Exec(ctx, query,
		job.ID,
		job.URL,
		string(archive.JobStatusPending),
		nullString(job.PageTitle),
		nullString(job.PageURL),
		job.CreatedAt,
		meta,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create job %s: %w", job.ID, archive.ErrJobExists)
	}
	return nil
}

// SetStatus moves a job to a non-terminal status.
func (s *Store) SetStatus(ctx context.Context, jobID string, status archive.JobStatus) error {
	if status.IsTerminal() {
		return fmt.Errorf("set status %s: %w", status, archive.ErrInvalidTransition)
	}
	query := fmt.Sprintf(`UPDATE %s SET status = $2 WHERE id = $1 AND status = $3`, s.jobs)
	tag, err := s.pool.Exec(ctx, query, jobID, string(status), string(archive.JobStatusPending))
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, jobID, status)
	}
	return nil
}

// CompleteJob records the result of a successful job. Only a downloading
// row is updated.
func (s *Store) CompleteJob(ctx context.Context, jobID string, result archive.Completion) error {
	meta, err := marshalMetadata(result.Metadata)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET status = $2, completed_at = $3, file_path = $4, file_size = $5, file_hash = $6, metadata = $7, error = NULL
WHERE id = $1 AND status = $8`, s.jobs)
	tag, err := s.pool.Exec(ctx, query,
		jobID,
		string(archive.JobStatusCompleted),
		result.CompletedAt,
		result.FilePath,
		result.FileSize,
		nullString(result.FileHash),
		meta,
		string(archive.JobStatusDownloading),
	)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, jobID, archive.JobStatusCompleted)
	}
	return nil
}

// FailJob records the error of a failed job.
func (s *Store) FailJob(ctx context.Context, jobID string, errText string, at time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $2, completed_at = $3, error = $4, file_path = NULL
WHERE id = $1 AND status = $5`, s.jobs)
	tag, err := s.pool.Exec(ctx, query,
		jobID,
		string(archive.JobStatusFailed),
		at,
		errText,
		string(archive.JobStatusDownloading),
	)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, jobID, archive.JobStatusFailed)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (archive.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, jobColumns, s.jobs)
	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return archive.Job{}, fmt.Errorf("get job %s: %w", jobID, archive.ErrJobNotFound)
	}
	if err != nil {
		return archive.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns the newest jobs first, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, limit int, status archive.JobStatus) ([]archive.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY created_at DESC LIMIT $1`, jobColumns, s.jobs)
		rows, err = s.pool.Query(ctx, query, limit)
	} else {
		query := fmt.Sprintf(`SELECT %s FROM %s WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, jobColumns, s.jobs)
		rows, err = s.pool.Query(ctx, query, string(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]archive.Job, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// FindRecentCompleted returns the newest completed job for url created at or after since.
func (s *Store) FindRecentCompleted(ctx context.Context, url string, since time.Time) (archive.Job, bool, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE url = $1 AND status = $2 AND created_at >= $3 ORDER BY created_at DESC LIMIT 1`,
		jobColumns, s.jobs)
	job, err := scanJob(s.pool.QueryRow(ctx, query, url, string(archive.JobStatusCompleted), since))
	if errors.Is(err, pgx.ErrNoRows) {
		return archive.Job{}, false, nil
	}
	if err != nil {
		return archive.Job{}, false, fmt.Errorf("find recent completed: %w", err)
	}
	return job, true, nil
}

// transitionError explains why a guarded update touched no rows.
func (s *Store) transitionError(ctx context.Context, jobID string, to archive.JobStatus) error {
	query := fmt.Sprintf(`SELECT status FROM %s WHERE id = $1`, s.jobs)
	var current string
	err := s.pool.QueryRow(ctx, query, jobID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("job %s: %w", jobID, archive.ErrJobNotFound)
	}
	if err != nil {
		return fmt.Errorf("read job status: %w", err)
	}
	from := archive.JobStatus(current)
	if err := archive.CheckTransition(from, to); err != nil {
		return fmt.Errorf("job %s %s -> %s: %w", jobID, from, to, err)
	}
	return fmt.Errorf("job %s %s -> %s: %w", jobID, from, to, archive.ErrInvalidTransition)
}

func scanJob(row pgx.Row) (archive.Job, error) {
	var (
		job         archive.Job
		status      string
		pageTitle   *string
		pageURL     *string
		completedAt *time.Time
		filePath    *string
		fileSize    *int64
		fileHash    *string
		meta        []byte
		errText     *string
	)
	if err := row.Scan(
		&job.ID,
		&job.URL,
		&status,
		&pageTitle,
		&pageURL,
		&job.CreatedAt,
		&completedAt,
		&filePath,
		&fileSize,
		&fileHash,
		&meta,
		&errText,
	); err != nil {
		return archive.Job{}, err
	}
	job.Status = archive.JobStatus(status)
	job.PageTitle = deref(pageTitle)
	job.PageURL = deref(pageURL)
	job.CompletedAt = completedAt
	job.FilePath = deref(filePath)
	if fileSize != nil {
		job.FileSize = *fileSize
	}
	job.FileHash = deref(fileHash)
	job.Error = deref(errText)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &job.Metadata); err != nil {
			return archive.Job{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return job, nil
}

func marshalMetadata(meta archive.Metadata) ([]byte, error) {
	if meta == nil {
		meta = archive.Metadata{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

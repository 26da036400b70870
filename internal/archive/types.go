package archive

import (
	"time"
)

// JobStatus represents the lifecycle state of an archive job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending     JobStatus = "pending"
	JobStatusDownloading JobStatus = "downloading"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusFailed      JobStatus = "failed"
)

// SaveMode selects how much of a page is archived.
type SaveMode string

// Save modes accepted on admission.
const (
	SaveModeFull  SaveMode = "full"
	SaveModeQuick SaveMode = "quick"
	SaveModeText  SaveMode = "text"
)

// Valid reports whether m is one of the known save modes.
func (m SaveMode) Valid() bool {
	switch m {
	case SaveModeFull, SaveModeQuick, SaveModeText:
		return true
	default:
		return false
	}
}

// Job is the durable record of one archive request.
type Job struct {
	ID          string     `json:"id"`
	URL         string     `json:"url"`
	Status      JobStatus  `json:"status"`
	PageTitle   string     `json:"page_title,omitempty"`
	PageURL     string     `json:"page_url,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FilePath    string     `json:"file_path,omitempty"`
	FileSize    int64      `json:"file_size,omitempty"`
	FileHash    string     `json:"file_hash,omitempty"`
	Metadata    Metadata   `json:"metadata,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Completion carries the result of a successful job.
type Completion struct {
	FilePath    string
	FileSize    int64
	FileHash    string
	Metadata    Metadata
	CompletedAt time.Time
}

// Request is an admitted archive request as handed to the orchestrator.
type Request struct {
	URL       string
	PageTitle string
	PageURL   string
	Timestamp time.Time
	Cookies   map[string]string
	Options   Options
	Snapshot  []byte
	Mode      SaveMode
}

// DedupResult describes a prior completed archive of a URL.
type DedupResult struct {
	Job        Job
	FileExists bool
	AgeDays    int
}

// Stats summarizes the archive for dashboards.
type Stats struct {
	TotalArchives int64                `json:"total_archives"`
	Today         int64                `json:"today_count"`
	ThisWeek      int64                `json:"week_count"`
	TotalSize     int64                `json:"total_size"`
	ByType        map[string]TypeStats `json:"by_type"`
}

// TypeStats is the per media type breakdown of Stats.
type TypeStats struct {
	Count int64 `json:"count"`
	Size  int64 `json:"size"`
}

// Event is published when a job reaches a terminal state.
type Event struct {
	JobID    string    `json:"job_id"`
	URL      string    `json:"url"`
	Status   JobStatus `json:"status"`
	FilePath string    `json:"file_path,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// ImageRequest asks for one image to be saved synchronously, outside the job
// lifecycle.
type ImageRequest struct {
	ImageURL    string
	PageURL     string
	Cookies     map[string]string
	Options     Options
	Mode        SaveMode
	Platform    string
	Title       string
	Author      string
	Description string
	DateTaken   string
	Tags        []string
}

// ImageResult is the saved image and the tool that produced it.
type ImageResult struct {
	FilePath    string
	SidecarPath string
	Downloader  string
}

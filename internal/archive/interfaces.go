package archive

import (
	"context"
	"io"
	"net/http"
	"time"
)

// JobStore persists job records. Implementations must be safe for concurrent
// use and must reject writes that violate CheckTransition.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	SetStatus(ctx context.Context, jobID string, status JobStatus) error
	CompleteJob(ctx context.Context, jobID string, result Completion) error
	FailJob(ctx context.Context, jobID string, errText string, at time.Time) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context, limit int, status JobStatus) ([]Job, error)
	// FindRecentCompleted returns the newest completed job for url created at
	// or after since. The boolean is false when there is none.
	FindRecentCompleted(ctx context.Context, url string, since time.Time) (Job, bool, error)
}

// MediaStore persists media file records derived from completed jobs.
type MediaStore interface {
	SaveMediaFile(ctx context.Context, file MediaFile) error
	SearchMedia(ctx context.Context, query string, limit int) ([]MediaFile, error)
}

// Store is the full persistence surface used by the service.
type Store interface {
	JobStore
	MediaStore
	Stats(ctx context.Context, now time.Time) (Stats, error)
}

// HandlerKind tags the closed set of handler variants. Lower kinds are tried
// first.
type HandlerKind int

// Handler kinds in routing priority order.
const (
	KindTiled HandlerKind = iota
	KindGallery
	KindGeneral
)

func (k HandlerKind) String() string {
	switch k {
	case KindTiled:
		return "tiled"
	case KindGallery:
		return "gallery"
	case KindGeneral:
		return "general"
	default:
		return "unknown"
	}
}

// DownloadRequest is everything a handler needs for one invocation.
type DownloadRequest struct {
	URL       string
	Cookies   map[string]string
	OutputDir string
	BaseName  string
	Options   Options
}

// DownloadResult is what a handler produced. FilePath is empty when nothing
// was downloaded.
type DownloadResult struct {
	FilePath string
	Files    []string
	Metadata Metadata
}

// Handler claims URLs and downloads them with an external tool.
type Handler interface {
	Name() string
	Kind() HandlerKind
	// Matches must be free of side effects and return false when the
	// underlying tool is not installed.
	Matches(url string) bool
	Download(ctx context.Context, req DownloadRequest) (DownloadResult, error)
}

// Image is a fetched image body.
type Image struct {
	Body        []byte
	ContentType string
}

// ImageFetcher fetches a single image over HTTP.
type ImageFetcher interface {
	FetchImage(ctx context.Context, url string, headers http.Header, cookies map[string]string) (Image, error)
}

// Snapshotter captures a PNG screenshot of a page.
type Snapshotter interface {
	Capture(ctx context.Context, url string) ([]byte, error)
}

// BlobStore writes archived artifacts to a mirror and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes job events to a message bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests of archived files.
type Hasher interface {
	HashFile(path string) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

package archive

import (
	"path/filepath"
	"strings"
	"time"
)

// MediaType is the coarse classification of an archived file.
type MediaType string

// Media types derived from file extensions.
const (
	MediaTypeVideo    MediaType = "video"
	MediaTypeAudio    MediaType = "audio"
	MediaTypeImage    MediaType = "image"
	MediaTypeDocument MediaType = "document"
	MediaTypeOther    MediaType = "other"
)

var mediaTypesByExt = map[string]MediaType{
	".mp4":  MediaTypeVideo,
	".webm": MediaTypeVideo,
	".mkv":  MediaTypeVideo,
	".avi":  MediaTypeVideo,
	".mov":  MediaTypeVideo,
	".mp3":  MediaTypeAudio,
	".m4a":  MediaTypeAudio,
	".flac": MediaTypeAudio,
	".wav":  MediaTypeAudio,
	".ogg":  MediaTypeAudio,
	".jpg":  MediaTypeImage,
	".jpeg": MediaTypeImage,
	".png":  MediaTypeImage,
	".gif":  MediaTypeImage,
	".webp": MediaTypeImage,
	".pdf":  MediaTypeDocument,
	".txt":  MediaTypeDocument,
	".html": MediaTypeDocument,
	".epub": MediaTypeDocument,
}

// ClassifyMediaType maps a file path to its media type by extension.
func ClassifyMediaType(path string) MediaType {
	if t, ok := mediaTypesByExt[strings.ToLower(filepath.Ext(path))]; ok {
		return t
	}
	return MediaTypeOther
}

// MediaFile is the searchable record of one archived file.
type MediaFile struct {
	Path        string    `json:"path"`
	URL         string    `json:"url"`
	MediaType   MediaType `json:"media_type"`
	Title       string    `json:"title,omitempty"`
	Author      string    `json:"author,omitempty"`
	Description string    `json:"description,omitempty"`
	FileSize    int64     `json:"file_size"`
	Duration    *float64  `json:"duration,omitempty"`
	Width       *int      `json:"width,omitempty"`
	Height      *int      `json:"height,omitempty"`
	ArchivedAt  time.Time `json:"archived_at"`
	Tags        []string  `json:"tags,omitempty"`
	Metadata    Metadata  `json:"metadata,omitempty"`
}

// NewMediaFile derives the media record for a completed job.
func NewMediaFile(job Job, archivedAt time.Time) MediaFile {
	meta := job.Metadata
	title := meta.Title()
	if title == "" {
		title = job.PageTitle
	}
	return MediaFile{
		Path:        job.FilePath,
		URL:         job.URL,
		MediaType:   ClassifyMediaType(job.FilePath),
		Title:       title,
		Author:      meta.Author(),
		Description: meta.Description(),
		FileSize:    job.FileSize,
		Duration:    meta.Duration(),
		Width:       meta.Width(),
		Height:      meta.Height(),
		ArchivedAt:  archivedAt,
		Tags:        meta.Tags(),
		Metadata:    meta.Clone(),
	}
}

package archive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassifyMediaType(t *testing.T) {
	t.Parallel()

	cases := map[string]MediaType{
		"/a/b.MP4":         MediaTypeVideo,
		"clip.mov":         MediaTypeVideo,
		"song.flac":        MediaTypeAudio,
		"pic.JPEG":         MediaTypeImage,
		"page.context.png": MediaTypeImage,
		"book.epub":        MediaTypeDocument,
		"meta.json":        MediaTypeOther,
		"noext":            MediaTypeOther,
	}
	for path, want := range cases {
		require.Equal(t, want, ClassifyMediaType(path), path)
	}
}

func TestNewMediaFile(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	job := Job{
		ID:        "job-1",
		URL:       "https://youtube.com/watch?v=1",
		PageTitle: "Page",
		FilePath:  "/archive/2025-03/clip.webm",
		FileSize:  42,
		Metadata:  Metadata{"uploader": "chan", "duration": 61.0, "width": 640, "height": 360},
	}
	media := NewMediaFile(job, now)

	require.Equal(t, job.FilePath, media.Path)
	require.Equal(t, MediaTypeVideo, media.MediaType)
	require.Equal(t, "Page", media.Title)
	require.Equal(t, "chan", media.Author)
	require.Equal(t, int64(42), media.FileSize)
	require.Equal(t, 640, *media.Width)
	require.Equal(t, 360, *media.Height)
	require.InDelta(t, 61.0, *media.Duration, 0.001)
	require.Equal(t, now, media.ArchivedAt)
}

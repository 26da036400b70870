package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-archiver/internal/archive"
	"github.com/JakeFAU/media-archiver/internal/layout"
)

func TestArchiveImageTiledRenamesToBaseName(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.tiled.write = []string{"{base}-tiles.jpg"}
	h.tiled.report = true

	res, err := h.worker.ArchiveImage(context.Background(), archive.ImageRequest{
		ImageURL:    "https://museum.example/iiif/42/info.json",
		Mode:        archive.SaveModeFull,
		Title:       "Night",
		Author:      "Van Gogh",
		Description: "Oil on\ncanvas",
		Tags:        []string{"art"},
	})
	require.NoError(t, err)

	want := filepath.Join(h.bucket, "2025-03-07-0905-web-van-gogh-night.jpg")
	assert.Equal(t, want, res.FilePath)
	assert.Equal(t, "dezoomify", res.Downloader)
	assert.FileExists(t, want)
	assert.NoFileExists(t, filepath.Join(h.bucket, "2025-03-07-0905-web-van-gogh-night-tiles.jpg"))
	require.Equal(t, 1, h.tiled.callCount())
	assert.Empty(t, h.tiled.calls[0].Cookies)

	front, err := layout.ReadFrontmatter(res.SidecarPath)
	require.NoError(t, err)
	assert.Equal(t, "https://museum.example/iiif/42/info.json", front["source"])
	assert.Equal(t, "Night", front["title"])
	assert.Equal(t, "Van Gogh", front["author"])
	assert.Equal(t, "Oil on canvas", front["description"])
	assert.Equal(t, "web", front["platform"])
	assert.Zero(t, h.mediaCount(t), "no media record for single images")
}

func TestArchiveImageFlickrUsesPageURL(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.gallery.write = []string{"{base}-1.jpg"}
	h.gallery.report = true

	res, err := h.worker.ArchiveImage(context.Background(), archive.ImageRequest{
		ImageURL: "https://live.staticflickr.com/65535/1_o.jpg",
		PageURL:  "https://www.flickr.com/photos/ann/1",
		Cookies:  map[string]string{"sid": "s1"},
		Mode:     archive.SaveModeQuick,
		Platform: "flickr",
		Title:    "Dusk",
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(h.bucket, "2025-03-07-0905-flickr-dusk.jpg"), res.FilePath)
	assert.Equal(t, "gallery-dl", res.Downloader)
	assert.Empty(t, res.SidecarPath)
	assert.NoFileExists(t, filepath.Join(h.bucket, "2025-03-07-0905-flickr-dusk.md"))
	require.Equal(t, 1, h.gallery.callCount())
	assert.Equal(t, "https://www.flickr.com/photos/ann/1", h.gallery.calls[0].URL)
	assert.Equal(t, map[string]string{"sid": "s1"}, h.gallery.calls[0].Cookies)
}

func TestArchiveImageHandlerFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.tiled.err = errors.New("no tiles found")

	_, err := h.worker.ArchiveImage(context.Background(), archive.ImageRequest{
		ImageURL: "https://museum.example/iiif/7/info.json",
	})
	require.ErrorContains(t, err, "dezoomify failed: no tiles found")
}

func TestArchiveImageDirectFetch(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	res, err := h.worker.ArchiveImage(context.Background(), archive.ImageRequest{
		ImageURL: "https://cdn.example.com/pic.png",
		PageURL:  "https://blog.example.com/post",
		Mode:     archive.SaveModeFull,
		Title:    "Chart",
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(h.bucket, "2025-03-07-0905-web-chart.png"), res.FilePath)
	assert.Equal(t, downloaderDirect, res.Downloader)
	body, err := os.ReadFile(res.FilePath)
	require.NoError(t, err)
	assert.Equal(t, "img:https://cdn.example.com/pic.png", string(body))
	require.Len(t, h.fetcher.seen, 1)
	assert.Equal(t, "https://blog.example.com/post", h.fetcher.seen[0].Get("Referer"))
	assert.FileExists(t, filepath.Join(h.bucket, "2025-03-07-0905-web-chart.md"))
	assert.Zero(t, h.general.callCount())
}

func TestArchiveImageDirectErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fetcher.fail["https://cdn.example.com/gone.jpg"] = errors.New("status 404")
	_, err := h.worker.ArchiveImage(context.Background(), archive.ImageRequest{ImageURL: "https://cdn.example.com/gone.jpg"})
	require.ErrorContains(t, err, "status 404")

	noFetch := New(Deps{
		Router: h.worker.deps.Router,
		Layout: h.layout,
		Clock:  fakeClock{now: testNow},
	}, Config{}, zap.NewNop())
	_, err = noFetch.ArchiveImage(context.Background(), archive.ImageRequest{ImageURL: "https://cdn.example.com/a.jpg"})
	require.ErrorIs(t, err, ErrNoFetcher)
}

func TestImageExtension(t *testing.T) {
	t.Parallel()

	cases := []struct {
		contentType, url, want string
	}{
		{"image/webp", "https://a/x", ".webp"},
		{"image/jpeg", "https://a/x.png", ".jpg"},
		{"application/octet-stream", "https://a/x.GIF?size=l", ".gif"},
		{"", "https://a/photo", ".jpg"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, imageExtension(tc.contentType, tc.url), tc.url)
	}
}

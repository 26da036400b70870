package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/media-archiver/internal/archive"
	"github.com/JakeFAU/media-archiver/internal/downloader"
	"github.com/JakeFAU/media-archiver/internal/layout"
	pubmem "github.com/JakeFAU/media-archiver/internal/publisher/memory"
	"github.com/JakeFAU/media-archiver/internal/storage/memory"
)

var testNow = time.Date(2025, 3, 7, 9, 5, 0, 0, time.UTC)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fakeHasher struct{}

func (fakeHasher) HashFile(path string) (string, error) { return "sha-" + filepath.Base(path), nil }

// fakeHandler writes the named files into the output dir, then returns
// result and err as configured.
type fakeHandler struct {
	name    string
	kind    archive.HandlerKind
	pattern string
	write   []string
	report  bool
	err     error
	panics  bool
	meta    archive.Metadata

	mu    sync.Mutex
	calls []archive.DownloadRequest
}

func (h *fakeHandler) Name() string              { return h.name }
func (h *fakeHandler) Kind() archive.HandlerKind { return h.kind }
func (h *fakeHandler) Matches(u string) bool {
	return h.pattern == "*" || (h.pattern != "" && strings.Contains(u, h.pattern))
}

func (h *fakeHandler) Download(_ context.Context, req archive.DownloadRequest) (archive.DownloadResult, error) {
	h.mu.Lock()
	h.calls = append(h.calls, req)
	h.mu.Unlock()
	if h.panics {
		panic("tool wrapper bug")
	}
	var files []string
	for _, name := range h.write {
		name = strings.ReplaceAll(name, "{base}", req.BaseName)
		p := filepath.Join(req.OutputDir, name)
		if err := os.WriteFile(p, []byte("media-bytes"), 0o600); err != nil {
			return archive.DownloadResult{}, err
		}
		files = append(files, p)
	}
	res := archive.DownloadResult{Metadata: h.meta}
	if h.report && len(files) > 0 {
		res.FilePath = files[0]
		res.Files = files
	}
	return res, h.err
}

func (h *fakeHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

type fakeFetcher struct {
	fail map[string]error
	mu   sync.Mutex
	seen []http.Header
}

func (f *fakeFetcher) FetchImage(_ context.Context, url string, headers http.Header, _ map[string]string) (archive.Image, error) {
	f.mu.Lock()
	f.seen = append(f.seen, headers)
	f.mu.Unlock()
	if err := f.fail[url]; err != nil {
		return archive.Image{}, err
	}
	ct := "image/jpeg"
	if strings.HasSuffix(url, ".png") {
		ct = "image/png"
	}
	return archive.Image{Body: []byte("img:" + url), ContentType: ct}, nil
}

type harness struct {
	store   *memory.Store
	layout  *layout.Layout
	mirror  *memory.BlobStore
	pub     *pubmem.Publisher
	tiled   *fakeHandler
	gallery *fakeHandler
	general *fakeHandler
	fetcher *fakeFetcher
	worker  *Worker
	bucket  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	lay, err := layout.New(layout.Config{Root: t.TempDir()})
	require.NoError(t, err)

	h := &harness{
		store:   memory.NewStore(),
		layout:  lay,
		mirror:  memory.NewBlobStore(),
		pub:     pubmem.New(),
		tiled:   &fakeHandler{name: "dezoomify", kind: archive.KindTiled, pattern: "/iiif/"},
		gallery: &fakeHandler{name: "gallery-dl", kind: archive.KindGallery, pattern: "flickr.com"},
		general: &fakeHandler{name: "yt-dlp", kind: archive.KindGeneral, pattern: "*"},
		fetcher: &fakeFetcher{fail: map[string]error{}},
		bucket:  filepath.Join(lay.Root(), "2025-03"),
	}
	router, err := downloader.NewRouter(zap.NewNop(), h.general, h.gallery, h.tiled)
	require.NoError(t, err)

	h.worker = New(Deps{
		Store:     h.store,
		Router:    router,
		Layout:    lay,
		Hasher:    fakeHasher{},
		Clock:     fakeClock{now: testNow},
		Fetcher:   h.fetcher,
		Mirror:    h.mirror,
		Publisher: h.pub,
	}, Config{Topic: "archive-events", MirrorPrefix: "mirror"}, zap.NewNop())
	return h
}

func (h *harness) run(t *testing.T, id string, req archive.Request) archive.Job {
	t.Helper()
	ctx := context.Background()
	rec := archive.Job{ID: id, URL: req.URL, PageTitle: req.PageTitle, CreatedAt: testNow}
	require.NoError(t, h.store.CreateJob(ctx, rec))
	h.worker.Process(ctx, rec, req)
	job, err := h.store.GetJob(ctx, id)
	require.NoError(t, err)
	return job
}

func (h *harness) mediaCount(t *testing.T) int {
	t.Helper()
	files, err := h.store.SearchMedia(context.Background(), "", 0)
	require.NoError(t, err)
	return len(files)
}

func TestTiledHandlerFailureFailsJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.tiled.err = errors.New("dezoomify-rs: exit status 1: unable to fetch tiles")

	job := h.run(t, "job-a", archive.Request{URL: "https://example.org/iiif/x/info.json", Mode: archive.SaveModeFull})

	require.Equal(t, 1, h.tiled.callCount())
	require.Zero(t, h.general.callCount())
	require.Equal(t, archive.JobStatusFailed, job.Status)
	require.Equal(t, "dezoomify-rs: exit status 1: unable to fetch tiles", job.Error)
	require.Empty(t, job.FilePath)
	require.NotNil(t, job.CompletedAt)
	require.Zero(t, h.mediaCount(t))

	msgs := h.pub.Messages()
	require.Len(t, msgs, 1)
	event := msgs[0].Payload.(archive.Event)
	require.Equal(t, archive.JobStatusFailed, event.Status)
}

func TestTextModeSkipsHandlers(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	job := h.run(t, "job-b", archive.Request{
		URL:       "https://www.youtube.com/watch?v=abc",
		PageTitle: "A Video",
		Mode:      archive.SaveModeText,
		Snapshot:  []byte("png-bytes"),
	})

	require.Zero(t, h.tiled.callCount()+h.gallery.callCount()+h.general.callCount())
	require.Equal(t, archive.JobStatusCompleted, job.Status)
	require.Equal(t, filepath.Join(h.bucket, "2025-03-07-0905-youtube-a-video.context.png"), job.FilePath)
	require.Equal(t, "text", job.Metadata.String(archive.MetaSaveMode))
	require.Equal(t, "youtube", job.Metadata.String(archive.MetaPlatform))
	require.Equal(t, int64(len("png-bytes")), job.FileSize)
	require.Equal(t, "sha-2025-03-07-0905-youtube-a-video.context.png", job.FileHash)
	require.FileExists(t, filepath.Join(h.bucket, "2025-03-07-0905-youtube-a-video.json"))

	index, err := os.ReadFile(filepath.Join(h.bucket, "index.md"))
	require.NoError(t, err)
	require.Contains(t, string(index), "- **09:05** [youtube](https://www.youtube.com/watch?v=abc) - A Video\n")
	require.NotContains(t, string(index), "`")
}

func TestTextModeWithoutSnapshotUsesJSON(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	job := h.run(t, "job-b2", archive.Request{URL: "https://example.com/article", Mode: archive.SaveModeText})
	require.Equal(t, archive.JobStatusCompleted, job.Status)
	require.Equal(t, ".json", filepath.Ext(job.FilePath))
	require.Equal(t, "Untitled", job.Metadata.Title())
}

func TestImagePostFetchedDirectly(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fetcher.fail["https://pbs.twimg.com/media/2.jpg"] = errors.New("404 Not Found")

	job := h.run(t, "job-c", archive.Request{
		URL:       "https://x.com/someone/status/123",
		PageTitle: "Post",
		Mode:      archive.SaveModeFull,
		Snapshot:  []byte("png"),
		Options: archive.Options{
			"emotionTag": "awe",
			"tweetContent": map[string]any{
				"imageUrls": []any{
					"https://pbs.twimg.com/media/1.jpg",
					"https://pbs.twimg.com/media/2.jpg",
					"https://pbs.twimg.com/media/3.png",
				},
				"hasVideo": false,
				"userName": "Someone\n@someone",
				"text":     "three pictures",
			},
		},
	})

	require.Zero(t, h.general.callCount()+h.gallery.callCount())
	require.Equal(t, archive.JobStatusCompleted, job.Status)
	require.Equal(t, 2, job.Metadata[archive.MetaFileCount])
	require.Equal(t, "direct-http", job.Metadata.String(archive.MetaDownloader))
	base := "2025-03-07-0905-twitter-post"
	require.Equal(t, []string{base + "-1.jpg", base + "-3.png"}, job.Metadata[archive.MetaFiles])
	require.Equal(t, filepath.Join(h.bucket, base+"-1.jpg"), job.FilePath)
	require.NoFileExists(t, filepath.Join(h.bucket, base+"-2.jpg"))
	require.Equal(t, "Someone", job.Metadata.Author())
	require.Equal(t, "https://x.com/", h.fetcher.seen[0].Get("Referer"))

	front, err := layout.ReadFrontmatter(filepath.Join(h.bucket, base+".md"))
	require.NoError(t, err)
	require.Equal(t, 2, front["media_count"])
	require.Equal(t, "123", front["tweet_id"])
	require.Equal(t, []any{"awe"}, front["tags"])
	require.FileExists(t, filepath.Join(h.bucket, base+".context.png"))

	_, ok := h.mirror.Object("mirror/2025-03/job-c/" + base + "-3.png")
	require.True(t, ok)
}

func TestImagePostAllFetchesFail(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fetcher.fail["https://pbs.twimg.com/media/1.jpg"] = errors.New("timeout")

	job := h.run(t, "job-c2", archive.Request{
		URL:     "https://twitter.com/someone/status/5",
		Options: archive.Options{"tweetContent": map[string]any{"imageUrls": []any{"https://pbs.twimg.com/media/1.jpg"}}},
	})
	require.Equal(t, archive.JobStatusFailed, job.Status)
	require.Contains(t, job.Error, "failed to download any of 1 images")
}

func TestVideoPostUsesHandler(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.general.write = []string{"{base}.mp4"}
	h.general.report = true

	job := h.run(t, "job-v", archive.Request{
		URL: "https://x.com/someone/status/9",
		Options: archive.Options{"tweetContent": map[string]any{
			"imageUrls": []any{"https://pbs.twimg.com/media/thumb.jpg"},
			"hasVideo":  true,
		}},
	})
	require.Equal(t, 1, h.general.callCount())
	require.Equal(t, archive.JobStatusCompleted, job.Status)
	require.Equal(t, "yt-dlp", job.Metadata.String(archive.MetaDownloader))
}

func TestHandlerFailureRecoversMediaOnDisk(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.general.write = []string{"partial-clip.mp4"}
	h.general.err = errors.New("ERROR: Postprocessing: ffmpeg not found")

	job := h.run(t, "job-d", archive.Request{URL: "https://vimeo.com/42", PageTitle: "Clip", Mode: archive.SaveModeQuick})

	require.Equal(t, archive.JobStatusCompleted, job.Status)
	require.Empty(t, job.Error)
	require.Equal(t, filepath.Join(h.bucket, "partial-clip.mp4"), job.FilePath)
	require.True(t, job.Metadata.Bool(archive.MetaDegraded))
	require.Equal(t, "ERROR: Postprocessing: ffmpeg not found", job.Metadata.String(archive.MetaErrorNote))
	require.Equal(t, "partial-clip", job.Metadata.Title())
	require.Equal(t, 1, h.mediaCount(t))
	require.NoFileExists(t, filepath.Join(h.bucket, "partial-clip.md"), "quick mode writes no sidecar")
}

func TestDegradedHandlerSuccessCountsAsRecovered(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.gallery.write = []string{"{base}-1.jpg"}
	h.gallery.report = true
	h.gallery.meta = archive.Metadata{
		archive.MetaDegraded:  true,
		archive.MetaErrorNote: "exit status 1: HTTP 429",
	}

	req := archive.Request{URL: "https://www.flickr.com/photos/a/1", Mode: archive.SaveModeQuick}
	rec := archive.Job{ID: "job-429", URL: req.URL, CreatedAt: testNow}
	j, err := h.worker.prepare(rec, req)
	require.NoError(t, err)
	out, err := h.worker.routed(context.Background(), j, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, PathRecovered, out.path)

	job := h.run(t, "job-429b", req)
	require.Equal(t, archive.JobStatusCompleted, job.Status)
	require.True(t, job.Metadata.Bool(archive.MetaDegraded))
	require.Equal(t, "exit status 1: HTTP 429", job.Metadata.String(archive.MetaErrorNote))
	require.Equal(t, "gallery-dl", job.Metadata.String(archive.MetaDownloader))
}

// statusFailStore refuses every status change.
type statusFailStore struct {
	*memory.Store
}

func (statusFailStore) SetStatus(context.Context, string, archive.JobStatus) error {
	return errors.New("connection reset")
}

func TestStatusWriteFailureLeavesJobPending(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	core, logs := observer.New(zap.WarnLevel)
	store := statusFailStore{Store: h.store}
	w := New(Deps{
		Store:  store,
		Router: h.worker.deps.Router,
		Layout: h.layout,
		Hasher: fakeHasher{},
		Clock:  fakeClock{now: testNow},
	}, Config{}, zap.New(core))

	ctx := context.Background()
	rec := archive.Job{ID: "job-stuck", URL: "https://vimeo.com/7", CreatedAt: testNow}
	require.NoError(t, h.store.CreateJob(ctx, rec))
	w.Process(ctx, rec, archive.Request{URL: rec.URL})

	job, err := h.store.GetJob(ctx, "job-stuck")
	require.NoError(t, err)
	require.Equal(t, archive.JobStatusPending, job.Status)
	require.Zero(t, h.general.callCount())
	require.Equal(t, 1, logs.FilterMessageSnippet("job left pending").Len())
}

func TestFullModeWritesSidecarAndSnapshot(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.general.write = []string{"{base}.mp4"}
	h.general.report = true
	h.general.meta = archive.Metadata{archive.MetaTitle: "Real Title", archive.MetaUploader: "Chan", archive.MetaDuration: 61.5}

	job := h.run(t, "job-full", archive.Request{
		URL:       "https://www.youtube.com/watch?v=zz",
		PageTitle: "Tab Title",
		Mode:      archive.SaveModeFull,
		Snapshot:  []byte("png"),
	})

	stem := "2025-03-07-0905-youtube-tab-title"
	require.Equal(t, archive.JobStatusCompleted, job.Status)
	require.Equal(t, filepath.Join(h.bucket, stem+".mp4"), job.FilePath)
	require.Equal(t, "Real Title", job.Metadata.Title())
	require.FileExists(t, filepath.Join(h.bucket, stem+".context.png"))

	front, err := layout.ReadFrontmatter(filepath.Join(h.bucket, stem+".md"))
	require.NoError(t, err)
	require.Equal(t, "Chan", front["author"])
	require.Equal(t, "yt-dlp", front["handler"])

	media, err := h.store.SearchMedia(context.Background(), "real title", 10)
	require.NoError(t, err)
	require.Len(t, media, 1)
	require.Equal(t, archive.MediaTypeVideo, media[0].MediaType)
	require.InDelta(t, 61.5, *media[0].Duration, 0.01)

	index, err := os.ReadFile(filepath.Join(h.bucket, "index.md"))
	require.NoError(t, err)
	require.Contains(t, string(index), "Real Title\n  - `"+stem+".mp4`")

	msgs := h.pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "archive-events", msgs[0].Topic)
	require.Equal(t, archive.JobStatusCompleted, msgs[0].Payload.(archive.Event).Status)
}

func TestGalleryTwitterWritesPostSidecar(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.gallery.pattern = "x.com"
	h.gallery.write = []string{"{base}-1.jpg", "{base}-2.jpg"}
	h.gallery.report = true

	job := h.run(t, "job-g", archive.Request{URL: "https://x.com/a/status/77", PageTitle: "thread", Mode: archive.SaveModeFull})
	require.Equal(t, archive.JobStatusCompleted, job.Status)
	require.Equal(t, "gallery-dl", job.Metadata.String(archive.MetaDownloader))

	front, err := layout.ReadFrontmatter(filepath.Join(h.bucket, "2025-03-07-0905-twitter-thread.md"))
	require.NoError(t, err)
	require.Equal(t, 2, front["media_count"])
	require.Equal(t, "77", front["tweet_id"])
}

func TestNoMediaFallsBackToSnapshot(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.general.err = errors.New("Unsupported URL")

	job := h.run(t, "job-f", archive.Request{URL: "https://example.com/page", PageTitle: "Page", Snapshot: []byte("png")})

	require.Equal(t, archive.JobStatusCompleted, job.Status)
	require.Equal(t, filepath.Join(h.bucket, "2025-03-07-0905-example-page.context.png"), job.FilePath)
	require.True(t, job.Metadata.Bool(archive.MetaFallback))
	require.Equal(t, "no_media_found", job.Metadata.String(archive.MetaReason))
	require.Equal(t, "Unsupported URL", job.Metadata.String("handler_error"))
	require.FileExists(t, filepath.Join(h.bucket, "2025-03-07-0905-example-page.json"))
}

func TestNoMediaNoSnapshotFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	job := h.run(t, "job-n", archive.Request{URL: "https://example.com/empty"})

	require.Equal(t, archive.JobStatusFailed, job.Status)
	require.Equal(t, "download failed and no snapshot available", job.Error)
}

type fakeSnapshotter struct{ calls int }

func (s *fakeSnapshotter) Capture(context.Context, string) ([]byte, error) {
	s.calls++
	return []byte("captured"), nil
}

func TestFallbackCapturesSnapshotWhenMissing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	snap := &fakeSnapshotter{}
	h.worker.deps.Snapshotter = snap

	job := h.run(t, "job-cap", archive.Request{URL: "https://example.com/empty"})
	require.Equal(t, archive.JobStatusCompleted, job.Status)
	require.Equal(t, 1, snap.calls)
	body, err := os.ReadFile(job.FilePath)
	require.NoError(t, err)
	require.Equal(t, "captured", string(body))
}

func TestPanicMarksJobFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.general.panics = true

	job := h.run(t, "job-p", archive.Request{URL: "https://example.com/boom"})
	require.Equal(t, archive.JobStatusFailed, job.Status)
	require.Contains(t, job.Error, "tool wrapper bug")
}

func TestProcessRejectsNonPendingJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.general.write = []string{"{base}.mp4"}
	h.general.report = true
	first := h.run(t, "job-twice", archive.Request{URL: "https://example.com/v"})
	require.Equal(t, archive.JobStatusCompleted, first.Status)

	h.worker.Process(context.Background(), first, archive.Request{URL: "https://example.com/v"})
	again, err := h.store.GetJob(context.Background(), "job-twice")
	require.NoError(t, err)
	require.Equal(t, first.FilePath, again.FilePath)
	require.Equal(t, 1, h.general.callCount())
}

func TestExtensionFor(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"image/jpeg":               ".jpg",
		"image/png":                ".png",
		"image/gif":                ".gif",
		"image/webp":               ".webp",
		"application/octet-stream": ".jpg",
		"":                         ".jpg",
	}
	for ct, want := range cases {
		require.Equal(t, want, ExtensionFor(ct), fmt.Sprintf("content type %q", ct))
	}
}

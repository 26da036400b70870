// Package worker runs one archive job from admission to a terminal state.
package worker

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-archiver/internal/archive"
	"github.com/JakeFAU/media-archiver/internal/downloader/gallerydl"
	"github.com/JakeFAU/media-archiver/internal/downloader/toolexec"
	"github.com/JakeFAU/media-archiver/internal/layout"
	"github.com/JakeFAU/media-archiver/internal/metrics"
)

// Dispatch paths reported in metrics and logs.
const (
	PathText      = "text"
	PathDirect    = "direct"
	PathHandler   = "handler"
	PathRecovered = "recovered"
	PathFallback  = "fallback"
	PathPanic     = "panic"
)

const (
	downloaderDirect = "direct-http"
	reasonNoMedia    = "no_media_found"
	errNoSnapshot    = "download failed and no snapshot available"
)

// Selector picks the handler for a URL.
type Selector interface {
	Select(url string) archive.Handler
}

// Config controls Worker behavior.
type Config struct {
	// Referer is sent with direct image fetches.
	Referer string
	// MirrorPrefix is prepended to object paths uploaded to the mirror.
	MirrorPrefix string
	// Topic receives terminal job events. Empty disables publishing.
	Topic string
}

// Deps are the collaborators of a Worker. Fetcher, Snapshotter, Mirror and
// Publisher are optional.
type Deps struct {
	Store       archive.Store
	Router      Selector
	Layout      *layout.Layout
	Hasher      archive.Hasher
	Clock       archive.Clock
	Fetcher     archive.ImageFetcher
	Snapshotter archive.Snapshotter
	Mirror      archive.BlobStore
	Publisher   archive.Publisher
}

// Worker executes the archive state machine for individual jobs.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Referer == "" {
		cfg.Referer = "https://x.com/"
	}
	metrics.Init()
	return &Worker{deps: deps, cfg: cfg, logger: logger}
}

// outcome is a successful dispatch before it is written to the store.
type outcome struct {
	path     string
	dir      string
	filePath string
	files    []string
	meta     archive.Metadata
	media    bool
}

// job carries the per-run values shared by every dispatch branch.
type job struct {
	archive.Job
	req      archive.Request
	now      time.Time
	dir      string
	base     string
	platform string
	title    string
	mode     archive.SaveMode
	snapshot []byte
	captured bool
}

// Process drives job through downloading to completed or failed. It never
// returns early leaving the record in downloading, and recovers panics.
func (w *Worker) Process(ctx context.Context, rec archive.Job, req archive.Request) {
	metrics.IncInFlight()
	defer metrics.DecInFlight()

	logger := w.logger.With(zap.String("job_id", rec.ID), zap.String("url", req.URL))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", zap.Any("panic", r))
			w.fail(ctx, rec, fmt.Errorf("internal error: %v", r), PathPanic, logger)
		}
	}()

	if err := w.deps.Store.SetStatus(ctx, rec.ID, archive.JobStatusDownloading); err != nil {
		if errors.Is(err, archive.ErrTerminalState) || errors.Is(err, archive.ErrInvalidTransition) {
			logger.Warn("job already started, skipping", zap.Error(err))
			return
		}
		logger.Error("job left pending: could not mark downloading", zap.Error(err))
		metrics.ObserveJobStuck(string(archive.JobStatusPending), "store_error")
		return
	}

	j, err := w.prepare(rec, req)
	if err != nil {
		w.fail(ctx, rec, err, PathHandler, logger)
		return
	}

	var out outcome
	switch {
	case j.mode == archive.SaveModeText:
		out, err = w.textOnly(ctx, j, logger)
	case j.platform == "twitter" && req.Options.Post().ImageOnly() && w.deps.Fetcher != nil:
		out, err = w.direct(ctx, j, logger)
	default:
		out, err = w.routed(ctx, j, logger)
	}
	if err != nil {
		branch := out.path
		if branch == "" {
			branch = PathHandler
		}
		w.fail(ctx, rec, err, branch, logger)
		return
	}
	w.complete(ctx, j, out, logger)
}

func (w *Worker) prepare(rec archive.Job, req archive.Request) (*job, error) {
	now := w.deps.Clock.Now()
	dir, err := w.deps.Layout.DatedBucketPath(now)
	if err != nil {
		return nil, err
	}
	platform := layout.DetectPlatform(req.URL)
	title := firstNonEmpty(req.PageTitle, rec.PageTitle, "Untitled")
	mode := req.Mode
	if mode == "" {
		mode = archive.SaveModeFull
	}
	return &job{
		Job:      rec,
		req:      req,
		now:      now,
		dir:      dir,
		base:     layout.BaseName(platform, title, now),
		platform: platform,
		title:    title,
		mode:     mode,
		snapshot: req.Snapshot,
	}, nil
}

// baseMetadata is what every successful job records about its request.
func (j *job) baseMetadata() archive.Metadata {
	stamp := j.req.Timestamp
	if stamp.IsZero() {
		stamp = j.now
	}
	return archive.Metadata{
		archive.MetaOriginalURL: j.req.URL,
		archive.MetaDownloaded:  stamp.Format(time.RFC3339),
		archive.MetaSaveMode:    string(j.mode),
		archive.MetaTitle:       j.title,
		archive.MetaPlatform:    j.platform,
	}
}

// contextSnapshot returns the supplied snapshot, capturing one with the
// optional Snapshotter when none was supplied. Capture happens at most once.
func (w *Worker) contextSnapshot(ctx context.Context, j *job, logger *zap.Logger) []byte {
	if len(j.snapshot) > 0 || j.captured || w.deps.Snapshotter == nil {
		return j.snapshot
	}
	j.captured = true
	png, err := w.deps.Snapshotter.Capture(ctx, j.req.URL)
	if err != nil {
		logger.Warn("capture context snapshot", zap.Error(err))
		return nil
	}
	j.snapshot = png
	return png
}

func (w *Worker) textOnly(ctx context.Context, j *job, logger *zap.Logger) (outcome, error) {
	out := outcome{path: PathText, dir: j.dir, meta: j.baseMetadata()}
	if png := w.contextSnapshot(ctx, j, logger); len(png) > 0 {
		p, err := w.deps.Layout.WriteSnapshot(j.dir, j.base, png)
		if err != nil {
			return out, err
		}
		out.filePath = p
	}
	jsonPath, err := layout.WriteJSON(j.dir, j.base, out.meta)
	if err != nil {
		return out, err
	}
	if out.filePath == "" {
		out.filePath = jsonPath
	}
	logger.Info("text-only save complete", zap.String("file", out.filePath))
	return out, nil
}

func (w *Worker) direct(ctx context.Context, j *job, logger *zap.Logger) (outcome, error) {
	out := outcome{path: PathDirect, dir: j.dir, media: true}
	post := j.req.Options.Post()
	headers := http.Header{}
	headers.Set("Referer", w.cfg.Referer)

	logger.Info("fetching post images directly", zap.Int("images", len(post.ImageURLs)))
	for i, u := range post.ImageURLs {
		img, err := w.deps.Fetcher.FetchImage(ctx, u, headers, j.req.Cookies)
		if err != nil {
			metrics.ObserveDirectFetch("error")
			logger.Warn("direct image fetch failed", zap.String("image_url", u), zap.Error(err))
			continue
		}
		name := j.base
		if len(post.ImageURLs) > 1 {
			name = fmt.Sprintf("%s-%d", j.base, i+1)
		}
		p := filepath.Join(j.dir, name+ExtensionFor(img.ContentType))
		if err := os.WriteFile(p, img.Body, 0o644); err != nil {
			metrics.ObserveDirectFetch("error")
			logger.Warn("write fetched image", zap.String("image_url", u), zap.Error(err))
			continue
		}
		metrics.ObserveDirectFetch("ok")
		out.files = append(out.files, p)
	}
	if len(out.files) == 0 {
		return out, fmt.Errorf("failed to download any of %d images", len(post.ImageURLs))
	}

	names := make([]string, len(out.files))
	for i, f := range out.files {
		names[i] = filepath.Base(f)
	}
	out.filePath = out.files[0]
	out.meta = j.baseMetadata().Merge(archive.Metadata{
		archive.MetaDownloader: downloaderDirect,
		archive.MetaFileCount:  len(out.files),
		"media_count":          len(out.files),
		archive.MetaFiles:      names,
	})
	if post.UserName != "" {
		out.meta[archive.MetaAuthor] = post.UserName
	}
	if tag := firstNonEmpty(j.req.Options.EmotionTag(), post.Emotion); tag != "" {
		out.meta[archive.MetaTags] = []string{tag}
	}

	if j.mode == archive.SaveModeFull {
		if len(j.snapshot) > 0 {
			if _, err := w.deps.Layout.WriteSnapshot(j.dir, j.base, j.snapshot); err != nil {
				logger.Warn("write context snapshot", zap.Error(err))
			}
		}
		if _, err := layout.WritePostSidecar(j.dir, j.base, out.files, post, j.req.URL, j.req.Options.EmotionTag(), j.now); err != nil {
			logger.Warn("write post sidecar", zap.Error(err))
		}
	}
	logger.Info("direct image download complete", zap.Int("files", len(out.files)))
	return out, nil
}

func (w *Worker) routed(ctx context.Context, j *job, logger *zap.Logger) (outcome, error) {
	handler := w.deps.Router.Select(j.req.URL)
	logger = logger.With(zap.String("handler", handler.Name()))

	before, err := toolexec.Snapshot(j.dir)
	if err != nil {
		logger.Warn("snapshot output dir", zap.Error(err))
		before = toolexec.DirSnapshot{}
	}

	start := time.Now()
	res, herr := handler.Download(ctx, archive.DownloadRequest{
		URL:       j.req.URL,
		Cookies:   j.req.Cookies,
		OutputDir: j.dir,
		BaseName:  j.base,
		Options:   j.req.Options,
	})
	result := "ok"

	out := outcome{path: PathHandler, dir: j.dir, media: true}
	switch {
	case herr == nil && res.FilePath != "" && fileExists(res.FilePath):
		out.filePath = res.FilePath
		out.files = res.Files
		if res.Metadata.Bool(archive.MetaDegraded) {
			out.path = PathRecovered
			result = "degraded"
			logger.Warn("handler kept partial output",
				zap.String("file", res.FilePath),
				zap.String("reason", res.Metadata.String(archive.MetaErrorNote)))
		}
	default:
		note := "handler reported no file"
		result = "empty"
		if herr != nil {
			note = herr.Error()
			result = "error"
		}
		files, derr := toolexec.NewMedia(j.dir, before)
		if derr != nil {
			logger.Warn("scan output dir", zap.Error(derr))
		}
		if len(files) == 0 {
			metrics.ObserveHandler(handler.Name(), result, time.Since(start))
			logger.Warn("handler produced no media", zap.String("reason", note))
			return w.fallback(ctx, j, handler, herr, logger)
		}
		out.path = PathRecovered
		out.filePath = files[0]
		out.files = files
		res.Metadata = res.Metadata.Merge(archive.Metadata{
			archive.MetaDegraded:  true,
			archive.MetaErrorNote: note,
			archive.MetaTitle:     layout.Stem(files[0]),
		})
		logger.Warn("recovered media despite handler failure", zap.String("file", files[0]), zap.String("reason", note))
	}
	metrics.ObserveHandler(handler.Name(), result, time.Since(start))

	if len(out.files) == 0 {
		out.files = []string{out.filePath}
	}
	out.meta = j.baseMetadata()
	out.meta[archive.MetaDownloader] = handler.Name()
	out.meta = out.meta.Merge(res.Metadata)

	if j.mode == archive.SaveModeFull {
		stem := layout.Stem(out.filePath)
		if len(j.snapshot) > 0 {
			if _, err := w.deps.Layout.WriteSnapshot(j.dir, stem, j.snapshot); err != nil {
				logger.Warn("write context snapshot", zap.Error(err))
			}
		}
		if j.platform == "twitter" && handler.Name() == gallerydl.Name {
			post := j.req.Options.Post()
			if _, err := layout.WritePostSidecar(j.dir, trailingIndex.ReplaceAllString(stem, ""), out.files, post, j.req.URL, j.req.Options.EmotionTag(), j.now); err != nil {
				logger.Warn("write post sidecar", zap.Error(err))
			}
		} else if _, err := layout.WriteSidecar(out.filePath, out.meta, j.now); err != nil {
			logger.Warn("write sidecar", zap.Error(err))
		}
	}
	logger.Info("download complete", zap.String("file", out.filePath), zap.String("path", out.path))
	return out, nil
}

var trailingIndex = regexp.MustCompile(`-\d+$`)

// fallback keeps the context snapshot as the job result when the handler
// produced nothing.
func (w *Worker) fallback(ctx context.Context, j *job, handler archive.Handler, herr error, logger *zap.Logger) (outcome, error) {
	out := outcome{path: PathFallback, dir: j.dir}
	png := w.contextSnapshot(ctx, j, logger)
	if len(png) == 0 {
		if herr != nil {
			return out, herr
		}
		return out, errors.New(errNoSnapshot)
	}

	p, err := w.deps.Layout.WriteSnapshot(j.dir, j.base, png)
	if err != nil {
		return out, err
	}
	out.filePath = p
	out.meta = j.baseMetadata().Merge(archive.Metadata{
		archive.MetaFallback: true,
		archive.MetaReason:   reasonNoMedia,
		"handler":            handler.Name(),
	})
	if herr != nil {
		out.meta["handler_error"] = herr.Error()
	}
	if _, err := layout.WriteJSON(j.dir, j.base, out.meta); err != nil {
		logger.Warn("write fallback metadata", zap.Error(err))
	}
	logger.Info("fallback save complete", zap.String("file", p))
	return out, nil
}

func (w *Worker) complete(ctx context.Context, j *job, out outcome, logger *zap.Logger) {
	info, err := os.Stat(out.filePath)
	if err != nil {
		w.fail(ctx, j.Job, fmt.Errorf("stat result: %w", err), out.path, logger)
		return
	}
	hash, err := w.deps.Hasher.HashFile(out.filePath)
	if err != nil {
		logger.Warn("hash result file", zap.Error(err))
	}
	completedAt := w.deps.Clock.Now()
	result := archive.Completion{
		FilePath:    out.filePath,
		FileSize:    info.Size(),
		FileHash:    hash,
		Metadata:    out.meta,
		CompletedAt: completedAt,
	}
	if err := w.deps.Store.CompleteJob(ctx, j.ID, result); err != nil {
		logger.Error("complete job", zap.Error(err))
		if !errors.Is(err, archive.ErrTerminalState) {
			w.fail(ctx, j.Job, fmt.Errorf("complete job: %w", err), out.path, logger)
		}
		return
	}
	metrics.ObserveJobFinished(string(archive.JobStatusCompleted), out.path)
	logger.Info("job completed", zap.String("file", out.filePath), zap.String("path", out.path))

	done := j.Job
	done.Status = archive.JobStatusCompleted
	done.CompletedAt = &completedAt
	done.FilePath = out.filePath
	done.FileSize = info.Size()
	done.FileHash = hash
	done.Metadata = out.meta
	done.Error = ""
	w.finalize(ctx, j, done, out, logger)
}

// finalize writes the derived records. Failures are logged and never change
// the completed job.
func (w *Worker) finalize(ctx context.Context, j *job, done archive.Job, out outcome, logger *zap.Logger) {
	if err := w.deps.Store.SaveMediaFile(ctx, archive.NewMediaFile(done, *done.CompletedAt)); err != nil {
		logger.Warn("save media file record", zap.Error(err))
	}

	entry := layout.IndexEntry{
		Date:     j.now.Format("2006-01-02"),
		Time:     j.now.Format("15:04"),
		Platform: j.platform,
		URL:      j.req.URL,
		Title:    firstNonEmpty(out.meta.Title(), j.title),
	}
	if out.media {
		entry.Filename = filepath.Base(out.filePath)
	}
	if err := w.deps.Layout.AppendIndex(out.dir, entry); err != nil {
		logger.Warn("append index", zap.Error(err))
	}

	w.mirror(ctx, done, out, logger)
	w.publish(ctx, done, logger)
}

func (w *Worker) mirror(ctx context.Context, done archive.Job, out outcome, logger *zap.Logger) {
	if w.deps.Mirror == nil {
		return
	}
	files := out.files
	if len(files) == 0 {
		files = []string{out.filePath}
	}
	for _, f := range files {
		uri, err := w.upload(ctx, done.ID, f)
		if err != nil {
			logger.Warn("mirror upload failed", zap.String("file", f), zap.Error(err))
			continue
		}
		logger.Debug("mirrored file", zap.String("file", f), zap.String("uri", uri))
	}
}

func (w *Worker) upload(ctx context.Context, jobID, file string) (string, error) {
	fh, err := os.Open(file)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", file, err)
	}
	defer func() { _ = fh.Close() }()

	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(file)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return w.deps.Mirror.PutObject(ctx, w.objectPath(jobID, file), contentType, fh)
}

func (w *Worker) objectPath(jobID, file string) string {
	name := path.Join(filepath.Base(filepath.Dir(file)), jobID, filepath.Base(file))
	prefix := strings.Trim(w.cfg.MirrorPrefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

func (w *Worker) publish(ctx context.Context, rec archive.Job, logger *zap.Logger) {
	if w.cfg.Topic == "" || w.deps.Publisher == nil {
		return
	}
	event := archive.Event{
		JobID:    rec.ID,
		URL:      rec.URL,
		Status:   rec.Status,
		FilePath: rec.FilePath,
		Error:    rec.Error,
		At:       w.deps.Clock.Now(),
	}
	if _, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, event); err != nil {
		logger.Warn("publish job event", zap.Error(err))
	}
}

func (w *Worker) fail(ctx context.Context, rec archive.Job, cause error, branch string, logger *zap.Logger) {
	errText := cause.Error()
	if err := w.deps.Store.FailJob(ctx, rec.ID, errText, w.deps.Clock.Now()); err != nil {
		logger.Error("fail job", zap.Error(err))
		return
	}
	metrics.ObserveJobFinished(string(archive.JobStatusFailed), branch)
	logger.Warn("job failed", zap.String("path", branch), zap.String("error", errText))

	rec.Status = archive.JobStatusFailed
	rec.FilePath = ""
	rec.Error = errText
	w.publish(ctx, rec, logger)
}

// ExtensionFor maps an image content type to a file extension.
func ExtensionFor(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "jpeg"), strings.Contains(ct, "jpg"):
		return ".jpg"
	case strings.Contains(ct, "png"):
		return ".png"
	case strings.Contains(ct, "gif"):
		return ".gif"
	case strings.Contains(ct, "webp"):
		return ".webp"
	default:
		return ".jpg"
	}
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

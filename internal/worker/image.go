package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-archiver/internal/archive"
	"github.com/JakeFAU/media-archiver/internal/downloader"
	"github.com/JakeFAU/media-archiver/internal/layout"
	"github.com/JakeFAU/media-archiver/internal/metrics"
)

// ErrNoFetcher is returned by ArchiveImage when a plain image needs a direct
// fetch and none is configured.
var ErrNoFetcher = errors.New("direct image fetch is not configured")

// ArchiveImage saves a single image into the current bucket and returns once
// it is on disk. Tiled images go through the tiled handler, Flickr photos
// through the gallery handler (using the page URL when known), and anything
// else is fetched directly. Full mode adds a Markdown sidecar. No job record
// is written.
func (w *Worker) ArchiveImage(ctx context.Context, req archive.ImageRequest) (archive.ImageResult, error) {
	logger := w.logger.With(zap.String("image_url", req.ImageURL), zap.String("mode", string(req.Mode)))
	now := w.deps.Clock.Now()
	dir, err := w.deps.Layout.DatedBucketPath(now)
	if err != nil {
		return archive.ImageResult{}, err
	}

	platform := firstNonEmpty(req.Platform, "web")
	title := firstNonEmpty(req.Title, "untitled")
	slugSource := title
	if req.Author != "" {
		slugSource = req.Author + "-" + title
	}
	base := layout.BaseName(platform, slugSource, now)

	var (
		filePath string
		tool     string
	)
	handler := w.deps.Router.Select(req.ImageURL)
	switch {
	case handler.Kind() == archive.KindTiled:
		tool = handler.Name()
		filePath, err = w.imageViaHandler(ctx, handler, req.ImageURL, nil, req, dir, base)
	case handler.Kind() == archive.KindGallery && strings.Contains(downloader.Host(req.ImageURL), "flickr.com"):
		tool = handler.Name()
		filePath, err = w.imageViaHandler(ctx, handler, firstNonEmpty(req.PageURL, req.ImageURL), req.Cookies, req, dir, base)
	default:
		tool = downloaderDirect
		filePath, err = w.imageDirect(ctx, req, dir, base)
	}
	if err != nil {
		logger.Warn("image archive failed", zap.String("downloader", tool), zap.Error(err))
		return archive.ImageResult{Downloader: tool}, err
	}

	res := archive.ImageResult{FilePath: filePath, Downloader: tool}
	if req.Mode != archive.SaveModeQuick {
		meta := archive.Metadata{
			archive.MetaOriginalURL: req.ImageURL,
			archive.MetaPlatform:    platform,
			archive.MetaTitle:       req.Title,
			archive.MetaAuthor:      req.Author,
			archive.MetaDescription: req.Description,
			archive.MetaDownloader:  tool,
			archive.MetaSaveMode:    string(archive.SaveModeFull),
			"page_url":              req.PageURL,
			"date_taken":            req.DateTaken,
		}
		if len(req.Tags) > 0 {
			meta[archive.MetaTags] = req.Tags
		}
		sidecar, err := layout.WriteSidecar(filePath, meta, now)
		if err != nil {
			logger.Warn("write image sidecar", zap.Error(err))
		} else {
			res.SidecarPath = sidecar
		}
	}
	logger.Info("image archived", zap.String("file", filePath), zap.String("downloader", tool))
	return res, nil
}

func (w *Worker) imageViaHandler(ctx context.Context, h archive.Handler, url string, cookies map[string]string, req archive.ImageRequest, dir, base string) (string, error) {
	start := time.Now()
	res, err := h.Download(ctx, archive.DownloadRequest{
		URL:       url,
		Cookies:   cookies,
		OutputDir: dir,
		BaseName:  base,
		Options:   req.Options,
	})
	if err == nil && (res.FilePath == "" || !fileExists(res.FilePath)) {
		err = errors.New("no file written")
	}
	if err != nil {
		metrics.ObserveHandler(h.Name(), "error", time.Since(start))
		return "", fmt.Errorf("%s failed: %w", h.Name(), err)
	}
	metrics.ObserveHandler(h.Name(), "ok", time.Since(start))

	ext := filepath.Ext(res.FilePath)
	if ext == "" {
		ext = ".jpg"
	}
	target := filepath.Join(dir, base+ext)
	if res.FilePath != target {
		if err := os.Rename(res.FilePath, target); err != nil {
			return "", fmt.Errorf("rename %s: %w", filepath.Base(res.FilePath), err)
		}
	}
	return target, nil
}

func (w *Worker) imageDirect(ctx context.Context, req archive.ImageRequest, dir, base string) (string, error) {
	if w.deps.Fetcher == nil {
		return "", ErrNoFetcher
	}
	headers := http.Header{}
	headers.Set("Referer", firstNonEmpty(req.PageURL, req.ImageURL))
	img, err := w.deps.Fetcher.FetchImage(ctx, req.ImageURL, headers, req.Cookies)
	if err != nil {
		metrics.ObserveDirectFetch("error")
		return "", fmt.Errorf("fetch image: %w", err)
	}
	target := filepath.Join(dir, base+imageExtension(img.ContentType, req.ImageURL))
	if err := os.WriteFile(target, img.Body, 0o644); err != nil {
		metrics.ObserveDirectFetch("error")
		return "", fmt.Errorf("write image: %w", err)
	}
	metrics.ObserveDirectFetch("ok")
	return target, nil
}

// imageExtension prefers the content type and falls back to the URL path.
func imageExtension(contentType, rawURL string) string {
	ct := strings.ToLower(contentType)
	for _, known := range []string{"jpeg", "jpg", "png", "gif", "webp"} {
		if strings.Contains(ct, known) {
			return ExtensionFor(ct)
		}
	}
	p, _, _ := strings.Cut(rawURL, "?")
	if ext := path.Ext(p); ext != "" && !strings.Contains(ext, "/") {
		return strings.ToLower(ext)
	}
	return ".jpg"
}

// Package gallerydl downloads image galleries and collections with gallery-dl.
package gallerydl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-archiver/internal/archive"
	"github.com/JakeFAU/media-archiver/internal/downloader"
	"github.com/JakeFAU/media-archiver/internal/downloader/toolexec"
)

// Name identifies the handler in job metadata.
const Name = "gallery-dl"

var matcher = downloader.Matcher{
	Domains: []string{
		"flickr.com",
		"pixiv.net",
		"artstation.com",
		"deviantart.com",
		"tumblr.com",
		"pinterest.com",
		"danbooru.donmai.us",
		"gelbooru.com",
		"instagram.com",
		"twitter.com",
		"x.com",
		"reddit.com",
		"imgur.com",
		"behance.net",
		"unsplash.com",
		"pexels.com",
		"500px.com",
		"weibo.com",
		"mangadex.org",
		"nhentai.net",
		"rule34.xxx",
		"safebooru.org",
	},
	Patterns: []string{
		"/gallery/",
		"/album/",
		"/collection/",
		"/portfolio/",
		"/user/",
		"/artist/",
	},
}

// Config controls the gallery-dl invocation.
type Config struct {
	Binary    string
	UserAgent string
	Retries   int
	// FlickrMaxSize caps Flickr downloads when the request sets no max width.
	FlickrMaxSize int
}

// Handler wraps the gallery-dl binary.
type Handler struct {
	cfg    Config
	path   string
	runner toolexec.Runner
	logger *zap.Logger
}

var _ archive.Handler = (*Handler)(nil)

// New resolves the binary once; when it is missing the handler claims nothing.
func New(cfg Config, runner toolexec.Runner, lookup toolexec.LookupFunc, logger *zap.Logger) *Handler {
	if cfg.Binary == "" {
		cfg.Binary = "gallery-dl"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.FlickrMaxSize <= 0 {
		cfg.FlickrMaxSize = 8000
	}
	if runner == nil {
		runner = toolexec.ExecRunner{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		cfg:    cfg,
		path:   toolexec.Resolve(lookup, cfg.Binary),
		runner: runner,
		logger: logger,
	}
}

// Name implements archive.Handler.
func (h *Handler) Name() string { return Name }

// Kind implements archive.Handler.
func (h *Handler) Kind() archive.HandlerKind { return archive.KindGallery }

// Matches claims gallery hosts and collection-like paths.
func (h *Handler) Matches(rawURL string) bool {
	return h.path != "" && matcher.Match(rawURL)
}

// Download runs gallery-dl into req.OutputDir and reports the files it added.
func (h *Handler) Download(ctx context.Context, req archive.DownloadRequest) (archive.DownloadResult, error) {
	if h.path == "" {
		return archive.DownloadResult{}, fmt.Errorf("%s is not installed", h.cfg.Binary)
	}
	before, err := toolexec.Snapshot(req.OutputDir)
	if err != nil {
		return archive.DownloadResult{}, err
	}

	workDir, err := os.MkdirTemp("", "gallery-dl-*")
	if err != nil {
		return archive.DownloadResult{}, fmt.Errorf("create work dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			h.logger.Warn("remove gallery-dl work dir", zap.Error(rmErr))
		}
	}()

	conf := h.config(req)
	if len(req.Cookies) > 0 {
		cookiePath := filepath.Join(workDir, "cookies.txt")
		if err := toolexec.WriteCookieFile(cookiePath, downloader.Host(req.URL), req.Cookies); err != nil {
			return archive.DownloadResult{}, err
		}
		conf["extractor"].(map[string]any)["cookies"] = cookiePath
	}
	confPath := filepath.Join(workDir, "gallery-dl.conf")
	data, err := json.MarshalIndent(conf, "", "  ")
	if err != nil {
		return archive.DownloadResult{}, fmt.Errorf("marshal gallery-dl config: %w", err)
	}
	if err := os.WriteFile(confPath, data, 0o600); err != nil {
		return archive.DownloadResult{}, fmt.Errorf("write gallery-dl config: %w", err)
	}

	h.logger.Info("running gallery-dl", zap.String("url", req.URL))
	_, runErr := h.runner.Run(ctx, h.path, "--config", confPath, "--no-part", req.URL)

	files, err := toolexec.NewMedia(req.OutputDir, before)
	if err != nil {
		return archive.DownloadResult{}, err
	}
	if len(files) == 0 {
		if runErr != nil {
			return archive.DownloadResult{}, fmt.Errorf("gallery-dl failed: %w", runErr)
		}
		return archive.DownloadResult{}, errors.New("gallery-dl downloaded no files")
	}
	if runErr != nil {
		h.logger.Warn("gallery-dl exited with error after downloading files",
			zap.String("url", req.URL), zap.Int("files", len(files)), zap.Error(runErr))
	}

	names := make([]string, len(files))
	for i, f := range files {
		names[i] = filepath.Base(f)
	}
	meta := archive.Metadata{
		"handler":             Name,
		"extractor":           "gallery-dl",
		archive.MetaFileCount: len(files),
		archive.MetaFiles:     names,
	}
	if runErr != nil {
		meta[archive.MetaDegraded] = true
		meta[archive.MetaErrorNote] = runErr.Error()
	}
	return archive.DownloadResult{FilePath: files[0], Files: files, Metadata: meta}, nil
}

// config builds the gallery-dl JSON configuration for one request.
func (h *Handler) config(req archive.DownloadRequest) map[string]any {
	base := req.BaseName
	if base == "" {
		base = "{category}-{id}"
	}
	extractor := map[string]any{
		"base-directory":   req.OutputDir,
		"parent-directory": false,
		"directory":        []string{},
		"filename":         base + "-{num}.{extension}",
		"skip":             true,
		"sleep":            1,
		"user-agent":       h.cfg.UserAgent,
		"retries":          h.cfg.Retries,
		"timeout":          30.0,
		"fallback":         true,
	}

	host := downloader.Host(req.URL)
	switch {
	case isHost(host, "twitter.com") || isHost(host, "x.com"):
		extractor["twitter"] = map[string]any{
			"cards":         true,
			"conversations": true,
			"replies":       "self",
			"retweets":      false,
			"videos":        true,
		}
	case isHost(host, "flickr.com"):
		size := h.cfg.FlickrMaxSize
		if v, ok := req.Options.Int("max_width", "maxWidth"); ok {
			size = v
		}
		if size <= 0 {
			size = 99999
		}
		extractor["flickr"] = map[string]any{"videos": true, "size-max": size}
		extractor["filename"] = base + "-{id}.{extension}"
	case isHost(host, "instagram.com"):
		extractor["instagram"] = map[string]any{
			"posts":      true,
			"stories":    true,
			"highlights": true,
			"tagged":     false,
			"reels":      true,
			"videos":     true,
		}
	case isHost(host, "pixiv.net"):
		extractor["pixiv"] = map[string]any{"ugoira": true, "metadata": true}
	}

	return map[string]any{
		"extractor": extractor,
		"output": map[string]any{
			"mode":     "terminal",
			"progress": false,
			"log":      map[string]any{"level": "info"},
		},
	}
}

func isHost(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}

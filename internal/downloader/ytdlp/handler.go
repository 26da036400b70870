// Package ytdlp is the general-purpose handler backed by yt-dlp. It accepts
// any URL not claimed by a more specific handler.
package ytdlp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-archiver/internal/archive"
	"github.com/JakeFAU/media-archiver/internal/downloader"
	"github.com/JakeFAU/media-archiver/internal/downloader/toolexec"
)

// Name identifies the handler in job metadata.
const Name = "yt-dlp"

var excluded = downloader.Matcher{
	Domains: []string{
		"flickr.com",
		"pixiv.net",
		"artstation.com",
		"deviantart.com",
		"tumblr.com",
		"pinterest.com",
		"danbooru.donmai.us",
		"gelbooru.com",
	},
}

var videoExts = []string{".mp4", ".webm", ".mkv", ".mp3", ".m4a", ".opus", ".wav"}

// Config controls the yt-dlp invocation.
type Config struct {
	Binary              string
	Format              string
	MergeFormat         string
	ConcurrentFragments int
	Retries             int
	SubLangs            []string
}

// Handler wraps the yt-dlp binary.
type Handler struct {
	cfg    Config
	path   string
	runner toolexec.Runner
	logger *zap.Logger
}

var _ archive.Handler = (*Handler)(nil)

// New resolves the binary once at construction.
func New(cfg Config, runner toolexec.Runner, lookup toolexec.LookupFunc, logger *zap.Logger) *Handler {
	if cfg.Binary == "" {
		cfg.Binary = "yt-dlp"
	}
	if cfg.Format == "" {
		cfg.Format = "bestvideo+bestaudio/best"
	}
	if cfg.MergeFormat == "" {
		cfg.MergeFormat = "mp4"
	}
	if cfg.ConcurrentFragments <= 0 {
		cfg.ConcurrentFragments = 4
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 10
	}
	if len(cfg.SubLangs) == 0 {
		cfg.SubLangs = []string{"en", "en-US"}
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
func (h *Handler) Kind() archive.HandlerKind { return archive.KindGeneral }

// Matches accepts everything except hosts better served by gallery-dl. yt-dlp
// does best on video sites such as YouTube, Vimeo, TikTok and Twitch, but
// unknown hosts are still tried.
func (h *Handler) Matches(rawURL string) bool {
	if h.path == "" {
		return false
	}
	return !excluded.MatchDomain(rawURL)
}

// Download runs yt-dlp and reads the info JSON it prints for the finished file.
func (h *Handler) Download(ctx context.Context, req archive.DownloadRequest) (archive.DownloadResult, error) {
	if h.path == "" {
		return archive.DownloadResult{}, fmt.Errorf("%s is not installed", h.cfg.Binary)
	}
	before, err := toolexec.Snapshot(req.OutputDir)
	if err != nil {
		return archive.DownloadResult{}, err
	}

	args, cleanup, err := h.args(req)
	if err != nil {
		return archive.DownloadResult{}, err
	}
	defer cleanup()

	h.logger.Info("running yt-dlp", zap.String("url", req.URL))
	out, runErr := h.runner.Run(ctx, h.path, args...)

	if runErr != nil {
		files, err := toolexec.NewMedia(req.OutputDir, before)
		if err != nil || len(files) == 0 {
			return archive.DownloadResult{}, fmt.Errorf("yt-dlp failed: %w", runErr)
		}
		h.logger.Warn("recovered yt-dlp output despite error",
			zap.String("url", req.URL), zap.String("file", files[0]), zap.Error(runErr))
		return archive.DownloadResult{
			FilePath: files[0],
			Files:    files,
			Metadata: archive.Metadata{
				archive.MetaTitle:     stem(files[0]),
				archive.MetaDegraded:  true,
				archive.MetaErrorNote: runErr.Error(),
				"handler":             Name,
			},
		}, nil
	}

	info := parseInfo(out.Stdout)
	meta := info.metadata()
	meta["handler"] = Name

	path := locate(info.path())
	if path == "" {
		files, err := toolexec.NewMedia(req.OutputDir, before)
		if err != nil {
			return archive.DownloadResult{}, err
		}
		if len(files) == 0 {
			return archive.DownloadResult{}, errors.New("yt-dlp finished but no file was written")
		}
		path = files[0]
	}
	return archive.DownloadResult{FilePath: path, Files: []string{path}, Metadata: meta}, nil
}

func (h *Handler) args(req archive.DownloadRequest) ([]string, func(), error) {
	cleanup := func() {}
	format := h.cfg.Format
	if f := req.Options.String("format"); f != "" {
		format = f
	} else if platform := downloader.Host(req.URL); platform == "twitter.com" || platform == "x.com" {
		format = "best[ext=mp4]/best"
	}

	name := req.BaseName
	if name == "" {
		name = "%(title).150s"
	}
	args := []string{
		"--no-playlist",
		"--dump-json",
		"--no-simulate",
		"--no-progress",
		"--no-color",
		"--restrict-filenames",
		"--windows-filenames",
		"--format", format,
		"--merge-output-format", h.cfg.MergeFormat,
		"--concurrent-fragments", strconv.Itoa(h.cfg.ConcurrentFragments),
		"--retries", strconv.Itoa(h.cfg.Retries),
		"--fragment-retries", strconv.Itoa(h.cfg.Retries),
		"--write-subs",
		"--write-auto-subs",
		"--sub-langs", strings.Join(h.cfg.SubLangs, ","),
		"--embed-subs",
		"--embed-metadata",
		"--ignore-no-formats-error",
		"--output", filepath.Join(req.OutputDir, name+".%(ext)s"),
	}
	if len(req.Cookies) > 0 {
		f, err := os.CreateTemp("", "yt-dlp-cookies-*.txt")
		if err != nil {
			return nil, cleanup, fmt.Errorf("create cookie file: %w", err)
		}
		cookiePath := f.Name()
		if err := f.Close(); err != nil {
			return nil, cleanup, fmt.Errorf("close cookie file: %w", err)
		}
		cleanup = func() { _ = os.Remove(cookiePath) }
		if err := toolexec.WriteCookieFile(cookiePath, downloader.Host(req.URL), req.Cookies); err != nil {
			cleanup()
			return nil, func() {}, err
		}
		args = append(args, "--cookies", cookiePath)
	}
	return append(args, req.URL), cleanup, nil
}

type info struct {
	Title       string   `json:"title"`
	Uploader    string   `json:"uploader"`
	UploaderID  string   `json:"uploader_id"`
	Duration    *float64 `json:"duration"`
	Width       *int     `json:"width"`
	Height      *int     `json:"height"`
	Description string   `json:"description"`
	UploadDate  string   `json:"upload_date"`
	WebpageURL  string   `json:"webpage_url"`
	Extractor   string   `json:"extractor"`
	Format      string   `json:"format"`
	Ext         string   `json:"ext"`
	ViewCount   *int64   `json:"view_count"`
	LikeCount   *int64   `json:"like_count"`
	Tags        []string `json:"tags"`
	Categories  []string `json:"categories"`
	Filename    string   `json:"_filename"`
	Filepath    string   `json:"filepath"`
	Requested   []struct {
		Filepath string `json:"filepath"`
	} `json:"requested_downloads"`
}

// parseInfo reads the last JSON object yt-dlp printed. Unparseable output
// yields an empty info.
func parseInfo(stdout []byte) info {
	var out info
	lines := bytes.Split(bytes.TrimSpace(stdout), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		if err := json.Unmarshal(line, &out); err == nil {
			return out
		}
	}
	return info{}
}

func (i info) path() string {
	for _, r := range i.Requested {
		if r.Filepath != "" {
			return r.Filepath
		}
	}
	if i.Filepath != "" {
		return i.Filepath
	}
	return i.Filename
}

func (i info) metadata() archive.Metadata {
	meta := archive.Metadata{}
	set := func(key, v string) {
		if v != "" {
			meta[key] = v
		}
	}
	set(archive.MetaTitle, i.Title)
	set(archive.MetaUploader, i.Uploader)
	set(archive.MetaAuthor, i.Uploader)
	set("uploader_id", i.UploaderID)
	set(archive.MetaDescription, i.Description)
	set("upload_date", i.UploadDate)
	set("webpage_url", i.WebpageURL)
	set("extractor", i.Extractor)
	set("format", i.Format)
	set("ext", i.Ext)
	if i.Duration != nil {
		meta[archive.MetaDuration] = *i.Duration
	}
	if i.Width != nil {
		meta[archive.MetaWidth] = *i.Width
	}
	if i.Height != nil {
		meta[archive.MetaHeight] = *i.Height
	}
	if i.ViewCount != nil {
		meta["view_count"] = *i.ViewCount
	}
	if i.LikeCount != nil {
		meta["like_count"] = *i.LikeCount
	}
	if len(i.Tags) > 0 {
		meta[archive.MetaTags] = i.Tags
	}
	if len(i.Categories) > 0 {
		meta["categories"] = i.Categories
	}
	return meta
}

// locate returns path if it exists, trying the usual container extensions
// when a merge or remux changed it.
func locate(path string) string {
	if path == "" {
		return ""
	}
	if fileExists(path) {
		return path
	}
	base := strings.TrimSuffix(path, filepath.Ext(path))
	for _, ext := range videoExts {
		if fileExists(base + ext) {
			return base + ext
		}
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

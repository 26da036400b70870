// Package dezoomify downloads tiled and zoomable images (IIIF, Zoomify,
// DeepZoom, Google Arts & Culture) with dezoomify-rs.
package dezoomify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-archiver/internal/archive"
	"github.com/JakeFAU/media-archiver/internal/downloader"
	"github.com/JakeFAU/media-archiver/internal/downloader/toolexec"
	"github.com/JakeFAU/media-archiver/internal/media"
)

// Name identifies the handler in job metadata.
const Name = "dezoomify"

var matcher = downloader.Matcher{
	Domains: []string{
		"artsandculture.google.com",
		"iiif.io",
		"wellcomecollection.org",
		"davidrumsey.com",
		"gallica.bnf.fr",
		"digitalcollections.nypl.org",
		"loc.gov",
		"europeana.eu",
		"digi.ub.uni-heidelberg.de",
		"e-codices.unifr.ch",
	},
	Patterns: []string{
		"/iiif/",
		"/info.json",
		"/imageproperties.xml",
		"/deepzoom",
		"/zoomify",
		"/dzc/",
		"/dzi/",
	},
}

// Config controls the dezoomify-rs invocation.
type Config struct {
	Binary      string
	MaxWidth    int
	Parallelism int
	Retries     int
	MinPixels   int
	UserAgent   string
}

// Handler wraps the dezoomify-rs binary.
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
		cfg.Binary = "dezoomify-rs"
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"
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
func (h *Handler) Kind() archive.HandlerKind { return archive.KindTiled }

// Matches claims known tiled-image hosts and zoomable endpoints.
func (h *Handler) Matches(rawURL string) bool {
	return h.path != "" && matcher.Match(rawURL)
}

// Download fetches every tile and stitches the full image.
func (h *Handler) Download(ctx context.Context, req archive.DownloadRequest) (archive.DownloadResult, error) {
	if h.path == "" {
		return archive.DownloadResult{}, fmt.Errorf("%s is not installed", h.cfg.Binary)
	}
	stem := req.BaseName
	if stem == "" {
		stem = OutputStem(req.URL)
	}
	outPath := filepath.Join(req.OutputDir, stem+".jpg")
	args := h.args(req, outPath)

	h.logger.Info("running dezoomify-rs", zap.String("url", req.URL), zap.String("output", outPath))
	out, err := h.runner.Run(ctx, h.path, args...)
	if err != nil {
		return archive.DownloadResult{}, fmt.Errorf("dezoomify-rs failed: %w", err)
	}
	info, err := os.Stat(outPath)
	if err != nil || info.Size() == 0 {
		return archive.DownloadResult{}, errors.New("dezoomify-rs produced no image")
	}

	meta := parseOutput(string(out.Stdout) + "\n" + string(out.Stderr))
	meta["handler"] = Name
	meta["extractor"] = "dezoomify-rs"
	meta["format"] = DetectFormat(req.URL)
	meta["file_size"] = info.Size()
	if w, hgt, err := media.Dimensions(outPath); err == nil {
		meta[archive.MetaWidth] = w
		meta[archive.MetaHeight] = hgt
	} else {
		h.logger.Debug("could not read image dimensions", zap.String("path", outPath), zap.Error(err))
	}
	width, height := meta.Width(), meta.Height()
	minPixels := h.cfg.MinPixels
	if v, ok := req.Options.Int("min_pixels", "minPixels"); ok {
		minPixels = v
	}
	if width != nil && height != nil {
		meta["resolution"] = fmt.Sprintf("%dx%d", *width, *height)
		if media.IsSmall(*width, *height, minPixels) {
			h.logger.Warn("downloaded image is small",
				zap.String("url", req.URL), zap.Int("width", *width), zap.Int("height", *height))
			meta["is_small"] = true
		}
	}
	return archive.DownloadResult{FilePath: outPath, Files: []string{outPath}, Metadata: meta}, nil
}

func (h *Handler) args(req archive.DownloadRequest, outPath string) []string {
	opts := req.Options
	args := []string{}
	maxWidth := h.cfg.MaxWidth
	if v, ok := opts.Int("max_width", "maxWidth"); ok {
		maxWidth = v
	}
	if maxWidth <= 0 {
		args = append(args, "--largest")
	} else {
		args = append(args, "--max-width", strconv.Itoa(maxWidth))
	}
	parallelism := h.cfg.Parallelism
	if v, ok := opts.Int("parallelism"); ok && v > 0 {
		parallelism = v
	}
	retries := h.cfg.Retries
	if v, ok := opts.Int("retries"); ok && v >= 0 {
		retries = v
	}
	args = append(args, "--parallelism", strconv.Itoa(parallelism), "--retries", strconv.Itoa(retries))
	if opts.Bool("tile_cache") || opts.Bool("tileCache") {
		args = append(args, "--tile-cache", filepath.Join(req.OutputDir, ".dezoomify-cache"))
	}
	headers := opts.StringMap("headers")
	for _, key := range sortedKeys(headers) {
		args = append(args, "--header", key+": "+headers[key])
	}
	if len(req.Cookies) > 0 {
		args = append(args, "--header", "Cookie: "+toolexec.CookieHeader(req.Cookies))
	}
	args = append(args, "--header", "User-Agent: "+h.cfg.UserAgent)
	return append(args, req.URL, outPath)
}

// DetectFormat names the zoomable image protocol of a URL.
func DetectFormat(rawURL string) string {
	lower := strings.ToLower(rawURL)
	switch {
	case strings.Contains(lower, "artsandculture.google.com"):
		return "google-arts-culture"
	case strings.Contains(lower, "/iiif/") || strings.Contains(lower, "info.json"):
		return "iiif"
	case strings.Contains(lower, "imageproperties.xml") || strings.Contains(lower, "/zoomify"):
		return "zoomify"
	case strings.Contains(lower, "/deepzoom") || strings.Contains(lower, ".dzi") || strings.Contains(lower, "/dzc/"):
		return "deepzoom"
	default:
		return "unknown"
	}
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// OutputStem derives a file stem from the image URL when no base name was
// supplied.
func OutputStem(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "tiled-image"
	}
	parts := make([]string, 0)
	for _, p := range strings.Split(u.Path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	lower := strings.ToLower(rawURL)
	var name string
	switch {
	case strings.Contains(u.Host, "artsandculture.google.com"):
		name = "google-arts-culture"
		if strings.Contains(u.Path, "/asset/") && len(parts) > 1 {
			name = parts[len(parts)-1]
		}
	case strings.Contains(lower, "info.json"):
		name = "iiif-image"
		if len(parts) > 1 {
			name = parts[len(parts)-2]
		}
	case strings.Contains(lower, "imageproperties.xml"):
		name = "zoomify-image"
		if len(parts) > 1 {
			name = parts[len(parts)-2]
		}
	case len(parts) > 0:
		name = strings.SplitN(parts[len(parts)-1], ".", 2)[0]
	default:
		name = strings.ReplaceAll(u.Host, ".", "-")
	}
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	name = unsafeChars.ReplaceAllString(name, "-")
	if len(name) > 100 {
		name = name[:100]
	}
	if name == "" {
		return "tiled-image"
	}
	return name
}

var (
	sizeLine = regexp.MustCompile(`(?i)image size:\s*(\d+)\s*x\s*(\d+)`)
	tileLine = regexp.MustCompile(`(?i)(\d+)\s+tiles`)
)

func parseOutput(output string) archive.Metadata {
	meta := archive.Metadata{}
	if m := sizeLine.FindStringSubmatch(output); m != nil {
		w, _ := strconv.Atoi(m[1])
		h, _ := strconv.Atoi(m[2])
		meta[archive.MetaWidth] = w
		meta[archive.MetaHeight] = h
	}
	if m := tileLine.FindStringSubmatch(output); m != nil {
		n, _ := strconv.Atoi(m[1])
		meta["tile_count"] = n
	}
	return meta
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

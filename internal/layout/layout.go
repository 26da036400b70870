// Package layout owns the on-disk archive structure: month buckets, file
// name stems, context snapshots, sidecars and the per-bucket index.
package layout

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/media-archiver/internal/downloader"
)

// Defaults for Config fields left empty.
const (
	DefaultIndexFile      = "index.md"
	DefaultSnapshotSuffix = ".context.png"
	maxSlugLength         = 150
)

// Config locates the archive on disk.
type Config struct {
	Root           string
	IndexFile      string
	SnapshotSuffix string
}

// Layout creates bucket directories and writes the companion files of an
// archived item. Index updates are serialized.
type Layout struct {
	root           string
	indexFile      string
	snapshotSuffix string

	indexMu sync.Mutex
}

// New returns a Layout rooted at cfg.Root.
func New(cfg Config) (*Layout, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("layout: root directory is required")
	}
	if cfg.IndexFile == "" {
		cfg.IndexFile = DefaultIndexFile
	}
	if cfg.SnapshotSuffix == "" {
		cfg.SnapshotSuffix = DefaultSnapshotSuffix
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create archive root: %w", err)
	}
	return &Layout{root: cfg.Root, indexFile: cfg.IndexFile, snapshotSuffix: cfg.SnapshotSuffix}, nil
}

// Root is the archive root directory.
func (l *Layout) Root() string { return l.root }

// DatedBucketPath returns <root>/YYYY-MM for now, creating it if needed.
func (l *Layout) DatedBucketPath(now time.Time) (string, error) {
	dir := filepath.Join(l.root, now.Format("2006-01"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create bucket %s: %w", dir, err)
	}
	return dir, nil
}

// SnapshotPath is the context screenshot path for a file stem in dir.
func (l *Layout) SnapshotPath(dir, stem string) string {
	return filepath.Join(dir, stem+l.snapshotSuffix)
}

// WriteSnapshot stores png next to the item named stem.
func (l *Layout) WriteSnapshot(dir, stem string, png []byte) (string, error) {
	if len(png) == 0 {
		return "", fmt.Errorf("write snapshot: empty image")
	}
	path := l.SnapshotPath(dir, stem)
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return path, nil
}

// WriteJSON writes v as indented JSON to <dir>/<stem>.json.
func WriteJSON(dir, stem string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", stem, err)
	}
	path := filepath.Join(dir, stem+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// Stem is the file name of path without directory or extension.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

var (
	nonAlnum    = regexp.MustCompile(`[^a-z0-9]`)
	spaceRuns   = regexp.MustCompile(`[\s_]+`)
	nonSlug     = regexp.MustCompile(`[^a-z0-9-]`)
	hyphenRuns  = regexp.MustCompile(`-+`)
	statusID    = regexp.MustCompile(`/status/(\d+)`)
	youtubeID   = regexp.MustCompile(`(?:youtube\.com/watch\?v=|youtu\.be/|youtube\.com/shorts/)([a-zA-Z0-9_-]+)`)
	redditID    = regexp.MustCompile(`/comments/([a-zA-Z0-9]+)`)
	contentIDRe = []*regexp.Regexp{statusID, youtubeID, redditID}
)

// BaseName builds the YYYY-MM-DD-HHMM-platform-slug stem for a new item.
func BaseName(platform, title string, now time.Time) string {
	p := nonAlnum.ReplaceAllString(strings.ToLower(strings.TrimSpace(platform)), "")
	if p == "" {
		p = "unknown"
	}
	return fmt.Sprintf("%s-%s-%s", now.Format("2006-01-02-1504"), p, Slug(title))
}

// Slug reduces title to lowercase ASCII letters, digits and single hyphens.
func Slug(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	if s == "" {
		return "untitled"
	}
	s = spaceRuns.ReplaceAllString(s, "-")
	s = nonSlug.ReplaceAllString(s, "")
	s = hyphenRuns.ReplaceAllString(s, "-")
	if len(s) > maxSlugLength {
		s = s[:maxSlugLength]
	}
	s = strings.TrimRight(s, "-")
	if s == "" {
		return "untitled"
	}
	return s
}

var platformDomains = []struct {
	domain   string
	platform string
}{
	{"twitter.com", "twitter"},
	{"x.com", "twitter"},
	{"youtube.com", "youtube"},
	{"youtu.be", "youtube"},
	{"instagram.com", "instagram"},
	{"tiktok.com", "tiktok"},
	{"vimeo.com", "vimeo"},
	{"twitch.tv", "twitch"},
	{"reddit.com", "reddit"},
	{"facebook.com", "facebook"},
	{"dailymotion.com", "dailymotion"},
	{"soundcloud.com", "soundcloud"},
	{"bandcamp.com", "bandcamp"},
	{"flickr.com", "flickr"},
	{"pixiv.net", "pixiv"},
	{"artstation.com", "artstation"},
	{"deviantart.com", "deviantart"},
	{"tumblr.com", "tumblr"},
	{"pinterest.com", "pinterest"},
}

// DetectPlatform names the site a URL belongs to. Unknown hosts yield their
// second-level label.
func DetectPlatform(rawURL string) string {
	host := downloader.Host(rawURL)
	if host == "" {
		return "unknown"
	}
	for _, d := range platformDomains {
		if host == d.domain || strings.HasSuffix(host, "."+d.domain) {
			return d.platform
		}
	}
	parts := strings.Split(host, ".")
	if len(parts) >= 2 {
		return parts[len(parts)-2]
	}
	return "unknown"
}

// ContentID extracts a post or video identifier from well-known URL shapes.
func ContentID(rawURL string) string {
	for _, re := range contentIDRe {
		if m := re.FindStringSubmatch(rawURL); m != nil {
			return m[1]
		}
	}
	return ""
}

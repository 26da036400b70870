package archive

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Metadata is the free-form key/value map attached to job and media records.
// Handlers may put anything in it; the accessors below promote the fields the
// archiver itself reads.
type Metadata map[string]any

// Well-known metadata keys.
const (
	MetaTitle       = "title"
	MetaAuthor      = "author"
	MetaUploader    = "uploader"
	MetaDescription = "description"
	MetaDuration    = "duration"
	MetaWidth       = "width"
	MetaHeight      = "height"
	MetaTags        = "tags"
	MetaSaveMode    = "save_mode"
	MetaPlatform    = "platform"
	MetaOriginalURL = "original_url"
	MetaDownloaded  = "download_date"
	MetaDownloader  = "downloader"
	MetaFallback    = "fallback"
	MetaReason      = "reason"
	MetaErrorNote   = "error_note"
	MetaDegraded    = "degraded"
	MetaFileCount   = "file_count"
	MetaFiles       = "files"
)

// Clone returns a shallow copy of m. A nil map clones to an empty map.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge copies every key of other into m, overwriting existing keys.
func (m Metadata) Merge(other Metadata) Metadata {
	if m == nil {
		m = make(Metadata, len(other))
	}
	for k, v := range other {
		m[k] = v
	}
	return m
}

// String returns the value at key when it is a non-empty string.
func (m Metadata) String(key string) string {
	if s, ok := m[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// Bool returns the value at key when it is a boolean.
func (m Metadata) Bool(key string) bool {
	b, _ := m[key].(bool)
	return b
}

// Title returns the handler-reported title.
func (m Metadata) Title() string { return m.String(MetaTitle) }

// Author returns the author, falling back to the uploader field yt-dlp reports.
func (m Metadata) Author() string {
	if a := m.String(MetaAuthor); a != "" {
		return a
	}
	return m.String(MetaUploader)
}

// Description returns the free-text description.
func (m Metadata) Description() string { return m.String(MetaDescription) }

// Duration returns the media duration in seconds, if known.
func (m Metadata) Duration() *float64 {
	f, ok := toFloat(m[MetaDuration])
	if !ok {
		return nil
	}
	return &f
}

// Width returns the media width in pixels, if known.
func (m Metadata) Width() *int { return m.intPtr(MetaWidth) }

// Height returns the media height in pixels, if known.
func (m Metadata) Height() *int { return m.intPtr(MetaHeight) }

// Tags returns the tag list.
func (m Metadata) Tags() []string {
	return toStrings(m[MetaTags])
}

func (m Metadata) intPtr(key string) *int {
	f, ok := toFloat(m[key])
	if !ok {
		return nil
	}
	v := int(f)
	return &v
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toStrings(v any) []string {
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...)
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if list == "" {
			return nil
		}
		return []string{list}
	default:
		return nil
	}
}

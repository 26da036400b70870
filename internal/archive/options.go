package archive

import (
	"strings"
	"time"
)

// Options are caller-supplied handler options. They are passed through to
// handlers untouched; the accessors read the few keys the archiver acts on.
type Options map[string]any

// Int returns the integer value stored under any of the given keys.
func (o Options) Int(keys ...string) (int, bool) {
	for _, key := range keys {
		if f, ok := toFloat(o[key]); ok {
			return int(f), true
		}
	}
	return 0, false
}

// String returns the string value stored under any of the given keys.
func (o Options) String(keys ...string) string {
	for _, key := range keys {
		if s, ok := o[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// Bool returns the boolean stored under key.
func (o Options) Bool(key string) bool {
	b, _ := o[key].(bool)
	return b
}

// StringMap returns a string-to-string view of a nested object, e.g. extra
// request headers.
func (o Options) StringMap(key string) map[string]string {
	out := make(map[string]string)
	switch m := o[key].(type) {
	case map[string]string:
		for k, v := range m {
			out[k] = v
		}
	case map[string]any:
		for k, v := range m {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}

// EmotionTag returns the tag chosen in the browser extension, if any.
func (o Options) EmotionTag() string { return o.String("emotionTag", "emotion_tag") }

// PostContent is what the browser extension scraped from a social post.
type PostContent struct {
	ImageURLs []string
	HasVideo  bool
	HasGif    bool
	UserName  string
	Text      string
	Timestamp string
	Emotion   string
}

// ImageOnly reports whether the post is a set of still images with no
// video or animated content.
func (p PostContent) ImageOnly() bool {
	return len(p.ImageURLs) > 0 && !p.HasVideo && !p.HasGif
}

// Post decodes the tweetContent option.
func (o Options) Post() PostContent {
	raw, ok := o["tweetContent"].(map[string]any)
	if !ok {
		return PostContent{}
	}
	content := Options(raw)
	post := PostContent{
		ImageURLs: toStrings(raw["imageUrls"]),
		HasVideo:  content.Bool("hasVideo"),
		HasGif:    content.Bool("hasGif"),
		UserName:  strings.TrimSpace(strings.SplitN(content.String("userName"), "\n", 2)[0]),
		Text:      content.String("text"),
		Emotion:   content.String("emotion"),
	}
	if ts, ok := toFloat(raw["timestamp"]); ok {
		if _, isString := raw["timestamp"].(string); !isString {
			post.Timestamp = time.Unix(int64(ts), 0).UTC().Format(time.RFC3339)
		}
	}
	if post.Timestamp == "" {
		post.Timestamp = content.String("timestamp")
	}
	return post
}

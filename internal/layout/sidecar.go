package layout

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/media-archiver/internal/archive"
)

type mediaFrontmatter struct {
	Source      string   `yaml:"source,omitempty"`
	Platform    string   `yaml:"platform,omitempty"`
	Title       string   `yaml:"title,omitempty"`
	Author      string   `yaml:"author,omitempty"`
	Archived    string   `yaml:"archived"`
	PageURL     string   `yaml:"page_url,omitempty"`
	Description string   `yaml:"description,omitempty"`
	DateTaken   string   `yaml:"date_taken,omitempty"`
	SaveMode    string   `yaml:"save_mode,omitempty"`
	Handler     string   `yaml:"handler,omitempty"`
	FileSize    int64    `yaml:"file_size,omitempty"`
	Tags        []string `yaml:"tags,omitempty,flow"`
}

type postFrontmatter struct {
	Source     string   `yaml:"source"`
	Platform   string   `yaml:"platform"`
	Author     string   `yaml:"author,omitempty"`
	TweetID    string   `yaml:"tweet_id,omitempty"`
	TweetDate  string   `yaml:"tweet_date,omitempty"`
	Archived   string   `yaml:"archived"`
	MediaCount int      `yaml:"media_count"`
	Tags       []string `yaml:"tags,omitempty,flow"`
}

// WriteSidecar writes <media stem>.md next to mediaPath: YAML frontmatter
// describing the item followed by an embed of the media file.
func WriteSidecar(mediaPath string, meta archive.Metadata, now time.Time) (string, error) {
	front := mediaFrontmatter{
		Source:      meta.String(archive.MetaOriginalURL),
		Platform:    meta.String(archive.MetaPlatform),
		Title:       meta.Title(),
		Author:      meta.Author(),
		Archived:    now.Format(time.RFC3339),
		PageURL:     meta.String("page_url"),
		Description: strings.Join(strings.Fields(meta.Description()), " "),
		DateTaken:   meta.String("date_taken"),
		SaveMode:    meta.String(archive.MetaSaveMode),
		Handler:     meta.String(archive.MetaDownloader),
		Tags:        meta.Tags(),
	}
	if front.Handler == "" {
		front.Handler = meta.String("handler")
	}
	if info, err := os.Stat(mediaPath); err == nil {
		front.FileSize = info.Size()
	}

	body := fmt.Sprintf("![[%s]]\n", filepath.Base(mediaPath))
	path := strings.TrimSuffix(mediaPath, filepath.Ext(mediaPath)) + ".md"
	if err := writeMarkdown(path, front, body); err != nil {
		return "", err
	}
	return path, nil
}

// WritePostSidecar writes one <stem>.md for an image post covering all of its
// files.
func WritePostSidecar(dir, stem string, files []string, post archive.PostContent, url, tag string, now time.Time) (string, error) {
	if len(files) == 0 {
		return "", fmt.Errorf("post sidecar: no files")
	}
	front := postFrontmatter{
		Source:     url,
		Platform:   "twitter",
		Author:     post.UserName,
		TweetID:    ContentID(url),
		TweetDate:  post.Timestamp,
		Archived:   now.Format(time.RFC3339),
		MediaCount: len(files),
	}
	if tag == "" {
		tag = post.Emotion
	}
	if tag != "" {
		front.Tags = []string{tag}
	}

	var body strings.Builder
	if text := strings.TrimSpace(post.Text); text != "" {
		body.WriteString(text)
		body.WriteString("\n\n")
	}
	for _, f := range files {
		fmt.Fprintf(&body, "![[%s]]\n", filepath.Base(f))
	}

	path := filepath.Join(dir, stem+".md")
	if err := writeMarkdown(path, front, body.String()); err != nil {
		return "", err
	}
	return path, nil
}

func writeMarkdown(path string, front any, body string) error {
	var buf bytes.Buffer
	buf.WriteString("---\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(front); err != nil {
		return fmt.Errorf("encode frontmatter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode frontmatter: %w", err)
	}
	buf.WriteString("---\n\n")
	buf.WriteString(body)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write sidecar %s: %w", path, err)
	}
	return nil
}

// ReadFrontmatter decodes the YAML block at the top of a sidecar.
func ReadFrontmatter(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sidecar: %w", err)
	}
	text := string(data)
	if !strings.HasPrefix(text, "---\n") {
		return map[string]any{}, nil
	}
	end := strings.Index(text[4:], "\n---")
	if end < 0 {
		return map[string]any{}, nil
	}
	out := map[string]any{}
	if err := yaml.Unmarshal([]byte(text[4:4+end]), &out); err != nil {
		return nil, fmt.Errorf("decode frontmatter: %w", err)
	}
	return out, nil
}

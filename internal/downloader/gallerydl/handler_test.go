package gallerydl

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-archiver/internal/archive"
	"github.com/JakeFAU/media-archiver/internal/downloader/toolexec"
)

type fakeRunner struct {
	files  []string
	err    error
	args   []string
	config map[string]any
}

func (f *fakeRunner) Run(_ context.Context, _ string, args ...string) (toolexec.Output, error) {
	f.args = args
	data, err := os.ReadFile(args[1])
	if err != nil {
		return toolexec.Output{}, err
	}
	if err := json.Unmarshal(data, &f.config); err != nil {
		return toolexec.Output{}, err
	}
	dir := f.config["extractor"].(map[string]any)["base-directory"].(string)
	mtime := time.Now().Add(-time.Minute)
	for _, name := range f.files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("img"), 0o600); err != nil {
			return toolexec.Output{}, err
		}
		mtime = mtime.Add(time.Second)
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			return toolexec.Output{}, err
		}
	}
	return toolexec.Output{}, f.err
}

func installed(string) (string, error) { return "/usr/bin/gallery-dl", nil }
func missing(string) (string, error)   { return "", errors.New("not found") }

func TestMatches(t *testing.T) {
	t.Parallel()

	h := New(Config{}, &fakeRunner{}, installed, nil)
	require.True(t, h.Matches("https://www.flickr.com/photos/someone/123"))
	require.True(t, h.Matches("https://x.com/user/status/1"))
	require.True(t, h.Matches("https://example.com/gallery/42"))
	require.False(t, h.Matches("https://www.youtube.com/watch?v=1"))
	require.Equal(t, archive.KindGallery, h.Kind())

	absent := New(Config{}, &fakeRunner{}, missing, nil)
	require.False(t, absent.Matches("https://www.flickr.com/photos/someone/123"))
}

func TestDownloadReturnsNewestFileFirst(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.jpg"), []byte("old"), 0o600))

	runner := &fakeRunner{files: []string{"base-1.jpg", "base-2.jpg"}}
	h := New(Config{}, runner, installed, nil)
	res, err := h.Download(context.Background(), archive.DownloadRequest{
		URL:       "https://www.flickr.com/photos/someone/123",
		Cookies:   map[string]string{"session": "abc"},
		OutputDir: dir,
		BaseName:  "base",
		Options:   archive.Options{"max_width": 2048},
	})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "base-2.jpg"), res.FilePath)
	require.Len(t, res.Files, 2)
	require.Equal(t, 2, res.Metadata[archive.MetaFileCount])
	require.Equal(t, []string{"base-2.jpg", "base-1.jpg"}, res.Metadata[archive.MetaFiles])
	require.Equal(t, "gallery-dl", res.Metadata["extractor"])

	require.Equal(t, "--config", runner.args[0])
	require.Equal(t, []string{"--no-part", "https://www.flickr.com/photos/someone/123"}, runner.args[2:])
	extractor := runner.config["extractor"].(map[string]any)
	require.Equal(t, "base-{id}.{extension}", extractor["filename"])
	require.EqualValues(t, 2048, extractor["flickr"].(map[string]any)["size-max"])
	require.NotEmpty(t, extractor["cookies"])

	_, err = os.Stat(runner.args[1])
	require.True(t, os.IsNotExist(err), "config file should be removed")
}

func TestDownloadKeepsFilesWhenToolFails(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{files: []string{"a-1.png"}, err: errors.New("exit status 1")}
	h := New(Config{}, runner, installed, nil)
	res, err := h.Download(context.Background(), archive.DownloadRequest{
		URL:       "https://imgur.com/gallery/x",
		OutputDir: t.TempDir(),
		BaseName:  "a",
	})
	require.NoError(t, err)
	require.Equal(t, "a-1.png", filepath.Base(res.FilePath))
	require.True(t, res.Metadata.Bool(archive.MetaDegraded))
	require.Equal(t, "exit status 1", res.Metadata.String(archive.MetaErrorNote))
}

func TestDownloadNoFiles(t *testing.T) {
	t.Parallel()

	h := New(Config{}, &fakeRunner{}, installed, nil)
	_, err := h.Download(context.Background(), archive.DownloadRequest{
		URL:       "https://imgur.com/gallery/x",
		OutputDir: t.TempDir(),
	})
	require.ErrorContains(t, err, "no files")

	h = New(Config{}, &fakeRunner{err: errors.New("boom")}, installed, nil)
	_, err = h.Download(context.Background(), archive.DownloadRequest{
		URL:       "https://imgur.com/gallery/x",
		OutputDir: t.TempDir(),
	})
	require.ErrorContains(t, err, "boom")
}

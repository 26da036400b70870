package ytdlp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-archiver/internal/archive"
	"github.com/JakeFAU/media-archiver/internal/downloader/toolexec"
)

type fakeRunner struct {
	args   []string
	write  string
	stdout string
	err    error
}

func (f *fakeRunner) Run(_ context.Context, _ string, args ...string) (toolexec.Output, error) {
	f.args = args
	if f.write != "" {
		if err := os.WriteFile(f.write, []byte("video"), 0o600); err != nil {
			return toolexec.Output{}, err
		}
	}
	return toolexec.Output{Stdout: []byte(f.stdout)}, f.err
}

func installed(string) (string, error) { return "/usr/bin/yt-dlp", nil }
func missing(string) (string, error)   { return "", errors.New("not found") }

func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func TestMatches(t *testing.T) {
	t.Parallel()

	h := New(Config{}, &fakeRunner{}, installed, nil)
	require.True(t, h.Matches("https://www.youtube.com/watch?v=abc"))
	require.True(t, h.Matches("https://unknown-site.example/video/1"))
	require.False(t, h.Matches("https://www.flickr.com/photos/a/1"))
	require.False(t, h.Matches("https://foo.deviantart.com/art/x"))
	require.Equal(t, archive.KindGeneral, h.Kind())

	absent := New(Config{}, &fakeRunner{}, missing, nil)
	require.False(t, absent.Matches("https://www.youtube.com/watch?v=abc"))
}

func TestDownloadParsesInfo(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	out := filepath.Join(dir, "2025-01-01-1200-youtube-clip.mp4")
	runner := &fakeRunner{
		write: out,
		stdout: "[youtube] extracting\n" +
			`{"title":"Clip","uploader":"Chan","duration":12.5,"width":1920,"height":1080,` +
			`"description":"desc","extractor":"youtube","ext":"mp4","tags":["a","b"],` +
			`"requested_downloads":[{"filepath":"` + out + `"}]}` + "\n",
	}
	h := New(Config{}, runner, installed, nil)

	res, err := h.Download(context.Background(), archive.DownloadRequest{
		URL:       "https://www.youtube.com/watch?v=abc",
		Cookies:   map[string]string{"SID": "x"},
		OutputDir: dir,
		BaseName:  "2025-01-01-1200-youtube-clip",
	})
	require.NoError(t, err)
	require.Equal(t, out, res.FilePath)
	require.Equal(t, "Clip", res.Metadata.Title())
	require.Equal(t, "Chan", res.Metadata.Author())
	require.InDelta(t, 12.5, *res.Metadata.Duration(), 0.001)
	require.Equal(t, 1920, *res.Metadata.Width())
	require.Equal(t, []string{"a", "b"}, res.Metadata.Tags())
	require.Equal(t, Name, res.Metadata["handler"])

	require.Equal(t, "--no-playlist", runner.args[0])
	require.Equal(t, "bestvideo+bestaudio/best", argAfter(runner.args, "--format"))
	require.Equal(t, filepath.Join(dir, "2025-01-01-1200-youtube-clip.%(ext)s"), argAfter(runner.args, "--output"))
	cookies := argAfter(runner.args, "--cookies")
	require.NotEmpty(t, cookies)
	_, err = os.Stat(cookies)
	require.True(t, os.IsNotExist(err), "cookie file should be removed")
	require.Equal(t, "https://www.youtube.com/watch?v=abc", runner.args[len(runner.args)-1])
}

func TestDownloadTwitterFormat(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	runner := &fakeRunner{write: filepath.Join(dir, "tw.mp4")}
	h := New(Config{}, runner, installed, nil)
	res, err := h.Download(context.Background(), archive.DownloadRequest{
		URL:       "https://x.com/u/status/1",
		OutputDir: dir,
		BaseName:  "tw",
	})
	require.NoError(t, err)
	require.Equal(t, "best[ext=mp4]/best", argAfter(runner.args, "--format"))
	require.Equal(t, filepath.Join(dir, "tw.mp4"), res.FilePath)
	require.Empty(t, argAfter(runner.args, "--cookies"))
}

func TestDownloadRecoversPartialOutput(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	runner := &fakeRunner{write: filepath.Join(dir, "partial.webm"), err: errors.New("postprocessing failed")}
	h := New(Config{}, runner, installed, nil)
	res, err := h.Download(context.Background(), archive.DownloadRequest{URL: "https://vimeo.com/1", OutputDir: dir})
	require.NoError(t, err)
	require.Equal(t, "partial", res.Metadata.Title())
	require.True(t, strings.Contains(res.Metadata.String(archive.MetaErrorNote), "postprocessing"))
	require.True(t, res.Metadata.Bool(archive.MetaDegraded))
}

func TestDownloadFailsWithoutOutput(t *testing.T) {
	t.Parallel()

	h := New(Config{}, &fakeRunner{err: errors.New("unsupported url")}, installed, nil)
	_, err := h.Download(context.Background(), archive.DownloadRequest{URL: "https://example.com/x", OutputDir: t.TempDir()})
	require.ErrorContains(t, err, "unsupported url")

	h = New(Config{}, &fakeRunner{}, installed, nil)
	_, err = h.Download(context.Background(), archive.DownloadRequest{URL: "https://example.com/x", OutputDir: t.TempDir()})
	require.Error(t, err)
}

func TestLocateTriesOtherExtensions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.mkv"), []byte("x"), 0o600))
	require.Equal(t, filepath.Join(dir, "a.mkv"), locate(filepath.Join(dir, "a.webm")))
	require.Empty(t, locate(filepath.Join(dir, "b.webm")))
	require.Empty(t, locate(""))
}

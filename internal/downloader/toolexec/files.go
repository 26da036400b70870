package toolexec

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var mediaExtensions = map[string]bool{
	".mp4": true, ".webm": true, ".mkv": true, ".mov": true, ".avi": true,
	".mp3": true, ".m4a": true, ".opus": true, ".wav": true, ".flac": true, ".ogg": true,
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
}

// IsMedia reports whether path looks like a downloaded media file. Context
// snapshots written by the archiver are not media.
func IsMedia(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	if strings.HasSuffix(name, ".context.png") {
		return false
	}
	return mediaExtensions[filepath.Ext(name)]
}

// DirSnapshot is the set of media files present in a directory at one instant.
type DirSnapshot map[string]struct{}

// Snapshot lists media files directly inside dir. A missing dir is empty.
func Snapshot(dir string) (DirSnapshot, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return DirSnapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	snap := make(DirSnapshot, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && IsMedia(e.Name()) {
			snap[e.Name()] = struct{}{}
		}
	}
	return snap, nil
}

// NewMedia returns non-empty media files in dir that are absent from before,
// newest modification time first.
func NewMedia(dir string, before DirSnapshot) ([]string, error) {
	after, err := Snapshot(dir)
	if err != nil {
		return nil, err
	}
	type candidate struct {
		path string
		mod  time.Time
	}
	found := make([]candidate, 0)
	for name := range after {
		if _, seen := before[name]; seen {
			continue
		}
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil || info.Size() == 0 {
			continue
		}
		found = append(found, candidate{path: path, mod: info.ModTime()})
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].mod.Equal(found[j].mod) {
			return found[i].path < found[j].path
		}
		return found[i].mod.After(found[j].mod)
	})
	out := make([]string, len(found))
	for i, c := range found {
		out[i] = c.path
	}
	return out, nil
}

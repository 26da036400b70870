package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/JakeFAU/media-archiver/internal/archive"
)

// SaveMediaFile inserts or replaces the media record for file.Path.
func (s *Store) SaveMediaFile(_ context.Context, file archive.MediaFile) error {
	if strings.TrimSpace(file.Path) == "" {
		return fmt.Errorf("media file path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	file.Metadata = file.Metadata.Clone()
	s.media[file.Path] = file
	return nil
}

// SearchMedia returns media files matching query, most recently archived first.
func (s *Store) SearchMedia(_ context.Context, query string, limit int) ([]archive.MediaFile, error) {
	s.mu.RLock()
	out := make([]archive.MediaFile, 0)
	for _, file := range s.media {
		if file.MatchesQuery(query) {
			out = append(out, file)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ArchivedAt.After(out[j].ArchivedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

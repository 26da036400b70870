package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/media-archiver/internal/archive"
)

// SaveMediaFile inserts or replaces the media record for file.Path.
func (s *Store) SaveMediaFile(ctx context.Context, file archive.MediaFile) error {
	if strings.TrimSpace(file.Path) == "" {
		return fmt.Errorf("media file path is required")
	}
	data, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("marshal media file: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.mediaKey(file.Path), data, 0)
		pipe.ZAdd(ctx, s.mediaSetKey(), redis.Z{Score: score(file.ArchivedAt), Member: file.Path})
		return nil
	})
	if err != nil {
		return fmt.Errorf("save media file: %w", err)
	}
	return nil
}

// SearchMedia returns media files matching query, most recently archived first.
func (s *Store) SearchMedia(ctx context.Context, query string, limit int) ([]archive.MediaFile, error) {
	files, err := s.loadMedia(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]archive.MediaFile, 0)
	for _, file := range files {
		if !file.MatchesQuery(query) {
			continue
		}
		out = append(out, file)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// loadMedia returns every media file, newest first.
func (s *Store) loadMedia(ctx context.Context) ([]archive.MediaFile, error) {
	paths, err := s.client.ZRevRange(ctx, s.mediaSetKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list media: %w", err)
	}
	if len(paths) == 0 {
		return nil, nil
	}
	keys := make([]string, len(paths))
	for i, p := range paths {
		keys[i] = s.mediaKey(p)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load media: %w", err)
	}
	files := make([]archive.MediaFile, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var file archive.MediaFile
		if err := json.Unmarshal([]byte(raw), &file); err != nil {
			return nil, fmt.Errorf("decode media file: %w", err)
		}
		files = append(files, file)
	}
	return files, nil
}

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/media-archiver/internal/archive"
)

const mediaColumns = `path, url, media_type, title, description, author, file_size, duration, width, height, archived_at, tags, metadata`

// SaveMediaFile upserts a media row keyed by path.
func (s *Store) SaveMediaFile(ctx context.Context, file archive.MediaFile) error {
	if strings.TrimSpace(file.Path) == "" {
		return fmt.Errorf("media file path is required")
	}
	meta, err := marshalMetadata(file.Metadata)
	if err != nil {
		return err
	}
	tags := file.Tags
	if tags == nil {
		tags = []string{}
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (path) DO UPDATE SET
	url = EXCLUDED.url,
	media_type = EXCLUDED.media_type,
	title = EXCLUDED.title,
	description = EXCLUDED.description,
	author = EXCLUDED.author,
	file_size = EXCLUDED.file_size,
	duration = EXCLUDED.duration,
	width = EXCLUDED.width,
	height = EXCLUDED.height,
	archived_at = EXCLUDED.archived_at,
	tags = EXCLUDED.tags,
	metadata = EXCLUDED.metadata`, s.media, mediaColumns)
	_, err = s.pool.Exec(ctx, query,
		file.Path,
		file.URL,
		string(file.MediaType),
		nullString(file.Title),
		nullString(file.Description),
		nullString(file.Author),
		file.FileSize,
		file.Duration,
		file.Width,
		file.Height,
		file.ArchivedAt,
		tags,
		meta,
	)
	if err != nil {
		return fmt.Errorf("upsert media file: %w", err)
	}
	return nil
}

// SearchMedia matches query case-insensitively against url, title,
// description and author.
func (s *Store) SearchMedia(ctx context.Context, query string, limit int) ([]archive.MediaFile, error) {
	if limit <= 0 {
		limit = 50
	}
	sql := fmt.Sprintf(`SELECT %s FROM %s
WHERE url ILIKE $1 OR title ILIKE $1 OR description ILIKE $1 OR author ILIKE $1
ORDER BY archived_at DESC LIMIT $2`, mediaColumns, s.media)
	rows, err := s.pool.Query(ctx, sql, likePattern(query), limit)
	if err != nil {
		return nil, fmt.Errorf("search media: %w", err)
	}
	defer rows.Close()

	out := make([]archive.MediaFile, 0)
	for rows.Next() {
		var (
			file        archive.MediaFile
			mediaType   string
			title       *string
			description *string
			author      *string
			meta        []byte
		)
		if err := rows.Scan(
			&file.Path,
			&file.URL,
			&mediaType,
			&title,
			&description,
			&author,
			&file.FileSize,
			&file.Duration,
			&file.Width,
			&file.Height,
			&file.ArchivedAt,
			&file.Tags,
			&meta,
		); err != nil {
			return nil, fmt.Errorf("scan media file: %w", err)
		}
		file.MediaType = archive.MediaType(mediaType)
		file.Title = deref(title)
		file.Description = deref(description)
		file.Author = deref(author)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &file.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		out = append(out, file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search media: %w", err)
	}
	return out, nil
}

// Stats aggregates completed jobs and media sizes.
func (s *Store) Stats(ctx context.Context, now time.Time) (archive.Stats, error) {
	today, weekAgo := archive.StatsWindow(now)
	stats := archive.Stats{ByType: make(map[string]archive.TypeStats)}

	jobsQuery := fmt.Sprintf(`SELECT count(*), count(*) FILTER (WHERE created_at >= $2), count(*) FILTER (WHERE created_at >= $3)
FROM %s WHERE status = $1`, s.jobs)
	err := s.pool.QueryRow(ctx, jobsQuery, string(archive.JobStatusCompleted), today, weekAgo).
		Scan(&stats.TotalArchives, &stats.Today, &stats.ThisWeek)
	if err != nil {
		return archive.Stats{}, fmt.Errorf("count jobs: %w", err)
	}

	typeQuery := fmt.Sprintf(`SELECT media_type, count(*), COALESCE(sum(file_size), 0)::BIGINT FROM %s GROUP BY media_type`, s.media)
	rows, err := s.pool.Query(ctx, typeQuery)
	if err != nil {
		return archive.Stats{}, fmt.Errorf("media stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			mediaType string
			ts        archive.TypeStats
		)
		if err := rows.Scan(&mediaType, &ts.Count, &ts.Size); err != nil {
			return archive.Stats{}, fmt.Errorf("scan media stats: %w", err)
		}
		stats.ByType[mediaType] = ts
		stats.TotalSize += ts.Size
	}
	if err := rows.Err(); err != nil {
		return archive.Stats{}, fmt.Errorf("media stats: %w", err)
	}
	return stats, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePattern(query string) string {
	return "%" + likeEscaper.Replace(strings.TrimSpace(query)) + "%"
}

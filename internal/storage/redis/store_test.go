package redis

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-archiver/internal/archive"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client, "test:")
}

func createDownloading(t *testing.T, store *Store, job archive.Job) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, job))
	require.NoError(t, store.SetStatus(ctx, job.ID, archive.JobStatusDownloading))
}

func TestStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	job := archive.Job{ID: "job-1", URL: "https://a", PageTitle: "A", CreatedAt: created}

	require.NoError(t, store.CreateJob(ctx, job))
	require.ErrorIs(t, store.CreateJob(ctx, job), archive.ErrJobExists)
	require.ErrorIs(t, store.CompleteJob(ctx, job.ID, archive.Completion{}), archive.ErrInvalidTransition)
	require.NoError(t, store.SetStatus(ctx, job.ID, archive.JobStatusDownloading))

	done := created.Add(time.Minute)
	require.NoError(t, store.CompleteJob(ctx, job.ID, archive.Completion{
		FilePath:    "/a.mp4",
		FileSize:    9,
		Metadata:    archive.Metadata{"title": "clip"},
		CompletedAt: done,
	}))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, archive.JobStatusCompleted, got.Status)
	require.Equal(t, "/a.mp4", got.FilePath)
	require.Equal(t, "clip", got.Metadata.Title())
	require.True(t, got.CompletedAt.Equal(done))

	require.ErrorIs(t, store.FailJob(ctx, job.ID, "late", done), archive.ErrTerminalState)
	_, err = store.GetJob(ctx, "missing")
	require.ErrorIs(t, err, archive.ErrJobNotFound)
}

func TestFindRecentCompletedHonorsSince(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "new", "failed"} {
		createDownloading(t, store, archive.Job{ID: id, URL: "https://a", CreatedAt: base.Add(time.Duration(i) * time.Hour)})
	}
	require.NoError(t, store.CompleteJob(ctx, "old", archive.Completion{FilePath: "/old"}))
	require.NoError(t, store.CompleteJob(ctx, "new", archive.Completion{FilePath: "/new"}))
	require.NoError(t, store.FailJob(ctx, "failed", "x", base))

	job, ok, err := store.FindRecentCompleted(ctx, "https://a", base)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "new", job.ID)

	job, ok, err = store.FindRecentCompleted(ctx, "https://a", base.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok, "since bound is inclusive")
	require.Equal(t, "new", job.ID)

	_, ok, err = store.FindRecentCompleted(ctx, "https://a", base.Add(2*time.Hour))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCreateJobRemovesKeyWhenIndexFails(t *testing.T) {
	t.Parallel()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewWithClient(client, "test:")

	// A string under the index key makes ZADD fail with WRONGTYPE.
	require.NoError(t, mr.Set("test:jobs", "not-a-zset"))

	ctx := context.Background()
	err = store.CreateJob(ctx, archive.Job{ID: "orphan", URL: "https://a", CreatedAt: time.Now()})
	require.ErrorContains(t, err, "index job")

	_, err = store.GetJob(ctx, "orphan")
	require.ErrorIs(t, err, archive.ErrJobNotFound)
	require.False(t, mr.Exists("test:job:orphan"))
}

func TestListJobsNewestFirst(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.CreateJob(ctx, archive.Job{ID: id, URL: "u", CreatedAt: base.Add(time.Duration(i) * time.Minute)}))
	}
	require.NoError(t, store.SetStatus(ctx, "b", archive.JobStatusDownloading))

	jobs, err := store.ListJobs(ctx, 2, "")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, "c", jobs[0].ID)
	require.Equal(t, "b", jobs[1].ID)

	downloading, err := store.ListJobs(ctx, 0, archive.JobStatusDownloading)
	require.NoError(t, err)
	require.Len(t, downloading, 1)
}

func TestMediaSearchAndStats(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 4, 10, 12, 0, 0, 0, time.UTC)
	createDownloading(t, store, archive.Job{ID: "j", URL: "u", CreatedAt: now.Add(-time.Hour)})
	require.NoError(t, store.CompleteJob(ctx, "j", archive.Completion{FilePath: "/a.mp3"}))

	require.NoError(t, store.SaveMediaFile(ctx, archive.MediaFile{
		Path: "/a.mp3", URL: "https://soundcloud.com/x", MediaType: archive.MediaTypeAudio, Title: "Night Song", FileSize: 40, ArchivedAt: now,
	}))
	require.NoError(t, store.SaveMediaFile(ctx, archive.MediaFile{
		Path: "/b.png", URL: "https://example.org", MediaType: archive.MediaTypeImage, FileSize: 2, ArchivedAt: now.Add(time.Second),
	}))

	results, err := store.SearchMedia(ctx, "night", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "/a.mp3", results[0].Path)

	stats, err := store.Stats(ctx, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.TotalArchives)
	require.Equal(t, int64(1), stats.Today)
	require.Equal(t, int64(42), stats.TotalSize)
	require.Equal(t, int64(1), stats.ByType["audio"].Count)
}

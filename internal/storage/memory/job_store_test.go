package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/JakeFAU/media-archiver/internal/archive"
)

func TestStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	job := archive.Job{ID: "job-1", URL: "https://example.com/v", CreatedAt: created}

	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if err := store.CreateJob(ctx, job); !errors.Is(err, archive.ErrJobExists) {
		t.Fatalf("expected duplicate job error, got %v", err)
	}
	if err := store.CompleteJob(ctx, job.ID, archive.Completion{FilePath: "x"}); !errors.Is(err, archive.ErrInvalidTransition) {
		t.Fatalf("expected pending -> completed to be rejected, got %v", err)
	}
	if err := store.SetStatus(ctx, job.ID, archive.JobStatusDownloading); err != nil {
		t.Fatalf("SetStatus downloading error = %v", err)
	}

	done := created.Add(time.Minute)
	err := store.CompleteJob(ctx, job.ID, archive.Completion{
		FilePath:    "/archive/clip.mp4",
		FileSize:    10,
		FileHash:    "abc",
		Metadata:    archive.Metadata{"title": "clip"},
		CompletedAt: done,
	})
	if err != nil {
		t.Fatalf("CompleteJob() error = %v", err)
	}

	final, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if final.Status != archive.JobStatusCompleted || final.CompletedAt == nil || !final.CompletedAt.Equal(done) {
		t.Fatalf("unexpected final job %+v", final)
	}
	if final.FilePath != "/archive/clip.mp4" || final.Error != "" || final.Metadata.Title() != "clip" {
		t.Fatalf("unexpected result fields %+v", final)
	}
}

func TestStoreRejectsSecondTerminalWrite(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	mustCreateDownloading(t, store, archive.Job{ID: "job-1", URL: "u"})

	if err := store.FailJob(ctx, "job-1", "boom", time.Now()); err != nil {
		t.Fatalf("FailJob() error = %v", err)
	}
	err := store.CompleteJob(ctx, "job-1", archive.Completion{FilePath: "late.mp4"})
	if !errors.Is(err, archive.ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState, got %v", err)
	}
	if err := store.FailJob(ctx, "job-1", "again", time.Now()); !errors.Is(err, archive.ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState on second fail, got %v", err)
	}

	job, _ := store.GetJob(ctx, "job-1")
	if job.Status != archive.JobStatusFailed || job.Error != "boom" || job.FilePath != "" {
		t.Fatalf("terminal record was modified: %+v", job)
	}
}

func TestStoreUnknownJob(t *testing.T) {
	t.Parallel()

	store := NewStore()
	if _, err := store.GetJob(context.Background(), "missing"); !errors.Is(err, archive.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if err := store.SetStatus(context.Background(), "missing", archive.JobStatusDownloading); !errors.Is(err, archive.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestStoreListAndFindRecent(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		job := archive.Job{ID: fmt.Sprintf("job-%d", i), URL: "https://a", CreatedAt: base.Add(time.Duration(i) * time.Hour)}
		mustCreateDownloading(t, store, job)
		if i < 2 {
			if err := store.CompleteJob(ctx, job.ID, archive.Completion{FilePath: job.ID}); err != nil {
				t.Fatalf("CompleteJob() error = %v", err)
			}
		}
	}

	jobs, err := store.ListJobs(ctx, 2, "")
	if err != nil || len(jobs) != 2 || jobs[0].ID != "job-2" || jobs[1].ID != "job-1" {
		t.Fatalf("ListJobs() unexpected result: %+v err=%v", jobs, err)
	}
	completed, _ := store.ListJobs(ctx, 0, archive.JobStatusCompleted)
	if len(completed) != 2 {
		t.Fatalf("expected 2 completed jobs, got %d", len(completed))
	}

	found, ok, err := store.FindRecentCompleted(ctx, "https://a", base)
	if err != nil || !ok || found.ID != "job-1" {
		t.Fatalf("FindRecentCompleted() = %+v, %v, %v", found, ok, err)
	}
	_, ok, _ = store.FindRecentCompleted(ctx, "https://a", base.Add(90*time.Minute))
	if ok {
		t.Fatal("expected no completed job after the since bound")
	}
	_, ok, _ = store.FindRecentCompleted(ctx, "https://other", base)
	if ok {
		t.Fatal("expected no match for a different url")
	}
}

func TestStoreConcurrentJobs(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("job-%d", i)
			if err := store.CreateJob(ctx, archive.Job{ID: id, URL: "u"}); err != nil {
				t.Errorf("CreateJob() error = %v", err)
				return
			}
			if err := store.SetStatus(ctx, id, archive.JobStatusDownloading); err != nil {
				t.Errorf("SetStatus() error = %v", err)
				return
			}
			if err := store.FailJob(ctx, id, "x", time.Now()); err != nil {
				t.Errorf("FailJob() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	failed, _ := store.ListJobs(ctx, 0, archive.JobStatusFailed)
	if len(failed) != 50 {
		t.Fatalf("expected 50 failed jobs, got %d", len(failed))
	}
}

func TestStoreStatsAndSearch(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	now := time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)
	mustCreateDownloading(t, store, archive.Job{ID: "today", URL: "u1", CreatedAt: now.Add(-time.Hour)})
	mustCreateDownloading(t, store, archive.Job{ID: "old", URL: "u2", CreatedAt: now.Add(-3 * 24 * time.Hour)})
	for _, id := range []string{"today", "old"} {
		if err := store.CompleteJob(ctx, id, archive.Completion{FilePath: id}); err != nil {
			t.Fatalf("CompleteJob() error = %v", err)
		}
	}
	files := []archive.MediaFile{
		{Path: "/a.mp4", URL: "https://youtube.com/x", MediaType: archive.MediaTypeVideo, Title: "Cat Video", FileSize: 100, ArchivedAt: now},
		{Path: "/b.jpg", URL: "https://flickr.com/y", MediaType: archive.MediaTypeImage, Author: "cat lover", FileSize: 5, ArchivedAt: now.Add(time.Minute)},
		{Path: "/c.pdf", URL: "https://example.org", MediaType: archive.MediaTypeDocument, FileSize: 1, ArchivedAt: now},
	}
	for _, f := range files {
		if err := store.SaveMediaFile(ctx, f); err != nil {
			t.Fatalf("SaveMediaFile() error = %v", err)
		}
	}

	stats, err := store.Stats(ctx, now)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.TotalArchives != 2 || stats.Today != 1 || stats.ThisWeek != 2 || stats.TotalSize != 106 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.ByType["video"].Count != 1 || stats.ByType["image"].Size != 5 {
		t.Fatalf("unexpected by-type stats %+v", stats.ByType)
	}

	results, err := store.SearchMedia(ctx, "CAT", 10)
	if err != nil || len(results) != 2 || results[0].Path != "/b.jpg" {
		t.Fatalf("SearchMedia() = %+v, %v", results, err)
	}
	if err := store.SaveMediaFile(ctx, archive.MediaFile{}); err == nil {
		t.Fatal("expected error for media file without path")
	}
}

func mustCreateDownloading(t *testing.T, store *Store, job archive.Job) {
	t.Helper()
	ctx := context.Background()
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if err := store.SetStatus(ctx, job.ID, archive.JobStatusDownloading); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
}

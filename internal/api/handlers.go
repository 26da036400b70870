package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-archiver/internal/archive"
	"github.com/JakeFAU/media-archiver/internal/dispatcher"
	"github.com/JakeFAU/media-archiver/internal/metrics"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
	Path   string `json:"path"`
}

type archiveRequest struct {
	URL        string         `json:"url"`
	PageTitle  string         `json:"page_title"`
	PageURL    string         `json:"page_url"`
	Timestamp  *time.Time     `json:"timestamp"`
	Cookies    []cookie       `json:"cookies"`
	Options    map[string]any `json:"options"`
	Screenshot string         `json:"screenshot"`
	SaveMode   string         `json:"save_mode"`
}

type archiveResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	JobID   string `json:"job_id,omitempty"`
}

type imageMetadata struct {
	Platform    string   `json:"platform"`
	Title       string   `json:"title"`
	Author      string   `json:"author"`
	Description string   `json:"description"`
	PageURL     string   `json:"page_url"`
	Tags        []string `json:"tags"`
	DateTaken   string   `json:"dateTaken"`
}

type archiveImageRequest struct {
	ImageURL string         `json:"image_url"`
	PageURL  string         `json:"page_url"`
	SaveMode string         `json:"save_mode"`
	Cookies  []cookie       `json:"cookies"`
	Metadata imageMetadata  `json:"metadata"`
	Options  map[string]any `json:"options"`
}

type archiveImageResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	FilePath   string `json:"file_path,omitempty"`
	Downloader string `json:"downloader,omitempty"`
}

type checkArchivedRequest struct {
	URL             string `json:"url"`
	CheckFileExists *bool  `json:"check_file_exists"`
	WindowMonths    int    `json:"window_months"`
}

type checkArchivedResponse struct {
	Archived     bool       `json:"archived"`
	JobID        string     `json:"job_id,omitempty"`
	FilePath     string     `json:"file_path,omitempty"`
	FileExists   *bool      `json:"file_exists,omitempty"`
	ArchivedDate *time.Time `json:"archived_date,omitempty"`
	AgeDays      *int       `json:"age_days,omitempty"`
}

func (s *Server) archive(w http.ResponseWriter, r *http.Request) {
	var body archiveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, archiveResponse{Message: "invalid JSON"})
		return
	}
	req, err := toRequest(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, archiveResponse{Message: err.Error()})
		return
	}

	jobID, err := s.deps.IDs.NewID()
	if err != nil {
		s.logger.Error("generate job id", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, archiveResponse{Message: "generate job id failed"})
		return
	}
	created := req.Timestamp
	if created.IsZero() {
		created = s.deps.Clock.Now()
	}
	job := archive.Job{
		ID:        jobID,
		URL:       req.URL,
		Status:    archive.JobStatusPending,
		PageTitle: req.PageTitle,
		PageURL:   req.PageURL,
		CreatedAt: created,
	}
	if err := s.deps.Store.CreateJob(r.Context(), job); err != nil {
		s.logger.Error("create job", zap.String("url", req.URL), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, archiveResponse{Message: "create job failed"})
		return
	}
	metrics.ObserveJobAdmitted()

	if err := s.deps.Dispatcher.Submit(r.Context(), job, req); err != nil {
		s.abandon(r, jobID, err)
		writeJSON(w, http.StatusServiceUnavailable, archiveResponse{Message: "service shutting down", JobID: jobID})
		return
	}

	s.logger.Info("archive job queued",
		zap.String("job_id", jobID),
		zap.String("url", req.URL),
		zap.String("mode", string(req.Mode)),
	)
	writeJSON(w, http.StatusAccepted, archiveResponse{
		Success: true,
		Message: fmt.Sprintf("Archive job queued (%s mode)", req.Mode),
		JobID:   jobID,
	})
}

// abandon moves a job the dispatcher refused through to failed so it is
// never left pending.
func (s *Server) abandon(r *http.Request, jobID string, cause error) {
	logger := s.logger.With(zap.String("job_id", jobID))
	logger.Warn("dispatcher refused job", zap.Error(cause))
	ctx := r.Context()
	if err := s.deps.Store.SetStatus(ctx, jobID, archive.JobStatusDownloading); err != nil {
		logger.Error("mark refused job downloading", zap.Error(err))
		return
	}
	msg := "service shutting down"
	if !errors.Is(cause, dispatcher.ErrClosed) {
		msg = cause.Error()
	}
	if err := s.deps.Store.FailJob(ctx, jobID, msg, s.deps.Clock.Now()); err != nil {
		logger.Error("fail refused job", zap.Error(err))
	}
	metrics.ObserveJobFinished(string(archive.JobStatusFailed), "rejected")
}

func (s *Server) archiveImage(w http.ResponseWriter, r *http.Request) {
	var body archiveImageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, archiveImageResponse{Message: "invalid JSON"})
		return
	}
	req, err := toImageRequest(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, archiveImageResponse{Message: err.Error()})
		return
	}

	res, err := s.deps.Images.ArchiveImage(r.Context(), req)
	if err != nil {
		s.logger.Warn("image archive failed", zap.String("image_url", req.ImageURL), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, archiveImageResponse{Message: err.Error(), Downloader: res.Downloader})
		return
	}
	writeJSON(w, http.StatusOK, archiveImageResponse{
		Success:    true,
		Message:    "Archived: " + filepath.Base(res.FilePath),
		FilePath:   res.FilePath,
		Downloader: res.Downloader,
	})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := archive.JobStatus(strings.ToLower(r.URL.Query().Get("status")))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	jobs, err := s.deps.Store.ListJobs(r.Context(), limit, status)
	if err != nil {
		s.logger.Error("list jobs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []archive.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Store.GetJob(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, archive.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "Job not found")
	case err != nil:
		s.logger.Error("get job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
	default:
		writeJSON(w, http.StatusOK, job)
	}
}

func (s *Server) checkArchived(w http.ResponseWriter, r *http.Request) {
	var body checkArchivedRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.URL) == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	result, err := s.deps.Dedup.CheckRecentlyArchived(r.Context(), strings.TrimSpace(body.URL), body.WindowMonths)
	if err != nil {
		metrics.ObserveDedupCheck("error")
		s.logger.Error("check archived", zap.String("url", body.URL), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "archive lookup failed")
		return
	}
	if result == nil {
		metrics.ObserveDedupCheck("miss")
		writeJSON(w, http.StatusOK, checkArchivedResponse{Archived: false})
		return
	}
	if result.FileExists {
		metrics.ObserveDedupCheck("hit")
	} else {
		metrics.ObserveDedupCheck("stale")
	}

	created := result.Job.CreatedAt
	age := result.AgeDays
	resp := checkArchivedResponse{
		Archived:     true,
		JobID:        result.Job.ID,
		ArchivedDate: &created,
		AgeDays:      &age,
	}
	if body.CheckFileExists == nil || *body.CheckFileExists {
		exists := result.FileExists
		resp.FilePath = result.Job.FilePath
		resp.FileExists = &exists
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	results, err := s.deps.Store.SearchMedia(r.Context(), q, limit)
	if err != nil {
		s.logger.Error("search media", zap.String("query", q), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	if results == nil {
		results = []archive.MediaFile{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.Stats(r.Context(), s.deps.Clock.Now())
	if err != nil {
		s.logger.Error("stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func toRequest(body archiveRequest) (archive.Request, error) {
	raw := strings.TrimSpace(body.URL)
	if raw == "" {
		return archive.Request{}, errors.New("url is required")
	}
	if err := checkHTTPURL(raw); err != nil {
		return archive.Request{}, fmt.Errorf("url %w", err)
	}
	mode := archive.SaveMode(strings.ToLower(strings.TrimSpace(body.SaveMode)))
	if mode == "" {
		mode = archive.SaveModeFull
	}
	if !mode.Valid() {
		return archive.Request{}, fmt.Errorf("unknown save_mode %q", body.SaveMode)
	}
	snapshot, err := decodeSnapshot(body.Screenshot)
	if err != nil {
		return archive.Request{}, err
	}

	req := archive.Request{
		URL:       raw,
		PageTitle: strings.TrimSpace(body.PageTitle),
		PageURL:   strings.TrimSpace(body.PageURL),
		Options:   archive.Options(body.Options),
		Snapshot:  snapshot,
		Mode:      mode,
	}
	if req.Options == nil {
		req.Options = archive.Options{}
	}
	if body.Timestamp != nil {
		req.Timestamp = body.Timestamp.UTC()
	}
	req.Cookies = cookieMap(body.Cookies)
	return req, nil
}

func toImageRequest(body archiveImageRequest) (archive.ImageRequest, error) {
	raw := strings.TrimSpace(body.ImageURL)
	if raw == "" {
		return archive.ImageRequest{}, errors.New("image_url is required")
	}
	if err := checkHTTPURL(raw); err != nil {
		return archive.ImageRequest{}, fmt.Errorf("image_url %w", err)
	}
	mode := archive.SaveMode(strings.ToLower(strings.TrimSpace(body.SaveMode)))
	if mode == "" {
		mode = archive.SaveModeFull
	}
	if mode != archive.SaveModeFull && mode != archive.SaveModeQuick {
		return archive.ImageRequest{}, fmt.Errorf("unknown save_mode %q", body.SaveMode)
	}
	meta := body.Metadata
	req := archive.ImageRequest{
		ImageURL:    raw,
		PageURL:     strings.TrimSpace(firstNonEmpty(body.PageURL, meta.PageURL)),
		Cookies:     cookieMap(body.Cookies),
		Options:     archive.Options(body.Options),
		Mode:        mode,
		Platform:    strings.TrimSpace(meta.Platform),
		Title:       strings.TrimSpace(meta.Title),
		Author:      strings.TrimSpace(meta.Author),
		Description: meta.Description,
		DateTaken:   strings.TrimSpace(meta.DateTaken),
		Tags:        meta.Tags,
	}
	if req.Options == nil {
		req.Options = archive.Options{}
	}
	return req, nil
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("must be an absolute http(s) URL")
	}
	return nil
}

func cookieMap(cookies []cookie) map[string]string {
	if len(cookies) == 0 {
		return nil
	}
	out := make(map[string]string, len(cookies))
	for _, c := range cookies {
		if c.Name != "" {
			out[c.Name] = c.Value
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// decodeSnapshot accepts plain base64 or a data URL.
func decodeSnapshot(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, nil
	}
	if strings.HasPrefix(encoded, "data:") {
		_, payload, ok := strings.Cut(encoded, ",")
		if !ok {
			return nil, errors.New("screenshot data URL has no payload")
		}
		encoded = payload
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("screenshot is not valid base64: %w", err)
	}
	return data, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}

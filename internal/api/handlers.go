package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/download"
	"github.com/JakeFAU/media-fetcher/internal/lifecycle"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
	readyTimeout    = 3 * time.Second
	maxBodyBytes    = 64 << 10
)

type submitRequest struct {
	URL string `json:"url"`
}

// submitDownload handles POST /v1/downloads. The URL comes from a JSON body
// {"url": "..."} or the url query parameter. It returns 202 with the queued
// job, 400 for an invalid URL, or 503 when the job could not be dispatched.
func (s *Server) submitDownload(w http.ResponseWriter, r *http.Request) {
	sourceURL, err := decodeSubmit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.jobs.Submit(r.Context(), sourceURL)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"job": toJobDTO(job)})
	case errors.Is(err, download.ErrInvalidURL):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, lifecycle.ErrNotDispatched), errors.Is(err, download.ErrQueueClosed),
		errors.Is(err, context.DeadlineExceeded):
		s.logger.Warn("submit not dispatched", zap.String("url", sourceURL), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "job could not be queued")
	default:
		s.logger.Error("submit failed", zap.String("url", sourceURL), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to submit job")
	}
}

func decodeSubmit(r *http.Request) (string, error) {
	if q := strings.TrimSpace(r.URL.Query().Get("url")); q != "" {
		return q, nil
	}
	var req submitRequest
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req)
	switch {
	case errors.Is(err, io.EOF):
		return "", errors.New("url is required")
	case err != nil:
		return "", errors.New("invalid JSON")
	case strings.TrimSpace(req.URL) == "":
		return "", errors.New("url is required")
	}
	return req.URL, nil
}

// listDownloads handles GET /v1/downloads?limit=&offset=, newest first.
func (s *Server) listDownloads(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, s.cfg.DefaultLimit, s.cfg.MaxLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := s.jobs.List(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   toJobDTOs(jobs),
		"limit":  limit,
		"offset": offset,
	})
}

// getDownload handles GET /v1/downloads/{job_id}. It returns {"job": {...}},
// 400 for malformed ids, or 404.
func (s *Server) getDownload(w http.ResponseWriter, r *http.Request) {
	jobID, err := parseJobID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.jobs.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, download.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job failed", zap.String("job_id", jobID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": toJobDTO(job)})
}

// cancelDownload handles POST|GET /v1/downloads/{job_id}/cancel. Both
// Cancelled and AlreadyTerminal answer 200; cancelled tells them apart.
func (s *Server) cancelDownload(w http.ResponseWriter, r *http.Request) {
	jobID, err := parseJobID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.canceller.Cancel(r.Context(), jobID)
	if err != nil {
		s.logger.Error("cancel job failed", zap.String("job_id", jobID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	if result == lifecycle.NotFound {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, cancelDTO{
		JobID:     jobID.String(),
		Result:    result,
		Cancelled: result == lifecycle.Cancelled,
	})
}

func parseJobID(r *http.Request) (uuid.UUID, error) {
	jobIDStr := chi.URLParam(r, "job_id")
	if jobIDStr == "" {
		return uuid.UUID{}, errors.New("job_id is required")
	}
	jobID, err := uuid.Parse(jobIDStr)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid job_id")
	}
	return jobID, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func toJobDTOs(in []download.Job) []jobDTO {
	out := make([]jobDTO, 0, len(in))
	for _, job := range in {
		out = append(out, toJobDTO(job))
	}
	return out
}

func toJobDTO(job download.Job) jobDTO {
	dto := jobDTO{
		ID:        job.ID.String(),
		URL:       job.SourceURL,
		Status:    job.Status.String(),
		Progress:  job.Progress,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
	if job.Error != "" {
		dto.Error = &job.Error
	}
	if job.Output != nil {
		dto.Filename = job.Output.Filename
		dto.FilePath = job.Output.Path
		dto.FileSize = &job.Output.Size
		dto.Checksum = job.Output.Checksum
	}
	return dto
}

type jobDTO struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Status    string    `json:"status"`
	Progress  float64   `json:"progress"`
	Filename  string    `json:"filename,omitempty"`
	FilePath  string    `json:"file_path,omitempty"`
	FileSize  *int64    `json:"file_size,omitempty"`
	Checksum  string    `json:"checksum,omitempty"`
	Error     *string   `json:"error_detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type cancelDTO struct {
	JobID     string                 `json:"job_id"`
	Result    lifecycle.CancelResult `json:"result"`
	Cancelled bool                   `json:"cancelled"`
}

package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/codequality/rule-registry/pkg/tenancy"
)

// Notifier wakes the worker pool after a job is queued outside of it.
type Notifier interface {
	Notify()
}

// Handlers serves the index outbox: operators inspect queued and failed
// publications, cancel them, or retry them.
type Handlers struct {
	store    *JobStore
	notifier Notifier
}

// NewHandlers creates Handlers. notifier may be nil.
func NewHandlers(store *JobStore, notifier Notifier) *Handlers {
	return &Handlers{store: store, notifier: notifier}
}

// Get handles GET /api/index/jobs/{jobId}
func (h *Handlers) Get(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	job, err := h.store.Get(jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get job: %v", err))
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("job %q not found", jobID))
		return
	}
	writeJSON(w, http.StatusOK, jobToResponse(job))
}

// List handles GET /api/index/jobs
// Query params: kind, organization, state, pageSize, pageToken
func (h *Handlers) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := JobListFilter{
		Kind:         q.Get("kind"),
		Organization: q.Get("organization"),
		State:        q.Get("state"),
	}

	pageSize := 20
	if ps := q.Get("pageSize"); ps != "" {
		v, err := strconv.Atoi(ps)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid pageSize %q", ps))
			return
		}
		pageSize = v
	}

	records, nextToken, total, err := h.store.List(filter, pageSize, q.Get("pageToken"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrInvalidPageToken) {
			status = http.StatusBadRequest
		}
		writeError(w, status, fmt.Sprintf("failed to list jobs: %v", err))
		return
	}

	items := make([]jobResponse, len(records))
	for i := range records {
		items[i] = jobToResponse(&records[i])
	}
	writeJSON(w, http.StatusOK, listResponse{Jobs: items, NextPageToken: nextToken, TotalSize: total})
}

// Stats handles GET /api/index/jobs/stats
func (h *Handlers) Stats(w http.ResponseWriter, _ *http.Request) {
	stats, err := h.store.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to count jobs: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Cancel handles POST /api/index/jobs/{jobId}:cancel
func (h *Handlers) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	if err := h.store.Cancel(jobID); err != nil {
		writeError(w, stateErrorStatus(err), fmt.Sprintf("failed to cancel job: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "canceled",
		"jobId":  jobID,
	})
}

// Retry handles POST /api/index/jobs/{jobId}:retry
func (h *Handlers) Retry(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.Retry(chi.URLParam(r, "jobId"), tenancy.UserFromContext(r.Context()))
	if err != nil {
		writeError(w, stateErrorStatus(err), fmt.Sprintf("failed to retry job: %v", err))
		return
	}
	if h.notifier != nil {
		h.notifier.Notify()
	}
	writeJSON(w, http.StatusAccepted, jobToResponse(job))
}

func stateErrorStatus(err error) int {
	switch {
	case errors.Is(err, ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrJobState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type listResponse struct {
	Jobs          []jobResponse `json:"jobs"`
	NextPageToken string        `json:"nextPageToken"`
	TotalSize     int           `json:"totalSize"`
}

// jobResponse is the API response for an index job.
type jobResponse struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	Organization string `json:"organization,omitempty"`
	EntityID     int64  `json:"entityId"`
	RequestedBy  string `json:"requestedBy"`
	RequestedAt  string `json:"requestedAt"`
	State        string `json:"state"`
	Message      string `json:"message,omitempty"`
	StartedAt    string `json:"startedAt,omitempty"`
	FinishedAt   string `json:"finishedAt,omitempty"`
	AttemptCount int    `json:"attemptCount"`
	LastError    string `json:"lastError,omitempty"`
	DurationMs   int64  `json:"durationMs,omitempty"`
}

func jobToResponse(job *IndexJob) jobResponse {
	resp := jobResponse{
		ID:           job.ID,
		Kind:         string(job.Kind),
		Organization: job.Organization,
		EntityID:     job.EntityID,
		RequestedBy:  job.RequestedBy,
		RequestedAt:  job.RequestedAt.Format(time.RFC3339),
		State:        string(job.State),
		Message:      job.Message,
		AttemptCount: job.AttemptCount,
		LastError:    job.LastError,
		DurationMs:   job.DurationMs,
	}
	if job.StartedAt != nil {
		resp.StartedAt = job.StartedAt.Format(time.RFC3339)
	}
	if job.FinishedAt != nil {
		resp.FinishedAt = job.FinishedAt.Format(time.RFC3339)
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

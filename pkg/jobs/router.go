package jobs

import (
	"github.com/go-chi/chi/v5"
)

// Router creates a chi.Router for the index outbox API. notifier, when not
// nil, is woken after a retry queues a job.
func Router(store *JobStore, notifier Notifier) chi.Router {
	h := NewHandlers(store, notifier)
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Get("/stats", h.Stats)
	r.Get("/{jobId}", h.Get)
	r.Post("/{jobId}:cancel", h.Cancel)
	r.Post("/{jobId}:retry", h.Retry)
	return r
}

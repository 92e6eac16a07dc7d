package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/mediaforge/mediaforge/internal/job"
	"github.com/mediaforge/mediaforge/internal/metrics"
)

// Handler holds the dependencies for all HTTP handlers. Enqueued jobs are
// written pending to the store and picked up by the worker manager's poll
// loop; enqueueing never blocks on processing.
type Handler struct {
	store job.Store
	met   *metrics.Collector
}

// NewHandler constructs a Handler with the given dependencies.
func NewHandler(store job.Store, met *metrics.Collector) *Handler {
	return &Handler{store: store, met: met}
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/jobs", h.CreateJob)
	mux.HandleFunc("GET /api/v1/jobs", h.ListJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.GetJob)
	mux.HandleFunc("POST /api/v1/jobs/{id}/restart", h.RestartJob)
	mux.HandleFunc("DELETE /api/v1/jobs/terminal", h.PurgeTerminal)
	mux.HandleFunc("POST /api/v1/batches", h.CreateBatch)
	mux.HandleFunc("GET /api/v1/batches/{id}", h.GetBatch)
	mux.HandleFunc("POST /api/v1/batches/{id}/archive", h.ArchiveBatch)
	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.Handle("GET /metrics", h.met.Handler())
}

// CreateJob handles POST /api/v1/jobs and responds 202 with the created job.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB max
	var req job.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	j := job.New(&req)
	if err := h.store.Enqueue(r.Context(), j); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

// CreateBatch handles POST /api/v1/batches and responds 202 with the batch
// and the ids of its member jobs.
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 4<<20) // 4 MB max
	var req job.BatchCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	b, jobs := job.NewBatch(&req)
	if err := h.store.EnqueueBatch(r.Context(), b, jobs); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enqueue batch")
		return
	}

	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch":   b,
		"job_ids": ids,
	})
}

// ListJobs handles GET /api/v1/jobs and responds 200 with a filtered,
// paginated list of jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := job.Filter{
		Status:  job.Status(q.Get("status")),
		Type:    q.Get("job_type"),
		BatchID: q.Get("batch_id"),
		UserID:  q.Get("user_id"),
		Limit:   parseIntParam(q.Get("limit"), 20),
		Offset:  parseIntParam(q.Get("offset"), 0),
	}

	jobs, total, err := h.store.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	// Return an empty array instead of null when there are no jobs.
	if jobs == nil {
		jobs = []*job.Job{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"total":  total,
		"limit":  f.Limit,
		"offset": f.Offset,
	})
}

// GetJob handles GET /api/v1/jobs/{id} and responds 200 with the job,
// including status, progress, results, error, and logs verbatim from the
// store.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	if j == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// RestartJob handles POST /api/v1/jobs/{id}/restart. Only terminal jobs can
// be restarted; the reset job re-enters the claim cycle as pending.
func (h *Handler) RestartJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.store.RestartJob(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, job.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
		return
	case errors.Is(err, job.ErrNotTerminal):
		writeError(w, http.StatusConflict, "job is not in a terminal state")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to restart job")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// PurgeTerminal handles DELETE /api/v1/jobs/terminal?before=RFC3339. This is
// the administrative deletion path; the worker manager never deletes jobs.
func (h *Handler) PurgeTerminal(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("before")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "missing 'before' query parameter")
		return
	}
	before, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'before' must be RFC3339")
		return
	}

	n, err := h.store.DeleteTerminalBefore(r.Context(), before)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to purge jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// GetBatch handles GET /api/v1/batches/{id} and responds 200 with the batch
// and its aggregate counters.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.store.GetBatch(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get batch")
		return
	}
	if b == nil {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// ArchiveBatch handles POST /api/v1/batches/{id}/archive. Archiving changes
// visibility only; member jobs and their results are kept.
func (h *Handler) ArchiveBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	err := h.store.ArchiveBatch(r.Context(), r.PathValue("id"), req.Active)
	if errors.Is(err, job.ErrNotFound) {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to archive batch")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"active": req.Active})
}

// Health handles GET /api/v1/health and responds 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseIntParam parses a query string integer, returning the fallback on
// empty or invalid input.
func parseIntParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

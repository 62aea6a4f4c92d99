// Package httpapi exposes the daemon's control plane and webhook intake
// over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ripforge/ripforge/internal/admission"
	"github.com/ripforge/ripforge/internal/config"
	"github.com/ripforge/ripforge/internal/logger"
	"github.com/ripforge/ripforge/internal/metrics"
	"github.com/ripforge/ripforge/internal/model"
	"github.com/ripforge/ripforge/internal/store"
)

// writeJSON and writeError mirror the teacher's handler response helpers.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, kind model.ErrorKind, message string) {
	writeJSON(w, status, map[string]string{"error": message, "error_kind": string(kind)})
}

// WorkerStatus reports whether the worker goroutine is currently
// processing a job, for GET /health.
type WorkerStatus struct {
	Running bool  `json:"running"`
	JobID   int64 `json:"job_id,omitempty"`
}

// StatusSource answers what the worker is doing right now.
type StatusSource interface {
	CurrentJob() (int64, bool)
}

// Handler wires the store, admitter, and worker status source into HTTP
// handlers, matching the teacher's `NewHandler`-returns-a-method-bag shape.
type Handler struct {
	st         store.Store
	admitter   *admission.Admitter
	status     StatusSource
	apiKeys    []config.APIKey
	requireAPI bool
	maxRetry   int
}

// New constructs a Handler. cfg supplies the parsed API_KEYS list,
// REQUIRE_API_AUTH, and MAX_RETRY_COUNT. The webhook secret (enforced
// inside admitter) is never bypassed by REQUIRE_API_AUTH.
func New(st store.Store, admitter *admission.Admitter, status StatusSource, cfg *config.Config) *Handler {
	return &Handler{
		st:         st,
		admitter:   admitter,
		status:     status,
		apiKeys:    cfg.APIKeys,
		requireAPI: cfg.RequireAPIAuth,
		maxRetry:   cfg.MaxRetryCount,
	}
}

// Router builds the chi mux with structured logging, panic recovery, and
// spec.md §6's endpoint surface.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/webhook/arm", h.handleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAPIKey(""))
		r.Get("/jobs", h.handleListJobs)
		r.Get("/stats", h.handleStats)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.requireAPIKey("admin"))
		r.Post("/jobs/{id}/retry", h.handleRetry)
		r.Delete("/jobs/{id}", h.handleDelete)
	})

	return r
}

// requestLogger is the teacher's structured-access-log idiom, adapted to
// chi's middleware signature.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Info("http request",
			"method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// requireAPIKey enforces X-API-Key when REQUIRE_API_AUTH is set. role, if
// non-empty, additionally requires the matched key to carry that role.
func (h *Handler) requireAPIKey(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !h.requireAPI {
				next.ServeHTTP(w, r)
				return
			}
			supplied := r.Header.Get("X-API-Key")
			for _, k := range h.apiKeys {
				if k.Key == supplied && (role == "" || k.Role == role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, model.ErrorKindUnauthorized, "missing or insufficient API key")
		})
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	jobID, running := h.status.CurrentJob()
	stats, err := h.st.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, model.ErrorKindMalformed, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"worker": WorkerStatus{Running: running, JobID: jobID},
		"queue":  stats,
	})
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	job, err := h.admitter.Admit(r.Context(), r.Body, r.Header.Get("X-Webhook-Secret"))
	if err != nil {
		if errors.Is(err, admission.ErrDroppedNoOp) {
			metrics.RecordWebhookOutcome("dropped")
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		var aerr *admission.Error
		if errors.As(err, &aerr) {
			metrics.RecordWebhookOutcome(string(aerr.Kind))
			status := http.StatusBadRequest
			switch aerr.Kind {
			case model.ErrorKindUnauthorized:
				status = http.StatusUnauthorized
			case model.ErrorKindOversized:
				status = http.StatusRequestEntityTooLarge
			}
			writeError(w, status, aerr.Kind, aerr.Error())
			return
		}
		metrics.RecordWebhookOutcome("malformed")
		writeError(w, http.StatusBadRequest, model.ErrorKindMalformed, err.Error())
		return
	}

	id, err := h.admitter.Insert(r.Context(), job)
	if err != nil {
		writeError(w, http.StatusInternalServerError, model.ErrorKindMalformed, err.Error())
		return
	}
	metrics.RecordWebhookOutcome("accepted")
	writeJSON(w, http.StatusAccepted, map[string]int64{"job_id": id})
}

func (h *Handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := model.Status(q.Get("status"))
	limit, offset := 100, 0
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	if limit > store.MaxListLimit {
		limit = store.MaxListLimit
	}

	items, err := h.st.List(r.Context(), status, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, model.ErrorKindMalformed, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.st.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, model.ErrorKindMalformed, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, model.ErrorKindMalformed, "invalid job id")
		return
	}
	job, err := h.st.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, model.ErrorKindMalformed, err.Error())
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, model.ErrorKindMalformed, "job not found")
		return
	}
	if job.Status != model.StatusFailed || !job.ErrorKind.Retryable() {
		writeError(w, http.StatusConflict, model.ErrorKindMalformed, "job is not in a retryable state")
		return
	}
	ok, err := h.st.Requeue(r.Context(), id, h.maxRetry)
	if err != nil {
		writeError(w, http.StatusInternalServerError, model.ErrorKindMalformed, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, model.ErrorKindRetryExhausted, "retry count exhausted")
		return
	}
	job, _ = h.st.Get(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, model.ErrorKindMalformed, "invalid job id")
		return
	}
	job, err := h.st.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, model.ErrorKindMalformed, err.Error())
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, model.ErrorKindMalformed, "job not found")
		return
	}
	if job.Status == model.StatusRunning {
		writeError(w, http.StatusConflict, model.ErrorKindMalformed, "cannot delete a running job")
		return
	}
	if err := h.st.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, model.ErrorKindMalformed, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/pitchvision/detectd/pkg/auth"
	"github.com/pitchvision/detectd/pkg/models"
	"github.com/pitchvision/detectd/pkg/provider"
	"github.com/pitchvision/detectd/pkg/service"
	"github.com/pitchvision/detectd/pkg/store"
)

// MetricsRecorder receives submission outcomes from the API layer
type MetricsRecorder interface {
	RecordSubmission(outcome string)
}

// Handler exposes the detection orchestration API
type Handler struct {
	service         *service.Service
	store           store.Store
	credentials     *auth.CredentialStore
	availableModels []models.ModelConfig
	metricsRecorder MetricsRecorder
	startTime       time.Time
}

// NewHandler creates the API handler. availableModels is the fallback
// candidate list advertised by /health, with credentials stripped.
func NewHandler(svc *service.Service, st store.Store, creds *auth.CredentialStore, availableModels []models.ModelConfig) *Handler {
	advertised := make([]models.ModelConfig, 0, len(availableModels))
	for _, m := range availableModels {
		m.APIKey = ""
		advertised = append(advertised, m)
	}
	return &Handler{
		service:         svc,
		store:           st,
		credentials:     creds,
		availableModels: advertised,
		startTime:       time.Now(),
	}
}

// SetMetricsRecorder sets the metrics recorder for the handler
func (h *Handler) SetMetricsRecorder(recorder MetricsRecorder) {
	h.metricsRecorder = recorder
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	detect := r.PathPrefix("/detect").Subrouter()
	detect.Use(h.requireAuth)
	detect.HandleFunc("/start", h.StartDetection).Methods("POST")
	detect.HandleFunc("/status/{job_id}", h.GetStatus).Methods("GET")
	detect.HandleFunc("/watch/{job_id}", h.WatchStatus).Methods("GET")
	detect.HandleFunc("/results/{job_id}", h.GetResults).Methods("GET")
	detect.HandleFunc("/summary/{job_id}", h.GetSummary).Methods("GET")
	detect.HandleFunc("/cancel/{job_id}", h.CancelDetection).Methods("POST")
	detect.HandleFunc("/jobs", h.ListJobs).Methods("GET")
	detect.HandleFunc("/jobs/{job_id}", h.DeleteJob).Methods("DELETE")

	r.HandleFunc("/health", h.Health).Methods("GET")
}

type contextKey string

const ownerKey contextKey = "owner_id"

// requireAuth authenticates the bearer credential and stores the owner
// id on the request context. Requests are rejected before any provider
// work happens.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		credential, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || credential == "" {
			http.Error(w, "Authentication required", http.StatusUnauthorized)
			return
		}

		ownerID, err := h.credentials.Authenticate(credential)
		if err != nil {
			http.Error(w, "Authentication required", http.StatusUnauthorized)
			return
		}

		ctx := contextWithOwner(r.Context(), ownerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// startRequest is the body of POST /detect/start
type startRequest struct {
	models.DetectionRequest
	Priority models.Priority `json:"priority,omitempty"`
}

// StartDetection handles POST /detect/start
func (h *Handler) StartDetection(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFromContext(r.Context())

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.recordSubmission("invalid")
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	job, err := h.service.Submit(r.Context(), &req.DetectionRequest, ownerID, req.Priority)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidRequest):
			h.recordSubmission("invalid")
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, auth.ErrAuthenticationRequired):
			h.recordSubmission("unauthenticated")
			http.Error(w, "Authentication required", http.StatusUnauthorized)
		case errors.Is(err, provider.ErrAllProvidersFailed):
			h.recordSubmission("provider_unavailable")
			log.Printf("Submission rejected, all providers failed: %v", err)
			http.Error(w, err.Error(), http.StatusBadGateway)
		default:
			h.recordSubmission("error")
			log.Printf("Failed to submit job: %v", err)
			http.Error(w, "Failed to submit job", http.StatusInternalServerError)
		}
		return
	}
	h.recordSubmission("accepted")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"job_id": job.ID,
		"status": job.Status,
	})
}

// GetStatus handles GET /detect/status/{job_id}
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	ownerID := ownerFromContext(r.Context())

	job, err := h.service.Status(jobID, ownerID)
	if err != nil {
		h.writeJobError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(job)
}

// WatchStatus handles GET /detect/watch/{job_id}: a server-sent event
// stream of job snapshots, one per committed update starting with the
// current state, ending when the job reaches a terminal status or the
// client disconnects.
func (h *Handler) WatchStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	ownerID := ownerFromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	// The ownership check runs before any headers are written so a bad
	// job id still gets a plain 404.
	if _, err := h.service.Status(jobID, ownerID); err != nil {
		h.writeJobError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	_, err := h.service.WatchStatus(r.Context(), jobID, ownerID, func(job *models.Job) {
		data, merr := json.Marshal(job)
		if merr != nil {
			log.Printf("Failed to encode job event: %v", merr)
			return
		}
		w.Write([]byte("data: "))
		w.Write(data)
		w.Write([]byte("\n\n"))
		flusher.Flush()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		// Stream already started; nothing useful to send but the log
		log.Printf("Watch stream for job %s ended: %v", jobID, err)
	}
}

// GetResults handles GET /detect/results/{job_id}
func (h *Handler) GetResults(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	ownerID := ownerFromContext(r.Context())

	frames, err := h.service.Results(jobID, ownerID)
	if err != nil {
		h.writeJobError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(frames)
}

// GetSummary handles GET /detect/summary/{job_id}
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	ownerID := ownerFromContext(r.Context())

	summary, err := h.service.Summary(jobID, ownerID)
	if err != nil {
		h.writeJobError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

// CancelDetection handles POST /detect/cancel/{job_id}
func (h *Handler) CancelDetection(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	ownerID := ownerFromContext(r.Context())

	cancelled, err := h.service.Cancel(jobID, ownerID)
	if err != nil {
		h.writeJobError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"cancelled": cancelled})
}

// ListJobs handles GET /detect/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFromContext(r.Context())

	jobs, err := h.service.Jobs(ownerID)
	if err != nil {
		log.Printf("Failed to list jobs for %s: %v", ownerID, err)
		http.Error(w, "Failed to list jobs", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jobs)
}

// DeleteJob handles DELETE /detect/jobs/{job_id}
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	ownerID := ownerFromContext(r.Context())

	if err := h.service.Delete(jobID, ownerID); err != nil {
		if errors.Is(err, service.ErrJobNotTerminal) {
			http.Error(w, "Job must be cancelled before deletion", http.StatusConflict)
			return
		}
		h.writeJobError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if err := h.store.HealthCheck(); err != nil {
		log.Printf("Store health check failed: %v", err)
		status = "degraded"
	}

	payload := map[string]interface{}{
		"status":           status,
		"available_models": h.availableModels,
		"uptime_seconds":   int(time.Since(h.startTime).Seconds()),
	}

	// Host stats are advisory; failures never fail the health check
	if cores, err := cpu.Counts(true); err == nil {
		payload["cpu_threads"] = cores
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		payload["memory_used_percent"] = vm.UsedPercent
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

func (h *Handler) recordSubmission(outcome string) {
	if h.metricsRecorder != nil {
		h.metricsRecorder.RecordSubmission(outcome)
	}
}

func (h *Handler) writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		http.Error(w, "Job not found", http.StatusNotFound)
	case errors.Is(err, service.ErrNotOwner):
		// Do not reveal that the id exists
		http.Error(w, "Job not found", http.StatusNotFound)
	default:
		log.Printf("Request failed: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

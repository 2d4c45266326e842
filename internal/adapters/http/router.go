package httpadapter

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/olegsm/document-processor/internal/core/domain"
	"github.com/olegsm/document-processor/internal/core/ports"
	"github.com/olegsm/document-processor/internal/observability/metrics"
)

const userIDHeader = "X-User-Id"

type Router struct {
	jobs    ports.JobService
	storage ports.ObjectStorage
	metrics *metrics.HTTPServerMetrics

	maxUploadBytes int64
	rateLimitRPS   float64
	rateLimitBurst int
	maxConcurrent  int
}

type Options struct {
	MaxUploadMB    int
	RateLimitRPS   float64
	RateLimitBurst int
	MaxConcurrent  int
}

func NewRouter(jobs ports.JobService, storage ports.ObjectStorage, m *metrics.HTTPServerMetrics, options Options) *Router {
	maxUploadMB := options.MaxUploadMB
	if maxUploadMB <= 0 {
		maxUploadMB = 50
	}
	rps := options.RateLimitRPS
	if rps <= 0 {
		rps = 20
	}
	burst := options.RateLimitBurst
	if burst <= 0 {
		burst = 40
	}
	maxConcurrent := options.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 64
	}
	return &Router{
		jobs:           jobs,
		storage:        storage,
		metrics:        m,
		maxUploadBytes: int64(maxUploadMB) << 20,
		rateLimitRPS:   rps,
		rateLimitBurst: burst,
		maxConcurrent:  maxConcurrent,
	}
}

// Handler wires routes and middleware. Extra registrations (websocket
// endpoint, metrics export) attach to the same mux before wrapping.
func (rt *Router) Handler(register ...func(*mux.Router)) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", rt.healthz).Methods(http.MethodGet)
	r.HandleFunc("/v1/jobs", rt.submitJob).Methods(http.MethodPost)
	r.HandleFunc("/v1/jobs/{job_id}", rt.getJob).Methods(http.MethodGet)
	r.HandleFunc("/v1/jobs/{job_id}/cancel", rt.cancelJob).Methods(http.MethodPost)
	r.HandleFunc("/v1/jobs/{job_id}/result", rt.getJobResult).Methods(http.MethodGet)
	for _, fn := range register {
		fn(r)
	}

	var handler http.Handler = r
	handler = backpressureMiddleware(handler, rt.maxConcurrent, 50*time.Millisecond)
	handler = rateLimitMiddleware(handler, rt.rateLimitRPS, rt.rateLimitBurst)
	handler = accessLogMiddleware(handler)
	handler = requestIDMiddleware(handler)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware("api", handler)
	}
	return handler
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// submitJob stores the uploaded file and enqueues processing. The response
// is 202: the job advances asynchronously and the caller follows it via
// GET /v1/jobs/{job_id} or the websocket stream.
func (rt *Router) submitJob(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(r.Header.Get(userIDHeader))
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%s header is required", userIDHeader))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, rt.maxUploadBytes)
	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("multipart field 'file' is required"))
		return
	}
	defer file.Close()

	var cfg domain.JobConfig
	if raw := r.FormValue("config"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid config json: %w", err))
			return
		}
	}

	docID := uuid.NewString()
	blobKey := "uploads/" + docID
	if err := rt.storage.Save(r.Context(), blobKey, file); err != nil {
		writeError(w, mapErrorToHTTPStatus(err), err)
		return
	}

	job, err := rt.jobs.Enqueue(r.Context(), domain.DocumentRef{
		ID:       docID,
		BlobKey:  blobKey,
		Filename: fileHeader.Filename,
	}, ownerID, cfg)
	if err != nil {
		writeError(w, mapErrorToHTTPStatus(err), err)
		return
	}

	if rt.metrics != nil {
		rt.metrics.RecordJobSubmitted("api")
	}
	writeJSON(w, http.StatusAccepted, job.Snapshot())
}

func (rt *Router) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]

	snapshot, err := rt.jobs.Status(r.Context(), jobID)
	if err != nil {
		writeError(w, mapErrorToHTTPStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (rt *Router) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	requesterID := strings.TrimSpace(r.Header.Get(userIDHeader))
	if requesterID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%s header is required", userIDHeader))
		return
	}

	if err := rt.jobs.Cancel(r.Context(), jobID, requesterID); err != nil {
		writeError(w, mapErrorToHTTPStatus(err), err)
		return
	}

	snapshot, err := rt.jobs.Status(r.Context(), jobID)
	if err != nil {
		writeError(w, mapErrorToHTTPStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// getJobResult streams the stored result bundle for a completed job.
func (rt *Router) getJobResult(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]

	snapshot, err := rt.jobs.Status(r.Context(), jobID)
	if err != nil {
		writeError(w, mapErrorToHTTPStatus(err), err)
		return
	}
	if snapshot.Status != domain.JobCompleted || snapshot.ResultRef == "" {
		writeError(w, http.StatusConflict, fmt.Errorf("job %s has no result (status %s)", jobID, snapshot.Status))
		return
	}

	reader, err := rt.storage.Open(r.Context(), snapshot.ResultRef)
	if err != nil {
		writeError(w, mapErrorToHTTPStatus(err), err)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, reader)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

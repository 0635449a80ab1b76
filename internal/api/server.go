package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"photobatch/internal/health"
	"photobatch/internal/models"
	"photobatch/internal/pipeline"
	"photobatch/internal/store"
	"photobatch/internal/telemetry"
)

// Pipeline is the orchestrator surface exposed over HTTP.
type Pipeline interface {
	SubmitBatch(ctx context.Context, batchID string, photoIDs []string) (string, error)
	ScheduleZipGeneration(ctx context.Context, batchID string) (string, error)
	SchedulePreviewGeneration(ctx context.Context, photoID string) (string, error)
	IsPreviewReady(ctx context.Context, photoID string) (bool, error)
	IsZipReady(ctx context.Context, batchID string) (bool, error)
	ArchiveURL(ctx context.Context, batchID string) (string, error)
	BatchPreviewURL(ctx context.Context, batchID string) (string, error)
}

// Entities reads batches, photos and status counts.
type Entities interface {
	GetBatch(ctx context.Context, id string) (models.Batch, error)
	GetPhoto(ctx context.Context, id string) (models.Photo, error)
	Stats(ctx context.Context) (store.ProcessingStats, error)
}

// DLQ lists dead-lettered job IDs.
type DLQ interface {
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Limiter rejects bursts of write requests per tenant.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Server wires HTTP handlers for the operations API.
type Server struct {
	pipeline Pipeline
	entities Entities
	dlq      DLQ
	limiter  Limiter
	log      zerolog.Logger
}

// New constructs the API server. limiter may be nil.
func New(p Pipeline, entities Entities, dlq DLQ, limiter Limiter, log zerolog.Logger) *Server {
	return &Server{
		pipeline: p,
		entities: entities,
		dlq:      dlq,
		limiter:  limiter,
		log:      log.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())
	r.Get("/dlq", s.handleDLQ)

	r.Route("/batches/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetBatch)
		r.Get("/archive", s.handleArchiveURL)
		r.With(s.rateLimited).Post("/submit", s.handleSubmit)
		r.With(s.rateLimited).Post("/archive", s.handleScheduleArchive)
	})
	r.Route("/photos/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetPhoto)
		r.With(s.rateLimited).Post("/preview", s.handleSchedulePreview)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.entities.Stats(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("load stats")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	report := health.Check(stats)
	code := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.dlq.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type batchResponse struct {
	Batch      models.Batch `json:"batch"`
	ZipReady   bool         `json:"zip_ready"`
	PreviewURL string       `json:"preview_url,omitempty"`
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, err := s.entities.GetBatch(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := batchResponse{Batch: b, ZipReady: b.ZipReady()}
	if url, err := s.pipeline.BatchPreviewURL(r.Context(), id); err == nil {
		resp.PreviewURL = url
	} else {
		s.log.Warn().Err(err).Str("batch_id", id).Msg("batch preview url")
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleArchiveURL(w http.ResponseWriter, r *http.Request) {
	url, err := s.pipeline.ArchiveURL(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

type submitRequest struct {
	PhotoIDs []string `json:"photo_ids"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "id")
	handle, err := s.pipeline.SubmitBatch(r.Context(), id, req.PhotoIDs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": id, "archive_job_id": handle})
}

func (s *Server) handleScheduleArchive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	jobID, err := s.pipeline.ScheduleZipGeneration(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": id, "job_id": jobID})
}

type photoResponse struct {
	Photo        models.Photo `json:"photo"`
	PreviewReady bool         `json:"preview_ready"`
}

func (s *Server) handleGetPhoto(w http.ResponseWriter, r *http.Request) {
	p, err := s.entities.GetPhoto(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, photoResponse{Photo: p, PreviewReady: p.PreviewReady()})
}

func (s *Server) handleSchedulePreview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	jobID, err := s.pipeline.SchedulePreviewGeneration(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"photo_id": id, "job_id": jobID})
}

func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, _, err := s.limiter.Allow(r.Context(), fmt.Sprintf("rl:%s", tenantFromRequest(r)))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, pipeline.ErrInvalidSubmission):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, pipeline.ErrArchiveNotReady):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.log.Error().Err(err).Msg("request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

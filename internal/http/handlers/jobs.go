package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pixelmuse/genqueue/internal/domain"
)

type createJobRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
}

type jobResponse struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	Model         string     `json:"model"`
	ProviderJobID string     `json:"provider_job_id,omitempty"`
	Outputs       []string   `json:"outputs,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

func toJobResponse(job *domain.Job) jobResponse {
	return jobResponse{
		ID:            job.ID,
		Status:        string(job.Status),
		Model:         job.Model,
		ProviderJobID: job.ProviderJobID,
		Outputs:       job.Outputs,
		Error:         job.ErrorMessage,
		CreatedAt:     job.CreatedAt,
		CompletedAt:   job.CompletedAt,
	}
}

// CreateJob accepts a generation request, persists the pending job and puts
// its id on the queue. Processing happens asynchronously; the response only
// acknowledges acceptance.
func (a *App) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		a.jsonError(w, http.StatusBadRequest, "model is required")
		return
	}

	job := domain.NewJob(req.Model, req.Input)
	if err := a.Jobs.Create(r.Context(), job); err != nil {
		a.Logger.Error().Err(err).Msg("jobs: create failed")
		a.jsonError(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	if err := a.Queue.Enqueue(r.Context(), job.ID); err != nil {
		// The row exists but never reached the queue; the reconciler will
		// fail it once it crosses the staleness threshold.
		a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("jobs: enqueue failed")
		a.jsonError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	a.json(w, http.StatusAccepted, toJobResponse(job))
}

// GetJob returns the current state of one job.
func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := a.Jobs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.jsonError(w, http.StatusNotFound, "job not found")
			return
		}
		a.Logger.Error().Err(err).Str("job_id", id).Msg("jobs: get failed")
		a.jsonError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	a.json(w, http.StatusOK, toJobResponse(job))
}

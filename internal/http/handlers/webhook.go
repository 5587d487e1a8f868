package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pixelmuse/genqueue/internal/domain"
	"github.com/pixelmuse/genqueue/internal/infra"
	"github.com/pixelmuse/genqueue/internal/provider"
)

type webhookPayload struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ProviderWebhook receives push notifications from the inference provider
// and applies the same terminal-transition rules as the worker. Responses
// stay in the 200 range even for unknown jobs so the provider does not
// build up a redelivery backlog; only malformed payloads get a 400. The
// handler never calls back into the provider.
func (a *App) ProviderWebhook(w http.ResponseWriter, r *http.Request) {
	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		a.jsonError(w, http.StatusBadRequest, "invalid webhook payload")
		return
	}
	if payload.ID == "" || payload.Status == "" {
		a.jsonError(w, http.StatusBadRequest, "id and status are required")
		return
	}

	logger := a.Logger.With().Str("provider_job_id", payload.ID).Str("status", payload.Status).Logger()

	job, err := a.Jobs.GetByProviderJobID(r.Context(), payload.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Stale or foreign webhook; acknowledged so the provider
			// does not retry.
			logger.Warn().Msg("webhook: no job for provider job id")
			a.json(w, http.StatusOK, map[string]any{"received": true, "known": false})
			return
		}
		logger.Error().Err(err).Msg("webhook: job lookup failed")
		a.jsonError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	switch payload.Status {
	case "starting", "queued", "processing", "running":
		// In-progress update: confirm the processing state, nothing more.
		if _, err := a.Jobs.MarkProcessing(r.Context(), job.ID); err != nil {
			logger.Error().Err(err).Msg("webhook: mark processing failed")
		}
	case "succeeded":
		outputs, err := provider.DecodeOutputs(payload.Output)
		if err != nil {
			a.jsonError(w, http.StatusBadRequest, "unsupported output payload")
			return
		}
		if len(outputs) == 0 {
			// A completed job must carry its artifacts; treat an empty
			// success report as a provider failure.
			a.applyTerminal(r, logger, job.ID, domain.JobStatusFailed, nil,
				"provider reported success with no outputs")
		} else {
			a.applyTerminal(r, logger, job.ID, domain.JobStatusCompleted, outputs, "")
		}
	case "failed", "canceled":
		msg := payload.Error
		if msg == "" {
			msg = "provider reported " + payload.Status
		}
		a.applyTerminal(r, logger, job.ID, domain.JobStatusFailed, nil, msg)
	default:
		a.jsonError(w, http.StatusBadRequest, "unknown status")
		return
	}

	a.json(w, http.StatusOK, map[string]any{"received": true, "known": true})
}

func (a *App) applyTerminal(r *http.Request, logger infra.Logger, jobID string, status domain.JobStatus, outputs []string, errMsg string) {
	applied, err := a.Jobs.Finalize(r.Context(), jobID, status, outputs, errMsg)
	if err != nil {
		logger.Error().Err(err).Msg("webhook: finalize failed")
		return
	}
	if !applied {
		// Duplicate delivery or a race the worker/reconciler already won.
		logger.Debug().Msg("webhook: job already terminal, no-op")
		return
	}
	logger.Info().Str("final_status", string(status)).Msg("webhook: job finalized")
}

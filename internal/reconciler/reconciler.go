// Package reconciler is the safety net for jobs that never reach a terminal
// state: worker crashed after submit, queue entry lost, webhook never
// arrived. An external scheduler triggers the sweep on a fixed cadence.
package reconciler

import (
	"context"
	"time"

	"github.com/pixelmuse/genqueue/internal/domain"
	"github.com/pixelmuse/genqueue/internal/infra"
)

// Result reports one sweep's outcome.
type Result struct {
	Cleaned int `json:"cleaned"`
	Total   int `json:"total"`
}

// Reconciler force-resolves jobs stuck in non-terminal states past the
// staleness threshold.
type Reconciler struct {
	jobs       domain.JobRepository
	provider   domain.ProviderClient
	logger     infra.Logger
	staleAfter time.Duration
}

// New wires a reconciler. staleAfter defaults to 30 minutes.
func New(jobs domain.JobRepository, provider domain.ProviderClient, logger infra.Logger, staleAfter time.Duration) *Reconciler {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	return &Reconciler{
		jobs:       jobs,
		provider:   provider,
		logger:     logger,
		staleAfter: staleAfter,
	}
}

// Sweep finds stale jobs and makes at most one resolution attempt per job.
// Jobs are handled sequentially to bound provider load. Finalize writes are
// conditional on the job still being non-terminal, so a sweep racing the
// worker, the webhook receiver or another sweep cannot corrupt a record
// already resolved by the other path.
func (r *Reconciler) Sweep(ctx context.Context) (Result, error) {
	cutoff := time.Now().UTC().Add(-r.staleAfter)
	stale, err := r.jobs.ListStale(ctx, cutoff)
	if err != nil {
		return Result{}, err
	}

	res := Result{Total: len(stale)}
	for i := range stale {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if r.resolve(ctx, &stale[i]) {
			res.Cleaned++
		}
	}
	r.logger.Info().
		Int("cleaned", res.Cleaned).
		Int("total", res.Total).
		Msg("reconciler: sweep finished")
	return res, nil
}

// resolve finalizes one stale job and reports whether this sweep's write
// took effect.
func (r *Reconciler) resolve(ctx context.Context, job *domain.Job) bool {
	logger := r.logger.With().Str("job_id", job.ID).Logger()

	// Never submitted: the provider has no record to consult.
	if job.ProviderJobID == "" {
		return r.finalize(ctx, logger, job.ID, domain.JobStatusFailed, nil,
			"job never reached the provider before the staleness threshold")
	}

	status, err := r.provider.Poll(ctx, job.ProviderJobID)
	if err != nil {
		logger.Warn().Err(err).Msg("reconciler: provider query failed, failing job")
		return r.finalize(ctx, logger, job.ID, domain.JobStatusFailed, nil,
			"generation timed out and provider status could not be confirmed")
	}

	switch status.State {
	case domain.ProviderStateSucceeded:
		if len(status.Outputs) == 0 {
			return r.finalize(ctx, logger, job.ID, domain.JobStatusFailed, nil,
				"provider reported success with no outputs")
		}
		return r.finalize(ctx, logger, job.ID, domain.JobStatusCompleted, status.Outputs, "")
	case domain.ProviderStateFailed:
		msg := status.Error
		if msg == "" {
			msg = "provider reported failure"
		}
		return r.finalize(ctx, logger, job.ID, domain.JobStatusFailed, nil, msg)
	default:
		// Still running provider-side past the threshold: fail the job and
		// tell the provider to stop spending compute on it. Cancellation is
		// advisory, never required for correctness.
		applied := r.finalize(ctx, logger, job.ID, domain.JobStatusFailed, nil,
			"generation timed out")
		if applied {
			if err := r.provider.Cancel(ctx, job.ProviderJobID); err != nil {
				logger.Warn().Err(err).Msg("reconciler: best-effort cancel failed")
			}
		}
		return applied
	}
}

func (r *Reconciler) finalize(ctx context.Context, logger infra.Logger, jobID string, status domain.JobStatus, outputs []string, errMsg string) bool {
	applied, err := r.jobs.Finalize(ctx, jobID, status, outputs, errMsg)
	if err != nil {
		logger.Error().Err(err).Msg("reconciler: finalize failed")
		return false
	}
	if !applied {
		logger.Debug().Msg("reconciler: job already finalized elsewhere")
		return false
	}
	logger.Info().Str("status", string(status)).Msg("reconciler: job force-resolved")
	return true
}

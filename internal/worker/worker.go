// Package worker drains the job queue and drives each job through the
// provider interaction: submit, poll, finalize. One job is processed at a
// time per worker process; concurrency comes from running several worker
// processes against the same queue, with the queue's leased pop keeping any
// entry with at most one consumer at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pixelmuse/genqueue/internal/domain"
	"github.com/pixelmuse/genqueue/internal/infra"
)

// Config holds worker tuning knobs.
type Config struct {
	DequeueWait     time.Duration
	PollInterval    time.Duration
	JobTimeout      time.Duration
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	ReclaimInterval time.Duration

	// WebhookURL, when set, is passed to the provider at submit so that
	// long-running jobs are also resolved by push delivery.
	WebhookURL string
}

func (c *Config) applyDefaults() {
	if c.DequeueWait <= 0 {
		c.DequeueWait = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 10 * time.Minute
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = 30 * time.Second
	}
}

// Worker is the queue-draining loop.
type Worker struct {
	jobs     domain.JobRepository
	queue    domain.Queue
	provider domain.ProviderClient
	logger   infra.Logger
	cfg      Config

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New wires a worker from its injected collaborators.
func New(jobs domain.JobRepository, queue domain.Queue, provider domain.ProviderClient, logger infra.Logger, cfg Config) *Worker {
	cfg.applyDefaults()
	return &Worker{
		jobs:     jobs,
		queue:    queue,
		provider: provider,
		logger:   logger,
		cfg:      cfg,
	}
}

// Start launches the processing loop in its own goroutine. Calling Start a
// second time is a warned no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		w.logger.Warn().Msg("worker: start called twice, ignoring")
		return
	}
	w.started = true

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		w.Run(runCtx)
	}()
}

// Stop signals the loop to exit after the in-flight job completes and waits
// up to grace for it. An in-progress provider call is never aborted.
func (w *Worker) Stop(grace time.Duration) {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-time.After(grace):
		w.logger.Warn().Dur("grace", grace).Msg("worker: shutdown grace elapsed with job in flight")
	}
}

// Run executes the processing loop in the calling goroutine until ctx is
// canceled. Cancellation is observed between jobs, never mid-job: the
// in-flight job runs on a detached context bounded by the job timeout.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info().Msg("worker: started")
	lastReclaim := time.Now()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("worker: stopped")
			return
		default:
		}

		if time.Since(lastReclaim) >= w.cfg.ReclaimInterval {
			lastReclaim = time.Now()
			if n, err := w.queue.ReclaimExpired(ctx); err != nil {
				w.logger.Error().Err(err).Msg("worker: lease reclaim failed")
			} else if n > 0 {
				w.logger.Info().Int("reclaimed", n).Msg("worker: requeued expired leases")
			}
		}

		entry, err := w.queue.Dequeue(ctx, w.cfg.DequeueWait)
		if err != nil {
			if errors.Is(err, domain.ErrQueueEmpty) || errors.Is(err, context.Canceled) {
				continue
			}
			w.logger.Error().Err(err).Msg("worker: dequeue failed")
			sleepCtx(ctx, w.cfg.DequeueWait)
			continue
		}

		// The job itself must survive shutdown signals; only the timeout
		// budget bounds it.
		jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.JobTimeout)
		w.processEntry(jobCtx, entry)
		cancel()
	}
}

// processEntry advances one leased entry. Errors and panics are contained
// here so a poisoned job never takes the loop down.
func (w *Worker) processEntry(ctx context.Context, entry *domain.QueueEntry) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().
				Str("job_id", entry.JobID).
				Interface("panic", r).
				Msg("worker: panic while processing job")
			w.finalize(ctx, entry.JobID, domain.JobStatusFailed, nil, fmt.Sprintf("internal error: %v", r))
			w.ack(ctx, entry)
		}
	}()

	logger := w.logger.With().Str("job_id", entry.JobID).Logger()

	job, err := w.jobs.GetByID(ctx, entry.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Warn().Msg("worker: dequeued unknown job, dropping")
			w.ack(ctx, entry)
			return
		}
		// Load failures are left unacked: the lease expires and the entry
		// is retried by whichever worker picks it up next.
		logger.Error().Err(err).Msg("worker: load job failed")
		return
	}
	if job.Status.Terminal() {
		logger.Debug().Str("status", string(job.Status)).Msg("worker: job already terminal, skipping")
		w.ack(ctx, entry)
		return
	}

	claimed, err := w.jobs.MarkProcessing(ctx, job.ID)
	if err != nil {
		logger.Error().Err(err).Msg("worker: mark processing failed")
		return
	}
	if !claimed {
		logger.Debug().Msg("worker: job finalized elsewhere before claim")
		w.ack(ctx, entry)
		return
	}

	if err := w.process(ctx, logger, job); err != nil {
		logger.Error().Err(err).Msg("worker: job failed")
		w.finalize(ctx, job.ID, domain.JobStatusFailed, nil, err.Error())
	}
	w.ack(ctx, entry)
}

// process submits the job if it never reached the provider, then polls until
// a terminal provider status or the job timeout budget runs out. A non-nil
// return means the job must be finalized as failed with the returned message.
func (w *Worker) process(ctx context.Context, logger infra.Logger, job *domain.Job) error {
	providerJobID := job.ProviderJobID
	if providerJobID == "" {
		id, err := w.submitWithRetry(ctx, logger, job)
		if err != nil {
			return err
		}
		providerJobID = id
		if err := w.jobs.SetProviderJobID(ctx, job.ID, providerJobID); err != nil {
			// The prediction is running; losing the reference would strand
			// it past webhook and reconciler recovery.
			return fmt.Errorf("record provider job id: %w", err)
		}
		logger.Info().Str("provider_job_id", providerJobID).Msg("worker: submitted to provider")
	}

	attempts := 0
	for {
		status, err := w.provider.Poll(ctx, providerJobID)
		if err != nil {
			if errors.Is(err, domain.ErrProviderRejected) {
				return err
			}
			attempts++
			if attempts >= w.cfg.MaxAttempts {
				return fmt.Errorf("poll failed after %d attempts: %w", attempts, err)
			}
			logger.Warn().Err(err).Int("attempt", attempts).Msg("worker: poll failed, backing off")
			if !sleepCtx(ctx, backoff(attempts, w.cfg.BackoffBase, w.cfg.BackoffMax)) {
				return fmt.Errorf("generation timed out after %s", w.cfg.JobTimeout)
			}
			continue
		}
		attempts = 0

		switch status.State {
		case domain.ProviderStateSucceeded:
			// A completed job must carry its artifacts. A success report
			// without them is a provider anomaly, not a deliverable.
			if len(status.Outputs) == 0 {
				return errors.New("provider reported success with no outputs")
			}
			w.finalize(ctx, job.ID, domain.JobStatusCompleted, status.Outputs, "")
			logger.Info().Int("outputs", len(status.Outputs)).Msg("worker: job completed")
			return nil
		case domain.ProviderStateFailed:
			return errors.New(status.Error)
		default:
			if !sleepCtx(ctx, w.cfg.PollInterval) {
				return fmt.Errorf("generation timed out after %s", w.cfg.JobTimeout)
			}
		}
	}
}

// submitWithRetry retries transient submit failures with exponential backoff
// up to the attempt ceiling. Provider rejections are terminal immediately.
func (w *Worker) submitWithRetry(ctx context.Context, logger infra.Logger, job *domain.Job) (string, error) {
	sub := domain.Submission{Model: job.Model, Input: job.InputJSON, WebhookURL: w.cfg.WebhookURL}
	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		id, err := w.provider.Submit(ctx, sub)
		if err == nil {
			return id, nil
		}
		if errors.Is(err, domain.ErrProviderRejected) {
			return "", err
		}
		lastErr = err
		logger.Warn().Err(err).Int("attempt", attempt).Msg("worker: submit failed, backing off")
		if attempt < w.cfg.MaxAttempts {
			if !sleepCtx(ctx, backoff(attempt, w.cfg.BackoffBase, w.cfg.BackoffMax)) {
				break
			}
		}
	}
	return "", fmt.Errorf("submit failed after %d attempts: %w", w.cfg.MaxAttempts, lastErr)
}

// terminalWriteTimeout bounds the finalize and ack writes. They run detached
// from the job context: when the budget itself is what expired, the terminal
// write must still land.
const terminalWriteTimeout = 15 * time.Second

func (w *Worker) finalize(ctx context.Context, jobID string, status domain.JobStatus, outputs []string, errMsg string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()
	applied, err := w.jobs.Finalize(ctx, jobID, status, outputs, errMsg)
	if err != nil {
		w.logger.Error().Err(err).Str("job_id", jobID).Msg("worker: finalize failed")
		return
	}
	if !applied {
		w.logger.Debug().Str("job_id", jobID).Msg("worker: job already finalized elsewhere")
	}
}

func (w *Worker) ack(ctx context.Context, entry *domain.QueueEntry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()
	if err := w.queue.Ack(ctx, entry); err != nil {
		w.logger.Error().Err(err).Str("job_id", entry.JobID).Msg("worker: ack failed")
	}
}

// backoff doubles the base per attempt, capped at max.
func backoff(attempt int, base, max time.Duration) time.Duration {
	d := base << (attempt - 1)
	if d > max || d <= 0 {
		return max
	}
	return d
}

// sleepCtx sleeps for d or until ctx is done, reporting whether the full
// sleep elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

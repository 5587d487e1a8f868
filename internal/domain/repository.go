package domain

import (
	"context"
	"time"
)

// JobRepository defines persistence for job entities. Mutations that race
// with other components (MarkProcessing, Finalize) are conditional on the
// current status and report whether they took effect.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, jobID string) (*Job, error)
	GetByProviderJobID(ctx context.Context, providerJobID string) (*Job, error)

	// MarkProcessing moves a non-terminal job into processing. It returns
	// false without error when the job is already terminal.
	MarkProcessing(ctx context.Context, jobID string) (bool, error)

	// SetProviderJobID records the external reference assigned at submit.
	SetProviderJobID(ctx context.Context, jobID, providerJobID string) error

	// Finalize applies a terminal transition. The write only takes effect
	// while the job is still non-terminal; a false return means another
	// component finalized the job first and nothing was changed.
	Finalize(ctx context.Context, jobID string, status JobStatus, outputs []string, errMsg string) (bool, error)

	// ListStale returns non-terminal jobs created before the cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]Job, error)
}

// QueueEntry is what the queue hands to a consumer: the job reference plus
// the enqueue metadata needed to honor ordering and lease bookkeeping.
type QueueEntry struct {
	JobID      string    `json:"job_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue is an ordered, durable work list of job ids with at-least-once
// delivery. Dequeue leases an entry to the caller; an entry that is never
// acked becomes deliverable again once its lease expires.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error

	// Dequeue blocks up to wait for the next entry. It returns
	// ErrQueueEmpty when nothing arrived within the window.
	Dequeue(ctx context.Context, wait time.Duration) (*QueueEntry, error)

	// Ack releases the lease and removes the entry for good.
	Ack(ctx context.Context, entry *QueueEntry) error

	// ReclaimExpired requeues entries whose lease lapsed without an ack
	// and reports how many were recovered.
	ReclaimExpired(ctx context.Context) (int, error)
}

// ProviderClient isolates all network interaction with the inference API.
type ProviderClient interface {
	// Submit starts a generation and returns the provider's job id. It
	// fails with ErrProviderUnavailable on network/5xx conditions (the
	// caller may retry) and ErrProviderRejected on validation errors.
	Submit(ctx context.Context, sub Submission) (string, error)

	// Poll fetches the current provider-side status of a submitted job.
	Poll(ctx context.Context, providerJobID string) (*ProviderStatus, error)

	// Cancel is best-effort; callers log failures and move on.
	Cancel(ctx context.Context, providerJobID string) error
}

package handlers

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pixelmuse/genqueue/internal/domain"
	"github.com/pixelmuse/genqueue/internal/reconciler"
)

type memRepo struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func newMemRepo(jobs ...*domain.Job) *memRepo {
	r := &memRepo{jobs: map[string]*domain.Job{}}
	for _, j := range jobs {
		copied := *j
		r.jobs[j.ID] = &copied
	}
	return r
}

func (r *memRepo) Create(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *job
	r.jobs[job.ID] = &copied
	return nil
}

func (r *memRepo) GetByID(_ context.Context, jobID string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (r *memRepo) GetByProviderJobID(_ context.Context, providerJobID string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, job := range r.jobs {
		if providerJobID != "" && job.ProviderJobID == providerJobID {
			copied := *job
			return &copied, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memRepo) MarkProcessing(_ context.Context, jobID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok || job.Status.Terminal() {
		return false, nil
	}
	job.Status = domain.JobStatusProcessing
	return true, nil
}

func (r *memRepo) SetProviderJobID(_ context.Context, jobID, providerJobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[jobID]; ok {
		job.ProviderJobID = providerJobID
	}
	return nil
}

func (r *memRepo) Finalize(_ context.Context, jobID string, status domain.JobStatus, outputs []string, errMsg string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok || job.Status.Terminal() {
		return false, nil
	}
	now := time.Now().UTC()
	job.Status = status
	job.Outputs = outputs
	job.ErrorMessage = errMsg
	job.CompletedAt = &now
	return true, nil
}

func (r *memRepo) ListStale(_ context.Context, cutoff time.Time) ([]domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stale []domain.Job
	for _, job := range r.jobs {
		if !job.Status.Terminal() && job.CreatedAt.Before(cutoff) {
			stale = append(stale, *job)
		}
	}
	return stale, nil
}

type memQueue struct {
	mu       sync.Mutex
	enqueued []string
	fail     bool
}

func (q *memQueue) Enqueue(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail {
		return context.DeadlineExceeded
	}
	q.enqueued = append(q.enqueued, jobID)
	return nil
}

func (q *memQueue) Dequeue(_ context.Context, _ time.Duration) (*domain.QueueEntry, error) {
	return nil, domain.ErrQueueEmpty
}

func (q *memQueue) Ack(_ context.Context, _ *domain.QueueEntry) error { return nil }

func (q *memQueue) ReclaimExpired(_ context.Context) (int, error) { return 0, nil }

type stubProvider struct {
	statuses map[string]*domain.ProviderStatus
}

func (p *stubProvider) Submit(_ context.Context, _ domain.Submission) (string, error) {
	return "", domain.ErrProviderUnavailable
}

func (p *stubProvider) Poll(_ context.Context, providerJobID string) (*domain.ProviderStatus, error) {
	if status, ok := p.statuses[providerJobID]; ok {
		return status, nil
	}
	return &domain.ProviderStatus{State: domain.ProviderStateRunning}, nil
}

func (p *stubProvider) Cancel(_ context.Context, _ string) error { return nil }

func newTestApp(repo *memRepo, q *memQueue, p *stubProvider, cronSecret string) *App {
	logger := zerolog.New(io.Discard)
	rec := reconciler.New(repo, p, logger, 30*time.Minute)
	return NewApp(repo, q, rec, logger, cronSecret)
}

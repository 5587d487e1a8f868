package repo

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixelmuse/genqueue/internal/domain"
	"github.com/pixelmuse/genqueue/internal/infra"
)

// JobRepositoryPG implements domain.JobRepository.
//
// Expected table:
//
//	CREATE TABLE jobs (
//	    id              UUID PRIMARY KEY,
//	    status          TEXT NOT NULL,
//	    model           TEXT NOT NULL,
//	    input_json      JSONB,
//	    provider_job_id TEXT NOT NULL DEFAULT '',
//	    outputs         TEXT[],
//	    error_message   TEXT NOT NULL DEFAULT '',
//	    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    completed_at    TIMESTAMPTZ
//	);
//	CREATE INDEX jobs_provider_job_id_idx ON jobs (provider_job_id) WHERE provider_job_id <> '';
//	CREATE INDEX jobs_stale_idx ON jobs (created_at) WHERE status IN ('pending', 'processing');
type JobRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(pool *pgxpool.Pool) *JobRepositoryPG {
	return &JobRepositoryPG{pool: pool}
}

// Create inserts a new job record.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	query := `
INSERT INTO jobs (id, status, model, input_json, provider_job_id, outputs, error_message, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
`
	_, err := r.pool.Exec(ctx, query,
		job.ID,
		job.Status,
		job.Model,
		job.InputJSON,
		job.ProviderJobID,
		job.Outputs,
		job.ErrorMessage,
		job.CreatedAt,
		job.UpdatedAt,
	)
	return err
}

// GetByID fetches a job by its identifier.
func (r *JobRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query := selectJob + ` WHERE id = $1;`
	return r.scanOne(r.pool.QueryRow(ctx, query, jobID))
}

// GetByProviderJobID fetches the job carrying the given external reference.
func (r *JobRepositoryPG) GetByProviderJobID(ctx context.Context, providerJobID string) (*domain.Job, error) {
	if providerJobID == "" {
		return nil, domain.ErrNotFound
	}
	query := selectJob + ` WHERE provider_job_id = $1;`
	return r.scanOne(r.pool.QueryRow(ctx, query, providerJobID))
}

// MarkProcessing moves a non-terminal job into processing. The conditional
// WHERE clause makes the write a no-op against terminal records.
func (r *JobRepositoryPG) MarkProcessing(ctx context.Context, jobID string) (bool, error) {
	query := `
UPDATE jobs
SET status = $2, updated_at = now()
WHERE id = $1 AND status IN ($3, $4);
`
	tag, err := r.pool.Exec(ctx, query, jobID,
		domain.JobStatusProcessing, domain.JobStatusPending, domain.JobStatusProcessing)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SetProviderJobID records the external reference assigned at submit.
func (r *JobRepositoryPG) SetProviderJobID(ctx context.Context, jobID, providerJobID string) error {
	query := `
UPDATE jobs
SET provider_job_id = $2, updated_at = now()
WHERE id = $1;
`
	_, err := r.pool.Exec(ctx, query, jobID, providerJobID)
	return err
}

// Finalize applies a terminal transition, conditional on the job still being
// non-terminal. Duplicate webhook deliveries and worker/reconciler races all
// collapse into a RowsAffected() == 0 no-op here.
func (r *JobRepositoryPG) Finalize(ctx context.Context, jobID string, status domain.JobStatus, outputs []string, errMsg string) (bool, error) {
	query := `
UPDATE jobs
SET status = $2,
    outputs = $3,
    error_message = $4,
    completed_at = now(),
    updated_at = now()
WHERE id = $1 AND status IN ($5, $6);
`
	tag, err := r.pool.Exec(ctx, query, jobID, status, outputs, errMsg,
		domain.JobStatusPending, domain.JobStatusProcessing)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListStale returns non-terminal jobs created before the cutoff, oldest first.
func (r *JobRepositoryPG) ListStale(ctx context.Context, cutoff time.Time) ([]domain.Job, error) {
	query := selectJob + `
WHERE status IN ($1, $2) AND created_at < $3
ORDER BY created_at ASC;
`
	rows, err := r.pool.Query(ctx, query, domain.JobStatusPending, domain.JobStatusProcessing, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

const selectJob = `
SELECT id, status, model, input_json, provider_job_id, outputs, error_message, created_at, updated_at, completed_at
FROM jobs`

func (r *JobRepositoryPG) scanOne(row pgx.Row) (*domain.Job, error) {
	job, err := scanJob(row)
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var job domain.Job
	if err := row.Scan(
		&job.ID,
		&job.Status,
		&job.Model,
		&job.InputJSON,
		&job.ProviderJobID,
		&job.Outputs,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
	); err != nil {
		return nil, err
	}
	return &job, nil
}

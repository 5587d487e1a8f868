package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job encapsulates the lifecycle of one asynchronous generation request.
// A job starts out pending with no provider reference; the worker moves it
// to processing and records the provider job id once submitted. Terminal
// writes (completed/failed) are applied conditionally so that whichever of
// the worker, webhook receiver or reconciler observes the outcome first
// wins, and later writers become no-ops.
type Job struct {
	ID            string
	Status        JobStatus
	Model         string
	InputJSON     json.RawMessage
	ProviderJobID string
	Outputs       []string
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// NewJob builds a pending job for the given model and input payload.
func NewJob(model string, input json.RawMessage) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        uuid.NewString(),
		Status:    JobStatusPending,
		Model:     model,
		InputJSON: input,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ProviderState enumerates the states the inference provider reports.
type ProviderState string

const (
	ProviderStateQueued    ProviderState = "queued"
	ProviderStateRunning   ProviderState = "running"
	ProviderStateSucceeded ProviderState = "succeeded"
	ProviderStateFailed    ProviderState = "failed"
)

// ProviderStatus is the normalized result of one provider poll.
type ProviderStatus struct {
	State   ProviderState
	Outputs []string
	Error   string
}

// Submission carries everything the provider needs to start a generation.
type Submission struct {
	Model      string
	Input      json.RawMessage
	WebhookURL string
}

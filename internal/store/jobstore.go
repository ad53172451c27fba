package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/oriys/cleanroom/internal/domain"
)

// ErrNotFound is returned when a job ID has no record (or it expired).
var ErrNotFound = errors.New("job not found")

// ErrTerminal is returned when an update targets a job that already reached
// a terminal status.
var ErrTerminal = errors.New("job is in a terminal status")

// JobUpdate contains optional fields for patching a job record. Nil fields
// are left untouched. Updates against terminal jobs are rejected.
type JobUpdate struct {
	Status       *domain.JobStatus
	CurrentPhase *int
	TotalUnits   *int
	Error        *string
	StartedAt    *time.Time
	CompletedAt  *time.Time

	// ResetCounters zeroes Processed/Failed. Each phase sets TotalUnits to
	// its own fan-out and resets the counters, so progress tracks the
	// active phase.
	ResetCounters bool

	// PhaseSummary attaches the aggregate metrics computed at a phase join.
	PhaseSummaryTag domain.PhaseTag
	PhaseSummary    any
}

// Statistics aggregates the recent-jobs list for the CLI and dashboard.
type Statistics struct {
	TotalJobs      int `json:"total_jobs"`
	CompletedJobs  int `json:"completed_jobs"`
	RunningJobs    int `json:"running_jobs"`
	FailedJobs     int `json:"failed_jobs"`
	PendingJobs    int `json:"pending_jobs"`
	CancelledJobs  int `json:"cancelled_jobs"`
	TotalUnits     int `json:"total_units"`
	ProcessedUnits int `json:"processed_units"`
}

// JobStore is the persistent, concurrency-safe store for job metadata and
// per-phase result lists. Counter increments are atomic; field patches never
// transition a job out of a terminal status.
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	UpdateJob(ctx context.Context, id string, update JobUpdate) error

	IncrementProcessed(ctx context.Context, id string) error
	IncrementFailed(ctx context.Context, id string) error

	AppendPhaseResult(ctx context.Context, id string, tag domain.PhaseTag, record any) error
	PhaseResults(ctx context.Context, id string, tag domain.PhaseTag) ([]json.RawMessage, error)

	ListRecentJobs(ctx context.Context, limit int) ([]*domain.Job, error)
	CancelJob(ctx context.Context, id string) (bool, error)
	DeleteJob(ctx context.Context, id string) error
	Statistics(ctx context.Context) (*Statistics, error)

	Ping(ctx context.Context) error
	Close() error
}

package domain

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a batch job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is a sink: once a job reaches a
// terminal status it never transitions again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Priority is an advisory scheduling hint for a job.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ParsePriority validates a priority string; empty defaults to normal.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return Priority(s), nil
	case "":
		return PriorityNormal, nil
	}
	return "", fmt.Errorf("invalid priority: %q", s)
}

// WorkerHint maps a priority to the numeric scheduler hint carried by the
// dispatch queue. The hint is advisory; it does not guarantee fairness.
func (p Priority) WorkerHint() int {
	switch p {
	case PriorityLow:
		return 3
	case PriorityHigh:
		return 7
	default:
		return 5
	}
}

// PhaseTag identifies one of the three pipeline phases in the job store.
type PhaseTag string

const (
	PhaseCDR PhaseTag = "phase1"
	PhaseAV  PhaseTag = "phase2"
	PhaseEDR PhaseTag = "phase3"
)

// PhaseTagFor returns the tag for a phase number (1-3).
func PhaseTagFor(n int) (PhaseTag, error) {
	switch n {
	case 1:
		return PhaseCDR, nil
	case 2:
		return PhaseAV, nil
	case 3:
		return PhaseEDR, nil
	}
	return "", fmt.Errorf("invalid phase number: %d", n)
}

// ValidatePhases checks a requested phase set. Phases 2 and 3 consume the
// sanitized artifacts produced by phase 1, so a request that enables either
// without phase 1 is rejected at planning time.
func ValidatePhases(phases []int) error {
	if len(phases) == 0 {
		return fmt.Errorf("at least one phase is required")
	}
	seen := make(map[int]bool, len(phases))
	for _, p := range phases {
		if p < 1 || p > 3 {
			return fmt.Errorf("invalid phase number: %d", p)
		}
		if seen[p] {
			return fmt.Errorf("duplicate phase number: %d", p)
		}
		seen[p] = true
	}
	if (seen[2] || seen[3]) && !seen[1] {
		return fmt.Errorf("phases 2 and 3 require phase 1 outputs; enable phase 1")
	}
	return nil
}

// Job is the persistent record for one batch validation run.
//
// The unit counters describe the fan-out of the phase currently running:
// each phase start sets TotalUnits to its own unit count and resets
// Processed/Failed, so ProgressPercent always reflects the active phase.
// Within a phase the counters only move forward.
type Job struct {
	ID            string     `json:"job_id"`
	ContainerName string     `json:"container_name"`
	FilePaths     []string   `json:"file_paths,omitempty"`
	Phases        []int      `json:"phases"`
	Priority      Priority   `json:"priority"`
	Status        JobStatus  `json:"status"`
	TotalUnits    int        `json:"total_units"`
	Processed     int        `json:"processed"`
	Failed        int        `json:"failed"`
	CurrentPhase  int        `json:"current_phase,omitempty"` // 0 = none yet
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`

	// Per-phase aggregate metrics, keyed by PhaseTag, filled in as each
	// phase joins.
	PhaseSummaries map[PhaseTag]any `json:"phase_summaries,omitempty"`
}

// ProgressPercent returns 100*Processed/TotalUnits, or 0 when no units exist.
func (j *Job) ProgressPercent() float64 {
	if j.TotalUnits <= 0 {
		return 0
	}
	return float64(j.Processed) / float64(j.TotalUnits) * 100
}

// PhaseEnabled reports whether the job requested the given phase number.
func (j *Job) PhaseEnabled(n int) bool {
	for _, p := range j.Phases {
		if p == n {
			return true
		}
	}
	return false
}

// NextPhase returns the lowest enabled phase number strictly greater than
// after, or 0 when the job has no further phases.
func (j *Job) NextPhase(after int) int {
	next := 0
	for _, p := range j.Phases {
		if p > after && (next == 0 || p < next) {
			next = p
		}
	}
	return next
}

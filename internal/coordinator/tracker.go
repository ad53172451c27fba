package coordinator

import (
	"sync"
	"time"
)

// ActiveJob is the in-memory view of a job currently being driven by this
// process. The persistent record lives in the job store; the tracker exists
// so health checks and cancellation can see what is in flight without a
// store round trip.
type ActiveJob struct {
	JobID     string    `json:"job_id"`
	Phase     int       `json:"phase"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type tracker struct {
	mu   sync.RWMutex
	jobs map[string]*activeEntry
}

type activeEntry struct {
	job    ActiveJob
	cancel func()
}

func newTracker() *tracker {
	return &tracker{jobs: make(map[string]*activeEntry)}
}

// add registers a running job with its cancellation hook.
func (t *tracker) add(jobID string, cancel func()) {
	now := time.Now().UTC()
	t.mu.Lock()
	t.jobs[jobID] = &activeEntry{
		job:    ActiveJob{JobID: jobID, StartedAt: now, UpdatedAt: now},
		cancel: cancel,
	}
	t.mu.Unlock()
}

func (t *tracker) setPhase(jobID string, phase int) {
	t.mu.Lock()
	if e, ok := t.jobs[jobID]; ok {
		e.job.Phase = phase
		e.job.UpdatedAt = time.Now().UTC()
	}
	t.mu.Unlock()
}

// cancel fires the job's cancellation hook. Returns false when the job is
// not active in this process.
func (t *tracker) cancelJob(jobID string) bool {
	t.mu.RLock()
	e, ok := t.jobs[jobID]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	e.cancel()
	return true
}

func (t *tracker) remove(jobID string) {
	t.mu.Lock()
	delete(t.jobs, jobID)
	t.mu.Unlock()
}

// active returns a snapshot of in-flight jobs, newest first omitted; callers
// sort if they care.
func (t *tracker) active() []ActiveJob {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ActiveJob, 0, len(t.jobs))
	for _, e := range t.jobs {
		out = append(out, e.job)
	}
	return out
}

func (t *tracker) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.jobs)
}

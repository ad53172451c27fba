// Package coordinator drives jobs through the validation pipeline: phase 1
// sanitization, phase 2 scanning, phase 3 detonation, strictly in order.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/cleanroom/internal/domain"
	"github.com/oriys/cleanroom/internal/logging"
	"github.com/oriys/cleanroom/internal/metrics"
	"github.com/oriys/cleanroom/internal/observability"
	"github.com/oriys/cleanroom/internal/phase"
	"github.com/oriys/cleanroom/internal/store"
)

// cancelPollInterval is how often a running job re-reads its store record to
// observe cancellations requested through the API or another process.
const cancelPollInterval = 3 * time.Second

// SubmitRequest is a validated batch submission.
type SubmitRequest struct {
	ContainerName string
	FilePaths     []string
	Phases        []int
	Priority      string
}

// Coordinator owns the job lifecycle. One instance runs per daemon; jobs
// execute concurrently, each phase internally bounded by its own worker cap.
type Coordinator struct {
	pipeline  *phase.Pipeline
	store     store.JobStore
	analytics *store.AnalyticsStore // optional
	tracker   *tracker

	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

func New(p *phase.Pipeline, s store.JobStore, analytics *store.AnalyticsStore) *Coordinator {
	return &Coordinator{
		pipeline:  p,
		store:     s,
		analytics: analytics,
		tracker:   newTracker(),
	}
}

// Submit validates the request, persists a pending job, and starts driving
// it in the background. Returns the created job record.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (*domain.Job, error) {
	if req.ContainerName == "" {
		return nil, fmt.Errorf("container_name is required")
	}
	if err := domain.ValidatePhases(req.Phases); err != nil {
		return nil, err
	}
	priority, err := domain.ParsePriority(req.Priority)
	if err != nil {
		return nil, err
	}

	filePaths := req.FilePaths
	if len(filePaths) == 0 {
		// No explicit list: the whole container is the batch. Sanitized
		// copies from earlier runs are not fresh work.
		all, err := c.pipeline.Blob.List(ctx, req.ContainerName)
		if err != nil {
			return nil, fmt.Errorf("list container %s: %w", req.ContainerName, err)
		}
		for _, p := range all {
			if len(p) >= 9 && p[:9] == "post-cdr/" {
				continue
			}
			filePaths = append(filePaths, p)
		}
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, fmt.Errorf("coordinator is shutting down")
	}
	c.mu.Unlock()

	job := &domain.Job{
		ID:            uuid.NewString(),
		ContainerName: req.ContainerName,
		FilePaths:     filePaths,
		Phases:        req.Phases,
		Priority:      priority,
		Status:        domain.JobPending,
		CreatedAt:     time.Now().UTC(),
	}
	if err := c.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}

	metrics.JobSubmitted()
	logging.Op().Info("job submitted",
		"job_id", job.ID, "container", job.ContainerName,
		"files", len(filePaths), "phases", job.Phases, "priority", priority)

	c.wg.Add(1)
	go c.runJob(job)
	return job, nil
}

// Cancel requests cancellation: the store record flips to cancelled (unless
// already terminal), and if the job is active in this process its context is
// cancelled so in-flight units stop at the next check.
func (c *Coordinator) Cancel(ctx context.Context, jobID string) (bool, error) {
	transitioned, err := c.store.CancelJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if transitioned {
		c.tracker.cancelJob(jobID)
	}
	return transitioned, nil
}

// Active returns the jobs this process is currently driving.
func (c *Coordinator) Active() []ActiveJob {
	return c.tracker.active()
}

// ActiveCount is used by the health endpoint.
func (c *Coordinator) ActiveCount() int {
	return c.tracker.count()
}

// BreakerStates reports the per-engine circuit breaker states, nil when
// breaking is disabled.
func (c *Coordinator) BreakerStates() map[string]string {
	return c.pipeline.Breakers.Snapshot()
}

// Shutdown stops accepting jobs and waits for running ones to settle their
// in-flight units, up to the context deadline.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()

	for _, a := range c.tracker.active() {
		c.tracker.cancelJob(a.JobID)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logging.Op().Warn("coordinator shutdown timed out with jobs still active",
			"active", c.tracker.count())
	}
}

// runJob drives one job through its enabled phases in order. Each phase must
// join before the next starts.
func (c *Coordinator) runJob(job *domain.Job) {
	defer c.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.tracker.add(job.ID, cancel)
	defer c.tracker.remove(job.ID)

	ctx, span := observability.StartSpan(ctx, "job.run",
		observability.AttrJobID.String(job.ID),
		observability.AttrContainer.String(job.ContainerName),
	)
	defer span.End()

	// Cancellations can arrive from another process through the store.
	stopWatch := c.watchCancellation(ctx, job.ID, cancel)
	defer stopWatch()

	now := time.Now().UTC()
	running := domain.JobRunning
	if err := c.store.UpdateJob(ctx, job.ID, store.JobUpdate{
		Status:    &running,
		StartedAt: &now,
	}); err != nil {
		// Cancelled before the first phase started.
		if errors.Is(err, store.ErrTerminal) {
			c.finish(job, domain.JobCancelled, "")
			return
		}
		logging.Op().Error("mark job running failed", "job_id", job.ID, "error", err)
		c.finish(job, domain.JobFailed, fmt.Sprintf("start job: %v", err))
		return
	}

	// An empty batch is a valid submission with nothing to do: the job
	// completes immediately with zero units.
	if len(job.FilePaths) == 0 {
		logging.Op().Info("empty batch, nothing to validate", "job_id", job.ID)
		c.finish(job, domain.JobCompleted, "")
		return
	}

	var summaries jobSummaries
	for p := job.NextPhase(0); p != 0; p = job.NextPhase(p) {
		if ctx.Err() != nil {
			c.finish(job, domain.JobCancelled, "")
			return
		}
		c.tracker.setPhase(job.ID, p)

		if err := c.runPhase(ctx, job, p, &summaries); err != nil {
			if ctx.Err() != nil {
				c.finish(job, domain.JobCancelled, "")
				return
			}
			logging.Op().Error("phase failed",
				"job_id", job.ID, "phase", p, "error", err)
			c.finish(job, domain.JobFailed, fmt.Sprintf("phase %d: %v", p, err))
			return
		}
	}

	if ctx.Err() != nil {
		c.finish(job, domain.JobCancelled, "")
		return
	}
	c.finish(job, domain.JobCompleted, "")
	c.saveAnalytics(job, &summaries)
}

type jobSummaries struct {
	cdr *domain.CDRSummary
	av  *domain.AVSummary
	edr *domain.EDRSummary
}

func (c *Coordinator) runPhase(ctx context.Context, job *domain.Job, num int, out *jobSummaries) error {
	var err error
	switch num {
	case 1:
		out.cdr, err = c.pipeline.RunCDR(ctx, job)
		if err == nil && out.cdr.Successful == 0 {
			// Nothing was sanitized, so phases 2 and 3 have no plan.
			return fmt.Errorf("no file was sanitized by any engine")
		}
	case 2:
		out.av, err = c.pipeline.RunAV(ctx, job)
	case 3:
		out.edr, err = c.pipeline.RunEDR(ctx, job)
	default:
		return fmt.Errorf("invalid phase number: %d", num)
	}
	return err
}

// finish marks the job's terminal status. The store's terminal guard makes
// this a no-op when a cancellation already landed.
func (c *Coordinator) finish(job *domain.Job, status domain.JobStatus, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now().UTC()
	update := store.JobUpdate{Status: &status, CompletedAt: &now}
	if errMsg != "" {
		update.Error = &errMsg
	}
	err := c.store.UpdateJob(ctx, job.ID, update)
	if err != nil && !errors.Is(err, store.ErrTerminal) {
		logging.Op().Error("finalize job failed",
			"job_id", job.ID, "status", status, "error", err)
		return
	}
	if errors.Is(err, store.ErrTerminal) {
		status = domain.JobCancelled
	}

	metrics.JobFinished(string(status))
	logging.Op().Info("job finished", "job_id", job.ID, "status", status)
}

// watchCancellation polls the store record and cancels the job context when
// another actor flipped it to a terminal status.
func (c *Coordinator) watchCancellation(ctx context.Context, jobID string, cancel func()) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
			}

			job, err := c.store.GetJob(ctx, jobID)
			if err != nil {
				continue
			}
			if job.Status == domain.JobCancelled {
				logging.Op().Info("cancellation observed", "job_id", jobID)
				cancel()
				return
			}
		}
	}()
	return func() { close(stop) }
}

// saveAnalytics persists the noise-reduction row for a completed job.
func (c *Coordinator) saveAnalytics(job *domain.Job, s *jobSummaries) {
	if c.analytics == nil {
		return
	}

	row := &store.NoiseReductionRow{
		JobID:         job.ID,
		ContainerName: job.ContainerName,
		CompletedAt:   time.Now().UTC(),
	}
	if s.av != nil {
		row.AVPreDetections = s.av.PreCDRDetections
		row.AVPostDetections = s.av.PostCDRDetections
		row.AVReductionPct = s.av.DetectionReductionPct
	}
	if s.edr != nil {
		row.EDRPreAlerts = s.edr.PreCDRAlerts
		row.EDRPostAlerts = s.edr.PostCDRAlerts
		row.EDRReductionPct = s.edr.AlertReductionPct
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.analytics.SaveNoiseReduction(ctx, row); err != nil {
		logging.Op().Error("save analytics failed", "job_id", job.ID, "error", err)
	}
}

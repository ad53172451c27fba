package phase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/cleanroom/internal/config"
	"github.com/oriys/cleanroom/internal/domain"
	"github.com/oriys/cleanroom/internal/logging"
	"github.com/oriys/cleanroom/internal/metrics"
	"github.com/oriys/cleanroom/internal/observability"
	"github.com/oriys/cleanroom/internal/store"
)

// Unit is one schedulable item of phase work. Execute runs the unit and
// returns the record to persist plus its terminal status. ErrorRecord builds
// the record persisted when the unit never produced one (retries exhausted,
// cancellation observed before the unit started).
type Unit struct {
	Name        string
	Execute     func(ctx context.Context) (any, domain.UnitStatus)
	ErrorRecord func(status domain.UnitStatus, errMsg string, retries int) any
}

// Outcome is the join result of one phase: every unit settled exactly once.
type Outcome struct {
	Total     int
	Succeeded int
	Failed    int
	Cancelled int
	Duration  time.Duration
}

// Runner fans a phase's units out across a bounded worker set and joins when
// every unit has settled. A unit that panics or errors settles as failed; the
// phase itself only errors on store-level problems.
type Runner struct {
	Store store.JobStore
	Cfg   config.PhaseConfig
}

// Run executes all units for one phase of a job. On entry it points the job
// record at this phase: CurrentPhase, TotalUnits = len(units), counters
// reset. Unit results are appended to the phase list as they settle, so
// polling clients watch progress live.
func (r *Runner) Run(ctx context.Context, job *domain.Job, tag domain.PhaseTag, phaseNum int, units []Unit) (*Outcome, error) {
	start := time.Now()

	ctx, span := observability.StartSpan(ctx, "phase.run",
		observability.AttrJobID.String(job.ID),
		observability.AttrPhase.String(string(tag)),
	)
	defer span.End()

	log := logging.Op()
	if sc := span.SpanContext(); sc.IsValid() {
		log = logging.OpWithTrace(sc.TraceID().String(), sc.SpanID().String())
	}

	running := domain.JobRunning
	total := len(units)
	err := r.Store.UpdateJob(ctx, job.ID, store.JobUpdate{
		Status:        &running,
		CurrentPhase:  &phaseNum,
		TotalUnits:    &total,
		ResetCounters: true,
	})
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", tag, err)
	}

	log.Info("phase started",
		"job_id", job.ID, "phase", tag, "units", total)

	concurrency := r.Cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	queue := make(chan Unit)
	results := make(chan settled, concurrency)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for u := range queue {
				results <- r.runUnit(ctx, job.ID, tag, u)
			}
		}()
	}

	go func() {
		defer close(queue)
		for _, u := range units {
			queue <- u
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	out := &Outcome{Total: total}
	for s := range results {
		if err := r.settle(job.ID, tag, s); err != nil {
			// The unit ran; losing its record is a store outage, not a unit
			// failure. Surface it after the join completes.
			logging.Op().Error("persist unit result failed",
				"job_id", job.ID, "phase", tag, "unit", s.unit, "error", err)
		}
		switch s.status {
		case domain.UnitSuccess:
			out.Succeeded++
		case domain.UnitCancelled:
			out.Cancelled++
		default:
			out.Failed++
		}
		metrics.UnitProcessed(string(tag), string(s.status))
	}

	out.Duration = time.Since(start)
	metrics.ObservePhaseDuration(string(tag), out.Duration)
	log.Info("phase joined",
		"job_id", job.ID, "phase", tag,
		"succeeded", out.Succeeded, "failed", out.Failed, "cancelled", out.Cancelled,
		"duration", out.Duration.Round(time.Millisecond))
	return out, nil
}

type settled struct {
	unit    string
	record  any
	status  domain.UnitStatus
	retries int
}

func (r *Runner) runUnit(ctx context.Context, jobID string, tag domain.PhaseTag, u Unit) settled {
	// Cancellation observed before the unit starts: settle without running.
	if ctx.Err() != nil {
		return settled{
			unit:   u.Name,
			record: u.ErrorRecord(domain.UnitCancelled, "job cancelled", 0),
			status: domain.UnitCancelled,
		}
	}

	start := time.Now()
	var lastErr string

	for attempt := 0; attempt <= r.Cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			logging.Op().Warn("retrying unit",
				"job_id", jobID, "phase", tag, "unit", u.Name,
				"attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return settled{
					unit:    u.Name,
					record:  u.ErrorRecord(domain.UnitCancelled, "job cancelled", attempt),
					status:  domain.UnitCancelled,
					retries: attempt,
				}
			case <-time.After(r.Cfg.RetryDelay()):
			}
		}

		record, status := r.executeBounded(ctx, jobID, tag, u)
		metrics.ObserveUnitDuration(string(tag), time.Since(start))

		switch status {
		case domain.UnitError:
			// Errorf records are the only retryable outcome; an engine
			// that ran and said "failed" is a result, not an error, and a
			// unit that built its own error record decided the failure is
			// final.
			rec, ok := record.(errorRecord)
			if !ok {
				return settled{unit: u.Name, record: record, status: status, retries: attempt}
			}
			lastErr = rec.msg
			continue
		default:
			return settled{unit: u.Name, record: record, status: status, retries: attempt}
		}
	}

	return settled{
		unit:    u.Name,
		record:  u.ErrorRecord(domain.UnitError, lastErr, r.Cfg.MaxRetries),
		status:  domain.UnitError,
		retries: r.Cfg.MaxRetries,
	}
}

// errorRecord wraps a transient failure so runUnit can retry with the
// message without persisting an intermediate record.
type errorRecord struct{ msg string }

// Errorf signals a retryable unit error to the runner.
func Errorf(format string, args ...any) (any, domain.UnitStatus) {
	return errorRecord{msg: fmt.Sprintf(format, args...)}, domain.UnitError
}

// executeBounded runs one attempt under the hard timeout, logging when the
// soft timeout passes. A panic inside the unit must not take the worker (and
// with it the daemon) down; it surfaces as a unit error instead.
func (r *Runner) executeBounded(ctx context.Context, jobID string, tag domain.PhaseTag, u Unit) (record any, status domain.UnitStatus) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Op().Error("unit panicked",
				"job_id", jobID, "phase", tag, "unit", u.Name, "panic", rec)
			record, status = Errorf("unit panic: %v", rec)
		}
	}()

	runCtx := ctx
	var cancel context.CancelFunc
	if hard := r.Cfg.HardTimeout(); hard > 0 {
		runCtx, cancel = context.WithTimeout(ctx, hard)
		defer cancel()
	}

	if soft := r.Cfg.SoftTimeout(); soft > 0 {
		timer := time.AfterFunc(soft, func() {
			logging.Op().Warn("unit exceeded soft timeout",
				"job_id", jobID, "phase", tag, "unit", u.Name, "soft_timeout", soft)
		})
		defer timer.Stop()
	}

	return u.Execute(runCtx)
}

// settle persists one unit's record and bumps the job counters. Counter
// writes use the store's atomic increments; appends preserve settle order.
func (r *Runner) settle(jobID string, tag domain.PhaseTag, s settled) error {
	// Persistence must survive job-context cancellation: cancelled units
	// still settle with a record.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.record != nil {
		if _, isErr := s.record.(errorRecord); !isErr {
			if err := r.Store.AppendPhaseResult(ctx, jobID, tag, s.record); err != nil {
				return err
			}
		}
	}

	if s.status == domain.UnitSuccess {
		return r.Store.IncrementProcessed(ctx, jobID)
	}
	return r.Store.IncrementFailed(ctx, jobID)
}

package phase

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/oriys/cleanroom/internal/config"
	"github.com/oriys/cleanroom/internal/domain"
	"github.com/oriys/cleanroom/internal/store"
)

func newTestStore(t *testing.T) store.JobStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return store.NewRedisJobStoreFromClient(client, time.Hour)
}

func seedJob(t *testing.T, s store.JobStore, id string, phases []int) *domain.Job {
	t.Helper()
	job := &domain.Job{
		ID:            id,
		ContainerName: "samples",
		FilePaths:     []string{"a.docx", "b.pdf"},
		Phases:        phases,
		Priority:      domain.PriorityNormal,
		Status:        domain.JobPending,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.CreateJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	return job
}

func staticUnit(name string, status domain.UnitStatus) Unit {
	return Unit{
		Name: name,
		Execute: func(ctx context.Context) (any, domain.UnitStatus) {
			return &domain.CDRUnitResult{OriginalPath: name, Status: status}, status
		},
		ErrorRecord: func(st domain.UnitStatus, msg string, retries int) any {
			return &domain.CDRUnitResult{OriginalPath: name, Status: st, Error: msg}
		},
	}
}

func TestRunnerJoinsAllUnits(t *testing.T) {
	s := newTestStore(t)
	job := seedJob(t, s, "r-1", []int{1})
	r := &Runner{Store: s, Cfg: config.PhaseConfig{MaxConcurrency: 4}}

	units := []Unit{
		staticUnit("u1", domain.UnitSuccess),
		staticUnit("u2", domain.UnitSuccess),
		staticUnit("u3", domain.UnitFailed),
	}

	out, err := r.Run(context.Background(), job, domain.PhaseCDR, 1, units)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Total != 3 || out.Succeeded != 2 || out.Failed != 1 {
		t.Errorf("outcome = %+v", out)
	}

	got, err := s.GetJob(context.Background(), "r-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobRunning || got.CurrentPhase != 1 {
		t.Errorf("job = %+v", got)
	}
	if got.TotalUnits != 3 || got.Processed != 3 || got.Failed != 1 {
		t.Errorf("counters: total=%d processed=%d failed=%d", got.TotalUnits, got.Processed, got.Failed)
	}

	results, err := s.PhaseResults(context.Background(), "r-1", domain.PhaseCDR)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Errorf("persisted results = %d, want 3", len(results))
	}
}

func TestRunnerResetsCountersPerPhase(t *testing.T) {
	s := newTestStore(t)
	job := seedJob(t, s, "r-2", []int{1, 2})
	r := &Runner{Store: s, Cfg: config.PhaseConfig{MaxConcurrency: 2}}

	if _, err := r.Run(context.Background(), job, domain.PhaseCDR, 1, []Unit{
		staticUnit("u1", domain.UnitSuccess),
		staticUnit("u2", domain.UnitFailed),
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Run(context.Background(), job, domain.PhaseAV, 2, []Unit{
		staticUnit("u3", domain.UnitSuccess),
	}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetJob(context.Background(), "r-2")
	if err != nil {
		t.Fatal(err)
	}
	// Phase 2 starts fresh: counters describe the active phase only.
	if got.CurrentPhase != 2 || got.TotalUnits != 1 || got.Processed != 1 || got.Failed != 0 {
		t.Errorf("job after phase 2 = %+v", got)
	}
}

func TestRunnerRetriesTransientErrors(t *testing.T) {
	s := newTestStore(t)
	job := seedJob(t, s, "r-3", []int{1})
	r := &Runner{Store: s, Cfg: config.PhaseConfig{MaxConcurrency: 1, MaxRetries: 3}}

	var attempts int32
	flaky := Unit{
		Name: "flaky",
		Execute: func(ctx context.Context) (any, domain.UnitStatus) {
			if atomic.AddInt32(&attempts, 1) < 3 {
				return Errorf("connection reset")
			}
			return &domain.CDRUnitResult{OriginalPath: "flaky", Status: domain.UnitSuccess}, domain.UnitSuccess
		},
		ErrorRecord: func(st domain.UnitStatus, msg string, retries int) any {
			return &domain.CDRUnitResult{OriginalPath: "flaky", Status: st, Error: msg}
		},
	}

	out, err := r.Run(context.Background(), job, domain.PhaseCDR, 1, []Unit{flaky})
	if err != nil {
		t.Fatal(err)
	}
	if out.Succeeded != 1 {
		t.Errorf("outcome = %+v", out)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestRunnerExhaustsRetries(t *testing.T) {
	s := newTestStore(t)
	job := seedJob(t, s, "r-4", []int{1})
	r := &Runner{Store: s, Cfg: config.PhaseConfig{MaxConcurrency: 1, MaxRetries: 2}}

	var attempts int32
	broken := Unit{
		Name: "broken",
		Execute: func(ctx context.Context) (any, domain.UnitStatus) {
			atomic.AddInt32(&attempts, 1)
			return Errorf("endpoint down")
		},
		ErrorRecord: func(st domain.UnitStatus, msg string, retries int) any {
			return &domain.CDRUnitResult{OriginalPath: "broken", Status: st, Error: msg}
		},
	}

	out, err := r.Run(context.Background(), job, domain.PhaseCDR, 1, []Unit{broken})
	if err != nil {
		t.Fatal(err)
	}
	if out.Failed != 1 {
		t.Errorf("outcome = %+v", out)
	}
	// Initial attempt plus two retries.
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestRunnerSurvivesPanickingUnit(t *testing.T) {
	s := newTestStore(t)
	job := seedJob(t, s, "r-6", []int{1})
	r := &Runner{Store: s, Cfg: config.PhaseConfig{MaxConcurrency: 2}}

	units := []Unit{
		{
			Name: "bomb",
			Execute: func(ctx context.Context) (any, domain.UnitStatus) {
				panic("nil dereference in engine adapter")
			},
			ErrorRecord: func(st domain.UnitStatus, msg string, retries int) any {
				return &domain.CDRUnitResult{OriginalPath: "bomb", Status: st, Error: msg}
			},
		},
		staticUnit("survivor", domain.UnitSuccess),
	}

	// The panic settles as a failed unit; the phase still joins.
	out, err := r.Run(context.Background(), job, domain.PhaseCDR, 1, units)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Total != 2 || out.Succeeded != 1 || out.Failed != 1 {
		t.Errorf("outcome = %+v", out)
	}

	results, err := s.PhaseResults(context.Background(), "r-6", domain.PhaseCDR)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, entry := range results {
		var rec domain.CDRUnitResult
		if err := json.Unmarshal(entry, &rec); err != nil {
			t.Fatal(err)
		}
		if rec.OriginalPath == "bomb" {
			found = true
			if rec.Status != domain.UnitError || !strings.Contains(rec.Error, "unit panic") {
				t.Errorf("panic record = %+v", rec)
			}
		}
	}
	if !found {
		t.Error("no record persisted for the panicking unit")
	}
}

func TestRunnerDoesNotRetryFinalErrorRecords(t *testing.T) {
	s := newTestStore(t)
	job := seedJob(t, s, "r-7", []int{1})
	r := &Runner{Store: s, Cfg: config.PhaseConfig{MaxConcurrency: 1, MaxRetries: 3}}

	// A unit that builds its own error record has decided the failure is
	// final; the runner must not run it again.
	var attempts int32
	terminal := Unit{
		Name: "starved",
		Execute: func(ctx context.Context) (any, domain.UnitStatus) {
			atomic.AddInt32(&attempts, 1)
			return &domain.CDRUnitResult{
				OriginalPath: "starved",
				Status:       domain.UnitError,
				Error:        "no capacity",
			}, domain.UnitError
		},
		ErrorRecord: func(st domain.UnitStatus, msg string, retries int) any {
			return &domain.CDRUnitResult{OriginalPath: "starved", Status: st, Error: msg}
		},
	}

	out, err := r.Run(context.Background(), job, domain.PhaseCDR, 1, []Unit{terminal})
	if err != nil {
		t.Fatal(err)
	}
	if out.Failed != 1 {
		t.Errorf("outcome = %+v", out)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}

	results, err := s.PhaseResults(context.Background(), "r-7", domain.PhaseCDR)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Errorf("persisted results = %d, want 1", len(results))
	}
}

func TestRunnerCancellationSettlesRemainingUnits(t *testing.T) {
	s := newTestStore(t)
	job := seedJob(t, s, "r-5", []int{1})
	r := &Runner{Store: s, Cfg: config.PhaseConfig{MaxConcurrency: 1}}

	ctx, cancel := context.WithCancel(context.Background())

	units := []Unit{
		{
			Name: "canceller",
			Execute: func(ctx context.Context) (any, domain.UnitStatus) {
				cancel()
				return &domain.CDRUnitResult{OriginalPath: "canceller", Status: domain.UnitSuccess}, domain.UnitSuccess
			},
			ErrorRecord: func(st domain.UnitStatus, msg string, retries int) any {
				return &domain.CDRUnitResult{OriginalPath: "canceller", Status: st}
			},
		},
		staticUnit("after-cancel-1", domain.UnitSuccess),
		staticUnit("after-cancel-2", domain.UnitSuccess),
	}

	out, err := r.Run(ctx, job, domain.PhaseCDR, 1, units)
	if err != nil {
		t.Fatal(err)
	}
	if out.Succeeded != 1 || out.Cancelled != 2 {
		t.Errorf("outcome = %+v", out)
	}

	// Every unit settles exactly once, even the cancelled ones.
	got, err := s.GetJob(context.Background(), "r-5")
	if err != nil {
		t.Fatal(err)
	}
	if got.Processed != 3 {
		t.Errorf("processed = %d, want 3", got.Processed)
	}
}

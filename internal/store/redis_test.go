package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/oriys/cleanroom/internal/domain"
)

func newTestStore(t *testing.T) *RedisJobStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisJobStoreFromClient(client, time.Hour)
}

func testJob(id string) *domain.Job {
	return &domain.Job{
		ID:            id,
		ContainerName: "samples",
		FilePaths:     []string{"a.docx", "b.pdf"},
		Phases:        []int{1, 2, 3},
		Priority:      domain.PriorityNormal,
		Status:        domain.JobPending,
		CreatedAt:     time.Now().UTC(),
	}
}

func TestCreateAndGetJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateJob(ctx, testJob("job-1")); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.ContainerName != "samples" {
		t.Errorf("container = %q", got.ContainerName)
	}
	if len(got.FilePaths) != 2 || got.FilePaths[1] != "b.pdf" {
		t.Errorf("file paths = %v", got.FilePaths)
	}
	if len(got.Phases) != 3 {
		t.Errorf("phases = %v", got.Phases)
	}
	if got.Status != domain.JobPending {
		t.Errorf("status = %q", got.Status)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetJob(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateJobPhaseTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateJob(ctx, testJob("job-2")); err != nil {
		t.Fatal(err)
	}

	running := domain.JobRunning
	phase := 1
	total := 6
	now := time.Now().UTC()
	err := s.UpdateJob(ctx, "job-2", JobUpdate{
		Status:        &running,
		CurrentPhase:  &phase,
		TotalUnits:    &total,
		StartedAt:     &now,
		ResetCounters: true,
	})
	if err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	got, err := s.GetJob(ctx, "job-2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobRunning || got.CurrentPhase != 1 || got.TotalUnits != 6 {
		t.Errorf("job = %+v", got)
	}
	if got.StartedAt == nil {
		t.Error("started_at not set")
	}
}

func TestUpdateJobTerminalGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateJob(ctx, testJob("job-3")); err != nil {
		t.Fatal(err)
	}

	done := domain.JobCompleted
	if err := s.UpdateJob(ctx, "job-3", JobUpdate{Status: &done}); err != nil {
		t.Fatal(err)
	}

	// A late phase update must not resurrect a completed job.
	running := domain.JobRunning
	err := s.UpdateJob(ctx, "job-3", JobUpdate{Status: &running})
	if !errors.Is(err, ErrTerminal) {
		t.Errorf("err = %v, want ErrTerminal", err)
	}

	got, _ := s.GetJob(ctx, "job-3")
	if got.Status != domain.JobCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
}

func TestUpdateJobMissing(t *testing.T) {
	s := newTestStore(t)
	running := domain.JobRunning
	err := s.UpdateJob(context.Background(), "nope", JobUpdate{Status: &running})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateJob(ctx, testJob("job-4")); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := s.IncrementProcessed(ctx, "job-4"); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.IncrementFailed(ctx, "job-4"); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetJob(ctx, "job-4")
	if err != nil {
		t.Fatal(err)
	}
	// A failed unit also counts as processed.
	if got.Processed != 4 || got.Failed != 1 {
		t.Errorf("processed = %d, failed = %d", got.Processed, got.Failed)
	}
}

func TestPhaseResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateJob(ctx, testJob("job-5")); err != nil {
		t.Fatal(err)
	}

	r1 := domain.CDRUnitResult{OriginalPath: "a.docx", Engine: "glasswall", Status: domain.UnitSuccess}
	r2 := domain.CDRUnitResult{OriginalPath: "b.pdf", Engine: "glasswall", Status: domain.UnitFailed}
	if err := s.AppendPhaseResult(ctx, "job-5", domain.PhaseCDR, r1); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendPhaseResult(ctx, "job-5", domain.PhaseCDR, r2); err != nil {
		t.Fatal(err)
	}

	raw, err := s.PhaseResults(ctx, "job-5", domain.PhaseCDR)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != 2 {
		t.Fatalf("results = %d, want 2", len(raw))
	}

	var first domain.CDRUnitResult
	if err := json.Unmarshal(raw[0], &first); err != nil {
		t.Fatal(err)
	}
	// Append order is preserved.
	if first.OriginalPath != "a.docx" {
		t.Errorf("first result = %+v", first)
	}

	// Other phases stay empty.
	other, err := s.PhaseResults(ctx, "job-5", domain.PhaseAV)
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Errorf("phase2 results = %d, want 0", len(other))
	}
}

func TestPhaseSummaryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateJob(ctx, testJob("job-6")); err != nil {
		t.Fatal(err)
	}

	err := s.UpdateJob(ctx, "job-6", JobUpdate{
		PhaseSummaryTag: domain.PhaseCDR,
		PhaseSummary:    domain.CDRSummary{TotalUnits: 6, Successful: 5, Failed: 1},
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetJob(ctx, "job-6")
	if err != nil {
		t.Fatal(err)
	}
	summary, ok := got.PhaseSummaries[domain.PhaseCDR].(map[string]any)
	if !ok {
		t.Fatalf("summary missing: %+v", got.PhaseSummaries)
	}
	if summary["total_tasks"].(float64) != 6 {
		t.Errorf("summary = %v", summary)
	}
}

func TestListRecentJobsOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"old", "mid", "new"} {
		if err := s.CreateJob(ctx, testJob(id)); err != nil {
			t.Fatal(err)
		}
	}

	jobs, err := s.ListRecentJobs(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 || jobs[0].ID != "new" || jobs[1].ID != "mid" {
		ids := make([]string, len(jobs))
		for i, j := range jobs {
			ids[i] = j.ID
		}
		t.Errorf("recent = %v, want [new mid]", ids)
	}
}

func TestCancelJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateJob(ctx, testJob("job-7")); err != nil {
		t.Fatal(err)
	}

	ok, err := s.CancelJob(ctx, "job-7")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("cancel refused on a pending job")
	}

	got, _ := s.GetJob(ctx, "job-7")
	if got.Status != domain.JobCancelled {
		t.Errorf("status = %q", got.Status)
	}
	if got.CancelledAt == nil {
		t.Error("cancelled_at not set")
	}

	// Idempotent: second cancel reports false, status stays cancelled.
	ok, err = s.CancelJob(ctx, "job-7")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second cancel reported a transition")
	}
}

func TestDeleteJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateJob(ctx, testJob("job-8")); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendPhaseResult(ctx, "job-8", domain.PhaseCDR, domain.CDRUnitResult{OriginalPath: "a"}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteJob(ctx, "job-8"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetJob(ctx, "job-8"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	jobs, err := s.ListRecentJobs(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Errorf("recent after delete = %d", len(jobs))
	}
}

func TestStatistics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j1 := testJob("s-1")
	if err := s.CreateJob(ctx, j1); err != nil {
		t.Fatal(err)
	}
	j2 := testJob("s-2")
	if err := s.CreateJob(ctx, j2); err != nil {
		t.Fatal(err)
	}
	done := domain.JobCompleted
	if err := s.UpdateJob(ctx, "s-2", JobUpdate{Status: &done}); err != nil {
		t.Fatal(err)
	}

	stats, err := s.Statistics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalJobs != 2 || stats.PendingJobs != 1 || stats.CompletedJobs != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

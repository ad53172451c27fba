package phase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oriys/cleanroom/internal/blob"
	"github.com/oriys/cleanroom/internal/config"
	"github.com/oriys/cleanroom/internal/domain"
	"github.com/oriys/cleanroom/internal/engine"
	"github.com/oriys/cleanroom/internal/engine/av"
	"github.com/oriys/cleanroom/internal/engine/cdr"
	"github.com/oriys/cleanroom/internal/store"
	"github.com/oriys/cleanroom/internal/vmbackend"
	"github.com/oriys/cleanroom/internal/vmpool"
)

type fakeCDR struct {
	name string
	fail map[string]bool // original path -> engine rejects it
}

func (f *fakeCDR) Name() string { return f.name }

func (f *fakeCDR) Sanitize(ctx context.Context, filename string, data []byte) (*cdr.Result, error) {
	if f.fail[filename] {
		return nil, fmt.Errorf("unsupported format")
	}
	return &cdr.Result{
		Sanitized:    []byte("clean:" + string(data)),
		ThreatsFound: 1,
		ProcessingMS: 5,
	}, nil
}

type fakeAV struct {
	name string
}

func (f *fakeAV) Name() string { return f.name }

// Scan flags anything not yet sanitized as malicious.
func (f *fakeAV) Scan(ctx context.Context, filename string, data []byte) (*av.Verdict, error) {
	malicious := !strings.HasPrefix(string(data), "clean:")
	v := &av.Verdict{Malicious: malicious}
	if malicious {
		v.ThreatName = "EICAR-Test"
		v.Confidence = 90
	}
	return v, nil
}

type fakeConsole struct {
	label string
	mu    sync.Mutex
	// pre-CDR detonations raise alerts; sanitized files stay quiet. The
	// console can't see file contents, so the test tracks which VM ran what.
	noisyVMs map[string]int
}

func (f *fakeConsole) Label() string { return f.label }

func (f *fakeConsole) markDetonation(vmName string, alerts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noisyVMs == nil {
		f.noisyVMs = make(map[string]int)
	}
	f.noisyVMs[vmName] = alerts
}

func (f *fakeConsole) Alerts(ctx context.Context, vmName string, since, until time.Time) ([]domain.Alert, error) {
	f.mu.Lock()
	n := f.noisyVMs[vmName]
	delete(f.noisyVMs, vmName)
	f.mu.Unlock()

	alerts := make([]domain.Alert, n)
	for i := range alerts {
		alerts[i] = domain.Alert{
			ID:         fmt.Sprintf("%s-alert-%d", vmName, i),
			Severity:   "high",
			ThreatType: "malware",
		}
	}
	return alerts, nil
}

// sanitizedMarker is base64("clean:"), the prefix the fake CDR engine puts
// on sanitized content. Staged chunks carrying it identify post-CDR samples.
const sanitizedMarker = "Y2xlYW46"

// poolBackend detonates instantly and tells the console about pre-CDR runs.
type poolBackend struct {
	console *fakeConsole
	mu      sync.Mutex
	created int
	staged  map[string]bool // vm name -> last staged file was sanitized
}

func (b *poolBackend) Create(ctx context.Context, spec vmbackend.Spec) (*vmbackend.VM, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created++
	return &vmbackend.VM{Name: fmt.Sprintf("vm-%s-%d", spec.Label, b.created), Label: spec.Label}, nil
}

func (b *poolBackend) Delete(ctx context.Context, vm *vmbackend.VM) error { return nil }

func (b *poolBackend) RunCommand(ctx context.Context, vm *vmbackend.VM, script string) (*vmbackend.CommandResult, error) {
	b.mu.Lock()
	if b.staged == nil {
		b.staged = make(map[string]bool)
	}
	if strings.Contains(script, "Add-Content") {
		b.staged[vm.Name] = strings.Contains(script, sanitizedMarker)
	}
	sanitized := b.staged[vm.Name]
	b.mu.Unlock()

	if strings.Contains(script, "Start-Process") && !sanitized {
		// Pre-CDR samples make noise; sanitized copies stay quiet.
		b.console.markDetonation(vm.Name, 3)
	}
	return &vmbackend.CommandResult{ExitCode: 0}, nil
}

func newTestPipeline(t *testing.T, s store.JobStore) (*Pipeline, *fakeConsole) {
	t.Helper()

	bs, err := blob.NewDirStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	console := &fakeConsole{label: "crowdstrike"}
	pool := vmpool.New(&poolBackend{console: console}, config.PoolConfig{
		PoolSize:          2,
		MaxUses:           100,
		CleanTimeoutSec:   5,
		AcquireTimeoutSec: 5,
		Labels: map[string]config.LabelConfig{
			"crowdstrike": {BaseImageID: "/images/cs"},
		},
	})
	if err := pool.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Shutdown(ctx)
	})

	return &Pipeline{
		Store: s,
		Blob:  bs,
		Registry: &engine.Registry{
			CDR: []engine.CDREngine{&fakeCDR{name: "glasswall"}},
			AV:  []engine.AVEngine{&fakeAV{name: "opswat"}},
			EDR: map[string]engine.EDRConsole{"crowdstrike": console},
		},
		Pool: pool,
		Cfg: config.PhasesConfig{
			CDR: config.PhaseConfig{MaxConcurrency: 4},
			AV:  config.PhaseConfig{MaxConcurrency: 4},
			EDR: config.PhaseConfig{MaxConcurrency: 2, MaxRetries: 1},
		},
	}, console
}

func uploadSamples(t *testing.T, p *Pipeline, container string, paths ...string) {
	t.Helper()
	for _, path := range paths {
		if err := p.Blob.Upload(context.Background(), container, path, []byte("sample-"+path)); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRunCDRUploadsSanitizedCopies(t *testing.T) {
	s := newTestStore(t)
	p, _ := newTestPipeline(t, s)
	job := seedJob(t, s, "cdr-1", []int{1})
	uploadSamples(t, p, job.ContainerName, "a.docx", "b.pdf")

	summary, err := p.RunCDR(context.Background(), job)
	if err != nil {
		t.Fatalf("RunCDR: %v", err)
	}
	if summary.TotalUnits != 2 || summary.Successful != 2 || summary.Failed != 0 {
		t.Errorf("summary = %+v", summary)
	}

	data, err := p.Blob.Download(context.Background(), job.ContainerName, "post-cdr/glasswall/a.docx")
	if err != nil {
		t.Fatalf("sanitized copy missing: %v", err)
	}
	if string(data) != "clean:sample-a.docx" {
		t.Errorf("sanitized content = %q", data)
	}

	got, err := s.GetJob(context.Background(), "cdr-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.PhaseSummaries[domain.PhaseCDR] == nil {
		t.Error("phase summary not attached to job")
	}
}

func TestRunCDRPartialFailure(t *testing.T) {
	s := newTestStore(t)
	p, _ := newTestPipeline(t, s)
	p.Registry.CDR = []engine.CDREngine{&fakeCDR{
		name: "glasswall",
		fail: map[string]bool{"b.pdf": true},
	}}
	job := seedJob(t, s, "cdr-2", []int{1})
	uploadSamples(t, p, job.ContainerName, "a.docx", "b.pdf")

	summary, err := p.RunCDR(context.Background(), job)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Successful != 1 || summary.Failed != 1 {
		t.Errorf("summary = %+v", summary)
	}

	// The failed unit's record is persisted with the engine's message.
	raw, err := s.PhaseResults(context.Background(), "cdr-2", domain.PhaseCDR)
	if err != nil {
		t.Fatal(err)
	}
	foundFailure := false
	for _, entry := range raw {
		var r domain.CDRUnitResult
		if err := json.Unmarshal(entry, &r); err != nil {
			t.Fatal(err)
		}
		if r.OriginalPath == "b.pdf" {
			foundFailure = true
			if r.Status != domain.UnitFailed || r.Error == "" {
				t.Errorf("failed record = %+v", r)
			}
		}
	}
	if !foundFailure {
		t.Error("no record for the failed file")
	}
}

func TestBuildFilePlan(t *testing.T) {
	s := newTestStore(t)
	p, _ := newTestPipeline(t, s)
	job := seedJob(t, s, "plan-1", []int{1, 2})
	uploadSamples(t, p, job.ContainerName, "a.docx", "b.pdf")

	p.Registry.CDR = []engine.CDREngine{&fakeCDR{
		name: "glasswall",
		fail: map[string]bool{"b.pdf": true},
	}}
	if _, err := p.RunCDR(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	plan, err := BuildFilePlan(context.Background(), s, "plan-1")
	if err != nil {
		t.Fatal(err)
	}

	// b.pdf was never sanitized, so it is excluded entirely.
	if len(plan) != 2 {
		t.Fatalf("plan = %+v", plan)
	}
	if plan[0].Path != "a.docx" || plan[0].Variant != domain.PreCDR {
		t.Errorf("plan[0] = %+v", plan[0])
	}
	if plan[1].Path != "post-cdr/glasswall/a.docx" || plan[1].Variant != domain.PostCDR ||
		plan[1].CDREngine != "glasswall" || plan[1].OriginalPath != "a.docx" {
		t.Errorf("plan[1] = %+v", plan[1])
	}
}

func TestRunAVComputesReduction(t *testing.T) {
	s := newTestStore(t)
	p, _ := newTestPipeline(t, s)
	job := seedJob(t, s, "av-1", []int{1, 2})
	uploadSamples(t, p, job.ContainerName, "a.docx", "b.pdf")

	if _, err := p.RunCDR(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	summary, err := p.RunAV(context.Background(), job)
	if err != nil {
		t.Fatalf("RunAV: %v", err)
	}

	// 2 originals + 2 sanitized copies, one AV engine.
	if summary.TotalScans != 4 || summary.Successful != 4 {
		t.Errorf("summary = %+v", summary)
	}
	// Originals detected, sanitized copies clean.
	if summary.PreCDRDetections != 2 || summary.PostCDRDetections != 0 {
		t.Errorf("detections = %+v", summary)
	}
	if summary.DetectionReductionPct != 100 {
		t.Errorf("reduction pct = %v", summary.DetectionReductionPct)
	}
}

// countingBlob wraps a Store and counts downloads, one per unit attempt.
type countingBlob struct {
	blob.Store
	mu        sync.Mutex
	downloads int
}

func (c *countingBlob) Download(ctx context.Context, container, path string) ([]byte, error) {
	c.mu.Lock()
	c.downloads++
	c.mu.Unlock()
	return c.Store.Download(ctx, container, path)
}

func (c *countingBlob) reset() {
	c.mu.Lock()
	c.downloads = 0
	c.mu.Unlock()
}

func TestRunEDRSaturatedPoolDoesNotRetry(t *testing.T) {
	s := newTestStore(t)

	bs, err := blob.NewDirStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cb := &countingBlob{Store: bs}

	console := &fakeConsole{label: "crowdstrike"}
	pool := vmpool.New(&poolBackend{console: console}, config.PoolConfig{
		PoolSize:          1,
		MaxUses:           100,
		CleanTimeoutSec:   5,
		AcquireTimeoutSec: 1,
		Labels: map[string]config.LabelConfig{
			"crowdstrike": {BaseImageID: "/images/cs"},
		},
	})
	if err := pool.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Shutdown(ctx)
	})

	p := &Pipeline{
		Store: s,
		Blob:  cb,
		Registry: &engine.Registry{
			CDR: []engine.CDREngine{&fakeCDR{name: "glasswall"}},
			EDR: map[string]engine.EDRConsole{"crowdstrike": console},
		},
		Pool: pool,
		Cfg: config.PhasesConfig{
			CDR: config.PhaseConfig{MaxConcurrency: 2},
			EDR: config.PhaseConfig{MaxConcurrency: 2, MaxRetries: 2},
		},
	}

	job := seedJob(t, s, "edr-sat", []int{1, 3})
	job.FilePaths = []string{"a.docx"}
	uploadSamples(t, p, job.ContainerName, "a.docx")
	if _, err := p.RunCDR(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	// Hold the only machine so every unit waits out the acquire timeout.
	held, err := pool.Acquire(context.Background(), "crowdstrike")
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Release(held, false)

	cb.reset()
	summary, err := p.RunEDR(context.Background(), job)
	if err != nil {
		t.Fatalf("RunEDR: %v", err)
	}
	if summary.TotalTests != 2 || summary.Successful != 0 {
		t.Errorf("summary = %+v", summary)
	}

	// A starved pool is back-pressure: each unit runs exactly once instead
	// of queueing up again behind the same busy machines.
	cb.mu.Lock()
	downloads := cb.downloads
	cb.mu.Unlock()
	if downloads != 2 {
		t.Errorf("unit attempts = %d, want 2", downloads)
	}

	raw, err := s.PhaseResults(context.Background(), "edr-sat", domain.PhaseEDR)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != 2 {
		t.Fatalf("persisted results = %d, want 2", len(raw))
	}
	for _, entry := range raw {
		var r domain.EDRUnitResult
		if err := json.Unmarshal(entry, &r); err != nil {
			t.Fatal(err)
		}
		if r.Status != domain.UnitError || !strings.Contains(r.Error, "vm acquire timed out") {
			t.Errorf("record = %+v", r)
		}
	}
}

func TestRunEDRComputesAlertReduction(t *testing.T) {
	s := newTestStore(t)
	p, _ := newTestPipeline(t, s)
	job := seedJob(t, s, "edr-1", []int{1, 3})
	job.FilePaths = []string{"a.docx"}
	uploadSamples(t, p, job.ContainerName, "a.docx")

	if _, err := p.RunCDR(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	summary, err := p.RunEDR(context.Background(), job)
	if err != nil {
		t.Fatalf("RunEDR: %v", err)
	}

	// 1 original + 1 sanitized copy, one console.
	if summary.TotalTests != 2 || summary.Successful != 2 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.PreCDRAlerts != 3 || summary.PostCDRAlerts != 0 {
		t.Errorf("alerts = pre %d post %d", summary.PreCDRAlerts, summary.PostCDRAlerts)
	}
	if summary.AlertReduction != 3 || summary.AlertReductionPct != 100 {
		t.Errorf("reduction = %+v", summary)
	}

	ce, ok := summary.Consoles["crowdstrike"]
	if !ok {
		t.Fatal("console effectiveness missing")
	}
	if ce.TestsPerformed != 2 || ce.PreCDRAlerts != 3 || ce.AlertReductionPct != 100 {
		t.Errorf("console effectiveness = %+v", ce)
	}
}

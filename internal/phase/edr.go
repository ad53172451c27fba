package phase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/cleanroom/internal/domain"
	"github.com/oriys/cleanroom/internal/engine"
	"github.com/oriys/cleanroom/internal/vmbackend"
	"github.com/oriys/cleanroom/internal/vmpool"
)

// RunEDR executes phase 3: every planned file variant is detonated on a
// pooled VM under every enabled EDR console. A unit acquires a machine for
// its console's label, stages the sample, opens it, lets it run for the
// interaction window, waits for telemetry to settle, then queries the
// console for alerts raised inside the execution window.
func (p *Pipeline) RunEDR(ctx context.Context, job *domain.Job) (*domain.EDRSummary, error) {
	plan, err := BuildFilePlan(ctx, p.Store, job.ID)
	if err != nil {
		return nil, fmt.Errorf("build phase 3 plan: %w", err)
	}

	labels := p.Registry.EDRLabels()
	units := make([]Unit, 0, len(plan)*len(labels))
	for _, pf := range plan {
		for _, label := range labels {
			units = append(units, p.edrUnit(job, pf, p.Registry.EDR[label]))
		}
	}

	out, err := p.edrRunner(job).Run(ctx, job, domain.PhaseEDR, 3, units)
	if err != nil {
		return nil, err
	}

	summary, err := p.summarizeEDR(ctx, job.ID, out)
	if err != nil {
		return nil, err
	}
	if err := p.attachSummary(job.ID, domain.PhaseEDR, summary); err != nil {
		return nil, err
	}
	return summary, nil
}

func (p *Pipeline) edrUnit(job *domain.Job, pf domain.PlannedFile, console engine.EDRConsole) Unit {
	label := console.Label()
	name := fmt.Sprintf("%s@%s", pf.Path, label)

	newRecord := func() *domain.EDRUnitResult {
		return &domain.EDRUnitResult{
			Path:         pf.Path,
			Variant:      pf.Variant,
			CDREngine:    pf.CDREngine,
			OriginalPath: pf.OriginalPath,
			Console:      label,
		}
	}

	return Unit{
		Name: name,
		Execute: func(ctx context.Context) (any, domain.UnitStatus) {
			start := time.Now().UTC()

			data, err := p.Blob.Download(ctx, job.ContainerName, pf.Path)
			if err != nil {
				return Errorf("download %s: %v", pf.Path, err)
			}

			vm, err := p.Pool.Acquire(ctx, label)
			if err != nil {
				if errors.Is(err, vmpool.ErrAcquireTimeout) {
					// A saturated pool is back-pressure. Requeueing the unit
					// would only make every other unit wait longer, so the
					// timeout settles as a final error.
					record := newRecord()
					record.Status = domain.UnitError
					record.Error = fmt.Sprintf("acquire %s vm: %v", label, err)
					record.StartedAt = start
					record.EndedAt = time.Now().UTC()
					return record, record.Status
				}
				return Errorf("acquire %s vm: %v", label, err)
			}
			if ctx.Err() != nil {
				// Cancelled while waiting on the pool; the machine was never
				// touched, so it goes straight back to the idle queue.
				p.Pool.Release(vm, false)
				record := newRecord()
				record.Status = domain.UnitCancelled
				record.Error = "job cancelled"
				record.StartedAt = start
				record.EndedAt = time.Now().UTC()
				return record, record.Status
			}
			// Release cleans the machine in the background; the unit never
			// waits on cleanup.
			defer p.Pool.Release(vm, true)

			record := newRecord()
			record.VMName = vm.VM.Name
			record.StartedAt = start

			if err := vmbackend.CopyFile(ctx, p.Pool.Backend(), vm.VM, data, pf.Path); err != nil {
				return Errorf("stage %s on %s: %v", pf.Path, vm.VM.Name, err)
			}

			execStart := time.Now().UTC()
			script := vmbackend.ExecutionScript(pf.Path, p.Cfg.InteractionDuration())
			res, err := p.Pool.Backend().RunCommand(ctx, vm.VM, script)
			execEnd := time.Now().UTC()
			record.ExecutionStart = execStart
			record.ExecutionEnd = execEnd

			if err != nil {
				return Errorf("detonate %s on %s: %v", pf.Path, vm.VM.Name, err)
			}
			if res.ExitCode != 0 {
				// The sample refused to open. That is a detonation result the
				// analyst needs to see, not a retryable error.
				record.Status = domain.UnitFailed
				record.Error = fmt.Sprintf("execution exited %d: %s", res.ExitCode, res.Stderr)
				record.EndedAt = time.Now().UTC()
				p.auditUnit(job.ID, domain.PhaseEDR, pf.Path, label, record.Status, start, fmt.Errorf("%s", record.Error))
				return record, record.Status
			}

			// Give the sensor time to ship telemetry before querying.
			select {
			case <-ctx.Done():
				record.Status = domain.UnitCancelled
				record.Error = "job cancelled"
				record.EndedAt = time.Now().UTC()
				return record, record.Status
			case <-time.After(p.Cfg.SettleDelay()):
			}

			br := p.breakerFor(label)
			if br != nil && !br.Allow() {
				return Errorf("%s: circuit open, skipping call", label)
			}
			alerts, err := console.Alerts(ctx, vm.VM.Name, execStart, time.Now().UTC())
			recordOutcome(br, err)
			if err != nil {
				return Errorf("query %s alerts for %s: %v", label, vm.VM.Name, err)
			}

			record.Status = domain.UnitSuccess
			record.EndedAt = time.Now().UTC()
			fillAlertStats(record, alerts)
			p.auditUnit(job.ID, domain.PhaseEDR, pf.Path, label, record.Status, start, nil)
			return record, record.Status
		},
		ErrorRecord: func(status domain.UnitStatus, errMsg string, retries int) any {
			record := newRecord()
			record.Status = status
			record.Error = errMsg
			record.Retries = retries
			record.StartedAt = time.Now().UTC()
			record.EndedAt = time.Now().UTC()
			return record
		},
	}
}

// fillAlertStats folds a console's alert list into the unit record: full
// counters, a deduplicated threat type list, and a capped sample of raw
// alerts.
func fillAlertStats(record *domain.EDRUnitResult, alerts []domain.Alert) {
	record.AlertCount = len(alerts)
	record.Detected = len(alerts) > 0

	seenTypes := make(map[string]bool)
	for _, a := range alerts {
		if a.Severity == "high" || a.Severity == "critical" {
			record.HighSeverity++
		}
		if a.ThreatType != "" && !seenTypes[a.ThreatType] {
			seenTypes[a.ThreatType] = true
			record.ThreatTypes = append(record.ThreatTypes, a.ThreatType)
		}
	}

	n := len(alerts)
	if n > domain.SampleAlertLimit {
		n = domain.SampleAlertLimit
	}
	record.SampleAlerts = alerts[:n]
}

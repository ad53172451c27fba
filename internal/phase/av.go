package phase

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/cleanroom/internal/domain"
	"github.com/oriys/cleanroom/internal/engine"
)

// RunAV executes phase 2: every planned file variant is scanned by every
// enabled AV engine. The plan comes from phase 1's persisted results, so the
// before/after detection comparison always has both sides.
func (p *Pipeline) RunAV(ctx context.Context, job *domain.Job) (*domain.AVSummary, error) {
	plan, err := BuildFilePlan(ctx, p.Store, job.ID)
	if err != nil {
		return nil, fmt.Errorf("build phase 2 plan: %w", err)
	}

	units := make([]Unit, 0, len(plan)*len(p.Registry.AV))
	for _, pf := range plan {
		for _, eng := range p.Registry.AV {
			units = append(units, p.avUnit(job, pf, eng))
		}
	}

	out, err := p.avRunner(job).Run(ctx, job, domain.PhaseAV, 2, units)
	if err != nil {
		return nil, err
	}

	summary, err := p.summarizeAV(ctx, job.ID, out)
	if err != nil {
		return nil, err
	}
	if err := p.attachSummary(job.ID, domain.PhaseAV, summary); err != nil {
		return nil, err
	}
	return summary, nil
}

func (p *Pipeline) avUnit(job *domain.Job, pf domain.PlannedFile, eng engine.AVEngine) Unit {
	name := fmt.Sprintf("%s@%s", pf.Path, eng.Name())

	return Unit{
		Name: name,
		Execute: func(ctx context.Context) (any, domain.UnitStatus) {
			start := time.Now().UTC()

			data, err := p.Blob.Download(ctx, job.ContainerName, pf.Path)
			if err != nil {
				return Errorf("download %s: %v", pf.Path, err)
			}

			br := p.breakerFor(eng.Name())
			if br != nil && !br.Allow() {
				return Errorf("%s: circuit open, skipping call", eng.Name())
			}
			scanStart := time.Now()
			verdict, err := eng.Scan(ctx, pf.Path, data)
			recordOutcome(br, err)
			end := time.Now().UTC()

			record := &domain.AVUnitResult{
				Path:         pf.Path,
				Variant:      pf.Variant,
				CDREngine:    pf.CDREngine,
				OriginalPath: pf.OriginalPath,
				Engine:       eng.Name(),
				StartedAt:    start,
				EndedAt:      end,
			}
			if err != nil {
				return Errorf("scan %s with %s: %v", pf.Path, eng.Name(), err)
			}

			record.Status = domain.UnitSuccess
			record.Malicious = verdict.Malicious
			record.ThreatName = verdict.ThreatName
			record.Confidence = verdict.Confidence
			record.EngineVersion = verdict.EngineVersion
			record.ScanMS = time.Since(scanStart).Milliseconds()
			p.auditUnit(job.ID, domain.PhaseAV, pf.Path, eng.Name(), record.Status, start, nil)
			return record, record.Status
		},
		ErrorRecord: func(status domain.UnitStatus, errMsg string, retries int) any {
			return &domain.AVUnitResult{
				Path:         pf.Path,
				Variant:      pf.Variant,
				CDREngine:    pf.CDREngine,
				OriginalPath: pf.OriginalPath,
				Engine:       eng.Name(),
				Status:       status,
				Error:        errMsg,
				StartedAt:    time.Now().UTC(),
				EndedAt:      time.Now().UTC(),
			}
		},
	}
}

package phase

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/cleanroom/internal/domain"
	"github.com/oriys/cleanroom/internal/engine"
	"github.com/oriys/cleanroom/internal/logging"
)

// RunCDR executes phase 1: every (file, CDR engine) pair downloads the
// original, sanitizes it, and uploads the sanitized copy under
// post-cdr/<engine>/<original path>. The summary is attached to the job
// record at the join.
func (p *Pipeline) RunCDR(ctx context.Context, job *domain.Job) (*domain.CDRSummary, error) {
	units := make([]Unit, 0, len(job.FilePaths)*len(p.Registry.CDR))
	for _, filePath := range job.FilePaths {
		for _, eng := range p.Registry.CDR {
			units = append(units, p.cdrUnit(job, filePath, eng))
		}
	}

	out, err := p.cdrRunner(job).Run(ctx, job, domain.PhaseCDR, 1, units)
	if err != nil {
		return nil, err
	}

	summary := &domain.CDRSummary{
		TotalUnits: out.Total,
		Successful: out.Succeeded,
		Failed:     out.Failed + out.Cancelled,
	}
	if err := p.attachSummary(job.ID, domain.PhaseCDR, summary); err != nil {
		return nil, err
	}
	return summary, nil
}

func (p *Pipeline) cdrUnit(job *domain.Job, filePath string, eng engine.CDREngine) Unit {
	name := fmt.Sprintf("%s@%s", filePath, eng.Name())

	return Unit{
		Name: name,
		Execute: func(ctx context.Context) (any, domain.UnitStatus) {
			start := time.Now().UTC()

			data, err := p.Blob.Download(ctx, job.ContainerName, filePath)
			if err != nil {
				return Errorf("download %s: %v", filePath, err)
			}

			br := p.breakerFor(eng.Name())
			if br != nil && !br.Allow() {
				return Errorf("%s: circuit open, skipping call", eng.Name())
			}
			res, err := eng.Sanitize(ctx, filePath, data)
			recordOutcome(br, err)
			end := time.Now().UTC()
			record := &domain.CDRUnitResult{
				OriginalPath: filePath,
				Engine:       eng.Name(),
				BytesBefore:  int64(len(data)),
				StartedAt:    start,
				EndedAt:      end,
			}
			if err != nil {
				// The engine ran and rejected the file: a result, not a
				// transient error.
				record.Status = domain.UnitFailed
				record.Error = err.Error()
				p.auditUnit(job.ID, domain.PhaseCDR, filePath, eng.Name(), record.Status, start, err)
				return record, record.Status
			}

			sanitizedPath := domain.SanitizedPath(eng.Name(), filePath)
			if err := p.Blob.Upload(ctx, job.ContainerName, sanitizedPath, res.Sanitized); err != nil {
				return Errorf("upload %s: %v", sanitizedPath, err)
			}

			record.Status = domain.UnitSuccess
			record.SanitizedPath = sanitizedPath
			record.ProcessingMS = res.ProcessingMS
			record.BytesAfter = int64(len(res.Sanitized))
			record.ThreatsFound = res.ThreatsFound
			p.auditUnit(job.ID, domain.PhaseCDR, filePath, eng.Name(), record.Status, start, nil)
			return record, record.Status
		},
		ErrorRecord: func(status domain.UnitStatus, errMsg string, retries int) any {
			return &domain.CDRUnitResult{
				OriginalPath: filePath,
				Engine:       eng.Name(),
				Status:       status,
				Error:        errMsg,
				StartedAt:    time.Now().UTC(),
				EndedAt:      time.Now().UTC(),
			}
		},
	}
}

func (p *Pipeline) auditUnit(jobID string, tag domain.PhaseTag, filePath, engineName string, status domain.UnitStatus, start time.Time, err error) {
	entry := &logging.UnitLog{
		JobID:      jobID,
		Phase:      string(tag),
		FilePath:   filePath,
		Engine:     engineName,
		Status:     string(status),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	logging.Audit().Log(entry)
}

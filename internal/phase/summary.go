package phase

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/oriys/cleanroom/internal/domain"
	"github.com/oriys/cleanroom/internal/store"
)

// attachSummary persists a phase's aggregate metrics onto the job record.
// A terminal job (cancelled mid-join) keeps its final status; the summary is
// simply dropped.
func (p *Pipeline) attachSummary(jobID string, tag domain.PhaseTag, summary any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := p.Store.UpdateJob(ctx, jobID, store.JobUpdate{
		PhaseSummaryTag: tag,
		PhaseSummary:    summary,
	})
	if errors.Is(err, store.ErrTerminal) {
		return nil
	}
	return err
}

// summarizeAV folds phase 2's persisted unit results into the before/after
// detection comparison.
func (p *Pipeline) summarizeAV(ctx context.Context, jobID string, out *Outcome) (*domain.AVSummary, error) {
	raw, err := p.Store.PhaseResults(ctx, jobID, domain.PhaseAV)
	if err != nil {
		return nil, err
	}

	summary := &domain.AVSummary{
		TotalScans: out.Total,
		Successful: out.Succeeded,
	}
	for _, entry := range raw {
		var r domain.AVUnitResult
		if err := json.Unmarshal(entry, &r); err != nil {
			continue
		}
		if r.Status != domain.UnitSuccess || !r.Malicious {
			continue
		}
		switch r.Variant {
		case domain.PreCDR:
			summary.PreCDRDetections++
		case domain.PostCDR:
			summary.PostCDRDetections++
		}
	}

	summary.DetectionReduction = summary.PreCDRDetections - summary.PostCDRDetections
	if summary.PreCDRDetections > 0 {
		summary.DetectionReductionPct = float64(summary.DetectionReduction) / float64(summary.PreCDRDetections) * 100
	}
	return summary, nil
}

// summarizeEDR folds phase 3's persisted unit results into the alert noise
// comparison, overall and per console.
func (p *Pipeline) summarizeEDR(ctx context.Context, jobID string, out *Outcome) (*domain.EDRSummary, error) {
	raw, err := p.Store.PhaseResults(ctx, jobID, domain.PhaseEDR)
	if err != nil {
		return nil, err
	}

	summary := &domain.EDRSummary{
		TotalTests: out.Total,
		Successful: out.Succeeded,
		Consoles:   make(map[string]domain.ConsoleEffectiveness),
	}
	for _, entry := range raw {
		var r domain.EDRUnitResult
		if err := json.Unmarshal(entry, &r); err != nil {
			continue
		}
		if r.Status != domain.UnitSuccess {
			continue
		}

		ce := summary.Consoles[r.Console]
		ce.TestsPerformed++
		switch r.Variant {
		case domain.PreCDR:
			summary.PreCDRAlerts += r.AlertCount
			ce.PreCDRAlerts += r.AlertCount
			if r.Detected {
				summary.PreCDRDetections++
			}
		case domain.PostCDR:
			summary.PostCDRAlerts += r.AlertCount
			ce.PostCDRAlerts += r.AlertCount
			if r.Detected {
				summary.PostCDRDetections++
			}
		}
		summary.Consoles[r.Console] = ce
	}

	summary.AlertReduction = summary.PreCDRAlerts - summary.PostCDRAlerts
	if summary.PreCDRAlerts > 0 {
		summary.AlertReductionPct = float64(summary.AlertReduction) / float64(summary.PreCDRAlerts) * 100
	}
	for name, ce := range summary.Consoles {
		ce.AlertReduction = ce.PreCDRAlerts - ce.PostCDRAlerts
		if ce.PreCDRAlerts > 0 {
			ce.AlertReductionPct = float64(ce.AlertReduction) / float64(ce.PreCDRAlerts) * 100
		}
		summary.Consoles[name] = ce
	}
	return summary, nil
}

package phase

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/oriys/cleanroom/internal/domain"
	"github.com/oriys/cleanroom/internal/store"
)

// BuildFilePlan derives the phase 2/3 work list from phase 1's persisted
// results: for every original file with at least one successful sanitization,
// the pre-CDR original plus one post-CDR entry per engine that succeeded.
// Files no engine managed to sanitize are excluded entirely, so downstream
// comparisons always pair a variant with its counterpart.
func BuildFilePlan(ctx context.Context, s store.JobStore, jobID string) ([]domain.PlannedFile, error) {
	raw, err := s.PhaseResults(ctx, jobID, domain.PhaseCDR)
	if err != nil {
		return nil, err
	}

	// original path -> engines that sanitized it
	sanitizedBy := make(map[string][]string)
	for _, entry := range raw {
		var r domain.CDRUnitResult
		if err := json.Unmarshal(entry, &r); err != nil {
			continue
		}
		if r.Status != domain.UnitSuccess {
			continue
		}
		sanitizedBy[r.OriginalPath] = append(sanitizedBy[r.OriginalPath], r.Engine)
	}

	originals := make([]string, 0, len(sanitizedBy))
	for p := range sanitizedBy {
		originals = append(originals, p)
	}
	sort.Strings(originals)

	var plan []domain.PlannedFile
	for _, orig := range originals {
		plan = append(plan, domain.PlannedFile{
			Path:    orig,
			Variant: domain.PreCDR,
		})
		engines := sanitizedBy[orig]
		sort.Strings(engines)
		for _, eng := range engines {
			plan = append(plan, domain.PlannedFile{
				Path:         domain.SanitizedPath(eng, orig),
				Variant:      domain.PostCDR,
				CDREngine:    eng,
				OriginalPath: orig,
			})
		}
	}
	return plan, nil
}

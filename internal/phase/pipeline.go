// Package phase implements the three validation phases and the shared
// fan-out/join machinery that runs them.
package phase

import (
	"github.com/oriys/cleanroom/internal/blob"
	"github.com/oriys/cleanroom/internal/circuitbreaker"
	"github.com/oriys/cleanroom/internal/config"
	"github.com/oriys/cleanroom/internal/domain"
	"github.com/oriys/cleanroom/internal/engine"
	"github.com/oriys/cleanroom/internal/store"
	"github.com/oriys/cleanroom/internal/vmpool"
)

// Pipeline bundles the shared dependencies of the three phases. The
// coordinator builds one at startup and runs jobs through it sequentially:
// phase N+1 never starts before phase N has joined.
type Pipeline struct {
	Store    store.JobStore
	Blob     blob.Store
	Registry *engine.Registry
	Pool     *vmpool.Pool
	Breakers *circuitbreaker.Registry // optional
	Cfg      config.PhasesConfig
}

// breakerFor returns the engine's breaker, or nil when breaking is disabled.
func (p *Pipeline) breakerFor(engineName string) *circuitbreaker.Breaker {
	return p.Breakers.Get(engineName)
}

func recordOutcome(br *circuitbreaker.Breaker, err error) {
	if br == nil {
		return
	}
	if err != nil {
		br.RecordFailure()
	} else {
		br.RecordSuccess()
	}
}

func (p *Pipeline) cdrRunner(job *domain.Job) *Runner {
	return &Runner{Store: p.Store, Cfg: scaleForPriority(p.Cfg.CDR, job.Priority)}
}

func (p *Pipeline) avRunner(job *domain.Job) *Runner {
	return &Runner{Store: p.Store, Cfg: scaleForPriority(p.Cfg.AV, job.Priority)}
}

func (p *Pipeline) edrRunner(job *domain.Job) *Runner {
	return &Runner{Store: p.Store, Cfg: scaleForPriority(p.Cfg.EDR, job.Priority)}
}

// scaleForPriority applies the job's advisory priority to the phase's worker
// cap: high-priority jobs fan out wider, low-priority jobs narrower. The
// configured cap is the baseline for normal priority.
func scaleForPriority(cfg config.PhaseConfig, priority domain.Priority) config.PhaseConfig {
	n := cfg.MaxConcurrency * priority.WorkerHint() / domain.PriorityNormal.WorkerHint()
	if n < 1 {
		n = 1
	}
	cfg.MaxConcurrency = n
	return cfg
}

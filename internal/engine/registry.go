package engine

import (
	"fmt"
	"sort"

	"github.com/oriys/cleanroom/internal/config"
	"github.com/oriys/cleanroom/internal/engine/av"
	"github.com/oriys/cleanroom/internal/engine/cdr"
	"github.com/oriys/cleanroom/internal/engine/edr"
	"github.com/oriys/cleanroom/internal/logging"
	"github.com/oriys/cleanroom/internal/secrets"
)

// Registry holds the enabled engines, built once at startup. Slices are
// sorted by name so unit fan-out order is deterministic.
type Registry struct {
	CDR []CDREngine
	AV  []AVEngine
	EDR map[string]EDRConsole
}

// NewRegistry instantiates every enabled engine from config. API keys may be
// $SECRET:name references resolved through the secret store.
func NewRegistry(cfg config.EnginesConfig, resolver *secrets.Resolver) (*Registry, error) {
	r := &Registry{EDR: make(map[string]EDRConsole)}

	resolve := func(value string) (string, error) {
		if resolver == nil {
			return value, nil
		}
		return resolver.ResolveValue(value)
	}

	for name, ec := range cfg.CDR {
		if !ec.Enabled {
			continue
		}
		key, err := resolve(ec.APIKey)
		if err != nil {
			return nil, fmt.Errorf("cdr engine %s: %w", name, err)
		}
		var e CDREngine
		switch name {
		case "glasswall":
			e = cdr.NewGlasswall(ec.Endpoint, key)
		case "opswat":
			e = cdr.NewOPSWAT(ec.Endpoint, key)
		case "votiro":
			e = cdr.NewVotiro(ec.Endpoint, key)
		default:
			return nil, fmt.Errorf("unknown cdr engine: %s", name)
		}
		r.CDR = append(r.CDR, e)
	}

	for name, ec := range cfg.AV {
		if !ec.Enabled {
			continue
		}
		key, err := resolve(ec.APIKey)
		if err != nil {
			return nil, fmt.Errorf("av engine %s: %w", name, err)
		}
		var e AVEngine
		switch name {
		case "opswat":
			e = av.NewOPSWAT(ec.Endpoint, key)
		case "reversinglabs":
			e = av.NewReversingLabs(ec.Endpoint, key)
		default:
			return nil, fmt.Errorf("unknown av engine: %s", name)
		}
		r.AV = append(r.AV, e)
	}

	for name, ec := range cfg.EDR {
		if !ec.Enabled {
			continue
		}
		key, err := resolve(ec.APIKey)
		if err != nil {
			return nil, fmt.Errorf("edr console %s: %w", name, err)
		}
		var c EDRConsole
		switch name {
		case "crowdstrike":
			c = edr.NewCrowdStrike(ec.Endpoint, ec.ClientID, key)
		case "sentinelone":
			c = edr.NewSentinelOne(ec.Endpoint, key)
		case "sophos":
			c = edr.NewSophos(ec.Endpoint, ec.ClientID, key)
		default:
			return nil, fmt.Errorf("unknown edr console: %s", name)
		}
		r.EDR[name] = c
	}

	sort.Slice(r.CDR, func(i, j int) bool { return r.CDR[i].Name() < r.CDR[j].Name() })
	sort.Slice(r.AV, func(i, j int) bool { return r.AV[i].Name() < r.AV[j].Name() })

	logging.Op().Info("engine registry built",
		"cdr", len(r.CDR), "av", len(r.AV), "edr", len(r.EDR))
	return r, nil
}

// EDRLabels returns the configured console labels, sorted.
func (r *Registry) EDRLabels() []string {
	labels := make([]string, 0, len(r.EDR))
	for label := range r.EDR {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

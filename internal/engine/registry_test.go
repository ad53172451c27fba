package engine

import (
	"path/filepath"
	"testing"

	"github.com/oriys/cleanroom/internal/config"
	"github.com/oriys/cleanroom/internal/secrets"
)

func testEngines() config.EnginesConfig {
	return config.EnginesConfig{
		CDR: map[string]config.EngineConfig{
			"votiro":    {Enabled: true, Endpoint: "https://votiro.internal", APIKey: "vk"},
			"glasswall": {Enabled: true, Endpoint: "https://gw.internal", APIKey: "gk"},
			"opswat":    {Enabled: false, Endpoint: "https://md.internal"},
		},
		AV: map[string]config.EngineConfig{
			"opswat": {Enabled: true, Endpoint: "https://md.internal", APIKey: "mk"},
		},
		EDR: map[string]config.EngineConfig{
			"sentinelone": {Enabled: true, Endpoint: "https://s1.internal", APIKey: "sk"},
			"crowdstrike": {Enabled: true, Endpoint: "https://cs.internal", ClientID: "cid", APIKey: "cs"},
		},
	}
}

func TestNewRegistryBuildsEnabledEngines(t *testing.T) {
	r, err := NewRegistry(testEngines(), nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	// Disabled engines are skipped; slices come back sorted by name.
	if len(r.CDR) != 2 || r.CDR[0].Name() != "glasswall" || r.CDR[1].Name() != "votiro" {
		names := make([]string, len(r.CDR))
		for i, e := range r.CDR {
			names[i] = e.Name()
		}
		t.Errorf("cdr engines = %v", names)
	}
	if len(r.AV) != 1 || r.AV[0].Name() != "opswat" {
		t.Errorf("av engines = %d", len(r.AV))
	}

	labels := r.EDRLabels()
	if len(labels) != 2 || labels[0] != "crowdstrike" || labels[1] != "sentinelone" {
		t.Errorf("edr labels = %v", labels)
	}
}

func TestNewRegistryRejectsUnknownEngine(t *testing.T) {
	cfg := config.EnginesConfig{
		CDR: map[string]config.EngineConfig{
			"deepclean": {Enabled: true, Endpoint: "https://x.internal"},
		},
	}
	if _, err := NewRegistry(cfg, nil); err == nil {
		t.Fatal("expected error for unknown cdr engine")
	}
}

func TestNewRegistryResolvesSecretRefs(t *testing.T) {
	key, err := secrets.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	cipher, err := secrets.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	store, err := secrets.OpenStore(filepath.Join(t.TempDir(), "secrets.json"), cipher)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Set("gw-key", []byte("real-key")); err != nil {
		t.Fatal(err)
	}

	cfg := config.EnginesConfig{
		CDR: map[string]config.EngineConfig{
			"glasswall": {Enabled: true, Endpoint: "https://gw.internal", APIKey: "$SECRET:gw-key"},
		},
	}
	if _, err := NewRegistry(cfg, secrets.NewResolver(store)); err != nil {
		t.Fatalf("NewRegistry with resolver: %v", err)
	}

	// A missing secret fails the build instead of shipping a broken engine.
	cfg.CDR["glasswall"] = config.EngineConfig{
		Enabled: true, Endpoint: "https://gw.internal", APIKey: "$SECRET:absent",
	}
	if _, err := NewRegistry(cfg, secrets.NewResolver(store)); err == nil {
		t.Fatal("expected error for unresolvable secret")
	}
}

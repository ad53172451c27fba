package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Redis.TTL() != 7*24*time.Hour {
		t.Errorf("default TTL = %v, want 168h", cfg.Redis.TTL())
	}
	if cfg.Pool.PoolSize != 5 {
		t.Errorf("default pool size = %d, want 5", cfg.Pool.PoolSize)
	}
	if cfg.Phases.EDR.MaxRetries != 3 {
		t.Errorf("default EDR retries = %d, want 3", cfg.Phases.EDR.MaxRetries)
	}
	if cfg.Phases.InteractionDuration() != 300*time.Second {
		t.Errorf("interaction duration = %v, want 5m", cfg.Phases.InteractionDuration())
	}
	if cfg.Phases.SettleDelay() != 60*time.Second {
		t.Errorf("settle delay = %v, want 60s", cfg.Phases.SettleDelay())
	}
}

func TestLoadFromFileJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	data := `{"redis": {"addr": "redis.internal:6380"}, "pool": {"pool_size": 2, "max_uses": 3}}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Redis.Addr != "redis.internal:6380" {
		t.Errorf("redis addr = %q", cfg.Redis.Addr)
	}
	if cfg.Pool.PoolSize != 2 || cfg.Pool.MaxUses != 3 {
		t.Errorf("pool = %+v", cfg.Pool)
	}
	// Unset fields keep defaults.
	if cfg.Daemon.HTTPAddr != ":8080" {
		t.Errorf("http addr = %q, want default", cfg.Daemon.HTTPAddr)
	}
}

func TestLoadFromFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := "pool:\n  labels:\n    crowdstrike:\n      base_image_id: /images/cs-base\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Pool.Labels["crowdstrike"].BaseImageID != "/images/cs-base" {
		t.Errorf("labels = %+v", cfg.Pool.Labels)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CLEANROOM_REDIS_ADDR", "envhost:6379")
	t.Setenv("CLEANROOM_POOL_SIZE", "9")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Redis.Addr != "envhost:6379" {
		t.Errorf("redis addr = %q", cfg.Redis.Addr)
	}
	if cfg.Pool.PoolSize != 9 {
		t.Errorf("pool size = %d", cfg.Pool.PoolSize)
	}
}

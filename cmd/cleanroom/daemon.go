package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/cleanroom/internal/api"
	"github.com/oriys/cleanroom/internal/blob"
	"github.com/oriys/cleanroom/internal/circuitbreaker"
	"github.com/oriys/cleanroom/internal/config"
	"github.com/oriys/cleanroom/internal/coordinator"
	"github.com/oriys/cleanroom/internal/engine"
	"github.com/oriys/cleanroom/internal/logging"
	"github.com/oriys/cleanroom/internal/observability"
	"github.com/oriys/cleanroom/internal/phase"
	"github.com/oriys/cleanroom/internal/ratelimit"
	"github.com/oriys/cleanroom/internal/secrets"
	"github.com/oriys/cleanroom/internal/store"
	"github.com/oriys/cleanroom/internal/vmbackend"
	"github.com/oriys/cleanroom/internal/vmpool"
)

func daemonCmd() *cobra.Command {
	var (
		httpAddr string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the validation daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if httpAddr != "" {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if logLevel != "" {
				cfg.Observability.LogLevel = logLevel
			}

			logging.SetLevelFromString(cfg.Observability.LogLevel)
			logging.InitStructured(cfg.Observability.LogFormat, cfg.Observability.LogLevel)
			if cfg.Daemon.AuditLogPath != "" {
				if err := logging.Audit().SetOutput(cfg.Daemon.AuditLogPath); err != nil {
					return fmt.Errorf("open audit log: %w", err)
				}
				defer logging.Audit().Close()
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := observability.Init(ctx, observability.Config{
				Enabled:     cfg.Observability.TracingEnabled,
				Exporter:    cfg.Observability.Exporter,
				Endpoint:    cfg.Observability.Endpoint,
				ServiceName: "cleanroom",
				SampleRate:  cfg.Observability.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			jobStore, err := store.NewRedisJobStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL())
			if err != nil {
				return err
			}
			defer jobStore.Close()

			var analytics *store.AnalyticsStore
			if cfg.Postgres.DSN != "" {
				analytics, err = store.NewAnalyticsStore(ctx, cfg.Postgres.DSN)
				if err != nil {
					return err
				}
				defer analytics.Close()
			}

			blobStore, err := blob.New(ctx, cfg.Blob)
			if err != nil {
				return err
			}

			resolver, err := buildResolver(cfg)
			if err != nil {
				return err
			}
			registry, err := engine.NewRegistry(cfg.Engines, resolver)
			if err != nil {
				return err
			}

			var pool *vmpool.Pool
			if len(registry.EDR) > 0 {
				armBackend, err := vmbackend.NewARMBackend(cfg.Azure)
				if err != nil {
					return err
				}
				pool = vmpool.New(armBackend, cfg.Pool)
				logging.Op().Info("provisioning vm pool", "labels", registry.EDRLabels())
				if err := pool.Initialize(ctx); err != nil {
					return err
				}
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
					defer cancel()
					pool.Shutdown(shutdownCtx)
				}()
			}

			pipeline := &phase.Pipeline{
				Store:    jobStore,
				Blob:     blobStore,
				Registry: registry,
				Pool:     pool,
				Breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
					ErrorPct:       cfg.Phases.Breaker.ErrorPct,
					WindowDuration: cfg.Phases.Breaker.Window(),
					OpenDuration:   cfg.Phases.Breaker.Open(),
					HalfOpenProbes: cfg.Phases.Breaker.HalfOpenProbes,
				}),
				Cfg: cfg.Phases,
			}
			coord := coordinator.New(pipeline, jobStore, analytics)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				coord.Shutdown(shutdownCtx)
			}()

			server := api.NewServer(coord, jobStore, analytics, pool)
			if rl := cfg.Daemon.RateLimit; rl.Enabled {
				backend := ratelimit.NewFallbackBackend(ratelimit.NewRedisBackend(jobStore.Client()))
				server.WithRateLimit(ratelimit.NewLimiter(backend, ratelimit.Limits{
					RequestsPerSecond: rl.RequestsPerSecond,
					Burst:             rl.Burst,
				}))
			}
			return server.Start(ctx, cfg.Daemon.HTTPAddr)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (overrides config)")

	return cmd
}

func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

// buildResolver opens the secrets store when one is configured. Without it,
// $SECRET: references in the config fail at registry build time.
func buildResolver(cfg *config.Config) (*secrets.Resolver, error) {
	if cfg.Daemon.SecretsFile == "" {
		return nil, nil
	}
	keyPath := cfg.Daemon.SecretsKey
	if keyPath == "" {
		return nil, fmt.Errorf("secrets_key_file is required when secrets_file is set")
	}
	cipher, err := secrets.NewCipherFromFile(keyPath)
	if err != nil {
		return nil, err
	}
	s, err := secrets.OpenStore(cfg.Daemon.SecretsFile, cipher)
	if err != nil {
		return nil, err
	}
	return secrets.NewResolver(s), nil
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NoiseReductionRow is the per-job analytics record: the before/after
// comparison the pipeline exists to measure.
type NoiseReductionRow struct {
	JobID            string          `json:"job_id"`
	ContainerName    string          `json:"container_name"`
	CompletedAt      time.Time       `json:"completed_at"`
	AVPreDetections  int             `json:"av_pre_detections"`
	AVPostDetections int             `json:"av_post_detections"`
	AVReductionPct   float64         `json:"av_reduction_pct"`
	EDRPreAlerts     int             `json:"edr_pre_alerts"`
	EDRPostAlerts    int             `json:"edr_post_alerts"`
	EDRReductionPct  float64         `json:"edr_reduction_pct"`
	Details          json.RawMessage `json:"details,omitempty"`
}

// AnalyticsStore keeps noise-reduction aggregates in Postgres. Job state
// lives in Redis (write-heavy, TTL-bound); the relational side holds the
// durable analytic rows that outlive the job records.
type AnalyticsStore struct {
	pool *pgxpool.Pool
}

func NewAnalyticsStore(ctx context.Context, dsn string) (*AnalyticsStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &AnalyticsStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *AnalyticsStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *AnalyticsStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *AnalyticsStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS noise_reduction (
			job_id TEXT PRIMARY KEY,
			container_name TEXT NOT NULL,
			completed_at TIMESTAMPTZ NOT NULL,
			av_pre_detections INTEGER NOT NULL DEFAULT 0,
			av_post_detections INTEGER NOT NULL DEFAULT 0,
			av_reduction_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
			edr_pre_alerts INTEGER NOT NULL DEFAULT 0,
			edr_post_alerts INTEGER NOT NULL DEFAULT 0,
			edr_reduction_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
			details JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_noise_reduction_completed_at
			ON noise_reduction (completed_at DESC)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// SaveNoiseReduction upserts the analytics row for a completed job.
func (s *AnalyticsStore) SaveNoiseReduction(ctx context.Context, row *NoiseReductionRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO noise_reduction (
			job_id, container_name, completed_at,
			av_pre_detections, av_post_detections, av_reduction_pct,
			edr_pre_alerts, edr_post_alerts, edr_reduction_pct, details
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (job_id) DO UPDATE SET
			completed_at = EXCLUDED.completed_at,
			av_pre_detections = EXCLUDED.av_pre_detections,
			av_post_detections = EXCLUDED.av_post_detections,
			av_reduction_pct = EXCLUDED.av_reduction_pct,
			edr_pre_alerts = EXCLUDED.edr_pre_alerts,
			edr_post_alerts = EXCLUDED.edr_post_alerts,
			edr_reduction_pct = EXCLUDED.edr_reduction_pct,
			details = EXCLUDED.details`,
		row.JobID, row.ContainerName, row.CompletedAt,
		row.AVPreDetections, row.AVPostDetections, row.AVReductionPct,
		row.EDRPreAlerts, row.EDRPostAlerts, row.EDRReductionPct, row.Details,
	)
	if err != nil {
		return fmt.Errorf("save noise reduction for %s: %w", row.JobID, err)
	}
	return nil
}

// RecentNoiseReduction returns the newest analytics rows.
func (s *AnalyticsStore) RecentNoiseReduction(ctx context.Context, limit int) ([]*NoiseReductionRow, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, `
		SELECT job_id, container_name, completed_at,
			av_pre_detections, av_post_detections, av_reduction_pct,
			edr_pre_alerts, edr_post_alerts, edr_reduction_pct, details
		FROM noise_reduction
		ORDER BY completed_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*NoiseReductionRow
	for rows.Next() {
		var r NoiseReductionRow
		if err := rows.Scan(
			&r.JobID, &r.ContainerName, &r.CompletedAt,
			&r.AVPreDetections, &r.AVPostDetections, &r.AVReductionPct,
			&r.EDRPreAlerts, &r.EDRPostAlerts, &r.EDRReductionPct, &r.Details,
		); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

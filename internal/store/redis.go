package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/oriys/cleanroom/internal/domain"
)

const (
	jobKeyPrefix  = "cleanroom:job:"
	recentJobsKey = "cleanroom:jobs:recent"
)

// Lua script for terminal-status-guarded field updates (single RTT, no
// read-modify-write race). Returns -1 when the job is missing, 0 when it is
// terminal, 1 on success.
var guardedUpdateScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
    return -1
end
if status == 'completed' or status == 'failed' or status == 'cancelled' then
    return 0
end
for i = 1, #ARGV, 2 do
    redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
return 1
`)

// Lua script for cancellation: atomically checks the status and flips
// non-terminal jobs to cancelled.
var cancelScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
    return -1
end
if status == 'completed' or status == 'failed' or status == 'cancelled' then
    return 0
end
redis.call('HSET', KEYS[1], 'status', 'cancelled', 'cancelled_at', ARGV[1])
return 1
`)

// RedisJobStore keeps job state in Redis:
//   - cleanroom:job:<id>           job metadata (hash)
//   - cleanroom:job:<id>:phase{N}  per-phase unit results (list, append-only)
//   - cleanroom:jobs:recent        job IDs newest-first (list)
//
// All job keys carry the configured TTL (7 days by default).
type RedisJobStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisJobStore connects to Redis and verifies connectivity.
func NewRedisJobStore(addr, password string, db int, ttl time.Duration) (*RedisJobStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisJobStore{client: client, ttl: ttl}, nil
}

// NewRedisJobStoreFromClient wraps an existing client (used by tests).
func NewRedisJobStoreFromClient(client *redis.Client, ttl time.Duration) *RedisJobStore {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisJobStore{client: client, ttl: ttl}
}

func (s *RedisJobStore) Close() error {
	return s.client.Close()
}

func (s *RedisJobStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Client exposes the underlying connection for components that share the
// same Redis instance, like the API rate limiter.
func (s *RedisJobStore) Client() *redis.Client {
	return s.client
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func phaseKey(id string, tag domain.PhaseTag) string {
	return jobKeyPrefix + id + ":" + string(tag)
}

func (s *RedisJobStore) CreateJob(ctx context.Context, job *domain.Job) error {
	filePaths, err := json.Marshal(job.FilePaths)
	if err != nil {
		return err
	}
	phases, err := json.Marshal(job.Phases)
	if err != nil {
		return err
	}

	fields := map[string]interface{}{
		"job_id":         job.ID,
		"container_name": job.ContainerName,
		"file_paths":     string(filePaths),
		"phases":         string(phases),
		"priority":       string(job.Priority),
		"status":         string(job.Status),
		"created_at":     job.CreatedAt.UTC().Format(time.RFC3339Nano),
		"total_units":    job.TotalUnits,
		"processed":      job.Processed,
		"failed":         job.Failed,
		"current_phase":  job.CurrentPhase,
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(job.ID), fields)
	pipe.LPush(ctx, recentJobsKey, job.ID)
	pipe.Expire(ctx, jobKey(job.ID), s.ttl)
	pipe.Expire(ctx, recentJobsKey, s.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisJobStore) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	fields, err := s.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return jobFromFields(fields)
}

func (s *RedisJobStore) UpdateJob(ctx context.Context, id string, update JobUpdate) error {
	args := make([]interface{}, 0, 16)
	add := func(field, value string) {
		args = append(args, field, value)
	}

	if update.Status != nil {
		add("status", string(*update.Status))
	}
	if update.CurrentPhase != nil {
		add("current_phase", strconv.Itoa(*update.CurrentPhase))
	}
	if update.TotalUnits != nil {
		add("total_units", strconv.Itoa(*update.TotalUnits))
	}
	if update.ResetCounters {
		add("processed", "0")
		add("failed", "0")
	}
	if update.Error != nil {
		add("error", *update.Error)
	}
	if update.StartedAt != nil {
		add("started_at", update.StartedAt.UTC().Format(time.RFC3339Nano))
	}
	if update.CompletedAt != nil {
		add("completed_at", update.CompletedAt.UTC().Format(time.RFC3339Nano))
	}
	if update.PhaseSummary != nil {
		data, err := json.Marshal(update.PhaseSummary)
		if err != nil {
			return fmt.Errorf("marshal %s summary: %w", update.PhaseSummaryTag, err)
		}
		add(string(update.PhaseSummaryTag)+"_summary", string(data))
	}
	if len(args) == 0 {
		return nil
	}

	res, err := guardedUpdateScript.Run(ctx, s.client, []string{jobKey(id)}, args...).Int()
	if err != nil {
		return err
	}
	switch res {
	case -1:
		return ErrNotFound
	case 0:
		return ErrTerminal
	}
	return nil
}

func (s *RedisJobStore) IncrementProcessed(ctx context.Context, id string) error {
	return s.client.HIncrBy(ctx, jobKey(id), "processed", 1).Err()
}

// IncrementFailed bumps both counters: a failed unit still counts as
// processed for progress purposes.
func (s *RedisJobStore) IncrementFailed(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, jobKey(id), "failed", 1)
	pipe.HIncrBy(ctx, jobKey(id), "processed", 1)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisJobStore) AppendPhaseResult(ctx context.Context, id string, tag domain.PhaseTag, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal %s result: %w", tag, err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, phaseKey(id, tag), data)
	pipe.Expire(ctx, phaseKey(id, tag), s.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisJobStore) PhaseResults(ctx context.Context, id string, tag domain.PhaseTag) ([]json.RawMessage, error) {
	entries, err := s.client.LRange(ctx, phaseKey(id, tag), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	results := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		results = append(results, json.RawMessage(e))
	}
	return results, nil
}

func (s *RedisJobStore) ListRecentJobs(ctx context.Context, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := s.client.LRange(ctx, recentJobsKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]*domain.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			// Expired records stay in the recent list until deleted; skip.
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *RedisJobStore) CancelJob(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := cancelScript.Run(ctx, s.client, []string{jobKey(id)}, now).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *RedisJobStore) DeleteJob(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, jobKey(id))
	pipe.Del(ctx, phaseKey(id, domain.PhaseCDR))
	pipe.Del(ctx, phaseKey(id, domain.PhaseAV))
	pipe.Del(ctx, phaseKey(id, domain.PhaseEDR))
	pipe.LRem(ctx, recentJobsKey, 0, id)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisJobStore) Statistics(ctx context.Context) (*Statistics, error) {
	jobs, err := s.ListRecentJobs(ctx, 1000)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{TotalJobs: len(jobs)}
	for _, j := range jobs {
		switch j.Status {
		case domain.JobCompleted:
			stats.CompletedJobs++
		case domain.JobRunning:
			stats.RunningJobs++
		case domain.JobFailed:
			stats.FailedJobs++
		case domain.JobPending:
			stats.PendingJobs++
		case domain.JobCancelled:
			stats.CancelledJobs++
		}
		stats.TotalUnits += j.TotalUnits
		stats.ProcessedUnits += j.Processed
	}
	return stats, nil
}

func jobFromFields(fields map[string]string) (*domain.Job, error) {
	job := &domain.Job{
		ID:            fields["job_id"],
		ContainerName: fields["container_name"],
		Priority:      domain.Priority(fields["priority"]),
		Status:        domain.JobStatus(fields["status"]),
		Error:         fields["error"],
	}

	if v := fields["file_paths"]; v != "" {
		if err := json.Unmarshal([]byte(v), &job.FilePaths); err != nil {
			return nil, fmt.Errorf("parse file_paths: %w", err)
		}
	}
	if v := fields["phases"]; v != "" {
		if err := json.Unmarshal([]byte(v), &job.Phases); err != nil {
			return nil, fmt.Errorf("parse phases: %w", err)
		}
	}

	job.TotalUnits = atoiField(fields, "total_units")
	job.Processed = atoiField(fields, "processed")
	job.Failed = atoiField(fields, "failed")
	job.CurrentPhase = atoiField(fields, "current_phase")

	job.CreatedAt = timeField(fields, "created_at")
	job.StartedAt = timePtrField(fields, "started_at")
	job.CompletedAt = timePtrField(fields, "completed_at")
	job.CancelledAt = timePtrField(fields, "cancelled_at")

	for _, tag := range []domain.PhaseTag{domain.PhaseCDR, domain.PhaseAV, domain.PhaseEDR} {
		raw := fields[string(tag)+"_summary"]
		if raw == "" {
			continue
		}
		var summary map[string]any
		if err := json.Unmarshal([]byte(raw), &summary); err != nil {
			continue
		}
		if job.PhaseSummaries == nil {
			job.PhaseSummaries = make(map[domain.PhaseTag]any, 3)
		}
		job.PhaseSummaries[tag] = summary
	}

	return job, nil
}

func atoiField(fields map[string]string, name string) int {
	n, _ := strconv.Atoi(fields[name])
	return n
}

func timeField(fields map[string]string, name string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, fields[name])
	return t
}

func timePtrField(fields map[string]string, name string) *time.Time {
	v := fields[name]
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil
	}
	return &t
}

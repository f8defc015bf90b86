package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"dealer-posting-engine/internal/config"
	"dealer-posting-engine/internal/models"
)

// Envelope is the unit serialized onto the durable queue for the headless
// and stealth execution paths.
type Envelope struct {
	TaskID            string                `json:"task_id"`
	LifecycleRecordID string                `json:"lifecycle_record_id"`
	AccountID         string                `json:"account_id"`
	VehicleID         string                `json:"vehicle_id"`
	ExecutionMethod   string                `json:"execution_method"`
	Payload           models.VehiclePayload `json:"payload"`
	PatternID         string                `json:"pattern_id"`
	SessionRef        string                `json:"session_ref"`
	Priority          int                   `json:"priority"`
	EnqueuedAt        time.Time             `json:"enqueued_at"`
}

// WorkerStatus is the externally visible liveness record for one worker
// process.
type WorkerStatus struct {
	WorkerID       string    `json:"worker_id"`
	Method         string    `json:"method"`
	StartedAt      time.Time `json:"started_at"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	TasksProcessed int64     `json:"tasks_processed"`
	TasksFailed    int64     `json:"tasks_failed"`
}

// RedisQueue coordinates the ready set, in-flight leases, and worker
// registry in Redis. Ownership transfer is atomic at claim time: a task
// claimed by one worker is never handed to another while the lease holds.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	envPrefix     string
	workerPrefix  string
	workersSetKey string
	visibilityTTL time.Duration
	workerTTL     time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 10 * time.Minute
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "posting:ready",
		inflightKey:   "posting:inflight",
		envPrefix:     "posting:envelope:",
		workerPrefix:  "posting:worker:",
		workersSetKey: "posting:workers:active",
		visibilityTTL: visibility,
		workerTTL:     time.Hour,
	}
}

// NewRedisQueueWithClient wires an existing client; used by tests.
func NewRedisQueueWithClient(client *redis.Client, visibility time.Duration) *RedisQueue {
	q := NewRedisQueue(config.Config{})
	q.client = client
	if visibility > 0 {
		q.visibilityTTL = visibility
	}
	return q
}

func (q *RedisQueue) envKey(taskID string) string {
	return q.envPrefix + taskID
}

// readyScore orders the ready set: higher priority pops first, ties broken
// by enqueue time.
func readyScore(priority int, at time.Time) float64 {
	return float64(-priority)*1e13 + float64(at.UnixMilli())
}

// Push serializes an envelope and makes the task claimable.
func (q *RedisQueue) Push(ctx context.Context, env Envelope) error {
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now().UTC()
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.envKey(env.TaskID), body, 0)
	pipe.ZAdd(ctx, q.readyKey, redis.Z{Score: readyScore(env.Priority, env.EnqueuedAt), Member: env.TaskID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push envelope: %w", err)
	}
	return nil
}

// Claim atomically pops the highest-priority ready task and leases it to
// the caller for the visibility window. Returns (nil, nil) when the queue
// is empty.
func (q *RedisQueue) Claim(ctx context.Context) (*Envelope, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := claimScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, deadline).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	taskID, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from claim script: %T", res)
	}

	body, err := q.client.Get(ctx, q.envKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		// Envelope body vanished (cancelled mid-claim); drop the lease.
		_ = q.client.ZRem(ctx, q.inflightKey, taskID).Err()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch envelope: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return &env, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight task.
func (q *RedisQueue) ExtendLease(ctx context.Context, taskID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: taskID,
	}).Err()
}

// Ack removes a finished task from in-flight tracking and deletes its
// envelope.
func (q *RedisQueue) Ack(ctx context.Context, taskID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, taskID)
	pipe.Del(ctx, q.envKey(taskID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases whose visibility window elapsed and makes
// the tasks claimable again at their original priority. Returns the
// reclaimed task IDs.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	requeued := make([]string, 0, len(ids))
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		body, err := q.client.Get(ctx, q.envKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			// Envelope deleted mid-flight (cancel); drop the lease only.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fetch envelope %s: %w", id, err)
		}
		var env Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, fmt.Errorf("unmarshal envelope %s: %w", id, err)
		}
		pipe.ZAdd(ctx, q.readyKey, redis.Z{Score: readyScore(env.Priority, now), Member: id})
		requeued = append(requeued, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return requeued, nil
}

// Cancel removes a task from the ready set, in-flight leases, and deletes
// its envelope.
func (q *RedisQueue) Cancel(ctx context.Context, taskID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.readyKey, taskID)
	pipe.ZRem(ctx, q.inflightKey, taskID)
	pipe.Del(ctx, q.envKey(taskID))
	_, err := pipe.Exec(ctx)
	return err
}

// Depth returns the number of claimable tasks.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.readyKey).Result()
}

// Ping verifies queue connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// ---- worker registry ----

// RegisterWorker records a worker process in the active set.
func (q *RedisQueue) RegisterWorker(ctx context.Context, st WorkerStatus) error {
	body, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal worker status: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.workerPrefix+st.WorkerID, body, q.workerTTL)
	pipe.SAdd(ctx, q.workersSetKey, st.WorkerID)
	_, err = pipe.Exec(ctx)
	return err
}

// Heartbeat refreshes a worker's liveness record. Best-effort; callers
// ignore failures so heartbeats never block task processing.
func (q *RedisQueue) Heartbeat(ctx context.Context, st WorkerStatus) error {
	st.LastHeartbeat = time.Now().UTC()
	body, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal worker status: %w", err)
	}
	return q.client.Set(ctx, q.workerPrefix+st.WorkerID, body, q.workerTTL).Err()
}

// UnregisterWorker removes a worker from the registry.
func (q *RedisQueue) UnregisterWorker(ctx context.Context, workerID string) error {
	pipe := q.client.TxPipeline()
	pipe.Del(ctx, q.workerPrefix+workerID)
	pipe.SRem(ctx, q.workersSetKey, workerID)
	_, err := pipe.Exec(ctx)
	return err
}

// ActiveWorkers lists workers whose liveness records have not expired.
func (q *RedisQueue) ActiveWorkers(ctx context.Context) ([]WorkerStatus, error) {
	ids, err := q.client.SMembers(ctx, q.workersSetKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]WorkerStatus, 0, len(ids))
	for _, id := range ids {
		body, err := q.client.Get(ctx, q.workerPrefix+id).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // record expired, stale set member
		}
		if err != nil {
			return nil, err
		}
		var st WorkerStatus
		if err := json.Unmarshal(body, &st); err != nil {
			return nil, fmt.Errorf("unmarshal worker status: %w", err)
		}
		out = append(out, st)
	}
	return out, nil
}

var claimScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
  return nil
end
redis.call('ZADD', KEYS[2], ARGV[1], popped[1])
return popped[1]
`)

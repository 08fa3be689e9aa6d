// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Handler processes one job's payload at the given 1-based attempt number.
// A non-nil error causes the job to be retried with back-off, or moved to
// the failed list once MaxAttempts is reached.
type Handler func(ctx context.Context, payload json.RawMessage, attempt int) error

// Policy configures a RedisQueue's retry and visibility behavior.
type Policy struct {
	MaxAttempts       int
	BaseBackoff       time.Duration
	VisibilityTimeout time.Duration // how long a claimed job may run before the reaper re-queues it
	FixedBackoff      bool          // true: always wait BaseBackoff; false: exponential from BaseBackoff
}

// RedisQueue is a durable, at-least-once job queue backed by Redis sorted
// sets (delayed/active) and retention-capped lists (completed/failed),
// grounded on the teacher's cache.RedisCache client setup
// (internal/cache/redis.go) and the worker-pool/ticker shape of
// internal/webhook/dispatcher.go, adapted so the durable backing store is
// Redis rather than the registration database.
type RedisQueue struct {
	client *redis.Client
	name   string
	policy Policy
	logger *slog.Logger

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

type jobRecord struct {
	ID          string          `json:"id"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	LastError   string          `json:"lastError,omitempty"`
}

// NewRedisQueue wires a RedisQueue named `name` (used as the Redis key
// prefix) over an already-connected client.
func NewRedisQueue(client *redis.Client, name string, policy Policy, logger *slog.Logger) *RedisQueue {
	return &RedisQueue{
		client: client,
		name:   name,
		policy: policy,
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (q *RedisQueue) delayedKey() string   { return q.name + ":delayed" }
func (q *RedisQueue) activeKey() string    { return q.name + ":active" }
func (q *RedisQueue) completedKey() string { return q.name + ":completed" }
func (q *RedisQueue) failedKey() string    { return q.name + ":failed" }
func (q *RedisQueue) jobsKey() string      { return q.name + ":jobs" }

// Enqueue schedules payload to run after delay, under the given job id.
// Re-enqueuing an id that is already delayed or active is a no-op — this
// is how expiration-cleanup's fixed job id coalesces repeated cron ticks.
func (q *RedisQueue) Enqueue(ctx context.Context, id string, payload any, delay time.Duration) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling job %s payload: %w", id, err)
	}

	rec := jobRecord{ID: id, Payload: raw, MaxAttempts: q.policy.MaxAttempts, EnqueuedAt: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling job %s record: %w", id, err)
	}

	created, err := q.client.HSetNX(ctx, q.jobsKey(), id, data).Result()
	if err != nil {
		return fmt.Errorf("storing job %s: %w", id, err)
	}
	if !created {
		return nil
	}

	runAt := time.Now().Add(delay)
	if err := q.client.ZAddNX(ctx, q.delayedKey(), redis.Z{Score: float64(runAt.Unix()), Member: id}).Err(); err != nil {
		return fmt.Errorf("scheduling job %s: %w", id, err)
	}
	return nil
}

// Start launches `concurrency` polling workers plus one stalled-job reaper.
// Stop cancels and waits for all of them to exit.
func (q *RedisQueue) Start(ctx context.Context, handler Handler, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		q.wg.Add(1)
		go q.pollLoop(ctx, handler)
	}
	q.wg.Add(1)
	go q.reapLoop(ctx)
}

// Stop signals all workers to exit and waits for them.
func (q *RedisQueue) Stop() {
	q.once.Do(func() { close(q.done) })
	q.wg.Wait()
}

func (q *RedisQueue) pollLoop(ctx context.Context, handler Handler) {
	defer q.wg.Done()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.claimAndRun(ctx, handler)
		}
	}
}

func (q *RedisQueue) reapLoop(ctx context.Context) {
	defer q.wg.Done()
	interval := q.policy.VisibilityTimeout / 2
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.reapStalled(ctx)
		}
	}
}

// claimAndRun atomically claims at most one due job and runs the handler.
func (q *RedisQueue) claimAndRun(ctx context.Context, handler Handler) {
	now := time.Now()
	ids, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.Unix(), 10), Count: 1,
	}).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	id := ids[0]

	removed, err := q.client.ZRem(ctx, q.delayedKey(), id).Result()
	if err != nil || removed == 0 {
		return // another worker claimed it first
	}

	deadline := now.Add(q.policy.VisibilityTimeout)
	if err := q.client.ZAdd(ctx, q.activeKey(), redis.Z{Score: float64(deadline.Unix()), Member: id}).Err(); err != nil {
		q.logger.Error("marking job active", "queue", q.name, "job_id", id, "error", err)
		return
	}

	rec, err := q.loadJob(ctx, id)
	if err != nil {
		q.logger.Error("loading claimed job", "queue", q.name, "job_id", id, "error", err)
		return
	}
	rec.Attempts++

	if err := handler(ctx, rec.Payload, rec.Attempts); err != nil {
		q.retryOrFail(ctx, rec, err)
		return
	}
	q.complete(ctx, rec)
}

func (q *RedisQueue) loadJob(ctx context.Context, id string) (jobRecord, error) {
	var rec jobRecord
	data, err := q.client.HGet(ctx, q.jobsKey(), id).Result()
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

func (q *RedisQueue) complete(ctx context.Context, rec jobRecord) {
	rec.LastError = ""
	data, _ := json.Marshal(rec)

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.activeKey(), rec.ID)
	pipe.HDel(ctx, q.jobsKey(), rec.ID)
	pipe.LPush(ctx, q.completedKey(), data)
	pipe.LTrim(ctx, q.completedKey(), 0, CompletedRetention-1)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("recording job completion", "queue", q.name, "job_id", rec.ID, "error", err)
	}
}

func (q *RedisQueue) retryOrFail(ctx context.Context, rec jobRecord, cause error) {
	rec.LastError = cause.Error()

	if rec.Attempts >= rec.MaxAttempts {
		data, _ := json.Marshal(rec)
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.activeKey(), rec.ID)
		pipe.HDel(ctx, q.jobsKey(), rec.ID)
		pipe.LPush(ctx, q.failedKey(), data)
		pipe.LTrim(ctx, q.failedKey(), 0, FailedRetention-1)
		if _, err := pipe.Exec(ctx); err != nil {
			q.logger.Error("recording job failure", "queue", q.name, "job_id", rec.ID, "error", err)
		}
		return
	}

	data, _ := json.Marshal(rec)
	nextRun := time.Now().Add(backoff(q.policy.BaseBackoff, rec.Attempts, q.policy.FixedBackoff))
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.activeKey(), rec.ID)
	pipe.HSet(ctx, q.jobsKey(), rec.ID, data)
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(nextRun.Unix()), Member: rec.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("scheduling job retry", "queue", q.name, "job_id", rec.ID, "error", err)
	}
}

// reapStalled re-queues active jobs whose visibility deadline has passed
// without a completion or failure outcome — the Go-native equivalent of
// BullMQ's stalled-job detection named in §4.3.
func (q *RedisQueue) reapStalled(ctx context.Context) {
	now := time.Now()
	ids, err := q.client.ZRangeByScore(ctx, q.activeKey(), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil || len(ids) == 0 {
		return
	}

	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, q.activeKey(), id).Result()
		if err != nil || removed == 0 {
			continue
		}
		rec, err := q.loadJob(ctx, id)
		if err != nil {
			continue
		}
		// The stored record predates the stalled claim, so count that attempt.
		rec.Attempts++
		q.logger.Warn("re-queueing stalled job", "queue", q.name, "job_id", id, "attempt", rec.Attempts)
		q.retryOrFail(ctx, rec, fmt.Errorf("stalled: exceeded visibility timeout"))
	}
}

// Counts reports the uniform §4.3 view: waiting = delayed jobs ready to run
// now, delayed = delayed jobs scheduled for the future, active = claimed and
// in-flight, completed/failed = retention-capped lifetime counters.
func (q *RedisQueue) Counts(ctx context.Context) (Counts, error) {
	now := strconv.FormatInt(time.Now().Unix(), 10)

	waiting, err := q.client.ZCount(ctx, q.delayedKey(), "-inf", now).Result()
	if err != nil {
		return Counts{}, fmt.Errorf("counting waiting jobs: %w", err)
	}
	delayed, err := q.client.ZCount(ctx, q.delayedKey(), "("+now, "+inf").Result()
	if err != nil {
		return Counts{}, fmt.Errorf("counting delayed jobs: %w", err)
	}
	active, err := q.client.ZCard(ctx, q.activeKey()).Result()
	if err != nil {
		return Counts{}, fmt.Errorf("counting active jobs: %w", err)
	}
	completed, err := q.client.LLen(ctx, q.completedKey()).Result()
	if err != nil {
		return Counts{}, fmt.Errorf("counting completed jobs: %w", err)
	}
	failed, err := q.client.LLen(ctx, q.failedKey()).Result()
	if err != nil {
		return Counts{}, fmt.Errorf("counting failed jobs: %w", err)
	}

	return Counts{Waiting: waiting, Delayed: delayed, Active: active, Completed: completed, Failed: failed}, nil
}

// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kittiwakehq/kittiwake/pkg/apperrors"
	"github.com/kittiwakehq/kittiwake/pkg/config"
	"github.com/kittiwakehq/kittiwake/pkg/logging"
	"github.com/kittiwakehq/kittiwake/pkg/observability"
)

// Fabric is the queue producer/consumer API over one Redis backend.
type Fabric struct {
	rdb     *redis.Client
	log     *logging.Logger
	metrics *observability.Metrics
}

// Open connects to Redis and verifies the connection.
func Open(cfg config.RedisConfig, log *logging.Logger, metrics *observability.Metrics) (*Fabric, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", apperrors.ErrUnavailable)
	}
	return New(rdb, log, metrics), nil
}

// New wraps an existing client; used by tests with miniredis.
func New(rdb *redis.Client, log *logging.Logger, metrics *observability.Metrics) *Fabric {
	return &Fabric{rdb: rdb, log: log, metrics: metrics}
}

// Close releases the Redis connection pool.
func (f *Fabric) Close() error {
	return f.rdb.Close()
}

// Ping reports backend reachability.
func (f *Fabric) Ping(ctx context.Context) error {
	if err := f.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", apperrors.ErrUnavailable)
	}
	return nil
}

// Client exposes the underlying Redis client for cross-cutting uses
// (the diagnosis advisory lock).
func (f *Fabric) Client() *redis.Client {
	return f.rdb
}

// AddOptions tune one enqueued job.
type AddOptions struct {
	// Priority defaults to PriorityNormal.
	Priority int
	// Delay defers the first run. Zero falls back to the queue's
	// initial delay.
	Delay time.Duration
}

// Add enqueues one job. The payload is JSON-marshaled; workers decode
// it with Job.Unmarshal.
func (f *Fabric) Add(ctx context.Context, queue, jobType string, payload any, opts AddOptions) (*Job, error) {
	policy, ok := PolicyFor(queue)
	if !ok {
		return nil, apperrors.BadRequestf("unknown queue %q", queue)
	}
	if !validPriority(opts.Priority) {
		return nil, apperrors.BadRequestf("priority %d", opts.Priority)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}

	job := &Job{
		ID:          uuid.NewString(),
		Queue:       queue,
		Type:        jobType,
		Payload:     string(raw),
		Priority:    opts.Priority,
		MaxAttempts: policy.MaxAttempts,
		State:       StateWaiting,
		CreatedAt:   time.Now().UnixMilli(),
	}

	delay := opts.Delay
	if delay == 0 {
		delay = policy.InitialDelay
	}

	if delay > 0 {
		job.State = StateDelayed
		if err := f.storeJob(ctx, job); err != nil {
			return nil, err
		}
		readyAt := float64(time.Now().Add(delay).UnixMilli())
		if err := f.rdb.ZAdd(ctx, delayedKey(queue), redis.Z{Score: readyAt, Member: job.ID}).Err(); err != nil {
			return nil, fmt.Errorf("enqueue delayed: %w", err)
		}
	} else {
		if err := f.storeJob(ctx, job); err != nil {
			return nil, err
		}
		if err := f.rdb.LPush(ctx, waitingKey(queue, job.Priority), job.ID).Err(); err != nil {
			return nil, fmt.Errorf("enqueue waiting: %w", err)
		}
	}

	f.log.Debug("job enqueued", "queue", queue, "type", jobType, "job_id", job.ID, "delay", delay.String())
	return job, nil
}

func validPriority(p int) bool {
	for _, known := range priorityOrder {
		if p == known {
			return true
		}
	}
	return false
}

// Pause stops workers from picking up new jobs on a queue. In-flight
// jobs finish normally.
func (f *Fabric) Pause(ctx context.Context, queue string) error {
	if _, ok := PolicyFor(queue); !ok {
		return apperrors.BadRequestf("unknown queue %q", queue)
	}
	return f.rdb.Set(ctx, pausedKey(queue), "1", 0).Err()
}

// Resume re-enables a paused queue.
func (f *Fabric) Resume(ctx context.Context, queue string) error {
	if _, ok := PolicyFor(queue); !ok {
		return apperrors.BadRequestf("unknown queue %q", queue)
	}
	return f.rdb.Del(ctx, pausedKey(queue)).Err()
}

func (f *Fabric) paused(ctx context.Context, queue string) bool {
	n, err := f.rdb.Exists(ctx, pausedKey(queue)).Result()
	return err == nil && n > 0
}

// QueueStats is one queue's depth snapshot.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    bool  `json:"paused"`
}

// Stats snapshots every queue and refreshes the depth gauge.
func (f *Fabric) Stats(ctx context.Context) (map[string]QueueStats, error) {
	out := make(map[string]QueueStats, len(Queues()))
	for _, q := range Queues() {
		var waiting int64
		for _, prio := range priorityOrder {
			n, err := f.rdb.LLen(ctx, waitingKey(q, prio)).Result()
			if err != nil {
				return nil, fmt.Errorf("stats %s: %w", q, err)
			}
			waiting += n
		}
		active, err := f.rdb.LLen(ctx, activeKey(q)).Result()
		if err != nil {
			return nil, fmt.Errorf("stats %s: %w", q, err)
		}
		completed, err := f.rdb.LLen(ctx, completedKey(q)).Result()
		if err != nil {
			return nil, fmt.Errorf("stats %s: %w", q, err)
		}
		failed, err := f.rdb.LLen(ctx, failedKey(q)).Result()
		if err != nil {
			return nil, fmt.Errorf("stats %s: %w", q, err)
		}
		delayed, err := f.rdb.ZCard(ctx, delayedKey(q)).Result()
		if err != nil {
			return nil, fmt.Errorf("stats %s: %w", q, err)
		}
		out[q] = QueueStats{
			Waiting: waiting, Active: active, Completed: completed,
			Failed: failed, Delayed: delayed, Paused: f.paused(ctx, q),
		}
		if f.metrics != nil {
			f.metrics.QueueDepth.WithLabelValues(q).Set(float64(waiting + delayed))
		}
	}
	return out, nil
}

// Clean removes terminal jobs past their age bound: completed older
// than 24h, failed older than 7d.
func (f *Fabric) Clean(ctx context.Context, queue string) (int, error) {
	if _, ok := PolicyFor(queue); !ok {
		return 0, apperrors.BadRequestf("unknown queue %q", queue)
	}
	removed := 0
	for _, sweep := range []struct {
		key    string
		maxAge time.Duration
	}{
		{completedKey(queue), 24 * time.Hour},
		{failedKey(queue), 7 * 24 * time.Hour},
	} {
		ids, err := f.rdb.LRange(ctx, sweep.key, 0, -1).Result()
		if err != nil {
			return removed, fmt.Errorf("clean %s: %w", queue, err)
		}
		cutoff := time.Now().Add(-sweep.maxAge).UnixMilli()
		for _, id := range ids {
			finished, err := f.rdb.HGet(ctx, jobKey(id), "finished_at").Int64()
			if err != nil && !errors.Is(err, redis.Nil) {
				return removed, fmt.Errorf("clean %s: %w", queue, err)
			}
			// Hash already expired or finished long enough ago.
			if errors.Is(err, redis.Nil) || finished < cutoff {
				f.rdb.LRem(ctx, sweep.key, 0, id)
				f.rdb.Del(ctx, jobKey(id))
				removed++
			}
		}
	}
	return removed, nil
}

// GetJob loads one job hash.
func (f *Fabric) GetJob(ctx context.Context, id string) (*Job, error) {
	res, err := f.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("job %s: %w", id, apperrors.ErrNotFound)
	}
	return jobFromHash(res), nil
}

func (f *Fabric) storeJob(ctx context.Context, job *Job) error {
	if err := f.rdb.HSet(ctx, jobKey(job.ID), jobToHash(job)).Err(); err != nil {
		return fmt.Errorf("store job: %w", err)
	}
	return nil
}

// jobToHash flattens a job for HSet. Explicit so the wire format never
// drifts with struct tags.
func jobToHash(j *Job) map[string]any {
	return map[string]any{
		"id":           j.ID,
		"queue":        j.Queue,
		"type":         j.Type,
		"payload":      j.Payload,
		"priority":     j.Priority,
		"attempts":     j.Attempts,
		"max_attempts": j.MaxAttempts,
		"stalled":      j.Stalled,
		"state":        j.State,
		"last_error":   j.LastError,
		"created_at":   j.CreatedAt,
		"finished_at":  j.FinishedAt,
	}
}

func jobFromHash(h map[string]string) *Job {
	atoi := func(s string) int {
		n, _ := strconv.Atoi(s)
		return n
	}
	atoi64 := func(s string) int64 {
		n, _ := strconv.ParseInt(s, 10, 64)
		return n
	}
	return &Job{
		ID:          h["id"],
		Queue:       h["queue"],
		Type:        h["type"],
		Payload:     h["payload"],
		Priority:    atoi(h["priority"]),
		Attempts:    atoi(h["attempts"]),
		MaxAttempts: atoi(h["max_attempts"]),
		Stalled:     atoi(h["stalled"]),
		State:       h["state"],
		LastError:   h["last_error"],
		CreatedAt:   atoi64(h["created_at"]),
		FinishedAt:  atoi64(h["finished_at"]),
	}
}

// fetch claims the next waiting job, highest priority first, FIFO
// within a priority. Returns nil when the queue is empty or paused.
func (f *Fabric) fetch(ctx context.Context, queue string) (*Job, error) {
	if f.paused(ctx, queue) {
		return nil, nil
	}
	policy, _ := PolicyFor(queue)

	for _, prio := range priorityOrder {
		id, err := f.rdb.LMove(ctx, waitingKey(queue, prio), activeKey(queue), "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", queue, err)
		}

		job, err := f.GetJob(ctx, id)
		if err != nil {
			// Orphaned id; drop it from active and keep going.
			f.rdb.LRem(ctx, activeKey(queue), 0, id)
			continue
		}
		job.Attempts++
		job.State = StateActive
		if err := f.storeJob(ctx, job); err != nil {
			return nil, err
		}
		if err := f.heartbeat(ctx, job, policy.StalledAfter); err != nil {
			return nil, err
		}
		return job, nil
	}
	return nil, nil
}

// heartbeat refreshes the worker liveness key.
func (f *Fabric) heartbeat(ctx context.Context, job *Job, ttl time.Duration) error {
	if err := f.rdb.Set(ctx, heartbeatKey(job.Queue, job.ID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("heartbeat %s: %w", job.ID, err)
	}
	return nil
}

// complete moves a job to the capped completed list.
func (f *Fabric) complete(ctx context.Context, job *Job) error {
	policy, _ := PolicyFor(job.Queue)

	job.State = StateCompleted
	job.FinishedAt = time.Now().UnixMilli()
	if err := f.storeJob(ctx, job); err != nil {
		return err
	}
	f.rdb.LRem(ctx, activeKey(job.Queue), 0, job.ID)
	f.rdb.Del(ctx, heartbeatKey(job.Queue, job.ID))
	f.rdb.LPush(ctx, completedKey(job.Queue), job.ID)
	f.trimTerminal(ctx, completedKey(job.Queue), policy.RetainCompleted)

	if f.metrics != nil {
		f.metrics.JobsTotal.WithLabelValues(job.Queue, StateCompleted).Inc()
	}
	return nil
}

// fail parks a job on the capped failed list. Poison jobs stay until
// retention pushes them out or Clean removes them.
func (f *Fabric) fail(ctx context.Context, job *Job, cause string) error {
	policy, _ := PolicyFor(job.Queue)

	job.State = StateFailed
	job.LastError = cause
	job.FinishedAt = time.Now().UnixMilli()
	if err := f.storeJob(ctx, job); err != nil {
		return err
	}
	f.rdb.LRem(ctx, activeKey(job.Queue), 0, job.ID)
	f.rdb.Del(ctx, heartbeatKey(job.Queue, job.ID))
	f.rdb.LPush(ctx, failedKey(job.Queue), job.ID)
	f.trimTerminal(ctx, failedKey(job.Queue), policy.RetainFailed)

	if f.metrics != nil {
		f.metrics.JobsTotal.WithLabelValues(job.Queue, StateFailed).Inc()
	}
	f.log.Warn("job failed", "queue", job.Queue, "type", job.Type,
		"job_id", job.ID, "attempts", job.Attempts, "cause", cause)
	return nil
}

// trimTerminal caps a terminal list, deleting the hashes that fall off.
func (f *Fabric) trimTerminal(ctx context.Context, key string, retain int) {
	overflow, err := f.rdb.LRange(ctx, key, int64(retain), -1).Result()
	if err != nil || len(overflow) == 0 {
		return
	}
	for _, id := range overflow {
		f.rdb.Del(ctx, jobKey(id))
	}
	f.rdb.LTrim(ctx, key, 0, int64(retain)-1)
}

// retry schedules another attempt per the queue's backoff, or fails
// the job after the final attempt.
func (f *Fabric) retry(ctx context.Context, job *Job, cause error) error {
	policy, _ := PolicyFor(job.Queue)

	if job.Attempts >= job.MaxAttempts {
		return f.fail(ctx, job, cause.Error())
	}

	delay := policy.retryDelay(job.Attempts)
	job.State = StateDelayed
	job.LastError = cause.Error()
	if err := f.storeJob(ctx, job); err != nil {
		return err
	}
	f.rdb.LRem(ctx, activeKey(job.Queue), 0, job.ID)
	f.rdb.Del(ctx, heartbeatKey(job.Queue, job.ID))

	readyAt := float64(time.Now().Add(delay).UnixMilli())
	if err := f.rdb.ZAdd(ctx, delayedKey(job.Queue), redis.Z{Score: readyAt, Member: job.ID}).Err(); err != nil {
		return fmt.Errorf("requeue delayed: %w", err)
	}
	f.log.Debug("job retry scheduled", "queue", job.Queue, "job_id", job.ID,
		"attempt", job.Attempts, "delay", delay.String(), "cause", cause.Error())
	return nil
}

// Requeue returns an active job to the delayed set without burning an
// attempt. Used when a worker declines a job (advisory lock busy).
func (f *Fabric) Requeue(ctx context.Context, job *Job, delay time.Duration) error {
	job.State = StateDelayed
	job.Attempts--
	if job.Attempts < 0 {
		job.Attempts = 0
	}
	if err := f.storeJob(ctx, job); err != nil {
		return err
	}
	f.rdb.LRem(ctx, activeKey(job.Queue), 0, job.ID)
	f.rdb.Del(ctx, heartbeatKey(job.Queue, job.ID))

	readyAt := float64(time.Now().Add(delay).UnixMilli())
	if err := f.rdb.ZAdd(ctx, delayedKey(job.Queue), redis.Z{Score: readyAt, Member: job.ID}).Err(); err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	return nil
}

// PromoteDelayed moves due delayed jobs back to their waiting lists.
func (f *Fabric) PromoteDelayed(ctx context.Context, queue string) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := f.rdb.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("promote %s: %w", queue, err)
	}

	promoted := 0
	for _, id := range ids {
		// Only the remover promotes; concurrent maintenance loops race
		// here and ZRem decides the winner.
		n, err := f.rdb.ZRem(ctx, delayedKey(queue), id).Result()
		if err != nil || n == 0 {
			continue
		}
		job, err := f.GetJob(ctx, id)
		if err != nil {
			continue
		}
		job.State = StateWaiting
		if err := f.storeJob(ctx, job); err != nil {
			return promoted, err
		}
		if err := f.rdb.LPush(ctx, waitingKey(queue, job.Priority), id).Err(); err != nil {
			return promoted, fmt.Errorf("promote push: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

// RecoverStalled returns heartbeat-less active jobs to waiting, up to
// the queue's stall budget; past it the job fails.
func (f *Fabric) RecoverStalled(ctx context.Context, queue string) (int, error) {
	policy, _ := PolicyFor(queue)

	ids, err := f.rdb.LRange(ctx, activeKey(queue), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("recover %s: %w", queue, err)
	}

	recovered := 0
	for _, id := range ids {
		alive, err := f.rdb.Exists(ctx, heartbeatKey(queue, id)).Result()
		if err != nil || alive > 0 {
			continue
		}
		job, err := f.GetJob(ctx, id)
		if err != nil {
			f.rdb.LRem(ctx, activeKey(queue), 0, id)
			continue
		}
		job.Stalled++
		if job.Stalled > policy.MaxStalled {
			if err := f.fail(ctx, job, "stalled too many times"); err != nil {
				return recovered, err
			}
			continue
		}
		job.State = StateWaiting
		if err := f.storeJob(ctx, job); err != nil {
			return recovered, err
		}
		f.rdb.LRem(ctx, activeKey(queue), 0, id)
		if err := f.rdb.LPush(ctx, waitingKey(queue, job.Priority), id).Err(); err != nil {
			return recovered, fmt.Errorf("recover push: %w", err)
		}
		f.log.Warn("stalled job recovered", "queue", queue, "job_id", id, "stalls", job.Stalled)
		recovered++
	}
	return recovered, nil
}

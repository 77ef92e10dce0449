// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package queue is the Redis-backed job fabric.
//
// Five named durable queues carry the asynchronous pipeline. Each queue
// has its own retry, backoff, retention and stall policy. Jobs live in
// Redis: per-priority waiting lists, a delayed zset scored by ready
// time, an active list per queue, and capped completed/failed lists.
// Workers signal liveness through a heartbeat key with a TTL of the
// queue's stalled-after; a maintenance loop returns heartbeat-less
// active jobs to waiting.
//
// Consumers must be idempotent: a retry may re-execute any prefix of a
// handler's side effects.
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Queue names.
const (
	ErrorProcessing     = "error-processing"
	AIDiagnosis         = "ai-diagnosis"
	EmailNotification   = "email-notification"
	SourcemapProcessing = "sourcemap-processing"
	ErrorAggregation    = "error-aggregation"
)

// Job priorities. Higher pops first; ties break FIFO.
const (
	PriorityCritical = 10
	PriorityHigh     = 5
	PriorityNormal   = 0
	PriorityLow      = -5
)

// priorityOrder is the pop order of the per-priority waiting lists.
var priorityOrder = []int{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// Backoff strategies.
const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

// Policy is one queue's retry, retention and stall configuration.
type Policy struct {
	MaxAttempts     int
	Backoff         string
	BaseDelay       time.Duration
	RetainCompleted int
	RetainFailed    int
	StalledAfter    time.Duration
	InitialDelay    time.Duration
	MaxStalled      int
	JobTimeout      time.Duration
}

// policies is the fixed per-queue policy table.
var policies = map[string]Policy{
	ErrorProcessing: {
		MaxAttempts: 3, Backoff: BackoffExponential, BaseDelay: time.Second,
		RetainCompleted: 200, RetainFailed: 100, StalledAfter: 30 * time.Second,
		MaxStalled: 1, JobTimeout: 30 * time.Second,
	},
	AIDiagnosis: {
		MaxAttempts: 2, Backoff: BackoffExponential, BaseDelay: 5 * time.Second,
		RetainCompleted: 50, RetainFailed: 25, StalledAfter: 60 * time.Second,
		InitialDelay: 2 * time.Second, MaxStalled: 1, JobTimeout: 120 * time.Second,
	},
	EmailNotification: {
		MaxAttempts: 5, Backoff: BackoffExponential, BaseDelay: 3 * time.Second,
		RetainCompleted: 100, RetainFailed: 50, StalledAfter: 30 * time.Second,
		MaxStalled: 2, JobTimeout: 30 * time.Second,
	},
	SourcemapProcessing: {
		MaxAttempts: 2, Backoff: BackoffFixed, BaseDelay: 2 * time.Second,
		RetainCompleted: 50, RetainFailed: 25, StalledAfter: 45 * time.Second,
		MaxStalled: 1, JobTimeout: 30 * time.Second,
	},
	ErrorAggregation: {
		MaxAttempts: 3, Backoff: BackoffExponential, BaseDelay: 2 * time.Second,
		RetainCompleted: 100, RetainFailed: 50, StalledAfter: 60 * time.Second,
		MaxStalled: 1, JobTimeout: 30 * time.Second,
	},
}

// PolicyFor returns a queue's policy.
func PolicyFor(queue string) (Policy, bool) {
	p, ok := policies[queue]
	return p, ok
}

// Queues lists the queue names in a stable order.
func Queues() []string {
	return []string{ErrorProcessing, AIDiagnosis, EmailNotification, SourcemapProcessing, ErrorAggregation}
}

// Job states.
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateDelayed   = "delayed"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Job is one unit of asynchronous work, stored as a Redis hash.
type Job struct {
	ID          string `redis:"id" json:"id"`
	Queue       string `redis:"queue" json:"queue"`
	Type        string `redis:"type" json:"type"`
	Payload     string `redis:"payload" json:"payload"`
	Priority    int    `redis:"priority" json:"priority"`
	Attempts    int    `redis:"attempts" json:"attempts"`
	MaxAttempts int    `redis:"max_attempts" json:"maxAttempts"`
	Stalled     int    `redis:"stalled" json:"stalled"`
	State       string `redis:"state" json:"state"`
	LastError   string `redis:"last_error" json:"lastError,omitempty"`
	CreatedAt   int64  `redis:"created_at" json:"createdAt"`
	FinishedAt  int64  `redis:"finished_at" json:"finishedAt,omitempty"`
}

// Unmarshal decodes the job payload into v.
func (j *Job) Unmarshal(v any) error {
	if err := json.Unmarshal([]byte(j.Payload), v); err != nil {
		return fmt.Errorf("job %s payload: %w", j.ID, err)
	}
	return nil
}

// retryDelay computes the wait before attempt n (1-based) re-runs.
func (p Policy) retryDelay(attempt int) time.Duration {
	if p.Backoff == BackoffFixed {
		return p.BaseDelay
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Redis key layout.
func waitingKey(queue string, priority int) string {
	return fmt.Sprintf("kq:%s:waiting:%d", queue, priority)
}
func delayedKey(queue string) string   { return "kq:" + queue + ":delayed" }
func activeKey(queue string) string    { return "kq:" + queue + ":active" }
func completedKey(queue string) string { return "kq:" + queue + ":completed" }
func failedKey(queue string) string    { return "kq:" + queue + ":failed" }
func pausedKey(queue string) string    { return "kq:" + queue + ":paused" }
func jobKey(id string) string          { return "kq:job:" + id }
func heartbeatKey(queue, id string) string {
	return "kq:" + queue + ":hb:" + id
}

// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kittiwakehq/kittiwake/pkg/apperrors"
	"github.com/kittiwakehq/kittiwake/pkg/logging"
)

func newTestFabric(t *testing.T) (*Fabric, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, logging.New(logging.Config{Quiet: true}), nil), mr
}

func TestRetryDelay(t *testing.T) {
	exp := Policy{Backoff: BackoffExponential, BaseDelay: time.Second}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
	}
	for _, tc := range cases {
		if got := exp.retryDelay(tc.attempt); got != tc.want {
			t.Errorf("exponential attempt %d = %v, want %v", tc.attempt, got, tc.want)
		}
	}

	fixed := Policy{Backoff: BackoffFixed, BaseDelay: 2 * time.Second}
	for attempt := 1; attempt <= 3; attempt++ {
		if got := fixed.retryDelay(attempt); got != 2*time.Second {
			t.Errorf("fixed attempt %d = %v, want 2s", attempt, got)
		}
	}
}

func TestPolicyTable(t *testing.T) {
	if len(Queues()) != 5 {
		t.Fatalf("queues = %d, want 5", len(Queues()))
	}
	for _, q := range Queues() {
		if _, ok := PolicyFor(q); !ok {
			t.Errorf("no policy for %q", q)
		}
	}
	email, _ := PolicyFor(EmailNotification)
	if email.MaxStalled != 2 {
		t.Errorf("email maxStalled = %d, want 2", email.MaxStalled)
	}
	smap, _ := PolicyFor(SourcemapProcessing)
	if smap.Backoff != BackoffFixed {
		t.Errorf("sourcemap backoff = %q, want fixed", smap.Backoff)
	}
	diag, _ := PolicyFor(AIDiagnosis)
	if diag.InitialDelay != 2*time.Second {
		t.Errorf("diagnosis initial delay = %v, want 2s", diag.InitialDelay)
	}
	if diag.JobTimeout != 120*time.Second {
		t.Errorf("diagnosis job timeout = %v, want 120s", diag.JobTimeout)
	}
}

func TestAddAndFetch(t *testing.T) {
	f, _ := newTestFabric(t)
	ctx := context.Background()

	added, err := f.Add(ctx, ErrorProcessing, "process-error", map[string]string{"projectId": "p"}, AddOptions{})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if added.State != StateWaiting {
		t.Errorf("state = %q, want waiting", added.State)
	}

	job, err := f.fetch(ctx, ErrorProcessing)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if job == nil {
		t.Fatal("expected a job")
	}
	if job.ID != added.ID {
		t.Errorf("fetched %s, want %s", job.ID, added.ID)
	}
	if job.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", job.Attempts)
	}
	if job.State != StateActive {
		t.Errorf("state = %q, want active", job.State)
	}

	var payload map[string]string
	if err := job.Unmarshal(&payload); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if payload["projectId"] != "p" {
		t.Errorf("payload = %v", payload)
	}
}

func TestAddRejectsUnknownQueue(t *testing.T) {
	f, _ := newTestFabric(t)
	if _, err := f.Add(context.Background(), "no-such-queue", "x", nil, AddOptions{}); !errors.Is(err, apperrors.ErrBadRequest) {
		t.Errorf("err = %v, want ErrBadRequest", err)
	}
}

func TestFetchPriorityOrder(t *testing.T) {
	f, _ := newTestFabric(t)
	ctx := context.Background()

	low, _ := f.Add(ctx, ErrorProcessing, "x", nil, AddOptions{Priority: PriorityLow})
	crit, _ := f.Add(ctx, ErrorProcessing, "x", nil, AddOptions{Priority: PriorityCritical})
	norm1, _ := f.Add(ctx, ErrorProcessing, "x", nil, AddOptions{Priority: PriorityNormal})
	norm2, _ := f.Add(ctx, ErrorProcessing, "x", nil, AddOptions{Priority: PriorityNormal})

	wantOrder := []string{crit.ID, norm1.ID, norm2.ID, low.ID}
	for i, want := range wantOrder {
		job, err := f.fetch(ctx, ErrorProcessing)
		if err != nil || job == nil {
			t.Fatalf("fetch %d: job=%v err=%v", i, job, err)
		}
		if job.ID != want {
			t.Errorf("fetch %d = %s, want %s", i, job.ID, want)
		}
	}
}

func TestInitialDelayGoesToDelayedSet(t *testing.T) {
	f, _ := newTestFabric(t)
	ctx := context.Background()

	job, err := f.Add(ctx, AIDiagnosis, "analyze-error", nil, AddOptions{})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if job.State != StateDelayed {
		t.Errorf("state = %q, want delayed", job.State)
	}
	if got, _ := f.fetch(ctx, AIDiagnosis); got != nil {
		t.Error("delayed job must not be fetchable")
	}

	stats, err := f.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[AIDiagnosis].Delayed != 1 {
		t.Errorf("delayed = %d, want 1", stats[AIDiagnosis].Delayed)
	}
}

func TestPromoteDelayed(t *testing.T) {
	f, _ := newTestFabric(t)
	ctx := context.Background()

	job, _ := f.Add(ctx, ErrorProcessing, "x", nil, AddOptions{Delay: 50 * time.Millisecond})
	if n, _ := f.PromoteDelayed(ctx, ErrorProcessing); n != 0 {
		t.Errorf("promoted %d before due time", n)
	}

	time.Sleep(60 * time.Millisecond) // ready score is wall clock


	n, err := f.PromoteDelayed(ctx, ErrorProcessing)
	if err != nil {
		t.Fatalf("PromoteDelayed: %v", err)
	}
	if n != 1 {
		t.Fatalf("promoted = %d, want 1", n)
	}
	got, err := f.fetch(ctx, ErrorProcessing)
	if err != nil || got == nil || got.ID != job.ID {
		t.Fatalf("fetch after promote: job=%v err=%v", got, err)
	}
}

func TestRetryThenFail(t *testing.T) {
	f, _ := newTestFabric(t)
	ctx := context.Background()

	// sourcemap-processing allows 2 attempts.
	added, _ := f.Add(ctx, SourcemapProcessing, "resolve", nil, AddOptions{})

	job, _ := f.fetch(ctx, SourcemapProcessing)
	if err := f.retry(ctx, job, errors.New("transient")); err != nil {
		t.Fatalf("retry: %v", err)
	}
	reloaded, _ := f.GetJob(ctx, added.ID)
	if reloaded.State != StateDelayed {
		t.Errorf("state after retry = %q, want delayed", reloaded.State)
	}

	// Second (final) attempt fails for good.
	reloaded.Attempts = reloaded.MaxAttempts
	if err := f.retry(ctx, reloaded, errors.New("still broken")); err != nil {
		t.Fatalf("final retry: %v", err)
	}
	final, _ := f.GetJob(ctx, added.ID)
	if final.State != StateFailed {
		t.Errorf("state = %q, want failed", final.State)
	}
	if final.LastError != "still broken" {
		t.Errorf("lastError = %q", final.LastError)
	}

	stats, _ := f.Stats(ctx)
	if stats[SourcemapProcessing].Failed != 1 {
		t.Errorf("failed = %d, want 1", stats[SourcemapProcessing].Failed)
	}
}

func TestCompleteMovesJob(t *testing.T) {
	f, _ := newTestFabric(t)
	ctx := context.Background()

	added, _ := f.Add(ctx, ErrorProcessing, "x", nil, AddOptions{})
	job, _ := f.fetch(ctx, ErrorProcessing)
	if err := f.complete(ctx, job); err != nil {
		t.Fatalf("complete: %v", err)
	}

	stats, _ := f.Stats(ctx)
	s := stats[ErrorProcessing]
	if s.Active != 0 || s.Completed != 1 {
		t.Errorf("stats = %+v", s)
	}
	reloaded, _ := f.GetJob(ctx, added.ID)
	if reloaded.State != StateCompleted || reloaded.FinishedAt == 0 {
		t.Errorf("job = %+v", reloaded)
	}
}

func TestPauseBlocksFetch(t *testing.T) {
	f, _ := newTestFabric(t)
	ctx := context.Background()

	f.Add(ctx, ErrorProcessing, "x", nil, AddOptions{})
	if err := f.Pause(ctx, ErrorProcessing); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if job, _ := f.fetch(ctx, ErrorProcessing); job != nil {
		t.Error("paused queue served a job")
	}
	if err := f.Resume(ctx, ErrorProcessing); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if job, _ := f.fetch(ctx, ErrorProcessing); job == nil {
		t.Error("resumed queue served nothing")
	}
}

func TestRecoverStalled(t *testing.T) {
	f, mr := newTestFabric(t)
	ctx := context.Background()

	added, _ := f.Add(ctx, ErrorProcessing, "x", nil, AddOptions{})
	if _, err := f.fetch(ctx, ErrorProcessing); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	// Heartbeat still alive: nothing to recover.
	if n, _ := f.RecoverStalled(ctx, ErrorProcessing); n != 0 {
		t.Errorf("recovered %d with live heartbeat", n)
	}

	// Expire the heartbeat; first stall goes back to waiting.
	mr.FastForward(time.Minute)
	n, err := f.RecoverStalled(ctx, ErrorProcessing)
	if err != nil {
		t.Fatalf("RecoverStalled: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered = %d, want 1", n)
	}
	job, _ := f.GetJob(ctx, added.ID)
	if job.State != StateWaiting || job.Stalled != 1 {
		t.Errorf("job = %+v", job)
	}

	// Second stall exceeds maxStalled=1 and fails the job.
	if _, err := f.fetch(ctx, ErrorProcessing); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	mr.FastForward(time.Minute)
	if _, err := f.RecoverStalled(ctx, ErrorProcessing); err != nil {
		t.Fatalf("RecoverStalled: %v", err)
	}
	job, _ = f.GetJob(ctx, added.ID)
	if job.State != StateFailed {
		t.Errorf("state = %q, want failed", job.State)
	}
}

func TestRequeuePreservesAttempts(t *testing.T) {
	f, _ := newTestFabric(t)
	ctx := context.Background()

	added, _ := f.Add(ctx, AIDiagnosis, "analyze-error", nil, AddOptions{Delay: 10 * time.Millisecond})
	time.Sleep(20 * time.Millisecond)
	if _, err := f.PromoteDelayed(ctx, AIDiagnosis); err != nil {
		t.Fatalf("promote: %v", err)
	}

	job, err := f.fetch(ctx, AIDiagnosis)
	if err != nil || job == nil {
		t.Fatalf("fetch: job=%v err=%v", job, err)
	}
	if err := f.Requeue(ctx, job, time.Second); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	reloaded, _ := f.GetJob(ctx, added.ID)
	if reloaded.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", reloaded.Attempts)
	}
	if reloaded.State != StateDelayed {
		t.Errorf("state = %q, want delayed", reloaded.State)
	}
}

func TestCleanRemovesOldTerminalJobs(t *testing.T) {
	f, _ := newTestFabric(t)
	ctx := context.Background()

	added, _ := f.Add(ctx, ErrorProcessing, "x", nil, AddOptions{})
	job, _ := f.fetch(ctx, ErrorProcessing)
	f.complete(ctx, job)

	// Fresh completion survives.
	if n, err := f.Clean(ctx, ErrorProcessing); err != nil || n != 0 {
		t.Fatalf("Clean fresh: n=%d err=%v", n, err)
	}

	// Age the job past 24h.
	old := time.Now().Add(-25 * time.Hour).UnixMilli()
	f.rdb.HSet(ctx, jobKey(added.ID), "finished_at", old)

	n, err := f.Clean(ctx, ErrorProcessing)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if n != 1 {
		t.Errorf("cleaned = %d, want 1", n)
	}
	if _, err := f.GetJob(ctx, added.ID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("job should be gone, err = %v", err)
	}
}

func TestPoolProcessesJobs(t *testing.T) {
	f, _ := newTestFabric(t)
	ctx := context.Background()

	done := make(chan string, 1)
	pool, err := NewPool(f, ErrorProcessing, 2, func(_ context.Context, job *Job) error {
		done <- job.ID
		return nil
	}, logging.New(logging.Config{Quiet: true}))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	added, _ := f.Add(ctx, ErrorProcessing, "x", nil, AddOptions{})
	pool.Start(ctx)
	defer pool.Stop()

	select {
	case id := <-done:
		if id != added.ID {
			t.Errorf("processed %s, want %s", id, added.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("job never processed")
	}
}

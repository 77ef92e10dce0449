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
	"fmt"
	"sync"
	"time"

	"github.com/kittiwakehq/kittiwake/pkg/apperrors"
	"github.com/kittiwakehq/kittiwake/pkg/logging"
)

// Handler processes one job. Errors enter the retry pipeline; a nil
// return completes the job. Handlers must be idempotent.
type Handler func(ctx context.Context, job *Job) error

// ErrDecline signals that a handler could not take the job right now
// (advisory lock busy). The job is requeued with a delay and the
// attempt is not counted.
var ErrDecline = errors.New("job declined")

const (
	idlePollInterval    = 250 * time.Millisecond
	maintenanceInterval = time.Second
	declineDelay        = 2 * time.Second
)

// Pool runs N concurrent workers plus a maintenance loop on one queue.
type Pool struct {
	fabric      *Fabric
	queue       string
	concurrency int
	handler     Handler
	log         *logging.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewPool wires a worker pool. Concurrency below 1 is clamped to 1.
func NewPool(fabric *Fabric, queueName string, concurrency int, handler Handler, log *logging.Logger) (*Pool, error) {
	if _, ok := PolicyFor(queueName); !ok {
		return nil, apperrors.BadRequestf("unknown queue %q", queueName)
	}
	if handler == nil {
		return nil, apperrors.BadRequestf("nil handler for %q", queueName)
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		fabric:      fabric,
		queue:       queueName,
		concurrency: concurrency,
		handler:     handler,
		log:         log.With("queue", queueName),
	}, nil
}

// Start launches the workers and the maintenance loop.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.workLoop(runCtx)
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.maintenanceLoop(runCtx)
	}()

	p.log.Info("worker pool started", "concurrency", p.concurrency)
}

// Stop drains the pool. In-flight jobs run to completion of their
// deadline; new fetches cease immediately.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	p.started = false
	p.mu.Unlock()
	p.log.Info("worker pool stopped")
}

func (p *Pool) workLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.fabric.fetch(ctx, p.queue)
		if err != nil {
			p.log.Error("fetch failed", "error", err)
			sleep(ctx, idlePollInterval)
			continue
		}
		if job == nil {
			sleep(ctx, idlePollInterval)
			continue
		}
		p.runJob(ctx, job)
	}
}

// runJob executes the handler under the queue deadline with a live
// heartbeat, then routes the outcome into the fabric.
func (p *Pool) runJob(ctx context.Context, job *Job) {
	policy, _ := PolicyFor(p.queue)

	jobCtx, cancel := context.WithTimeout(ctx, policy.JobTimeout)
	defer cancel()

	hbStop := make(chan struct{})
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		ticker := time.NewTicker(policy.StalledAfter / 3)
		defer ticker.Stop()
		for {
			select {
			case <-hbStop:
				return
			case <-ticker.C:
				if err := p.fabric.heartbeat(ctx, job, policy.StalledAfter); err != nil {
					p.log.Warn("heartbeat failed", "job_id", job.ID, "error", err)
				}
			}
		}
	}()

	err := p.handler(jobCtx, job)
	close(hbStop)
	hbWG.Wait()

	switch {
	case err == nil:
		if err := p.fabric.complete(ctx, job); err != nil {
			p.log.Error("complete failed", "job_id", job.ID, "error", err)
		}
	case errors.Is(err, ErrDecline):
		if err := p.fabric.Requeue(ctx, job, declineDelay); err != nil {
			p.log.Error("requeue failed", "job_id", job.ID, "error", err)
		}
	case errors.Is(err, context.DeadlineExceeded):
		// Deadline expiry fails the attempt as a Timeout and enters
		// the retry pipeline like any other error.
		timeoutErr := fmt.Errorf("job deadline %s exceeded: %w", policy.JobTimeout, apperrors.ErrTimeout)
		if err := p.fabric.retry(ctx, job, timeoutErr); err != nil {
			p.log.Error("retry failed", "job_id", job.ID, "error", err)
		}
	default:
		if err := p.fabric.retry(ctx, job, err); err != nil {
			p.log.Error("retry failed", "job_id", job.ID, "error", err)
		}
	}
}

// maintenanceLoop promotes due delayed jobs and recovers stalled ones.
func (p *Pool) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.fabric.PromoteDelayed(ctx, p.queue); err != nil && ctx.Err() == nil {
				p.log.Error("promote delayed failed", "error", err)
			}
			if _, err := p.fabric.RecoverStalled(ctx, p.queue); err != nil && ctx.Err() == nil {
				p.log.Error("recover stalled failed", "error", err)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package aggregate folds error occurrences into fingerprint rows.
//
// The worker consumes the error-aggregation queue. One run reads a
// bounded slice of a project's unaggregated logs, groups them by
// fingerprint, and upserts each group under the relational row lock.
// The upsert claims the group's logs in the same transaction, so a
// retried run or a concurrent worker folds each occurrence exactly
// once. A row crossing the project threshold raises an alert job.
package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/kittiwakehq/kittiwake/pkg/logging"
	"github.com/kittiwakehq/kittiwake/services/metastore"
	"github.com/kittiwakehq/kittiwake/services/queue"
)

const batchLimit = 1000

// store is the slice of the metadata store the engine uses.
type store interface {
	ListUnprocessedLogs(ctx context.Context, projectID string, limit int) ([]metastore.ErrorLog, error)
	UpsertAggregation(ctx context.Context, u metastore.AggregationUpsert) (*metastore.ErrorAggregation, error)
	GetProject(ctx context.Context, projectID string) (*metastore.Project, error)
}

// enqueuer raises alert jobs.
type enqueuer interface {
	Add(ctx context.Context, queueName, jobType string, payload any, opts queue.AddOptions) (*queue.Job, error)
}

// Engine is the aggregation worker.
type Engine struct {
	store  store
	fabric enqueuer
	log    *logging.Logger
}

// New wires the engine.
func New(store store, fabric enqueuer, log *logging.Logger) *Engine {
	return &Engine{store: store, fabric: fabric, log: log}
}

// Handler adapts Run to the queue fabric.
func (e *Engine) Handler(ctx context.Context, job *queue.Job) error {
	var payload struct {
		ProjectID string `json:"projectId"`
	}
	if err := job.Unmarshal(&payload); err != nil {
		return err
	}
	_, err := e.Run(ctx, payload.ProjectID)
	return err
}

// Result summarizes one aggregation run.
type Result struct {
	Processed int `json:"processed"`
	Groups    int `json:"groups"`
	Alerts    int `json:"alerts"`
}

// Run aggregates one project's pending logs.
func (e *Engine) Run(ctx context.Context, projectID string) (Result, error) {
	var res Result

	logs, err := e.store.ListUnprocessedLogs(ctx, projectID, batchLimit)
	if err != nil {
		return res, err
	}
	if len(logs) == 0 {
		return res, nil
	}

	project, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return res, err
	}

	groups := groupByHash(logs)
	res.Groups = len(groups)

	processed := 0
	for hash, group := range groups {
		upsert := buildUpsert(projectID, hash, group)
		agg, err := e.store.UpsertAggregation(ctx, upsert)
		if err != nil {
			return res, fmt.Errorf("upsert %s: %w", hash, err)
		}
		processed += len(group)

		if crossedThreshold(agg.OccurrenceCount, int64(len(group)), project.AlertThreshold) {
			if err := e.raiseAlert(ctx, agg); err != nil {
				// Alerting is best-effort; aggregation stands.
				e.log.Warn("alert enqueue failed", "project_id", projectID,
					"error_hash", hash, "error", err)
			} else {
				res.Alerts++
			}
		}
	}
	res.Processed = processed

	e.log.Info("aggregation run complete", "project_id", projectID,
		"processed", res.Processed, "groups", res.Groups, "alerts", res.Alerts)
	return res, nil
}

// groupByHash buckets logs by fingerprint.
func groupByHash(logs []metastore.ErrorLog) map[string][]metastore.ErrorLog {
	groups := make(map[string][]metastore.ErrorLog)
	for _, log := range logs {
		groups[log.ErrorHash] = append(groups[log.ErrorHash], log)
	}
	return groups
}

// buildUpsert folds a group into the upsert payload. The newest log
// supplies the representative fields.
func buildUpsert(projectID, hash string, group []metastore.ErrorLog) metastore.AggregationUpsert {
	newest := group[0]
	var latest time.Time
	maxLevel := 0
	ids := make([]int64, 0, len(group))
	users := make([]string, 0, len(group))
	for _, log := range group {
		if log.CreatedAt.After(latest) {
			latest = log.CreatedAt
			newest = log
		}
		if log.ErrorLevel > maxLevel {
			maxLevel = log.ErrorLevel
		}
		ids = append(ids, log.ID)
		if log.UserID != nil {
			users = append(users, *log.UserID)
		}
	}
	return metastore.AggregationUpsert{
		ProjectID:     projectID,
		ErrorHash:     hash,
		Type:          newest.Type,
		ErrorMessage:  newest.ErrorMessage,
		ErrorStack:    newest.ErrorStack,
		SourceFile:    newest.SourceFile,
		SourceLine:    newest.SourceLine,
		SourceColumn:  newest.SourceColumn,
		ErrorLevel:    maxLevel,
		Occurrences:   int64(len(group)),
		LogIDs:        ids,
		DistinctUsers: users,
		LatestSeen:    latest,
	}
}

// crossedThreshold reports whether this run pushed the count over the
// project alert threshold. Only the crossing run alerts, not every run
// above the line.
func crossedThreshold(count, added, threshold int64) bool {
	if threshold <= 0 {
		return false
	}
	return count >= threshold && count-added < threshold
}

func (e *Engine) raiseAlert(ctx context.Context, agg *metastore.ErrorAggregation) error {
	_, err := e.fabric.Add(ctx, queue.EmailNotification, "send-alert-email", map[string]any{
		"projectId":       agg.ProjectID,
		"errorHash":       agg.ErrorHash,
		"aggregationId":   agg.ID,
		"occurrenceCount": agg.OccurrenceCount,
		"errorMessage":    agg.ErrorMessage,
	}, queue.AddOptions{Priority: queue.PriorityHigh})
	return err
}

// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package process consumes the error-processing queue.
//
// One job per ingested occurrence. The worker decides whether the
// occurrence warrants an automatic AI diagnosis: severe errors whose
// aggregation exists and carries no diagnosis yet get one enqueued.
// Everything else completes without side effects, so retries are
// harmless.
package process

import (
	"context"
	"errors"

	"github.com/kittiwakehq/kittiwake/pkg/apperrors"
	"github.com/kittiwakehq/kittiwake/pkg/logging"
	"github.com/kittiwakehq/kittiwake/services/metastore"
	"github.com/kittiwakehq/kittiwake/services/queue"
)

// autoDiagnoseLevel is the minimum errorLevel that triggers an
// unprompted diagnosis.
const autoDiagnoseLevel = 3

type store interface {
	GetErrorLog(ctx context.Context, id int64) (*metastore.ErrorLog, error)
	GetAggregationByHash(ctx context.Context, projectID, errorHash string) (*metastore.ErrorAggregation, error)
}

type diagnoser interface {
	Trigger(ctx context.Context, aggID int64, force bool) (*queue.Job, error)
}

// Worker consumes the error-processing queue.
type Worker struct {
	store     store
	diagnoser diagnoser
	enabled   bool
	log       *logging.Logger
}

// New wires the worker. enabled gates automatic diagnosis; when false
// the worker completes every job without enqueueing anything.
func New(store store, diagnoser diagnoser, enabled bool, log *logging.Logger) *Worker {
	return &Worker{store: store, diagnoser: diagnoser, enabled: enabled, log: log}
}

// Handler adapts Process to the queue fabric.
func (w *Worker) Handler(ctx context.Context, job *queue.Job) error {
	var payload struct {
		ErrorLogID int64 `json:"errorLogId"`
	}
	if err := job.Unmarshal(&payload); err != nil {
		return err
	}
	return w.Process(ctx, payload.ErrorLogID)
}

// Process handles one occurrence. A missing aggregation means the
// aggregation worker has not folded this fingerprint yet; the job
// completes and a later occurrence re-evaluates.
func (w *Worker) Process(ctx context.Context, logID int64) error {
	errorLog, err := w.store.GetErrorLog(ctx, logID)
	if err != nil {
		return err
	}
	if !w.enabled || errorLog.ErrorLevel < autoDiagnoseLevel {
		return nil
	}

	agg, err := w.store.GetAggregationByHash(ctx, errorLog.ProjectID, errorLog.ErrorHash)
	if errors.Is(err, apperrors.ErrNotFound) {
		w.log.Debug("aggregation not folded yet", "log_id", logID,
			"project_id", errorLog.ProjectID, "error_hash", errorLog.ErrorHash)
		return nil
	}
	if err != nil {
		return err
	}
	if agg.AIDiagnosis != nil {
		return nil
	}

	if _, err := w.diagnoser.Trigger(ctx, agg.ID, false); err != nil {
		return err
	}
	w.log.Info("auto diagnosis enqueued", "log_id", logID,
		"aggregation_id", agg.ID, "error_level", errorLog.ErrorLevel)
	return nil
}

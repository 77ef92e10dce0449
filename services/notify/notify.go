// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package notify consumes the email-notification queue.
//
// Delivery itself lives behind the Mailer port; this package only
// decodes alert payloads and hands them over. A failed delivery
// re-raises to the fabric, which retries up to five times with
// exponential backoff per the queue policy.
package notify

import (
	"context"

	"github.com/kittiwakehq/kittiwake/pkg/logging"
	"github.com/kittiwakehq/kittiwake/services/queue"
)

// Alert is one threshold-crossing notification.
type Alert struct {
	ProjectID       string `json:"projectId"`
	ErrorHash       string `json:"errorHash"`
	AggregationID   int64  `json:"aggregationId"`
	OccurrenceCount int64  `json:"occurrenceCount"`
	ErrorMessage    string `json:"errorMessage"`
}

// Mailer is the external delivery port. Implementations must be
// idempotent per (aggregationId, occurrenceCount): a queue retry may
// redeliver the same alert.
type Mailer interface {
	SendAlert(ctx context.Context, alert Alert) error
}

// LogMailer is the default Mailer. It records the alert in the
// structured log and delivers nothing.
type LogMailer struct {
	Log *logging.Logger
}

func (m *LogMailer) SendAlert(_ context.Context, alert Alert) error {
	m.Log.Info("alert raised (no mail backend configured)",
		"project_id", alert.ProjectID, "error_hash", alert.ErrorHash,
		"aggregation_id", alert.AggregationID, "occurrences", alert.OccurrenceCount)
	return nil
}

// Worker consumes the email-notification queue.
type Worker struct {
	mailer Mailer
	log    *logging.Logger
}

func New(mailer Mailer, log *logging.Logger) *Worker {
	return &Worker{mailer: mailer, log: log}
}

// Handler decodes one alert job and delivers it through the port.
func (w *Worker) Handler(ctx context.Context, job *queue.Job) error {
	var alert Alert
	if err := job.Unmarshal(&alert); err != nil {
		return err
	}
	if err := w.mailer.SendAlert(ctx, alert); err != nil {
		w.log.Warn("alert delivery failed", "project_id", alert.ProjectID,
			"aggregation_id", alert.AggregationID, "error", err)
		return err
	}
	return nil
}

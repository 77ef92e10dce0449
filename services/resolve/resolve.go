// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package resolve is the sourcemap-processing worker. It maps a stored
// error's top stack frame back to original source and writes the
// resolution onto the log row.
package resolve

import (
	"context"
	"strings"

	"github.com/kittiwakehq/kittiwake/pkg/logging"
	"github.com/kittiwakehq/kittiwake/services/metastore"
	"github.com/kittiwakehq/kittiwake/services/queue"
	"github.com/kittiwakehq/kittiwake/services/sourcemap"
	"github.com/kittiwakehq/kittiwake/services/stacktrace"
)

type store interface {
	GetErrorLog(ctx context.Context, id int64) (*metastore.ErrorLog, error)
	SetLogResolution(ctx context.Context, id int64, loc metastore.ResolvedLocation) error
}

type resolver interface {
	ResolveOne(projectID, version string, frame stacktrace.Frame) (sourcemap.ResolvedFrame, error)
}

// Worker consumes the sourcemap-processing queue.
type Worker struct {
	store    store
	resolver resolver
	log      *logging.Logger
}

func New(store store, resolver resolver, log *logging.Logger) *Worker {
	return &Worker{store: store, resolver: resolver, log: log}
}

// Handler adapts Resolve to the queue fabric.
func (w *Worker) Handler(ctx context.Context, job *queue.Job) error {
	var payload struct {
		ErrorLogID int64 `json:"errorLogId"`
	}
	if err := job.Unmarshal(&payload); err != nil {
		return err
	}
	return w.Resolve(ctx, payload.ErrorLogID)
}

// Resolve maps the log's first parseable stack frame. A log without a
// stack, an unparseable stack, or an absent source map all complete
// without mutation; a corrupt map fails the job so the queue retries.
func (w *Worker) Resolve(ctx context.Context, logID int64) error {
	errorLog, err := w.store.GetErrorLog(ctx, logID)
	if err != nil {
		return err
	}
	if errorLog.IsSourceResolved {
		return nil
	}
	if errorLog.ErrorStack == nil {
		return nil
	}

	frames := stacktrace.Parse(*errorLog.ErrorStack)
	if len(frames) == 0 {
		w.log.Debug("no parseable frames", "log_id", logID)
		return nil
	}

	version := ""
	if errorLog.ProjectVersion != nil {
		version = *errorLog.ProjectVersion
	}

	rf, err := w.resolver.ResolveOne(errorLog.ProjectID, version, frames[0])
	if err != nil {
		return err
	}
	if !rf.Resolved {
		w.log.Debug("frame not resolved", "log_id", logID, "file", frames[0].File)
		return nil
	}

	loc := metastore.ResolvedLocation{
		OriginalSource: rf.OriginalSource,
		OriginalLine:   rf.OriginalLine,
		OriginalColumn: rf.OriginalColumn,
		FunctionName:   rf.FunctionName,
		SourceSnippet:  strings.Join(rf.ContextLines, "\n"),
	}
	if err := w.store.SetLogResolution(ctx, logID, loc); err != nil {
		return err
	}
	w.log.Info("resolved error location", "log_id", logID,
		"source", rf.OriginalSource, "line", rf.OriginalLine)
	return nil
}

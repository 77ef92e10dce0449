// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ingest is the synchronous intake path for error reports.
//
// A report is sampled, fingerprinted, committed to the relational
// store, mirrored to the columnar store (best-effort), and fanned out
// to the queue fabric. The call returns after relational commit plus
// enqueue; the columnar mirror never fails the request.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/kittiwakehq/kittiwake/pkg/apperrors"
	"github.com/kittiwakehq/kittiwake/pkg/logging"
	"github.com/kittiwakehq/kittiwake/pkg/observability"
	"github.com/kittiwakehq/kittiwake/services/fingerprint"
	"github.com/kittiwakehq/kittiwake/services/logstore"
	"github.com/kittiwakehq/kittiwake/services/metastore"
	"github.com/kittiwakehq/kittiwake/services/queue"
)

const maxBatchSize = 500

// Report is one incoming error occurrence on the wire.
type Report struct {
	Type         string          `json:"type" binding:"required"`
	ErrorMessage string          `json:"errorMessage" binding:"required"`
	ErrorStack   string          `json:"errorStack,omitempty"`
	PageURL      string          `json:"pageUrl,omitempty"`
	UserID       string          `json:"userId,omitempty"`
	UserAgent    string          `json:"userAgent,omitempty"`
	DeviceInfo   json.RawMessage `json:"deviceInfo,omitempty"`
	NetworkInfo  json.RawMessage `json:"networkInfo,omitempty"`
	Performance  json.RawMessage `json:"performanceData,omitempty"`
	SourceFile   string          `json:"sourceFile,omitempty"`
	SourceLine   int             `json:"sourceLine,omitempty"`
	SourceColumn int             `json:"sourceColumn,omitempty"`
	Version      string          `json:"projectVersion,omitempty"`
	BuildID      string          `json:"buildId,omitempty"`
	ErrorLevel   int             `json:"errorLevel,omitempty"`
}

// RowStatus is the per-row outcome of a batch report.
type RowStatus struct {
	ID      int64  `json:"id,omitempty"`
	Sampled bool   `json:"sampled,omitempty"`
	Error   string `json:"error,omitempty"`
}

// columnarStore is the slice of the columnar adapter ingestion uses.
type columnarStore interface {
	Insert(ctx context.Context, r logstore.Row) error
	InsertBatch(ctx context.Context, rows []logstore.Row) error
}

// relationalStore is the slice of the metadata store ingestion uses.
type relationalStore interface {
	InsertErrorLog(ctx context.Context, log *metastore.ErrorLog) error
	InsertErrorLogBatch(ctx context.Context, logs []*metastore.ErrorLog) error
	GetProjectByAPIKey(ctx context.Context, apiKey string) (*metastore.Project, error)
}

// enqueuer is the slice of the queue fabric ingestion uses.
type enqueuer interface {
	Add(ctx context.Context, queueName, jobType string, payload any, opts queue.AddOptions) (*queue.Job, error)
}

// Service is the ingestion API.
type Service struct {
	meta     relationalStore
	columnar columnarStore
	fabric   enqueuer
	log      *logging.Logger
	metrics  *observability.Metrics

	// sample decides a drop; replaced in tests for determinism.
	sample func() float64
}

// New wires the ingestion service.
func New(meta relationalStore, columnar columnarStore, fabric enqueuer,
	log *logging.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		meta:     meta,
		columnar: columnar,
		fabric:   fabric,
		log:      log,
		metrics:  metrics,
		sample:   rand.Float64,
	}
}

// Report ingests a single occurrence for a project. A sampled-out
// report returns RowStatus{Sampled:true} and persists nothing.
func (s *Service) Report(ctx context.Context, project *metastore.Project, r Report) (RowStatus, error) {
	if err := validate(r); err != nil {
		return RowStatus{}, err
	}

	if s.dropped(project) {
		s.count(r.Type, "sampled_out")
		return RowStatus{Sampled: true}, nil
	}

	log := toErrorLog(project.ProjectID, r)
	if err := s.meta.InsertErrorLog(ctx, log); err != nil {
		// Store-unavailable never surfaces as success; the client
		// sees Internal after we log the cause.
		s.log.Error("relational insert failed", "project_id", project.ProjectID, "error", err)
		s.count(r.Type, "rejected")
		return RowStatus{}, fmt.Errorf("persist report: %w", apperrors.ErrInternal)
	}

	s.mirror(ctx, log)
	if err := s.fanOut(ctx, log); err != nil {
		s.log.Error("enqueue failed", "project_id", project.ProjectID, "log_id", log.ID, "error", err)
		s.count(r.Type, "rejected")
		return RowStatus{ID: log.ID}, fmt.Errorf("enqueue report: %w", apperrors.ErrInternal)
	}

	s.count(r.Type, "accepted")
	return RowStatus{ID: log.ID}, nil
}

// ReportBatch ingests up to 500 occurrences. Sampling applies per row
// before persistence; the surviving rows commit in one transaction or
// not at all.
func (s *Service) ReportBatch(ctx context.Context, project *metastore.Project, reports []Report) ([]RowStatus, error) {
	if len(reports) == 0 {
		return nil, apperrors.BadRequestf("empty batch")
	}
	if len(reports) > maxBatchSize {
		return nil, apperrors.BadRequestf("batch of %d exceeds limit %d", len(reports), maxBatchSize)
	}
	for i, r := range reports {
		if err := validate(r); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
	}

	statuses := make([]RowStatus, len(reports))
	var kept []*metastore.ErrorLog
	var keptIdx []int
	for i, r := range reports {
		if s.dropped(project) {
			statuses[i] = RowStatus{Sampled: true}
			s.count(r.Type, "sampled_out")
			continue
		}
		kept = append(kept, toErrorLog(project.ProjectID, r))
		keptIdx = append(keptIdx, i)
	}

	if len(kept) > 0 {
		if err := s.meta.InsertErrorLogBatch(ctx, kept); err != nil {
			s.log.Error("batch relational insert failed", "project_id", project.ProjectID,
				"rows", len(kept), "error", err)
			return nil, fmt.Errorf("persist batch: %w", apperrors.ErrInternal)
		}
	}

	for n, log := range kept {
		i := keptIdx[n]
		statuses[i] = RowStatus{ID: log.ID}
		s.mirror(ctx, log)
		if err := s.fanOut(ctx, log); err != nil {
			s.log.Error("enqueue failed", "project_id", project.ProjectID, "log_id", log.ID, "error", err)
			statuses[i].Error = "enqueue failed"
			s.count(string(log.Type), "rejected")
			continue
		}
		s.count(string(log.Type), "accepted")
	}
	return statuses, nil
}

// Authenticate resolves a project apiKey.
func (s *Service) Authenticate(ctx context.Context, apiKey string) (*metastore.Project, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("missing api key: %w", apperrors.ErrUnauthorized)
	}
	return s.meta.GetProjectByAPIKey(ctx, apiKey)
}

func validate(r Report) error {
	if !metastore.ErrorType(r.Type).Valid() {
		return apperrors.BadRequestf("unknown error type %q", r.Type)
	}
	if r.ErrorMessage == "" {
		return apperrors.BadRequestf("errorMessage required")
	}
	if r.ErrorLevel < 0 || r.ErrorLevel > 4 {
		return apperrors.BadRequestf("errorLevel %d out of 1..4", r.ErrorLevel)
	}
	return nil
}

// dropped applies the project sampling rate before any persistence.
func (s *Service) dropped(project *metastore.Project) bool {
	rate := project.ErrorSamplingRate
	if rate >= 1 {
		return false
	}
	return s.sample() >= rate
}

func (s *Service) count(errType, outcome string) {
	if s.metrics != nil {
		s.metrics.ReportsTotal.WithLabelValues(errType, outcome).Inc()
	}
}

// mirror writes the columnar copy. Failure is logged and counted,
// never returned.
func (s *Service) mirror(ctx context.Context, log *metastore.ErrorLog) {
	if err := s.columnar.Insert(ctx, toColumnarRow(log)); err != nil {
		s.log.Warn("columnar mirror failed", "log_id", log.ID, "error", err)
		if s.metrics != nil {
			s.metrics.ColumnarInsertErrors.Inc()
		}
	}
}

// fanOut enqueues the downstream jobs for one saved row.
func (s *Service) fanOut(ctx context.Context, log *metastore.ErrorLog) error {
	payload := map[string]any{
		"errorLogId": log.ID,
		"projectId":  log.ProjectID,
		"errorHash":  log.ErrorHash,
	}

	if _, err := s.fabric.Add(ctx, queue.ErrorProcessing, "process-error", payload, queue.AddOptions{}); err != nil {
		return err
	}
	if log.SourceFile == nil && log.ErrorStack != nil {
		if _, err := s.fabric.Add(ctx, queue.SourcemapProcessing, "resolve-location", payload, queue.AddOptions{}); err != nil {
			return err
		}
	}
	if _, err := s.fabric.Add(ctx, queue.ErrorAggregation, "aggregate-errors",
		map[string]any{"projectId": log.ProjectID}, queue.AddOptions{}); err != nil {
		return err
	}
	return nil
}

// toErrorLog builds the relational row, computing the fingerprint.
func toErrorLog(projectID string, r Report) *metastore.ErrorLog {
	level := r.ErrorLevel
	if level == 0 {
		level = 2
	}
	log := &metastore.ErrorLog{
		ProjectID:    projectID,
		Type:         metastore.ErrorType(r.Type),
		ErrorHash:    fingerprint.Fingerprint(r.ErrorStack, r.ErrorMessage, r.SourceFile),
		ErrorMessage: r.ErrorMessage,
		DeviceInfo:   r.DeviceInfo,
		NetworkInfo:  r.NetworkInfo,
		Performance:  r.Performance,
		ErrorLevel:   level,
		CreatedAt:    time.Now(),
	}
	setIf := func(dst **string, v string) {
		if v != "" {
			*dst = &v
		}
	}
	setIf(&log.ErrorStack, r.ErrorStack)
	setIf(&log.PageURL, r.PageURL)
	setIf(&log.UserID, r.UserID)
	setIf(&log.UserAgent, r.UserAgent)
	setIf(&log.SourceFile, r.SourceFile)
	setIf(&log.ProjectVersion, r.Version)
	setIf(&log.BuildID, r.BuildID)
	if r.SourceFile != "" {
		line, col := r.SourceLine, r.SourceColumn
		log.SourceLine = &line
		log.SourceColumn = &col
	}
	return log
}

// toColumnarRow flattens the relational row for the mirror.
func toColumnarRow(log *metastore.ErrorLog) logstore.Row {
	deref := func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	}
	derefInt := func(p *int) int32 {
		if p == nil {
			return 0
		}
		return int32(*p)
	}
	return logstore.Row{
		ID:           uint64(log.ID),
		ProjectID:    log.ProjectID,
		Type:         string(log.Type),
		ErrorHash:    log.ErrorHash,
		ErrorMessage: log.ErrorMessage,
		ErrorStack:   deref(log.ErrorStack),
		PageURL:      deref(log.PageURL),
		UserID:       deref(log.UserID),
		UserAgent:    deref(log.UserAgent),
		DeviceInfo:   string(log.DeviceInfo),
		NetworkInfo:  string(log.NetworkInfo),
		Performance:  string(log.Performance),
		SourceFile:   deref(log.SourceFile),
		SourceLine:   derefInt(log.SourceLine),
		SourceColumn: derefInt(log.SourceColumn),
		Version:      deref(log.ProjectVersion),
		BuildID:      deref(log.BuildID),
		ErrorLevel:   uint8(log.ErrorLevel),
		CreatedAt:    log.CreatedAt,
	}
}

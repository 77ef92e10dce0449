// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package diagnosis orchestrates AI error analysis.
//
// One job makes exactly one analyzer call: the orchestrator gathers
// everything the model needs (error context, source snippet, sourcemap
// mapping, prior diagnosis) into a single prompt up front. A Redis
// advisory lock keeps concurrent workers off the same aggregation; the
// loser declines back to the delayed set instead of burning an attempt.
// Failures never touch the aggregation row.
package diagnosis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/kittiwakehq/kittiwake/pkg/apperrors"
	"github.com/kittiwakehq/kittiwake/pkg/logging"
	"github.com/kittiwakehq/kittiwake/pkg/observability"
	"github.com/kittiwakehq/kittiwake/services/llm"
	"github.com/kittiwakehq/kittiwake/services/metastore"
	"github.com/kittiwakehq/kittiwake/services/queue"
	"github.com/kittiwakehq/kittiwake/services/sourcearchive"
	"github.com/kittiwakehq/kittiwake/services/sourcemap"
	"github.com/kittiwakehq/kittiwake/services/stacktrace"
)

const (
	// reportVersion tags the comprehensive report schema.
	reportVersion = "2.0.0"
	// historyLimit caps the diagnosis history ring.
	historyLimit = 10
	// lockTTL bounds how long a crashed worker can hold an aggregation.
	lockTTL = 30 * time.Second

	snippetContextLines = 5
)

type store interface {
	GetAggregation(ctx context.Context, id int64) (*metastore.ErrorAggregation, error)
	SetAggregationDiagnosis(ctx context.Context, id int64, r metastore.DiagnosisResult) error
	SyncLogDiagnosis(ctx context.Context, projectID, errorHash string, diagnosis string, report []byte, generatedAt time.Time) error
}

type sourceProvider interface {
	GetByLocation(ctx context.Context, projectID, version, filePath string, lineNumber, contextLines int) (*sourcearchive.Location, error)
}

type frameResolver interface {
	ResolveOne(projectID, version string, frame stacktrace.Frame) (sourcemap.ResolvedFrame, error)
}

type enqueuer interface {
	Add(ctx context.Context, queueName, jobType string, payload any, opts queue.AddOptions) (*queue.Job, error)
}

// Orchestrator runs the ai-diagnosis queue.
type Orchestrator struct {
	store    store
	source   sourceProvider
	resolver frameResolver
	analyzer llm.Analyzer
	fabric   enqueuer
	locks    *redis.Client
	breaker  *gobreaker.CircuitBreaker
	log      *logging.Logger
	metrics  *observability.Metrics
}

// New wires the orchestrator. locks is the queue fabric's Redis client.
func New(store store, source sourceProvider, resolver frameResolver, analyzer llm.Analyzer,
	fabric enqueuer, locks *redis.Client, log *logging.Logger, metrics *observability.Metrics) *Orchestrator {

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ai-diagnosis",
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Orchestrator{
		store:    store,
		source:   source,
		resolver: resolver,
		analyzer: analyzer,
		fabric:   fabric,
		locks:    locks,
		breaker:  breaker,
		log:      log,
		metrics:  metrics,
	}
}

// Trigger enqueues an analysis job for one aggregation. With no
// analyzer wired the queue has no consumer, so the job is refused
// instead of parked forever.
func (o *Orchestrator) Trigger(ctx context.Context, aggID int64, force bool) (*queue.Job, error) {
	if o.analyzer == nil {
		return nil, fmt.Errorf("ai diagnosis disabled: %w", apperrors.ErrUnavailable)
	}
	return o.fabric.Add(ctx, queue.AIDiagnosis, "analyze-error",
		map[string]any{"aggregationId": aggID, "force": force}, queue.AddOptions{})
}

// Handler adapts Analyze to the queue fabric.
func (o *Orchestrator) Handler(ctx context.Context, job *queue.Job) error {
	var payload struct {
		AggregationID int64 `json:"aggregationId"`
		Force         bool  `json:"force"`
	}
	if err := job.Unmarshal(&payload); err != nil {
		return err
	}
	return o.Analyze(ctx, payload.AggregationID, payload.Force)
}

// Analyze runs one diagnosis. An aggregation that already carries a
// diagnosis is skipped unless forced. If another worker holds the
// advisory lock the job declines and comes back later.
func (o *Orchestrator) Analyze(ctx context.Context, aggID int64, force bool) error {
	agg, err := o.store.GetAggregation(ctx, aggID)
	if err != nil {
		return err
	}
	if agg.AIDiagnosis != nil && !force {
		o.log.Debug("aggregation already diagnosed", "aggregation_id", aggID)
		return nil
	}

	lockKey := fmt.Sprintf("kq:diaglock:%d", aggID)
	ok, err := o.locks.SetNX(ctx, lockKey, "1", lockTTL).Result()
	if err != nil {
		return fmt.Errorf("acquire diagnosis lock: %w", err)
	}
	if !ok {
		return queue.ErrDecline
	}
	defer o.locks.Del(context.WithoutCancel(ctx), lockKey)

	start := time.Now()
	prompt := o.buildPrompt(ctx, agg)

	raw, err := o.breaker.Execute(func() (any, error) {
		return o.analyzer.AnalyzeError(ctx, prompt)
	})
	if err != nil {
		return fmt.Errorf("analyze aggregation %d: %w", aggID, err)
	}
	analysis := raw.(string)

	now := time.Now()
	report := parseReport(analysis, now)
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	history, err := appendHistory(agg)
	if err != nil {
		return fmt.Errorf("fold history: %w", err)
	}

	result := metastore.DiagnosisResult{
		Diagnosis:     analysis,
		FixSuggestion: report.FixSuggestions,
		History:       history,
		Report:        reportJSON,
	}
	if err := o.store.SetAggregationDiagnosis(ctx, aggID, result); err != nil {
		return err
	}
	// The aggregation row is canonical; mirroring onto the logs is
	// best-effort.
	if err := o.store.SyncLogDiagnosis(ctx, agg.ProjectID, agg.ErrorHash, analysis, reportJSON, now); err != nil {
		o.log.Warn("log diagnosis sync failed", "aggregation_id", aggID, "error", err)
	}

	if o.metrics != nil {
		o.metrics.DiagnosisDuration.Observe(time.Since(start).Seconds())
	}
	o.log.Info("diagnosis complete", "aggregation_id", aggID,
		"project_id", agg.ProjectID, "elapsed", time.Since(start))
	return nil
}

// buildPrompt assembles the single analysis prompt. Context gathering
// is best-effort: a missing snippet or mapping shrinks the prompt, it
// never fails the job.
func (o *Orchestrator) buildPrompt(ctx context.Context, agg *metastore.ErrorAggregation) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Error type: %s\nError message: %s\n", agg.Type, agg.ErrorMessage)
	fmt.Fprintf(&b, "Occurrences: %d, affected users: %d, level: %d\n",
		agg.OccurrenceCount, agg.AffectedUsers, agg.ErrorLevel)
	fmt.Fprintf(&b, "First seen: %s, last seen: %s\n",
		agg.FirstSeen.Format(time.RFC3339), agg.LastSeen.Format(time.RFC3339))

	if agg.ErrorStack != nil {
		fmt.Fprintf(&b, "\nStack trace:\n%s\n", *agg.ErrorStack)
	}

	if mapping := o.mappingBlock(agg); mapping != "" {
		fmt.Fprintf(&b, "\nSourcemap mapping:\n%s\n", mapping)
	}
	if snippet := o.snippetBlock(ctx, agg); snippet != "" {
		fmt.Fprintf(&b, "\nSource code around the error:\n%s\n", snippet)
	}
	if agg.AIDiagnosis != nil {
		fmt.Fprintf(&b, "\nPrevious diagnosis (re-analysis requested):\n%s\n", *agg.AIDiagnosis)
	}

	b.WriteString("\nAnswer with exactly four sections: root cause, precise location, fix suggestions, technical details.")
	return b.String()
}

func (o *Orchestrator) mappingBlock(agg *metastore.ErrorAggregation) string {
	if agg.ErrorStack == nil {
		return ""
	}
	frames := stacktrace.Parse(*agg.ErrorStack)
	if len(frames) == 0 {
		return ""
	}
	rf, err := o.resolver.ResolveOne(agg.ProjectID, "", frames[0])
	if err != nil || !rf.Resolved {
		return ""
	}
	return fmt.Sprintf("%s:%d:%d -> %s:%d:%d (%s)",
		frames[0].File, frames[0].Line, frames[0].Column,
		rf.OriginalSource, rf.OriginalLine, rf.OriginalColumn, rf.FunctionName)
}

func (o *Orchestrator) snippetBlock(ctx context.Context, agg *metastore.ErrorAggregation) string {
	if agg.SourceFile == nil || agg.SourceLine == nil {
		return ""
	}
	loc, err := o.source.GetByLocation(ctx, agg.ProjectID, "", *agg.SourceFile, *agg.SourceLine, snippetContextLines)
	if err != nil {
		o.log.Debug("source snippet unavailable", "project_id", agg.ProjectID,
			"file", *agg.SourceFile, "error", err)
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "File %s, lines %d-%d (error at line %d):\n",
		loc.File.FilePath, loc.StartLine, loc.EndLine, loc.TargetLine)
	for i, line := range loc.Lines {
		fmt.Fprintf(&b, "%4d | %s\n", loc.StartLine+i, line)
	}
	return b.String()
}

// ComprehensiveReport is the structured form of one analysis.
type ComprehensiveReport struct {
	Version          string    `json:"version"`
	GeneratedAt      time.Time `json:"generatedAt"`
	RootCause        string    `json:"rootCause,omitempty"`
	PreciseLocation  string    `json:"preciseLocation,omitempty"`
	FixSuggestions   string    `json:"fixSuggestions,omitempty"`
	TechnicalDetails string    `json:"technicalDetails,omitempty"`
	RawAnalysis      string    `json:"rawAnalysis"`
}

// parseReport splits the analyzer's text into the four expected
// sections. Unrecognized structure degrades to RawAnalysis only.
func parseReport(analysis string, generatedAt time.Time) ComprehensiveReport {
	report := ComprehensiveReport{
		Version:     reportVersion,
		GeneratedAt: generatedAt,
		RawAnalysis: analysis,
	}

	sections := map[string]*string{
		"root cause":       &report.RootCause,
		"precise location": &report.PreciseLocation,
		"fix suggestion":   &report.FixSuggestions,
		"technical detail": &report.TechnicalDetails,
	}

	var current *string
	for _, line := range strings.Split(analysis, "\n") {
		header := strings.ToLower(strings.Trim(line, "#*:1234. \t"))
		matched := false
		for name, dst := range sections {
			if strings.HasPrefix(header, name) {
				current = dst
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		if current != nil {
			*current += line + "\n"
		}
	}
	report.RootCause = strings.TrimSpace(report.RootCause)
	report.PreciseLocation = strings.TrimSpace(report.PreciseLocation)
	report.FixSuggestions = strings.TrimSpace(report.FixSuggestions)
	report.TechnicalDetails = strings.TrimSpace(report.TechnicalDetails)
	return report
}

// historyEntry is one archived diagnosis.
type historyEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	Analysis      string    `json:"analysis"`
	FixSuggestion string    `json:"fixSuggestion,omitempty"`
}

// appendHistory prepends the row's current diagnosis to its history
// ring, newest first, trimmed to historyLimit.
func appendHistory(agg *metastore.ErrorAggregation) ([]byte, error) {
	var ring []historyEntry
	if len(agg.AIDiagnosisHistory) > 0 {
		if err := json.Unmarshal(agg.AIDiagnosisHistory, &ring); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
	}
	if agg.AIDiagnosis != nil {
		entry := historyEntry{Timestamp: agg.UpdatedAt, Analysis: *agg.AIDiagnosis}
		if agg.AIFixSuggestion != nil {
			entry.FixSuggestion = *agg.AIFixSuggestion
		}
		ring = append([]historyEntry{entry}, ring...)
	}
	if len(ring) > historyLimit {
		ring = ring[:historyLimit]
	}
	return json.Marshal(ring)
}

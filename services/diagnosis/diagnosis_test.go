// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package diagnosis

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kittiwakehq/kittiwake/pkg/apperrors"
	"github.com/kittiwakehq/kittiwake/pkg/logging"
	"github.com/kittiwakehq/kittiwake/services/metastore"
	"github.com/kittiwakehq/kittiwake/services/queue"
	"github.com/kittiwakehq/kittiwake/services/sourcearchive"
	"github.com/kittiwakehq/kittiwake/services/sourcemap"
	"github.com/kittiwakehq/kittiwake/services/stacktrace"
)

const modelAnswer = `## Root cause
A null dereference in the click handler.

## Precise location
src/app.js line 42.

## Fix suggestions
Guard the handler against missing state.

## Technical details
The minified frame maps to render().`

type fakeStore struct {
	agg     *metastore.ErrorAggregation
	result  *metastore.DiagnosisResult
	synced  bool
	setErr  error
	syncErr error
}

func (s *fakeStore) GetAggregation(_ context.Context, id int64) (*metastore.ErrorAggregation, error) {
	if s.agg == nil || s.agg.ID != id {
		return nil, errors.New("not found")
	}
	return s.agg, nil
}

func (s *fakeStore) SetAggregationDiagnosis(_ context.Context, _ int64, r metastore.DiagnosisResult) error {
	if s.setErr != nil {
		return s.setErr
	}
	s.result = &r
	return nil
}

func (s *fakeStore) SyncLogDiagnosis(_ context.Context, _, _ string, _ string, _ []byte, _ time.Time) error {
	if s.syncErr != nil {
		return s.syncErr
	}
	s.synced = true
	return nil
}

type fakeSource struct {
	loc *sourcearchive.Location
	err error
}

func (f *fakeSource) GetByLocation(_ context.Context, _, _, _ string, _, _ int) (*sourcearchive.Location, error) {
	return f.loc, f.err
}

type fakeResolver struct {
	frame sourcemap.ResolvedFrame
}

func (f *fakeResolver) ResolveOne(_, _ string, frame stacktrace.Frame) (sourcemap.ResolvedFrame, error) {
	out := f.frame
	out.Frame = frame
	return out, nil
}

type fakeAnalyzer struct {
	answer  string
	err     error
	calls   int
	prompts []string
}

func (f *fakeAnalyzer) AnalyzeError(_ context.Context, prompt string) (string, error) {
	f.calls++
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

type fakeFabric struct {
	jobs []string
}

func (f *fakeFabric) Add(_ context.Context, queueName, jobType string, _ any, _ queue.AddOptions) (*queue.Job, error) {
	f.jobs = append(f.jobs, queueName+"/"+jobType)
	return &queue.Job{}, nil
}

func strp(s string) *string { return &s }
func intp(n int) *int       { return &n }

func baseAgg() *metastore.ErrorAggregation {
	return &metastore.ErrorAggregation{
		ID: 5, ProjectID: "p", ErrorHash: "aaa",
		Type: metastore.TypeJSError, ErrorMessage: "boom",
		ErrorStack: strp("Error: boom\n    at render (http://x/app.min.js:1:18)"),
		SourceFile: strp("app.min.js"), SourceLine: intp(1),
		OccurrenceCount: 12, AffectedUsers: 3, ErrorLevel: 3,
	}
}

func newOrchestrator(t *testing.T, store *fakeStore, analyzer *fakeAnalyzer) (*Orchestrator, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	source := &fakeSource{loc: &sourcearchive.Location{
		File:       metastore.SourceCodeFile{FilePath: "src/app.js"},
		Lines:      []string{"const a = 1;", "a.b();"},
		TargetLine: 42, StartLine: 41, EndLine: 42,
	}}
	resolver := &fakeResolver{frame: sourcemap.ResolvedFrame{
		Resolved: true, OriginalSource: "src/app.js",
		OriginalLine: 42, OriginalColumn: 3, FunctionName: "render",
	}}
	o := New(store, source, resolver, analyzer, &fakeFabric{},
		rdb, logging.New(logging.Config{Quiet: true}), nil)
	return o, rdb
}

func TestAnalyzeWritesDiagnosis(t *testing.T) {
	store := &fakeStore{agg: baseAgg()}
	analyzer := &fakeAnalyzer{answer: modelAnswer}
	o, _ := newOrchestrator(t, store, analyzer)

	if err := o.Analyze(context.Background(), 5, false); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if analyzer.calls != 1 {
		t.Errorf("analyzer calls = %d, want exactly 1", analyzer.calls)
	}
	if store.result == nil {
		t.Fatal("diagnosis not written")
	}
	if store.result.Diagnosis != modelAnswer {
		t.Errorf("diagnosis = %q", store.result.Diagnosis)
	}
	if !strings.Contains(store.result.FixSuggestion, "Guard the handler") {
		t.Errorf("fix suggestion = %q", store.result.FixSuggestion)
	}
	if !store.synced {
		t.Error("log diagnosis not synced")
	}

	var report ComprehensiveReport
	if err := json.Unmarshal(store.result.Report, &report); err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.Version != "2.0.0" {
		t.Errorf("report version = %q", report.Version)
	}
	if !strings.Contains(report.RootCause, "null dereference") {
		t.Errorf("root cause = %q", report.RootCause)
	}

	// The prompt carries everything in one shot.
	prompt := analyzer.prompts[0]
	for _, want := range []string{"boom", "app.min.js:1:18 -> src/app.js:42:3", "a.b();", "four sections"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestAnalyzeSkipsDiagnosedUnlessForced(t *testing.T) {
	agg := baseAgg()
	agg.AIDiagnosis = strp("old analysis")
	store := &fakeStore{agg: agg}
	analyzer := &fakeAnalyzer{answer: modelAnswer}
	o, _ := newOrchestrator(t, store, analyzer)

	if err := o.Analyze(context.Background(), 5, false); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if analyzer.calls != 0 {
		t.Error("diagnosed aggregation should be skipped")
	}

	if err := o.Analyze(context.Background(), 5, true); err != nil {
		t.Fatalf("forced Analyze: %v", err)
	}
	if analyzer.calls != 1 {
		t.Errorf("forced run calls = %d", analyzer.calls)
	}
	// The prior diagnosis rides along in the prompt and the history.
	if !strings.Contains(analyzer.prompts[0], "old analysis") {
		t.Error("prompt should carry the previous diagnosis")
	}
	var ring []historyEntry
	if err := json.Unmarshal(store.result.History, &ring); err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(ring) != 1 || ring[0].Analysis != "old analysis" {
		t.Errorf("history = %+v", ring)
	}
}

func TestAnalyzeDeclinesWhenLocked(t *testing.T) {
	store := &fakeStore{agg: baseAgg()}
	analyzer := &fakeAnalyzer{answer: modelAnswer}
	o, rdb := newOrchestrator(t, store, analyzer)

	if err := rdb.SetNX(context.Background(), "kq:diaglock:5", "1", time.Minute).Err(); err != nil {
		t.Fatal(err)
	}
	if err := o.Analyze(context.Background(), 5, false); !errors.Is(err, queue.ErrDecline) {
		t.Errorf("err = %v, want ErrDecline", err)
	}
	if analyzer.calls != 0 {
		t.Error("locked aggregation must not be analyzed")
	}
}

func TestAnalyzeReleasesLock(t *testing.T) {
	store := &fakeStore{agg: baseAgg()}
	o, rdb := newOrchestrator(t, store, &fakeAnalyzer{answer: modelAnswer})

	if err := o.Analyze(context.Background(), 5, false); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if n, _ := rdb.Exists(context.Background(), "kq:diaglock:5").Result(); n != 0 {
		t.Error("lock should be released after the run")
	}
}

func TestAnalyzeFailureLeavesRowUntouched(t *testing.T) {
	store := &fakeStore{agg: baseAgg()}
	analyzer := &fakeAnalyzer{err: errors.New("model unavailable")}
	o, _ := newOrchestrator(t, store, analyzer)

	if err := o.Analyze(context.Background(), 5, false); err == nil {
		t.Fatal("analyzer failure should fail the job")
	}
	if store.result != nil || store.synced {
		t.Error("failed run must not touch the aggregation")
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	store := &fakeStore{agg: baseAgg()}
	analyzer := &fakeAnalyzer{err: errors.New("model unavailable")}
	o, _ := newOrchestrator(t, store, analyzer)

	for i := 0; i < 6; i++ {
		_ = o.Analyze(context.Background(), 5, false)
	}
	// The sixth run is rejected by the open breaker before the call.
	if analyzer.calls != 5 {
		t.Errorf("analyzer calls = %d, want 5 (breaker open)", analyzer.calls)
	}
}

func TestSyncFailureIsTolerated(t *testing.T) {
	store := &fakeStore{agg: baseAgg(), syncErr: errors.New("mysql down")}
	o, _ := newOrchestrator(t, store, &fakeAnalyzer{answer: modelAnswer})

	if err := o.Analyze(context.Background(), 5, false); err != nil {
		t.Fatalf("sync failure must not fail the job: %v", err)
	}
	if store.result == nil {
		t.Error("aggregation diagnosis should still be written")
	}
}

func TestParseReportDegradesGracefully(t *testing.T) {
	report := parseReport("free-form text without headers", time.Now())
	if report.RootCause != "" || report.FixSuggestions != "" {
		t.Errorf("report = %+v", report)
	}
	if report.RawAnalysis != "free-form text without headers" {
		t.Errorf("raw = %q", report.RawAnalysis)
	}
}

func TestAppendHistoryTrims(t *testing.T) {
	agg := baseAgg()
	old := make([]historyEntry, historyLimit)
	for i := range old {
		old[i] = historyEntry{Analysis: "old"}
	}
	raw, _ := json.Marshal(old)
	agg.AIDiagnosisHistory = raw
	agg.AIDiagnosis = strp("newest")

	out, err := appendHistory(agg)
	if err != nil {
		t.Fatalf("appendHistory: %v", err)
	}
	var ring []historyEntry
	if err := json.Unmarshal(out, &ring); err != nil {
		t.Fatal(err)
	}
	if len(ring) != historyLimit {
		t.Errorf("ring length = %d, want %d", len(ring), historyLimit)
	}
	if ring[0].Analysis != "newest" {
		t.Errorf("ring[0] = %+v, want newest first", ring[0])
	}
}

func TestTriggerEnqueues(t *testing.T) {
	fab := &fakeFabric{}
	o := &Orchestrator{fabric: fab, analyzer: &fakeAnalyzer{}}
	if _, err := o.Trigger(context.Background(), 5, true); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if len(fab.jobs) != 1 || fab.jobs[0] != queue.AIDiagnosis+"/analyze-error" {
		t.Errorf("jobs = %v", fab.jobs)
	}
}

func TestTriggerRefusedWithoutAnalyzer(t *testing.T) {
	fab := &fakeFabric{}
	o := &Orchestrator{fabric: fab}
	_, err := o.Trigger(context.Background(), 5, false)
	if !errors.Is(err, apperrors.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
	if len(fab.jobs) != 0 {
		t.Errorf("jobs = %v, nothing should enqueue", fab.jobs)
	}
}

// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package process

import (
	"context"
	"testing"

	"github.com/kittiwakehq/kittiwake/pkg/apperrors"
	"github.com/kittiwakehq/kittiwake/pkg/logging"
	"github.com/kittiwakehq/kittiwake/services/metastore"
	"github.com/kittiwakehq/kittiwake/services/queue"
)

type fakeStore struct {
	log *metastore.ErrorLog
	agg *metastore.ErrorAggregation
}

func (f *fakeStore) GetErrorLog(context.Context, int64) (*metastore.ErrorLog, error) {
	if f.log == nil {
		return nil, apperrors.NotFoundf("error log")
	}
	return f.log, nil
}

func (f *fakeStore) GetAggregationByHash(context.Context, string, string) (*metastore.ErrorAggregation, error) {
	if f.agg == nil {
		return nil, apperrors.NotFoundf("aggregation")
	}
	return f.agg, nil
}

type fakeDiagnoser struct {
	triggered []int64
}

func (f *fakeDiagnoser) Trigger(_ context.Context, aggID int64, _ bool) (*queue.Job, error) {
	f.triggered = append(f.triggered, aggID)
	return &queue.Job{ID: "j1"}, nil
}

func severeLog() *metastore.ErrorLog {
	return &metastore.ErrorLog{ID: 1, ProjectID: "p1", ErrorHash: "h1", ErrorLevel: 4}
}

func TestProcessTriggersDiagnosisForSevereErrors(t *testing.T) {
	store := &fakeStore{
		log: severeLog(),
		agg: &metastore.ErrorAggregation{ID: 9, ProjectID: "p1", ErrorHash: "h1"},
	}
	diag := &fakeDiagnoser{}
	w := New(store, diag, true, logging.Default())

	if err := w.Process(context.Background(), 1); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(diag.triggered) != 1 || diag.triggered[0] != 9 {
		t.Errorf("triggered = %v, want [9]", diag.triggered)
	}
}

func TestProcessSkipsLowSeverity(t *testing.T) {
	store := &fakeStore{log: &metastore.ErrorLog{ID: 1, ErrorLevel: 2}}
	diag := &fakeDiagnoser{}
	w := New(store, diag, true, logging.Default())

	if err := w.Process(context.Background(), 1); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(diag.triggered) != 0 {
		t.Errorf("triggered = %v, want none", diag.triggered)
	}
}

func TestProcessSkipsWhenDisabled(t *testing.T) {
	store := &fakeStore{log: severeLog()}
	diag := &fakeDiagnoser{}
	w := New(store, diag, false, logging.Default())

	if err := w.Process(context.Background(), 1); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(diag.triggered) != 0 {
		t.Errorf("triggered = %v, want none", diag.triggered)
	}
}

func TestProcessCompletesWhenAggregationMissing(t *testing.T) {
	store := &fakeStore{log: severeLog()}
	diag := &fakeDiagnoser{}
	w := New(store, diag, true, logging.Default())

	if err := w.Process(context.Background(), 1); err != nil {
		t.Fatalf("Process with missing aggregation: %v", err)
	}
}

func TestProcessSkipsDiagnosedAggregation(t *testing.T) {
	prior := "already diagnosed"
	store := &fakeStore{
		log: severeLog(),
		agg: &metastore.ErrorAggregation{ID: 9, AIDiagnosis: &prior},
	}
	diag := &fakeDiagnoser{}
	w := New(store, diag, true, logging.Default())

	if err := w.Process(context.Background(), 1); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(diag.triggered) != 0 {
		t.Errorf("triggered = %v, want none", diag.triggered)
	}
}

func TestHandlerDecodesPayload(t *testing.T) {
	store := &fakeStore{log: &metastore.ErrorLog{ID: 1, ErrorLevel: 1}}
	w := New(store, &fakeDiagnoser{}, true, logging.Default())

	job := &queue.Job{ID: "j1", Queue: queue.ErrorProcessing, Payload: `{"errorLogId":1}`}
	if err := w.Handler(context.Background(), job); err != nil {
		t.Fatalf("Handler: %v", err)
	}
	job.Payload = "not json"
	if err := w.Handler(context.Background(), job); err == nil {
		t.Fatal("Handler accepted malformed payload")
	}
}

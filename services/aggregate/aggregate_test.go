// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package aggregate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kittiwakehq/kittiwake/pkg/logging"
	"github.com/kittiwakehq/kittiwake/services/metastore"
	"github.com/kittiwakehq/kittiwake/services/queue"
)

type fakeStore struct {
	logs      []metastore.ErrorLog
	project   *metastore.Project
	counts    map[string]int64 // running occurrence_count per hash
	claimed   map[int64]bool   // is_processed per log id
	upserts   []metastore.AggregationUpsert
	failHash  string
	upsertErr error
}

func (s *fakeStore) ListUnprocessedLogs(_ context.Context, _ string, limit int) ([]metastore.ErrorLog, error) {
	pending := make([]metastore.ErrorLog, 0, len(s.logs))
	for _, l := range s.logs {
		if !s.claimed[l.ID] {
			pending = append(pending, l)
		}
	}
	if len(pending) > limit {
		return pending[:limit], nil
	}
	return pending, nil
}

// UpsertAggregation mirrors the store contract: the group's logs are
// claimed with the counter update, and only claimed rows count.
func (s *fakeStore) UpsertAggregation(_ context.Context, u metastore.AggregationUpsert) (*metastore.ErrorAggregation, error) {
	if s.upsertErr != nil {
		return nil, s.upsertErr
	}
	if s.failHash != "" && u.ErrorHash == s.failHash {
		return nil, errors.New("deadlock")
	}
	if s.counts == nil {
		s.counts = make(map[string]int64)
	}
	if s.claimed == nil {
		s.claimed = make(map[int64]bool)
	}
	var added int64
	for _, id := range u.LogIDs {
		if !s.claimed[id] {
			s.claimed[id] = true
			added++
		}
	}
	s.counts[u.ErrorHash] += added
	s.upserts = append(s.upserts, u)
	return &metastore.ErrorAggregation{
		ID:              int64(len(s.upserts)),
		ProjectID:       u.ProjectID,
		ErrorHash:       u.ErrorHash,
		ErrorMessage:    u.ErrorMessage,
		OccurrenceCount: s.counts[u.ErrorHash],
		ErrorLevel:      u.ErrorLevel,
		LastSeen:        u.LatestSeen,
	}, nil
}

func (s *fakeStore) GetProject(_ context.Context, _ string) (*metastore.Project, error) {
	return s.project, nil
}

type fakeFabric struct {
	jobs []struct {
		queue, typ string
		prio       int
	}
	addErr error
}

func (f *fakeFabric) Add(_ context.Context, queueName, jobType string, _ any, opts queue.AddOptions) (*queue.Job, error) {
	if f.addErr != nil {
		return nil, f.addErr
	}
	f.jobs = append(f.jobs, struct {
		queue, typ string
		prio       int
	}{queueName, jobType, opts.Priority})
	return &queue.Job{}, nil
}

func strp(s string) *string { return &s }

func log(id int64, hash, user string, level int, at time.Time) metastore.ErrorLog {
	l := metastore.ErrorLog{
		ID: id, ProjectID: "p", Type: metastore.TypeJSError,
		ErrorHash: hash, ErrorMessage: "msg-" + hash,
		ErrorLevel: level, CreatedAt: at,
	}
	if user != "" {
		l.UserID = strp(user)
	}
	return l
}

func newEngine(s *fakeStore, f *fakeFabric) *Engine {
	return New(s, f, logging.New(logging.Config{Quiet: true}))
}

func TestRunGroupsAndClaims(t *testing.T) {
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store := &fakeStore{
		project: &metastore.Project{ProjectID: "p", AlertThreshold: 100},
		logs: []metastore.ErrorLog{
			log(1, "aaa", "u1", 2, base),
			log(2, "aaa", "u2", 4, base.Add(time.Minute)),
			log(3, "bbb", "u1", 1, base.Add(2*time.Minute)),
		},
	}
	eng := newEngine(store, &fakeFabric{})

	res, err := eng.Run(context.Background(), "p")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Groups != 2 || res.Processed != 3 {
		t.Errorf("result = %+v, want 2 groups 3 processed", res)
	}
	if len(store.claimed) != 3 {
		t.Errorf("claimed ids = %v", store.claimed)
	}

	var aaa *metastore.AggregationUpsert
	for i := range store.upserts {
		if store.upserts[i].ErrorHash == "aaa" {
			aaa = &store.upserts[i]
		}
	}
	if aaa == nil {
		t.Fatal("no upsert for hash aaa")
	}
	if aaa.Occurrences != 2 {
		t.Errorf("occurrences = %d, want 2", aaa.Occurrences)
	}
	if len(aaa.LogIDs) != 2 {
		t.Errorf("logIds = %v, want the group's two rows", aaa.LogIDs)
	}
	if aaa.ErrorLevel != 4 {
		t.Errorf("errorLevel = %d, want max 4", aaa.ErrorLevel)
	}
	if !aaa.LatestSeen.Equal(base.Add(time.Minute)) {
		t.Errorf("latestSeen = %v", aaa.LatestSeen)
	}
	if len(aaa.DistinctUsers) != 2 {
		t.Errorf("users = %v", aaa.DistinctUsers)
	}
	// Representative fields come from the newest log of the group.
	if aaa.ErrorMessage != "msg-aaa" {
		t.Errorf("message = %q", aaa.ErrorMessage)
	}
}

func TestRunEmptyIsNoop(t *testing.T) {
	store := &fakeStore{project: &metastore.Project{ProjectID: "p"}}
	fab := &fakeFabric{}
	res, err := newEngine(store, fab).Run(context.Background(), "p")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Groups != 0 || len(fab.jobs) != 0 {
		t.Errorf("empty run did work: %+v %v", res, fab.jobs)
	}
}

func TestThresholdCrossingAlertsOnce(t *testing.T) {
	now := time.Now()
	store := &fakeStore{
		project: &metastore.Project{ProjectID: "p", AlertThreshold: 3},
		counts:  map[string]int64{"aaa": 2}, // pre-existing row at 2
		logs: []metastore.ErrorLog{
			log(1, "aaa", "", 2, now),
			log(2, "aaa", "", 2, now),
		},
	}
	fab := &fakeFabric{}
	if _, err := newEngine(store, fab).Run(context.Background(), "p"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fab.jobs) != 1 {
		t.Fatalf("jobs = %v, want one alert", fab.jobs)
	}
	if fab.jobs[0].queue != queue.EmailNotification || fab.jobs[0].typ != "send-alert-email" {
		t.Errorf("job = %+v", fab.jobs[0])
	}
	if fab.jobs[0].prio != queue.PriorityHigh {
		t.Errorf("priority = %d, want high", fab.jobs[0].prio)
	}

	// Already above threshold: the next run must not re-alert.
	store.logs = []metastore.ErrorLog{log(3, "aaa", "", 2, now)}
	if _, err := newEngine(store, fab).Run(context.Background(), "p"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fab.jobs) != 1 {
		t.Errorf("re-alerted above threshold: %v", fab.jobs)
	}
}

func TestCrossedThreshold(t *testing.T) {
	cases := []struct {
		count, added, threshold int64
		want                    bool
	}{
		{5, 5, 3, true},   // crossed this run
		{5, 1, 3, false},  // already above
		{2, 2, 3, false},  // still below
		{3, 1, 3, true},   // exactly at threshold
		{10, 10, 0, false}, // alerts disabled
	}
	for _, c := range cases {
		if got := crossedThreshold(c.count, c.added, c.threshold); got != c.want {
			t.Errorf("crossedThreshold(%d,%d,%d) = %v, want %v",
				c.count, c.added, c.threshold, got, c.want)
		}
	}
}

func TestAlertFailureDoesNotFailRun(t *testing.T) {
	store := &fakeStore{
		project: &metastore.Project{ProjectID: "p", AlertThreshold: 1},
		logs:    []metastore.ErrorLog{log(1, "aaa", "", 2, time.Now())},
	}
	fab := &fakeFabric{addErr: errors.New("redis down")}
	res, err := newEngine(store, fab).Run(context.Background(), "p")
	if err != nil {
		t.Fatalf("alert failure must not fail the run: %v", err)
	}
	if res.Alerts != 0 {
		t.Errorf("alerts = %d, want 0", res.Alerts)
	}
	if len(store.claimed) != 1 {
		t.Errorf("log should still be claimed: %v", store.claimed)
	}
}

func TestUpsertFailureFailsJob(t *testing.T) {
	store := &fakeStore{
		project:   &metastore.Project{ProjectID: "p"},
		logs:      []metastore.ErrorLog{log(1, "aaa", "", 2, time.Now())},
		upsertErr: errors.New("deadlock"),
	}
	if _, err := newEngine(store, &fakeFabric{}).Run(context.Background(), "p"); err == nil {
		t.Fatal("upsert failure should surface for the queue retry path")
	}
	if len(store.claimed) != 0 {
		t.Errorf("failed group must stay unclaimed: %v", store.claimed)
	}
}

func TestRerunDoesNotRefoldClaimedLogs(t *testing.T) {
	now := time.Now()
	store := &fakeStore{
		project: &metastore.Project{ProjectID: "p"},
		logs: []metastore.ErrorLog{
			log(1, "aaa", "u1", 2, now),
			log(2, "aaa", "u2", 2, now),
		},
	}
	eng := newEngine(store, &fakeFabric{})

	if _, err := eng.Run(context.Background(), "p"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if store.counts["aaa"] != 2 {
		t.Fatalf("count = %d, want 2", store.counts["aaa"])
	}

	// A redelivered job sees the same project but nothing pending.
	res, err := eng.Run(context.Background(), "p")
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if res.Processed != 0 {
		t.Errorf("rerun processed = %d, want 0", res.Processed)
	}
	if store.counts["aaa"] != 2 {
		t.Errorf("count = %d after rerun, want 2", store.counts["aaa"])
	}
}

func TestRetryAfterPartialRunCountsEachLogOnce(t *testing.T) {
	now := time.Now()
	store := &fakeStore{
		project:  &metastore.Project{ProjectID: "p"},
		failHash: "bbb",
		logs: []metastore.ErrorLog{
			log(1, "aaa", "u1", 2, now),
			log(2, "aaa", "u2", 2, now),
			log(3, "bbb", "u1", 1, now),
		},
	}
	eng := newEngine(store, &fakeFabric{})

	// First delivery fails partway through the groups.
	if _, err := eng.Run(context.Background(), "p"); err == nil {
		t.Fatal("run with a failing group should surface the error")
	}

	store.failHash = ""
	if _, err := eng.Run(context.Background(), "p"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if store.counts["aaa"] != 2 {
		t.Errorf("aaa count = %d, want 2", store.counts["aaa"])
	}
	if store.counts["bbb"] != 1 {
		t.Errorf("bbb count = %d, want 1", store.counts["bbb"])
	}
}

func TestHandlerUnmarshalsPayload(t *testing.T) {
	store := &fakeStore{project: &metastore.Project{ProjectID: "p"}}
	eng := newEngine(store, &fakeFabric{})
	job := &queue.Job{Payload: `{"projectId":"p"}`}
	if err := eng.Handler(context.Background(), job); err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if err := eng.Handler(context.Background(), &queue.Job{Payload: "{"}); err == nil {
		t.Error("bad payload should fail")
	}
}

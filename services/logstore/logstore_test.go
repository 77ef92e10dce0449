// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logstore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kittiwakehq/kittiwake/pkg/apperrors"
)

// fakeConn records queries and serves canned responses.
type fakeConn struct {
	execs   []string
	selects []string
	inserts []string

	execErr   error
	selectErr error
	insertErr error
	pingErr   error
}

func (f *fakeConn) Exec(_ context.Context, query string, _ ...any) error {
	f.execs = append(f.execs, query)
	return f.execErr
}

func (f *fakeConn) Select(_ context.Context, _ any, query string, _ ...any) error {
	f.selects = append(f.selects, query)
	return f.selectErr
}

func (f *fakeConn) AsyncInsert(_ context.Context, query string, _ bool, _ ...any) error {
	f.inserts = append(f.inserts, query)
	return f.insertErr
}

func (f *fakeConn) Ping(context.Context) error { return f.pingErr }
func (f *fakeConn) Close() error               { return nil }

func TestUseRollup(t *testing.T) {
	cases := []struct {
		name      string
		g         Granularity
		timeRange time.Duration
		want      bool
	}{
		{"hour within 72h", GranularityHour, 72 * time.Hour, true},
		{"hour beyond 72h", GranularityHour, 73 * time.Hour, false},
		{"day within 365d", GranularityDay, 365 * 24 * time.Hour, true},
		{"day beyond 365d", GranularityDay, 366 * 24 * time.Hour, false},
		{"total never", GranularityTotal, time.Hour, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := useRollup(tc.g, tc.timeRange); got != tc.want {
				t.Errorf("useRollup(%q, %v) = %v, want %v", tc.g, tc.timeRange, got, tc.want)
			}
		})
	}
}

func TestStatsRoutesToRollup(t *testing.T) {
	fake := &fakeConn{}
	store := newWithConn(fake)

	if _, err := store.Stats(context.Background(), "p", GranularityHour, 24*time.Hour); err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(fake.selects) != 1 || !strings.Contains(fake.selects[0], "error_logs_hourly_stats") {
		t.Errorf("expected hourly rollup query, got %q", fake.selects)
	}

	if _, err := store.Stats(context.Background(), "p", GranularityHour, 100*time.Hour); err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if strings.Contains(fake.selects[1], "hourly_stats") {
		t.Errorf("wide range should hit base table, got %q", fake.selects[1])
	}
}

func TestStatsRejectsBadInput(t *testing.T) {
	store := newWithConn(&fakeConn{})

	if _, err := store.Stats(context.Background(), "p", GranularityHour, 0); !errors.Is(err, apperrors.ErrBadRequest) {
		t.Errorf("zero range err = %v, want ErrBadRequest", err)
	}
	if _, err := store.Stats(context.Background(), "p", Granularity("week"), time.Hour); !errors.Is(err, apperrors.ErrBadRequest) {
		t.Errorf("unknown granularity err = %v, want ErrBadRequest", err)
	}
}

func TestTrendTypeFilterForcesBaseTable(t *testing.T) {
	fake := &fakeConn{}
	store := newWithConn(fake)

	if _, err := store.Trend(context.Background(), "p", GranularityHour, 24*time.Hour, "jsError"); err != nil {
		t.Fatalf("Trend: %v", err)
	}
	if strings.Contains(fake.selects[0], "hourly_stats") {
		t.Errorf("type filter must not use rollup, got %q", fake.selects[0])
	}
	if !strings.Contains(fake.selects[0], "type = ?") {
		t.Errorf("expected type predicate, got %q", fake.selects[0])
	}
}

func TestQuerySampling(t *testing.T) {
	fake := &fakeConn{}
	store := newWithConn(fake)

	if _, err := store.Query(context.Background(), "p", QueryFilter{Sample: 0.1}); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !strings.Contains(fake.selects[0], "rand()") {
		t.Errorf("expected sampling predicate, got %q", fake.selects[0])
	}

	if _, err := store.Query(context.Background(), "p", QueryFilter{Sample: 1.5}); !errors.Is(err, apperrors.ErrBadRequest) {
		t.Errorf("sample > 1 err = %v, want ErrBadRequest", err)
	}
}

func TestInsertUsesAsyncBuffer(t *testing.T) {
	fake := &fakeConn{}
	store := newWithConn(fake)

	if err := store.Insert(context.Background(), Row{ProjectID: "p"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := store.InsertBatch(context.Background(), []Row{{ProjectID: "p"}, {ProjectID: "p"}}); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if len(fake.inserts) != 3 {
		t.Errorf("inserts = %d, want 3", len(fake.inserts))
	}
}

func TestOptimizeTableWhitelist(t *testing.T) {
	fake := &fakeConn{}
	store := newWithConn(fake)

	if err := store.OptimizeTable(context.Background(), "error_logs"); err != nil {
		t.Fatalf("OptimizeTable: %v", err)
	}
	err := store.OptimizeTable(context.Background(), "system.tables; DROP TABLE error_logs")
	if !errors.Is(err, apperrors.ErrBadRequest) {
		t.Errorf("err = %v, want ErrBadRequest", err)
	}
	if len(fake.execs) != 1 {
		t.Errorf("execs = %d, want 1", len(fake.execs))
	}
}

func TestCleanupOlderThanValidatesDays(t *testing.T) {
	fake := &fakeConn{}
	store := newWithConn(fake)

	if err := store.CleanupOlderThan(context.Background(), 30); err != nil {
		t.Fatalf("CleanupOlderThan: %v", err)
	}
	if !strings.Contains(fake.execs[0], "INTERVAL 30 DAY") {
		t.Errorf("unexpected cleanup query %q", fake.execs[0])
	}
	if err := store.CleanupOlderThan(context.Background(), 0); !errors.Is(err, apperrors.ErrBadRequest) {
		t.Errorf("err = %v, want ErrBadRequest", err)
	}
}

func TestCheckHealth(t *testing.T) {
	up := newWithConn(&fakeConn{})
	if h := up.CheckHealth(context.Background()); !h.OK || !h.Connected {
		t.Errorf("healthy conn reported %+v", h)
	}
	down := newWithConn(&fakeConn{pingErr: errors.New("refused")})
	if h := down.CheckHealth(context.Background()); h.OK || h.Connected {
		t.Errorf("down conn reported %+v", h)
	}
}

func TestSummaryAppliesDateWindow(t *testing.T) {
	fake := &fakeConn{}
	store := newWithConn(fake)

	start := time.Now().Add(-24 * time.Hour)
	end := time.Now()
	sum, err := store.Summary(context.Background(), "p", &start, &end)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if len(fake.selects) != 2 {
		t.Fatalf("selects = %d, want type and level breakdowns", len(fake.selects))
	}
	for _, q := range fake.selects {
		if !strings.Contains(q, "created_at >= ?") || !strings.Contains(q, "created_at <= ?") {
			t.Errorf("query missing date window: %q", q)
		}
	}
	if sum.Total != 0 || len(sum.ByType) != 0 || len(sum.ByLevel) != 0 {
		t.Errorf("empty store summary = %+v", sum)
	}
}

func TestTableStatsQueriesSystemParts(t *testing.T) {
	fake := &fakeConn{}
	store := newWithConn(fake)

	stats, err := store.TableStats(context.Background())
	if err != nil {
		t.Fatalf("TableStats: %v", err)
	}
	if len(stats) != 0 {
		t.Errorf("empty store stats = %+v", stats)
	}
	if len(fake.selects) != 1 || !strings.Contains(fake.selects[0], "system.parts") {
		t.Errorf("selects = %v, want one system.parts query", fake.selects)
	}
}

func TestQueryMetricsClampsLimit(t *testing.T) {
	fake := &fakeConn{}
	store := newWithConn(fake)

	if _, err := store.QueryMetrics(context.Background(), 0); err != nil {
		t.Fatalf("QueryMetrics: %v", err)
	}
	if _, err := store.QueryMetrics(context.Background(), 5000); err != nil {
		t.Fatalf("QueryMetrics: %v", err)
	}
	if len(fake.selects) != 2 {
		t.Fatalf("selects = %d, want 2", len(fake.selects))
	}
	for _, q := range fake.selects {
		if !strings.Contains(q, "system.query_log") {
			t.Errorf("query %q does not read system.query_log", q)
		}
	}
}

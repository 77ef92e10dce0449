// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package metastore

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/kittiwakehq/kittiwake/pkg/apperrors"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "mysql")), mock
}

func TestValidStatusTransition(t *testing.T) {
	cases := []struct {
		name     string
		from, to int
		want     bool
	}{
		{"open to resolved", StatusOpen, StatusResolved, true},
		{"open to ignored", StatusOpen, StatusIgnored, true},
		{"resolved to open", StatusResolved, StatusOpen, true},
		{"ignored to open", StatusIgnored, StatusOpen, true},
		{"resolved to ignored", StatusResolved, StatusIgnored, false},
		{"ignored to resolved", StatusIgnored, StatusResolved, false},
		{"self transition", StatusResolved, StatusResolved, true},
		{"unknown from", 7, StatusOpen, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ValidStatusTransition(tc.from, tc.to); got != tc.want {
				t.Errorf("ValidStatusTransition(%d, %d) = %v, want %v", tc.from, tc.to, got, tc.want)
			}
		})
	}
}

func TestErrorTypeValid(t *testing.T) {
	for _, typ := range []ErrorType{TypeJSError, TypePromiseRejection, TypeResourceError, TypeHTTPError, TypeCustomError} {
		if !typ.Valid() {
			t.Errorf("type %q should be valid", typ)
		}
	}
	if ErrorType("segfault").Valid() {
		t.Error("unknown type should be invalid")
	}
}

func TestInsertErrorLog(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO error_logs").
		WillReturnResult(sqlmock.NewResult(42, 1))

	log := &ErrorLog{
		ProjectID:    "proj-1",
		Type:         TypeJSError,
		ErrorHash:    "0123456789abcdef0123456789abcdef",
		ErrorMessage: "boom",
		ErrorLevel:   2,
	}
	if err := store.InsertErrorLog(context.Background(), log); err != nil {
		t.Fatalf("InsertErrorLog: %v", err)
	}
	if log.ID != 42 {
		t.Errorf("id = %d, want 42", log.ID)
	}
	if log.CreatedAt.IsZero() {
		t.Error("CreatedAt should be stamped")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestInsertErrorLogBatchRollsBack(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO error_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO error_logs").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	logs := []*ErrorLog{
		{ProjectID: "p", Type: TypeJSError, ErrorHash: "h", ErrorMessage: "a"},
		{ProjectID: "p", Type: TypeJSError, ErrorHash: "h", ErrorMessage: "b"},
	}
	if err := store.InsertErrorLogBatch(context.Background(), logs); err == nil {
		t.Fatal("expected batch insert to fail")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestGetErrorLogNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM error_logs WHERE id = ?")).
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetErrorLog(context.Background(), 99)
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListErrorLogsSortWhitelist(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM error_logs").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	// Unknown sort field must fall back to created_at.
	mock.ExpectQuery("ORDER BY created_at DESC").
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "type", "error_hash", "error_message", "error_level", "is_processed", "is_source_resolved", "created_at"}).
			AddRow(1, "p", "jsError", "h", "boom", 2, false, false, time.Now()))

	_, total, err := store.ListErrorLogs(context.Background(), ErrorLogFilter{
		ProjectID: "p",
		SortField: "error_level; DROP TABLE error_logs",
	})
	if err != nil {
		t.Fatalf("ListErrorLogs: %v", err)
	}
	if total != 1 {
		t.Errorf("total = %d, want 1", total)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestUpsertAggregationInsertsNewRow(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM error_aggregations").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO error_aggregations").
		WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM error_aggregations WHERE id = ?")).
		WithArgs(int64(7)).
		WillReturnRows(aggRows().AddRow(
			7, "p", "hash", "jsError", "boom", now, now, 3, 2, 0, 2, now, now))
	mock.ExpectCommit()

	agg, err := store.UpsertAggregation(context.Background(), AggregationUpsert{
		ProjectID:     "p",
		ErrorHash:     "hash",
		Type:          TypeJSError,
		ErrorMessage:  "boom",
		ErrorLevel:    2,
		Occurrences:   3,
		DistinctUsers: []string{"u1", "u2", "u1"},
		LatestSeen:    now,
	})
	if err != nil {
		t.Fatalf("UpsertAggregation: %v", err)
	}
	if agg.ID != 7 {
		t.Errorf("id = %d, want 7", agg.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestUpsertAggregationFoldsExistingRow(t *testing.T) {
	store, mock := newMockStore(t)

	old := time.Now().Add(-time.Hour)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(aggRows().AddRow(
			7, "p", "hash", "jsError", "boom", old, old, 10, 4, 0, 2, old, old))
	// Two of the three users already counted.
	mock.ExpectQuery("SELECT COUNT\\(DISTINCT user_id\\)").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectExec("UPDATE error_aggregations SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM error_aggregations WHERE id = ?")).
		WithArgs(int64(7)).
		WillReturnRows(aggRows().AddRow(
			7, "p", "hash", "jsError", "boom", old, now, 15, 5, 0, 3, old, now))
	mock.ExpectCommit()

	agg, err := store.UpsertAggregation(context.Background(), AggregationUpsert{
		ProjectID:     "p",
		ErrorHash:     "hash",
		Type:          TypeJSError,
		ErrorMessage:  "boom",
		ErrorLevel:    3,
		Occurrences:   5,
		DistinctUsers: []string{"u1", "u2", "u3"},
		LatestSeen:    now,
	})
	if err != nil {
		t.Fatalf("UpsertAggregation: %v", err)
	}
	if agg.OccurrenceCount != 15 {
		t.Errorf("occurrenceCount = %d, want 15", agg.OccurrenceCount)
	}
	if agg.AffectedUsers != 5 {
		t.Errorf("affectedUsers = %d, want 5", agg.AffectedUsers)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestUpsertAggregationClaimsLogsInSameTx(t *testing.T) {
	store, mock := newMockStore(t)

	old := time.Now().Add(-time.Hour)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(aggRows().AddRow(
			7, "p", "hash", "jsError", "boom", old, old, 10, 4, 0, 2, old, old))
	// One of the two users already counted.
	mock.ExpectQuery("SELECT COUNT\\(DISTINCT user_id\\)").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE error_logs SET is_processed = 1")).
		WillReturnResult(sqlmock.NewResult(0, 3))
	// Counters advance by the three claimed rows.
	mock.ExpectExec("UPDATE error_aggregations SET").
		WithArgs(sqlmock.AnyArg(), int64(3), int64(1), int64(2), sqlmock.AnyArg(), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM error_aggregations WHERE id = ?")).
		WithArgs(int64(7)).
		WillReturnRows(aggRows().AddRow(
			7, "p", "hash", "jsError", "boom", old, now, 13, 5, 0, 2, old, now))
	mock.ExpectCommit()

	agg, err := store.UpsertAggregation(context.Background(), AggregationUpsert{
		ProjectID:     "p",
		ErrorHash:     "hash",
		Type:          TypeJSError,
		ErrorMessage:  "boom",
		ErrorLevel:    2,
		Occurrences:   3,
		LogIDs:        []int64{1, 2, 3},
		DistinctUsers: []string{"u1", "u2"},
		LatestSeen:    now,
	})
	if err != nil {
		t.Fatalf("UpsertAggregation: %v", err)
	}
	if agg.OccurrenceCount != 13 {
		t.Errorf("occurrenceCount = %d, want 13", agg.OccurrenceCount)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestUpsertAggregationRetryFoldsNothing(t *testing.T) {
	store, mock := newMockStore(t)

	old := time.Now().Add(-time.Hour)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(aggRows().AddRow(
			7, "p", "hash", "jsError", "boom", old, now, 10, 4, 0, 2, old, now))
	// The earlier fold already counted both users and claimed the rows.
	mock.ExpectQuery("SELECT COUNT\\(DISTINCT user_id\\)").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE error_logs SET is_processed = 1")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE error_aggregations SET").
		WithArgs(sqlmock.AnyArg(), int64(0), int64(0), int64(2), sqlmock.AnyArg(), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM error_aggregations WHERE id = ?")).
		WithArgs(int64(7)).
		WillReturnRows(aggRows().AddRow(
			7, "p", "hash", "jsError", "boom", old, now, 10, 4, 0, 2, old, now))
	mock.ExpectCommit()

	agg, err := store.UpsertAggregation(context.Background(), AggregationUpsert{
		ProjectID:     "p",
		ErrorHash:     "hash",
		Type:          TypeJSError,
		ErrorMessage:  "boom",
		ErrorLevel:    2,
		Occurrences:   2,
		LogIDs:        []int64{1, 2},
		DistinctUsers: []string{"u1", "u2"},
		LatestSeen:    now,
	})
	if err != nil {
		t.Fatalf("UpsertAggregation: %v", err)
	}
	if agg.OccurrenceCount != 10 {
		t.Errorf("occurrenceCount = %d, want unchanged 10", agg.OccurrenceCount)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestUpdateAggregationRejectsBadTransition(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(aggRows().AddRow(
			7, "p", "hash", "jsError", "boom", now, now, 1, 1, StatusResolved, 2, now, now))
	mock.ExpectRollback()

	status := StatusIgnored
	_, err := store.UpdateAggregation(context.Background(), 7, AggregationUpdate{Status: &status})
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestSetActiveVersionClearsThenSets(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE source_code_versions SET is_active = 0 WHERE project_id = ?")).
		WithArgs("p").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE source_code_versions SET is_active = 1 WHERE id = ?")).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.SetActiveVersion(context.Background(), "p", 5); err != nil {
		t.Fatalf("SetActiveVersion: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestSetActiveVersionMissing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{"1"}))
	mock.ExpectRollback()

	err := store.SetActiveVersion(context.Background(), "p", 404)
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateProjectDuplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO projects").
		WillReturnError(errors.New("Error 1062 (23000): Duplicate entry"))

	err := store.CreateProject(context.Background(), &Project{
		ProjectID:   "p",
		ProjectName: "demo",
		APIKey:      "key",
	})
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func TestGetProjectByAPIKeyUnauthorized(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM projects WHERE api_key = ?")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"project_id"}))

	_, err := store.GetProjectByAPIKey(context.Background(), "nope")
	if !errors.Is(err, apperrors.ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

// aggRows builds the column set the aggregation queries scan into.
func aggRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "project_id", "error_hash", "type", "error_message",
		"first_seen", "last_seen", "occurrence_count", "affected_users",
		"status", "error_level", "created_at", "updated_at",
	})
}

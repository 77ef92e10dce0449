// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kittiwakehq/kittiwake/pkg/apperrors"
)

const insertErrorLogSQL = `INSERT INTO error_logs (
	project_id, type, error_hash, error_message, error_stack, page_url,
	user_id, user_agent, device_info, network_info, performance_data,
	source_file, source_line, source_column, project_version, build_id,
	error_level, created_at
) VALUES (
	:project_id, :type, :error_hash, :error_message, :error_stack, :page_url,
	:user_id, :user_agent, :device_info, :network_info, :performance_data,
	:source_file, :source_line, :source_column, :project_version, :build_id,
	:error_level, :created_at
)`

// InsertErrorLog persists one occurrence and fills in its ID.
func (s *Store) InsertErrorLog(ctx context.Context, log *ErrorLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	res, err := s.db.NamedExecContext(ctx, insertErrorLogSQL, log)
	if err != nil {
		return fmt.Errorf("insert error log: %w", classify(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert error log id: %w", err)
	}
	log.ID = id
	return nil
}

// InsertErrorLogBatch persists up to 500 occurrences atomically.
// All rows commit or none do; IDs are filled on success.
func (s *Store) InsertErrorLogBatch(ctx context.Context, logs []*ErrorLog) error {
	if len(logs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, log := range logs {
			if log.CreatedAt.IsZero() {
				log.CreatedAt = time.Now()
			}
			res, err := tx.NamedExecContext(ctx, insertErrorLogSQL, log)
			if err != nil {
				return fmt.Errorf("insert error log batch: %w", classify(err))
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("insert error log batch id: %w", err)
			}
			log.ID = id
		}
		return nil
	})
}

// GetErrorLog loads one occurrence by id.
func (s *Store) GetErrorLog(ctx context.Context, id int64) (*ErrorLog, error) {
	var log ErrorLog
	err := s.db.GetContext(ctx, &log, `SELECT * FROM error_logs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("error log %d: %w", id, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get error log: %w", classify(err))
	}
	return &log, nil
}

// ErrorLogFilter selects and pages occurrences for the list endpoint.
type ErrorLogFilter struct {
	ProjectID  string
	Type       string
	Level      int
	Keyword    string
	SourceFile string
	PageURL    string
	UserID     string
	StartDate  *time.Time
	EndDate    *time.Time
	Page       int
	Limit      int
	SortField  string
	SortOrder  string
}

// Columns the list endpoint may sort on. Anything else falls back to
// created_at to keep the ORDER BY clause non-injectable.
var sortableLogColumns = map[string]string{
	"createdAt":  "created_at",
	"errorLevel": "error_level",
	"type":       "type",
	"id":         "id",
}

// ListErrorLogs returns a page of occurrences plus the total count.
func (s *Store) ListErrorLogs(ctx context.Context, f ErrorLogFilter) ([]ErrorLog, int64, error) {
	where := []string{"project_id = ?"}
	args := []any{f.ProjectID}

	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.Level > 0 {
		where = append(where, "error_level = ?")
		args = append(args, f.Level)
	}
	if f.Keyword != "" {
		where = append(where, "error_message LIKE ?")
		args = append(args, "%"+f.Keyword+"%")
	}
	if f.SourceFile != "" {
		where = append(where, "source_file = ?")
		args = append(args, f.SourceFile)
	}
	if f.PageURL != "" {
		where = append(where, "page_url = ?")
		args = append(args, f.PageURL)
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.StartDate != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *f.StartDate)
	}
	if f.EndDate != nil {
		where = append(where, "created_at <= ?")
		args = append(args, *f.EndDate)
	}

	whereClause := strings.Join(where, " AND ")

	var total int64
	countSQL := "SELECT COUNT(*) FROM error_logs WHERE " + whereClause
	if err := s.db.GetContext(ctx, &total, countSQL, args...); err != nil {
		return nil, 0, fmt.Errorf("count error logs: %w", classify(err))
	}

	sortCol, ok := sortableLogColumns[f.SortField]
	if !ok {
		sortCol = "created_at"
	}
	order := "DESC"
	if strings.EqualFold(f.SortOrder, "asc") {
		order = "ASC"
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	listSQL := fmt.Sprintf("SELECT * FROM error_logs WHERE %s ORDER BY %s %s LIMIT ? OFFSET ?",
		whereClause, sortCol, order)
	args = append(args, limit, offset)

	logs := []ErrorLog{}
	if err := s.db.SelectContext(ctx, &logs, listSQL, args...); err != nil {
		return nil, 0, fmt.Errorf("list error logs: %w", classify(err))
	}
	return logs, total, nil
}

// ListUnprocessedLogs returns up to limit logs awaiting aggregation,
// oldest first.
func (s *Store) ListUnprocessedLogs(ctx context.Context, projectID string, limit int) ([]ErrorLog, error) {
	if limit <= 0 {
		limit = 1000
	}
	logs := []ErrorLog{}
	err := s.db.SelectContext(ctx, &logs,
		`SELECT * FROM error_logs
		 WHERE project_id = ? AND is_processed = 0
		 ORDER BY created_at ASC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed logs: %w", classify(err))
	}
	return logs, nil
}

// ResolvedLocation is the source-map worker's write-back payload.
type ResolvedLocation struct {
	OriginalSource string
	OriginalLine   int
	OriginalColumn int
	FunctionName   string
	SourceSnippet  string
}

// SetLogResolution writes the resolved original position onto a log.
// The transition is null→set; re-running with an equal value is a
// no-op, which makes duplicate source-map workers harmless.
func (s *Store) SetLogResolution(ctx context.Context, id int64, loc ResolvedLocation) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE error_logs SET
			original_source = ?, original_line = ?, original_column = ?,
			function_name = ?, source_snippet = ?, is_source_resolved = 1
		 WHERE id = ?`,
		loc.OriginalSource, loc.OriginalLine, loc.OriginalColumn,
		loc.FunctionName, loc.SourceSnippet, id)
	if err != nil {
		return fmt.Errorf("set log resolution: %w", classify(err))
	}
	return nil
}

// SyncLogDiagnosis mirrors the aggregation's diagnosis onto every log
// sharing (projectId, errorHash). Best-effort from the orchestrator's
// point of view; the aggregation row stays canonical.
func (s *Store) SyncLogDiagnosis(ctx context.Context, projectID, errorHash string,
	diagnosis string, report []byte, generatedAt time.Time) error {

	_, err := s.db.ExecContext(ctx,
		`UPDATE error_logs SET
			ai_diagnosis = ?, comprehensive_analysis_report = ?,
			comprehensive_analysis_generated_at = ?
		 WHERE project_id = ? AND error_hash = ?`,
		diagnosis, report, generatedAt, projectID, errorHash)
	if err != nil {
		return fmt.Errorf("sync log diagnosis: %w", classify(err))
	}
	return nil
}

// DeleteProjectLogs removes every occurrence of a project (cascade on
// project deletion).
func (s *Store) DeleteProjectLogs(ctx context.Context, projectID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM error_logs WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("delete project logs: %w", classify(err))
	}
	return nil
}

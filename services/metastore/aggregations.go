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

// AggregationUpsert is one fingerprint group folded into its row.
type AggregationUpsert struct {
	ProjectID    string
	ErrorHash    string
	Type         ErrorType
	ErrorMessage string
	ErrorStack   *string
	SourceFile   *string
	SourceLine   *int
	SourceColumn *int
	ErrorLevel   int

	// Occurrences is the group size being folded in. When LogIDs is
	// set the number of rows actually claimed supersedes it.
	Occurrences int64
	// LogIDs are the group's error_logs rows. They are marked
	// processed inside the upsert transaction and the counters advance
	// only by the rows this call claimed, so a retried or concurrent
	// fold of the same group adds nothing.
	LogIDs []int64
	// DistinctUsers are the userIds seen in the group; only those
	// without a prior processed occurrence raise affectedUsers.
	DistinctUsers []string
	// LatestSeen is max(createdAt) over the group.
	LatestSeen time.Time
}

// UpsertAggregation folds one fingerprint group into its aggregation
// row, atomically against concurrent writers on the same key.
//
// The row is locked with SELECT ... FOR UPDATE; on conflict the
// counters fold in per the engine contract: lastSeen takes the max,
// occurrenceCount adds the rows claimed from LogIDs, affectedUsers
// adds only users not yet counted, errorLevel takes the max. Claiming
// and counting share one transaction, so an interrupted run leaves the
// group fully unclaimed and a completed run cannot be re-folded.
// Returns the post-update row.
func (s *Store) UpsertAggregation(ctx context.Context, u AggregationUpsert) (*ErrorAggregation, error) {
	var out *ErrorAggregation
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var existing ErrorAggregation
		err := tx.GetContext(ctx, &existing,
			`SELECT * FROM error_aggregations
			 WHERE project_id = ? AND error_hash = ? FOR UPDATE`,
			u.ProjectID, u.ErrorHash)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			now := time.Now()
			firstSeen := u.LatestSeen
			if firstSeen.IsZero() {
				firstSeen = now
			}
			occurrences := u.Occurrences
			if len(u.LogIDs) > 0 {
				claimed, err := claimLogs(ctx, tx, u.LogIDs)
				if err != nil {
					return err
				}
				occurrences = claimed
			}
			users := int64(len(dedupe(u.DistinctUsers)))
			res, err := tx.ExecContext(ctx,
				`INSERT INTO error_aggregations (
					project_id, error_hash, type, error_message, error_stack,
					source_file, source_line, source_column,
					first_seen, last_seen, occurrence_count, affected_users,
					status, error_level, created_at, updated_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
				u.ProjectID, u.ErrorHash, u.Type, u.ErrorMessage, u.ErrorStack,
				u.SourceFile, u.SourceLine, u.SourceColumn,
				firstSeen, firstSeen, occurrences, users,
				u.ErrorLevel, now, now)
			if err != nil {
				return fmt.Errorf("insert aggregation: %w", classify(err))
			}
			id, _ := res.LastInsertId()
			var row ErrorAggregation
			if err := tx.GetContext(ctx, &row,
				`SELECT * FROM error_aggregations WHERE id = ?`, id); err != nil {
				return fmt.Errorf("reload aggregation: %w", classify(err))
			}
			out = &row
			return nil

		case err != nil:
			return fmt.Errorf("lock aggregation: %w", classify(err))
		}

		lastSeen := existing.LastSeen
		if u.LatestSeen.After(lastSeen) {
			lastSeen = u.LatestSeen
		}
		level := existing.ErrorLevel
		if u.ErrorLevel > level {
			level = u.ErrorLevel
		}

		// User accounting keys off is_processed, so it must read
		// before this transaction claims the group.
		newUsers, err := s.countNewUsers(ctx, tx, existing.ID, u)
		if err != nil {
			return err
		}
		added := u.Occurrences
		if len(u.LogIDs) > 0 {
			claimed, err := claimLogs(ctx, tx, u.LogIDs)
			if err != nil {
				return err
			}
			added = claimed
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE error_aggregations SET
				last_seen = ?, occurrence_count = occurrence_count + ?,
				affected_users = affected_users + ?, error_level = ?, updated_at = ?
			 WHERE id = ?`,
			lastSeen, added, newUsers, level, time.Now(), existing.ID)
		if err != nil {
			return fmt.Errorf("update aggregation counters: %w", classify(err))
		}

		var row ErrorAggregation
		if err := tx.GetContext(ctx, &row,
			`SELECT * FROM error_aggregations WHERE id = ?`, existing.ID); err != nil {
			return fmt.Errorf("reload aggregation: %w", classify(err))
		}
		out = &row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// claimLogs marks the group's logs processed and reports how many
// rows this transaction claimed. Rows already claimed count zero.
func claimLogs(ctx context.Context, tx *sqlx.Tx, ids []int64) (int64, error) {
	query, args, err := sqlx.In(
		`UPDATE error_logs SET is_processed = 1 WHERE id IN (?) AND is_processed = 0`, ids)
	if err != nil {
		return 0, fmt.Errorf("claim logs in-expand: %w", err)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("claim logs: %w", classify(err))
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("claim logs affected: %w", err)
	}
	return claimed, nil
}

// countNewUsers returns how many of the group's users have no prior
// processed occurrence on this fingerprint. Exact distinct semantics:
// a user is counted once per (projectId, errorHash) lifetime.
func (s *Store) countNewUsers(ctx context.Context, tx *sqlx.Tx, aggID int64, u AggregationUpsert) (int64, error) {
	users := dedupe(u.DistinctUsers)
	if len(users) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(
		`SELECT COUNT(DISTINCT user_id) FROM error_logs
		 WHERE project_id = ? AND error_hash = ? AND is_processed = 1
		   AND user_id IN (?)`,
		u.ProjectID, u.ErrorHash, users)
	if err != nil {
		return 0, fmt.Errorf("count users in-expand: %w", err)
	}
	var seen int64
	if err := tx.GetContext(ctx, &seen, tx.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("count seen users: %w", classify(err))
	}
	return int64(len(users)) - seen, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// GetAggregation loads one row by id.
func (s *Store) GetAggregation(ctx context.Context, id int64) (*ErrorAggregation, error) {
	var agg ErrorAggregation
	err := s.db.GetContext(ctx, &agg, `SELECT * FROM error_aggregations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("aggregation %d: %w", id, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get aggregation: %w", classify(err))
	}
	return &agg, nil
}

// GetAggregationByHash loads the row for (projectId, errorHash).
func (s *Store) GetAggregationByHash(ctx context.Context, projectID, errorHash string) (*ErrorAggregation, error) {
	var agg ErrorAggregation
	err := s.db.GetContext(ctx, &agg,
		`SELECT * FROM error_aggregations WHERE project_id = ? AND error_hash = ?`,
		projectID, errorHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("aggregation %s/%s: %w", projectID, errorHash, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get aggregation by hash: %w", classify(err))
	}
	return &agg, nil
}

// AggregationFilter pages the aggregation list endpoint.
type AggregationFilter struct {
	ProjectID string
	Status    *int
	Level     int
	Keyword   string
	Page      int
	Limit     int
}

// ListAggregations returns a page ordered by lastSeen descending.
func (s *Store) ListAggregations(ctx context.Context, f AggregationFilter) ([]ErrorAggregation, int64, error) {
	where := []string{"project_id = ?"}
	args := []any{f.ProjectID}
	if f.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *f.Status)
	}
	if f.Level > 0 {
		where = append(where, "error_level = ?")
		args = append(args, f.Level)
	}
	if f.Keyword != "" {
		where = append(where, "error_message LIKE ?")
		args = append(args, "%"+f.Keyword+"%")
	}
	whereClause := strings.Join(where, " AND ")

	var total int64
	if err := s.db.GetContext(ctx, &total,
		"SELECT COUNT(*) FROM error_aggregations WHERE "+whereClause, args...); err != nil {
		return nil, 0, fmt.Errorf("count aggregations: %w", classify(err))
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	args = append(args, limit, (page-1)*limit)

	rows := []ErrorAggregation{}
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM error_aggregations WHERE "+whereClause+
			" ORDER BY last_seen DESC LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list aggregations: %w", classify(err))
	}
	return rows, total, nil
}

// AggregationUpdate carries the mutable triage fields of the PUT
// endpoint. Nil fields are left unchanged.
type AggregationUpdate struct {
	Status     *int
	ErrorLevel *int
	Notes      *string
	AssignedTo *string
	Tags       *string
}

// UpdateAggregation applies triage changes. Status transitions outside
// the allowed DAG return ErrConflict.
func (s *Store) UpdateAggregation(ctx context.Context, id int64, upd AggregationUpdate) (*ErrorAggregation, error) {
	var out *ErrorAggregation
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var existing ErrorAggregation
		err := tx.GetContext(ctx, &existing,
			`SELECT * FROM error_aggregations WHERE id = ? FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("aggregation %d: %w", id, apperrors.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock aggregation: %w", classify(err))
		}

		sets := []string{"updated_at = ?"}
		args := []any{time.Now()}
		if upd.Status != nil {
			if !ValidStatusTransition(existing.Status, *upd.Status) {
				return fmt.Errorf("status %d -> %d: %w", existing.Status, *upd.Status, apperrors.ErrConflict)
			}
			sets = append(sets, "status = ?")
			args = append(args, *upd.Status)
		}
		if upd.ErrorLevel != nil {
			sets = append(sets, "error_level = ?")
			args = append(args, *upd.ErrorLevel)
		}
		if upd.Notes != nil {
			sets = append(sets, "notes = ?")
			args = append(args, *upd.Notes)
		}
		if upd.AssignedTo != nil {
			sets = append(sets, "assigned_to = ?")
			args = append(args, *upd.AssignedTo)
		}
		if upd.Tags != nil {
			sets = append(sets, "tags = ?")
			args = append(args, *upd.Tags)
		}
		args = append(args, id)

		_, err = tx.ExecContext(ctx,
			"UPDATE error_aggregations SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
		if err != nil {
			return fmt.Errorf("update aggregation: %w", classify(err))
		}
		var row ErrorAggregation
		if err := tx.GetContext(ctx, &row,
			`SELECT * FROM error_aggregations WHERE id = ?`, id); err != nil {
			return fmt.Errorf("reload aggregation: %w", classify(err))
		}
		out = &row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DiagnosisResult is the orchestrator's write-back payload. History is
// the already-trimmed ring (JSON array, newest first, max 10).
type DiagnosisResult struct {
	Diagnosis     string
	FixSuggestion string
	History       []byte
	Report        []byte
}

// SetAggregationDiagnosis persists a completed analysis.
func (s *Store) SetAggregationDiagnosis(ctx context.Context, id int64, r DiagnosisResult) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE error_aggregations SET
			ai_diagnosis = ?, ai_fix_suggestion = ?, ai_diagnosis_history = ?,
			comprehensive_analysis_report = ?, updated_at = ?
		 WHERE id = ?`,
		r.Diagnosis, r.FixSuggestion, r.History, r.Report, time.Now(), id)
	if err != nil {
		return fmt.Errorf("set aggregation diagnosis: %w", classify(err))
	}
	return nil
}

// DeleteAggregation removes one row.
func (s *Store) DeleteAggregation(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM error_aggregations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete aggregation: %w", classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("aggregation %d: %w", id, apperrors.ErrNotFound)
	}
	return nil
}

// DeleteProjectAggregations removes every row of a project.
func (s *Store) DeleteProjectAggregations(ctx context.Context, projectID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM error_aggregations WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("delete project aggregations: %w", classify(err))
	}
	return nil
}

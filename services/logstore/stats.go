// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/kittiwakehq/kittiwake/pkg/apperrors"
)

// Granularity selects the stats bucket width.
type Granularity string

const (
	GranularityHour  Granularity = "hour"
	GranularityDay   Granularity = "day"
	GranularityTotal Granularity = "total"
)

// StatsBucket is one (bucket, type) cell of the stats response.
type StatsBucket struct {
	Bucket     time.Time `ch:"bucket" json:"bucket"`
	Type       string    `ch:"type" json:"type"`
	TotalCount uint64    `ch:"total_count" json:"totalCount"`
	UniqueHash uint64    `ch:"unique_hash" json:"uniqueHash"`
}

// useRollup decides whether a rollup table can serve the query.
// Hourly serves up to 72h, daily up to 365d; anything wider falls back
// to the base table.
func useRollup(g Granularity, timeRange time.Duration) bool {
	switch g {
	case GranularityHour:
		return timeRange <= 72*time.Hour
	case GranularityDay:
		return timeRange <= 365*24*time.Hour
	}
	return false
}

// Stats returns per-type counts bucketed by granularity over the
// trailing timeRange. Rollup-served queries get the tighter timeout.
func (s *Store) Stats(ctx context.Context, projectID string, g Granularity, timeRange time.Duration) ([]StatsBucket, error) {
	if timeRange <= 0 {
		return nil, apperrors.BadRequestf("timeRange %v", timeRange)
	}
	since := time.Now().Add(-timeRange)

	var query string
	rolled := useRollup(g, timeRange)
	switch {
	case g == GranularityTotal:
		query = `SELECT toDateTime(0) AS bucket, type,
				count() AS total_count, uniq(error_hash) AS unique_hash
			FROM error_logs
			WHERE project_id = ? AND created_at >= ?
			GROUP BY type ORDER BY type`
	case rolled && g == GranularityHour:
		query = `SELECT hour AS bucket, type,
				countMerge(total_count) AS total_count,
				uniqMerge(unique_hash) AS unique_hash
			FROM error_logs_hourly_stats
			WHERE project_id = ? AND hour >= ?
			GROUP BY hour, type ORDER BY hour, type`
	case rolled && g == GranularityDay:
		query = `SELECT toDateTime(date) AS bucket, type,
				countMerge(total_count) AS total_count,
				uniqMerge(unique_hash) AS unique_hash
			FROM error_logs_daily_stats
			WHERE project_id = ? AND date >= toDate(?)
			GROUP BY date, type ORDER BY date, type`
	case g == GranularityHour:
		query = `SELECT toStartOfHour(created_at) AS bucket, type,
				count() AS total_count, uniq(error_hash) AS unique_hash
			FROM error_logs
			WHERE project_id = ? AND created_at >= ?
			GROUP BY bucket, type ORDER BY bucket, type`
	case g == GranularityDay:
		query = `SELECT toDateTime(toDate(created_at)) AS bucket, type,
				count() AS total_count, uniq(error_hash) AS unique_hash
			FROM error_logs
			WHERE project_id = ? AND created_at >= ?
			GROUP BY bucket, type ORDER BY bucket, type`
	default:
		return nil, apperrors.BadRequestf("granularity %q", g)
	}

	timeout := baseQueryTimeout
	if rolled {
		timeout = rollupQueryTimeout
	}
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	buckets := []StatsBucket{}
	if err := s.conn.Select(qctx, &buckets, query, projectID, since); err != nil {
		return nil, fmt.Errorf("columnar stats: %w", err)
	}
	return buckets, nil
}

// Summary is the stats/summary payload: totals plus per-type and
// per-level breakdowns over a date window.
type Summary struct {
	Total   uint64            `json:"total"`
	ByType  map[string]uint64 `json:"byType"`
	ByLevel map[string]uint64 `json:"byLevel"`
}

// Summary aggregates the base table over [start, end]. Nil bounds are
// open-ended.
func (s *Store) Summary(ctx context.Context, projectID string, start, end *time.Time) (*Summary, error) {
	where := "project_id = ?"
	args := []any{projectID}
	if start != nil {
		where += " AND created_at >= ?"
		args = append(args, *start)
	}
	if end != nil {
		where += " AND created_at <= ?"
		args = append(args, *end)
	}

	qctx, cancel := context.WithTimeout(ctx, baseQueryTimeout)
	defer cancel()

	var byType []struct {
		Type  string `ch:"type"`
		Count uint64 `ch:"cnt"`
	}
	if err := s.conn.Select(qctx, &byType,
		"SELECT type, count() AS cnt FROM error_logs WHERE "+where+" GROUP BY type",
		args...); err != nil {
		return nil, fmt.Errorf("columnar summary by type: %w", err)
	}

	var byLevel []struct {
		Level uint8  `ch:"error_level"`
		Count uint64 `ch:"cnt"`
	}
	if err := s.conn.Select(qctx, &byLevel,
		"SELECT error_level, count() AS cnt FROM error_logs WHERE "+where+" GROUP BY error_level",
		args...); err != nil {
		return nil, fmt.Errorf("columnar summary by level: %w", err)
	}

	out := &Summary{ByType: map[string]uint64{}, ByLevel: map[string]uint64{}}
	for _, row := range byType {
		out.ByType[row.Type] = row.Count
		out.Total += row.Count
	}
	for _, row := range byLevel {
		out.ByLevel[strconv.Itoa(int(row.Level))] = row.Count
	}
	return out, nil
}

// TrendPoint is one bucket of the trend series.
type TrendPoint struct {
	Bucket time.Time `ch:"bucket" json:"bucket"`
	Count  uint64    `ch:"total_count" json:"count"`
}

// Trend returns the occurrence series over the trailing timeRange,
// optionally restricted to one error type. A type filter forces the
// base table since the rollups fold counts per type with aggregate
// state.
func (s *Store) Trend(ctx context.Context, projectID string, g Granularity, timeRange time.Duration, errorType string) ([]TrendPoint, error) {
	if timeRange <= 0 {
		return nil, apperrors.BadRequestf("timeRange %v", timeRange)
	}
	if g != GranularityHour && g != GranularityDay {
		return nil, apperrors.BadRequestf("granularity %q", g)
	}
	since := time.Now().Add(-timeRange)

	rolled := useRollup(g, timeRange) && errorType == ""

	var query string
	args := []any{projectID, since}
	switch {
	case rolled && g == GranularityHour:
		query = `SELECT hour AS bucket, countMerge(total_count) AS total_count
			FROM error_logs_hourly_stats
			WHERE project_id = ? AND hour >= ?
			GROUP BY hour ORDER BY hour`
	case rolled && g == GranularityDay:
		query = `SELECT toDateTime(date) AS bucket, countMerge(total_count) AS total_count
			FROM error_logs_daily_stats
			WHERE project_id = ? AND date >= toDate(?)
			GROUP BY date ORDER BY date`
	default:
		bucketExpr := "toStartOfHour(created_at)"
		if g == GranularityDay {
			bucketExpr = "toDateTime(toDate(created_at))"
		}
		query = `SELECT ` + bucketExpr + ` AS bucket, count() AS total_count
			FROM error_logs
			WHERE project_id = ? AND created_at >= ?`
		if errorType != "" {
			query += " AND type = ?"
			args = append(args, errorType)
		}
		query += " GROUP BY bucket ORDER BY bucket"
	}

	timeout := baseQueryTimeout
	if rolled {
		timeout = rollupQueryTimeout
	}
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	points := []TrendPoint{}
	if err := s.conn.Select(qctx, &points, query, args...); err != nil {
		return nil, fmt.Errorf("columnar trend: %w", err)
	}
	return points, nil
}

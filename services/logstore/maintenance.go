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

	"github.com/kittiwakehq/kittiwake/pkg/apperrors"
)

// Tables maintenance operations may touch. Names never come from user
// input unchecked.
var maintainableTables = map[string]bool{
	"error_logs":              true,
	"error_logs_hourly_stats": true,
	"error_logs_daily_stats":  true,
}

// CleanupOlderThan drops base-table rows older than the given number of
// days. Partition TTL handles steady-state expiry; this is the manual
// override behind the ops endpoint and the retention sweep.
func (s *Store) CleanupOlderThan(ctx context.Context, days int) error {
	if days <= 0 {
		return apperrors.BadRequestf("retention days %d", days)
	}
	query := fmt.Sprintf(
		`ALTER TABLE error_logs DELETE WHERE created_at < now() - INTERVAL %d DAY`, days)
	if err := s.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("columnar cleanup: %w", err)
	}
	return nil
}

// OptimizeTable forces a merge on one of the store's tables.
func (s *Store) OptimizeTable(ctx context.Context, name string) error {
	if !maintainableTables[name] {
		return apperrors.BadRequestf("unknown table %q", name)
	}
	if err := s.conn.Exec(ctx, "OPTIMIZE TABLE "+name+" FINAL"); err != nil {
		return fmt.Errorf("optimize %s: %w", name, err)
	}
	return nil
}

// DeleteProject sweeps every row of a project (cascade on project
// deletion). Rollup rows age out with their partitions.
func (s *Store) DeleteProject(ctx context.Context, projectID string) error {
	if err := s.conn.Exec(ctx,
		`ALTER TABLE error_logs DELETE WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("columnar project delete: %w", err)
	}
	return nil
}

// TableStat is one table's on-disk footprint.
type TableStat struct {
	Table            string `ch:"table" json:"table"`
	Rows             uint64 `ch:"rows" json:"rows"`
	CompressedBytes  uint64 `ch:"compressed_bytes" json:"compressedBytes"`
	UncompressedByte uint64 `ch:"uncompressed_bytes" json:"uncompressedBytes"`
	Parts            uint64 `ch:"parts" json:"parts"`
}

// TableStats reports row counts and sizes for the store's tables from
// system.parts.
func (s *Store) TableStats(ctx context.Context) ([]TableStat, error) {
	qctx, cancel := context.WithTimeout(ctx, rollupQueryTimeout)
	defer cancel()

	stats := []TableStat{}
	err := s.conn.Select(qctx, &stats, `
		SELECT
			table,
			sum(rows) AS rows,
			sum(data_compressed_bytes) AS compressed_bytes,
			sum(data_uncompressed_bytes) AS uncompressed_bytes,
			count() AS parts
		FROM system.parts
		WHERE active AND database = currentDatabase()
			AND table IN ('error_logs', 'error_logs_hourly_stats', 'error_logs_daily_stats')
		GROUP BY table
		ORDER BY table`)
	if err != nil {
		return nil, fmt.Errorf("columnar table stats: %w", err)
	}
	return stats, nil
}

// QueryMetric is one recent query's cost, from system.query_log.
type QueryMetric struct {
	Query      string  `ch:"normalized_query" json:"query"`
	Calls      uint64  `ch:"calls" json:"calls"`
	AvgMillis  float64 `ch:"avg_ms" json:"avgMillis"`
	TotalRows  uint64  `ch:"total_rows" json:"totalRows"`
	TotalBytes uint64  `ch:"total_bytes" json:"totalBytes"`
}

// QueryMetrics summarizes the last 24h of finished queries against the
// error_logs tables, heaviest first.
func (s *Store) QueryMetrics(ctx context.Context, limit int) ([]QueryMetric, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	qctx, cancel := context.WithTimeout(ctx, rollupQueryTimeout)
	defer cancel()

	metrics := []QueryMetric{}
	err := s.conn.Select(qctx, &metrics, `
		SELECT
			normalizeQuery(query) AS normalized_query,
			count() AS calls,
			avg(query_duration_ms) AS avg_ms,
			sum(read_rows) AS total_rows,
			sum(read_bytes) AS total_bytes
		FROM system.query_log
		WHERE type = 'QueryFinish'
			AND event_time > now() - INTERVAL 24 HOUR
			AND query ILIKE '%error_logs%'
		GROUP BY normalized_query
		ORDER BY avg_ms DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("columnar query metrics: %w", err)
	}
	return metrics, nil
}

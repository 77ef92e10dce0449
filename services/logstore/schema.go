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
)

// schemaDDL creates the base table, the two rollup targets, and the
// materialized views feeding them. Order matters: targets before views.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS error_logs (
		id               UInt64,
		project_id       LowCardinality(String),
		type             LowCardinality(String),
		error_hash       FixedString(32),
		error_message    String,
		error_stack      String,
		page_url         String,
		user_id          String,
		user_agent       String,
		device_info      String,
		network_info     String,
		performance_data String,
		source_file      String,
		source_line      Int32,
		source_column    Int32,
		project_version  String,
		build_id         String,
		error_level      UInt8,
		created_at       DateTime64(3)
	) ENGINE = MergeTree
	PARTITION BY toYYYYMM(created_at)
	ORDER BY (project_id, created_at, type)
	TTL toDateTime(created_at) + INTERVAL 90 DAY`,

	`CREATE TABLE IF NOT EXISTS error_logs_hourly_stats (
		project_id  LowCardinality(String),
		hour        DateTime,
		type        LowCardinality(String),
		total_count AggregateFunction(count),
		unique_hash AggregateFunction(uniq, FixedString(32))
	) ENGINE = AggregatingMergeTree
	PARTITION BY toYYYYMM(hour)
	ORDER BY (project_id, hour, type)`,

	`CREATE MATERIALIZED VIEW IF NOT EXISTS error_logs_hourly_mv
	TO error_logs_hourly_stats AS
	SELECT
		project_id,
		toStartOfHour(created_at) AS hour,
		type,
		countState() AS total_count,
		uniqState(error_hash) AS unique_hash
	FROM error_logs
	GROUP BY project_id, hour, type`,

	`CREATE TABLE IF NOT EXISTS error_logs_daily_stats (
		project_id  LowCardinality(String),
		date        Date,
		type        LowCardinality(String),
		total_count AggregateFunction(count),
		unique_hash AggregateFunction(uniq, FixedString(32))
	) ENGINE = AggregatingMergeTree
	PARTITION BY toYYYYMM(date)
	ORDER BY (project_id, date, type)`,

	`CREATE MATERIALIZED VIEW IF NOT EXISTS error_logs_daily_mv
	TO error_logs_daily_stats AS
	SELECT
		project_id,
		toDate(created_at) AS date,
		type,
		countState() AS total_count,
		uniqState(error_hash) AS unique_hash
	FROM error_logs
	GROUP BY project_id, date, type`,
}

// EnsureSchema creates missing objects. Run once at startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schemaDDL {
		if err := s.conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("ensure columnar schema: %w", err)
		}
	}
	return nil
}

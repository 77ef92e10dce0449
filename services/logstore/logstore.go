// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logstore is the columnar log store adapter.
//
// Error occurrences are mirrored here for analytical queries; MySQL
// stays the system of record. The base table is partitioned monthly
// with a 90-day TTL, and two materialized rollups (hourly, daily) back
// the stats and trend endpoints. Inserts ride ClickHouse's async
// insert buffer, so single-row writes from the hot path coalesce
// server-side.
package logstore

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/kittiwakehq/kittiwake/pkg/apperrors"
	"github.com/kittiwakehq/kittiwake/pkg/config"
)

const (
	baseQueryTimeout   = 30 * time.Second
	rollupQueryTimeout = 10 * time.Second
)

// conn is the slice of driver.Conn the store uses; tests substitute a
// fake.
type conn interface {
	Exec(ctx context.Context, query string, args ...any) error
	Select(ctx context.Context, dest any, query string, args ...any) error
	AsyncInsert(ctx context.Context, query string, wait bool, args ...any) error
	Ping(ctx context.Context) error
	Close() error
}

var _ conn = (driver.Conn)(nil)

// Store is the columnar adapter. Safe for concurrent use.
type Store struct {
	conn conn
}

// Open connects over the native protocol and verifies the connection.
func Open(cfg config.ClickHouseConfig) (*Store, error) {
	c, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr()},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout: 5 * time.Second,
		Settings: clickhouse.Settings{
			"async_insert":          1,
			"wait_for_async_insert": 0,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", apperrors.ErrUnavailable)
	}
	return &Store{conn: c}, nil
}

// newWithConn wires a store over an existing connection; used by tests.
func newWithConn(c conn) *Store {
	return &Store{conn: c}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Row is one occurrence in the columnar mirror. Opaque JSON payloads
// are carried as strings; the store never deserializes them.
type Row struct {
	ID           uint64    `ch:"id"`
	ProjectID    string    `ch:"project_id"`
	Type         string    `ch:"type"`
	ErrorHash    string    `ch:"error_hash"`
	ErrorMessage string    `ch:"error_message"`
	ErrorStack   string    `ch:"error_stack"`
	PageURL      string    `ch:"page_url"`
	UserID       string    `ch:"user_id"`
	UserAgent    string    `ch:"user_agent"`
	DeviceInfo   string    `ch:"device_info"`
	NetworkInfo  string    `ch:"network_info"`
	Performance  string    `ch:"performance_data"`
	SourceFile   string    `ch:"source_file"`
	SourceLine   int32     `ch:"source_line"`
	SourceColumn int32     `ch:"source_column"`
	Version      string    `ch:"project_version"`
	BuildID      string    `ch:"build_id"`
	ErrorLevel   uint8     `ch:"error_level"`
	CreatedAt    time.Time `ch:"created_at"`
}

const insertRowSQL = `INSERT INTO error_logs (
	id, project_id, type, error_hash, error_message, error_stack, page_url,
	user_id, user_agent, device_info, network_info, performance_data,
	source_file, source_line, source_column, project_version, build_id,
	error_level, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Insert mirrors one occurrence. Returns once the row is handed to the
// async insert buffer, not once it is flushed.
func (s *Store) Insert(ctx context.Context, r Row) error {
	if err := s.conn.AsyncInsert(ctx, insertRowSQL, false, rowArgs(r)...); err != nil {
		return fmt.Errorf("columnar insert: %w", err)
	}
	return nil
}

// InsertBatch mirrors a batch. Rows share the async buffer, so partial
// flushes are possible; callers treat the mirror as best-effort.
func (s *Store) InsertBatch(ctx context.Context, rows []Row) error {
	for _, r := range rows {
		if err := s.conn.AsyncInsert(ctx, insertRowSQL, false, rowArgs(r)...); err != nil {
			return fmt.Errorf("columnar batch insert: %w", err)
		}
	}
	return nil
}

func rowArgs(r Row) []any {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	return []any{
		r.ID, r.ProjectID, r.Type, r.ErrorHash, r.ErrorMessage, r.ErrorStack,
		r.PageURL, r.UserID, r.UserAgent, r.DeviceInfo, r.NetworkInfo,
		r.Performance, r.SourceFile, r.SourceLine, r.SourceColumn,
		r.Version, r.BuildID, r.ErrorLevel, r.CreatedAt,
	}
}

// QueryFilter selects occurrences from the base table.
type QueryFilter struct {
	StartTime *time.Time
	EndTime   *time.Time
	Type      string
	Limit     int
	Offset    int
	// Sample in (0,1] keeps roughly that fraction of matching rows.
	// Zero means no sampling.
	Sample float64
}

// Query reads occurrences from the base table, newest first.
func (s *Store) Query(ctx context.Context, projectID string, f QueryFilter) ([]Row, error) {
	if f.Sample < 0 || f.Sample > 1 {
		return nil, apperrors.BadRequestf("sample %v out of (0,1]", f.Sample)
	}

	query := `SELECT id, project_id, type, error_hash, error_message, error_stack,
		page_url, user_id, user_agent, device_info, network_info, performance_data,
		source_file, source_line, source_column, project_version, build_id,
		error_level, created_at
	FROM error_logs WHERE project_id = ?`
	args := []any{projectID}

	if f.StartTime != nil {
		query += " AND created_at >= ?"
		args = append(args, *f.StartTime)
	}
	if f.EndTime != nil {
		query += " AND created_at <= ?"
		args = append(args, *f.EndTime)
	}
	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, f.Type)
	}
	if f.Sample > 0 && f.Sample < 1 {
		query += " AND rand() < toUInt32(? * 4294967295)"
		args = append(args, f.Sample)
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	qctx, cancel := context.WithTimeout(ctx, baseQueryTimeout)
	defer cancel()

	rows := []Row{}
	if err := s.conn.Select(qctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("columnar query: %w", err)
	}
	return rows, nil
}

// Health reports connectivity.
type Health struct {
	OK        bool `json:"ok"`
	Connected bool `json:"connected"`
}

// CheckHealth pings the store.
func (s *Store) CheckHealth(ctx context.Context) Health {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.conn.Ping(pctx); err != nil {
		return Health{OK: false, Connected: false}
	}
	return Health{OK: true, Connected: true}
}

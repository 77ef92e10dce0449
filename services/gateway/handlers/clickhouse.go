// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/kittiwakehq/kittiwake/services/logstore"
)

// ColumnarOps is the maintenance slice of the columnar adapter.
type ColumnarOps interface {
	CheckHealth(ctx context.Context) logstore.Health
	TableStats(ctx context.Context) ([]logstore.TableStat, error)
	QueryMetrics(ctx context.Context, limit int) ([]logstore.QueryMetric, error)
	CleanupOlderThan(ctx context.Context, days int) error
	OptimizeTable(ctx context.Context, name string) error
}

// ColumnarHealth handles GET /clickhouse/performance/health.
func ColumnarHealth(ops ColumnarOps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok(c, ops.CheckHealth(c.Request.Context()))
	}
}

// ColumnarTableStats handles GET /clickhouse/performance/table-stats.
func ColumnarTableStats(ops ColumnarOps) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := ops.TableStats(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, stats)
	}
}

// ColumnarQueryMetrics handles GET /clickhouse/performance/query-metrics.
func ColumnarQueryMetrics(ops ColumnarOps) gin.HandlerFunc {
	return func(c *gin.Context) {
		metrics, err := ops.QueryMetrics(c.Request.Context(), intQuery(c, "limit", 20))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, metrics)
	}
}

// ColumnarDashboard handles GET /clickhouse/performance/dashboard,
// bundling health, table footprint, and recent query cost in one call.
func ColumnarDashboard(ops ColumnarOps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		health := ops.CheckHealth(ctx)

		dashboard := gin.H{"health": health}
		if health.Connected {
			if stats, err := ops.TableStats(ctx); err == nil {
				dashboard["tables"] = stats
			}
			if metrics, err := ops.QueryMetrics(ctx, 10); err == nil {
				dashboard["queries"] = metrics
			}
		}
		ok(c, dashboard)
	}
}

// ColumnarCleanup handles GET /clickhouse/performance/cleanup?days=N.
func ColumnarCleanup(ops ColumnarOps) gin.HandlerFunc {
	return func(c *gin.Context) {
		days := intQuery(c, "days", 0)
		if err := ops.CleanupOlderThan(c.Request.Context(), days); err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"days": days})
	}
}

// ColumnarOptimize handles GET /clickhouse/performance/optimize-table?table=X.
func ColumnarOptimize(ops ColumnarOps) gin.HandlerFunc {
	return func(c *gin.Context) {
		table := c.Query("table")
		if err := ops.OptimizeTable(c.Request.Context(), table); err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"table": table})
	}
}

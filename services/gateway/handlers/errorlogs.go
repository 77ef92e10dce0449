// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kittiwakehq/kittiwake/services/gateway/datatypes"
	"github.com/kittiwakehq/kittiwake/services/logstore"
	"github.com/kittiwakehq/kittiwake/services/metastore"
)

// ErrorLogStore is the relational slice behind the error-log listing.
type ErrorLogStore interface {
	ListErrorLogs(ctx context.Context, f metastore.ErrorLogFilter) ([]metastore.ErrorLog, int64, error)
	GetErrorLog(ctx context.Context, id int64) (*metastore.ErrorLog, error)
}

// LogStats is the columnar slice behind the stats endpoints.
type LogStats interface {
	Summary(ctx context.Context, projectID string, start, end *time.Time) (*logstore.Summary, error)
	Trend(ctx context.Context, projectID string, g logstore.Granularity, timeRange time.Duration, errorType string) ([]logstore.TrendPoint, error)
}

// ListErrorLogs handles GET /error-logs.
func ListErrorLogs(store ErrorLogStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID := c.Query("projectId")
		if projectID == "" {
			badRequest(c, "projectId required")
			return
		}
		f := metastore.ErrorLogFilter{
			ProjectID:  projectID,
			Type:       c.Query("type"),
			Level:      intQuery(c, "level", 0),
			Keyword:    c.Query("keyword"),
			SourceFile: c.Query("sourceFile"),
			PageURL:    c.Query("pageUrl"),
			UserID:     c.Query("userId"),
			Page:       intQuery(c, "page", 1),
			Limit:      intQuery(c, "limit", 20),
			SortField:  c.Query("sortField"),
			SortOrder:  c.Query("sortOrder"),
		}
		if t, ok := parseDate(c.Query("startDate")); ok {
			f.StartDate = &t
		}
		if t, ok := parseDate(c.Query("endDate")); ok {
			f.EndDate = &t
		}

		logs, total, err := store.ListErrorLogs(c.Request.Context(), f)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, datatypes.Page{Items: logs, Total: total, Page: f.Page, Limit: f.Limit})
	}
}

// GetErrorLog handles GET /error-logs/:id.
func GetErrorLog(store ErrorLogStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, okID := intParam(c, "id")
		if !okID {
			return
		}
		log, err := store.GetErrorLog(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, log)
	}
}

// StatsSummary handles GET /error-logs/stats/summary.
func StatsSummary(stats LogStats) gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID := c.Query("projectId")
		if projectID == "" {
			badRequest(c, "projectId required")
			return
		}
		var start, end *time.Time
		if t, okT := parseDate(c.Query("startDate")); okT {
			start = &t
		}
		if t, okT := parseDate(c.Query("endDate")); okT {
			end = &t
		}
		summary, err := stats.Summary(c.Request.Context(), projectID, start, end)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, summary)
	}
}

// StatsTrend handles GET /error-logs/stats/trend, a daily series over
// the trailing N days (default 7).
func StatsTrend(stats LogStats) gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID := c.Query("projectId")
		if projectID == "" {
			badRequest(c, "projectId required")
			return
		}
		days := intQuery(c, "days", 7)
		if days <= 0 || days > 365 {
			badRequest(c, "days out of 1..365")
			return
		}
		series, err := stats.Trend(c.Request.Context(), projectID, logstore.GranularityDay,
			time.Duration(days)*24*time.Hour, c.Query("type"))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, series)
	}
}

// parseDate accepts RFC3339 or plain yyyy-mm-dd.
func parseDate(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, true
	}
	return time.Time{}, false
}

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

	"github.com/kittiwakehq/kittiwake/services/gateway/middleware"
	"github.com/kittiwakehq/kittiwake/services/ingest"
	"github.com/kittiwakehq/kittiwake/services/metastore"
)

// Ingestor is the slice of the ingestion service the report endpoints
// use.
type Ingestor interface {
	Report(ctx context.Context, project *metastore.Project, r ingest.Report) (ingest.RowStatus, error)
	ReportBatch(ctx context.Context, project *metastore.Project, reports []ingest.Report) ([]ingest.RowStatus, error)
}

// ProjectLookup resolves a project by id for the bearer-auth report
// endpoints, which carry projectId in the body instead of an apiKey.
type ProjectLookup interface {
	GetProject(ctx context.Context, projectID string) (*metastore.Project, error)
}

// MonitorReport handles POST /monitor/report. The project comes from
// the apiKey middleware.
func MonitorReport(svc Ingestor) gin.HandlerFunc {
	return func(c *gin.Context) {
		project := middleware.ProjectFrom(c)
		if project == nil {
			badRequest(c, "no authenticated project")
			return
		}
		var report ingest.Report
		if err := c.ShouldBindJSON(&report); err != nil {
			badRequest(c, "invalid report body: "+err.Error())
			return
		}
		status, err := svc.Report(c.Request.Context(), project, report)
		if err != nil {
			fail(c, err)
			return
		}
		created(c, status)
	}
}

// bodyWithProject is the bearer-auth report shape: the report fields
// plus an explicit projectId.
type bodyWithProject struct {
	ProjectID string `json:"projectId" binding:"required"`
	ingest.Report
}

// ErrorLogReport handles POST /error-logs.
func ErrorLogReport(svc Ingestor, projects ProjectLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body bodyWithProject
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, "invalid report body: "+err.Error())
			return
		}
		project, err := projects.GetProject(c.Request.Context(), body.ProjectID)
		if err != nil {
			fail(c, err)
			return
		}
		status, err := svc.Report(c.Request.Context(), project, body.Report)
		if err != nil {
			fail(c, err)
			return
		}
		created(c, status)
	}
}

// batchBody is the POST /error-logs/batch shape.
type batchBody struct {
	ProjectID string          `json:"projectId" binding:"required"`
	Reports   []ingest.Report `json:"reports" binding:"required"`
}

// ErrorLogBatch handles POST /error-logs/batch. The batch persists
// atomically or not at all; per-row sampling and enqueue outcomes come
// back in the status list.
func ErrorLogBatch(svc Ingestor, projects ProjectLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body batchBody
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, "invalid batch body: "+err.Error())
			return
		}
		project, err := projects.GetProject(c.Request.Context(), body.ProjectID)
		if err != nil {
			fail(c, err)
			return
		}
		statuses, err := svc.ReportBatch(c.Request.Context(), project, body.Reports)
		if err != nil {
			fail(c, err)
			return
		}
		created(c, statuses)
	}
}

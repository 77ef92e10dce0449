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
	"github.com/google/uuid"

	"github.com/kittiwakehq/kittiwake/services/metastore"
)

// ProjectStore is the relational slice behind project administration.
type ProjectStore interface {
	CreateProject(ctx context.Context, p *metastore.Project) error
	GetProject(ctx context.Context, projectID string) (*metastore.Project, error)
	ListProjects(ctx context.Context) ([]metastore.Project, error)
}

// CreateProject handles POST /projects. The apiKey is generated here;
// sampling defaults to keep-everything.
func CreateProject(store ProjectStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			ProjectID         string  `json:"projectId" binding:"required"`
			ProjectName       string  `json:"projectName" binding:"required"`
			ErrorSamplingRate float64 `json:"errorSamplingRate"`
			DataRetentionDays int     `json:"dataRetentionDays"`
			AlertThreshold    int64   `json:"alertThreshold"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, "invalid project body: "+err.Error())
			return
		}
		if body.ErrorSamplingRate < 0 || body.ErrorSamplingRate > 1 {
			badRequest(c, "errorSamplingRate out of (0,1]")
			return
		}
		if body.ErrorSamplingRate == 0 {
			body.ErrorSamplingRate = 1
		}
		if body.DataRetentionDays == 0 {
			body.DataRetentionDays = 90
		}

		project := &metastore.Project{
			ProjectID:           body.ProjectID,
			ProjectName:         body.ProjectName,
			APIKey:              uuid.NewString(),
			ErrorSamplingRate:   body.ErrorSamplingRate,
			PerformanceSampling: 1,
			DataRetentionDays:   body.DataRetentionDays,
			AlertThreshold:      body.AlertThreshold,
		}
		if err := store.CreateProject(c.Request.Context(), project); err != nil {
			fail(c, err)
			return
		}
		created(c, project)
	}
}

// GetProject handles GET /projects/:projectId.
func GetProject(store ProjectStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		project, err := store.GetProject(c.Request.Context(), c.Param("projectId"))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, project)
	}
}

// ListProjects handles GET /projects.
func ListProjects(store ProjectStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		projects, err := store.ListProjects(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, projects)
	}
}

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

	"github.com/kittiwakehq/kittiwake/services/gateway/datatypes"
	"github.com/kittiwakehq/kittiwake/services/metastore"
	"github.com/kittiwakehq/kittiwake/services/queue"
)

// AggregationStore is the relational slice behind the aggregation
// endpoints.
type AggregationStore interface {
	ListAggregations(ctx context.Context, f metastore.AggregationFilter) ([]metastore.ErrorAggregation, int64, error)
	GetAggregation(ctx context.Context, id int64) (*metastore.ErrorAggregation, error)
	UpdateAggregation(ctx context.Context, id int64, upd metastore.AggregationUpdate) (*metastore.ErrorAggregation, error)
	DeleteAggregation(ctx context.Context, id int64) error
}

// Enqueuer adds jobs to the fabric.
type Enqueuer interface {
	Add(ctx context.Context, queueName, jobType string, payload any, opts queue.AddOptions) (*queue.Job, error)
}

// Diagnoser triggers AI analysis jobs.
type Diagnoser interface {
	Trigger(ctx context.Context, aggID int64, force bool) (*queue.Job, error)
}

// ListAggregations handles GET /error-aggregations.
func ListAggregations(store AggregationStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID := c.Query("projectId")
		if projectID == "" {
			badRequest(c, "projectId required")
			return
		}
		f := metastore.AggregationFilter{
			ProjectID: projectID,
			Level:     intQuery(c, "level", 0),
			Keyword:   c.Query("keyword"),
			Page:      intQuery(c, "page", 1),
			Limit:     intQuery(c, "limit", 20),
		}
		if raw := c.Query("status"); raw != "" {
			status := intQuery(c, "status", -1)
			if status < metastore.StatusOpen || status > metastore.StatusIgnored {
				badRequest(c, "status out of 0..2")
				return
			}
			f.Status = &status
		}

		aggs, total, err := store.ListAggregations(c.Request.Context(), f)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, datatypes.Page{Items: aggs, Total: total, Page: f.Page, Limit: f.Limit})
	}
}

// GetAggregation handles GET /error-aggregations/:id.
func GetAggregation(store AggregationStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, okID := intParam(c, "id")
		if !okID {
			return
		}
		agg, err := store.GetAggregation(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, agg)
	}
}

// UpdateAggregation handles PUT /error-aggregations/:id. Status
// transitions outside the open/resolved/ignored DAG come back 409.
func UpdateAggregation(store AggregationStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, okID := intParam(c, "id")
		if !okID {
			return
		}
		var body datatypes.AggregationUpdateRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, "invalid update body: "+err.Error())
			return
		}
		agg, err := store.UpdateAggregation(c.Request.Context(), id, metastore.AggregationUpdate{
			Status:     body.Status,
			ErrorLevel: body.ErrorLevel,
			Notes:      body.Notes,
			AssignedTo: body.AssignedTo,
			Tags:       body.Tags,
		})
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, agg)
	}
}

// DeleteAggregation handles DELETE /error-aggregations/:id.
func DeleteAggregation(store AggregationStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, okID := intParam(c, "id")
		if !okID {
			return
		}
		if err := store.DeleteAggregation(c.Request.Context(), id); err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"id": id})
	}
}

// TriggerAggregation handles POST /error-aggregations/trigger-aggregation,
// enqueueing an aggregation run for the project.
func TriggerAggregation(fabric Enqueuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID := c.Query("projectId")
		if projectID == "" {
			badRequest(c, "projectId required")
			return
		}
		job, err := fabric.Add(c.Request.Context(), queue.ErrorAggregation, "aggregate-errors",
			map[string]any{"projectId": projectID}, queue.AddOptions{})
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"jobId": job.ID})
	}
}

// ReanalyzeAggregation handles POST /error-aggregations/:id/reanalyze,
// forcing a fresh AI diagnosis.
func ReanalyzeAggregation(diag Diagnoser) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, okID := intParam(c, "id")
		if !okID {
			return
		}
		job, err := diag.Trigger(c.Request.Context(), id, true)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"jobId": job.ID})
	}
}

// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/kittiwakehq/kittiwake/services/gateway/datatypes"
)

// AnalyzeError handles POST /ai-diagnosis/error/:id/analyze. The body
// is optional; {"force":true} re-analyzes a diagnosed aggregation.
func AnalyzeError(diag Diagnoser) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, okID := intParam(c, "id")
		if !okID {
			return
		}
		var body datatypes.AnalyzeRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&body); err != nil {
				badRequest(c, "invalid analyze body: "+err.Error())
				return
			}
		}
		job, err := diag.Trigger(c.Request.Context(), id, body.Force)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"jobId": job.ID, "aggregationId": id})
	}
}

// ComprehensiveAnalysis handles POST /ai-diagnosis/comprehensive-analysis.
func ComprehensiveAnalysis(diag Diagnoser) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body datatypes.ComprehensiveAnalysisRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, "invalid analysis body: "+err.Error())
			return
		}
		job, err := diag.Trigger(c.Request.Context(), body.AggregationID, body.Force)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"jobId": job.ID, "aggregationId": body.AggregationID})
	}
}

// DiagnosisReport handles GET /ai-diagnosis/error/:id/report, serving
// the stored diagnosis, its comprehensive report, and the history ring.
func DiagnosisReport(store AggregationStore) gin.HandlerFunc {
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
		ok(c, gin.H{
			"aggregationId":               agg.ID,
			"aiDiagnosis":                 agg.AIDiagnosis,
			"aiFixSuggestion":             agg.AIFixSuggestion,
			"aiDiagnosisHistory":          agg.AIDiagnosisHistory,
			"comprehensiveAnalysisReport": agg.ComprehensiveReport,
		})
	}
}

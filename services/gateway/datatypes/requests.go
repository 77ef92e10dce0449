// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// AggregationUpdateRequest is the PUT /error-aggregations/:id body.
// Nil fields stay untouched.
type AggregationUpdateRequest struct {
	Status     *int    `json:"status" binding:"omitempty,min=0,max=2"`
	ErrorLevel *int    `json:"errorLevel" binding:"omitempty,min=1,max=4"`
	Notes      *string `json:"notes"`
	AssignedTo *string `json:"assignedTo"`
	Tags       *string `json:"tags"`
}

// ResolveRequest is the POST /error-location/resolve body. Frames come
// either pre-parsed or as raw stack text.
type ResolveRequest struct {
	ProjectID string         `json:"projectId" binding:"required"`
	Version   string         `json:"version"`
	StackText string         `json:"stackText"`
	Frames    []FrameRequest `json:"frames"`
}

// FrameRequest is one minified position to resolve.
type FrameRequest struct {
	Function string `json:"function"`
	File     string `json:"file" binding:"required"`
	Line     int    `json:"line" binding:"required,min=1"`
	Column   int    `json:"column" binding:"min=0"`
}

// AnalyzeRequest is the POST /ai-diagnosis body.
type AnalyzeRequest struct {
	Force bool `json:"force"`
}

// ComprehensiveAnalysisRequest targets one aggregation for a fresh
// comprehensive report.
type ComprehensiveAnalysisRequest struct {
	AggregationID int64 `json:"aggregationId" binding:"required"`
	Force         bool  `json:"force"`
}

// CreateProjectRequest is the POST /projects body.
type CreateProjectRequest struct {
	ProjectID         string  `json:"projectId" binding:"required"`
	ProjectName       string  `json:"projectName" binding:"required"`
	ErrorSamplingRate float64 `json:"errorSamplingRate" binding:"omitempty,gt=0,lte=1"`
	DataRetentionDays int     `json:"dataRetentionDays" binding:"omitempty,min=1"`
	AlertThreshold    int64   `json:"alertThreshold" binding:"omitempty,min=1"`
}

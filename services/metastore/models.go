// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package metastore is the relational metadata store adapter.
//
// It owns the MySQL schema for error logs, aggregations, source-code
// versions and their files, and projects. All multi-row mutations run
// inside a transaction wrapping the logical unit (upload, SetActive,
// batch insert), per the store contract.
//
// Opaque JSON columns (deviceInfo, networkInfo, aiDiagnosisHistory,
// comprehensiveAnalysisReport) are carried as json.RawMessage; only the
// diagnosis orchestrator deserializes them.
package metastore

import (
	"encoding/json"
	"time"
)

// ErrorType enumerates the browser SDK error categories.
type ErrorType string

const (
	TypeJSError          ErrorType = "jsError"
	TypePromiseRejection ErrorType = "promiseRejection"
	TypeResourceError    ErrorType = "resourceError"
	TypeHTTPError        ErrorType = "httpError"
	TypeCustomError      ErrorType = "customError"
)

// Valid reports whether t is one of the known error types.
func (t ErrorType) Valid() bool {
	switch t {
	case TypeJSError, TypePromiseRejection, TypeResourceError, TypeHTTPError, TypeCustomError:
		return true
	}
	return false
}

// Aggregation status values. Transitions form the DAG
// {open→resolved, open→ignored, resolved→open, ignored→open}.
const (
	StatusOpen     = 0
	StatusResolved = 1
	StatusIgnored  = 2
)

// ValidStatusTransition reports whether from→to is allowed.
// Self-transitions are permitted (idempotent updates).
func ValidStatusTransition(from, to int) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusOpen:
		return to == StatusResolved || to == StatusIgnored
	case StatusResolved, StatusIgnored:
		return to == StatusOpen
	}
	return false
}

// ErrorLog is one immutable error occurrence. Resolution and diagnosis
// fields transition at most once from null to set; re-setting to an
// equal value is idempotent-safe.
type ErrorLog struct {
	ID           int64           `db:"id" json:"id"`
	ProjectID    string          `db:"project_id" json:"projectId"`
	Type         ErrorType       `db:"type" json:"type"`
	ErrorHash    string          `db:"error_hash" json:"errorHash"`
	ErrorMessage string          `db:"error_message" json:"errorMessage"`
	ErrorStack   *string         `db:"error_stack" json:"errorStack,omitempty"`
	PageURL      *string         `db:"page_url" json:"pageUrl,omitempty"`
	UserID       *string         `db:"user_id" json:"userId,omitempty"`
	UserAgent    *string         `db:"user_agent" json:"userAgent,omitempty"`
	DeviceInfo   json.RawMessage `db:"device_info" json:"deviceInfo,omitempty"`
	NetworkInfo  json.RawMessage `db:"network_info" json:"networkInfo,omitempty"`
	Performance  json.RawMessage `db:"performance_data" json:"performanceData,omitempty"`

	SourceFile     *string `db:"source_file" json:"sourceFile,omitempty"`
	SourceLine     *int    `db:"source_line" json:"sourceLine,omitempty"`
	SourceColumn   *int    `db:"source_column" json:"sourceColumn,omitempty"`
	ProjectVersion *string `db:"project_version" json:"projectVersion,omitempty"`
	BuildID        *string `db:"build_id" json:"buildId,omitempty"`

	OriginalSource   *string `db:"original_source" json:"originalSource,omitempty"`
	OriginalLine     *int    `db:"original_line" json:"originalLine,omitempty"`
	OriginalColumn   *int    `db:"original_column" json:"originalColumn,omitempty"`
	FunctionName     *string `db:"function_name" json:"functionName,omitempty"`
	SourceSnippet    *string `db:"source_snippet" json:"sourceSnippet,omitempty"`
	IsSourceResolved bool    `db:"is_source_resolved" json:"isSourceResolved"`

	AIDiagnosis            *string         `db:"ai_diagnosis" json:"aiDiagnosis,omitempty"`
	ComprehensiveReport    json.RawMessage `db:"comprehensive_analysis_report" json:"comprehensiveAnalysisReport,omitempty"`
	ComprehensiveGenerated *time.Time      `db:"comprehensive_analysis_generated_at" json:"comprehensiveAnalysisGeneratedAt,omitempty"`

	ErrorLevel  int       `db:"error_level" json:"errorLevel"`
	IsProcessed bool      `db:"is_processed" json:"isProcessed"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// ErrorAggregation rolls up all occurrences sharing a fingerprint
// within a project. Unique key (projectId, errorHash).
type ErrorAggregation struct {
	ID           int64     `db:"id" json:"id"`
	ProjectID    string    `db:"project_id" json:"projectId"`
	ErrorHash    string    `db:"error_hash" json:"errorHash"`
	Type         ErrorType `db:"type" json:"type"`
	ErrorMessage string    `db:"error_message" json:"errorMessage"`
	ErrorStack   *string   `db:"error_stack" json:"errorStack,omitempty"`
	SourceFile   *string   `db:"source_file" json:"sourceFile,omitempty"`
	SourceLine   *int      `db:"source_line" json:"sourceLine,omitempty"`
	SourceColumn *int      `db:"source_column" json:"sourceColumn,omitempty"`

	FirstSeen       time.Time `db:"first_seen" json:"firstSeen"`
	LastSeen        time.Time `db:"last_seen" json:"lastSeen"`
	OccurrenceCount int64     `db:"occurrence_count" json:"occurrenceCount"`
	AffectedUsers   int64     `db:"affected_users" json:"affectedUsers"`
	Status          int       `db:"status" json:"status"`
	ErrorLevel      int       `db:"error_level" json:"errorLevel"`

	AssignedTo *string `db:"assigned_to" json:"assignedTo,omitempty"`
	Notes      *string `db:"notes" json:"notes,omitempty"`
	Tags       *string `db:"tags" json:"tags,omitempty"`

	AIDiagnosis         *string         `db:"ai_diagnosis" json:"aiDiagnosis,omitempty"`
	AIFixSuggestion     *string         `db:"ai_fix_suggestion" json:"aiFixSuggestion,omitempty"`
	AIDiagnosisHistory  json.RawMessage `db:"ai_diagnosis_history" json:"aiDiagnosisHistory,omitempty"`
	ComprehensiveReport json.RawMessage `db:"comprehensive_analysis_report" json:"comprehensiveAnalysisReport,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// SourceCodeVersion is one immutable uploaded archive of a project.
// At most one row per project has IsActive=true.
type SourceCodeVersion struct {
	ID            int64   `db:"id" json:"id"`
	ProjectID     string  `db:"project_id" json:"projectId"`
	Version       string  `db:"version" json:"version"`
	BuildID       *string `db:"build_id" json:"buildId,omitempty"`
	BranchName    *string `db:"branch_name" json:"branchName,omitempty"`
	CommitMessage *string `db:"commit_message" json:"commitMessage,omitempty"`
	StoragePath   string  `db:"storage_path" json:"storagePath"`
	ArchiveName   string  `db:"archive_name" json:"archiveName"`
	ArchiveSize   int64   `db:"archive_size" json:"archiveSize"`
	UploadedBy    *string `db:"uploaded_by" json:"uploadedBy,omitempty"`
	Description   *string `db:"description" json:"description,omitempty"`
	IsActive      bool    `db:"is_active" json:"isActive"`

	HasSourcemap        bool       `db:"has_sourcemap" json:"hasSourcemap"`
	SourcemapVersion    *string    `db:"sourcemap_version" json:"sourcemapVersion,omitempty"`
	SourcemapAssociated *time.Time `db:"sourcemap_associated_at" json:"sourcemapAssociatedAt,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"createdAt"`
}

// SourceCodeFile is one entry of a version's archive.
// Unique key (versionId, filePath).
type SourceCodeFile struct {
	ID            int64   `db:"id" json:"id"`
	VersionID     int64   `db:"version_id" json:"versionId"`
	ProjectID     string  `db:"project_id" json:"projectId"`
	FilePath      string  `db:"file_path" json:"filePath"`
	FileName      string  `db:"file_name" json:"fileName"`
	FileType      string  `db:"file_type" json:"fileType"`
	FileSize      int64   `db:"file_size" json:"fileSize"`
	FileHash      string  `db:"file_hash" json:"fileHash"`
	IsSourceFile  bool    `db:"is_source_file" json:"isSourceFile"`
	SourceContent *string `db:"source_content" json:"sourceContent,omitempty"`
	LineCount     *int    `db:"line_count" json:"lineCount,omitempty"`
	CharCount     *int    `db:"char_count" json:"charCount,omitempty"`
}

// Project owns versions, logs and aggregations. One active apiKey.
type Project struct {
	ProjectID           string          `db:"project_id" json:"projectId"`
	ProjectName         string          `db:"project_name" json:"projectName"`
	APIKey              string          `db:"api_key" json:"apiKey"`
	ErrorSamplingRate   float64         `db:"error_sampling_rate" json:"errorSamplingRate"`
	PerformanceSampling float64         `db:"performance_sampling_rate" json:"performanceSamplingRate"`
	DataRetentionDays   int             `db:"data_retention_days" json:"dataRetentionDays"`
	AlertThreshold      int64           `db:"alert_threshold" json:"alertThreshold"`
	SourcemapConfig     json.RawMessage `db:"sourcemap_config" json:"sourcemapConfig,omitempty"`
	CreatedAt           time.Time       `db:"created_at" json:"createdAt"`
}

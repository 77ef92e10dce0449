// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes maps the HTTP surface onto the component services.
package routes

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kittiwakehq/kittiwake/services/gateway/handlers"
	"github.com/kittiwakehq/kittiwake/services/gateway/middleware"
)

// MetaStore is everything the gateway needs from the relational
// store.
type MetaStore interface {
	handlers.ErrorLogStore
	handlers.AggregationStore
	handlers.ProjectStore
	Ping(ctx context.Context) error
}

// Columnar is everything the gateway needs from the log store.
type Columnar interface {
	handlers.LogStats
	handlers.ColumnarOps
}

// Fabric is everything the gateway needs from the job queue.
type Fabric interface {
	handlers.Enqueuer
	handlers.QueueAdmin
	Ping(ctx context.Context) error
}

// Ingestor combines report intake with apiKey authentication.
type Ingestor interface {
	handlers.Ingestor
	middleware.ProjectResolver
}

// Deps carries the service handles the router wires. Interfaces, so
// route tests run against fakes.
type Deps struct {
	Ingest    Ingestor
	Meta      MetaStore
	Columnar  Columnar
	Fabric    Fabric
	Archive   handlers.Archive
	Resolver  handlers.FrameResolver
	Diagnosis handlers.Diagnoser

	// AuthToken protects the management surface; empty is local mode.
	AuthToken string
}

// Setup registers every route. The SDK report endpoint authenticates
// by project apiKey; everything else sits behind the bearer token.
func Setup(router *gin.Engine, d Deps) {
	router.GET("/health", handlers.Health(d.Meta, d.Columnar, d.Fabric))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/monitor/report",
		middleware.APIKeyAuth(d.Ingest), handlers.MonitorReport(d.Ingest))

	api := router.Group("/", middleware.BearerAuth(d.AuthToken))

	logs := api.Group("/error-logs")
	{
		logs.POST("", handlers.ErrorLogReport(d.Ingest, d.Meta))
		logs.POST("/batch", handlers.ErrorLogBatch(d.Ingest, d.Meta))
		logs.GET("", handlers.ListErrorLogs(d.Meta))
		logs.GET("/stats/summary", handlers.StatsSummary(d.Columnar))
		logs.GET("/stats/trend", handlers.StatsTrend(d.Columnar))
		logs.GET("/:id", handlers.GetErrorLog(d.Meta))
	}

	aggs := api.Group("/error-aggregations")
	{
		aggs.GET("", handlers.ListAggregations(d.Meta))
		aggs.POST("/trigger-aggregation", handlers.TriggerAggregation(d.Fabric))
		aggs.GET("/:id", handlers.GetAggregation(d.Meta))
		aggs.PUT("/:id", handlers.UpdateAggregation(d.Meta))
		aggs.DELETE("/:id", handlers.DeleteAggregation(d.Meta))
		aggs.POST("/:id/reanalyze", handlers.ReanalyzeAggregation(d.Diagnosis))
	}

	source := api.Group("/source-code-version")
	{
		source.POST("/upload", handlers.UploadSourceCode(d.Archive))
		source.GET("/versions", handlers.ListSourceVersions(d.Archive))
		source.GET("/files", handlers.ListSourceFiles(d.Archive))
		source.GET("/file-content/:projectId/:version", handlers.GetSourceFileContent(d.Archive))
		source.POST("/set-active/:projectId/:versionId", handlers.SetActiveVersion(d.Archive))
		source.DELETE("/:projectId/:version", handlers.DeleteSourceVersion(d.Archive))
	}

	location := api.Group("/error-location")
	{
		location.POST("/resolve", handlers.ResolveLocation(d.Resolver))
		location.GET("/error/:errorId/source-code", handlers.ErrorSourceCode(d.Meta, d.Archive))
		location.POST("/clear-cache", handlers.ClearResolverCache(d.Resolver))
	}

	diagnosis := api.Group("/ai-diagnosis")
	{
		diagnosis.POST("/error/:id/analyze", handlers.AnalyzeError(d.Diagnosis))
		diagnosis.POST("/comprehensive-analysis", handlers.ComprehensiveAnalysis(d.Diagnosis))
		diagnosis.GET("/error/:id/report", handlers.DiagnosisReport(d.Meta))
	}

	clickhouse := api.Group("/clickhouse/performance")
	{
		clickhouse.GET("/health", handlers.ColumnarHealth(d.Columnar))
		clickhouse.GET("/table-stats", handlers.ColumnarTableStats(d.Columnar))
		clickhouse.GET("/query-metrics", handlers.ColumnarQueryMetrics(d.Columnar))
		clickhouse.GET("/dashboard", handlers.ColumnarDashboard(d.Columnar))
		clickhouse.GET("/cleanup", handlers.ColumnarCleanup(d.Columnar))
		clickhouse.GET("/optimize-table", handlers.ColumnarOptimize(d.Columnar))
	}

	queues := api.Group("/queues")
	{
		queues.GET("/stats", handlers.QueueStats(d.Fabric))
		queues.POST("/clean", handlers.CleanQueues(d.Fabric))
		queues.POST("/:name/pause", handlers.PauseQueue(d.Fabric))
		queues.POST("/:name/resume", handlers.ResumeQueue(d.Fabric))
	}

	projects := api.Group("/projects")
	{
		projects.POST("", handlers.CreateProject(d.Meta))
		projects.GET("", handlers.ListProjects(d.Meta))
		projects.GET("/:projectId", handlers.GetProject(d.Meta))
	}
}

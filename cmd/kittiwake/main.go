// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command kittiwake hosts the full ingestion and diagnosis core: the
// HTTP gateway, one worker pool per queue, and the retention
// scheduler, all in a single process.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/kittiwakehq/kittiwake/pkg/config"
	"github.com/kittiwakehq/kittiwake/pkg/logging"
	"github.com/kittiwakehq/kittiwake/pkg/observability"
	"github.com/kittiwakehq/kittiwake/services/aggregate"
	"github.com/kittiwakehq/kittiwake/services/diagnosis"
	"github.com/kittiwakehq/kittiwake/services/gateway/routes"
	"github.com/kittiwakehq/kittiwake/services/ingest"
	"github.com/kittiwakehq/kittiwake/services/llm"
	"github.com/kittiwakehq/kittiwake/services/logstore"
	"github.com/kittiwakehq/kittiwake/services/metastore"
	"github.com/kittiwakehq/kittiwake/services/notify"
	"github.com/kittiwakehq/kittiwake/services/process"
	"github.com/kittiwakehq/kittiwake/services/queue"
	"github.com/kittiwakehq/kittiwake/services/resolve"
	"github.com/kittiwakehq/kittiwake/services/retention"
	"github.com/kittiwakehq/kittiwake/services/sourcearchive"
	"github.com/kittiwakehq/kittiwake/services/sourcemap"
)

// initTracer wires the OTLP gRPC exporter. Returns a no-op cleanup
// when no endpoint is configured.
func initTracer(ctx context.Context, endpoint string, log *logging.Logger) (func(context.Context), error) {
	if endpoint == "" {
		log.Info("tracing disabled, OTEL_EXPORTER_OTLP_ENDPOINT unset")
		return func(context.Context) {}, nil
	}

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("kittiwake")))
	if err != nil {
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)))
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := exporter.Shutdown(ctx); err != nil {
			log.Error("OTLP exporter shutdown failed", "error", err)
		}
	}, nil
}

func main() {
	cfg := config.Load()
	log := logging.New(logging.Config{Service: "kittiwake", JSON: true})
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cleanupTracer, err := initTracer(ctx, cfg.OTLPEndpoint, log)
	if err != nil {
		log.Error("tracer init failed", "error", err)
		os.Exit(1)
	}
	defer cleanupTracer(context.Background())

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	meta, err := metastore.Open(cfg.MySQL)
	if err != nil {
		log.Error("mysql connect failed", "error", err)
		os.Exit(1)
	}
	defer meta.Close()
	if err := meta.EnsureSchema(ctx); err != nil {
		log.Error("mysql schema failed", "error", err)
		os.Exit(1)
	}

	columnar, err := logstore.Open(cfg.ClickHouse)
	if err != nil {
		log.Error("clickhouse connect failed", "error", err)
		os.Exit(1)
	}
	defer columnar.Close()
	if err := columnar.EnsureSchema(ctx); err != nil {
		log.Error("clickhouse schema failed", "error", err)
		os.Exit(1)
	}

	fabric, err := queue.Open(cfg.Redis, log, metrics)
	if err != nil {
		log.Error("redis connect failed", "error", err)
		os.Exit(1)
	}
	defer fabric.Close()

	resolver, err := sourcemap.NewResolver(cfg.SourcemapStoragePath, log, metrics)
	if err != nil {
		log.Error("sourcemap resolver init failed", "error", err)
		os.Exit(1)
	}
	archive := sourcearchive.New(cfg.SourceArchivePath, meta, log)
	ingestSvc := ingest.New(meta, columnar, fabric, log, metrics)

	// A missing analyzer key degrades diagnosis to disabled rather
	// than blocking ingestion.
	aiEnabled := cfg.AIDiagnosisEnabled
	var analyzer llm.Analyzer
	if aiEnabled {
		openai, err := llm.NewOpenAIAnalyzer()
		if err != nil {
			log.Warn("AI diagnosis disabled", "error", err)
			aiEnabled = false
		} else {
			analyzer = openai
		}
	}

	diag := diagnosis.New(meta, archive, resolver, analyzer, fabric, fabric.Client(),
		log.With("worker", "diagnosis"), metrics)
	aggEngine := aggregate.New(meta, fabric, log.With("worker", "aggregate"))
	resolveWorker := resolve.New(meta, resolver, log.With("worker", "resolve"))
	processWorker := process.New(meta, diag, aiEnabled, log.With("worker", "process"))
	notifyWorker := notify.New(&notify.LogMailer{Log: log}, log.With("worker", "notify"))

	pools := []struct {
		queue       string
		concurrency int
		handler     queue.Handler
		enabled     bool
	}{
		{queue.ErrorProcessing, 4, processWorker.Handler, true},
		{queue.ErrorAggregation, 2, aggEngine.Handler, true},
		{queue.SourcemapProcessing, 2, resolveWorker.Handler, true},
		{queue.EmailNotification, 2, notifyWorker.Handler, true},
		{queue.AIDiagnosis, 1, diag.Handler, aiEnabled},
	}
	var running []*queue.Pool
	for _, p := range pools {
		if !p.enabled {
			continue
		}
		pool, err := queue.NewPool(fabric, p.queue, p.concurrency, p.handler, log)
		if err != nil {
			log.Error("worker pool init failed", "queue", p.queue, "error", err)
			os.Exit(1)
		}
		pool.Start(ctx)
		running = append(running, pool)
	}

	sweeper := retention.New(cfg.SourcemapStoragePath, cfg.SourcemapTTL, columnar,
		log.With("worker", "retention"))
	if err := sweeper.Start(); err != nil {
		log.Error("retention scheduler failed", "error", err)
		os.Exit(1)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("kittiwake"))
	routes.Setup(router, routes.Deps{
		Ingest:    ingestSvc,
		Meta:      meta,
		Columnar:  columnar,
		Fabric:    fabric,
		Archive:   archive,
		Resolver:  resolver,
		Diagnosis: diag,
		AuthToken: cfg.AuthToken,
	})

	server := &http.Server{
		Addr:              ":" + cfg.GatewayPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("gateway listening", "port", cfg.GatewayPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("gateway failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	// Drain order: stop accepting HTTP, let workers finish their jobs,
	// then the scheduler, then the deferred store closes.
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(drainCtx); err != nil {
		log.Error("gateway drain failed", "error", err)
	}
	for _, pool := range running {
		pool.Stop()
	}
	if err := sweeper.Stop(); err != nil {
		log.Error("retention stop failed", "error", err)
	}
	log.Info("shutdown complete")
}

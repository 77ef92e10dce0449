// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kittiwakehq/kittiwake/services/gateway/datatypes"
	"github.com/kittiwakehq/kittiwake/services/logstore"
)

// Pinger is any store exposing a connectivity probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ColumnarHealthChecker probes the columnar store.
type ColumnarHealthChecker interface {
	CheckHealth(ctx context.Context) logstore.Health
}

// Health handles GET /health: every backing store answers within a
// short deadline or the process reports degraded with a 503.
func Health(relational Pinger, columnar ColumnarHealthChecker, fabric Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		checks := gin.H{}
		healthy := true

		if err := relational.Ping(ctx); err != nil {
			checks["mysql"] = "down"
			healthy = false
		} else {
			checks["mysql"] = "up"
		}

		if h := columnar.CheckHealth(ctx); h.Connected {
			checks["clickhouse"] = "up"
		} else {
			checks["clickhouse"] = "down"
			healthy = false
		}

		if err := fabric.Ping(ctx); err != nil {
			checks["redis"] = "down"
			healthy = false
		} else {
			checks["redis"] = "up"
		}

		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, datatypes.Envelope{
			Success: healthy,
			Message: "health",
			Data:    checks,
		})
	}
}

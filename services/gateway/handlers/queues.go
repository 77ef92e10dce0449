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

	"github.com/kittiwakehq/kittiwake/services/queue"
)

// QueueAdmin is the fabric's administrative slice.
type QueueAdmin interface {
	Stats(ctx context.Context) (map[string]queue.QueueStats, error)
	Pause(ctx context.Context, queue string) error
	Resume(ctx context.Context, queue string) error
	Clean(ctx context.Context, queue string) (int, error)
}

// knownQueue guards the :name parameter against arbitrary strings.
func knownQueue(name string) bool {
	for _, q := range queue.Queues() {
		if q == name {
			return true
		}
	}
	return false
}

// QueueStats handles GET /queues/stats.
func QueueStats(admin QueueAdmin) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := admin.Stats(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, stats)
	}
}

// PauseQueue handles POST /queues/:name/pause.
func PauseQueue(admin QueueAdmin) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if !knownQueue(name) {
			badRequest(c, "unknown queue "+name)
			return
		}
		if err := admin.Pause(c.Request.Context(), name); err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"queue": name, "paused": true})
	}
}

// ResumeQueue handles POST /queues/:name/resume.
func ResumeQueue(admin QueueAdmin) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if !knownQueue(name) {
			badRequest(c, "unknown queue "+name)
			return
		}
		if err := admin.Resume(c.Request.Context(), name); err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"queue": name, "paused": false})
	}
}

// CleanQueues handles POST /queues/clean, trimming aged terminal jobs
// from every queue.
func CleanQueues(admin QueueAdmin) gin.HandlerFunc {
	return func(c *gin.Context) {
		removed := map[string]int{}
		for _, name := range queue.Queues() {
			n, err := admin.Clean(c.Request.Context(), name)
			if err != nil {
				fail(c, err)
				return
			}
			removed[name] = n
		}
		ok(c, removed)
	}
}

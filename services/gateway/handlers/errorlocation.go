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
	"github.com/kittiwakehq/kittiwake/services/sourcemap"
	"github.com/kittiwakehq/kittiwake/services/stacktrace"
)

// FrameResolver is the sourcemap resolver slice the location
// endpoints use.
type FrameResolver interface {
	Resolve(projectID, version string, frames []stacktrace.Frame) ([]sourcemap.ResolvedFrame, error)
	ClearCache()
}

// ResolveLocation handles POST /error-location/resolve. Frames come
// pre-parsed or as raw stack text; raw text goes through the parser
// first.
func ResolveLocation(resolver FrameResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body datatypes.ResolveRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, "invalid resolve body: "+err.Error())
			return
		}

		var frames []stacktrace.Frame
		for _, f := range body.Frames {
			frames = append(frames, stacktrace.Frame{
				Function: f.Function, File: f.File, Line: f.Line, Column: f.Column,
			})
		}
		if len(frames) == 0 && body.StackText != "" {
			frames = stacktrace.Parse(body.StackText)
		}
		if len(frames) == 0 {
			badRequest(c, "frames or stackText required")
			return
		}

		resolved, err := resolver.Resolve(body.ProjectID, body.Version, frames)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, resolved)
	}
}

// ErrorSourceCode handles GET /error-location/error/:errorId/source-code,
// returning the source window around a stored error's location. A
// resolved error reads original coordinates, an unresolved one the
// minified position.
func ErrorSourceCode(store ErrorLogStore, archive Archive) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, okID := intParam(c, "errorId")
		if !okID {
			return
		}
		log, err := store.GetErrorLog(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}

		file, line := "", 0
		if log.IsSourceResolved && log.OriginalSource != nil {
			file = *log.OriginalSource
			if log.OriginalLine != nil {
				line = *log.OriginalLine
			}
		} else if log.SourceFile != nil {
			file = *log.SourceFile
			if log.SourceLine != nil {
				line = *log.SourceLine
			}
		}
		if file == "" {
			badRequest(c, "error carries no source location")
			return
		}

		version := ""
		if log.ProjectVersion != nil {
			version = *log.ProjectVersion
		}
		loc, err := archive.GetByLocation(c.Request.Context(), log.ProjectID, version,
			file, line, intQuery(c, "contextLines", 5))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, loc)
	}
}

// ClearResolverCache handles POST /error-location/clear-cache.
func ClearResolverCache(resolver FrameResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		resolver.ClearCache()
		ok(c, gin.H{"cleared": true})
	}
}

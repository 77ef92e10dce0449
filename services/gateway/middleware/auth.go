// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the gateway.
//
// Two authentication schemes coexist: the management API takes a
// bearer token checked against the configured gateway token, and the
// SDK report endpoint authenticates by project apiKey, resolving the
// owning project into the request context.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kittiwakehq/kittiwake/services/gateway/datatypes"
	"github.com/kittiwakehq/kittiwake/services/metastore"
)

// projectKey is the context key the apiKey middleware stores the
// resolved project under.
const projectKey = "kittiwake_project"

// ProjectResolver maps an apiKey to its project.
type ProjectResolver interface {
	Authenticate(ctx context.Context, apiKey string) (*metastore.Project, error)
}

// BearerAuth validates the Authorization header against a static
// token. An empty configured token is local mode: every request
// passes, matching a deployment without an identity provider.
func BearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		if extractBearerToken(c) != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, datatypes.Envelope{
				Message: "invalid or missing bearer token",
				Error:   "Unauthorized",
			})
			return
		}
		c.Next()
	}
}

// APIKeyAuth authenticates SDK traffic by project apiKey, taken from
// the X-API-Key header or an apiKey query parameter. The resolved
// project lands in the context for the report handlers.
func APIKeyAuth(resolver ProjectResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-API-Key")
		if key == "" {
			key = c.Query("apiKey")
		}
		project, err := resolver.Authenticate(c.Request.Context(), key)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, datatypes.Envelope{
				Message: "invalid api key",
				Error:   "Unauthorized",
			})
			return
		}
		c.Set(projectKey, project)
		c.Next()
	}
}

// ProjectFrom returns the project resolved by APIKeyAuth, or nil.
func ProjectFrom(c *gin.Context) *metastore.Project {
	if v, ok := c.Get(projectKey); ok {
		if p, ok := v.(*metastore.Project); ok {
			return p
		}
	}
	return nil
}

// extractBearerToken pulls the token out of "Authorization: Bearer x".
// The scheme match is case-insensitive per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the gateway's HTTP endpoints.
//
// Every handler is a constructor taking the narrow service slice it
// needs and returning a gin.HandlerFunc, so tests wire fakes without
// touching the stores. Responses always use the envelope from
// datatypes; errors map through the apperrors taxonomy and never leak
// a stack trace.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kittiwakehq/kittiwake/pkg/apperrors"
	"github.com/kittiwakehq/kittiwake/services/gateway/datatypes"
)

// ok writes a 200 success envelope.
func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, datatypes.OK(data))
}

// created writes a 201 success envelope.
func created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, datatypes.OK(data))
}

// fail writes the failure envelope for err. The message is the error
// text, which wraps the taxonomy sentinel with context but carries no
// internals.
func fail(c *gin.Context, err error) {
	c.JSON(apperrors.HTTPStatus(err), datatypes.Envelope{
		Message: err.Error(),
		Error:   apperrors.Tag(err),
	})
}

// badRequest writes a BadRequest envelope with a plain message.
func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, datatypes.Envelope{
		Message: message,
		Error:   "BadRequest",
	})
}

// intQuery parses an integer query parameter with a fallback.
func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

// intParam parses a numeric path parameter.
func intParam(c *gin.Context, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || v <= 0 {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return v, true
}

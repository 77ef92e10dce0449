// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package apperrors defines the error taxonomy shared by every Kittiwake
// component.
//
// Each sentinel maps to an HTTP status via HTTPStatus. Components wrap a
// sentinel with context using fmt.Errorf("...: %w", apperrors.ErrNotFound)
// so callers can classify with errors.Is while the message stays useful.
//
// The store adapters report ErrUnavailable when the backing store is
// unreachable. The ingestion path converts that to ErrInternal after
// logging; ErrUnavailable never crosses the HTTP boundary as a success.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the platform-wide taxonomy.
var (
	// ErrBadRequest marks malformed or semantically invalid client input.
	ErrBadRequest = errors.New("bad request")

	// ErrNotFound marks a missing entity (log, aggregation, version, file).
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a uniqueness or state-transition violation.
	ErrConflict = errors.New("conflict")

	// ErrUnauthorized marks a missing or invalid credential.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden marks a valid credential without sufficient rights.
	ErrForbidden = errors.New("forbidden")

	// ErrTimeout marks a deadline expiry on a store call or worker job.
	ErrTimeout = errors.New("timeout")

	// ErrUnavailable marks a disconnected or unreachable backing store.
	ErrUnavailable = errors.New("unavailable")

	// ErrInternal marks any failure not attributable to the caller.
	ErrInternal = errors.New("internal error")
)

// HTTPStatus maps a taxonomy error to its HTTP status code.
// Unknown errors map to 500.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Tag returns the short taxonomy tag used in the response envelope.
func Tag(err error) string {
	switch {
	case errors.Is(err, ErrBadRequest):
		return "BadRequest"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrConflict):
		return "Conflict"
	case errors.Is(err, ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, ErrForbidden):
		return "Forbidden"
	case errors.Is(err, ErrTimeout):
		return "Timeout"
	case errors.Is(err, ErrUnavailable):
		return "Unavailable"
	default:
		return "Internal"
	}
}

// BadRequestf wraps ErrBadRequest with a formatted message.
func BadRequestf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrBadRequest)...)
}

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// Internalf wraps ErrInternal with a formatted message.
func Internalf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrInternal)...)
}

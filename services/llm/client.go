// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm is the external analyzer port for AI diagnosis.
package llm

import "context"

// GenerationParams tune one analyzer call. Nil fields use backend
// defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
}

// Analyzer runs one diagnosis prompt against an external model and
// returns the raw text. Implementations must be safe for concurrent
// use; the orchestrator calls AnalyzeError exactly once per job.
type Analyzer interface {
	AnalyzeError(ctx context.Context, prompt string) (string, error)
}

// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kittiwakehq/kittiwake/pkg/apperrors"
)

// CreateProject registers a project. Duplicate projectId or apiKey
// returns ErrConflict.
func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO projects (
			project_id, project_name, api_key, error_sampling_rate,
			performance_sampling_rate, data_retention_days, alert_threshold,
			sourcemap_config, created_at
		) VALUES (
			:project_id, :project_name, :api_key, :error_sampling_rate,
			:performance_sampling_rate, :data_retention_days, :alert_threshold,
			:sourcemap_config, :created_at
		)`, p)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("project %s: %w", p.ProjectID, apperrors.ErrConflict)
		}
		return fmt.Errorf("create project: %w", classify(err))
	}
	return nil
}

// GetProject loads one project by id.
func (s *Store) GetProject(ctx context.Context, projectID string) (*Project, error) {
	var p Project
	err := s.db.GetContext(ctx, &p, `SELECT * FROM projects WHERE project_id = ?`, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", projectID, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", classify(err))
	}
	return &p, nil
}

// GetProjectByAPIKey resolves the ingestion credential to its project.
func (s *Store) GetProjectByAPIKey(ctx context.Context, apiKey string) (*Project, error) {
	var p Project
	err := s.db.GetContext(ctx, &p, `SELECT * FROM projects WHERE api_key = ?`, apiKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("api key: %w", apperrors.ErrUnauthorized)
	}
	if err != nil {
		return nil, fmt.Errorf("get project by api key: %w", classify(err))
	}
	return &p, nil
}

// ListProjects returns every registered project, newest first.
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	out := []Project{}
	err := s.db.SelectContext(ctx, &out, `SELECT * FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", classify(err))
	}
	return out, nil
}

// UpdateProjectSampling adjusts the ingestion sampling rates.
func (s *Store) UpdateProjectSampling(ctx context.Context, projectID string, errorRate, perfRate float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET error_sampling_rate = ?, performance_sampling_rate = ?
		 WHERE project_id = ?`, errorRate, perfRate, projectID)
	if err != nil {
		return fmt.Errorf("update project sampling: %w", classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", projectID, apperrors.ErrNotFound)
	}
	return nil
}

// DeleteProject removes the project row only. Callers cascade the
// dependent stores (logs, aggregations, versions, archives) first.
func (s *Store) DeleteProject(ctx context.Context, projectID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE project_id = ?`, projectID)
	if err != nil {
		return fmt.Errorf("delete project: %w", classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", projectID, apperrors.ErrNotFound)
	}
	return nil
}

// isDuplicateKey spots MySQL error 1062 without importing the driver's
// error type into every call site.
func isDuplicateKey(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Error 1062")
}

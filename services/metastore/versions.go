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
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kittiwakehq/kittiwake/pkg/apperrors"
)

// InsertVersionWithFiles stores a new source-code version and its file
// rows in one transaction. An existing version with the same
// (projectId, version) label is replaced: the old row and its files go
// away first (FK cascade), then the new rows commit. Returns the new
// version id, which is also stamped onto every file row.
func (s *Store) InsertVersionWithFiles(ctx context.Context, v *SourceCodeVersion, files []*SourceCodeFile) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM source_code_versions WHERE project_id = ? AND version = ?`,
			v.ProjectID, v.Version); err != nil {
			return fmt.Errorf("replace version: %w", classify(err))
		}

		res, err := tx.NamedExecContext(ctx,
			`INSERT INTO source_code_versions (
				project_id, version, build_id, branch_name, commit_message,
				storage_path, archive_name, archive_size, uploaded_by, description,
				is_active, has_sourcemap, sourcemap_version, sourcemap_associated_at,
				created_at
			) VALUES (
				:project_id, :version, :build_id, :branch_name, :commit_message,
				:storage_path, :archive_name, :archive_size, :uploaded_by, :description,
				:is_active, :has_sourcemap, :sourcemap_version, :sourcemap_associated_at,
				:created_at
			)`, v)
		if err != nil {
			return fmt.Errorf("insert version: %w", classify(err))
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert version id: %w", err)
		}
		v.ID = id

		for _, f := range files {
			f.VersionID = id
			f.ProjectID = v.ProjectID
			res, err := tx.NamedExecContext(ctx,
				`INSERT INTO source_code_files (
					version_id, project_id, file_path, file_name, file_type,
					file_size, file_hash, is_source_file, source_content,
					line_count, char_count
				) VALUES (
					:version_id, :project_id, :file_path, :file_name, :file_type,
					:file_size, :file_hash, :is_source_file, :source_content,
					:line_count, :char_count
				)`, f)
			if err != nil {
				return fmt.Errorf("insert version file %s: %w", f.FilePath, classify(err))
			}
			fid, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("insert version file id: %w", err)
			}
			f.ID = fid
		}
		return nil
	})
}

// GetVersion loads one version row by id.
func (s *Store) GetVersion(ctx context.Context, id int64) (*SourceCodeVersion, error) {
	var v SourceCodeVersion
	err := s.db.GetContext(ctx, &v, `SELECT * FROM source_code_versions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("version %d: %w", id, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get version: %w", classify(err))
	}
	return &v, nil
}

// ListVersions returns a project's versions, newest first, with total.
func (s *Store) ListVersions(ctx context.Context, projectID string, page, limit int) ([]SourceCodeVersion, int64, error) {
	var total int64
	if err := s.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM source_code_versions WHERE project_id = ?`, projectID); err != nil {
		return nil, 0, fmt.Errorf("count versions: %w", classify(err))
	}

	if limit <= 0 || limit > 200 {
		limit = 20
	}
	if page < 1 {
		page = 1
	}
	out := []SourceCodeVersion{}
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM source_code_versions WHERE project_id = ?
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		projectID, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list versions: %w", classify(err))
	}
	return out, total, nil
}

// GetVersionByLabel loads the version row for (projectId, version).
// When replacement left duplicates behind, the newest row wins.
func (s *Store) GetVersionByLabel(ctx context.Context, projectID, version string) (*SourceCodeVersion, error) {
	var v SourceCodeVersion
	err := s.db.GetContext(ctx, &v,
		`SELECT * FROM source_code_versions WHERE project_id = ? AND version = ?
		 ORDER BY created_at DESC LIMIT 1`, projectID, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("version %s/%s: %w", projectID, version, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get version by label: %w", classify(err))
	}
	return &v, nil
}

// GetActiveVersion returns the project's active version, or ErrNotFound
// when no version has been activated.
func (s *Store) GetActiveVersion(ctx context.Context, projectID string) (*SourceCodeVersion, error) {
	var v SourceCodeVersion
	err := s.db.GetContext(ctx, &v,
		`SELECT * FROM source_code_versions WHERE project_id = ? AND is_active = 1`, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active version for %s: %w", projectID, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get active version: %w", classify(err))
	}
	return &v, nil
}

// SetActiveVersion makes one version the project's active version.
// Clear-all-then-set-one inside a transaction keeps the at-most-one
// invariant under concurrent calls.
func (s *Store) SetActiveVersion(ctx context.Context, projectID string, versionID int64) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var exists int
		err := tx.GetContext(ctx, &exists,
			`SELECT 1 FROM source_code_versions WHERE id = ? AND project_id = ? FOR UPDATE`,
			versionID, projectID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("version %d: %w", versionID, apperrors.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock version: %w", classify(err))
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE source_code_versions SET is_active = 0 WHERE project_id = ?`,
			projectID); err != nil {
			return fmt.Errorf("clear active versions: %w", classify(err))
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE source_code_versions SET is_active = 1 WHERE id = ?`,
			versionID); err != nil {
			return fmt.Errorf("set active version: %w", classify(err))
		}
		return nil
	})
}

// AssociateSourcemap marks a version as having a source-map bundle.
func (s *Store) AssociateSourcemap(ctx context.Context, versionID int64, sourcemapVersion string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE source_code_versions SET
			has_sourcemap = 1, sourcemap_version = ?, sourcemap_associated_at = ?
		 WHERE id = ?`, sourcemapVersion, time.Now(), versionID)
	if err != nil {
		return fmt.Errorf("associate sourcemap: %w", classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("version %d: %w", versionID, apperrors.ErrNotFound)
	}
	return nil
}

// DeleteVersion removes a version; file rows go with it via FK cascade.
func (s *Store) DeleteVersion(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM source_code_versions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete version: %w", classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("version %d: %w", id, apperrors.ErrNotFound)
	}
	return nil
}

// DeleteProjectVersions removes every version of a project (cascade on
// project deletion).
func (s *Store) DeleteProjectVersions(ctx context.Context, projectID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM source_code_versions WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("delete project versions: %w", classify(err))
	}
	return nil
}

// ListVersionFiles returns a version's file entries without their
// content payloads, ordered by path.
func (s *Store) ListVersionFiles(ctx context.Context, versionID int64) ([]SourceCodeFile, error) {
	out := []SourceCodeFile{}
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, version_id, project_id, file_path, file_name, file_type,
			file_size, file_hash, is_source_file, NULL AS source_content,
			line_count, char_count
		 FROM source_code_files WHERE version_id = ? ORDER BY file_path ASC`, versionID)
	if err != nil {
		return nil, fmt.Errorf("list version files: %w", classify(err))
	}
	return out, nil
}

// GetVersionFile loads one file row, content included, by exact path.
func (s *Store) GetVersionFile(ctx context.Context, versionID int64, filePath string) (*SourceCodeFile, error) {
	var f SourceCodeFile
	err := s.db.GetContext(ctx, &f,
		`SELECT * FROM source_code_files WHERE version_id = ? AND file_path = ?`,
		versionID, filePath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file %s in version %d: %w", filePath, versionID, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get version file: %w", classify(err))
	}
	return &f, nil
}

// FindFileBySuffix matches a bundle path against stored file paths by
// longest-suffix. Used by the error-location endpoint when the reported
// path carries a host prefix the archive never saw.
func (s *Store) FindFileBySuffix(ctx context.Context, versionID int64, suffix string) (*SourceCodeFile, error) {
	var f SourceCodeFile
	err := s.db.GetContext(ctx, &f,
		`SELECT * FROM source_code_files
		 WHERE version_id = ? AND (file_path = ? OR file_path LIKE ?)
		 ORDER BY LENGTH(file_path) DESC LIMIT 1`,
		versionID, suffix, "%/"+suffix)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file suffix %s in version %d: %w", suffix, versionID, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find file by suffix: %w", classify(err))
	}
	return &f, nil
}

// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package metastore

import (
	"context"
	"fmt"
)

// schemaDDL creates every table the metadata store owns. Statements are
// idempotent; EnsureSchema runs them on startup.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		project_id                VARCHAR(64)  NOT NULL,
		project_name              VARCHAR(255) NOT NULL,
		api_key                   VARCHAR(64)  NOT NULL,
		error_sampling_rate       DOUBLE       NOT NULL DEFAULT 1.0,
		performance_sampling_rate DOUBLE       NOT NULL DEFAULT 1.0,
		data_retention_days       INT          NOT NULL DEFAULT 90,
		alert_threshold           BIGINT       NOT NULL DEFAULT 100,
		sourcemap_config          JSON         NULL,
		created_at                DATETIME(3)  NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		PRIMARY KEY (project_id),
		UNIQUE KEY uq_projects_api_key (api_key)
	) ENGINE=InnoDB`,

	`CREATE TABLE IF NOT EXISTS error_logs (
		id                BIGINT       NOT NULL AUTO_INCREMENT,
		project_id        VARCHAR(64)  NOT NULL,
		type              VARCHAR(32)  NOT NULL,
		error_hash        CHAR(32)     NOT NULL,
		error_message     TEXT         NOT NULL,
		error_stack       MEDIUMTEXT   NULL,
		page_url          VARCHAR(2048) NULL,
		user_id           VARCHAR(128) NULL,
		user_agent        VARCHAR(512) NULL,
		device_info       JSON         NULL,
		network_info      JSON         NULL,
		performance_data  JSON         NULL,
		source_file       VARCHAR(1024) NULL,
		source_line       INT          NULL,
		source_column     INT          NULL,
		project_version   VARCHAR(64)  NULL,
		build_id          VARCHAR(128) NULL,
		original_source   VARCHAR(1024) NULL,
		original_line     INT          NULL,
		original_column   INT          NULL,
		function_name     VARCHAR(256) NULL,
		source_snippet    TEXT         NULL,
		is_source_resolved TINYINT(1)  NOT NULL DEFAULT 0,
		ai_diagnosis      MEDIUMTEXT   NULL,
		comprehensive_analysis_report JSON NULL,
		comprehensive_analysis_generated_at DATETIME(3) NULL,
		error_level       TINYINT      NOT NULL DEFAULT 2,
		is_processed      TINYINT(1)   NOT NULL DEFAULT 0,
		created_at        DATETIME(3)  NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		PRIMARY KEY (id),
		KEY idx_logs_project_created (project_id, created_at),
		KEY idx_logs_project_hash (project_id, error_hash),
		KEY idx_logs_unprocessed (project_id, is_processed)
	) ENGINE=InnoDB`,

	`CREATE TABLE IF NOT EXISTS error_aggregations (
		id               BIGINT       NOT NULL AUTO_INCREMENT,
		project_id       VARCHAR(64)  NOT NULL,
		error_hash       CHAR(32)     NOT NULL,
		type             VARCHAR(32)  NOT NULL,
		error_message    TEXT         NOT NULL,
		error_stack      MEDIUMTEXT   NULL,
		source_file      VARCHAR(1024) NULL,
		source_line      INT          NULL,
		source_column    INT          NULL,
		first_seen       DATETIME(3)  NOT NULL,
		last_seen        DATETIME(3)  NOT NULL,
		occurrence_count BIGINT       NOT NULL DEFAULT 1,
		affected_users   BIGINT       NOT NULL DEFAULT 0,
		status           TINYINT      NOT NULL DEFAULT 0,
		error_level      TINYINT      NOT NULL DEFAULT 2,
		assigned_to      VARCHAR(128) NULL,
		notes            TEXT         NULL,
		tags             VARCHAR(512) NULL,
		ai_diagnosis     MEDIUMTEXT   NULL,
		ai_fix_suggestion MEDIUMTEXT  NULL,
		ai_diagnosis_history JSON     NULL,
		comprehensive_analysis_report JSON NULL,
		created_at       DATETIME(3)  NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		updated_at       DATETIME(3)  NOT NULL DEFAULT CURRENT_TIMESTAMP(3) ON UPDATE CURRENT_TIMESTAMP(3),
		PRIMARY KEY (id),
		UNIQUE KEY uq_agg_project_hash (project_id, error_hash),
		KEY idx_agg_project_last_seen (project_id, last_seen)
	) ENGINE=InnoDB`,

	`CREATE TABLE IF NOT EXISTS source_code_versions (
		id              BIGINT       NOT NULL AUTO_INCREMENT,
		project_id      VARCHAR(64)  NOT NULL,
		version         VARCHAR(64)  NOT NULL,
		build_id        VARCHAR(128) NULL,
		branch_name     VARCHAR(256) NULL,
		commit_message  TEXT         NULL,
		storage_path    VARCHAR(1024) NOT NULL,
		archive_name    VARCHAR(256) NOT NULL,
		archive_size    BIGINT       NOT NULL DEFAULT 0,
		uploaded_by     VARCHAR(128) NULL,
		description     TEXT         NULL,
		is_active       TINYINT(1)   NOT NULL DEFAULT 0,
		has_sourcemap   TINYINT(1)   NOT NULL DEFAULT 0,
		sourcemap_version VARCHAR(64) NULL,
		sourcemap_associated_at DATETIME(3) NULL,
		created_at      DATETIME(3)  NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		PRIMARY KEY (id),
		KEY idx_versions_project_version (project_id, version),
		KEY idx_versions_project_active (project_id, is_active)
	) ENGINE=InnoDB`,

	`CREATE TABLE IF NOT EXISTS source_code_files (
		id             BIGINT       NOT NULL AUTO_INCREMENT,
		version_id     BIGINT       NOT NULL,
		project_id     VARCHAR(64)  NOT NULL,
		file_path      VARCHAR(1024) NOT NULL,
		file_name      VARCHAR(256) NOT NULL,
		file_type      VARCHAR(32)  NOT NULL,
		file_size      BIGINT       NOT NULL DEFAULT 0,
		file_hash      CHAR(32)     NOT NULL,
		is_source_file TINYINT(1)   NOT NULL DEFAULT 0,
		source_content MEDIUMTEXT   NULL,
		line_count     INT          NULL,
		char_count     INT          NULL,
		PRIMARY KEY (id),
		UNIQUE KEY uq_files_version_path (version_id, file_path(255)),
		KEY idx_files_project (project_id),
		CONSTRAINT fk_files_version FOREIGN KEY (version_id)
			REFERENCES source_code_versions (id) ON DELETE CASCADE
	) ENGINE=InnoDB`,
}

// EnsureSchema creates missing tables. Run once at startup before any
// worker pool starts.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schemaDDL {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("ensure schema: %w", classify(err))
		}
	}
	return nil
}

// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"io"

	"github.com/gin-gonic/gin"

	"github.com/kittiwakehq/kittiwake/services/gateway/datatypes"
	"github.com/kittiwakehq/kittiwake/services/metastore"
	"github.com/kittiwakehq/kittiwake/services/sourcearchive"
)

// maxArchiveBytes caps one uploaded source archive.
const maxArchiveBytes = 200 << 20

// Archive is the slice of the source-archive store the version
// endpoints use.
type Archive interface {
	Upload(ctx context.Context, archive []byte, meta sourcearchive.UploadMeta) (*sourcearchive.UploadResult, error)
	ListVersions(ctx context.Context, projectID string, page, limit int) ([]metastore.SourceCodeVersion, int64, error)
	ListFiles(ctx context.Context, f sourcearchive.FileFilter) ([]metastore.SourceCodeFile, int64, error)
	GetByLocation(ctx context.Context, projectID, version, filePath string, lineNumber, contextLines int) (*sourcearchive.Location, error)
	SetActive(ctx context.Context, projectID string, versionID int64) error
	Delete(ctx context.Context, projectID, version string) error
}

// UploadSourceCode handles POST /source-code-version/upload
// (multipart: file + form fields).
func UploadSourceCode(archive Archive) gin.HandlerFunc {
	return func(c *gin.Context) {
		file, header, err := c.Request.FormFile("file")
		if err != nil {
			badRequest(c, "archive file required")
			return
		}
		defer file.Close()
		if header.Size > maxArchiveBytes {
			badRequest(c, "archive exceeds size limit")
			return
		}
		data, err := io.ReadAll(io.LimitReader(file, maxArchiveBytes+1))
		if err != nil {
			fail(c, err)
			return
		}

		meta := sourcearchive.UploadMeta{
			ProjectID:     c.PostForm("projectId"),
			Version:       c.PostForm("version"),
			BuildID:       c.PostForm("buildId"),
			BranchName:    c.PostForm("branchName"),
			CommitMessage: c.PostForm("commitMessage"),
			UploadedBy:    c.PostForm("uploadedBy"),
			Description:   c.PostForm("description"),
			ArchiveName:   header.Filename,
			SetAsActive:   c.PostForm("setAsActive") == "true",
		}
		result, err := archive.Upload(c.Request.Context(), data, meta)
		if err != nil {
			fail(c, err)
			return
		}
		created(c, result)
	}
}

// ListSourceVersions handles GET /source-code-version/versions.
func ListSourceVersions(archive Archive) gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID := c.Query("projectId")
		if projectID == "" {
			badRequest(c, "projectId required")
			return
		}
		page := intQuery(c, "page", 1)
		limit := intQuery(c, "pageSize", 20)
		versions, total, err := archive.ListVersions(c.Request.Context(), projectID, page, limit)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, datatypes.Page{Items: versions, Total: total, Page: page, Limit: limit})
	}
}

// ListSourceFiles handles GET /source-code-version/files.
func ListSourceFiles(archive Archive) gin.HandlerFunc {
	return func(c *gin.Context) {
		f := sourcearchive.FileFilter{
			VersionID: int64(intQuery(c, "versionId", 0)),
			ProjectID: c.Query("projectId"),
			Version:   c.Query("version"),
			FileName:  c.Query("fileName"),
			Page:      intQuery(c, "page", 1),
			PageSize:  intQuery(c, "pageSize", 50),
		}
		files, total, err := archive.ListFiles(c.Request.Context(), f)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, datatypes.Page{Items: files, Total: total, Page: f.Page, Limit: f.PageSize})
	}
}

// GetSourceFileContent handles
// GET /source-code-version/file-content/:projectId/:version?filePath=...
func GetSourceFileContent(archive Archive) gin.HandlerFunc {
	return func(c *gin.Context) {
		filePath := c.Query("filePath")
		if filePath == "" {
			badRequest(c, "filePath required")
			return
		}
		loc, err := archive.GetByLocation(c.Request.Context(),
			c.Param("projectId"), c.Param("version"), filePath, 0, 0)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, sourcearchive.FileContent{File: loc.File, Content: loc.Content})
	}
}

// SetActiveVersion handles POST /source-code-version/set-active/:projectId/:versionId.
func SetActiveVersion(archive Archive) gin.HandlerFunc {
	return func(c *gin.Context) {
		versionID, okID := intParam(c, "versionId")
		if !okID {
			return
		}
		if err := archive.SetActive(c.Request.Context(), c.Param("projectId"), versionID); err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"versionId": versionID, "isActive": true})
	}
}

// DeleteSourceVersion handles DELETE /source-code-version/:projectId/:version.
func DeleteSourceVersion(archive Archive) gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID := c.Param("projectId")
		version := c.Param("version")
		if err := archive.Delete(c.Request.Context(), projectID, version); err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"projectId": projectID, "version": version})
	}
}

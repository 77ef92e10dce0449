// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sourcearchive stores versioned source-code archives.
//
// Uploads are zip files. The archive is written to disk verbatim under
// `<base>/<projectId>/<version>/<archiveName>`; accepted entries get a
// metadata row, and text-like entries up to 200KB are inlined so the
// diagnosis orchestrator can pull snippets without touching the zip.
// Anything larger is decoded lazily from the zip on demand.
//
// Upload holds an exclusive per-(projectId, version) lock; lazy zip
// reads take the shared side of the same lock.
package sourcearchive

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/kittiwakehq/kittiwake/pkg/apperrors"
	"github.com/kittiwakehq/kittiwake/pkg/logging"
	"github.com/kittiwakehq/kittiwake/services/metastore"
)

const maxInlineSize = 200 * 1024

// textExtensions are inlined when small enough.
var textExtensions = map[string]bool{
	"js": true, "ts": true, "jsx": true, "tsx": true, "vue": true,
	"css": true, "scss": true, "less": true, "html": true, "json": true,
	"xml": true, "yaml": true, "yml": true, "md": true, "txt": true,
	"csv": true,
}

// sourceExtensions mark entries the diagnosis prompt may quote.
var sourceExtensions = map[string]bool{
	"js": true, "ts": true, "jsx": true, "tsx": true, "vue": true,
}

var ignoredPathParts = []string{"/node_modules/", "/.git/", "/dist/", "/build/", "/coverage/"}

// metaStore is the slice of the metadata store the archive uses.
type metaStore interface {
	InsertVersionWithFiles(ctx context.Context, v *metastore.SourceCodeVersion, files []*metastore.SourceCodeFile) error
	GetVersion(ctx context.Context, id int64) (*metastore.SourceCodeVersion, error)
	GetVersionByLabel(ctx context.Context, projectID, version string) (*metastore.SourceCodeVersion, error)
	GetActiveVersion(ctx context.Context, projectID string) (*metastore.SourceCodeVersion, error)
	ListVersions(ctx context.Context, projectID string, page, limit int) ([]metastore.SourceCodeVersion, int64, error)
	ListVersionFiles(ctx context.Context, versionID int64) ([]metastore.SourceCodeFile, error)
	GetVersionFile(ctx context.Context, versionID int64, filePath string) (*metastore.SourceCodeFile, error)
	SetActiveVersion(ctx context.Context, projectID string, versionID int64) error
	DeleteVersion(ctx context.Context, id int64) error
}

// Store is the source-archive adapter.
type Store struct {
	base  string
	meta  metaStore
	log   *logging.Logger
	locks sync.Map // "projectId\x00version" -> *sync.RWMutex
}

// New builds a store rooted at base.
func New(base string, meta metaStore, log *logging.Logger) *Store {
	return &Store{base: base, meta: meta, log: log}
}

func (s *Store) lockFor(projectID, version string) *sync.RWMutex {
	key := projectID + "\x00" + version
	mu, _ := s.locks.LoadOrStore(key, &sync.RWMutex{})
	return mu.(*sync.RWMutex)
}

// UploadMeta carries the upload form fields.
type UploadMeta struct {
	ProjectID     string
	Version       string
	BuildID       string
	BranchName    string
	CommitMessage string
	UploadedBy    string
	Description   string
	ArchiveName   string
	SetAsActive   bool
}

// UploadResult reports one stored version.
type UploadResult struct {
	VersionID int64  `json:"versionId"`
	Version   string `json:"version"`
	FileCount int    `json:"fileCount"`
}

// manifest is the optional top-level manifest.json inside an archive.
type manifest struct {
	ProjectID     string `json:"projectId"`
	Version       string `json:"version"`
	BuildID       string `json:"buildId"`
	BranchName    string `json:"branchName"`
	CommitMessage string `json:"commitMessage"`
}

// Upload stores one archive. A previous upload with the same
// (projectId, version) is replaced entirely: its rows, its files, and
// its on-disk directory.
func (s *Store) Upload(ctx context.Context, archive []byte, meta UploadMeta) (*UploadResult, error) {
	if len(archive) == 0 {
		return nil, apperrors.BadRequestf("empty archive")
	}
	if meta.ProjectID == "" {
		return nil, apperrors.BadRequestf("projectId required")
	}

	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, apperrors.BadRequestf("not a zip archive")
	}

	man, err := readManifest(zr)
	if err != nil {
		return nil, err
	}
	if man != nil {
		if man.ProjectID != "" && man.ProjectID != meta.ProjectID {
			return nil, apperrors.BadRequestf("manifest projectId %q does not match %q", man.ProjectID, meta.ProjectID)
		}
		if man.Version != "" && meta.Version != "" && man.Version != meta.Version {
			return nil, apperrors.BadRequestf("manifest version %q does not match %q", man.Version, meta.Version)
		}
		if meta.Version == "" {
			meta.Version = man.Version
		}
		if meta.BuildID == "" {
			meta.BuildID = man.BuildID
		}
		if meta.BranchName == "" {
			meta.BranchName = man.BranchName
		}
		if meta.CommitMessage == "" {
			meta.CommitMessage = man.CommitMessage
		}
	}
	if meta.Version == "" {
		meta.Version = fmt.Sprintf("v%d", time.Now().UnixMilli())
	}
	if meta.ArchiveName == "" {
		meta.ArchiveName = "source.zip"
	}

	mu := s.lockFor(meta.ProjectID, meta.Version)
	mu.Lock()
	defer mu.Unlock()

	files, err := collectEntries(zr, meta.ProjectID)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(s.base, meta.ProjectID, meta.Version)
	// Replacement drops the previous upload's on-disk tree.
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("clear archive dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	archivePath := filepath.Join(dir, meta.ArchiveName)
	if err := os.WriteFile(archivePath, archive, 0640); err != nil {
		return nil, fmt.Errorf("write archive: %w", err)
	}

	version := &metastore.SourceCodeVersion{
		ProjectID:   meta.ProjectID,
		Version:     meta.Version,
		StoragePath: dir,
		ArchiveName: meta.ArchiveName,
		ArchiveSize: int64(len(archive)),
	}
	if meta.BuildID != "" {
		version.BuildID = &meta.BuildID
	}
	if meta.BranchName != "" {
		version.BranchName = &meta.BranchName
	}
	if meta.CommitMessage != "" {
		version.CommitMessage = &meta.CommitMessage
	}
	if meta.UploadedBy != "" {
		version.UploadedBy = &meta.UploadedBy
	}
	if meta.Description != "" {
		version.Description = &meta.Description
	}

	if err := s.meta.InsertVersionWithFiles(ctx, version, files); err != nil {
		return nil, err
	}

	if meta.SetAsActive {
		if err := s.meta.SetActiveVersion(ctx, meta.ProjectID, version.ID); err != nil {
			return nil, err
		}
	}

	s.log.Info("source archive stored", "project_id", meta.ProjectID,
		"version", meta.Version, "files", len(files), "bytes", len(archive))
	return &UploadResult{VersionID: version.ID, Version: meta.Version, FileCount: len(files)}, nil
}

// readManifest finds an optional top-level manifest.json.
func readManifest(zr *zip.Reader) (*manifest, error) {
	for _, f := range zr.File {
		if path.Base(f.Name) != "manifest.json" || strings.Contains(f.Name, "/") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open manifest: %w", err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read manifest: %w", err)
		}
		var m manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, apperrors.BadRequestf("manifest.json invalid")
		}
		return &m, nil
	}
	return nil, nil
}

// collectEntries walks the zip and builds the file rows.
func collectEntries(zr *zip.Reader, projectID string) ([]*metastore.SourceCodeFile, error) {
	var files []*metastore.SourceCodeFile
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || ignored(f.Name) {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open entry %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read entry %s: %w", f.Name, err)
		}

		sum := md5.Sum(data)
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(f.Name)), ".")
		row := &metastore.SourceCodeFile{
			ProjectID:    projectID,
			FilePath:     f.Name,
			FileName:     path.Base(f.Name),
			FileType:     ext,
			FileSize:     int64(len(data)),
			FileHash:     hex.EncodeToString(sum[:]),
			IsSourceFile: sourceExtensions[ext],
		}

		if textExtensions[ext] && len(data) <= maxInlineSize && utf8.Valid(data) {
			content := string(data)
			lines := strings.Count(content, "\n") + 1
			chars := utf8.RuneCountInString(content)
			row.SourceContent = &content
			row.LineCount = &lines
			row.CharCount = &chars
		}
		files = append(files, row)
	}
	return files, nil
}

// ignored applies the path and filename filters.
func ignored(name string) bool {
	base := path.Base(name)
	if base == "manifest.json" && !strings.Contains(name, "/") {
		return true
	}
	slashed := "/" + name
	for _, part := range ignoredPathParts {
		if strings.Contains(slashed, part) {
			return true
		}
	}
	switch {
	case base == ".DS_Store", base == "package-lock.json", base == "yarn.lock":
		return true
	case strings.HasSuffix(base, ".log"):
		return true
	case strings.HasPrefix(base, ".env"):
		return true
	}
	return false
}

// Delete removes a version: its rows (files cascade) and its on-disk
// directory.
func (s *Store) Delete(ctx context.Context, projectID, version string) error {
	mu := s.lockFor(projectID, version)
	mu.Lock()
	defer mu.Unlock()

	v, err := s.meta.GetVersionByLabel(ctx, projectID, version)
	if err != nil {
		return err
	}
	if err := s.meta.DeleteVersion(ctx, v.ID); err != nil {
		return err
	}
	dir := filepath.Join(s.base, projectID, version)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove archive dir: %w", err)
	}
	return nil
}

// SetActive marks one version active for its project.
func (s *Store) SetActive(ctx context.Context, projectID string, versionID int64) error {
	return s.meta.SetActiveVersion(ctx, projectID, versionID)
}

// ListVersions pages a project's versions.
func (s *Store) ListVersions(ctx context.Context, projectID string, page, limit int) ([]metastore.SourceCodeVersion, int64, error) {
	return s.meta.ListVersions(ctx, projectID, page, limit)
}

// FileFilter selects file rows for the listing endpoint. Either
// VersionID or (ProjectID, Version) must identify the version.
type FileFilter struct {
	VersionID int64
	ProjectID string
	Version   string
	FileName  string
	Page      int
	PageSize  int
}

// ListFiles pages one version's files, optionally matched by name.
func (s *Store) ListFiles(ctx context.Context, f FileFilter) ([]metastore.SourceCodeFile, int64, error) {
	versionID := f.VersionID
	if versionID == 0 {
		if f.ProjectID == "" || f.Version == "" {
			return nil, 0, apperrors.BadRequestf("versionId or projectId+version required")
		}
		v, err := s.meta.GetVersionByLabel(ctx, f.ProjectID, f.Version)
		if err != nil {
			return nil, 0, err
		}
		versionID = v.ID
	}

	all, err := s.meta.ListVersionFiles(ctx, versionID)
	if err != nil {
		return nil, 0, err
	}
	if f.FileName != "" {
		needle := strings.ToLower(f.FileName)
		kept := all[:0]
		for _, file := range all {
			if strings.Contains(strings.ToLower(file.FileName), needle) {
				kept = append(kept, file)
			}
		}
		all = kept
	}

	total := int64(len(all))
	pageSize := f.PageSize
	if pageSize <= 0 || pageSize > 200 {
		pageSize = 20
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	start := (page - 1) * pageSize
	if start >= len(all) {
		return []metastore.SourceCodeFile{}, total, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

// errNotInArchive distinguishes a known row whose zip entry vanished.
var errNotInArchive = errors.New("entry missing from archive")

// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sourcearchive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/kittiwakehq/kittiwake/pkg/apperrors"
	"github.com/kittiwakehq/kittiwake/services/metastore"
)

// FileContent is one file with its decoded content.
type FileContent struct {
	File    metastore.SourceCodeFile `json:"file"`
	Content string                   `json:"content"`
}

// GetFileContent returns a file's content, decoding lazily from the
// on-disk zip when the row carries no inline content.
func (s *Store) GetFileContent(ctx context.Context, versionID int64, filePath string) (*FileContent, error) {
	row, err := s.meta.GetVersionFile(ctx, versionID, filePath)
	if err != nil {
		return nil, err
	}
	if row.SourceContent != nil {
		return &FileContent{File: *row, Content: *row.SourceContent}, nil
	}

	version, err := s.meta.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}

	mu := s.lockFor(version.ProjectID, version.Version)
	mu.RLock()
	defer mu.RUnlock()

	content, err := readZipEntry(filepath.Join(version.StoragePath, version.ArchiveName), filePath)
	if err != nil {
		return nil, err
	}
	return &FileContent{File: *row, Content: content}, nil
}

func readZipEntry(archivePath, entryPath string) (string, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", fmt.Errorf("open archive %s: %w", archivePath, err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != entryPath {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("open entry %s: %w", entryPath, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("read entry %s: %w", entryPath, err)
		}
		return string(data), nil
	}
	return "", fmt.Errorf("%s: %w", entryPath, errNotInArchive)
}

// Location is a windowed view into one source file.
type Location struct {
	File       metastore.SourceCodeFile `json:"file"`
	Content    string                   `json:"content"`
	Lines      []string                 `json:"lines,omitempty"`
	TargetLine int                      `json:"targetLine,omitempty"`
	StartLine  int                      `json:"startLine,omitempty"`
	EndLine    int                      `json:"endLine,omitempty"`
}

// GetByLocation returns the file at (projectId, version, filePath),
// windowed around lineNumber when given. The window is clamped to the
// file bounds. An empty version resolves through the active version.
func (s *Store) GetByLocation(ctx context.Context, projectID, version, filePath string, lineNumber, contextLines int) (*Location, error) {
	if contextLines <= 0 {
		contextLines = 5
	}

	var v *metastore.SourceCodeVersion
	var err error
	if version == "" {
		v, err = s.meta.GetActiveVersion(ctx, projectID)
	} else {
		v, err = s.meta.GetVersionByLabel(ctx, projectID, version)
	}
	if err != nil {
		return nil, err
	}

	row, err := s.meta.GetVersionFile(ctx, v.ID, filePath)
	if err != nil {
		// Reported bundle paths often carry a host prefix the archive
		// never saw; retry on the path suffix.
		row, err = s.findBySuffix(ctx, v.ID, filePath)
		if err != nil {
			return nil, err
		}
	}

	var content string
	if row.SourceContent != nil {
		content = *row.SourceContent
	} else {
		fc, err := s.GetFileContent(ctx, v.ID, row.FilePath)
		if err != nil {
			return nil, err
		}
		content = fc.Content
	}

	loc := &Location{File: *row, Content: content}
	if lineNumber > 0 {
		lines := strings.Split(content, "\n")
		if lineNumber > len(lines) {
			return nil, apperrors.BadRequestf("line %d beyond file end %d", lineNumber, len(lines))
		}
		start := lineNumber - contextLines
		if start < 1 {
			start = 1
		}
		end := lineNumber + contextLines
		if end > len(lines) {
			end = len(lines)
		}
		loc.Lines = lines[start-1 : end]
		loc.TargetLine = lineNumber
		loc.StartLine = start
		loc.EndLine = end
	}
	return loc, nil
}

// findBySuffix matches filePath against stored paths by suffix,
// longest stored path first.
func (s *Store) findBySuffix(ctx context.Context, versionID int64, filePath string) (*metastore.SourceCodeFile, error) {
	trimmed := strings.TrimPrefix(filePath, "/")
	files, err := s.meta.ListVersionFiles(ctx, versionID)
	if err != nil {
		return nil, err
	}

	var best *metastore.SourceCodeFile
	for i := range files {
		stored := files[i].FilePath
		if stored == trimmed || strings.HasSuffix(stored, "/"+trimmed) ||
			strings.HasSuffix(trimmed, "/"+stored) {
			if best == nil || len(stored) > len(best.FilePath) {
				best = &files[i]
			}
		}
	}
	if best == nil {
		return nil, fmt.Errorf("file %s in version %d: %w", filePath, versionID, apperrors.ErrNotFound)
	}
	// ListVersionFiles omits content; reload the full row.
	return s.meta.GetVersionFile(ctx, versionID, best.FilePath)
}

// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sourcemap resolves minified stack frames to original source
// positions.
//
// Map files live on local disk under the sourcemap storage root.
// Parsed consumers are cached in an LRU hard-capped at 100 entries;
// eviction runs the consumer's destroy hook exactly once. A missing
// map is not an error: the frame comes back unresolved and the caller
// moves on. A corrupt map is an error, surfaced as ErrCorrupt.
package sourcemap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	gosourcemap "github.com/go-sourcemap/sourcemap"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kittiwakehq/kittiwake/pkg/logging"
	"github.com/kittiwakehq/kittiwake/pkg/observability"
	"github.com/kittiwakehq/kittiwake/services/stacktrace"
)

// Sentinel failures of the resolver.
var (
	ErrMissing = errors.New("source map missing")
	ErrCorrupt = errors.New("source map corrupt")
)

const (
	cacheCap     = 100
	contextLines = 5
)

// ResolvedFrame is a stack frame with its original position, when the
// map could supply one.
type ResolvedFrame struct {
	Frame    stacktrace.Frame `json:"frame"`
	Resolved bool             `json:"resolved"`

	OriginalSource string `json:"originalSource,omitempty"`
	OriginalLine   int    `json:"originalLine,omitempty"`
	OriginalColumn int    `json:"originalColumn,omitempty"`
	FunctionName   string `json:"functionName,omitempty"`

	// ContextLines are up to 11 lines around the original line, taken
	// from the map's embedded source content.
	ContextLines []string `json:"contextLines,omitempty"`
	// TargetIndex is the index of the original line within ContextLines.
	TargetIndex int `json:"targetIndex,omitempty"`
}

// consumer is one parsed map plus its destroy latch. cm is immutable
// after construction: an evicted consumer keeps serving in-flight
// resolves and is reclaimed by GC once the last reader drops it.
type consumer struct {
	cm *gosourcemap.Consumer

	mu        sync.Mutex
	destroyed bool
}

// destroy latches the eviction. The latch guarantees the hook's side
// effects run once; it never invalidates cm, so a resolve racing the
// eviction finishes on the parsed map it already holds.
func (c *consumer) destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
}

// Resolver maps frames through cached source-map consumers. Safe for
// concurrent use.
type Resolver struct {
	storageBase string
	log         *logging.Logger
	metrics     *observability.Metrics

	mu    sync.Mutex
	cache *lru.Cache[string, *consumer]
}

// NewResolver builds a resolver over the given storage root.
func NewResolver(storageBase string, log *logging.Logger, metrics *observability.Metrics) (*Resolver, error) {
	r := &Resolver{storageBase: storageBase, log: log, metrics: metrics}
	cache, err := lru.NewWithEvict[string, *consumer](cacheCap, func(_ string, c *consumer) {
		c.destroy()
		if metrics != nil {
			metrics.SourcemapCacheEvents.WithLabelValues("eviction").Inc()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("sourcemap cache: %w", err)
	}
	r.cache = cache
	return r, nil
}

// Resolve maps every frame, skipping those without a map.
func (r *Resolver) Resolve(projectID, version string, frames []stacktrace.Frame) ([]ResolvedFrame, error) {
	out := make([]ResolvedFrame, 0, len(frames))
	for _, f := range frames {
		rf, err := r.ResolveOne(projectID, version, f)
		if err != nil {
			return nil, err
		}
		out = append(out, rf)
	}
	return out, nil
}

// ResolveOne maps a single frame. A frame whose map is absent comes
// back with Resolved=false and a nil error.
func (r *Resolver) ResolveOne(projectID, version string, frame stacktrace.Frame) (ResolvedFrame, error) {
	rf := ResolvedFrame{Frame: frame}

	c, err := r.consumerFor(projectID, version, frame.File)
	if errors.Is(err, ErrMissing) {
		return rf, nil
	}
	if err != nil {
		return rf, err
	}

	source, name, line, col, ok := c.cm.Source(frame.Line, frame.Column)
	if !ok || source == "" {
		return rf, nil
	}

	rf.Resolved = true
	rf.OriginalSource = source
	rf.OriginalLine = line
	rf.OriginalColumn = col
	rf.FunctionName = name
	if rf.FunctionName == "" {
		rf.FunctionName = frame.Function
	}
	rf.ContextLines, rf.TargetIndex = contextWindow(c.cm.SourceContent(source), line)
	return rf, nil
}

// ClearCache destroys every cached consumer.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Purge()
}

// consumerFor loads (or reuses) the parsed map for one bundle file.
func (r *Resolver) consumerFor(projectID, version, bundleFile string) (*consumer, error) {
	mapPath, err := r.findMap(projectID, version, bundleFile)
	if err != nil {
		return nil, err
	}

	if c, ok := r.cache.Get(mapPath); ok {
		if r.metrics != nil {
			r.metrics.SourcemapCacheEvents.WithLabelValues("hit").Inc()
		}
		return c, nil
	}
	if r.metrics != nil {
		r.metrics.SourcemapCacheEvents.WithLabelValues("miss").Inc()
	}

	data, err := os.ReadFile(mapPath)
	if err != nil {
		return nil, fmt.Errorf("read map %s: %w", mapPath, err)
	}
	cm, err := gosourcemap.Parse(mapPath, data)
	if err != nil {
		return nil, fmt.Errorf("parse map %s: %w", mapPath, ErrCorrupt)
	}

	c := &consumer{cm: cm}
	// Add under the lock so a concurrent miss for the same path cannot
	// evict a consumer mid-insert.
	r.mu.Lock()
	r.cache.Add(mapPath, c)
	r.mu.Unlock()
	return c, nil
}

// findMap locates the map file for a bundle. Exact `<basename>.map`
// wins; otherwise the newest `<basename>_<timestamp>.map` from a
// directory scan. Both the flat per-project layout and the per-version
// layout are honored.
func (r *Resolver) findMap(projectID, version, bundleFile string) (string, error) {
	base := filepath.Base(bundleFile)
	if i := strings.IndexAny(base, "?#"); i >= 0 {
		base = base[:i]
	}
	if base == "" || base == "." {
		return "", ErrMissing
	}

	dirs := []string{
		filepath.Join(r.storageBase, "sourcemaps", projectID),
	}
	if version != "" {
		dirs = append(dirs, filepath.Join(r.storageBase, projectID, version, "sourcemaps"))
	}

	for _, dir := range dirs {
		exact := filepath.Join(dir, base+".map")
		if _, err := os.Stat(exact); err == nil {
			return exact, nil
		}
		if found := scanTimestamped(dir, base); found != "" {
			return found, nil
		}
	}
	return "", ErrMissing
}

// scanTimestamped picks the lexically newest `<base>_<ts>.map` in dir.
func scanTimestamped(dir, base string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	prefix := strings.TrimSuffix(base, filepath.Ext(base)) + "_"
	var candidates []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".map") {
			continue
		}
		if strings.HasPrefix(name, prefix) || strings.HasPrefix(name, base+"_") {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Strings(candidates)
	return filepath.Join(dir, candidates[len(candidates)-1])
}

// contextWindow extracts ±contextLines around line (1-based) from the
// embedded source content. Empty content yields no window.
func contextWindow(content string, line int) ([]string, int) {
	if content == "" || line < 1 {
		return nil, 0
	}
	lines := strings.Split(content, "\n")
	if line > len(lines) {
		return nil, 0
	}
	start := line - 1 - contextLines
	if start < 0 {
		start = 0
	}
	end := line - 1 + contextLines
	if end > len(lines)-1 {
		end = len(lines) - 1
	}
	window := make([]string, end-start+1)
	copy(window, lines[start:end+1])
	return window, line - 1 - start
}

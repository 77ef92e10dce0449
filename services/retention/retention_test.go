// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retention

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kittiwakehq/kittiwake/pkg/logging"
)

type fakeOptimizer struct {
	tables []string
}

func (f *fakeOptimizer) OptimizeTable(_ context.Context, table string) error {
	f.tables = append(f.tables, table)
	return nil
}

func newService(t *testing.T, base string) *Service {
	t.Helper()
	return New(base, 30*24*time.Hour, &fakeOptimizer{}, logging.New(logging.Config{Quiet: true}))
}

func writeAged(t *testing.T, path string, age time.Duration) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-age)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
}

func TestSweepRemovesExpiredMaps(t *testing.T) {
	base := t.TempDir()
	maps := filepath.Join(base, "sourcemaps", "proj-1")
	writeAged(t, filepath.Join(maps, "old.map"), 31*24*time.Hour)
	writeAged(t, filepath.Join(maps, "fresh.map"), time.Hour)
	writeAged(t, filepath.Join(maps, "notes.txt"), 31*24*time.Hour)

	removed, err := newService(t, base).SweepSourcemaps(context.Background())
	if err != nil {
		t.Fatalf("SweepSourcemaps: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(filepath.Join(maps, "old.map")); !os.IsNotExist(err) {
		t.Error("expired map should be gone")
	}
	if _, err := os.Stat(filepath.Join(maps, "fresh.map")); err != nil {
		t.Error("fresh map should survive")
	}
	if _, err := os.Stat(filepath.Join(maps, "notes.txt")); err != nil {
		t.Error("non-map files are out of scope")
	}
}

func TestSweepMissingRootIsNoop(t *testing.T) {
	removed, err := newService(t, filepath.Join(t.TempDir(), "nope")).SweepSourcemaps(context.Background())
	if err != nil {
		t.Fatalf("missing root must not fail: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d", removed)
	}
}

func TestOptimizeTargetsBaseTable(t *testing.T) {
	opt := &fakeOptimizer{}
	svc := New(t.TempDir(), time.Hour, opt, logging.New(logging.Config{Quiet: true}))
	if err := svc.Optimize(context.Background()); err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if len(opt.tables) != 1 || opt.tables[0] != "error_logs" {
		t.Errorf("tables = %v", opt.tables)
	}
}

func TestStartStop(t *testing.T) {
	svc := newService(t, t.TempDir())
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Stop on a never-started service is safe.
	if err := New(t.TempDir(), 0, &fakeOptimizer{}, logging.New(logging.Config{Quiet: true})).Stop(); err != nil {
		t.Fatalf("Stop without Start: %v", err)
	}
}

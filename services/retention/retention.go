// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retention runs the scheduled housekeeping jobs: the daily
// source-map sweep and the weekly columnar merge.
package retention

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/kittiwakehq/kittiwake/pkg/logging"
)

type optimizer interface {
	OptimizeTable(ctx context.Context, table string) error
}

// Service owns the background schedule.
type Service struct {
	storageBase string
	mapTTL      time.Duration
	columnar    optimizer
	log         *logging.Logger

	scheduler gocron.Scheduler
}

// New builds the service; Start arms the schedule.
func New(storageBase string, mapTTL time.Duration, columnar optimizer, log *logging.Logger) *Service {
	return &Service{
		storageBase: storageBase,
		mapTTL:      mapTTL,
		columnar:    columnar,
		log:         log,
	}
}

// Start arms the schedule: source-map sweep daily at 02:00, columnar
// merge weekly on Monday at 03:00.
func (s *Service) Start() error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	s.scheduler = scheduler

	_, err = scheduler.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(2, 0, 0))),
		gocron.NewTask(func() {
			if _, err := s.SweepSourcemaps(context.Background()); err != nil {
				s.log.Error("sourcemap sweep failed", "error", err)
			}
		}),
	)
	if err != nil {
		return err
	}

	_, err = scheduler.NewJob(
		gocron.WeeklyJob(1, gocron.NewWeekdays(time.Monday),
			gocron.NewAtTimes(gocron.NewAtTime(3, 0, 0))),
		gocron.NewTask(func() {
			if err := s.Optimize(context.Background()); err != nil {
				s.log.Error("columnar optimize failed", "error", err)
			}
		}),
	)
	if err != nil {
		return err
	}

	scheduler.Start()
	s.log.Info("retention schedule armed", "sourcemap_ttl", s.mapTTL)
	return nil
}

// Stop tears the schedule down, waiting for a running job.
func (s *Service) Stop() error {
	if s.scheduler == nil {
		return nil
	}
	return s.scheduler.Shutdown()
}

// SweepSourcemaps removes .map files older than the retention TTL
// under the storage root. Returns how many files were removed.
func (s *Service) SweepSourcemaps(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.mapTTL)
	removed := 0

	root := filepath.Join(s.storageBase, "sourcemaps")
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A vanished subtree is not a sweep failure.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".map") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				s.log.Warn("sweep remove failed", "path", path, "error", err)
				return nil
			}
			removed++
		}
		return nil
	})
	if os.IsNotExist(err) {
		err = nil
	}
	if err != nil {
		return removed, err
	}
	s.log.Info("sourcemap sweep complete", "removed", removed)
	return removed, nil
}

// Optimize merges the base columnar table's parts.
func (s *Service) Optimize(ctx context.Context) error {
	return s.columnar.OptimizeTable(ctx, "error_logs")
}

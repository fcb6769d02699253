// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/mbaas/internal/config"
	"github.com/tombee/mbaas/internal/store"
)

// Names of the two schedulers the owner worker runs.
const (
	FormsUpdateScheduler = "forms-update"
	ExportScheduler      = "export"
)

// JobRunRetention is how long job run records are kept.
const JobRunRetention = 7 * 24 * time.Hour

// Models is the part of the store model layer the jobs use.
type Models interface {
	RunRecorder
	CountStatuses(ctx context.Context) (map[string]int64, error)
	PruneJobRuns(ctx context.Context, cutoff time.Time) (int64, error)
}

// FormsUpdateJob refreshes forms state. The backoff step is read from the
// live config on every run so a reload applies to the next tick.
func FormsUpdateJob(cfg *config.Store, models Models, logger *slog.Logger) Job {
	if logger == nil {
		logger = slog.Default()
	}
	return Job{
		Name:     FormsUpdateScheduler,
		Schedule: cfg.Current().Scheduler.FormsUpdate,
		Run: func(ctx context.Context) error {
			backoff := time.Duration(cfg.Current().Scheduler.MinsPerBackoffIndex) * time.Minute
			counts, err := models.CountStatuses(ctx)
			if err != nil {
				return err
			}
			logger.Info("forms update",
				slog.Duration("backoff_step", backoff),
				slog.Int64("deploy_updates", counts["deploy"]),
				slog.Int64("migration_updates", counts["migration"]))
			return nil
		},
	}
}

// ExportJob expires old job run records.
func ExportJob(cfg *config.Store, models Models, logger *slog.Logger) Job {
	if logger == nil {
		logger = slog.Default()
	}
	return Job{
		Name:     ExportScheduler,
		Schedule: cfg.Current().Scheduler.Export,
		Run: func(ctx context.Context) error {
			n, err := models.PruneJobRuns(ctx, time.Now().Add(-JobRunRetention))
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info("expired job runs", slog.Int64("count", n))
			}
			return nil
		},
	}
}

// Owner runs the forms-update and export schedulers.
type Owner struct {
	schedulers []*Scheduler
}

// OwnerOptions configures NewOwner.
type OwnerOptions struct {
	Config   *config.Store
	Models   Models
	WorkerID string
	Logger   *slog.Logger
	Recover  func()
}

// NewOwner builds both schedulers without starting them.
func NewOwner(opts OwnerOptions) (*Owner, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	build := func(name string, job Job) (*Scheduler, error) {
		s := New(Options{
			Name:     name,
			WorkerID: opts.WorkerID,
			Logger:   opts.Logger,
			Recorder: opts.Models,
			Recover:  opts.Recover,
		})
		if err := s.Add(job); err != nil {
			return nil, err
		}
		return s, nil
	}

	forms, err := build(FormsUpdateScheduler, FormsUpdateJob(opts.Config, opts.Models, opts.Logger))
	if err != nil {
		return nil, err
	}
	export, err := build(ExportScheduler, ExportJob(opts.Config, opts.Models, opts.Logger))
	if err != nil {
		return nil, err
	}
	return &Owner{schedulers: []*Scheduler{forms, export}}, nil
}

// Start starts both schedulers.
func (o *Owner) Start(ctx context.Context) {
	for _, s := range o.schedulers {
		s.Start(ctx)
	}
}

// Stop stops both schedulers.
func (o *Owner) Stop(ctx context.Context) error {
	var firstErr error
	for _, s := range o.schedulers {
		if err := s.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to stop scheduler: %w", err)
		}
	}
	return firstErr
}

// Schedulers returns the owned schedulers.
func (o *Owner) Schedulers() []*Scheduler {
	return o.schedulers
}

var _ Models = (*store.Models)(nil)

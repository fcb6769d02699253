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

// Package scheduler runs the periodic background jobs owned by the
// elected scheduler worker.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tombee/mbaas/internal/log"
	"github.com/tombee/mbaas/internal/store"
)

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule validates a cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// Job is a named periodic task.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// RunRecorder persists job executions. *store.Models implements it.
type RunRecorder interface {
	RecordJobRun(ctx context.Context, run store.JobRun) error
}

// Options configures a Scheduler.
type Options struct {
	Name     string
	WorkerID string
	Logger   *slog.Logger
	Recorder RunRecorder

	// Recover is deferred around every job execution. Pass the process
	// fault handler's Recover so a panicking job is fatal.
	Recover func()
}

// Scheduler runs jobs on their cron schedules. A job that is still
// running when its next tick arrives is skipped for that tick.
type Scheduler struct {
	name     string
	workerID string
	logger   *slog.Logger
	recorder RunRecorder
	recover  func()
	cron     *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates a stopped Scheduler.
func New(opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = log.WithComponent(logger, "scheduler").With(slog.String("scheduler", opts.Name))

	return &Scheduler{
		name:     opts.Name,
		workerID: opts.WorkerID,
		logger:   logger,
		recorder: opts.Recorder,
		recover:  opts.Recover,
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger})),
			cron.WithLogger(cronLogger{logger}),
		),
	}
}

// Add registers job. It must be called before Start.
func (s *Scheduler) Add(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("scheduler: job %q has no Run function", job.Name)
	}
	if _, err := s.cron.AddFunc(job.Schedule, func() { s.execute(job) }); err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for job %s: %w", job.Schedule, job.Name, err)
	}
	return nil
}

// Start begins running jobs. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.cron.Entries())))
}

// Stop cancels running jobs and waits for them until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	select {
	case <-s.cron.Stop().Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler %s: %w", s.name, ctx.Err())
	}
}

// Running reports whether Start has been called without Stop.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Scheduler) execute(job Job) {
	if s.recover != nil {
		defer s.recover()
	}

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	start := time.Now()
	err := job.Run(ctx)
	elapsed := time.Since(start)

	run := store.JobRun{
		Job:       job.Name,
		WorkerID:  s.workerID,
		StartedAt: start,
		Duration:  elapsed,
		Status:    "ok",
	}
	if err != nil {
		run.Status = "failed"
		run.Error = err.Error()
		s.logger.Warn("job failed", slog.String("job", job.Name), log.Error(err))
	} else {
		s.logger.Debug("job finished", slog.String("job", job.Name),
			slog.Int64(log.DurationKey, elapsed.Milliseconds()))
	}

	if s.recorder != nil && ctx.Err() == nil {
		if err := s.recorder.RecordJobRun(ctx, run); err != nil {
			s.logger.Warn("failed to record job run", slog.String("job", job.Name), log.Error(err))
		}
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

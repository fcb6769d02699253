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

// Package startup brings up a worker's subsystems as one unit.
//
// Tasks run concurrently and independently. The outcome is reported only
// after every task has settled, so a failing task never leaves a sibling
// half-started behind the caller's back.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tombee/mbaas/internal/log"
)

// Task is one independent initialization step.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// TaskError is the failure of a single task.
type TaskError struct {
	Task string
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("initialize %s: %v", e.Task, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// Result is the settled state of one task.
type Result struct {
	Task     string
	Err      error
	Duration time.Duration
}

// Outcome aggregates the results of one InitializeAll call.
type Outcome struct {
	// Results holds one entry per task, in task order.
	Results []Result

	// Elapsed is the wall time until every task settled.
	Elapsed time.Duration

	first *TaskError
}

// Err returns the first error observed, by completion time, or nil if
// every task succeeded.
func (o *Outcome) Err() error {
	if o.first == nil {
		return nil
	}
	return o.first
}

// OK reports whether every task succeeded.
func (o *Outcome) OK() bool {
	return o.first == nil
}

// Initializer runs task sets with logging, tracing and metrics.
type Initializer struct {
	logger   *slog.Logger
	tracer   trace.Tracer
	duration *prometheus.HistogramVec
}

// Option configures an Initializer.
type Option func(*Initializer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Initializer) { i.logger = logger }
}

// WithTracer sets the tracer used for per-task spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(i *Initializer) { i.tracer = tracer }
}

// WithRegisterer registers the task duration histogram with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(i *Initializer) {
		h := newDurationHistogram()
		if err := reg.Register(h); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
					h = existing
				}
			}
		}
		i.duration = h
	}
}

func newDurationHistogram() *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mbaas_init_task_duration_seconds",
			Help:    "Duration of worker initialization tasks by task and result",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"task", "result"},
	)
}

// New creates an Initializer.
func New(opts ...Option) *Initializer {
	i := &Initializer{
		logger: slog.Default(),
		tracer: otel.Tracer("github.com/tombee/mbaas/internal/startup"),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = log.WithComponent(i.logger, "startup")
	return i
}

// InitializeAll runs tasks with a default Initializer.
func InitializeAll(ctx context.Context, tasks ...Task) *Outcome {
	return New().InitializeAll(ctx, tasks...)
}

// InitializeAll runs every task concurrently and waits for all of them.
// Sibling tasks are not cancelled when one fails: the context passed to
// each task is ctx itself. A panic inside a task is reported as that
// task's error.
func (i *Initializer) InitializeAll(ctx context.Context, tasks ...Task) *Outcome {
	start := time.Now()
	out := &Outcome{Results: make([]Result, len(tasks))}

	var (
		mu    sync.Mutex
		group errgroup.Group
	)

	for idx, task := range tasks {
		group.Go(func() error {
			err := i.run(ctx, task, &out.Results[idx])

			if err != nil {
				mu.Lock()
				if out.first == nil {
					out.first = &TaskError{Task: task.Name, Err: err}
				}
				mu.Unlock()
			}
			return err
		})
	}

	// errgroup.Group without WithContext never cancels siblings and Wait
	// returns only after every Go call has returned.
	_ = group.Wait()

	out.Elapsed = time.Since(start)
	if out.first != nil {
		i.logger.Error("initialization failed",
			slog.String(log.TaskKey, out.first.Task),
			log.Error(out.first.Err),
			slog.Int64(log.DurationKey, out.Elapsed.Milliseconds()))
	} else {
		i.logger.Info("initialization complete",
			slog.Int("tasks", len(tasks)),
			slog.Int64(log.DurationKey, out.Elapsed.Milliseconds()))
	}
	return out
}

func (i *Initializer) run(ctx context.Context, task Task, res *Result) (err error) {
	ctx, span := i.tracer.Start(ctx, "init "+task.Name,
		trace.WithAttributes(attribute.String("mbaas.init.task", task.Name)))
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}

		res.Task = task.Name
		res.Err = err
		res.Duration = time.Since(start)

		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if i.duration != nil {
			i.duration.WithLabelValues(task.Name, result).Observe(res.Duration.Seconds())
		}

		i.logger.Debug("initialization task settled",
			slog.String(log.TaskKey, task.Name),
			slog.String("result", result),
			slog.Int64(log.DurationKey, res.Duration.Milliseconds()))
	}()

	if task.Run == nil {
		return fmt.Errorf("task %q has no run function", task.Name)
	}
	return task.Run(ctx)
}

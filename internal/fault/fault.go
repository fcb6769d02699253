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

// Package fault is the single fault boundary of an mbaasd process.
//
// Every goroutine a worker starts runs under Handler.Go, so a panic
// anywhere in the process, or a fault raised explicitly (for example by
// the store connection monitor), ends in Handler.Raise: the fault is
// logged with a stack trace, registered resources are released and the
// process exits with status 1. Termination signals take the same release
// path and exit with status 0.
package fault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/tombee/mbaas/internal/log"
)

const (
	// ExitClean is the exit status after a requested shutdown.
	ExitClean = 0

	// ExitFatal is the exit status after a fault or failed initialization.
	ExitFatal = 1
)

// DefaultReleaseTimeout bounds how long release hooks may run.
const DefaultReleaseTimeout = 5 * time.Second

// UnhandledFault wraps a panic value or raised error with the stack of
// the goroutine it was observed on.
type UnhandledFault struct {
	Err   error
	Stack []byte
}

func (f *UnhandledFault) Error() string {
	return "unhandled fault: " + f.Err.Error()
}

func (f *UnhandledFault) Unwrap() error {
	return f.Err
}

type releaser struct {
	name string
	fn   func(ctx context.Context) error
}

// Handler owns process termination.
type Handler struct {
	logger         *slog.Logger
	exit           func(code int)
	releaseTimeout time.Duration
	signals        <-chan os.Signal

	mu        sync.Mutex
	releasers []releaser
	started   atomic.Bool
	done      chan struct{}
	code      int
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger faults are written to.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// WithExit replaces os.Exit. Tests use it to observe the exit status.
func WithExit(exit func(code int)) Option {
	return func(h *Handler) { h.exit = exit }
}

// WithReleaseTimeout bounds how long release hooks may run.
func WithReleaseTimeout(d time.Duration) Option {
	return func(h *Handler) { h.releaseTimeout = d }
}

// WithSignals replaces the OS termination signal channel.
func WithSignals(ch <-chan os.Signal) Option {
	return func(h *Handler) { h.signals = ch }
}

// New creates a Handler. Install it once per process.
func New(opts ...Option) *Handler {
	h := &Handler{
		logger:         slog.Default(),
		exit:           os.Exit,
		releaseTimeout: DefaultReleaseTimeout,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = log.WithComponent(h.logger, "fault")
	return h
}

// OnRelease registers a hook run before the process exits. Hooks run in
// reverse registration order, like deferred calls.
func (h *Handler) OnRelease(name string, fn func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.releasers = append(h.releasers, releaser{name: name, fn: fn})
}

// Raise terminates the process because of err. Only the first call to
// Raise or Shutdown has an effect.
func (h *Handler) Raise(err error) {
	if err == nil {
		err = errors.New("nil fault")
	}
	var fault *UnhandledFault
	if !errors.As(err, &fault) {
		fault = &UnhandledFault{Err: err, Stack: debug.Stack()}
	}

	h.terminate(ExitFatal, func() {
		h.logger.Error("FATAL: unhandled fault, please report",
			log.Error(fault.Err),
			slog.String("stack", string(fault.Stack)))
	})
}

// Recover converts a panic on the calling goroutine into Raise. Use it
// as `defer h.Recover()`.
func (h *Handler) Recover() {
	r := recover()
	if r == nil {
		return
	}
	err, ok := r.(error)
	if !ok {
		err = fmt.Errorf("%v", r)
	}
	h.Raise(&UnhandledFault{Err: err, Stack: debug.Stack()})
}

// Go runs fn on a new goroutine under the fault boundary.
func (h *Handler) Go(fn func()) {
	go func() {
		defer h.Recover()
		fn()
	}()
}

// Shutdown releases resources and exits with code.
func (h *Handler) Shutdown(code int) {
	h.terminate(code, func() {
		h.logger.Info("shutting down", slog.Int("exit_code", code))
	})
}

// Done is closed once the handler has started terminating the process.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

// ExitCode reports the status passed to exit, valid after Done is closed.
func (h *Handler) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.code
}

// HandleSignals calls Shutdown(ExitClean) on SIGINT or SIGTERM. It returns
// when ctx is cancelled or a signal has been handled.
func (h *Handler) HandleSignals(ctx context.Context) {
	signals := h.signals
	if signals == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(ch)
		signals = ch
	}

	select {
	case <-ctx.Done():
	case sig := <-signals:
		h.logger.Info("received termination signal", slog.String("signal", sig.String()))
		h.Shutdown(ExitClean)
	}
}

func (h *Handler) terminate(code int, report func()) {
	// A fault raised while releasing (for example by a closing
	// connection) must not re-enter termination.
	if !h.started.CompareAndSwap(false, true) {
		return
	}

	h.mu.Lock()
	h.code = code
	releasers := make([]releaser, len(h.releasers))
	copy(releasers, h.releasers)
	h.mu.Unlock()

	report()
	close(h.done)
	h.release(releasers)
	h.exit(code)
}

func (h *Handler) release(releasers []releaser) {
	ctx, cancel := context.WithTimeout(context.Background(), h.releaseTimeout)
	defer cancel()

	for i := len(releasers) - 1; i >= 0; i-- {
		r := releasers[i]
		if err := r.fn(ctx); err != nil {
			h.logger.Warn("release failed", slog.String("resource", r.name), log.Error(err))
			continue
		}
		h.logger.Debug("released", slog.String("resource", r.name))
	}
}

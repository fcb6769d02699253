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

// Package reload applies configuration reloads to a running process.
//
// A reload is triggered by SIGHUP, by a "reload" control message from the
// supervisor, or by a change to the config file when config.watch is on.
// Reloads are serialized. A failed reload is logged and the previous
// snapshot stays active; a successful one rebuilds the logger and runs the
// registered hooks against the new snapshot.
package reload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tombee/mbaas/internal/config"
	"github.com/tombee/mbaas/internal/log"
)

// Hook reacts to a newly installed snapshot. Hook errors are logged; they
// do not roll back the reload.
type Hook func(ctx context.Context, snap *config.Snapshot) error

type namedHook struct {
	name string
	fn   Hook
}

// Broadcaster owns the reload path of one process.
type Broadcaster struct {
	store     *config.Store
	logs      *log.Switch
	logOutput io.Writer
	logger    *slog.Logger
	reloads   metric.Int64Counter

	mu    sync.Mutex
	hooks []namedHook
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithLogOutput sets where the rebuilt logger writes. Defaults to stderr.
func WithLogOutput(w io.Writer) Option {
	return func(b *Broadcaster) { b.logOutput = w }
}

// WithMeter records reload outcomes on meter.
func WithMeter(meter metric.Meter) Option {
	return func(b *Broadcaster) {
		c, err := meter.Int64Counter("mbaas.config.reloads",
			metric.WithDescription("Configuration reload attempts by result."))
		if err == nil {
			b.reloads = c
		}
	}
}

// New creates a Broadcaster reloading store and rebuilding logs.
func New(store *config.Store, logs *log.Switch, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		store:     store,
		logs:      logs,
		logOutput: os.Stderr,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = log.WithComponent(slog.New(logs), "reload")
	return b
}

// OnReload registers fn to run after every successful reload, in
// registration order.
func (b *Broadcaster) OnReload(name string, fn Hook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, namedHook{name: name, fn: fn})
}

// Reload re-reads the configuration. Concurrent calls run one at a time.
// The returned error is the load failure, if any; hook failures are
// logged only.
func (b *Broadcaster) Reload(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap, err := b.store.Reload()
	if err != nil {
		b.logger.Error("config not reloaded, please fix and try again",
			slog.String("path", b.store.Path()),
			log.Error(err))
		b.record(ctx, "failed")
		return fmt.Errorf("reload failed: %w", err)
	}

	b.logs.Set(log.NewHandler(LoggerConfig(snap, b.logOutput)))
	b.logger.Info("config reloaded", slog.String("path", snap.Path))

	for _, h := range b.hooks {
		if err := h.fn(ctx, snap); err != nil {
			b.logger.Warn("reload hook failed", slog.String("hook", h.name), log.Error(err))
		}
	}
	b.record(ctx, "ok")
	return nil
}

func (b *Broadcaster) record(ctx context.Context, result string) {
	if b.reloads != nil {
		b.reloads.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

// ListenSignals reloads on every SIGHUP until ctx is done. A nil signals
// channel subscribes to the real SIGHUP.
func (b *Broadcaster) ListenSignals(ctx context.Context, signals <-chan os.Signal) {
	if signals == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGHUP)
		defer signal.Stop(ch)
		signals = ch
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-signals:
			// The error has already been logged.
			_ = b.Reload(ctx)
		}
	}
}

// LoggerConfig derives the process logger configuration from snap.
// MBAAS_DEBUG still forces debug output.
func LoggerConfig(snap *config.Snapshot, out io.Writer) *log.Config {
	cfg := log.FromEnv()
	cfg.Output = out
	if os.Getenv("MBAAS_DEBUG") != "" {
		return cfg
	}
	if snap.Log.Level != "" {
		cfg.Level = snap.Log.Level
	}
	if snap.Log.Format != "" {
		cfg.Format = log.Format(snap.Log.Format)
	}
	cfg.AddSource = cfg.AddSource || snap.Log.AddSource
	return cfg
}

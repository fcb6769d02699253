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

// Package store owns a worker's data store connection.
//
// A Handle is opened once per worker process and never shared with other
// processes. Any asynchronous error or loss of the connection moves the
// Handle to the terminal StateFaulted and emits an Event; there is no
// reconnect. The Monitor turns those events into a process fault.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/tombee/mbaas/internal/log"
)

// State is the lifecycle state of a Handle.
type State int32

const (
	StateIdle State = iota
	StateConnected
	StateFaulted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateFaulted:
		return "faulted"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// EventType names a connection lifecycle event.
type EventType string

const (
	// EventError is emitted when an operation reports a connection error.
	EventError EventType = "error"

	// EventDisconnected is emitted when the liveness probe loses the connection.
	EventDisconnected EventType = "disconnected"
)

// Event is delivered to listeners registered with On.
type Event struct {
	Type EventType
	Err  error
	At   time.Time
}

var (
	// ErrClosed is returned by operations on a closed Handle.
	ErrClosed = errors.New("store: handle closed")

	// ErrFaulted is returned by operations on a faulted Handle.
	ErrFaulted = errors.New("store: handle faulted")
)

// Config describes a store connection.
type Config struct {
	// Driver is "postgres" or "sqlite".
	Driver string

	// URL is the connection string, or the database path for sqlite.
	URL string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// ConnectTimeout bounds the initial ping. Zero means 10s.
	ConnectTimeout time.Duration

	// PingInterval is the liveness probe period. Zero disables the probe.
	PingInterval time.Duration

	Logger *slog.Logger
}

// Handle is a single-owner connection to the data store.
type Handle struct {
	cfg    Config
	db     *sql.DB
	logger *slog.Logger

	state atomic.Int32

	mu        sync.Mutex
	listeners map[EventType][]func(Event)

	probeOnce sync.Once
	stopProbe chan struct{}
	probeDone chan struct{}
}

// driverName maps a configured driver to its database/sql driver name.
func driverName(driver string) (string, error) {
	switch driver {
	case "postgres":
		return "pgx", nil
	case "sqlite":
		return "sqlite", nil
	default:
		return "", fmt.Errorf("store: unsupported driver %q", driver)
	}
}

// Open connects to the store and verifies the connection with a ping.
// The returned Handle is in StateConnected.
func Open(ctx context.Context, cfg Config) (*Handle, error) {
	name, err := driverName(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open(name, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if name == "sqlite" {
		// SQLite serializes writes, so only 1 connection for writes
		db.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if name == "sqlite" {
		if _, err := db.ExecContext(pingCtx, "PRAGMA busy_timeout=5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure sqlite: %w", err)
		}
	}

	h := &Handle{
		cfg:       cfg,
		db:        db,
		logger:    log.WithComponent(logger, "store").With(slog.String("driver", cfg.Driver)),
		listeners: make(map[EventType][]func(Event)),
		stopProbe: make(chan struct{}),
		probeDone: make(chan struct{}),
	}
	h.state.Store(int32(StateConnected))
	h.logger.Info("data store connected")
	return h, nil
}

// DB returns the underlying pool.
func (h *Handle) DB() *sql.DB {
	return h.db
}

// Driver returns the configured driver name.
func (h *Handle) Driver() string {
	return h.cfg.Driver
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	return State(h.state.Load())
}

// On registers fn for events of type t. Listeners run synchronously on
// the goroutine that observed the event.
func (h *Handle) On(t EventType, fn func(Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners[t] = append(h.listeners[t], fn)
}

// ReportError marks the connection as faulted because an operation hit
// err. It is a no-op unless the Handle is connected.
func (h *Handle) ReportError(err error) {
	h.emit(Event{Type: EventError, Err: err, At: time.Now()})
}

// Ping checks the connection without emitting events.
func (h *Handle) Ping(ctx context.Context) error {
	switch h.State() {
	case StateClosed:
		return ErrClosed
	case StateFaulted:
		return ErrFaulted
	}
	return h.db.PingContext(ctx)
}

// StartProbe begins the liveness probe. A failed ping emits
// EventDisconnected. It is a no-op when PingInterval is zero and may be
// called at most once; later calls are ignored.
func (h *Handle) StartProbe(ctx context.Context, spawn func(func())) {
	if h.cfg.PingInterval <= 0 {
		return
	}
	if spawn == nil {
		spawn = func(fn func()) { go fn() }
	}
	h.probeOnce.Do(func() {
		spawn(func() { h.probe(ctx) })
	})
}

func (h *Handle) probe(ctx context.Context) {
	ev, lost := h.watch(ctx)
	// probeDone is closed before listeners run: a listener that ends up
	// closing the Handle must not wait on this goroutine.
	close(h.probeDone)
	if lost {
		h.emit(ev)
	}
}

func (h *Handle) watch(ctx context.Context) (Event, bool) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Event{}, false
		case <-h.stopProbe:
			return Event{}, false
		case <-ticker.C:
			if h.State() != StateConnected {
				return Event{}, false
			}
			pingCtx, cancel := context.WithTimeout(ctx, h.cfg.PingInterval)
			err := h.db.PingContext(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				return Event{Type: EventDisconnected, Err: err, At: time.Now()}, true
			}
		}
	}
}

// emit moves a connected Handle to StateFaulted and notifies listeners.
// Only the first event after connecting is delivered.
func (h *Handle) emit(ev Event) {
	if !h.state.CompareAndSwap(int32(StateConnected), int32(StateFaulted)) {
		return
	}

	h.mu.Lock()
	listeners := slices.Clone(h.listeners[ev.Type])
	h.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

// Close releases the connection. Closing is not a disconnect: no event is
// emitted. Close is safe to call more than once.
func (h *Handle) Close() error {
	prev := State(h.state.Swap(int32(StateClosed)))
	if prev == StateClosed {
		return nil
	}

	h.probeOnce.Do(func() { close(h.probeDone) })
	select {
	case <-h.stopProbe:
	default:
		close(h.stopProbe)
	}
	<-h.probeDone

	if err := h.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	h.logger.Info("data store connection closed", slog.String("previous_state", prev.String()))
	return nil
}

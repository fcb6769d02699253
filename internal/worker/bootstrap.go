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

// Package worker runs one mbaasd worker process: it attaches the fault
// boundary and config reload, initializes every subsystem in parallel,
// serves HTTP, and runs the special roles the supervisor elects it for.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tombee/mbaas/internal/api"
	"github.com/tombee/mbaas/internal/auth"
	"github.com/tombee/mbaas/internal/config"
	"github.com/tombee/mbaas/internal/fault"
	"github.com/tombee/mbaas/internal/lifecycle"
	"github.com/tombee/mbaas/internal/log"
	"github.com/tombee/mbaas/internal/messaging"
	"github.com/tombee/mbaas/internal/middleware"
	"github.com/tombee/mbaas/internal/reload"
	"github.com/tombee/mbaas/internal/startup"
	"github.com/tombee/mbaas/internal/store"
	"github.com/tombee/mbaas/internal/supervisor"
	"github.com/tombee/mbaas/internal/telemetry"
	"github.com/tombee/mbaas/internal/tracing"
)

// Descriptor identifies the worker process being bootstrapped.
type Descriptor struct {
	ID  string
	Seq int
	Pid int
}

// DescriptorFromEnv reads the identity the supervisor passed to a forked
// worker.
func DescriptorFromEnv() (Descriptor, error) {
	id := os.Getenv(supervisor.EnvWorkerID)
	if id == "" {
		return Descriptor{}, fmt.Errorf("%s is not set", supervisor.EnvWorkerID)
	}
	seq, err := strconv.Atoi(os.Getenv(supervisor.EnvWorkerSeq))
	if err != nil {
		return Descriptor{}, fmt.Errorf("invalid %s: %w", supervisor.EnvWorkerSeq, err)
	}
	return Descriptor{ID: id, Seq: seq, Pid: os.Getpid()}, nil
}

// Standalone describes the only process in single-process mode.
func Standalone() Descriptor {
	return Descriptor{ID: supervisor.WorkerID(1), Seq: 1, Pid: os.Getpid()}
}

// ErrInitFailed is returned by Run when subsystem initialization failed.
var ErrInitFailed = errors.New("worker initialization failed")

// Options configures a Bootstrap.
type Options struct {
	Config  *config.Store
	Logs    *log.Switch
	Version string

	// Control is the channel to the supervisor. Nil in single-process
	// mode.
	Control *supervisor.Conn

	// AllRoles runs every role in Roles once initialization succeeds,
	// without waiting for an election.
	AllRoles bool

	// Listener overrides binding service.host:service.port.
	Listener net.Listener

	// PIDFile, when set, is held for the life of the process. Used in
	// single-process mode where no supervisor owns it.
	PIDFile string

	// Exit, Signals and ReloadSignals replace process-level hooks in tests.
	Exit          func(code int)
	Signals       <-chan os.Signal
	ReloadSignals <-chan os.Signal

	// LogOutput receives logs after a reload rebuilds the handler.
	LogOutput io.Writer
}

// Bootstrap owns the subsystems of one worker process.
type Bootstrap struct {
	opts Options
	desc Descriptor

	logger   *slog.Logger
	fault    *fault.Handler
	reload   *reload.Broadcaster
	registry *prometheus.Registry
	tracing  *tracing.Provider

	stack  middleware.Stack
	auth   *auth.Service
	// authMu orders the auth init task against reload hooks.
	authMu sync.Mutex
	store  atomic.Pointer[store.Handle]
	models atomic.Pointer[store.Models]
	msg    atomic.Pointer[messaging.Conn]
	server *api.Server

	rolesMu sync.Mutex
	started map[string]bool
}

// New returns a Bootstrap for opts.
func New(opts Options) *Bootstrap {
	if opts.Logs == nil {
		opts.Logs = log.NewSwitch(log.NewHandler(log.FromEnv()))
	}
	if opts.LogOutput == nil {
		opts.LogOutput = os.Stderr
	}
	return &Bootstrap{opts: opts, started: make(map[string]bool)}
}

// Run brings the worker up and blocks until the process terminates. In
// production termination exits the process; with an injected Exit, Run
// returns once termination has begun.
func (b *Bootstrap) Run(ctx context.Context, desc Descriptor) error {
	if b.opts.Config == nil {
		return errors.New("worker: config store is required")
	}
	b.desc = desc
	b.logger = log.WithWorker(b.opts.Logs.Logger(), desc.ID)
	snap := b.opts.Config.Current()

	b.auth = auth.NewService(b.logger)

	faultOpts := []fault.Option{fault.WithLogger(b.logger), fault.WithSignals(b.opts.Signals)}
	if b.opts.Exit != nil {
		faultOpts = append(faultOpts, fault.WithExit(b.opts.Exit))
	}
	b.fault = fault.New(faultOpts...)
	defer b.fault.Recover()
	b.fault.Go(func() { b.fault.HandleSignals(ctx) })

	if b.opts.PIDFile != "" {
		pidMgr := lifecycle.NewPIDFileManager(b.opts.PIDFile)
		if err := pidMgr.Acquire(desc.Pid); err != nil {
			b.fault.Shutdown(fault.ExitFatal)
			return fmt.Errorf("%w: %w", ErrInitFailed, err)
		}
		b.fault.OnRelease("pid-file", func(context.Context) error { return pidMgr.Remove() })
	}

	b.registry = telemetry.NewRegistry()
	tp, err := tracing.New(ctx, tracing.Config{
		ServiceName:    snap.Service.Name,
		ServiceVersion: b.opts.Version,
		WorkerID:       desc.ID,
		Exporter:       snap.Tracing.Exporter,
		Endpoint:       snap.Tracing.Endpoint,
		Insecure:       snap.Tracing.Insecure,
		Registerer:     b.registry,
	})
	if err != nil {
		b.logger.Error("tracing disabled", log.Error(err))
	}
	b.tracing = tp
	b.fault.OnRelease("tracing", tp.Shutdown)

	if err := b.attachReload(ctx, snap); err != nil {
		b.logger.Error("config watch disabled", log.Error(err))
	}

	if snap.Metrics.Enabled {
		sampler, err := telemetry.NewSampler(b.registry, desc.ID, snap.Metrics.MemoryInterval, snap.Metrics.CPUInterval)
		if err != nil {
			b.logger.Error("resource telemetry disabled", log.Error(err))
		} else {
			b.fault.Go(func() { sampler.Run(ctx) })
		}
	}

	initializer := startup.New(
		startup.WithLogger(b.logger),
		startup.WithTracer(tp.Tracer("mbaas/startup")),
		startup.WithRegisterer(b.registry),
	)
	outcome := initializer.InitializeAll(ctx, b.tasks(snap)...)
	if err := outcome.Err(); err != nil {
		b.logger.Error("worker initialization failed", log.Error(err))
		b.fault.Shutdown(fault.ExitFatal)
		return fmt.Errorf("%w: %w", ErrInitFailed, err)
	}

	if err := b.serve(snap); err != nil {
		b.logger.Error("failed to start http server", log.Error(err))
		b.fault.Shutdown(fault.ExitFatal)
		return fmt.Errorf("%w: %w", ErrInitFailed, err)
	}

	b.logger.Info("mbaasd worker started",
		slog.String("version", b.opts.Version),
		slog.Int("port", snap.Service.Port),
		slog.Int("pid", desc.Pid),
		log.Duration("startup", outcome.Elapsed.Milliseconds()))

	if err := b.reportReady(ctx); err != nil {
		b.fault.Raise(err)
		return err
	}

	select {
	case <-b.fault.Done():
	case <-ctx.Done():
		b.fault.Shutdown(fault.ExitClean)
	}
	if code := b.fault.ExitCode(); code != fault.ExitClean {
		return fmt.Errorf("worker exited with code %d", code)
	}
	return nil
}

func (b *Bootstrap) attachReload(ctx context.Context, snap *config.Snapshot) error {
	b.reload = reload.New(b.opts.Config, b.opts.Logs,
		reload.WithLogOutput(b.opts.LogOutput),
		reload.WithMeter(b.tracing.Meter("mbaas/reload")),
	)
	b.reload.OnReload("auth", func(_ context.Context, snap *config.Snapshot) error {
		b.authMu.Lock()
		defer b.authMu.Unlock()
		return b.auth.Update(authConfig(snap.Auth))
	})

	switch {
	case b.opts.Control == nil:
		b.fault.Go(func() { b.reload.ListenSignals(ctx, b.opts.ReloadSignals) })
	case b.opts.ReloadSignals == nil:
		// The supervisor relays SIGHUP as a reload control message.
		signal.Ignore(syscall.SIGHUP)
	}

	// Supervised workers get file changes relayed by the supervisor.
	if !snap.Config.Watch || b.opts.Control != nil {
		return nil
	}
	return b.reload.WatchFile(ctx, reload.DefaultDebounce)
}

// tasks is the fixed initialization set. Tasks run concurrently, so each
// one only touches its own subsystem.
func (b *Bootstrap) tasks(snap *config.Snapshot) []startup.Task {
	return []startup.Task{
		{Name: "middleware", Run: func(ctx context.Context) error {
			return b.stack.Init(ctx, middleware.StackConfig{
				CORS:           corsConfig(snap.Service.CORSOrigins),
				MaxPayloadSize: snap.Service.MaxPayloadSize,
				Metrics:        snap.Metrics.Enabled,
				Registerer:     b.registry,
				Logger:         func() *slog.Logger { return b.logger },
			})
		}},
		{Name: "store", Run: func(ctx context.Context) error {
			return b.initStore(ctx, snap.Store)
		}},
		{Name: "messaging", Run: func(ctx context.Context) error {
			return b.initMessaging(ctx, snap.Messaging)
		}},
		{Name: "auth", Run: func(ctx context.Context) error {
			// A reload may have landed since snap was taken.
			b.authMu.Lock()
			defer b.authMu.Unlock()
			return b.auth.Init(ctx, authConfig(b.opts.Config.Current().Auth))
		}},
	}
}

func (b *Bootstrap) initStore(ctx context.Context, cfg config.StoreConfig) error {
	h, err := store.Open(ctx, store.Config{
		Driver:          cfg.Driver,
		URL:             cfg.URL,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnectTimeout:  cfg.ConnectTimeout,
		PingInterval:    cfg.PingInterval,
		Logger:          b.logger,
	})
	if err != nil {
		return err
	}
	b.fault.OnRelease("store", func(context.Context) error { return h.Close() })
	store.NewMonitor(b.fault, b.logger).Watch(h)

	models := store.NewModels(h)
	if err := models.Migrate(ctx); err != nil {
		return err
	}
	b.store.Store(h)
	b.models.Store(models)

	// The probe outlives initialization; it stops when the handle closes.
	h.StartProbe(context.WithoutCancel(ctx), b.fault.Go)
	return nil
}

func (b *Bootstrap) initMessaging(ctx context.Context, cfg config.MessagingConfig) error {
	if !cfg.Enabled {
		b.logger.Debug("messaging disabled")
		return nil
	}
	conn, err := messaging.Connect(ctx, cfg.URL, b.logger)
	if err != nil {
		return err
	}
	b.fault.OnRelease("messaging", func(context.Context) error { return conn.Close() })

	listenCtx := context.WithoutCancel(ctx)
	subs := []struct{ kind, channel string }{
		{"deploy", cfg.DeployStatusChannel},
		{"migration", cfg.MigrationStatusChannel},
	}
	for _, sub := range subs {
		h := messaging.StatusHandler(sub.kind, b.logger, b.recordStatus)
		if err := conn.Listen(listenCtx, sub.channel, h, b.fault.Go); err != nil {
			return err
		}
	}
	b.msg.Store(conn)
	return nil
}

func (b *Bootstrap) recordStatus(ctx context.Context, kind string, u messaging.StatusUpdate) error {
	models := b.models.Load()
	if models == nil {
		return errors.New("data store not ready")
	}
	return models.RecordStatus(ctx, store.StatusRecord{
		Kind:        kind,
		AppID:       u.AppID,
		Environment: u.Environment,
		Status:      u.Status,
		Message:     u.Message,
		ReceivedAt:  u.Time,
	})
}

func (b *Bootstrap) serve(snap *config.Snapshot) error {
	b.server = api.New(api.Options{
		Addr:     snap.Service.Addr(),
		Version:  b.opts.Version,
		WorkerID: b.desc.ID,
		Checks:   b.checks(),
		Gatherer: b.registry,
		Wrap: func(h http.Handler) http.Handler {
			return b.stack.Wrap(b.auth.Middleware(h))
		},
		Logger: b.logger,
	})
	b.mountRoutes(b.server)

	ln := b.opts.Listener
	if ln == nil {
		var err error
		if ln, err = b.server.Listen(); err != nil {
			return err
		}
	}
	b.fault.OnRelease("http", b.server.Shutdown)
	b.fault.Go(func() {
		if err := b.server.Serve(ln); err != nil {
			b.fault.Raise(fmt.Errorf("http server: %w", err))
		}
	})
	return nil
}

func (b *Bootstrap) checks() []api.Check {
	checks := []api.Check{{Name: "store", Run: func(ctx context.Context) error {
		h := b.store.Load()
		if h == nil {
			return errors.New("not initialized")
		}
		return h.Ping(ctx)
	}}}
	if conn := b.msg.Load(); conn != nil {
		checks = append(checks, api.Check{Name: "messaging", Run: conn.Ping})
	}
	return checks
}

// reportReady tells the supervisor initialization succeeded and starts
// relaying its control messages. In single-process mode it runs every
// role instead.
func (b *Bootstrap) reportReady(ctx context.Context) error {
	if b.opts.Control == nil {
		if b.opts.AllRoles {
			for _, name := range RoleNames() {
				b.runRole(ctx, name)
			}
		}
		return nil
	}

	b.fault.Go(func() { b.readControl(ctx) })
	if err := b.opts.Control.Send(supervisor.Message{Type: supervisor.MsgReady, WorkerID: b.desc.ID}); err != nil {
		return fmt.Errorf("failed to report ready: %w", err)
	}
	return nil
}

func (b *Bootstrap) readControl(ctx context.Context) {
	for {
		msg, err := b.opts.Control.Recv()
		if err != nil {
			// The supervisor is gone; nothing will replace this worker's
			// role, so stop serving.
			b.logger.Warn("control channel closed", log.Error(err))
			b.fault.Shutdown(fault.ExitClean)
			return
		}

		switch msg.Type {
		case supervisor.MsgEvent:
			b.runRole(ctx, msg.Event)
		case supervisor.MsgReload:
			_ = b.reload.Reload(ctx)
		default:
			b.logger.Warn("unexpected control message", slog.String("type", msg.Type))
		}
	}
}

func authConfig(c config.AuthConfig) auth.Config {
	return auth.Config{
		Enabled:     c.Enabled,
		Secret:      c.Secret,
		Issuer:      c.Issuer,
		Audience:    c.Audience,
		ClockSkew:   c.ClockSkew,
		PublicPaths: c.PublicPaths,
	}
}

func corsConfig(origins []string) middleware.CORSConfig {
	cfg := middleware.DefaultCORSConfig()
	if len(origins) > 0 {
		cfg.AllowedOrigins = origins
	}
	return cfg
}

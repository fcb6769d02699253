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

package serve

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/tombee/mbaas/internal/commands/shared"
	"github.com/tombee/mbaas/internal/config"
	"github.com/tombee/mbaas/internal/fault"
	"github.com/tombee/mbaas/internal/lifecycle"
	"github.com/tombee/mbaas/internal/log"
	"github.com/tombee/mbaas/internal/reload"
	"github.com/tombee/mbaas/internal/supervisor"
	"github.com/tombee/mbaas/internal/worker"
)

// WorkerChildFlag marks a process forked by the supervisor.
const WorkerChildFlag = "worker-child"

type options struct {
	debug       bool
	masterOnly  bool
	workers     int
	workerChild bool
}

func (o options) singleProcess() bool {
	return o.debug || o.masterOnly
}

// NewCommand creates the serve command.
func NewCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "serve <config>",
		Short: "Run the mbaasd worker fleet",
		Long: `Start the supervisor, which forks one worker per CPU (or --workers),
replaces workers that exit and elects one worker to run the schedulers.

With -d or --master-only everything runs in this process: no workers are
forked and the schedulers start as soon as initialization succeeds.`,
		Example: `  mbaasd serve /etc/mbaasd/config.yaml
  mbaasd serve config.yaml --workers 4
  mbaasd serve config.yaml -d`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[0], opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.debug, "debug", "d", false, "Single-process mode with debug-friendly defaults")
	cmd.Flags().BoolVar(&opts.masterOnly, "master-only", false, "Single-process mode")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "Number of worker processes (default: cluster.workers, then one per CPU)")
	cmd.Flags().BoolVar(&opts.workerChild, WorkerChildFlag, false, "Run as a worker forked by the supervisor")
	_ = cmd.Flags().MarkHidden(WorkerChildFlag)

	return cmd
}

func run(ctx context.Context, path string, opts options) error {
	logs := log.NewSwitch(log.NewHandler(log.FromEnv()))
	slog.SetDefault(logs.Logger())

	abs, err := filepath.Abs(path)
	if err != nil {
		return shared.NewFatalError("invalid config path", err)
	}
	cfg, err := config.NewStore(abs)
	if err != nil {
		logs.Logger().Error("failed to load config", log.Error(err))
		return shared.NewFatalError("failed to load config", err)
	}
	logs.Set(log.NewHandler(reload.LoggerConfig(cfg.Current(), os.Stderr)))

	version, _, _ := shared.GetVersion()
	switch {
	case opts.workerChild:
		return runWorker(ctx, cfg, logs, version)
	case opts.singleProcess():
		return runStandalone(ctx, cfg, logs, version)
	default:
		return runSupervisor(ctx, abs, cfg, logs, version, opts)
	}
}

func runWorker(ctx context.Context, cfg *config.Store, logs *log.Switch, version string) error {
	desc, err := worker.DescriptorFromEnv()
	if err != nil {
		return shared.NewFatalError("not started by a supervisor", err)
	}
	conn, err := supervisor.ChildConn()
	if err != nil {
		return shared.NewFatalError("not started by a supervisor", err)
	}

	b := worker.New(worker.Options{Config: cfg, Logs: logs, Version: version, Control: conn})
	if err := b.Run(ctx, desc); err != nil {
		return shared.NewFatalError(desc.ID+" failed", err)
	}
	return nil
}

func runStandalone(ctx context.Context, cfg *config.Store, logs *log.Switch, version string) error {
	logs.Logger().Info("running in single-process mode")
	b := worker.New(worker.Options{
		Config:   cfg,
		Logs:     logs,
		Version:  version,
		AllRoles: true,
		PIDFile:  shared.PIDFile(cfg.Current().Cluster.PIDFile),
	})
	if err := b.Run(ctx, worker.Standalone()); err != nil {
		return shared.NewFatalError("mbaasd failed", err)
	}
	return nil
}

func runSupervisor(ctx context.Context, configPath string, cfg *config.Store, logs *log.Switch, version string, opts options) error {
	snap := cfg.Current()
	logger := logs.Logger()

	h := fault.New(fault.WithLogger(logger))
	defer h.Recover()

	pidMgr := lifecycle.NewPIDFileManager(shared.PIDFile(snap.Cluster.PIDFile))
	if err := pidMgr.Acquire(os.Getpid()); err != nil {
		return shared.NewFatalError("failed to write PID file", err)
	}
	defer pidMgr.Remove()
	h.OnRelease("pid-file", func(context.Context) error { return pidMgr.Remove() })

	launcher, err := supervisor.NewExecLauncher("serve", configPath, "--"+WorkerChildFlag)
	if err != nil {
		return shared.NewFatalError("failed to prepare workers", err)
	}

	workers := workerCount(opts.workers, snap.Cluster.Workers)
	sup, err := supervisor.New(supervisor.Options{
		Workers: workers,
		Special: []supervisor.SpecialEvent{{
			EventID:           worker.EventStartScheduler,
			PreferredWorkerID: snap.Scheduler.PreferredWorkerID,
		}},
		Launcher:        launcher,
		ElectionGrace:   snap.Cluster.ElectionGrace,
		RespawnLimit:    respawnLimit(snap.Cluster.RespawnPerMinute),
		RespawnBurst:    snap.Cluster.RespawnBurst,
		ShutdownTimeout: snap.Cluster.ShutdownTimeout,
		Logger:          logger,
	})
	if err != nil {
		return shared.NewFatalError("invalid cluster configuration", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	broadcaster := reload.New(cfg, logs)
	broadcaster.OnReload("workers", func(context.Context, *config.Snapshot) error {
		if !sup.Broadcast(supervisor.Message{Type: supervisor.MsgReload}) {
			return errors.New("failed to relay reload to workers")
		}
		return nil
	})
	h.Go(func() { broadcaster.ListenSignals(ctx, nil) })
	if snap.Config.Watch {
		if err := broadcaster.WatchFile(ctx, reload.DefaultDebounce); err != nil {
			logger.Error("config watch disabled", log.Error(err))
		}
	}

	logger.Info("mbaasd supervisor started",
		slog.String("version", version),
		slog.Int("workers", workers),
		slog.Int("pid", os.Getpid()),
		slog.String("pid_file", pidMgr.Path()))

	if err := sup.Run(ctx); err != nil {
		var spawnErr *supervisor.SpawnError
		if errors.As(err, &spawnErr) {
			return shared.NewFatalError("failed to spawn worker", err)
		}
		return shared.NewFatalError("supervisor failed", err)
	}
	logger.Info("mbaasd supervisor stopped")
	return nil
}

// workerCount resolves the fleet size: the flag, then config, then one
// per CPU.
func workerCount(flag, configured int) int {
	switch {
	case flag > 0:
		return flag
	case configured > 0:
		return configured
	default:
		return runtime.NumCPU()
	}
}

// respawnLimit converts a per-minute budget into a rate. Zero keeps the
// supervisor default.
func respawnLimit(perMinute int) rate.Limit {
	if perMinute <= 0 {
		return 0
	}
	return rate.Limit(float64(perMinute) / 60)
}

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

package control

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/mbaas/internal/commands/shared"
	"github.com/tombee/mbaas/internal/lifecycle"
)

// NewReloadCommand creates the reload command.
func NewReloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reload [config]",
		Short: "Reload the configuration of a running mbaasd",
		Long: `Send SIGHUP to the running supervisor. The supervisor reloads its own
configuration and relays the reload to every worker. A configuration that
fails to load is logged and the previous one stays active.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := pidFilePath(args)
			if err != nil {
				return err
			}
			pid, err := lifecycle.Signal(path, syscall.SIGHUP)
			if err != nil {
				return shared.NewFatalError("failed to reload", err)
			}
			cmd.Printf("Sent SIGHUP to mbaasd (PID %d)\n", pid)
			return nil
		},
	}
}

// NewStopCommand creates the stop command.
func NewStopCommand() *cobra.Command {
	var (
		timeout time.Duration
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "stop [config]",
		Short: "Stop a running mbaasd",
		Long: `Stop the running supervisor gracefully. It terminates its workers
before exiting.

The stop command is idempotent: if mbaasd is not running, it exits
successfully after cleaning up a stale PID file.`,
		Example: `  mbaasd stop
  mbaasd stop /etc/mbaasd/config.yaml --timeout 60s --force`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := pidFilePath(args)
			if err != nil {
				return err
			}
			return runStop(cmd, path, timeout, force)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Graceful shutdown timeout")
	cmd.Flags().BoolVar(&force, "force", false, "Send SIGKILL if the timeout is exceeded")

	return cmd
}

func runStop(cmd *cobra.Command, path string, timeout time.Duration, force bool) error {
	pidMgr := lifecycle.NewPIDFileManager(path)
	pid, err := pidMgr.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cmd.Println("mbaasd is not running (no PID file)")
			return nil
		}
		return shared.NewFatalError("failed to read PID file", err)
	}

	if !lifecycle.IsProcessRunning(pid) {
		cmd.Printf("mbaasd process %d is not running (removing stale PID file)\n", pid)
		if err := pidMgr.Remove(); err != nil {
			return fmt.Errorf("failed to remove stale PID file: %w", err)
		}
		return nil
	}
	if !lifecycle.IsMbaasProcess(pid) {
		return shared.NewFatalError("refusing to stop", fmt.Errorf("%w: pid %d", lifecycle.ErrNotMbaasProcess, pid))
	}

	cmd.Printf("Stopping mbaasd (PID %d)...\n", pid)
	start := time.Now()
	if err := lifecycle.GracefulShutdown(pid, timeout, force); err != nil {
		return shared.NewFatalError("failed to stop mbaasd", err)
	}

	// The supervisor removes its own PID file; this covers a SIGKILL.
	if pidMgr.Exists() {
		if err := pidMgr.Remove(); err != nil {
			cmd.PrintErrf("Warning: failed to remove PID file: %v\n", err)
		}
	}
	cmd.Printf("mbaasd stopped in %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}

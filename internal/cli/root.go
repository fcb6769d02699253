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

package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/mbaas/internal/commands/shared"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for mbaasd
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mbaasd",
		Short: "mbaasd - mobile backend service",
		Long: `mbaasd serves the mobile backend API from a fleet of worker processes.

Run 'mbaasd serve <config>' to start the supervisor and its workers.
Run 'mbaasd serve <config> -d' to run everything in a single process.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	json, pidFile := shared.RegisterFlagPointers()
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(pidFile, "pid-file", "", "Supervisor PID file (default: cluster.pid_file or $XDG_RUNTIME_DIR/mbaasd.pid)")

	return cmd
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}

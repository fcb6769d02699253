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

/*
Package cli provides the root command for mbaasd.

# Command Tree

	mbaasd
	├── serve         Run the worker fleet (or a single process with -d)
	├── config show   Print the effective configuration
	├── ping          Wait for a worker's health endpoint
	├── reload        Send SIGHUP to the running supervisor
	├── stop          Stop the running supervisor
	└── version       Show version

# Usage

From main.go:

	cli.SetVersion(version, commit, date)
	rootCmd := cli.NewRootCommand()
	// ... add commands ...
	if err := rootCmd.Execute(); err != nil {
	    cli.HandleExitError(err)
	}

# Global Flags

	--json           Output in JSON format
	--pid-file       Supervisor PID file
*/
package cli

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

package shared

import (
	"os"
	"path/filepath"
)

// Global flag values - set by root command
var (
	jsonFlag    bool
	pidFileFlag string

	// Build-time version information
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// DefaultPIDFileName is the supervisor PID file used when neither
// --pid-file nor cluster.pid_file is set.
const DefaultPIDFileName = "mbaasd.pid"

// RegisterFlagPointers returns pointers to flag variables for binding.
// Called by root command to register flags.
func RegisterFlagPointers() (*bool, *string) {
	return &jsonFlag, &pidFileFlag
}

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	version = v
	commit = c
	buildDate = b
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// GetJSON returns the JSON output flag value
func GetJSON() bool {
	return jsonFlag
}

// PIDFile resolves the supervisor PID file path: the --pid-file flag,
// then configured, then the default under the runtime directory.
func PIDFile(configured string) string {
	if pidFileFlag != "" {
		return pidFileFlag
	}
	if configured != "" {
		return configured
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, DefaultPIDFileName)
	}
	return filepath.Join(os.TempDir(), DefaultPIDFileName)
}

// SetPIDFileForTest overrides the --pid-file flag.
func SetPIDFileForTest(path string) {
	pidFileFlag = path
}

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

// Package control holds the commands that talk to a running mbaasd:
// ping, reload and stop.
package control

import (
	"github.com/tombee/mbaas/internal/commands/shared"
	"github.com/tombee/mbaas/internal/config"
)

// pidFilePath resolves the supervisor PID file. An optional config file
// supplies cluster.pid_file.
func pidFilePath(args []string) (string, error) {
	configured := ""
	if len(args) == 1 {
		snap, err := config.Load(args[0])
		if err != nil {
			return "", shared.NewFatalError("failed to load config", err)
		}
		configured = snap.Cluster.PIDFile
	}
	return shared.PIDFile(configured), nil
}

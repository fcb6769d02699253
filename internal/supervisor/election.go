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

// Package supervisor runs the mbaasd worker fleet.
//
// The Supervisor forks a fixed number of worker processes, replaces any
// that exit and elects, for every special event, exactly one ready worker
// to receive it over the control channel. An owner is only replaced
// after its process exit has been observed, so two workers never hold the
// same event at once.
package supervisor

import "fmt"

// Role is the responsibility of a worker in the fleet.
type Role int

const (
	RoleGeneric Role = iota
	RoleSchedulerOwner
)

func (r Role) String() string {
	switch r {
	case RoleGeneric:
		return "generic"
	case RoleSchedulerOwner:
		return "scheduler-owner"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Descriptor identifies one worker process.
type Descriptor struct {
	// ID is "worker-<Seq>". IDs are never reused within a supervisor.
	ID   string
	Seq  int
	Pid  int
	Role Role
}

// WorkerID formats the ID of the worker with sequence number seq.
func WorkerID(seq int) string {
	return fmt.Sprintf("worker-%d", seq)
}

// Candidate is a live worker as seen by the election.
type Candidate struct {
	ID    string
	Seq   int
	Ready bool
}

// Assignment maps a special event ID to the worker that owns it.
type Assignment map[string]string

// Elect picks the owner of a special event among the live workers.
//
// When preferred names a live worker, that worker is chosen once it is
// ready; while it is still starting Elect returns false so the caller
// waits for it. Otherwise the ready worker with the lowest Seq wins. The
// result depends only on the arguments, not on their order.
func Elect(preferred string, alive []Candidate) (Candidate, bool) {
	if preferred != "" {
		for _, c := range alive {
			if c.ID == preferred {
				return c, c.Ready
			}
		}
	}

	var (
		best  Candidate
		found bool
	)
	for _, c := range alive {
		if c.Ready && (!found || c.Seq < best.Seq) {
			best, found = c, true
		}
	}
	return best, found
}

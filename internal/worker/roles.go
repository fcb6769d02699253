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

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tombee/mbaas/internal/log"
	"github.com/tombee/mbaas/internal/scheduler"
)

// EventStartScheduler is delivered to the worker elected to run the
// cluster's schedulers.
const EventStartScheduler = "startScheduler"

// RoleFunc runs in the elected worker when its special event arrives.
// Subsystems initialized by the bootstrap are reused, not recreated.
type RoleFunc func(ctx context.Context, b *Bootstrap) error

// Roles maps special event IDs to the work they start.
var Roles = map[string]RoleFunc{
	EventStartScheduler: startSchedulers,
}

// RoleNames returns the keys of Roles in a stable order.
func RoleNames() []string {
	names := make([]string, 0, len(Roles))
	for name := range Roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// runRole starts the role for eventID at most once per process. A role
// that fails takes the worker down so the supervisor can elect another.
func (b *Bootstrap) runRole(ctx context.Context, eventID string) {
	fn, ok := Roles[eventID]
	if !ok {
		b.logger.Warn("no role for special event", slog.String(log.EventKey, eventID))
		return
	}

	b.rolesMu.Lock()
	if b.started[eventID] {
		b.rolesMu.Unlock()
		b.logger.Warn("special event delivered twice, ignoring", slog.String(log.EventKey, eventID))
		return
	}
	b.started[eventID] = true
	b.rolesMu.Unlock()

	b.logger.Info("starting role", slog.String(log.EventKey, eventID))
	if err := fn(ctx, b); err != nil {
		b.fault.Raise(fmt.Errorf("role %s: %w", eventID, err))
	}
}

// RolesStarted reports the special events this worker has acted on.
func (b *Bootstrap) RolesStarted() []string {
	b.rolesMu.Lock()
	defer b.rolesMu.Unlock()
	var out []string
	for name := range b.started {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func startSchedulers(ctx context.Context, b *Bootstrap) error {
	models := b.models.Load()
	if models == nil {
		return errors.New("data store not initialized")
	}
	owner, err := scheduler.NewOwner(scheduler.OwnerOptions{
		Config:   b.opts.Config,
		Models:   models,
		WorkerID: b.desc.ID,
		Logger:   b.logger,
		Recover:  b.fault.Recover,
	})
	if err != nil {
		return err
	}
	b.fault.OnRelease("scheduler", owner.Stop)
	owner.Start(context.WithoutCancel(ctx))
	return nil
}

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

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// StatusUpdate is the payload published on the deploy-status and
// migration-status channels.
type StatusUpdate struct {
	AppID       string    `json:"appId"`
	Environment string    `json:"env"`
	Status      string    `json:"status"`
	Message     string    `json:"message,omitempty"`
	Time        time.Time `json:"time,omitempty"`
}

// StatusSink receives decoded status updates.
type StatusSink func(ctx context.Context, kind string, update StatusUpdate) error

// StatusHandler decodes StatusUpdate payloads for kind ("deploy" or
// "migration"), logs them and forwards them to sink when non-nil.
func StatusHandler(kind string, logger *slog.Logger, sink StatusSink) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, msg Message) error {
		var update StatusUpdate
		if err := json.Unmarshal(msg.Payload, &update); err != nil {
			return fmt.Errorf("invalid %s status message: %w", kind, err)
		}
		if update.AppID == "" || update.Status == "" {
			return fmt.Errorf("invalid %s status message: appId and status are required", kind)
		}

		logger.Info(kind+" status update",
			slog.String("app_id", update.AppID),
			slog.String("env", update.Environment),
			slog.String("status", update.Status))

		if sink != nil {
			return sink(ctx, kind, update)
		}
		return nil
	}
}

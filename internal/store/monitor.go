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

package store

import (
	"fmt"
	"log/slog"

	"github.com/tombee/mbaas/internal/log"
)

// FaultSink receives faults that must terminate the process.
// *fault.Handler implements it.
type FaultSink interface {
	Raise(err error)
}

// ConnectionFault reports that the data store connection errored or was
// lost after startup. It is always fatal to the process.
type ConnectionFault struct {
	Event Event
}

func (f *ConnectionFault) Error() string {
	switch f.Event.Type {
	case EventDisconnected:
		return fmt.Sprintf("data store connection lost: %v", f.Event.Err)
	default:
		return fmt.Sprintf("data store connection error: %v", f.Event.Err)
	}
}

func (f *ConnectionFault) Unwrap() error {
	return f.Event.Err
}

// Monitor applies the fail-fast policy to a Handle: every error or
// disconnected event is raised as a ConnectionFault.
type Monitor struct {
	sink   FaultSink
	logger *slog.Logger
}

// NewMonitor creates a Monitor raising faults on sink.
func NewMonitor(sink FaultSink, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{sink: sink, logger: log.WithComponent(logger, "store-monitor")}
}

// Watch installs the monitor's listeners on h.
func (m *Monitor) Watch(h *Handle) {
	h.On(EventError, m.handle)
	h.On(EventDisconnected, m.handle)
}

func (m *Monitor) handle(ev Event) {
	switch ev.Type {
	case EventDisconnected:
		m.logger.Error("data store connection lost", log.Error(ev.Err))
	default:
		m.logger.Error("data store connection error", log.Error(ev.Err))
	}
	m.sink.Raise(&ConnectionFault{Event: ev})
}

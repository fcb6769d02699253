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

package log

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Switch is a slog.Handler whose underlying handler can be replaced at
// runtime. Loggers derived from a Switch (including through With and
// WithGroup) always write through the most recently installed handler,
// so a config reload rebuilds every logger in the process at once.
type Switch struct {
	state *switchState
	ops   []handlerOp
	cache atomic.Pointer[resolved]
}

type switchState struct {
	base atomic.Pointer[baseHandler]
}

type baseHandler struct {
	gen     uint64
	handler slog.Handler
}

type resolved struct {
	gen     uint64
	handler slog.Handler
}

// handlerOp is a deferred With or WithGroup call.
type handlerOp struct {
	attrs []slog.Attr
	group string
}

var _ slog.Handler = (*Switch)(nil)

// NewSwitch returns a Switch writing to h.
func NewSwitch(h slog.Handler) *Switch {
	s := &Switch{state: &switchState{}}
	s.state.base.Store(&baseHandler{gen: 1, handler: h})
	return s
}

// Set installs h as the underlying handler for this Switch and every
// handler derived from it.
func (s *Switch) Set(h slog.Handler) {
	for {
		old := s.state.base.Load()
		next := &baseHandler{gen: old.gen + 1, handler: h}
		if s.state.base.CompareAndSwap(old, next) {
			return
		}
	}
}

// Generation reports how many times the base handler has been installed.
func (s *Switch) Generation() uint64 {
	return s.state.base.Load().gen
}

// Logger returns a logger writing through the switch.
func (s *Switch) Logger() *slog.Logger {
	return slog.New(s)
}

func (s *Switch) current() slog.Handler {
	base := s.state.base.Load()
	if c := s.cache.Load(); c != nil && c.gen == base.gen {
		return c.handler
	}
	h := base.handler
	for _, op := range s.ops {
		if op.group != "" {
			h = h.WithGroup(op.group)
		} else {
			h = h.WithAttrs(op.attrs)
		}
	}
	s.cache.Store(&resolved{gen: base.gen, handler: h})
	return h
}

// Enabled implements slog.Handler.
func (s *Switch) Enabled(ctx context.Context, level slog.Level) bool {
	return s.current().Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (s *Switch) Handle(ctx context.Context, r slog.Record) error {
	return s.current().Handle(ctx, r)
}

// WithAttrs implements slog.Handler.
func (s *Switch) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return s
	}
	return s.derive(handlerOp{attrs: attrs})
}

// WithGroup implements slog.Handler.
func (s *Switch) WithGroup(name string) slog.Handler {
	if name == "" {
		return s
	}
	return s.derive(handlerOp{group: name})
}

func (s *Switch) derive(op handlerOp) *Switch {
	ops := make([]handlerOp, len(s.ops), len(s.ops)+1)
	copy(ops, s.ops)
	return &Switch{state: s.state, ops: append(ops, op)}
}

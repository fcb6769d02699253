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

package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
)

// StackConfig selects the middleware a worker installs.
type StackConfig struct {
	CORS           CORSConfig
	MaxPayloadSize int64
	Metrics        bool
	Registerer     prometheus.Registerer
	Logger         func() *slog.Logger
}

// Stack is the worker's request pipeline. It is built by Init during
// startup and wraps the route mux afterwards.
type Stack struct {
	mws []Middleware
}

// Init builds the pipeline: request ID, optional timing, CORS, request
// logging, then the body size limit.
func (s *Stack) Init(_ context.Context, cfg StackConfig) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default
	}
	for _, origin := range cfg.CORS.AllowedOrigins {
		if origin == "" {
			return fmt.Errorf("middleware: empty CORS origin")
		}
	}

	mws := []Middleware{RequestID()}
	if cfg.Metrics {
		reg := cfg.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		m, err := NewHTTPMetrics(reg)
		if err != nil {
			return fmt.Errorf("middleware: failed to register metrics: %w", err)
		}
		mws = append(mws, Timing(m))
	}
	mws = append(mws, CORS(cfg.CORS), Logging(cfg.Logger), MaxBytes(cfg.MaxPayloadSize))

	s.mws = mws
	return nil
}

// Wrap applies the pipeline to h. Before Init it returns h unchanged.
func (s *Stack) Wrap(h http.Handler) http.Handler {
	return Chain(h, s.mws...)
}

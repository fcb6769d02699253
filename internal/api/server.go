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

// Package api serves a worker's HTTP surface: the /sys health routes and
// the Prometheus endpoint. Business routes are mounted by the caller.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/mbaas/internal/log"
)

// Check is a named dependency probe used by /sys/info/health.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	Addr     string
	Version  string
	WorkerID string
	Checks   []Check

	// Gatherer backs /metrics. Nil disables the route.
	Gatherer prometheus.Gatherer

	// Wrap installs middleware around the whole mux.
	Wrap func(http.Handler) http.Handler

	Logger *slog.Logger
}

// Server is a worker's HTTP server.
type Server struct {
	opts   Options
	mux    *http.ServeMux
	srv    *http.Server
	logger *slog.Logger
}

// New builds the server and registers the system routes.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{opts: opts, mux: http.NewServeMux(), logger: log.WithComponent(logger, "api")}
	s.mux.HandleFunc("GET /sys/info/ping", s.handlePing)
	s.mux.HandleFunc("GET /sys/info/health", s.handleHealth)
	s.mux.HandleFunc("GET /sys/info/version", s.handleVersion)
	if opts.Gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	var handler http.Handler = s.mux
	if opts.Wrap != nil {
		handler = opts.Wrap(handler)
	}
	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handle mounts an additional route.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the complete handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Listen binds the configured address.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}
	return ln, nil
}

// Serve serves on ln until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("http server listening", slog.String("addr", ln.Addr().String()))
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, "OK")
}

type healthResponse struct {
	Status   string            `json:"status"`
	WorkerID string            `json:"worker_id,omitempty"`
	Checks   map[string]string `json:"checks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", WorkerID: s.opts.WorkerID, Checks: make(map[string]string)}
	status := http.StatusOK
	for _, c := range s.opts.Checks {
		if err := c.Run(ctx); err != nil {
			resp.Checks[c.Name] = err.Error()
			resp.Status = "crit"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.Name] = "ok"
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.opts.Version})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

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

// Package httpclient builds the HTTP client mbaasd uses to call its own
// workers: User-Agent and request-ID headers on every request, and
// request logging with secrets stripped from the URL.
package httpclient

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/mbaas/internal/log"
	"github.com/tombee/mbaas/internal/middleware"
)

// Config configures New.
type Config struct {
	// Timeout bounds a whole request. Must be > 0.
	Timeout time.Duration

	// UserAgent is required.
	UserAgent string

	Logger *slog.Logger
}

// DefaultConfig returns a Config for the given binary version.
func DefaultConfig(version string) Config {
	return Config{
		Timeout:   5 * time.Second,
		UserAgent: "mbaasd/" + version,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0, got %v", c.Timeout)
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent is required")
	}
	return nil
}

// New creates a client for cfg.
func New(cfg Config) (*http.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       30 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
	}

	return &http.Client{
		Transport: &transport{base: base, userAgent: cfg.UserAgent, logger: logger},
		Timeout:   cfg.Timeout,
	}, nil
}

type transport struct {
	base      http.RoundTripper
	userAgent string
	logger    *slog.Logger
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	// RoundTrippers must not modify the caller's request.
	req = req.Clone(req.Context())
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	if req.Header.Get(middleware.RequestIDHeader) == "" {
		req.Header.Set(middleware.RequestIDHeader, uuid.NewString())
	}

	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	attrs := []any{
		slog.String("method", req.Method),
		slog.String("url", sanitizeURL(req.URL)),
		slog.String(log.RequestIDKey, req.Header.Get(middleware.RequestIDHeader)),
		slog.Int64(log.DurationKey, time.Since(start).Milliseconds()),
	}

	if err != nil {
		t.logger.Warn("http request failed", append(attrs, log.Error(err))...)
		return nil, err
	}
	level := slog.LevelDebug
	if resp.StatusCode >= 400 {
		level = slog.LevelWarn
	}
	t.logger.Log(req.Context(), level, "http request", append(attrs, slog.Int("status", resp.StatusCode))...)
	return resp, nil
}

var sensitiveParams = []string{"token", "secret", "password", "key", "auth"}

// sanitizeURL redacts credentials and sensitive query parameters.
func sanitizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	safe := *u
	q := safe.Query()
	for param := range q {
		lower := strings.ToLower(param)
		for _, s := range sensitiveParams {
			if strings.Contains(lower, s) {
				q.Set(param, "[REDACTED]")
				break
			}
		}
	}
	safe.RawQuery = q.Encode()
	return safe.Redacted()
}

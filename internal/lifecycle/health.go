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

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrHealthCheckTimeout is returned when health checks exceed the deadline.
	ErrHealthCheckTimeout = errors.New("health check timeout")
)

// HealthChecker polls a health endpoint with exponential backoff.
type HealthChecker struct {
	endpoint        string
	client          *http.Client
	initialInterval time.Duration
	maxInterval     time.Duration
	multiplier      float64
}

// HealthCheckResult contains the result of one attempt.
type HealthCheckResult struct {
	Success      bool
	StatusCode   int
	ResponseTime time.Duration
	Error        error
}

// NewHealthChecker creates a checker for endpoint.
// Default backoff: 50ms initial, 2x multiplier, 1s max interval.
func NewHealthChecker(endpoint string) *HealthChecker {
	return &HealthChecker{
		endpoint:        endpoint,
		client:          &http.Client{Timeout: 5 * time.Second},
		initialInterval: 50 * time.Millisecond,
		maxInterval:     time.Second,
		multiplier:      2.0,
	}
}

// WithBackoff configures custom backoff parameters.
func (h *HealthChecker) WithBackoff(initial, max time.Duration, multiplier float64) *HealthChecker {
	h.initialInterval = initial
	h.maxInterval = max
	h.multiplier = multiplier
	return h
}

// WithHTTPClient sets a custom HTTP client.
func (h *HealthChecker) WithHTTPClient(client *http.Client) *HealthChecker {
	h.client = client
	return h
}

// Check performs a single health check. Any 2xx status is healthy.
func (h *HealthChecker) Check(ctx context.Context) *HealthCheckResult {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint, nil)
	if err != nil {
		return &HealthCheckResult{Error: fmt.Errorf("failed to create request: %w", err)}
	}

	resp, err := h.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return &HealthCheckResult{ResponseTime: elapsed, Error: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	return &HealthCheckResult{
		Success:      resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode:   resp.StatusCode,
		ResponseTime: elapsed,
	}
}

// WaitUntilHealthy polls until the endpoint is healthy or ctx is done.
// onAttempt, when non-nil, sees every attempt.
func (h *HealthChecker) WaitUntilHealthy(ctx context.Context, onAttempt func(*HealthCheckResult, int)) error {
	interval := h.initialInterval
	for attempt := 1; ; attempt++ {
		result := h.Check(ctx)
		if onAttempt != nil {
			onAttempt(result, attempt)
		}
		if result.Success {
			return nil
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			if result.Error != nil {
				return fmt.Errorf("%w after %d attempts: %v", ErrHealthCheckTimeout, attempt, result.Error)
			}
			return fmt.Errorf("%w after %d attempts: last status %d", ErrHealthCheckTimeout, attempt, result.StatusCode)
		case <-timer.C:
		}

		interval = time.Duration(float64(interval) * h.multiplier)
		if interval > h.maxInterval {
			interval = h.maxInterval
		}
	}
}

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
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHealthChecker_Check(t *testing.T) {
	t.Run("healthy endpoint", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		result := NewHealthChecker(server.URL).Check(context.Background())
		if !result.Success {
			t.Errorf("Check() success = false (error: %v)", result.Error)
		}
		if result.StatusCode != http.StatusOK {
			t.Errorf("Check() status = %d, want %d", result.StatusCode, http.StatusOK)
		}
	})

	t.Run("unhealthy endpoint", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		result := NewHealthChecker(server.URL).Check(context.Background())
		if result.Success {
			t.Error("Check() success = true, want false")
		}
		if result.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("Check() status = %d", result.StatusCode)
		}
	})

	t.Run("connection failure", func(t *testing.T) {
		result := NewHealthChecker("http://127.0.0.1:1/sys/info/ping").Check(context.Background())
		if result.Success || result.Error == nil {
			t.Errorf("Check() = %+v, want failure with error", result)
		}
	})
}

func TestHealthChecker_WaitUntilHealthy(t *testing.T) {
	t.Run("succeeds after retries", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		attempts := 0
		checker := NewHealthChecker(server.URL).WithBackoff(time.Millisecond, 5*time.Millisecond, 2)
		err := checker.WaitUntilHealthy(ctx, func(_ *HealthCheckResult, n int) { attempts = n })
		if err != nil {
			t.Fatalf("WaitUntilHealthy() error = %v", err)
		}
		if attempts != 3 {
			t.Errorf("attempts = %d, want 3", attempts)
		}
	})

	t.Run("times out", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := NewHealthChecker(server.URL).WithBackoff(time.Millisecond, 10*time.Millisecond, 2).WaitUntilHealthy(ctx, nil)
		if !errors.Is(err, ErrHealthCheckTimeout) {
			t.Errorf("WaitUntilHealthy() error = %v, want ErrHealthCheckTimeout", err)
		}
	})
}

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

package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampler_CPU(t *testing.T) {
	s, err := NewSampler(prometheus.NewRegistry(), "worker-1", 0, 0)
	require.NoError(t, err)

	wall := time.Unix(0, 0)
	cpu := time.Duration(0)
	s.now = func() time.Time { return wall }
	s.cpuTime = func() (time.Duration, error) { return cpu, nil }

	s.sampleCPU()
	assert.Equal(t, 0.0, testutil.ToFloat64(s.cpuPercent))

	wall = wall.Add(time.Second)
	cpu += 250 * time.Millisecond
	s.sampleCPU()
	assert.InDelta(t, 25.0, testutil.ToFloat64(s.cpuPercent), 0.001)
}

func TestSampler_Memory(t *testing.T) {
	s, err := NewSampler(prometheus.NewRegistry(), "worker-1", 0, 0)
	require.NoError(t, err)

	s.sampleMemory()
	assert.Greater(t, testutil.ToFloat64(s.heapAlloc), 0.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(s.goroutines), 1.0)
}

func TestSampler_RunStops(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, err := NewSampler(reg, "worker-1", 5*time.Millisecond, 5*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	n, err := testutil.GatherAndCount(reg, "mbaas_worker_heap_alloc_bytes")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNewRegistry(t *testing.T) {
	mfs, err := NewRegistry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)
}

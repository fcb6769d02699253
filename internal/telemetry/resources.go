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

// Package telemetry samples per-process resource usage into Prometheus.
package telemetry

import (
	"context"
	"errors"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	DefaultMemoryInterval = 2 * time.Second
	DefaultCPUInterval    = time.Second
)

// NewRegistry returns a registry carrying the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Sampler periodically records memory and CPU usage of the current
// process, labelled with the worker ID.
type Sampler struct {
	heapAlloc   prometheus.Gauge
	heapSys     prometheus.Gauge
	goroutines  prometheus.Gauge
	cpuPercent  prometheus.Gauge
	memInterval time.Duration
	cpuInterval time.Duration

	now     func() time.Time
	cpuTime func() (time.Duration, error)

	lastWall time.Time
	lastCPU  time.Duration
}

// NewSampler registers the resource gauges on reg.
func NewSampler(reg prometheus.Registerer, workerID string, memInterval, cpuInterval time.Duration) (*Sampler, error) {
	if memInterval <= 0 {
		memInterval = DefaultMemoryInterval
	}
	if cpuInterval <= 0 {
		cpuInterval = DefaultCPUInterval
	}
	labels := prometheus.Labels{"worker_id": workerID}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "mbaas",
			Subsystem:   "worker",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	s := &Sampler{
		heapAlloc:   gauge("heap_alloc_bytes", "Bytes of allocated heap objects."),
		heapSys:     gauge("heap_sys_bytes", "Bytes of heap memory obtained from the OS."),
		goroutines:  gauge("goroutines", "Number of live goroutines."),
		cpuPercent:  gauge("cpu_percent", "CPU used by the process over the last sample interval."),
		memInterval: memInterval,
		cpuInterval: cpuInterval,
		now:         time.Now,
		cpuTime:     processCPUTime,
	}
	for _, c := range []prometheus.Collector{s.heapAlloc, s.heapSys, s.goroutines, s.cpuPercent} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, err
			}
		}
	}
	return s, nil
}

// Run samples until ctx is done.
func (s *Sampler) Run(ctx context.Context) {
	mem := time.NewTicker(s.memInterval)
	defer mem.Stop()
	cpu := time.NewTicker(s.cpuInterval)
	defer cpu.Stop()

	s.sampleMemory()
	s.sampleCPU()
	for {
		select {
		case <-ctx.Done():
			return
		case <-mem.C:
			s.sampleMemory()
		case <-cpu.C:
			s.sampleCPU()
		}
	}
}

func (s *Sampler) sampleMemory() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s.heapAlloc.Set(float64(ms.HeapAlloc))
	s.heapSys.Set(float64(ms.HeapSys))
	s.goroutines.Set(float64(runtime.NumGoroutine()))
}

func (s *Sampler) sampleCPU() {
	used, err := s.cpuTime()
	if err != nil {
		return
	}
	now := s.now()
	if !s.lastWall.IsZero() {
		if wall := now.Sub(s.lastWall); wall > 0 {
			s.cpuPercent.Set(100 * float64(used-s.lastCPU) / float64(wall))
		}
	}
	s.lastWall, s.lastCPU = now, used
}

// processCPUTime returns user plus system CPU time of this process.
func processCPUTime() (time.Duration, error) {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0, err
	}
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano()), nil
}

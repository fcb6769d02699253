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

// Package config loads and holds the process-wide mbaasd configuration.
//
// A Snapshot is an immutable view of one successful load. The Store holds
// the active Snapshot and replaces it wholesale on reload; readers that
// already hold a Snapshot keep a consistent view.
package config

import (
	"net"
	"strconv"
	"time"
)

// Snapshot is the complete configuration of a process.
// Treat it as read-only once returned by Load.
type Snapshot struct {
	Service   ServiceConfig   `mapstructure:"service" yaml:"service"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Messaging MessagingConfig `mapstructure:"messaging" yaml:"messaging"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Tracing   TracingConfig   `mapstructure:"tracing" yaml:"tracing"`
	Cluster   ClusterConfig   `mapstructure:"cluster" yaml:"cluster"`
	Config    WatchConfig     `mapstructure:"config" yaml:"config"`

	// Path is the file the snapshot was read from.
	Path string `mapstructure:"-" yaml:"-"`

	// LoadedAt records when the snapshot was read.
	LoadedAt time.Time `mapstructure:"-" yaml:"-"`
}

// ServiceConfig configures the HTTP surface of a worker.
type ServiceConfig struct {
	// Name is reported in logs, metrics and traces.
	Name string `mapstructure:"name" yaml:"name"`

	// Host is the interface the HTTP server binds to.
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the TCP port every worker listens on (required).
	Port int `mapstructure:"port" yaml:"port"`

	// MaxPayloadSize limits request bodies, in bytes.
	MaxPayloadSize int64 `mapstructure:"max_payload_size" yaml:"max_payload_size"`

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	// CORSOrigins lists allowed cross-origin callers. Empty allows all.
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins,omitempty"`
}

// StoreConfig configures the per-process data store connection.
type StoreConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `mapstructure:"driver" yaml:"driver"`

	// URL is the connection string or sqlite file path (required).
	URL string `mapstructure:"url" yaml:"url"`

	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime,omitempty"`

	// ConnectTimeout bounds the initial handshake.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`

	// PingInterval is how often the liveness probe runs. Zero disables it.
	PingInterval time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
}

// MessagingConfig configures the message-queue connection.
type MessagingConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	URL     string `mapstructure:"url" yaml:"url"`

	// DeployStatusChannel carries deployment status messages.
	DeployStatusChannel string `mapstructure:"deploy_status_channel" yaml:"deploy_status_channel"`

	// MigrationStatusChannel carries migration status messages.
	MigrationStatusChannel string `mapstructure:"migration_status_channel" yaml:"migration_status_channel"`
}

// AuthConfig configures service-to-service authentication.
type AuthConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	Secret    string        `mapstructure:"secret" yaml:"secret,omitempty"`
	Issuer    string        `mapstructure:"issuer" yaml:"issuer,omitempty"`
	Audience  string        `mapstructure:"audience" yaml:"audience,omitempty"`
	ClockSkew time.Duration `mapstructure:"clock_skew" yaml:"clock_skew,omitempty"`

	// PublicPaths bypass authentication (prefix match).
	PublicPaths []string `mapstructure:"public_paths" yaml:"public_paths,omitempty"`
}

// SchedulerConfig configures the singleton scheduler role.
type SchedulerConfig struct {
	// PreferredWorkerID is the election hint, e.g. "worker-1".
	PreferredWorkerID string `mapstructure:"preferred_worker_id" yaml:"preferred_worker_id,omitempty"`

	// FormsUpdate is the cron expression of the forms update job.
	FormsUpdate string `mapstructure:"forms_update" yaml:"forms_update"`

	// Export is the cron expression of the app data export job.
	Export string `mapstructure:"export" yaml:"export"`

	// MinsPerBackoffIndex spaces out retries of failed submissions.
	MinsPerBackoffIndex int `mapstructure:"mins_per_backoff_index" yaml:"mins_per_backoff_index"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level     string `mapstructure:"level" yaml:"level"`
	Format    string `mapstructure:"format" yaml:"format"`
	AddSource bool   `mapstructure:"add_source" yaml:"add_source"`
}

// MetricsConfig configures resource usage telemetry.
type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	MemoryInterval time.Duration `mapstructure:"memory_interval" yaml:"memory_interval"`
	CPUInterval    time.Duration `mapstructure:"cpu_interval" yaml:"cpu_interval"`
}

// TracingConfig configures OpenTelemetry span export.
type TracingConfig struct {
	// Exporter is "none", "stdout", "otlp-http" or "otlp-grpc".
	Exporter string `mapstructure:"exporter" yaml:"exporter"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Insecure bool   `mapstructure:"insecure" yaml:"insecure"`
}

// ClusterConfig configures the worker supervisor.
type ClusterConfig struct {
	// Workers is the fleet size. Zero means one per CPU.
	Workers int `mapstructure:"workers" yaml:"workers"`

	// ElectionGrace is how long the supervisor waits for the preferred
	// worker before falling back to another ready worker.
	ElectionGrace time.Duration `mapstructure:"election_grace" yaml:"election_grace"`

	// RespawnPerMinute and RespawnBurst throttle replacement of crashed workers.
	RespawnPerMinute int `mapstructure:"respawn_per_minute" yaml:"respawn_per_minute"`
	RespawnBurst     int `mapstructure:"respawn_burst" yaml:"respawn_burst"`

	// ShutdownTimeout is how long workers get to exit before SIGKILL.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	// PIDFile is written by the supervisor when set.
	PIDFile string `mapstructure:"pid_file" yaml:"pid_file,omitempty"`
}

// WatchConfig controls file-change driven reloads.
type WatchConfig struct {
	// Watch reloads the configuration when the file changes on disk.
	Watch bool `mapstructure:"watch" yaml:"watch"`
}

// Addr returns the listen address of the HTTP server.
func (s ServiceConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

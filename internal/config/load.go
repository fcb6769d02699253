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

package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment variable overrides, e.g.
// MBAAS_STORE_URL overrides store.url.
const EnvPrefix = "MBAAS"

var (
	// ErrNoConfigFile is returned when Load is called without a path.
	ErrNoConfigFile = errors.New("no config file given")

	// ErrRequired is returned when a required key is missing.
	ErrRequired = errors.New("required configuration key missing")
)

// LoadError describes a failed load of a configuration file.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load config %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Load reads the configuration file at path, applies defaults and
// MBAAS_* environment overrides, and checks required keys.
// Each call uses a fresh viper instance so loads never share state.
func Load(path string) (*Snapshot, error) {
	if path == "" {
		return nil, &LoadError{Path: path, Err: ErrNoConfigFile}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("failed to read config file: %w", err)}
	}

	var snap Snapshot
	if err := v.Unmarshal(&snap); err != nil {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("failed to unmarshal config: %w", err)}
	}

	if err := checkRequired(&snap); err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	snap.Path = path
	snap.LoadedAt = time.Now()
	return &snap, nil
}

// setDefaults registers every key so environment overrides apply even
// when the file omits the key.
func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "mbaasd")
	v.SetDefault("service.host", "")
	v.SetDefault("service.port", 0)
	v.SetDefault("service.max_payload_size", 20<<20)
	v.SetDefault("service.shutdown_timeout", 10*time.Second)
	v.SetDefault("service.cors_origins", []string{})

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.url", "")
	v.SetDefault("store.max_open_conns", 10)
	v.SetDefault("store.max_idle_conns", 5)
	v.SetDefault("store.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("store.connect_timeout", 10*time.Second)
	v.SetDefault("store.ping_interval", 5*time.Second)

	v.SetDefault("messaging.enabled", false)
	v.SetDefault("messaging.url", "redis://localhost:6379/0")
	v.SetDefault("messaging.deploy_status_channel", "fh-deploy-status")
	v.SetDefault("messaging.migration_status_channel", "fh-migration-status")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.clock_skew", 30*time.Second)
	v.SetDefault("auth.public_paths", []string{"/sys/"})

	v.SetDefault("scheduler.preferred_worker_id", "")
	v.SetDefault("scheduler.forms_update", "@every 1m")
	v.SetDefault("scheduler.export", "@every 5m")
	v.SetDefault("scheduler.mins_per_backoff_index", 10)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.add_source", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.memory_interval", 2*time.Second)
	v.SetDefault("metrics.cpu_interval", time.Second)

	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", false)

	v.SetDefault("cluster.workers", 0)
	v.SetDefault("cluster.election_grace", 5*time.Second)
	v.SetDefault("cluster.respawn_per_minute", 30)
	v.SetDefault("cluster.respawn_burst", 5)
	v.SetDefault("cluster.shutdown_timeout", 15*time.Second)
	v.SetDefault("cluster.pid_file", "")

	v.SetDefault("config.watch", false)
}

// checkRequired enforces the keys without which no worker can start.
func checkRequired(s *Snapshot) error {
	var missing []string
	if s.Service.Port <= 0 {
		missing = append(missing, "service.port")
	}
	if s.Store.URL == "" {
		missing = append(missing, "store.url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrRequired, strings.Join(missing, ", "))
	}

	switch s.Store.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported store.driver %q (want postgres or sqlite)", s.Store.Driver)
	}
	return nil
}

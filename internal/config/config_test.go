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
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// writeConfig marshals doc to a YAML file in a temp dir and returns its path.
func writeConfig(t *testing.T, doc map[string]any) string {
	t.Helper()

	data, err := yaml.Marshal(doc)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "mbaas.yaml")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func minimalDoc() map[string]any {
	return map[string]any{
		"service": map[string]any{"port": 8819},
		"store":   map[string]any{"driver": "sqlite", "url": "file::memory:"},
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, minimalDoc())

	snap, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8819, snap.Service.Port)
	assert.Equal(t, "mbaasd", snap.Service.Name)
	assert.Equal(t, int64(20<<20), snap.Service.MaxPayloadSize)
	assert.Equal(t, 5*time.Second, snap.Store.PingInterval)
	assert.Equal(t, "@every 1m", snap.Scheduler.FormsUpdate)
	assert.Equal(t, 2*time.Second, snap.Metrics.MemoryInterval)
	assert.Equal(t, time.Second, snap.Metrics.CPUInterval)
	assert.Equal(t, "fh-deploy-status", snap.Messaging.DeployStatusChannel)
	assert.Equal(t, path, snap.Path)
	assert.False(t, snap.LoadedAt.IsZero())
}

func TestLoad_ParsesValues(t *testing.T) {
	doc := minimalDoc()
	doc["scheduler"] = map[string]any{"preferred_worker_id": "worker-2", "export": "0 3 * * *"}
	doc["cluster"] = map[string]any{"workers": 3, "election_grace": "250ms"}
	doc["log"] = map[string]any{"level": "debug", "format": "text"}

	snap, err := Load(writeConfig(t, doc))
	require.NoError(t, err)

	assert.Equal(t, "worker-2", snap.Scheduler.PreferredWorkerID)
	assert.Equal(t, "0 3 * * *", snap.Scheduler.Export)
	assert.Equal(t, 3, snap.Cluster.Workers)
	assert.Equal(t, 250*time.Millisecond, snap.Cluster.ElectionGrace)
	assert.Equal(t, "debug", snap.Log.Level)
	assert.Equal(t, "text", snap.Log.Format)
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, minimalDoc())
	t.Setenv("MBAAS_SERVICE_PORT", "9100")
	t.Setenv("MBAAS_SCHEDULER_PREFERRED_WORKER_ID", "worker-3")

	snap, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, snap.Service.Port)
	assert.Equal(t, "worker-3", snap.Scheduler.PreferredWorkerID)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("no path", func(t *testing.T) {
		_, err := Load("")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNoConfigFile))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		var loadErr *LoadError
		require.ErrorAs(t, err, &loadErr)
	})

	t.Run("missing required keys", func(t *testing.T) {
		path := writeConfig(t, map[string]any{"log": map[string]any{"level": "info"}})
		_, err := Load(path)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrRequired))
		assert.Contains(t, err.Error(), "service.port")
		assert.Contains(t, err.Error(), "store.url")
	})

	t.Run("unsupported driver", func(t *testing.T) {
		for _, driver := range []string{"mongo", "pgx"} {
			doc := minimalDoc()
			doc["store"] = map[string]any{"driver": driver, "url": "db://localhost"}
			_, err := Load(writeConfig(t, doc))
			require.Error(t, err, driver)
			assert.Contains(t, err.Error(), "unsupported store.driver")
		}
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("service: [unterminated"), 0600))
		_, err := Load(path)
		require.Error(t, err)
	})
}

func TestStore_ReloadReplacesSnapshot(t *testing.T) {
	path := writeConfig(t, minimalDoc())
	store, err := NewStore(path)
	require.NoError(t, err)

	before := store.Current()
	require.Equal(t, 8819, before.Service.Port)

	doc := minimalDoc()
	doc["service"] = map[string]any{"port": 9000}
	data, err := yaml.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))

	after, err := store.Reload()
	require.NoError(t, err)

	assert.Equal(t, 9000, after.Service.Port)
	assert.Same(t, after, store.Current())
	// The old snapshot is discarded, never mutated.
	assert.Equal(t, 8819, before.Service.Port)
}

func TestStore_FailedReloadKeepsSnapshot(t *testing.T) {
	path := writeConfig(t, minimalDoc())
	store, err := NewStore(path)
	require.NoError(t, err)
	before := store.Current()

	require.NoError(t, os.WriteFile(path, []byte("service: [unterminated"), 0600))

	snap, err := store.Reload()
	require.Error(t, err)
	assert.Nil(t, snap)
	assert.Same(t, before, store.Current())
}

func TestRender_MasksSecrets(t *testing.T) {
	snap := &Snapshot{
		Auth:      AuthConfig{Secret: "s3cret"},
		Store:     StoreConfig{Driver: "postgres", URL: "postgres://mbaas:hunter2@db:5432/mbaas"},
		Messaging: MessagingConfig{URL: "redis://localhost:6379/0"},
	}

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, snap, false))

	out := buf.String()
	assert.NotContains(t, out, "s3cret")
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "postgres://mbaas:xxxxx@db:5432/mbaas")
	// The input is not modified.
	assert.Equal(t, "s3cret", snap.Auth.Secret)

	buf.Reset()
	require.NoError(t, Render(&buf, snap, true))
	assert.Contains(t, buf.String(), "hunter2")
}

func TestServiceConfig_Addr(t *testing.T) {
	assert.Equal(t, ":8819", ServiceConfig{Port: 8819}.Addr())
	assert.Equal(t, "127.0.0.1:80", ServiceConfig{Host: "127.0.0.1", Port: 80}.Addr())
}

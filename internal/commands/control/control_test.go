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

package control

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/mbaas/internal/commands/shared"
)

func execute(cmd *cobra.Command, args ...string) (string, error) {
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	cmd.SilenceUsage = true
	err := cmd.Execute()
	return buf.String(), err
}

func TestPingURL(t *testing.T) {
	got, err := pingURL("http://localhost:8819")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8819/sys/info/ping", got)

	got, err = pingURL("http://localhost:8819/sys/info/health")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8819/sys/info/health", got)

	_, err = pingURL("localhost:8819")
	assert.Error(t, err)
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == DefaultPingPath {
			w.Write([]byte(`"OK"`))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	out, err := execute(NewPingCommand(), srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "is healthy")

	_, err = execute(NewPingCommand(), srv.URL+"/sys/info/health")
	assert.Equal(t, shared.ExitFatal, shared.ExitCode(err))
}

func TestPing_WaitTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := execute(NewPingCommand(), srv.URL, "--wait", "--timeout", "200ms")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health check timeout")
}

func TestStop_NoPIDFile(t *testing.T) {
	shared.SetPIDFileForTest(filepath.Join(t.TempDir(), "mbaasd.pid"))
	defer shared.SetPIDFileForTest("")

	out, err := execute(NewStopCommand())
	require.NoError(t, err)
	assert.Contains(t, out, "not running")
}

func TestStop_StalePIDFile(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	pid := cmd.ProcessState.Pid()

	path := filepath.Join(t.TempDir(), "mbaasd.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(pid)), 0600))
	shared.SetPIDFileForTest(path)
	defer shared.SetPIDFileForTest("")

	out, err := execute(NewStopCommand())
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "stale PID file"), out)
	assert.NoFileExists(t, path)
}

func TestReload_NotRunning(t *testing.T) {
	shared.SetPIDFileForTest(filepath.Join(t.TempDir(), "mbaasd.pid"))
	defer shared.SetPIDFileForTest("")

	_, err := execute(NewReloadCommand())
	require.Error(t, err)
	assert.Equal(t, shared.ExitFatal, shared.ExitCode(err))
}

func TestPIDFilePath_FromConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "mbaas.yaml")
	doc := "service:\n  port: 8819\nstore:\n  driver: sqlite\n  url: " + filepath.Join(dir, "db") +
		"\ncluster:\n  pid_file: " + filepath.Join(dir, "custom.pid") + "\n"
	require.NoError(t, os.WriteFile(cfg, []byte(doc), 0600))

	path, err := pidFilePath([]string{cfg})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "custom.pid"), path)
}

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

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/mbaas/internal/auth"
	"github.com/tombee/mbaas/internal/config"
	"github.com/tombee/mbaas/internal/fault"
	"github.com/tombee/mbaas/internal/log"
	"github.com/tombee/mbaas/internal/supervisor"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	t       *testing.T
	boot    *Bootstrap
	path    string
	addr    string
	logs    *syncBuffer
	exits   chan int
	signals chan os.Signal
	reloads chan os.Signal

	// sup is the supervisor end of the control channel.
	sup      *supervisor.Conn
	supClose func()

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

type harnessOptions struct {
	extra    string
	storeURL string
	noCtrl   bool
	allRoles bool
}

func writeConfig(t *testing.T, path string, storeURL, extra string) {
	t.Helper()
	doc := fmt.Sprintf(`service:
  port: 8819
store:
  driver: sqlite
  url: %s
  ping_interval: 20ms
log:
  level: debug
%s`, storeURL, extra)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0600))
}

func newHarness(t *testing.T, ho harnessOptions) *harness {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mbaas.yaml")
	if ho.storeURL == "" {
		ho.storeURL = filepath.Join(dir, "store.db")
	}
	writeConfig(t, path, ho.storeURL, ho.extra)

	cfg, err := config.NewStore(path)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	h := &harness{
		t:       t,
		path:    path,
		addr:    ln.Addr().String(),
		logs:    &syncBuffer{},
		exits:   make(chan int, 4),
		signals: make(chan os.Signal, 1),
		reloads: make(chan os.Signal, 1),
		done:    make(chan struct{}),
	}

	opts := Options{
		Config:        cfg,
		Logs:          log.NewSwitch(log.NewHandler(&log.Config{Level: "debug", Output: h.logs})),
		Version:       "test",
		Listener:      ln,
		AllRoles:      ho.allRoles,
		Exit:          func(code int) { h.exits <- code },
		Signals:       h.signals,
		ReloadSignals: h.reloads,
		LogOutput:     h.logs,
	}
	if !ho.noCtrl {
		toWorkerR, toWorkerW := io.Pipe()
		fromWorkerR, fromWorkerW := io.Pipe()
		opts.Control = supervisor.NewConn(toWorkerR, fromWorkerW, toWorkerR, fromWorkerW)
		h.sup = supervisor.NewConn(fromWorkerR, toWorkerW, fromWorkerR, toWorkerW)
		h.supClose = func() { _ = toWorkerW.Close() }
	}
	h.boot = New(opts)
	return h
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		h.err = h.boot.Run(ctx, Descriptor{ID: "worker-2", Seq: 2, Pid: os.Getpid()})
		close(h.done)
	}()
	h.t.Cleanup(func() {
		cancel()
		if h.sup != nil {
			_ = h.sup.Close()
		}
		select {
		case <-h.done:
		case <-time.After(waitFor):
		}
	})
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case <-h.done:
		return h.err
	case <-time.After(waitFor):
		h.t.Fatal("worker did not stop")
		return nil
	}
}

func (h *harness) exitCode() int {
	h.t.Helper()
	select {
	case code := <-h.exits:
		return code
	case <-time.After(waitFor):
		h.t.Fatal("worker did not exit")
		return -1
	}
}

func (h *harness) awaitReady() {
	h.t.Helper()
	type result struct {
		msg supervisor.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		m, err := h.sup.Recv()
		ch <- result{m, err}
	}()
	select {
	case r := <-ch:
		require.NoError(h.t, r.err)
		assert.Equal(h.t, supervisor.MsgReady, r.msg.Type)
		assert.Equal(h.t, "worker-2", r.msg.WorkerID)
	case <-time.After(waitFor):
		h.t.Fatal("worker never reported ready")
	}
}

func (h *harness) get(path string) *http.Response {
	h.t.Helper()
	resp, err := http.Get("http://" + h.addr + path)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRun_ReadyThenElectedRole(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.start()
	h.awaitReady()

	assert.Equal(t, http.StatusOK, h.get("/sys/info/ping").StatusCode)
	assert.Empty(t, h.boot.RolesStarted())

	require.NoError(t, h.sup.Send(supervisor.Message{Type: supervisor.MsgEvent, Event: EventStartScheduler}))
	require.Eventually(t, func() bool {
		return len(h.boot.RolesStarted()) == 1
	}, waitFor, tick)

	require.NoError(t, h.sup.Send(supervisor.Message{Type: supervisor.MsgEvent, Event: EventStartScheduler}))
	require.Eventually(t, func() bool {
		return strings.Contains(h.logs.String(), "special event delivered twice")
	}, waitFor, tick)
	assert.Equal(t, []string{EventStartScheduler}, h.boot.RolesStarted())
	assert.Contains(t, h.logs.String(), "mbaasd worker started")

	h.cancel()
	assert.NoError(t, h.wait())
	assert.Equal(t, fault.ExitClean, h.exitCode())
}

func TestRun_InitFailureExitsFatal(t *testing.T) {
	h := newHarness(t, harnessOptions{
		storeURL: filepath.Join(t.TempDir(), "missing", "dir", "store.db"),
	})
	h.start()

	err := h.wait()
	require.ErrorIs(t, err, ErrInitFailed)
	assert.Equal(t, fault.ExitFatal, h.exitCode())
	assert.Contains(t, h.logs.String(), "worker initialization failed")
	assert.Empty(t, h.boot.RolesStarted())
}

func TestRun_AllRolesInSingleProcessMode(t *testing.T) {
	h := newHarness(t, harnessOptions{noCtrl: true, allRoles: true})
	h.start()

	require.Eventually(t, func() bool {
		return len(h.boot.RolesStarted()) == len(Roles)
	}, waitFor, tick)

	h.signals <- syscall.SIGTERM
	assert.NoError(t, h.wait())
	assert.Equal(t, fault.ExitClean, h.exitCode())
}

func TestRun_ReloadControlMessage(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.start()
	h.awaitReady()
	assert.False(t, h.boot.auth.Config().Enabled)

	writeConfig(t, h.path, filepath.Join(filepath.Dir(h.path), "store.db"), `auth:
  enabled: true
  secret: s3cr3t
`)
	require.NoError(t, h.sup.Send(supervisor.Message{Type: supervisor.MsgReload}))

	require.Eventually(t, func() bool {
		return h.boot.auth.Config().Enabled
	}, waitFor, tick)
	assert.Equal(t, http.StatusUnauthorized, h.get("/api/v1/jobs/export/runs").StatusCode)
	assert.Equal(t, http.StatusOK, h.get("/sys/info/ping").StatusCode)
}

func TestRun_ReloadSignal(t *testing.T) {
	h := newHarness(t, harnessOptions{noCtrl: true})
	h.start()
	require.Eventually(t, func() bool {
		return strings.Contains(h.logs.String(), "mbaasd worker started")
	}, waitFor, tick)

	h.reloads <- syscall.SIGHUP
	require.Eventually(t, func() bool {
		return strings.Contains(h.logs.String(), "config reloaded")
	}, waitFor, tick)
}

func TestRun_SupervisedWorkerReloadsOnlyOnControlMessage(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.start()
	h.awaitReady()

	h.reloads <- syscall.SIGHUP
	assert.Never(t, func() bool {
		return strings.Contains(h.logs.String(), "config reloaded")
	}, 100*time.Millisecond, tick)

	require.NoError(t, h.sup.Send(supervisor.Message{Type: supervisor.MsgReload}))
	require.Eventually(t, func() bool {
		return strings.Contains(h.logs.String(), "config reloaded")
	}, waitFor, tick)
	assert.Never(t, func() bool {
		return strings.Count(h.logs.String(), "config reloaded") > 1
	}, 100*time.Millisecond, tick)
}

func TestAuthTask_UsesCurrentSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mbaas.yaml")
	storeURL := filepath.Join(dir, "store.db")
	writeConfig(t, path, storeURL, "")

	cfg, err := config.NewStore(path)
	require.NoError(t, err)
	stale := cfg.Current()

	writeConfig(t, path, storeURL, `auth:
  enabled: true
  secret: s3cr3t
`)
	_, err = cfg.Reload()
	require.NoError(t, err)

	b := New(Options{Config: cfg, Logs: log.NewSwitch(log.NewHandler(&log.Config{Output: io.Discard}))})
	b.auth = auth.NewService(nil)

	var ran bool
	for _, task := range b.tasks(stale) {
		if task.Name == "auth" {
			require.NoError(t, task.Run(context.Background()))
			ran = true
		}
	}
	require.True(t, ran)
	assert.False(t, stale.Auth.Enabled)
	assert.True(t, b.auth.Config().Enabled)
}

func TestRun_ControlChannelClosed(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.start()
	h.awaitReady()

	h.supClose()
	assert.NoError(t, h.wait())
	assert.Equal(t, fault.ExitClean, h.exitCode())
}

func TestRun_StoreDisconnectIsFatal(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.start()
	h.awaitReady()

	require.NoError(t, h.boot.store.Load().DB().Close())

	assert.Error(t, h.wait())
	assert.Equal(t, fault.ExitFatal, h.exitCode())
	assert.Contains(t, h.logs.String(), "data store connection lost")
}

func TestRun_StatusUpdatesAreRecorded(t *testing.T) {
	mr := miniredis.RunT(t)
	h := newHarness(t, harnessOptions{extra: fmt.Sprintf(`messaging:
  enabled: true
  url: redis://%s/0
`, mr.Addr())})
	h.start()
	h.awaitReady()

	assert.Equal(t, http.StatusNotFound, h.get("/api/v1/status/deploy/app-1").StatusCode)

	mr.Publish("fh-deploy-status", `{"appId":"app-1","env":"dev","status":"complete"}`)

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + h.addr + "/api/v1/status/deploy/app-1")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, waitFor, tick)

	resp := h.get("/api/v1/status/deploy/app-1")
	var body statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "complete", body.Status)
	assert.Equal(t, "dev", body.Environment)

	health := h.get("/sys/info/health")
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestRun_JobRunsRoute(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.start()
	h.awaitReady()

	assert.Equal(t, http.StatusBadRequest, h.get("/api/v1/jobs/export/runs?limit=x").StatusCode)

	resp := h.get("/api/v1/jobs/export/runs")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runs []jobRunResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
	assert.Empty(t, runs)
}

func TestRun_RequiresConfig(t *testing.T) {
	err := New(Options{}).Run(context.Background(), Standalone())
	assert.Error(t, err)
}

func TestDescriptorFromEnv(t *testing.T) {
	t.Setenv(supervisor.EnvWorkerID, "worker-3")
	t.Setenv(supervisor.EnvWorkerSeq, "3")

	d, err := DescriptorFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "worker-3", d.ID)
	assert.Equal(t, 3, d.Seq)
	assert.Equal(t, os.Getpid(), d.Pid)

	t.Setenv(supervisor.EnvWorkerSeq, "x")
	_, err = DescriptorFromEnv()
	assert.Error(t, err)

	t.Setenv(supervisor.EnvWorkerID, "")
	_, err = DescriptorFromEnv()
	assert.Error(t, err)
}

func TestRoleNames(t *testing.T) {
	assert.Equal(t, []string{EventStartScheduler}, RoleNames())
}

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
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

func TestIsProcessRunning(t *testing.T) {
	if !IsProcessRunning(os.Getpid()) {
		t.Error("IsProcessRunning(self) = false")
	}
	if IsProcessRunning(99999999) {
		t.Error("IsProcessRunning(99999999) = true")
	}
}

func TestIsMbaasProcess_Self(t *testing.T) {
	// The test binary is lifecycle.test, not mbaasd.
	if IsMbaasProcess(os.Getpid()) {
		t.Error("IsMbaasProcess(self) = true")
	}
}

func TestSignal(t *testing.T) {
	t.Run("missing PID file", func(t *testing.T) {
		_, err := Signal(filepath.Join(t.TempDir(), "none.pid"), syscall.SIGHUP)
		if !errors.Is(err, ErrProcessNotRunning) {
			t.Errorf("Signal() error = %v, want ErrProcessNotRunning", err)
		}
	})

	t.Run("dead process", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mbaasd.pid")
		if err := os.WriteFile(path, []byte("99999999"), 0600); err != nil {
			t.Fatal(err)
		}
		pid, err := Signal(path, syscall.SIGHUP)
		if !errors.Is(err, ErrProcessNotRunning) {
			t.Errorf("Signal() error = %v, want ErrProcessNotRunning", err)
		}
		if pid != 99999999 {
			t.Errorf("Signal() pid = %d", pid)
		}
	})

	t.Run("foreign process is never signalled", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mbaasd.pid")
		if err := os.WriteFile(path, []byte("1"), 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := Signal(path, syscall.SIGHUP); err == nil {
			t.Error("Signal() to pid 1 succeeded, want error")
		}
	})
}

func TestGracefulShutdown_NotRunning(t *testing.T) {
	if err := GracefulShutdown(99999999, 0, false); !errors.Is(err, ErrProcessNotRunning) {
		t.Errorf("GracefulShutdown() error = %v, want ErrProcessNotRunning", err)
	}
}

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
	"fmt"
	"os"
	"syscall"
	"time"
)

var (
	// ErrProcessNotRunning is returned when the process does not exist.
	ErrProcessNotRunning = errors.New("process not running")

	// ErrNotMbaasProcess is returned when a PID file points at some other program.
	ErrNotMbaasProcess = errors.New("process is not mbaasd")

	// ErrShutdownTimeout is returned when the process doesn't exit within the timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// IsProcessRunning checks if a process with the given PID exists.
func IsProcessRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix FindProcess always succeeds; signal 0 probes for existence.
	return proc.Signal(syscall.Signal(0)) == nil
}

// IsMbaasProcess reports whether pid runs the mbaasd binary.
func IsMbaasProcess(pid int) bool {
	return isMbaasProcess(pid)
}

// SendSignal sends sig to pid.
func SendSignal(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("failed to send signal %v to process %d: %w", sig, pid, err)
	}
	return nil
}

// Signal reads the PID file at path and sends sig to the supervisor it
// names. It returns the PID that was signalled.
func Signal(path string, sig syscall.Signal) (int, error) {
	pid, err := NewPIDFileManager(path).Read()
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: no PID file at %s", ErrProcessNotRunning, path)
		}
		return 0, err
	}
	if !IsProcessRunning(pid) {
		return pid, fmt.Errorf("%w: pid %d", ErrProcessNotRunning, pid)
	}
	if !IsMbaasProcess(pid) {
		return pid, fmt.Errorf("%w: pid %d", ErrNotMbaasProcess, pid)
	}
	return pid, SendSignal(pid, sig)
}

// WaitForExit polls until pid is gone or timeout elapses.
func WaitForExit(pid int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !IsProcessRunning(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return ErrShutdownTimeout
}

// GracefulShutdown sends SIGTERM to pid and waits for it to exit. When
// force is set a process still alive after timeout gets SIGKILL.
func GracefulShutdown(pid int, timeout time.Duration, force bool) error {
	if !IsProcessRunning(pid) {
		return ErrProcessNotRunning
	}
	if err := SendSignal(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	err := WaitForExit(pid, timeout)
	if err == nil || !force {
		return err
	}

	if err := SendSignal(pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to send SIGKILL: %w", err)
	}
	if err := WaitForExit(pid, 5*time.Second); err != nil {
		return fmt.Errorf("process did not die after SIGKILL: %w", err)
	}
	return nil
}

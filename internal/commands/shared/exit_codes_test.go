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

package shared

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain error", errors.New("boom"), ExitFatal},
		{"exit error", &ExitError{Code: 3, Message: "custom"}, 3},
		{"wrapped exit error", fmt.Errorf("serve: %w", NewFatalError("spawn failed", errors.New("fork"))), ExitFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestExitError_Message(t *testing.T) {
	cause := errors.New("no such file")
	err := NewFatalError("failed to load config", cause)

	if err.Error() != "failed to load config: no such file" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("expected ExitError to unwrap to its cause")
	}

	var buf bytes.Buffer
	PrintError(&buf, err)
	if buf.String() != "Error: failed to load config: no such file\n" {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestPIDFile(t *testing.T) {
	defer SetPIDFileForTest("")

	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	if got := PIDFile(""); got != filepath.Join("/run/user/1000", DefaultPIDFileName) {
		t.Errorf("PIDFile() = %q", got)
	}
	if got := PIDFile("/var/run/mbaasd.pid"); got != "/var/run/mbaasd.pid" {
		t.Errorf("PIDFile(configured) = %q", got)
	}

	SetPIDFileForTest("/tmp/flag.pid")
	if got := PIDFile("/var/run/mbaasd.pid"); got != "/tmp/flag.pid" {
		t.Errorf("flag should win, got %q", got)
	}
}

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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tombee/mbaas/internal/commands/shared"
)

func writeFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mbaas.yaml")
	doc := `service:
  port: 8819
store:
  driver: postgres
  url: postgres://mbaas:hunter2@db:5432/mbaas
auth:
  enabled: true
  secret: topsecret
`
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewConfigCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestShow_MasksSecrets(t *testing.T) {
	out, err := run(t, "show", writeFile(t))
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if strings.Contains(out, "hunter2") || strings.Contains(out, "topsecret") {
		t.Errorf("secrets leaked:\n%s", out)
	}
	if !strings.Contains(out, "port: 8819") {
		t.Errorf("expected port in output:\n%s", out)
	}
}

func TestShow_Reveal(t *testing.T) {
	out, err := run(t, "show", writeFile(t), "--reveal")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out, "topsecret") {
		t.Errorf("expected revealed secret:\n%s", out)
	}
}

func TestShow_MissingFile(t *testing.T) {
	_, err := run(t, "show", filepath.Join(t.TempDir(), "nope.yaml"))
	if shared.ExitCode(err) != shared.ExitFatal {
		t.Errorf("expected fatal exit error, got %v", err)
	}
}

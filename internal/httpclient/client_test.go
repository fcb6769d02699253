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

package httpclient

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/tombee/mbaas/internal/middleware"
)

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig("1.0.0").Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	if err := (Config{UserAgent: "x"}).Validate(); err == nil {
		t.Error("expected error for zero timeout")
	}
	if err := (Config{Timeout: time.Second}).Validate(); err == nil {
		t.Error("expected error for empty user agent")
	}
	if _, err := New(Config{}); err == nil {
		t.Error("expected New to reject invalid config")
	}
}

func TestClient_SetsHeaders(t *testing.T) {
	var gotUA, gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotID = r.Header.Get(middleware.RequestIDHeader)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	cfg := DefaultConfig("1.2.3")
	cfg.Logger = slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	client, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := client.Get(srv.URL + "/sys/info/ping?token=s3cr3t-token")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if gotUA != "mbaasd/1.2.3" {
		t.Errorf("User-Agent = %q", gotUA)
	}
	if gotID == "" {
		t.Error("expected a request ID header")
	}
	if strings.Contains(buf.String(), "s3cr3t-token") {
		t.Errorf("token leaked into log: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"status":200`) {
		t.Errorf("expected status in log: %s", buf.String())
	}
}

func TestClient_KeepsCallerRequestID(t *testing.T) {
	var gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get(middleware.RequestIDHeader)
	}))
	defer srv.Close()

	client, err := New(DefaultConfig("dev"))
	if err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set(middleware.RequestIDHeader, "req-1")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if gotID != "req-1" {
		t.Errorf("request ID = %q, want req-1", gotID)
	}
}

func TestSanitizeURL(t *testing.T) {
	u, _ := url.Parse("http://admin:pw@host:8819/sys?api_key=k&limit=5")
	got := sanitizeURL(u)
	if strings.Contains(got, "pw") || strings.Contains(got, "=k") {
		t.Errorf("sanitizeURL leaked secrets: %s", got)
	}
	if !strings.Contains(got, "limit=5") {
		t.Errorf("sanitizeURL dropped safe params: %s", got)
	}
	if sanitizeURL(nil) != "" {
		t.Error("expected empty string for nil URL")
	}
}

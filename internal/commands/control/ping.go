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
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/mbaas/internal/commands/shared"
	"github.com/tombee/mbaas/internal/httpclient"
	"github.com/tombee/mbaas/internal/lifecycle"
)

// DefaultPingPath is probed when the URL has no path.
const DefaultPingPath = "/sys/info/ping"

type pingResult struct {
	URL        string `json:"url"`
	Healthy    bool   `json:"healthy"`
	StatusCode int    `json:"status_code,omitempty"`
	Attempts   int    `json:"attempts"`
	LatencyMS  int64  `json:"latency_ms"`
	Error      string `json:"error,omitempty"`
}

// NewPingCommand creates the ping command.
func NewPingCommand() *cobra.Command {
	var (
		timeout time.Duration
		wait    bool
	)

	cmd := &cobra.Command{
		Use:   "ping <url>",
		Short: "Check a worker's health endpoint",
		Long: `Probe the health endpoint of a running worker. A URL without a path
is probed at /sys/info/ping.

With --wait the probe is retried with backoff until it succeeds or the
timeout expires, which is useful in deploy scripts.`,
		Example: `  mbaasd ping http://localhost:8819
  mbaasd ping http://localhost:8819/sys/info/health --wait --timeout 60s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint, err := pingURL(args[0])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			version, _, _ := shared.GetVersion()
			cfg := httpclient.DefaultConfig(version)
			cfg.Timeout = min(timeout, cfg.Timeout)
			client, err := httpclient.New(cfg)
			if err != nil {
				return err
			}
			checker := lifecycle.NewHealthChecker(endpoint).WithHTTPClient(client)
			res := pingResult{URL: endpoint}
			record := func(r *lifecycle.HealthCheckResult, attempt int) {
				res.Attempts = attempt
				res.Healthy = r.Success
				res.StatusCode = r.StatusCode
				res.LatencyMS = r.ResponseTime.Milliseconds()
				res.Error = ""
				if r.Error != nil {
					res.Error = r.Error.Error()
				}
			}

			var checkErr error
			if wait {
				checkErr = checker.WaitUntilHealthy(ctx, record)
			} else {
				record(checker.Check(ctx), 1)
				if !res.Healthy {
					checkErr = fmt.Errorf("unhealthy: status %d %s", res.StatusCode, res.Error)
				}
			}

			if shared.GetJSON() {
				data, err := json.MarshalIndent(res, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal ping result: %w", err)
				}
				cmd.Println(string(data))
			} else if res.Healthy {
				cmd.Printf("%s is healthy (%dms)\n", endpoint, res.LatencyMS)
			}

			if checkErr != nil {
				return shared.NewFatalError("ping failed", checkErr)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Give up after this long")
	cmd.Flags().BoolVar(&wait, "wait", false, "Retry until healthy or timeout")

	return cmd
}

func pingURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid URL %q: expected http://host:port[/path]", raw)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = DefaultPingPath
	}
	return u.String(), nil
}

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
	"fmt"
	"io"
	"net/url"

	"gopkg.in/yaml.v3"
)

// Render writes snap as YAML. Secrets are masked unless reveal is set.
func Render(w io.Writer, snap *Snapshot, reveal bool) error {
	out := *snap
	if !reveal {
		out.Auth.Secret = maskSecret(out.Auth.Secret)
		out.Store.URL = redactURL(out.Store.URL)
		out.Messaging.URL = redactURL(out.Messaging.URL)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&out); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// redactURL hides the password of a connection URL. Values that do not
// parse as URLs (e.g. sqlite paths) are returned unchanged.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}

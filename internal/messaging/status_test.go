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

package messaging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusHandler(t *testing.T) {
	var (
		gotKind   string
		gotUpdate StatusUpdate
	)
	h := StatusHandler("deploy", nil, func(_ context.Context, kind string, u StatusUpdate) error {
		gotKind, gotUpdate = kind, u
		return nil
	})

	err := h(context.Background(), Message{
		Channel: "fh-deploy-status",
		Payload: []byte(`{"appId":"app-1","env":"dev","status":"finished","message":"done"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "deploy", gotKind)
	assert.Equal(t, StatusUpdate{AppID: "app-1", Environment: "dev", Status: "finished", Message: "done"}, gotUpdate)
}

func TestStatusHandler_Invalid(t *testing.T) {
	h := StatusHandler("migration", nil, nil)

	tests := map[string]string{
		"not json":       `{`,
		"missing app id": `{"status":"ok"}`,
		"missing status": `{"appId":"a"}`,
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			err := h(context.Background(), Message{Payload: []byte(payload)})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid migration status message")
		})
	}
}

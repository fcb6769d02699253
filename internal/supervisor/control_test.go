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

package supervisor

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConn_WritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	c := NewConn(strings.NewReader(""), &buf)

	require.NoError(t, c.Send(Message{Type: MsgReady, WorkerID: "worker-1"}))
	require.NoError(t, c.Send(Message{Type: MsgEvent, Event: "startScheduler"}))

	assert.Equal(t,
		`{"type":"ready","worker_id":"worker-1"}`+"\n"+`{"type":"event","event":"startScheduler"}`+"\n",
		buf.String())
}

func TestConn_RecvUntilEOF(t *testing.T) {
	in := `{"type":"reload"}` + "\n" + `{"type":"event","event":"startScheduler"}` + "\n"
	c := NewConn(strings.NewReader(in), io.Discard)

	m, err := c.Recv()
	require.NoError(t, err)
	assert.Equal(t, MsgReload, m.Type)

	m, err = c.Recv()
	require.NoError(t, err)
	assert.Equal(t, "startScheduler", m.Event)

	_, err = c.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestConn_OverPipe(t *testing.T) {
	r, w := io.Pipe()
	parent := NewConn(strings.NewReader(""), w, w)
	child := NewConn(r, io.Discard, r)

	go func() {
		_ = parent.Send(Message{Type: MsgEvent, Event: "startScheduler"})
		_ = parent.Close()
	}()

	m, err := child.Recv()
	require.NoError(t, err)
	assert.Equal(t, Message{Type: MsgEvent, Event: "startScheduler"}, m)

	_, err = child.Recv()
	assert.Error(t, err)
	assert.NoError(t, child.Close())
}

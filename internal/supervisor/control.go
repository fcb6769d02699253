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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Control message types.
const (
	// MsgReady is sent by a worker once its subsystems are initialized.
	MsgReady = "ready"

	// MsgEvent delivers a special event to its elected owner.
	MsgEvent = "event"

	// MsgReload asks a worker to reload its configuration.
	MsgReload = "reload"
)

// Environment variables set on every worker process.
const (
	EnvWorkerID  = "MBAAS_WORKER_ID"
	EnvWorkerSeq = "MBAAS_WORKER_SEQ"
)

// Worker-side file descriptors of the control channel.
const (
	controlInFD  = 3
	controlOutFD = 4
)

// Message is one line on the control channel.
type Message struct {
	Type     string `json:"type"`
	Event    string `json:"event,omitempty"`
	WorkerID string `json:"worker_id,omitempty"`
}

// Conn is one end of a control channel: newline-delimited JSON messages
// in each direction.
type Conn struct {
	dec *json.Decoder

	mu      sync.Mutex
	enc     *json.Encoder
	closers []io.Closer
}

// NewConn reads messages from r and writes them to w. closers are closed
// by Close.
func NewConn(r io.Reader, w io.Writer, closers ...io.Closer) *Conn {
	return &Conn{dec: json.NewDecoder(r), enc: json.NewEncoder(w), closers: closers}
}

// Send writes m. It is safe for concurrent use.
func (c *Conn) Send(m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enc.Encode(m); err != nil {
		return fmt.Errorf("control: send %s: %w", m.Type, err)
	}
	return nil
}

// Recv blocks for the next message. It returns io.EOF when the peer
// closed its end.
func (c *Conn) Recv() (Message, error) {
	var m Message
	if err := c.dec.Decode(&m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Close closes the underlying files.
func (c *Conn) Close() error {
	var errs []error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ChildConn opens the control channel a worker inherits from its
// supervisor.
func ChildConn() (*Conn, error) {
	in := os.NewFile(controlInFD, "mbaas-control-in")
	out := os.NewFile(controlOutFD, "mbaas-control-out")
	if in == nil || out == nil {
		return nil, errors.New("control: channel not inherited")
	}
	if _, err := in.Stat(); err != nil {
		return nil, fmt.Errorf("control: channel not inherited: %w", err)
	}
	return NewConn(in, out, in, out), nil
}

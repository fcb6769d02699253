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
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
)

// Process is a running worker as seen by the supervisor.
type Process interface {
	Pid() int

	// Send writes a control message to the worker.
	Send(Message) error

	// Messages yields control messages from the worker. It is closed
	// when the worker closes its end of the channel.
	Messages() <-chan Message

	// Done is closed once the process exit has been observed.
	Done() <-chan struct{}

	// ExitErr is the exit status after Done is closed.
	ExitErr() error

	Signal(os.Signal) error
	Kill() error
}

// Launcher starts worker processes.
type Launcher interface {
	Launch(desc Descriptor) (Process, error)
}

// ExecLauncher starts workers by re-executing a binary. The control
// channel is passed as two inherited pipes on fds 3 and 4.
type ExecLauncher struct {
	Path   string
	Args   []string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// NewExecLauncher re-executes the running binary with args.
func NewExecLauncher(args ...string) (*ExecLauncher, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable: %w", err)
	}
	return &ExecLauncher{
		Path:   path,
		Args:   args,
		Env:    os.Environ(),
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}, nil
}

// Launch implements Launcher.
func (l *ExecLauncher) Launch(desc Descriptor) (Process, error) {
	toChildR, toChildW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create control pipe: %w", err)
	}
	fromChildR, fromChildW, err := os.Pipe()
	if err != nil {
		toChildR.Close()
		toChildW.Close()
		return nil, fmt.Errorf("failed to create control pipe: %w", err)
	}

	cmd := exec.Command(l.Path, l.Args...)
	cmd.Env = append(append([]string{}, l.Env...),
		EnvWorkerID+"="+desc.ID,
		EnvWorkerSeq+"="+strconv.Itoa(desc.Seq),
	)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	cmd.ExtraFiles = []*os.File{toChildR, fromChildW}

	if err := cmd.Start(); err != nil {
		toChildR.Close()
		toChildW.Close()
		fromChildR.Close()
		fromChildW.Close()
		return nil, fmt.Errorf("failed to start %s: %w", desc.ID, err)
	}

	// The child holds its own copies now.
	toChildR.Close()
	fromChildW.Close()

	p := &execProcess{
		cmd:  cmd,
		conn: NewConn(fromChildR, toChildW, fromChildR, toChildW),
		msgs: make(chan Message, 16),
		done: make(chan struct{}),
	}
	go p.read()
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	conn *Conn
	msgs chan Message
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (p *execProcess) read() {
	defer close(p.msgs)
	for {
		m, err := p.conn.Recv()
		if err != nil {
			return
		}
		select {
		case p.msgs <- m:
		case <-p.done:
			return
		}
	}
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	p.conn.Close()
	close(p.done)
}

func (p *execProcess) Pid() int                 { return p.cmd.Process.Pid }
func (p *execProcess) Send(m Message) error     { return p.conn.Send(m) }
func (p *execProcess) Messages() <-chan Message { return p.msgs }
func (p *execProcess) Done() <-chan struct{}    { return p.done }
func (p *execProcess) Kill() error              { return p.cmd.Process.Kill() }

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

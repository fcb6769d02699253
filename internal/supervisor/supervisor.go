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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/mbaas/internal/log"
)

const (
	// DefaultElectionGrace bounds the wait for a preferred owner that is
	// alive but not yet ready.
	DefaultElectionGrace = 30 * time.Second

	// DefaultShutdownTimeout is how long workers get after SIGTERM.
	DefaultShutdownTimeout = 10 * time.Second

	// DefaultRespawnBurst is the number of back-to-back respawns allowed
	// before throttling kicks in.
	DefaultRespawnBurst = 5
)

// DefaultRespawnLimit allows one respawn every five seconds on average.
var DefaultRespawnLimit = rate.Every(5 * time.Second)

// SpecialEvent is a one-per-cluster responsibility handed to a single
// elected worker.
type SpecialEvent struct {
	EventID string

	// PreferredWorkerID pins the event to a worker, for example
	// "worker-2". Empty means no preference.
	PreferredWorkerID string
}

// Options configures a Supervisor.
type Options struct {
	Workers  int
	Special  []SpecialEvent
	Launcher Launcher

	ElectionGrace   time.Duration
	RespawnLimit    rate.Limit
	RespawnBurst    int
	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

// SpawnError reports a worker that could not be started. It is fatal to
// the supervisor.
type SpawnError struct {
	WorkerID string
	Err      error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %s: %v", e.WorkerID, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ErrAlreadyRunning is returned by Run when called twice.
var ErrAlreadyRunning = errors.New("supervisor already running")

type worker struct {
	desc  Descriptor
	proc  Process
	ready bool
}

type eventKind int

const (
	evMessage eventKind = iota
	evExit
)

type event struct {
	kind eventKind
	w    *worker
	msg  Message
}

// Supervisor owns the worker fleet. All fleet state is mutated by the
// Run loop; the mutex only serves the read accessors.
type Supervisor struct {
	opts    Options
	logger  *slog.Logger
	limiter *rate.Limiter

	events  chan event
	relay   chan Message
	respawn chan struct{}
	closed  chan struct{}

	mu          sync.Mutex
	running     bool
	nextSeq     int
	workers     map[string]*worker
	assign      Assignment
	vacantSince map[string]time.Time
	pending     int
}

// New validates opts and returns a Supervisor ready to Run.
func New(opts Options) (*Supervisor, error) {
	if opts.Workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1, got %d", opts.Workers)
	}
	if opts.Launcher == nil {
		return nil, errors.New("launcher is required")
	}
	seen := make(map[string]bool, len(opts.Special))
	for _, ev := range opts.Special {
		if ev.EventID == "" {
			return nil, errors.New("special event id is required")
		}
		if seen[ev.EventID] {
			return nil, fmt.Errorf("duplicate special event %q", ev.EventID)
		}
		seen[ev.EventID] = true
	}
	if opts.ElectionGrace <= 0 {
		opts.ElectionGrace = DefaultElectionGrace
	}
	if opts.RespawnLimit <= 0 {
		opts.RespawnLimit = DefaultRespawnLimit
	}
	if opts.RespawnBurst <= 0 {
		opts.RespawnBurst = DefaultRespawnBurst
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Supervisor{
		opts:        opts,
		logger:      log.WithComponent(logger, "supervisor"),
		limiter:     rate.NewLimiter(opts.RespawnLimit, opts.RespawnBurst),
		events:      make(chan event, 64),
		relay:       make(chan Message, 8),
		respawn:     make(chan struct{}, 1),
		closed:      make(chan struct{}),
		workers:     make(map[string]*worker),
		assign:      make(Assignment),
		vacantSince: make(map[string]time.Time),
	}, nil
}

// Run spawns the fleet and supervises it until ctx is cancelled, then
// terminates every worker. A worker that cannot be spawned stops the
// supervisor with a *SpawnError.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()
	defer close(s.closed)

	now := time.Now()
	for _, ev := range s.opts.Special {
		s.vacantSince[ev.EventID] = now
	}

	for i := 0; i < s.opts.Workers; i++ {
		if err := s.spawn(); err != nil {
			s.shutdown()
			return err
		}
	}
	s.logger.Info("worker fleet started", slog.Int("workers", s.opts.Workers))

	grace := time.NewTimer(s.opts.ElectionGrace)
	defer grace.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil

		case ev := <-s.events:
			if ctx.Err() != nil {
				s.shutdown()
				return nil
			}
			if err := s.handle(ev); err != nil {
				s.shutdown()
				return err
			}

		case msg := <-s.relay:
			s.broadcast(msg)

		case <-s.respawn:
			if ctx.Err() != nil {
				s.shutdown()
				return nil
			}
			if err := s.spawnPending(); err != nil {
				s.shutdown()
				return err
			}

		case <-grace.C:
		}

		if wait, ok := s.elect(time.Now()); ok {
			grace.Reset(wait)
		}
	}
}

// Broadcast relays msg to every live worker. It returns false when the
// relay queue is full or the supervisor has stopped.
func (s *Supervisor) Broadcast(msg Message) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.relay <- msg:
		return true
	default:
		return false
	}
}

// Assignments returns a copy of the current event ownership.
func (s *Supervisor) Assignments() Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(Assignment, len(s.assign))
	for k, v := range s.assign {
		out[k] = v
	}
	return out
}

// Workers returns the live workers ordered by Seq.
func (s *Supervisor) Workers() []Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Descriptor, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (s *Supervisor) spawn() error {
	s.mu.Lock()
	s.nextSeq++
	desc := Descriptor{ID: WorkerID(s.nextSeq), Seq: s.nextSeq, Role: RoleGeneric}
	s.mu.Unlock()

	proc, err := s.opts.Launcher.Launch(desc)
	if err != nil {
		s.logger.Error("worker spawn failed", slog.String(log.WorkerIDKey, desc.ID), log.Error(err))
		return &SpawnError{WorkerID: desc.ID, Err: err}
	}
	desc.Pid = proc.Pid()
	w := &worker{desc: desc, proc: proc}

	s.mu.Lock()
	s.workers[desc.ID] = w
	s.mu.Unlock()

	s.logger.Info("worker started", slog.String(log.WorkerIDKey, desc.ID), slog.Int("pid", desc.Pid))
	go s.watch(w)
	return nil
}

// watch forwards a worker's messages and exit to the Run loop.
func (s *Supervisor) watch(w *worker) {
	msgs := w.proc.Messages()
	for {
		select {
		case m, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			if !s.post(event{kind: evMessage, w: w, msg: m}) {
				return
			}
		case <-w.proc.Done():
			s.post(event{kind: evExit, w: w})
			return
		}
	}
}

func (s *Supervisor) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.closed:
		return false
	}
}

func (s *Supervisor) handle(ev event) error {
	s.mu.Lock()
	current, live := s.workers[ev.w.desc.ID]
	s.mu.Unlock()
	if !live || current != ev.w {
		return nil
	}

	switch ev.kind {
	case evMessage:
		switch ev.msg.Type {
		case MsgReady:
			s.mu.Lock()
			ev.w.ready = true
			s.mu.Unlock()
			s.logger.Info("worker ready", slog.String(log.WorkerIDKey, ev.w.desc.ID))
		default:
			s.logger.Warn("unexpected control message",
				slog.String(log.WorkerIDKey, ev.w.desc.ID),
				slog.String("type", ev.msg.Type))
		}
		return nil

	case evExit:
		return s.exited(ev.w)
	}
	return nil
}

// exited releases everything the worker held and schedules its
// replacement.
func (s *Supervisor) exited(w *worker) error {
	now := time.Now()

	s.mu.Lock()
	delete(s.workers, w.desc.ID)
	var released []string
	for eventID, owner := range s.assign {
		if owner == w.desc.ID {
			delete(s.assign, eventID)
			s.vacantSince[eventID] = now
			released = append(released, eventID)
		}
	}
	s.mu.Unlock()

	s.logger.Warn("worker exited",
		slog.String(log.WorkerIDKey, w.desc.ID),
		slog.Int("pid", w.desc.Pid),
		log.Error(w.proc.ExitErr()))
	for _, eventID := range released {
		s.logger.Warn("special event released", slog.String(log.EventKey, eventID), slog.String(log.WorkerIDKey, w.desc.ID))
	}

	r := s.limiter.Reserve()
	delay := r.Delay()
	if delay == 0 {
		return s.spawn()
	}

	s.mu.Lock()
	s.pending++
	s.mu.Unlock()
	s.logger.Warn("worker respawn throttled", slog.Duration("delay", delay))
	time.AfterFunc(delay, func() {
		select {
		case s.respawn <- struct{}{}:
		case <-s.closed:
		}
	})
	return nil
}

func (s *Supervisor) spawnPending() error {
	s.mu.Lock()
	if s.pending == 0 {
		s.mu.Unlock()
		return nil
	}
	s.pending--
	s.mu.Unlock()
	return s.spawn()
}

// elect assigns every vacant special event it can. It returns the time
// until the earliest pending grace period expires, if any.
func (s *Supervisor) elect(now time.Time) (time.Duration, bool) {
	var (
		wait    time.Duration
		waiting bool
	)

	for _, ev := range s.opts.Special {
		s.mu.Lock()
		_, held := s.assign[ev.EventID]
		since := s.vacantSince[ev.EventID]
		candidates := s.candidatesLocked()
		s.mu.Unlock()
		if held {
			continue
		}

		preferred := ev.PreferredWorkerID
		if preferred != "" && now.Sub(since) >= s.opts.ElectionGrace {
			preferred = ""
		}

		c, ok := Elect(preferred, candidates)
		if !ok {
			if preferred != "" {
				remaining := s.opts.ElectionGrace - now.Sub(since)
				if !waiting || remaining < wait {
					wait, waiting = remaining, true
				}
			}
			continue
		}

		s.mu.Lock()
		w := s.workers[c.ID]
		s.assign[ev.EventID] = c.ID
		delete(s.vacantSince, ev.EventID)
		w.desc.Role = RoleSchedulerOwner
		s.mu.Unlock()

		s.logger.Info("special event assigned", slog.String(log.EventKey, ev.EventID), slog.String(log.WorkerIDKey, c.ID))
		if err := w.proc.Send(Message{Type: MsgEvent, Event: ev.EventID, WorkerID: c.ID}); err != nil {
			// The assignment stays until the exit is observed.
			s.logger.Error("failed to deliver special event, killing worker",
				slog.String(log.EventKey, ev.EventID),
				slog.String(log.WorkerIDKey, c.ID),
				log.Error(err))
			_ = w.proc.Kill()
		}
	}
	return wait, waiting
}

func (s *Supervisor) candidatesLocked() []Candidate {
	out := make([]Candidate, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, Candidate{ID: w.desc.ID, Seq: w.desc.Seq, Ready: w.ready})
	}
	return out
}

func (s *Supervisor) broadcast(msg Message) {
	s.mu.Lock()
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	for _, w := range workers {
		if err := w.proc.Send(msg); err != nil {
			s.logger.Warn("failed to relay control message",
				slog.String(log.WorkerIDKey, w.desc.ID),
				slog.String("type", msg.Type),
				log.Error(err))
		}
	}
}

// shutdown sends SIGTERM to every worker and waits for them to exit,
// escalating to SIGKILL after ShutdownTimeout.
func (s *Supervisor) shutdown() {
	s.mu.Lock()
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	if len(workers) == 0 {
		return
	}
	s.logger.Info("stopping workers", slog.Int("workers", len(workers)))

	for _, w := range workers {
		if err := w.proc.Signal(syscall.SIGTERM); err != nil {
			s.logger.Debug("failed to signal worker", slog.String(log.WorkerIDKey, w.desc.ID), log.Error(err))
		}
	}

	deadline := time.NewTimer(s.opts.ShutdownTimeout)
	defer deadline.Stop()
	for _, w := range workers {
		select {
		case <-w.proc.Done():
		case <-deadline.C:
			s.kill(workers)
			return
		}
	}
}

func (s *Supervisor) kill(workers []*worker) {
	for _, w := range workers {
		select {
		case <-w.proc.Done():
			continue
		default:
		}
		s.logger.Warn("worker did not stop in time, killing", slog.String(log.WorkerIDKey, w.desc.ID))
		_ = w.proc.Kill()
	}
	for _, w := range workers {
		select {
		case <-w.proc.Done():
		case <-time.After(s.opts.ShutdownTimeout):
			s.logger.Error("worker still running after kill", slog.String(log.WorkerIDKey, w.desc.ID))
		}
	}
}

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
	"sync/atomic"
)

// Store holds the active Snapshot of a process.
type Store struct {
	path    string
	current atomic.Pointer[Snapshot]
	load    func(path string) (*Snapshot, error)
}

// NewStore loads path and returns a Store holding the result.
func NewStore(path string) (*Store, error) {
	snap, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewStoreFromSnapshot(snap), nil
}

// NewStoreFromSnapshot wraps an already loaded snapshot. Reload re-reads
// snap.Path.
func NewStoreFromSnapshot(snap *Snapshot) *Store {
	s := &Store{path: snap.Path, load: Load}
	s.current.Store(snap)
	return s
}

// Current returns the active snapshot. The returned value is never
// mutated; a later Reload installs a different pointer.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Path returns the backing file of the store.
func (s *Store) Path() string {
	return s.path
}

// Reload re-reads the backing file. On success the new snapshot replaces
// the active one and is returned; on failure the active snapshot is left
// untouched and the error is returned.
func (s *Store) Reload() (*Snapshot, error) {
	snap, err := s.load(s.path)
	if err != nil {
		return nil, err
	}
	s.current.Store(snap)
	return snap, nil
}

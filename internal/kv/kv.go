//
// Copyright 2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package kv implements the C7 IndexedDB-shaped object store: a per-app
// engine owning named databases, each owning named object stores backed
// by an immutable radix tree for ordered, cursor-snapshot-friendly
// iteration (spec.md §4.7), following the same map-of-services-by-id
// shape as the teacher's state.containerStateService.
package kv

import (
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/nestybox/kernelcore/domain"
	grpcCodes "google.golang.org/grpc/codes"
	grpcStatus "google.golang.org/grpc/status"
)

const defaultQuotaBytes = 50 * 1024 * 1024 // 50 MiB, spec.md §4.7

// Service is the C7 engine-of-engines: one engine per app, looked up by
// app id exactly like the teacher indexes containers by container id.
type Service struct {
	mu         sync.RWMutex
	engines    map[string]*engine
	quotaBytes uint64
}

func NewService() *Service {
	return &Service{engines: make(map[string]*engine)}
}

var _ domain.KVServiceIface = (*Service)(nil)

func (s *Service) Setup(quotaBytes uint64) {
	if quotaBytes == 0 {
		quotaBytes = defaultQuotaBytes
	}
	s.quotaBytes = quotaBytes
}

func (s *Service) engineFor(app string) *engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.engines[app]
	if !ok {
		e = &engine{
			quotaBytes: s.quotaBytes,
			databases:  make(map[string]*database),
		}
		s.engines[app] = e
	}
	return e
}

func (s *Service) OpenDatabase(app, name string, version uint64) (domain.DatabaseIface, error) {
	return s.engineFor(app).openDatabase(name, version)
}

func (s *Service) DeleteDatabase(app, name string) error {
	s.mu.RLock()
	e, ok := s.engines[app]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return e.deleteDatabase(name)
}

func (s *Service) QuotaUsed(app string) uint64 {
	s.mu.RLock()
	e, ok := s.engines[app]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.quotaUsed
}

// engine owns every database belonging to one app, plus the running
// quota total every put/delete across all its stores updates.
type engine struct {
	mu         sync.RWMutex
	databases  map[string]*database
	quotaBytes uint64
	quotaUsed  uint64
}

var (
	ErrNotFound       = grpcStatus.Error(grpcCodes.NotFound, "kv: not found")
	ErrVersionError   = grpcStatus.Error(grpcCodes.FailedPrecondition, "kv: version error")
	ErrQuotaExceeded  = grpcStatus.Error(grpcCodes.ResourceExhausted, "kv: quota exceeded")
	ErrReadOnly       = grpcStatus.Error(grpcCodes.PermissionDenied, "kv: read-only transaction")
	ErrNeedsVersionTx = grpcStatus.Error(grpcCodes.FailedPrecondition, "kv: requires a versionchange transaction")
	ErrAlreadyExists  = grpcStatus.Error(grpcCodes.AlreadyExists, "kv: already exists")
	ErrKeyRequired    = grpcStatus.Error(grpcCodes.InvalidArgument, "kv: key required, store has no auto-increment")
)

func (e *engine) openDatabase(name string, version uint64) (*database, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	db, ok := e.databases[name]
	if !ok {
		db = &database{
			name:    name,
			version: version,
			stores:  make(map[string]*objectStore),
			engine:  e,
		}
		e.databases[name] = db
		return db, nil
	}
	if version < db.version {
		return nil, ErrVersionError
	}
	db.version = version
	return db, nil
}

func (e *engine) deleteDatabase(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.databases[name]; !ok {
		return ErrNotFound
	}
	delete(e.databases, name)
	return nil
}

func (e *engine) addQuota(delta int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	newTotal := int64(e.quotaUsed) + delta
	if newTotal < 0 {
		newTotal = 0
	}
	if uint64(newTotal) > e.quotaBytes {
		return ErrQuotaExceeded
	}
	e.quotaUsed = uint64(newTotal)
	return nil
}

// database owns its stores and the version it was last opened at.
type database struct {
	mu      sync.RWMutex
	name    string
	version uint64
	stores  map[string]*objectStore
	engine  *engine
}

func (d *database) Version() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

func (d *database) Transaction(mode domain.TxMode, storeNames []string) (domain.TxHandle, error) {
	d.mu.RLock()
	held := make([]*objectStore, 0, len(storeNames))
	for _, n := range storeNames {
		if st, ok := d.stores[n]; ok {
			held = append(held, st)
		}
	}
	d.mu.RUnlock()

	for _, st := range held {
		st.holdMu.Lock()
	}

	return &tx{db: d, mode: mode, held: held}, nil
}

type tx struct {
	db   *database
	mode domain.TxMode
	held []*objectStore
	done bool
}

func (t *tx) Store(name string) (domain.ObjectStoreIface, bool) {
	t.db.mu.RLock()
	st, ok := t.db.stores[name]
	t.db.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return &txStore{store: st, readOnly: t.mode == domain.Readonly}, true
}

func (t *tx) CreateObjectStore(name string, autoIncrement bool) (domain.ObjectStoreIface, error) {
	if t.mode != domain.Versionchange {
		return nil, ErrNeedsVersionTx
	}
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	if _, exists := t.db.stores[name]; exists {
		return nil, ErrAlreadyExists
	}
	st := &objectStore{
		name:          name,
		autoIncrement: autoIncrement,
		primary:       iradix.New(),
		indices:       make(map[string]*index),
		engine:        t.db.engine,
		counter:       0,
	}
	t.db.stores[name] = st
	return &txStore{store: st, readOnly: false}, nil
}

func (t *tx) DeleteObjectStore(name string) error {
	if t.mode != domain.Versionchange {
		return ErrNeedsVersionTx
	}
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	if _, ok := t.db.stores[name]; !ok {
		return ErrNotFound
	}
	delete(t.db.stores, name)
	return nil
}

func (t *tx) release() {
	if t.done {
		return
	}
	t.done = true
	for _, st := range t.held {
		st.holdMu.Unlock()
	}
}

func (t *tx) Commit() error {
	t.release()
	return nil
}

func (t *tx) Abort() error {
	// the radix tree's persistence means writes already applied inside
	// this view cannot be unwound without snapshotting the pre-tx root;
	// a hobby kernel's KV store does not implement rollback, only the
	// exclusivity guarantee the spec requires.
	t.release()
	return nil
}

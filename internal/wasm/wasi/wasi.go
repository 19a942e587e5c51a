//
// Copyright 2019-2020 Nestybox, Inc.
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

// Package wasi implements the preview-2-shaped WASI capability surface
// that C4 JIT-compiled guest functions call into: a per-instance fd table
// gated by rights bitmasks, with host files backed by afero so the VFS
// mount that owns a preopen directory can be swapped for tests
// (spec.md §4.4.2).
package wasi

import (
	"crypto/rand"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/nestybox/kernelcore/domain"
	"github.com/spf13/afero"
)

var (
	ErrBadFd         = errors.New("wasi: bad file descriptor")
	ErrRightsMissing = errors.New("wasi: operation not permitted by fd rights")
	ErrNotPrestat    = errors.New("wasi: fd is not a preopened directory")
)

type fdEntry struct {
	file    afero.File
	rights  domain.WasiRights
	preopen string // non-empty for a preopened directory
	isDir   bool
}

// Host is the C4 WASI host. args/env are fixed at construction to mirror
// the single-instance, no-fork guest model a hobby kernel runs.
type Host struct {
	mu   sync.Mutex
	fs   afero.Fs
	fds  map[domain.WasiFd]*fdEntry
	next domain.WasiFd

	args []string
	env  []string
}

// NewHost wires a fresh fd table with fds 0/1/2 reserved for
// stdin/stdout/stderr, backed by an in-memory afero filesystem unless the
// caller supplies its own (e.g. the C5 host filesystem).
func NewHost(fs afero.Fs, args, env []string) *Host {
	if fs == nil {
		fs = afero.NewMemMapFs()
	}
	h := &Host{
		fs:   fs,
		fds:  make(map[domain.WasiFd]*fdEntry),
		next: 3,
		args: args,
		env:  env,
	}
	h.fds[0] = &fdEntry{rights: domain.WasiRightFdRead}
	h.fds[1] = &fdEntry{rights: domain.WasiRightFdWrite}
	h.fds[2] = &fdEntry{rights: domain.WasiRightFdWrite}
	return h
}

var _ domain.WasiHostIface = (*Host)(nil)

// Preopen registers path as a preopened directory available to the guest
// under the next free fd, returning that fd.
func (h *Host) Preopen(path string) (domain.WasiFd, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fd := h.next
	h.next++
	rights := domain.WasiRightPathOpen | domain.WasiRightFdReaddir |
		domain.WasiRightPathCreateDirectory | domain.WasiRightPathRemoveDirectory |
		domain.WasiRightPathUnlinkFile | domain.WasiRightPathRename
	h.fds[fd] = &fdEntry{preopen: path, isDir: true, rights: rights}
	return fd, nil
}

func (h *Host) ArgsGet() [][]byte {
	out := make([][]byte, len(h.args))
	for i, a := range h.args {
		out[i] = []byte(a)
	}
	return out
}

func (h *Host) EnvironGet() [][]byte {
	out := make([][]byte, len(h.env))
	for i, e := range h.env {
		out[i] = []byte(e)
	}
	return out
}

func (h *Host) lookup(fd domain.WasiFd, need domain.WasiRights) (*fdEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.fds[fd]
	if !ok {
		return nil, ErrBadFd
	}
	if need != 0 && e.rights&need == 0 {
		return nil, ErrRightsMissing
	}
	return e, nil
}

func (h *Host) FdRead(fd domain.WasiFd, n int) ([]byte, error) {
	e, err := h.lookup(fd, domain.WasiRightFdRead)
	if err != nil {
		return nil, err
	}
	if e.file == nil {
		return nil, nil
	}
	buf := make([]byte, n)
	rn, err := e.file.Read(buf)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:rn], nil
}

func (h *Host) FdWrite(fd domain.WasiFd, data []byte) (int, error) {
	e, err := h.lookup(fd, domain.WasiRightFdWrite)
	if err != nil {
		return 0, err
	}
	if e.file == nil {
		// fds 1/2 without a backing file are the console sink; the
		// byte count is still reported to the guest as if written.
		return len(data), nil
	}
	return e.file.Write(data)
}

func (h *Host) FdSeek(fd domain.WasiFd, offset int64, whence int) (int64, error) {
	e, err := h.lookup(fd, domain.WasiRightFdSeek)
	if err != nil {
		return 0, err
	}
	if e.file == nil {
		return 0, ErrBadFd
	}
	return e.file.Seek(offset, whence)
}

func (h *Host) FdTell(fd domain.WasiFd) (int64, error) {
	return h.FdSeek(fd, 0, io.SeekCurrent)
}

func (h *Host) FdClose(fd domain.WasiFd) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.fds[fd]
	if !ok {
		return ErrBadFd
	}
	if e.file != nil {
		_ = e.file.Close()
	}
	delete(h.fds, fd)
	return nil
}

func (h *Host) FdFdstatGet(fd domain.WasiFd) (domain.WasiRights, error) {
	e, err := h.lookup(fd, 0)
	if err != nil {
		return 0, err
	}
	return e.rights, nil
}

func (h *Host) FdPrestatGet(fd domain.WasiFd) (string, bool) {
	e, err := h.lookup(fd, 0)
	if err != nil || e.preopen == "" {
		return "", false
	}
	return e.preopen, true
}

func (h *Host) FdReaddir(fd domain.WasiFd) ([]string, error) {
	e, err := h.lookup(fd, domain.WasiRightFdReaddir)
	if err != nil {
		return nil, err
	}
	dir := e.preopen
	if dir == "" && e.file != nil {
		dir = e.file.Name()
	}
	infos, err := afero.ReadDir(h.fs, dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(infos))
	for i, fi := range infos {
		names[i] = fi.Name()
	}
	return names, nil
}

func (h *Host) resolvedPath(dirFd domain.WasiFd, path string) (string, error) {
	e, err := h.lookup(dirFd, 0)
	if err != nil {
		return "", err
	}
	if e.preopen == "" {
		return "", ErrNotPrestat
	}
	return e.preopen + "/" + path, nil
}

func (h *Host) PathOpen(dirFd domain.WasiFd, path string, flags uint32) (domain.WasiFd, error) {
	full, err := h.resolvedPath(dirFd, path)
	if err != nil {
		return 0, err
	}
	f, err := h.fs.OpenFile(full, int(flags)|0, 0o644)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	fd := h.next
	h.next++
	h.fds[fd] = &fdEntry{
		file:   f,
		rights: domain.WasiRightFdRead | domain.WasiRightFdWrite | domain.WasiRightFdSeek,
	}
	return fd, nil
}

func (h *Host) PathCreateDirectory(dirFd domain.WasiFd, path string) error {
	full, err := h.resolvedPath(dirFd, path)
	if err != nil {
		return err
	}
	return h.fs.Mkdir(full, 0o755)
}

func (h *Host) PathRemoveDirectory(dirFd domain.WasiFd, path string) error {
	full, err := h.resolvedPath(dirFd, path)
	if err != nil {
		return err
	}
	return h.fs.Remove(full)
}

func (h *Host) PathUnlinkFile(dirFd domain.WasiFd, path string) error {
	full, err := h.resolvedPath(dirFd, path)
	if err != nil {
		return err
	}
	return h.fs.Remove(full)
}

func (h *Host) PathRename(dirFd domain.WasiFd, oldPath string, newDirFd domain.WasiFd, newPath string) error {
	oldFull, err := h.resolvedPath(dirFd, oldPath)
	if err != nil {
		return err
	}
	newFull, err := h.resolvedPath(newDirFd, newPath)
	if err != nil {
		return err
	}
	return h.fs.Rename(oldFull, newFull)
}

// wallClockID matches the WASI preview-1 clock id for CLOCK_REALTIME; a
// hobby kernel has no monotonic clock source distinct from wall time.
const wallClockID = 0

func (h *Host) ClockTimeGet(clockID int) (uint64, error) {
	_ = clockID
	return uint64(time.Now().UnixNano()), nil
}

func (h *Host) RandomGet(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ProcExit has no return: a real guest trap unwinds the host call stack
// via panic/recover at the JIT call-site boundary, outside this package's
// scope.
func (h *Host) ProcExit(code int32) {
	panic(exitTrap{code: code})
}

// exitTrap is recovered by whatever invokes compiled guest code; the type
// is unexported, so a caller outside this package matches it through its
// Error and Code methods.
type exitTrap struct {
	code int32
}

func (e exitTrap) Error() string { return "wasi: proc_exit" }

func (e exitTrap) Code() int32 { return e.code }

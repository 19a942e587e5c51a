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

// Package vfs implements the C5 virtual file system: a mount table
// resolved by longest-prefix match (spec.md §4.5, P4) and a
// fixed-capacity open-file table shared by every syscall handler that
// touches a path.
package vfs

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/nestybox/kernelcore/domain"
)

// Aliases keep the rest of this package's signatures matching
// VfsServiceIface without repeating the domain. prefix at every call
// site, the same convention the teacher's domain-heavy packages use.
type (
	Filesystem         = domain.Filesystem
	FsFile             = domain.FsFile
	FileHandle         = domain.FileHandle
	Whence             = domain.Whence
	ReadOnlyFilesystem = domain.ReadOnlyFilesystem
	Attr               = domain.Attr
	StatfsResult       = domain.StatfsResult
	DirEntry           = domain.DirEntry
)

const (
	SeekStart   = domain.SeekStart
	SeekCurrent = domain.SeekCurrent
	SeekEnd     = domain.SeekEnd
)

const (
	// openFileTableCapacity matches spec.md §4.5: 1024 slots, the first
	// three reserved for stdin/stdout/stderr.
	openFileTableCapacity = 1024
	reservedFds           = 3
)

var (
	ErrNoSpace           = errors.New("vfs: mount table full")
	ErrMountNotFound     = errors.New("vfs: no such mount")
	ErrRootUnmountable   = errors.New("vfs: root mount cannot be unmounted")
	ErrTooManyOpenFiles  = errors.New("vfs: open-file table full")
	ErrBadHandle         = errors.New("vfs: bad file handle")
	ErrCrossDeviceLink   = errors.New("vfs: cross-device link")
	ErrReadOnly          = errors.New("vfs: read-only filesystem")
	ErrNotAbsolute       = errors.New("vfs: path must be absolute")
	ErrNotSupported      = errors.New("vfs: operation not supported by this filesystem")
)

// maxMounts bounds the mount table the same way the open-file table is
// bounded: a hobby kernel has no dynamic growth story for either.
const maxMounts = 256

type openFile struct {
	fs      Filesystem
	file    FsFile
	path    string
	offset  int64
}

// VfsService is the C5 service: other components depend on it exactly the
// way the teacher's handler/mount/process services depend on each other,
// wired together from main via Setup.
type VfsService struct {
	mu     sync.RWMutex
	mounts map[string]Filesystem
	prefixes []string // kept sorted, longest first, for resolution

	files [openFileTableCapacity]*openFile
}

func NewVfsService() *VfsService {
	return &VfsService{
		mounts: make(map[string]Filesystem),
	}
}

var _ domain.VfsServiceIface = (*VfsService)(nil)

func (v *VfsService) Setup() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.files[0] = &openFile{path: "/dev/stdin"}
	v.files[1] = &openFile{path: "/dev/stdout"}
	v.files[2] = &openFile{path: "/dev/stderr"}
}

func (v *VfsService) Mount(mountpoint string, fs Filesystem) error {
	if !strings.HasPrefix(mountpoint, "/") {
		return ErrNotAbsolute
	}
	mountpoint = strings.TrimSuffix(mountpoint, "/")
	if mountpoint == "" {
		mountpoint = "/"
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if _, exists := v.mounts[mountpoint]; exists {
		// remount: overwrite in place, no prefix-list change needed.
		v.mounts[mountpoint] = fs
		return nil
	}
	if len(v.mounts) >= maxMounts {
		return ErrNoSpace
	}

	v.mounts[mountpoint] = fs
	v.prefixes = append(v.prefixes, mountpoint)
	sort.Slice(v.prefixes, func(i, j int) bool {
		return len(v.prefixes[i]) > len(v.prefixes[j])
	})
	return nil
}

func (v *VfsService) Unmount(mountpoint string) error {
	mountpoint = strings.TrimSuffix(mountpoint, "/")
	if mountpoint == "" {
		mountpoint = "/"
	}
	if mountpoint == "/" {
		return ErrRootUnmountable
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if _, exists := v.mounts[mountpoint]; !exists {
		return ErrMountNotFound
	}
	delete(v.mounts, mountpoint)
	for i, p := range v.prefixes {
		if p == mountpoint {
			v.prefixes = append(v.prefixes[:i], v.prefixes[i+1:]...)
			break
		}
	}
	return nil
}

// isProperPrefix implements the matching rule from spec.md §4.5: mp
// equals path, path continues with '/', or mp is "/".
func isProperPrefix(mp, path string) bool {
	if mp == "/" {
		return true
	}
	if path == mp {
		return true
	}
	return strings.HasPrefix(path, mp+"/")
}

// Resolve finds the mount owning the longest matching prefix of path and
// returns the Filesystem plus the path relative to that mount (still
// absolute, rooted at the mount point).
func (v *VfsService) Resolve(path string) (Filesystem, string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, "", ErrNotAbsolute
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	for _, mp := range v.prefixes {
		if isProperPrefix(mp, path) {
			rel := strings.TrimPrefix(path, mp)
			if mp == "/" {
				rel = path
			}
			if rel == "" {
				rel = "/"
			}
			return v.mounts[mp], rel, nil
		}
	}
	return nil, "", ErrMountNotFound
}

func (v *VfsService) allocFd() (int, error) {
	for i := reservedFds; i < openFileTableCapacity; i++ {
		if v.files[i] == nil {
			return i, nil
		}
	}
	return 0, ErrTooManyOpenFiles
}

func (v *VfsService) Open(path string, flags int) (FileHandle, error) {
	fs, rel, err := v.Resolve(path)
	if err != nil {
		return 0, err
	}
	if ro, ok := fs.(ReadOnlyFilesystem); ok && ro.ReadOnly() && writeRequested(flags) {
		return 0, ErrReadOnly
	}

	f, err := fs.Open(rel, flags)
	if err != nil {
		return 0, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	fd, err := v.allocFd()
	if err != nil {
		_ = f.Close()
		return 0, err
	}
	v.files[fd] = &openFile{fs: fs, file: f, path: path}
	return FileHandle(fd), nil
}

func (v *VfsService) lookupHandle(fh FileHandle) (*openFile, error) {
	idx := int(fh)
	if idx < reservedFds || idx >= openFileTableCapacity || v.files[idx] == nil {
		return nil, ErrBadHandle
	}
	return v.files[idx], nil
}

func (v *VfsService) Close(fh FileHandle) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	of, err := v.lookupHandle(fh)
	if err != nil {
		return err
	}
	v.files[int(fh)] = nil
	if of.file == nil {
		return nil
	}
	return of.file.Close()
}

func (v *VfsService) Read(fh FileHandle, buf []byte) (int, error) {
	v.mu.Lock()
	of, err := v.lookupHandle(fh)
	v.mu.Unlock()
	if err != nil {
		return 0, err
	}
	n, err := of.file.Read(buf, of.offset)
	if err != nil {
		return n, err
	}
	v.mu.Lock()
	of.offset += int64(n)
	v.mu.Unlock()
	return n, nil
}

func (v *VfsService) Write(fh FileHandle, buf []byte) (int, error) {
	v.mu.Lock()
	of, err := v.lookupHandle(fh)
	v.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if ro, ok := of.fs.(ReadOnlyFilesystem); ok && ro.ReadOnly() {
		return 0, ErrReadOnly
	}
	n, err := of.file.Write(buf, of.offset)
	if err != nil {
		return n, err
	}
	v.mu.Lock()
	of.offset += int64(n)
	v.mu.Unlock()
	return n, nil
}

func (v *VfsService) Seek(fh FileHandle, offset int64, whence Whence) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	of, err := v.lookupHandle(fh)
	if err != nil {
		return 0, err
	}

	switch whence {
	case SeekStart:
		of.offset = offset
	case SeekCurrent:
		of.offset += offset
	case SeekEnd:
		attr, err := of.fs.Lookup(of.path)
		if err != nil {
			return 0, err
		}
		of.offset = int64(attr.Size) + offset
	}
	return of.offset, nil
}

// DumpMounts returns the mount points, one entry per mount, longest
// first (the order Resolve tries them in); no other mount details are
// included.
func (v *VfsService) DumpMounts() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, len(v.prefixes))
	copy(out, v.prefixes)
	return out
}

func writeRequested(flags int) bool {
	const (
		oWronly = 0x1
		oRdwr   = 0x2
	)
	return flags&oWronly != 0 || flags&oRdwr != 0
}

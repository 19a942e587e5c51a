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

package domain

import "io"

// FileHandle identifies an open-file-table slot.
type FileHandle int

// Whence mirrors the seek origins a Filesystem's read/write path exposes
// to callers, without pulling in the io package's numeric constants at
// call sites that don't otherwise need io.
type Whence int

const (
	SeekStart Whence = iota
	SeekCurrent
	SeekEnd
)

// Attr is the subset of file metadata the VFS tracks and exposes across
// mounts; individual Filesystem implementations may ignore fields they
// don't model (e.g. an in-memory fs ignores Mode's setuid bits).
type Attr struct {
	Size  uint64
	Mode  uint32
	IsDir bool
}

// StatfsResult mirrors the handful of statfs(2) fields a guest cares
// about: total/free space and the preferred I/O block size.
type StatfsResult struct {
	BlockSize  uint32
	Blocks     uint64
	BlocksFree uint64
}

// DirEntry is one entry produced by Filesystem.Readdir.
type DirEntry struct {
	Name  string
	IsDir bool
}

// Filesystem is the capability surface a mount's backing implementation
// exposes; the VFS dispatches every path-based operation to whichever
// mount's Filesystem owns the longest matching prefix (spec.md §4.5, P4).
type Filesystem interface {
	Statfs() (StatfsResult, error)
	Lookup(path string) (Attr, error)
	Readdir(path string, off int) ([]DirEntry, error)
	Create(path string, mode uint32) error
	Mkdir(path string, mode uint32) error
	Unlink(path string) error
	Rmdir(path string) error
	Rename(oldPath, newPath string) error
	Symlink(target, linkPath string) error
	Readlink(path string) (string, error)
	Link(oldPath, newPath string) error
	Setattr(path string, attr Attr) error

	Open(path string, flags int) (FsFile, error)
}

// FsFile is the per-open-handle surface a Filesystem.Open call returns;
// the VFS's open-file table holds one of these per live handle.
type FsFile interface {
	Read(buf []byte, off int64) (int, error)
	Write(buf []byte, off int64) (int, error)
	Flush() error
	Fsync() error
	Truncate(size int64) error
	Fallocate(off, size int64) error
	Close() error
}

// ReadOnlyFilesystem is an optional capability a mount's Filesystem may
// implement to short-circuit writes with ReadOnly before reaching a
// backing store that would otherwise reject them less precisely.
type ReadOnlyFilesystem interface {
	ReadOnly() bool
}

// VfsServiceIface is the C5 entry point: mount-table management plus the
// fixed-capacity open-file table every syscall handler reads/writes
// through.
type VfsServiceIface interface {
	Setup()

	Mount(mountpoint string, fs Filesystem) error
	Unmount(mountpoint string) error
	Resolve(path string) (Filesystem, string, error)

	Open(path string, flags int) (FileHandle, error)
	Close(fh FileHandle) error
	Read(fh FileHandle, buf []byte) (int, error)
	Write(fh FileHandle, buf []byte) (int, error)
	Seek(fh FileHandle, offset int64, whence Whence) (int64, error)

	DumpMounts() []string
}

// ToIOWhence adapts Whence to the io package's seek constants for
// Filesystem implementations layered over *os.File/afero.File.
func (w Whence) ToIOWhence() int {
	switch w {
	case SeekCurrent:
		return io.SeekCurrent
	case SeekEnd:
		return io.SeekEnd
	default:
		return io.SeekStart
	}
}

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

package vfs

import (
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// HostFs is the C5 "hostfs" Filesystem: a leaf filesystem layered over
// afero, so it can be backed by the real OS during boot and by an
// in-memory filesystem in tests, the same duality the teacher's
// sysio.ioFileService gives IOnodeFile.
type HostFs struct {
	fs       afero.Fs
	root     string
	readOnly bool
}

// NewHostFs roots a Filesystem at root within fs. A booted kernel mounts
// a NewMemMapFs()-backed instance at "/" and, with --disk-image, a
// NewOsFs()-backed one at the HTTP mountpoint; tests mount
// NewMemMapFs()-backed instances.
func NewHostFs(fs afero.Fs, root string, readOnly bool) *HostFs {
	return &HostFs{fs: fs, root: root, readOnly: readOnly}
}

func (h *HostFs) full(path string) string {
	return filepath.Join(h.root, path)
}

func (h *HostFs) ReadOnly() bool { return h.readOnly }

var _ ReadOnlyFilesystem = (*HostFs)(nil)
var _ Filesystem = (*HostFs)(nil)

func (h *HostFs) Statfs() (StatfsResult, error) {
	return StatfsResult{BlockSize: 4096}, nil
}

func (h *HostFs) Lookup(path string) (Attr, error) {
	fi, err := h.fs.Stat(h.full(path))
	if err != nil {
		return Attr{}, err
	}
	return Attr{Size: uint64(fi.Size()), Mode: uint32(fi.Mode()), IsDir: fi.IsDir()}, nil
}

func (h *HostFs) Readdir(path string, off int) ([]DirEntry, error) {
	infos, err := afero.ReadDir(h.fs, h.full(path))
	if err != nil {
		return nil, err
	}
	if off >= len(infos) {
		return nil, nil
	}
	out := make([]DirEntry, 0, len(infos)-off)
	for _, fi := range infos[off:] {
		out = append(out, DirEntry{Name: fi.Name(), IsDir: fi.IsDir()})
	}
	return out, nil
}

func (h *HostFs) Create(path string, mode uint32) error {
	if h.readOnly {
		return ErrReadOnly
	}
	f, err := h.fs.OpenFile(h.full(path), os.O_CREATE|os.O_EXCL|os.O_WRONLY, os.FileMode(mode))
	if err != nil {
		return err
	}
	return f.Close()
}

func (h *HostFs) Mkdir(path string, mode uint32) error {
	if h.readOnly {
		return ErrReadOnly
	}
	return h.fs.Mkdir(h.full(path), os.FileMode(mode))
}

func (h *HostFs) Unlink(path string) error {
	if h.readOnly {
		return ErrReadOnly
	}
	return h.fs.Remove(h.full(path))
}

func (h *HostFs) Rmdir(path string) error {
	if h.readOnly {
		return ErrReadOnly
	}
	return h.fs.Remove(h.full(path))
}

func (h *HostFs) Rename(oldPath, newPath string) error {
	if h.readOnly {
		return ErrReadOnly
	}
	return h.fs.Rename(h.full(oldPath), h.full(newPath))
}

// Symlink/Readlink are not modelled by afero.Fs; a hobby kernel's hostfs
// reports them unsupported rather than faking link semantics it can't
// actually honor across backing stores.
func (h *HostFs) Symlink(target, linkPath string) error {
	return ErrNotSupported
}

func (h *HostFs) Readlink(path string) (string, error) {
	return "", ErrNotSupported
}

func (h *HostFs) Link(oldPath, newPath string) error {
	return ErrNotSupported
}

func (h *HostFs) Setattr(path string, attr Attr) error {
	if h.readOnly {
		return ErrReadOnly
	}
	return h.fs.Chmod(h.full(path), os.FileMode(attr.Mode))
}

func (h *HostFs) Open(path string, flags int) (FsFile, error) {
	if h.readOnly && writeRequested(flags) {
		return nil, ErrReadOnly
	}
	f, err := h.fs.OpenFile(h.full(path), flags, 0o644)
	if err != nil {
		return nil, err
	}
	return &hostFile{f: f}, nil
}

type hostFile struct {
	f afero.File
}

func (h *hostFile) Read(buf []byte, off int64) (int, error) {
	return h.f.ReadAt(buf, off)
}

func (h *hostFile) Write(buf []byte, off int64) (int, error) {
	return h.f.WriteAt(buf, off)
}

func (h *hostFile) Flush() error { return nil }

func (h *hostFile) Fsync() error { return h.f.Sync() }

func (h *hostFile) Truncate(size int64) error { return h.f.Truncate(size) }

// Fallocate has no afero equivalent; a zero-fill truncate-to-size is the
// closest honest approximation available across backing stores.
func (h *hostFile) Fallocate(off, size int64) error {
	return h.f.Truncate(off + size)
}

func (h *hostFile) Close() error { return h.f.Close() }

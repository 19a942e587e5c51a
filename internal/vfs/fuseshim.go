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

// FUSE opcode numbers below mirror the Linux FUSE kernel ABI, not a
// wrapped library: a freestanding hobby kernel has no /dev/fuse chardev
// to drive a real FUSE client against, so the wire format is parsed and
// answered by hand (spec.md §4.5).
package vfs

import (
	"encoding/binary"
	"errors"
)

const (
	opLookup     = 1
	opGetattr    = 3
	opReadlink   = 5
	opOpen       = 14
	opRead       = 15
	opStatfs     = 17
	opRelease    = 18
	opInit       = 26
	opOpendir    = 27
	opReaddir    = 28
	opReleasedir = 29
)

const enosys = -38

// fuseInHeader mirrors the fixed portion of every FUSE request header:
// length, opcode, a request-unique id, and the inode the op targets.
type fuseInHeader struct {
	Length uint32
	Opcode int32
	Unique uint64
	NodeID uint64
}

const fuseInHeaderSize = 4 + 4 + 8 + 8

// fuseOutHeader mirrors the fixed response header every reply starts
// with: total length, a status (0 or -errno), and the echoed unique id.
type fuseOutHeader struct {
	Length uint32
	Status int32
	Unique uint64
}

const fuseOutHeaderSize = 4 + 4 + 8

var errShortRequest = errors.New("vfs: truncated fuse request")

func decodeInHeader(b []byte) (fuseInHeader, []byte, error) {
	if len(b) < fuseInHeaderSize {
		return fuseInHeader{}, nil, errShortRequest
	}
	h := fuseInHeader{
		Length: binary.LittleEndian.Uint32(b[0:4]),
		Opcode: int32(binary.LittleEndian.Uint32(b[4:8])),
		Unique: binary.LittleEndian.Uint64(b[8:16]),
		NodeID: binary.LittleEndian.Uint64(b[16:24]),
	}
	return h, b[fuseInHeaderSize:], nil
}

func encodeOutHeader(out fuseOutHeader, payload []byte) []byte {
	out.Length = uint32(fuseOutHeaderSize + len(payload))
	buf := make([]byte, out.Length)
	binary.LittleEndian.PutUint32(buf[0:4], out.Length)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(out.Status))
	binary.LittleEndian.PutUint64(buf[8:16], out.Unique)
	copy(buf[fuseOutHeaderSize:], payload)
	return buf
}

// FuseShim parses a byte stream of FUSE requests and emits FUSE response
// frames by dispatching to an underlying Filesystem, letting the VFS
// mount a FUSE-speaking backend as an ordinary mount the same way any
// other Filesystem implementation is mounted.
type FuseShim struct {
	backing Filesystem
	// nodeByID maps a FUSE nodeid back to the path it was looked up at,
	// since the wire protocol only carries nodeids after the initial
	// Lookup, never full paths.
	nodeByID map[uint64]string
	nextNode uint64
}

func NewFuseShim(backing Filesystem) *FuseShim {
	return &FuseShim{
		backing:  backing,
		nodeByID: map[uint64]string{1: "/"},
		nextNode: 2,
	}
}

var _ Filesystem = (*FuseShim)(nil)

// HandleRequest parses one FUSE request frame and returns the matching
// response frame. Unknown opcodes answer with -ENOSYS per spec.md §4.5.
func (f *FuseShim) HandleRequest(req []byte) []byte {
	h, body, err := decodeInHeader(req)
	if err != nil {
		return encodeOutHeader(fuseOutHeader{Status: enosys}, nil)
	}

	switch h.Opcode {
	case opInit:
		return f.handleInit(h)
	case opLookup:
		return f.handleLookup(h, body)
	case opGetattr:
		return f.handleGetattr(h)
	case opOpen, opOpendir:
		return f.handleOpen(h)
	case opRead, opReaddir:
		return f.handleRead(h, body, h.Opcode == opReaddir)
	case opRelease, opReleasedir:
		return encodeOutHeader(fuseOutHeader{Status: 0, Unique: h.Unique}, nil)
	case opStatfs:
		return f.handleStatfs(h)
	default:
		return encodeOutHeader(fuseOutHeader{Status: enosys, Unique: h.Unique}, nil)
	}
}

func (f *FuseShim) handleInit(h fuseInHeader) []byte {
	// major=7, minor=31 mirror the kernel ABI version a modern FUSE
	// client negotiates; this shim never varies them.
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], 7)
	binary.LittleEndian.PutUint32(payload[4:8], 31)
	return encodeOutHeader(fuseOutHeader{Status: 0, Unique: h.Unique}, payload)
}

func (f *FuseShim) pathForNode(id uint64) (string, bool) {
	p, ok := f.nodeByID[id]
	return p, ok
}

func (f *FuseShim) handleLookup(h fuseInHeader, body []byte) []byte {
	parent, ok := f.pathForNode(h.NodeID)
	if !ok {
		return encodeOutHeader(fuseOutHeader{Status: enosys, Unique: h.Unique}, nil)
	}
	name := string(trimNulTail(body))
	path := joinFusePath(parent, name)

	attr, err := f.backing.Lookup(path)
	if err != nil {
		return encodeOutHeader(fuseOutHeader{Status: -2, Unique: h.Unique}, nil) // -ENOENT
	}

	nodeID := f.nextNode
	f.nextNode++
	f.nodeByID[nodeID] = path

	payload := make([]byte, 16)
	binary.LittleEndian.PutUint64(payload[0:8], nodeID)
	binary.LittleEndian.PutUint64(payload[8:16], attr.Size)
	return encodeOutHeader(fuseOutHeader{Status: 0, Unique: h.Unique}, payload)
}

func (f *FuseShim) handleGetattr(h fuseInHeader) []byte {
	path, ok := f.pathForNode(h.NodeID)
	if !ok {
		return encodeOutHeader(fuseOutHeader{Status: -2, Unique: h.Unique}, nil)
	}
	attr, err := f.backing.Lookup(path)
	if err != nil {
		return encodeOutHeader(fuseOutHeader{Status: -2, Unique: h.Unique}, nil)
	}
	payload := make([]byte, 12)
	binary.LittleEndian.PutUint64(payload[0:8], attr.Size)
	binary.LittleEndian.PutUint32(payload[8:12], attr.Mode)
	return encodeOutHeader(fuseOutHeader{Status: 0, Unique: h.Unique}, payload)
}

func (f *FuseShim) handleOpen(h fuseInHeader) []byte {
	path, ok := f.pathForNode(h.NodeID)
	if !ok {
		return encodeOutHeader(fuseOutHeader{Status: -2, Unique: h.Unique}, nil)
	}
	if _, err := f.backing.Open(path, 0); err != nil {
		return encodeOutHeader(fuseOutHeader{Status: -2, Unique: h.Unique}, nil)
	}
	return encodeOutHeader(fuseOutHeader{Status: 0, Unique: h.Unique}, make([]byte, 8))
}

func (f *FuseShim) handleRead(h fuseInHeader, body []byte, isDir bool) []byte {
	path, ok := f.pathForNode(h.NodeID)
	if !ok {
		return encodeOutHeader(fuseOutHeader{Status: -2, Unique: h.Unique}, nil)
	}
	if isDir {
		entries, err := f.backing.Readdir(path, 0)
		if err != nil {
			return encodeOutHeader(fuseOutHeader{Status: -2, Unique: h.Unique}, nil)
		}
		var payload []byte
		for _, e := range entries {
			payload = append(payload, []byte(e.Name+"\x00")...)
		}
		return encodeOutHeader(fuseOutHeader{Status: 0, Unique: h.Unique}, payload)
	}

	file, err := f.backing.Open(path, 0)
	if err != nil {
		return encodeOutHeader(fuseOutHeader{Status: -2, Unique: h.Unique}, nil)
	}
	defer file.Close()

	size := 4096
	if len(body) >= 16 {
		size = int(binary.LittleEndian.Uint32(body[8:12]))
	}
	buf := make([]byte, size)
	n, _ := file.Read(buf, 0)
	return encodeOutHeader(fuseOutHeader{Status: 0, Unique: h.Unique}, buf[:n])
}

func (f *FuseShim) handleStatfs(h fuseInHeader) []byte {
	sf, err := f.backing.Statfs()
	if err != nil {
		return encodeOutHeader(fuseOutHeader{Status: -2, Unique: h.Unique}, nil)
	}
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload[0:8], sf.Blocks)
	return encodeOutHeader(fuseOutHeader{Status: 0, Unique: h.Unique}, payload)
}

func trimNulTail(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}

func joinFusePath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// Filesystem methods FuseShim doesn't model at the wire-protocol level
// delegate straight through to the backing Filesystem so it remains a
// drop-in VFS mount target (spec.md §4.5: "exposes itself to the VFS as
// a regular Filesystem").
func (f *FuseShim) Statfs() (StatfsResult, error) { return f.backing.Statfs() }

func (f *FuseShim) Lookup(path string) (Attr, error) { return f.backing.Lookup(path) }

func (f *FuseShim) Readdir(path string, off int) ([]DirEntry, error) {
	return f.backing.Readdir(path, off)
}

func (f *FuseShim) Create(path string, mode uint32) error { return f.backing.Create(path, mode) }

func (f *FuseShim) Mkdir(path string, mode uint32) error { return f.backing.Mkdir(path, mode) }

func (f *FuseShim) Unlink(path string) error { return f.backing.Unlink(path) }

func (f *FuseShim) Rmdir(path string) error { return f.backing.Rmdir(path) }

func (f *FuseShim) Rename(oldPath, newPath string) error {
	return f.backing.Rename(oldPath, newPath)
}

func (f *FuseShim) Symlink(target, linkPath string) error {
	return f.backing.Symlink(target, linkPath)
}

func (f *FuseShim) Readlink(path string) (string, error) { return f.backing.Readlink(path) }

func (f *FuseShim) Link(oldPath, newPath string) error { return f.backing.Link(oldPath, newPath) }

func (f *FuseShim) Setattr(path string, attr Attr) error { return f.backing.Setattr(path, attr) }

func (f *FuseShim) Open(path string, flags int) (FsFile, error) { return f.backing.Open(path, flags) }

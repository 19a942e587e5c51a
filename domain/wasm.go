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

package domain

// CompiledFunction is the output of the C4 JIT: a block of native x86_64
// machine code plus any unresolved call relocations a linker table must
// patch before the code is executable.
type CompiledFunction struct {
	Code        []byte
	Relocations []CallRelocation
}

// CallRelocation marks a call-instruction operand that must be patched
// once the callee's final address is known (resolution is external, per
// spec.md §4.4.1).
type CallRelocation struct {
	CodeOffset  int
	CalleeIndex uint32
}

// WasmCompilerIface is the C4 JIT entry point. Tier selects baseline
// (fast, unoptimised) or optimised (profile-guided) lowering; both must
// produce the same observable semantics (spec.md §4.4.1).
type WasmCompilerIface interface {
	CompileBaseline(fn interface{}) (CompiledFunction, error)
	CompileOptimised(fn interface{}) (CompiledFunction, error)
}

// WasiFd is a WASI file-descriptor number.
type WasiFd uint32

// WasiRights is the WASI capability bitmask gating fd operations.
type WasiRights uint32

const (
	WasiRightFdRead WasiRights = 1 << iota
	WasiRightFdWrite
	WasiRightFdSeek
	WasiRightPathOpen
	WasiRightFdReaddir
	WasiRightPathCreateDirectory
	WasiRightPathRemoveDirectory
	WasiRightPathUnlinkFile
	WasiRightPathRename
)

// WasiHostIface is the C4 WASI preview-2-shaped capability surface that
// JIT-compiled guest code calls into.
type WasiHostIface interface {
	ArgsGet() [][]byte
	EnvironGet() [][]byte

	FdRead(fd WasiFd, iovecLen int) ([]byte, error)
	FdWrite(fd WasiFd, data []byte) (int, error)
	FdSeek(fd WasiFd, offset int64, whence int) (int64, error)
	FdTell(fd WasiFd) (int64, error)
	FdClose(fd WasiFd) error
	FdFdstatGet(fd WasiFd) (WasiRights, error)
	FdPrestatGet(fd WasiFd) (string, bool)
	FdReaddir(fd WasiFd) ([]string, error)

	PathOpen(dirFd WasiFd, path string, flags uint32) (WasiFd, error)
	PathCreateDirectory(dirFd WasiFd, path string) error
	PathRemoveDirectory(dirFd WasiFd, path string) error
	PathUnlinkFile(dirFd WasiFd, path string) error
	PathRename(dirFd WasiFd, oldPath string, newDirFd WasiFd, newPath string) error

	ClockTimeGet(clockID int) (uint64, error)
	RandomGet(n int) ([]byte, error)
	ProcExit(code int32)
}

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

// SyscallArgs is the fixed six-register argument tuple the x86_64 Linux
// ABI passes a syscall, in rdi/rsi/rdx/r10/r8/r9 order.
type SyscallArgs [6]uint64

// SyscallStats is a point-in-time snapshot of the C6 dispatch counters.
type SyscallStats struct {
	Total   uint64
	Unknown uint64
	PerCall map[uint64]uint64
}

// SyscallAbiServiceIface is the C6 entry point: a single dispatch
// function over the real Linux x86_64 syscall table, instrumented with
// counters and optional entry/exit tracing, that never panics on
// malformed input (spec.md §4.6, §8).
type SyscallAbiServiceIface interface {
	Setup(vfs VfsServiceIface, paging PagingServiceIface)

	Dispatch(pid uint32, nr uint64, args SyscallArgs) int64

	SetTraceEnabled(enabled bool)
	TraceEnabled() bool

	Stats() SyscallStats
}

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

// PhysAddr and VirtAddr are kept as distinct types so the compiler catches
// accidental mixing between the two address spaces. The only place allowed
// to convert between them outside the paging service is through the
// physical-memory map base (see PagingServiceIface.PhysToMapped).
type PhysAddr uint64
type VirtAddr uint64

// PageFlags mirrors the x86_64 page-table-entry flag bits that the rest of
// the kernel cares about.
type PageFlags uint64

const (
	PageFlagPresent PageFlags = 1 << iota
	PageFlagWritable
	PageFlagUser
	PageFlagWriteThrough
	PageFlagNoCache
	PageFlagAccessed
	PageFlagDirty
	PageFlagHuge
	PageFlagGlobal
	PageFlagNoExecute
)

// PagingServiceIface is the C1 virtual-memory and paging layer.
type PagingServiceIface interface {
	Setup(physMapBase VirtAddr)

	// Translate walks the 4-level page table graph; ok is false if any
	// intermediate or leaf entry lacks PageFlagPresent.
	Translate(v VirtAddr) (p PhysAddr, ok bool)

	// Map installs a mapping from v to p with the given flags. A frame
	// from the physical frame allocator backs any missing intermediate
	// table.
	Map(v VirtAddr, p PhysAddr, flags PageFlags) error

	Unmap(v VirtAddr) error

	// PhysToMapped returns the CPU-dereferenceable virtual address backing
	// physical frame p, via the linear physical-memory map.
	PhysToMapped(p PhysAddr) VirtAddr
}

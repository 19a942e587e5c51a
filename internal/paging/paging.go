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

// Package paging implements the C1 virtual-memory layer: a software model
// of the x86_64 four-level page table walk, map/unmap, and the
// physical-memory-map translation discipline the rest of the kernel relies
// on to safely hand device-facing physical addresses to CPU-facing code.
package paging

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/nestybox/kernelcore/domain"
	"github.com/sirupsen/logrus"
)

const (
	PageSize  = 4096
	entrySize = 8
	hugeSize  = 2 << 20
)

var (
	ErrNoFrame       = errors.New("paging: no physical frame available")
	ErrAlreadyMapped = errors.New("paging: virtual address already mapped")
	ErrNotMapped     = errors.New("paging: virtual address not mapped")
)

// frameAllocator is a bump allocator over a fixed-size physical arena, with
// a freelist for reclaimed frames. It is intentionally the simplest thing
// that can satisfy the "never hand out a frame twice" invariant; the core
// has no paging-to-disk, so nothing more elaborate is required (see
// spec.md Non-goals).
type frameAllocator struct {
	mu       sync.Mutex
	next     domain.PhysAddr
	limit    domain.PhysAddr
	freelist []domain.PhysAddr
}

func newFrameAllocator(base, limit domain.PhysAddr) *frameAllocator {
	return &frameAllocator{next: base, limit: limit}
}

func (a *frameAllocator) Alloc() (domain.PhysAddr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.freelist); n > 0 {
		f := a.freelist[n-1]
		a.freelist = a.freelist[:n-1]
		return f, nil
	}

	if a.next >= a.limit {
		return 0, ErrNoFrame
	}
	f := a.next
	a.next += PageSize
	return f, nil
}

func (a *frameAllocator) Free(p domain.PhysAddr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freelist = append(a.freelist, p)
}

// PagingService is the C1 service. Physical memory is modelled as a flat
// byte arena indexed by domain.PhysAddr; PhysToMapped exposes it to the
// rest of the kernel at physMapBase, the one seam where numeric address
// types are allowed to convert into each other.
type PagingService struct {
	mu          sync.RWMutex
	mem         []byte
	frames      *frameAllocator
	pml4        domain.PhysAddr
	physMapBase domain.VirtAddr
}

func NewPagingService(physMemSize int) *PagingService {
	ps := &PagingService{
		mem: make([]byte, physMemSize),
	}
	ps.frames = newFrameAllocator(0, domain.PhysAddr(physMemSize))
	return ps
}

func (ps *PagingService) Setup(physMapBase domain.VirtAddr) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.physMapBase = physMapBase

	root, err := ps.frames.Alloc()
	if err != nil {
		logrus.Fatalf("paging: failed to allocate PML4: %v", err)
	}
	ps.zeroFrame(root)
	ps.pml4 = root
}

func (ps *PagingService) PhysToMapped(p domain.PhysAddr) domain.VirtAddr {
	return ps.physMapBase + domain.VirtAddr(p)
}

func (ps *PagingService) zeroFrame(p domain.PhysAddr) {
	z := ps.mem[p : p+PageSize]
	for i := range z {
		z[i] = 0
	}
}

// entry is a decoded page-table entry: a page-aligned physical frame base
// plus flags. The zero value is the "cleared entry" invariant from
// spec.md §3 (bit pattern zero, frame 0, no flags -- not present).
type entry struct {
	frame domain.PhysAddr
	flags domain.PageFlags
}

func decodeEntry(raw uint64) entry {
	return entry{
		frame: domain.PhysAddr(raw &^ uint64(PageSize-1)),
		flags: domain.PageFlags(raw & uint64(PageSize-1)),
	}
}

func (e entry) encode() uint64 {
	return uint64(e.frame) | uint64(e.flags)
}

func (ps *PagingService) readEntry(table domain.PhysAddr, idx int) entry {
	off := int(table) + idx*entrySize
	return decodeEntry(binary.LittleEndian.Uint64(ps.mem[off : off+entrySize]))
}

func (ps *PagingService) writeEntry(table domain.PhysAddr, idx int, e entry) {
	off := int(table) + idx*entrySize
	binary.LittleEndian.PutUint64(ps.mem[off:off+entrySize], e.encode())
}

// indices extracts the four 9-bit table indices and the 12-bit page offset
// from a canonical virtual address.
func indices(v domain.VirtAddr) (pml4i, pdpti, pdi, pti int, offset uint64) {
	uv := uint64(v)
	pml4i = int((uv >> 39) & 0x1FF)
	pdpti = int((uv >> 30) & 0x1FF)
	pdi = int((uv >> 21) & 0x1FF)
	pti = int((uv >> 12) & 0x1FF)
	offset = uv & 0xFFF
	return
}

// Translate walks the page table graph for v, returning the physical
// address its mapping resolves to. ok is false at the first missing
// intermediate or leaf entry, or if a present entry lacks PageFlagPresent.
func (ps *PagingService) Translate(v domain.VirtAddr) (domain.PhysAddr, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	pml4i, pdpti, pdi, pti, offset := indices(v)

	pdpt := ps.readEntry(ps.pml4, pml4i)
	if pdpt.flags&domain.PageFlagPresent == 0 {
		return 0, false
	}

	pd := ps.readEntry(pdpt.frame, pdpti)
	if pd.flags&domain.PageFlagPresent == 0 {
		return 0, false
	}
	pt := ps.readEntry(pd.frame, pdi)
	if pt.flags&domain.PageFlagPresent == 0 {
		return 0, false
	}
	if pt.flags&domain.PageFlagHuge != 0 {
		within := (uint64(pdi) << 21) | (uint64(pti) << 12) | offset
		return pt.frame + domain.PhysAddr(within%hugeSize), true
	}

	leaf := ps.readEntry(pt.frame, pti)
	if leaf.flags&domain.PageFlagPresent == 0 {
		return 0, false
	}

	return leaf.frame + domain.PhysAddr(offset), true
}

// ensureTable returns the physical address of the next-level table
// referenced by parent[idx], allocating and zeroing a fresh one if absent.
// Allocation, present-bit set and zeroing happen as one critical section so
// callers never observe a present-but-uninitialised page.
func (ps *PagingService) ensureTable(parent domain.PhysAddr, idx int) (domain.PhysAddr, error) {
	e := ps.readEntry(parent, idx)
	if e.flags&domain.PageFlagPresent != 0 {
		return e.frame, nil
	}

	frame, err := ps.frames.Alloc()
	if err != nil {
		return 0, err
	}
	ps.zeroFrame(frame)
	ps.writeEntry(parent, idx, entry{
		frame: frame,
		flags: domain.PageFlagPresent | domain.PageFlagWritable | domain.PageFlagUser,
	})
	return frame, nil
}

// Map installs v -> p with flags. Returns ErrAlreadyMapped if a mapping
// already exists for v (flags do not carry an explicit replace bit in this
// model, matching the Map/Unmap/Map cycle the rest of the kernel uses).
func (ps *PagingService) Map(v domain.VirtAddr, p domain.PhysAddr, flags domain.PageFlags) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	pml4i, pdpti, pdi, pti, _ := indices(v)

	pdpt, err := ps.ensureTable(ps.pml4, pml4i)
	if err != nil {
		return err
	}
	pd, err := ps.ensureTable(pdpt, pdpti)
	if err != nil {
		return err
	}

	if flags&domain.PageFlagHuge != 0 {
		existing := ps.readEntry(pd, pdi)
		if existing.flags&domain.PageFlagPresent != 0 {
			return ErrAlreadyMapped
		}
		ps.writeEntry(pd, pdi, entry{frame: p &^ (hugeSize - 1), flags: flags | domain.PageFlagPresent})
		return nil
	}

	pt, err := ps.ensureTable(pd, pdi)
	if err != nil {
		return err
	}

	existing := ps.readEntry(pt, pti)
	if existing.flags&domain.PageFlagPresent != 0 {
		return ErrAlreadyMapped
	}

	ps.writeEntry(pt, pti, entry{frame: p &^ (PageSize - 1), flags: flags | domain.PageFlagPresent})
	return nil
}

// Unmap clears the leaf entry for v back to the zero bit pattern and
// returns its frame to the allocator. It does not collapse now-empty
// intermediate tables (the core has no memory pressure driving that, and
// doing so would require reference counts this model doesn't track).
func (ps *PagingService) Unmap(v domain.VirtAddr) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	pml4i, pdpti, pdi, pti, _ := indices(v)

	pdpt := ps.readEntry(ps.pml4, pml4i)
	if pdpt.flags&domain.PageFlagPresent == 0 {
		return ErrNotMapped
	}
	pd := ps.readEntry(pdpt.frame, pdpti)
	if pd.flags&domain.PageFlagPresent == 0 {
		return ErrNotMapped
	}
	pt := ps.readEntry(pd.frame, pdi)
	if pt.flags&domain.PageFlagPresent == 0 {
		return ErrNotMapped
	}
	if pt.flags&domain.PageFlagHuge != 0 {
		ps.writeEntry(pd.frame, pdi, entry{})
		ps.frames.Free(pt.frame)
		return nil
	}

	leaf := ps.readEntry(pt.frame, pti)
	if leaf.flags&domain.PageFlagPresent == 0 {
		return ErrNotMapped
	}

	ps.writeEntry(pt.frame, pti, entry{})
	ps.frames.Free(leaf.frame)
	return nil
}

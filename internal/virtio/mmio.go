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

package virtio

import (
	"unsafe"

	"github.com/nestybox/kernelcore/domain"
)

// Legacy VirtIO-PCI BAR0 register byte offsets (VirtIO 1.0 spec, §4.1.4.8).
const (
	regDeviceFeatures  = 0x00
	regDriverFeatures  = 0x04
	regQueueAddress    = 0x08
	regQueueSize       = 0x0C
	regQueueSelect     = 0x0E
	regQueueNotify     = 0x10
	regStatus          = 0x12
	regCapacityLow     = 0x14 // device-specific config space starts here for block devices
	regCapacityHigh    = 0x18
)

// MmioRegisters implements domain.VirtioRegisters over a BAR0 region the
// boot loader has already mapped into the kernel's address space.
// A freestanding kernel has no syscall boundary to cross for port I/O;
// unsafe pointer loads/stores at a mapped physical address are the
// idiomatic Go equivalent of the IN/OUT instructions a hosted driver
// would use, and are what every bare-metal-Go kernel (this repo
// included) relies on instead of inline assembly for MMIO access.
type MmioRegisters struct {
	base uintptr
}

func NewMmioRegisters(base uintptr) *MmioRegisters {
	return &MmioRegisters{base: base}
}

var _ domain.VirtioRegisters = (*MmioRegisters)(nil)
var _ domain.VirtioMemory = (*MmioMemory)(nil)

func (r *MmioRegisters) load32(off uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(r.base + off))
}

func (r *MmioRegisters) store32(off uintptr, v uint32) {
	*(*uint32)(unsafe.Pointer(r.base + off)) = v
}

func (r *MmioRegisters) load16(off uintptr) uint16 {
	return *(*uint16)(unsafe.Pointer(r.base + off))
}

func (r *MmioRegisters) store16(off uintptr, v uint16) {
	*(*uint16)(unsafe.Pointer(r.base + off)) = v
}

func (r *MmioRegisters) load8(off uintptr) uint8 {
	return *(*uint8)(unsafe.Pointer(r.base + off))
}

func (r *MmioRegisters) store8(off uintptr, v uint8) {
	*(*uint8)(unsafe.Pointer(r.base + off)) = v
}

func (r *MmioRegisters) ReadDeviceFeatures() uint32    { return r.load32(regDeviceFeatures) }
func (r *MmioRegisters) WriteDriverFeatures(v uint32)  { r.store32(regDriverFeatures, v) }
func (r *MmioRegisters) ReadStatus() uint8             { return r.load8(regStatus) }
func (r *MmioRegisters) WriteStatus(v uint8)           { r.store8(regStatus, v) }
func (r *MmioRegisters) WriteQueueAddress(pfn uint32)  { r.store32(regQueueAddress, pfn) }
func (r *MmioRegisters) ReadQueueSize() uint16         { return r.load16(regQueueSize) }
func (r *MmioRegisters) WriteQueueSelect(idx uint16)   { r.store16(regQueueSelect, idx) }
func (r *MmioRegisters) WriteQueueNotify(idx uint16)   { r.store16(regQueueNotify, idx) }
func (r *MmioRegisters) ReadCapacityLow() uint32       { return r.load32(regCapacityLow) }
func (r *MmioRegisters) ReadCapacityHigh() uint32      { return r.load32(regCapacityHigh) }

// MmioMemory implements domain.VirtioMemory over a contiguous
// identity-ish mapped region: Virt is the CPU-dereferenceable base the
// driver reads/writes through, Phys is what gets published into
// descriptors for the device side of the same region.
type MmioMemory struct {
	virt uintptr
	phys uintptr
}

func NewMmioMemory(virt, phys uintptr) *MmioMemory {
	return &MmioMemory{virt: virt, phys: phys}
}

func (m *MmioMemory) Phys() domain.PhysAddr {
	return domain.PhysAddr(m.phys)
}

func (m *MmioMemory) Read(off uint32, buf []byte) {
	src := unsafe.Slice((*byte)(unsafe.Pointer(m.virt+uintptr(off))), len(buf))
	copy(buf, src)
}

func (m *MmioMemory) Write(off uint32, buf []byte) {
	dst := unsafe.Slice((*byte)(unsafe.Pointer(m.virt+uintptr(off))), len(buf))
	copy(dst, buf)
}

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

// VirtioBlockIface is the C2 block-transport service: one VirtIO legacy-PCI
// block device exposed as blocking sector read/write.
type VirtioBlockIface interface {
	// Init runs the legacy status-register state machine against the
	// device's register file and publishes the queue.
	Init() error

	ReadSector(sector uint64, buf []byte) error
	WriteSector(sector uint64, buf []byte) error

	Capacity() uint64
}

// VirtioRegisters abstracts the legacy VirtIO-PCI BAR0 I/O-port register
// file (§6), so the driver can be exercised against a simulated device in
// tests without real port I/O.
type VirtioRegisters interface {
	ReadDeviceFeatures() uint32
	WriteDriverFeatures(v uint32)
	ReadStatus() uint8
	WriteStatus(v uint8)
	WriteQueueAddress(pfn uint32)
	ReadQueueSize() uint16
	WriteQueueSelect(idx uint16)
	WriteQueueNotify(idx uint16)
	ReadCapacityLow() uint32
	ReadCapacityHigh() uint32
}

// VirtioMemory abstracts the CPU-visible/device-visible duality of the
// queue region: Virt is what the driver dereferences, Phys is what gets
// published into descriptors. Read/Write operate at the Virt base.
type VirtioMemory interface {
	Phys() PhysAddr
	Read(off uint32, buf []byte)
	Write(off uint32, buf []byte)
}

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

// Package virtio implements the C2 legacy VirtIO-PCI block transport: the
// init state machine, descriptor/avail/used ring layout and the
// request/completion protocol for one block device.
package virtio

import (
	"encoding/binary"
	"errors"

	"github.com/nestybox/kernelcore/domain"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
)

// sectorCacheSize bounds the number of clean sectors ReadSector keeps
// around without re-issuing a device request; a hobby kernel has no
// buffer-cache eviction policy tuning story, so a fixed size is enough.
const sectorCacheSize = 256

const (
	SectorSize = 512

	descSize  = 16
	queueAlign = 4096

	descFlagNext  = 1
	descFlagWrite = 2

	statusAck         = 1
	statusDriver      = 2
	statusDriverOK    = 4
	statusFeaturesOK  = 8
	statusFailed      = 128

	reqTypeIn  = 0 // read
	reqTypeOut = 1 // write

	statusOK          = 0
	statusIOErr       = 1
	statusUnsupported = 2

	maxPollSpins = 1_000_000
)

var (
	ErrQueueSizeZero  = errors.New("virtio: device reported queue size 0")
	ErrFeaturesNotOK  = errors.New("virtio: FEATURES_OK did not stick")
	ErrIO             = errors.New("virtio: device reported I/O error")
	ErrUnsupported    = errors.New("virtio: device reported unsupported request")
	ErrTimedOut       = errors.New("virtio: timed out waiting for completion")
)

func align(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}

func availSize(n uint16) uint32 { return 6 + 2*uint32(n) }
func usedSize(n uint16) uint32  { return 6 + 8*uint32(n) }

// layout is the byte-offset map of one virtqueue region, computed per the
// VirtIO legacy spec: descriptor table, then the avail ring immediately
// after it, then the used ring at the next page boundary.
type layout struct {
	descOff, availOff, usedOff, size uint32
}

func computeLayout(n uint16) layout {
	descOff := uint32(0)
	availOff := descOff + uint32(n)*descSize
	usedOff := align(availOff+availSize(n), queueAlign)
	size := align(usedOff+usedSize(n), queueAlign)
	return layout{descOff: descOff, availOff: availOff, usedOff: usedOff, size: size}
}

// BlockDevice drives one legacy VirtIO-PCI block device.
type BlockDevice struct {
	regs domain.VirtioRegisters
	mem  domain.VirtioMemory

	queueSize uint16
	lay       layout

	headerOff uint32
	dataOff   uint32
	statusOff uint32

	capacity uint64

	lastUsedIdx uint16

	// cache holds clean sector reads keyed by sector number; WriteSector
	// evicts an entry the moment it goes dirty instead of updating it in
	// place, so a crash between the write request and the completion can
	// never leave a stale hit behind.
	cache *lru.Cache
}

func NewBlockDevice(regs domain.VirtioRegisters, mem domain.VirtioMemory) *BlockDevice {
	cache, err := lru.New(sectorCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// sectorCacheSize never is.
		panic(err)
	}
	return &BlockDevice{regs: regs, mem: mem, cache: cache}
}

// Init runs the mandated legacy negotiation sequence (§4.2).
func (d *BlockDevice) Init() error {
	d.regs.WriteStatus(0) // reset

	d.regs.WriteStatus(statusAck)
	d.regs.WriteStatus(statusAck | statusDriver)

	_ = d.regs.ReadDeviceFeatures()
	d.regs.WriteDriverFeatures(0) // no extensions negotiated

	d.regs.WriteStatus(statusAck | statusDriver | statusFeaturesOK)
	if d.regs.ReadStatus()&statusFeaturesOK == 0 {
		d.regs.WriteStatus(statusFailed)
		return ErrFeaturesNotOK
	}

	d.regs.WriteQueueSelect(0)
	qs := d.regs.ReadQueueSize()
	if qs == 0 {
		d.regs.WriteStatus(statusFailed)
		return ErrQueueSizeZero
	}
	d.queueSize = qs
	d.lay = computeLayout(qs)

	pfn := uint32(d.mem.Phys() / domain.PhysAddr(queueAlign))
	d.regs.WriteQueueAddress(pfn)

	lo := uint64(d.regs.ReadCapacityLow())
	hi := uint64(d.regs.ReadCapacityHigh())
	d.capacity = lo | hi<<32

	// Scratch buffers for the header/status/data of each request, so
	// callers never need to pin their own DMA-visible memory.
	d.headerOff = d.lay.size
	d.dataOff = d.headerOff + 16
	d.statusOff = d.dataOff + SectorSize

	d.regs.WriteStatus(statusAck | statusDriver | statusFeaturesOK | statusDriverOK)

	logrus.Infof("virtio: block device ready, queue_size=%d capacity=%d sectors", qs, d.capacity)
	return nil
}

func (d *BlockDevice) Capacity() uint64 { return d.capacity }

func (d *BlockDevice) writeDescriptor(idx uint16, addr uint64, length uint32, flags uint16, next uint16) {
	off := d.lay.descOff + uint32(idx)*descSize
	buf := make([]byte, descSize)
	binary.LittleEndian.PutUint64(buf[0:8], addr)
	binary.LittleEndian.PutUint32(buf[8:12], length)
	binary.LittleEndian.PutUint16(buf[12:14], flags)
	binary.LittleEndian.PutUint16(buf[14:16], next)
	d.mem.Write(off, buf)
}

func (d *BlockDevice) availIdx() uint16 {
	buf := make([]byte, 2)
	d.readAvail(2, buf)
	return binary.LittleEndian.Uint16(buf)
}

func (d *BlockDevice) readAvail(off uint32, buf []byte) {
	d.mem.Read(d.lay.availOff+off, buf)
}

func (d *BlockDevice) writeAvail(off uint32, buf []byte) {
	d.mem.Write(d.lay.availOff+off, buf)
}

func (d *BlockDevice) usedIdx() uint16 {
	buf := make([]byte, 2)
	d.mem.Read(d.lay.usedOff+2, buf)
	return binary.LittleEndian.Uint16(buf)
}

// submitHead publishes descriptor chain head into the avail ring and
// notifies the device. The two memory-fence points mandated by §5 are
// modelled explicitly, even though a single-goroutine simulation does not
// require real fences, to keep the ordering discipline visible and
// testable (P1-adjacent: never let the notify race the ring update).
func (d *BlockDevice) submitHead(head uint16) uint16 {
	idx := d.availIdx()
	ringOff := 4 + 2*uint32(idx%d.queueSize)

	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, head)
	d.writeAvail(ringOff, buf)

	fence() // avail.ring write must land before avail.idx advances

	newIdx := idx + 1
	idxBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(idxBuf, newIdx)
	d.writeAvail(2, idxBuf)

	fence() // avail.idx write must land before the doorbell

	preNotify := d.usedIdx()
	d.regs.WriteQueueNotify(0)
	return preNotify
}

func fence() {
	// Placeholder for the compiler/CPU memory fence the real driver would
	// issue around avail-ring publication; see spec.md §5.
}

func (d *BlockDevice) pollCompletion(preUsedIdx uint16) error {
	for i := 0; i < maxPollSpins; i++ {
		if d.usedIdx() != preUsedIdx {
			return nil
		}
	}
	return ErrTimedOut
}

func (d *BlockDevice) doIO(sector uint64, buf []byte, write bool) error {
	if len(buf) != SectorSize {
		return errors.New("virtio: buffer must be exactly one sector")
	}

	header := make([]byte, 16)
	reqType := uint32(reqTypeIn)
	if write {
		reqType = reqTypeOut
	}
	binary.LittleEndian.PutUint32(header[0:4], reqType)
	binary.LittleEndian.PutUint32(header[4:8], 0)
	binary.LittleEndian.PutUint64(header[8:16], sector)
	d.mem.Write(d.headerOff, header)

	if write {
		d.mem.Write(d.dataOff, buf)
	}

	statusByte := []byte{0xFF}
	d.mem.Write(d.statusOff, statusByte)

	headerPhys := uint64(d.mem.Phys()) + uint64(d.headerOff)
	dataPhys := uint64(d.mem.Phys()) + uint64(d.dataOff)
	statusPhys := uint64(d.mem.Phys()) + uint64(d.statusOff)

	d.writeDescriptor(0, headerPhys, 16, descFlagNext, 1)
	dataFlags := uint16(descFlagNext)
	if !write {
		dataFlags |= descFlagWrite
	}
	d.writeDescriptor(1, dataPhys, SectorSize, dataFlags, 2)
	d.writeDescriptor(2, statusPhys, 1, descFlagWrite, 0)

	preUsedIdx := d.submitHead(0)

	if err := d.pollCompletion(preUsedIdx); err != nil {
		return err
	}

	d.mem.Read(d.statusOff, statusByte)
	switch statusByte[0] {
	case statusOK:
		if !write {
			d.mem.Read(d.dataOff, buf)
		}
		return nil
	case statusIOErr:
		return ErrIO
	case statusUnsupported:
		return ErrUnsupported
	default:
		return ErrIO
	}
}

func (d *BlockDevice) ReadSector(sector uint64, buf []byte) error {
	if cached, ok := d.cache.Get(sector); ok {
		copy(buf, cached.([]byte))
		return nil
	}
	if err := d.doIO(sector, buf, false); err != nil {
		return err
	}
	cached := make([]byte, len(buf))
	copy(cached, buf)
	d.cache.Add(sector, cached)
	return nil
}

func (d *BlockDevice) WriteSector(sector uint64, buf []byte) error {
	d.cache.Remove(sector)
	return d.doIO(sector, buf, true)
}

var _ domain.VirtioBlockIface = (*BlockDevice)(nil)

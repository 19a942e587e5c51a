package virtio

import (
	"testing"

	"github.com/nestybox/kernelcore/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRegisters and fakeMemory model a trivial in-memory VirtIO block
// device so the driver's init/IO protocol can be exercised without real
// MMIO. The device services the single queued request synchronously as
// soon as queue-notify fires, matching how a QEMU backend would behave
// from the driver's point of view.
type fakeRegisters struct {
	status       uint8
	driverFeats  uint32
	queueSize    uint16
	queuePFN     uint32
	capacityLo   uint32
	capacityHi   uint32
	notifyCount  int
	onNotify     func()
}

func (r *fakeRegisters) ReadDeviceFeatures() uint32   { return 0 }
func (r *fakeRegisters) WriteDriverFeatures(v uint32) { r.driverFeats = v }
func (r *fakeRegisters) ReadStatus() uint8            { return r.status }
func (r *fakeRegisters) WriteStatus(v uint8)          { r.status = v }
func (r *fakeRegisters) WriteQueueAddress(pfn uint32) { r.queuePFN = pfn }
func (r *fakeRegisters) ReadQueueSize() uint16        { return r.queueSize }
func (r *fakeRegisters) WriteQueueSelect(idx uint16)  {}
func (r *fakeRegisters) WriteQueueNotify(idx uint16) {
	r.notifyCount++
	if r.onNotify != nil {
		r.onNotify()
	}
}
func (r *fakeRegisters) ReadCapacityLow() uint32  { return r.capacityLo }
func (r *fakeRegisters) ReadCapacityHigh() uint32 { return r.capacityHi }

type fakeMemory struct {
	buf  []byte
	phys domain.PhysAddr
}

func (m *fakeMemory) Phys() domain.PhysAddr { return m.phys }
func (m *fakeMemory) Read(off uint32, buf []byte) {
	copy(buf, m.buf[off:int(off)+len(buf)])
}
func (m *fakeMemory) Write(off uint32, buf []byte) {
	copy(m.buf[off:int(off)+len(buf)], buf)
}

// backingStore simulates the disk: a flat array of 512-byte sectors.
type backingStore struct {
	sectors map[uint64][]byte
}

func newBackingStore() *backingStore {
	return &backingStore{sectors: make(map[uint64][]byte)}
}

func setupDevice(t *testing.T, store *backingStore) (*BlockDevice, *fakeMemory, *fakeRegisters) {
	mem := &fakeMemory{buf: make([]byte, 64*1024), phys: 0x10000}
	regs := &fakeRegisters{queueSize: 8, capacityLo: 2048}

	dev := NewBlockDevice(regs, mem)

	// the fake device's "hardware" reacts to queue-notify by servicing
	// descriptor chain 0 immediately and advancing used.idx.
	regs.onNotify = func() {
		lay := dev.lay

		descBuf := make([]byte, 16)
		mem.Read(lay.descOff, descBuf)
		headerAddr := leU64(descBuf[0:8])

		header := make([]byte, 16)
		mem.Read(uint32(uint64(headerAddr)-uint64(mem.phys)), header)
		reqType := leU32(header[0:4])
		sector := leU64(header[8:16])

		descBuf2 := make([]byte, 16)
		mem.Read(lay.descOff+16, descBuf2)
		dataAddr := leU64(descBuf2[0:8])
		dataLen := leU32(descBuf2[8:12])
		dataOff := uint32(uint64(dataAddr) - uint64(mem.phys))

		status := byte(statusOK)
		if reqType == reqTypeOut {
			data := make([]byte, dataLen)
			mem.Read(dataOff, data)
			store.sectors[sector] = data
		} else {
			data, ok := store.sectors[sector]
			if !ok {
				data = make([]byte, SectorSize)
			}
			mem.Write(dataOff, data)
		}

		descBuf3 := make([]byte, 16)
		mem.Read(lay.descOff+32, descBuf3)
		statusAddr := leU64(descBuf3[0:8])
		mem.Write(uint32(uint64(statusAddr)-uint64(mem.phys)), []byte{status})

		idx := dev.usedIdx()
		mem.Write(lay.usedOff+4+8*uint32(idx%dev.queueSize), leU32Bytes(0))
		mem.Write(lay.usedOff+4+8*uint32(idx%dev.queueSize)+4, leU32Bytes(uint32(dataLen)))
		mem.Write(lay.usedOff+2, leU16Bytes(idx+1))
	}

	require.NoError(t, dev.Init())
	return dev, mem, regs
}

func leU64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
func leU32(b []byte) uint32 {
	var v uint32
	for i := 3; i >= 0; i-- {
		v = v<<8 | uint32(b[i])
	}
	return v
}
func leU32Bytes(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}
func leU16Bytes(v uint16) []byte {
	return []byte{byte(v), byte(v >> 8)}
}

func TestInit(t *testing.T) {
	dev, _, regs := setupDevice(t, newBackingStore())
	assert.Equal(t, uint64(2048), dev.Capacity())
	assert.NotZero(t, regs.queuePFN)
	assert.Equal(t, uint8(statusAck|statusDriver|statusFeaturesOK|statusDriverOK), regs.status)
}

func TestWriteThenReadSector(t *testing.T) {
	store := newBackingStore()
	dev, _, _ := setupDevice(t, store)

	payload := make([]byte, SectorSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	require.NoError(t, dev.WriteSector(5, payload))

	out := make([]byte, SectorSize)
	require.NoError(t, dev.ReadSector(5, out))
	assert.Equal(t, payload, out)
}

func TestReadUnwrittenSectorIsZero(t *testing.T) {
	dev, _, _ := setupDevice(t, newBackingStore())

	out := make([]byte, SectorSize)
	for i := range out {
		out[i] = 0xAA
	}
	require.NoError(t, dev.ReadSector(0, out))

	for _, b := range out {
		assert.Equal(t, byte(0), b)
	}
}

func TestReadSectorServesSecondReadFromCache(t *testing.T) {
	store := newBackingStore()
	dev, _, _ := setupDevice(t, store)

	payload := make([]byte, SectorSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, dev.WriteSector(9, payload))

	out := make([]byte, SectorSize)
	require.NoError(t, dev.ReadSector(9, out))
	assert.Equal(t, payload, out)

	// Mutate the backing store directly, bypassing WriteSector; a cache
	// hit must keep returning the stale-to-disk-but-correct-to-cache bytes.
	store.sectors[9] = make([]byte, SectorSize)

	out2 := make([]byte, SectorSize)
	require.NoError(t, dev.ReadSector(9, out2))
	assert.Equal(t, payload, out2, "second read should be served from cache, not the backing store")
}

func TestWriteSectorInvalidatesCache(t *testing.T) {
	store := newBackingStore()
	dev, _, _ := setupDevice(t, store)

	first := make([]byte, SectorSize)
	for i := range first {
		first[i] = 0x11
	}
	require.NoError(t, dev.WriteSector(3, first))
	out := make([]byte, SectorSize)
	require.NoError(t, dev.ReadSector(3, out))
	assert.Equal(t, first, out)

	second := make([]byte, SectorSize)
	for i := range second {
		second[i] = 0x22
	}
	require.NoError(t, dev.WriteSector(3, second))

	out2 := make([]byte, SectorSize)
	require.NoError(t, dev.ReadSector(3, out2))
	assert.Equal(t, second, out2, "write must invalidate the stale cache entry")
}

func TestInitFailsOnZeroQueueSize(t *testing.T) {
	mem := &fakeMemory{buf: make([]byte, 64*1024), phys: 0x10000}
	regs := &fakeRegisters{queueSize: 0}
	dev := NewBlockDevice(regs, mem)

	err := dev.Init()
	assert.ErrorIs(t, err, ErrQueueSizeZero)
}

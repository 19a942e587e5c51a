package virtio

import (
	"testing"
	"unsafe"

	"github.com/nestybox/kernelcore/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBar backs a MmioRegisters/MmioMemory pair with an ordinary Go byte
// slice standing in for a mapped BAR0 region: the load/store helpers only
// care about a dereferenceable base address, and a slice's backing array
// gives us one without needing real device memory.
func fakeBar(t *testing.T, size int) (uintptr, []byte) {
	t.Helper()
	buf := make([]byte, size)
	require.NotEmpty(t, buf)
	return uintptr(unsafe.Pointer(&buf[0])), buf
}

func TestMmioRegistersStatusRoundtrip(t *testing.T) {
	base, _ := fakeBar(t, 64)
	r := NewMmioRegisters(base)

	r.WriteStatus(0x42)
	assert.Equal(t, uint8(0x42), r.ReadStatus())
}

func TestMmioRegistersQueueFields(t *testing.T) {
	base, _ := fakeBar(t, 64)
	r := NewMmioRegisters(base)

	r.WriteQueueSelect(3)
	r.WriteQueueNotify(7)
	r.WriteQueueAddress(0xABCD1234)
	assert.Equal(t, uint16(0), r.ReadQueueSize()) // fake BAR is zeroed, never reports a size

	assert.Equal(t, uint32(0), r.ReadDeviceFeatures()) // fake BAR reports no features
	r.WriteDriverFeatures(0xFF)
}

func TestMmioMemoryReadWriteRoundtrip(t *testing.T) {
	base, _ := fakeBar(t, 128)
	m := NewMmioMemory(base, 0x1000)

	in := []byte("descriptor-bytes")
	m.Write(16, in)

	out := make([]byte, len(in))
	m.Read(16, out)
	assert.Equal(t, in, out)
}

func TestMmioMemoryPhysIsIndependentOfVirt(t *testing.T) {
	m := NewMmioMemory(0xFFFF800000001000, 0x2000)
	assert.Equal(t, domain.PhysAddr(0x2000), m.Phys())
}

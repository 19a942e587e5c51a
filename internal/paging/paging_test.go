package paging

import (
	"testing"

	"github.com/nestybox/kernelcore/domain"
	"github.com/stretchr/testify/assert"
)

func newTestService(t *testing.T) *PagingService {
	ps := NewPagingService(64 * 1024 * 1024)
	ps.Setup(0xFFFF_8000_0000_0000)
	return ps
}

func TestTranslate_Unmapped(t *testing.T) {
	ps := newTestService(t)

	_, ok := ps.Translate(0x1000)
	assert.False(t, ok)
}

func TestMapThenTranslate(t *testing.T) {
	ps := newTestService(t)

	frame, err := ps.frames.Alloc()
	assert.NoError(t, err)

	v := domain.VirtAddr(0x0000_0000_0040_1000)
	err = ps.Map(v, frame, domain.PageFlagWritable)
	assert.NoError(t, err)

	p, ok := ps.Translate(v)
	assert.True(t, ok)
	assert.Equal(t, frame, p)

	// offset within the page is preserved
	p2, ok := ps.Translate(v + 0x10)
	assert.True(t, ok)
	assert.Equal(t, frame+0x10, p2)
}

func TestMapAlreadyMapped(t *testing.T) {
	ps := newTestService(t)
	frame, _ := ps.frames.Alloc()
	v := domain.VirtAddr(0x2000)

	assert.NoError(t, ps.Map(v, frame, 0))
	assert.ErrorIs(t, ps.Map(v, frame, 0), ErrAlreadyMapped)
}

func TestUnmap(t *testing.T) {
	ps := newTestService(t)
	frame, _ := ps.frames.Alloc()
	v := domain.VirtAddr(0x3000)

	assert.NoError(t, ps.Map(v, frame, 0))
	assert.NoError(t, ps.Unmap(v))

	_, ok := ps.Translate(v)
	assert.False(t, ok)

	assert.ErrorIs(t, ps.Unmap(v), ErrNotMapped)
}

func TestPhysToMapped(t *testing.T) {
	ps := newTestService(t)
	assert.Equal(t, domain.VirtAddr(0xFFFF_8000_0000_1000), ps.PhysToMapped(0x1000))
}

func TestHugePage(t *testing.T) {
	ps := newTestService(t)
	frame, _ := ps.frames.Alloc()
	v := domain.VirtAddr(0x0000_0000_0020_0000) // 2MiB aligned

	assert.NoError(t, ps.Map(v, frame, domain.PageFlagHuge))

	p, ok := ps.Translate(v + 0x1234)
	assert.True(t, ok)
	assert.Equal(t, frame+0x1234, p)
}

func TestNoFrame(t *testing.T) {
	ps := NewPagingService(PageSize) // only room for the PML4 itself
	ps.Setup(0)

	_, err := ps.frames.Alloc()
	assert.ErrorIs(t, err, ErrNoFrame)
}

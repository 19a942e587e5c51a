package syscallabi

import (
	"testing"

	"github.com/nestybox/kernelcore/domain"
	"github.com/nestybox/kernelcore/internal/paging"
	"github.com/nestybox/kernelcore/internal/vfs"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newService(t *testing.T) *Service {
	t.Helper()
	v := vfs.NewVfsService()
	v.Setup()
	backing := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(backing, "/f", []byte("hello"), 0o644))
	require.NoError(t, v.Mount("/", vfs.NewHostFs(backing, "/", false)))

	p := paging.NewPagingService(1 << 20)
	p.Setup(0)

	s := NewService()
	s.Setup(v, p)
	return s
}

func TestUnknownSyscallReturnsENOSYS(t *testing.T) {
	s := newService(t)
	result := s.Dispatch(1, 9999, domain.SyscallArgs{})
	assert.Equal(t, -int64(unix.ENOSYS), result)
	assert.EqualValues(t, 1, s.Stats().Unknown)
}

func TestDispatchNeverPanicsOnGarbageArgs(t *testing.T) {
	s := newService(t)
	assert.NotPanics(t, func() {
		s.Dispatch(1, sysRead, domain.SyscallArgs{0xFFFFFFFF, 0, 0xFFFFFFFFFFFF, 0, 0, 0})
		s.Dispatch(1, sysWrite, domain.SyscallArgs{0xFFFFFFFF, 0, 16, 0, 0, 0})
		s.Dispatch(1, sysOpenat, domain.SyscallArgs{})
		s.Dispatch(1, sysMmap, domain.SyscallArgs{})
	})
}

func TestCountersIncrementPerCallAndTotal(t *testing.T) {
	s := newService(t)
	s.Dispatch(1, sysGetrandom, domain.SyscallArgs{0, 8})
	s.Dispatch(1, sysGetrandom, domain.SyscallArgs{0, 8})

	stats := s.Stats()
	assert.EqualValues(t, 2, stats.Total)
	assert.EqualValues(t, 2, stats.PerCall[sysGetrandom])
}

func TestBrkReturnsCurrentBreakWhenRequestedIsZero(t *testing.T) {
	s := newService(t)
	first := s.Dispatch(1, sysBrk, domain.SyscallArgs{0})
	second := s.Dispatch(1, sysBrk, domain.SyscallArgs{0})
	assert.Equal(t, first, second)
}

func TestBrkMovesForward(t *testing.T) {
	s := newService(t)
	s.Dispatch(1, sysBrk, domain.SyscallArgs{0x20000})
	got := s.Dispatch(1, sysBrk, domain.SyscallArgs{0})
	assert.EqualValues(t, 0x20000, got)
}

func TestArchPrctlAcceptsSetFsGetFs(t *testing.T) {
	s := newService(t)
	assert.EqualValues(t, 0, s.Dispatch(1, sysArchPrctl, domain.SyscallArgs{0x1002, 0x4000}))
	assert.EqualValues(t, 0, s.Dispatch(1, sysArchPrctl, domain.SyscallArgs{0x1003}))
	assert.Equal(t, -int64(unix.EINVAL), s.Dispatch(1, sysArchPrctl, domain.SyscallArgs{0x9999}))
}

func TestTraceEnabledToggle(t *testing.T) {
	s := newService(t)
	assert.False(t, s.TraceEnabled())
	s.SetTraceEnabled(true)
	assert.True(t, s.TraceEnabled())
	s.SetTraceEnabled(false)
	assert.False(t, s.TraceEnabled())
}

func TestGetrandomHonorsRequestedLength(t *testing.T) {
	s := newService(t)
	n := s.Dispatch(1, sysGetrandom, domain.SyscallArgs{0, 16})
	assert.EqualValues(t, 16, n)
}

func TestOpenatFaultsWithoutIgnoreHandlerErrors(t *testing.T) {
	s := newService(t)
	assert.Equal(t, -int64(unix.EFAULT), s.Dispatch(1, sysOpenat, domain.SyscallArgs{}))
}

func TestOpenatReturnsSyntheticFdWithIgnoreHandlerErrors(t *testing.T) {
	s := newService(t)
	s.SetIgnoreHandlerErrors(true)
	assert.EqualValues(t, ignoredOpenatFd, s.Dispatch(1, sysOpenat, domain.SyscallArgs{}))

	s.SetIgnoreHandlerErrors(false)
	assert.Equal(t, -int64(unix.EFAULT), s.Dispatch(1, sysOpenat, domain.SyscallArgs{}))
}

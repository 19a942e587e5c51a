package wasi

import (
	"testing"

	"github.com/nestybox/kernelcore/domain"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardFdsPreregistered(t *testing.T) {
	h := NewHost(nil, nil, nil)
	rights, err := h.FdFdstatGet(0)
	require.NoError(t, err)
	assert.NotZero(t, rights&domain.WasiRightFdRead)

	n, err := h.FdWrite(1, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestFdWriteRejectedWithoutRights(t *testing.T) {
	h := NewHost(nil, nil, nil)
	_, err := h.FdWrite(0, []byte("x"))
	assert.ErrorIs(t, err, ErrRightsMissing)
}

func TestBadFdReturnsError(t *testing.T) {
	h := NewHost(nil, nil, nil)
	_, err := h.FdFdstatGet(domain.WasiFd(999))
	assert.ErrorIs(t, err, ErrBadFd)
}

func TestPreopenAndPathOpen(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/hello.txt", []byte("hi"), 0o644))

	h := NewHost(fs, nil, nil)
	root, err := h.Preopen("/data")
	require.NoError(t, err)

	prestat, ok := h.FdPrestatGet(root)
	require.True(t, ok)
	assert.Equal(t, "/data", prestat)

	fd, err := h.PathOpen(root, "hello.txt", 0)
	require.NoError(t, err)

	buf, err := h.FdRead(fd, 16)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf))
}

func TestPathOpenRequiresPrestat(t *testing.T) {
	h := NewHost(nil, nil, nil)
	_, err := h.PathOpen(1, "x", 0)
	assert.Error(t, err)
}

func TestFdReaddirListsPreopenContents(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/a.txt", []byte("a"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/data/b.txt", []byte("b"), 0o644))

	h := NewHost(fs, nil, nil)
	root, err := h.Preopen("/data")
	require.NoError(t, err)

	names, err := h.FdReaddir(root)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, names)
}

func TestFdCloseRemovesFd(t *testing.T) {
	h := NewHost(nil, nil, nil)
	root, err := h.Preopen("/")
	require.NoError(t, err)
	require.NoError(t, h.FdClose(root))

	_, ok := h.FdPrestatGet(root)
	assert.False(t, ok)
}

func TestRandomGetReturnsRequestedLength(t *testing.T) {
	h := NewHost(nil, nil, nil)
	buf, err := h.RandomGet(32)
	require.NoError(t, err)
	assert.Len(t, buf, 32)
}

func TestArgsAndEnvironRoundtrip(t *testing.T) {
	h := NewHost(nil, []string{"kernelcored", "--trace"}, []string{"PATH=/bin"})
	assert.Equal(t, [][]byte{[]byte("kernelcored"), []byte("--trace")}, h.ArgsGet())
	assert.Equal(t, [][]byte{[]byte("PATH=/bin")}, h.EnvironGet())
}

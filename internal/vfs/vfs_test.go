package vfs

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemFs(t *testing.T) *HostFs {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/", 0o755))
	return NewHostFs(fs, "/", false)
}

func TestLongestPrefixResolution(t *testing.T) {
	v := NewVfsService()
	v.Setup()

	root := newMemFs(t)
	proc := newMemFs(t)
	require.NoError(t, v.Mount("/", root))
	require.NoError(t, v.Mount("/proc", proc))

	fs, rel, err := v.Resolve("/proc/uptime")
	require.NoError(t, err)
	assert.Same(t, Filesystem(proc), fs)
	assert.Equal(t, "/uptime", rel)

	fs, rel, err = v.Resolve("/etc/hostname")
	require.NoError(t, err)
	assert.Same(t, Filesystem(root), fs)
	assert.Equal(t, "/etc/hostname", rel)

	fs, rel, err = v.Resolve("/proc")
	require.NoError(t, err)
	assert.Same(t, Filesystem(proc), fs)
	assert.Equal(t, "/", rel)
}

func TestRootMountCannotBeUnmounted(t *testing.T) {
	v := NewVfsService()
	v.Setup()
	require.NoError(t, v.Mount("/", newMemFs(t)))

	err := v.Unmount("/")
	assert.ErrorIs(t, err, ErrRootUnmountable)
}

func TestOpenReadWrite(t *testing.T) {
	v := NewVfsService()
	v.Setup()
	backing := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(backing, "/greeting.txt", []byte("hi"), 0o644))
	require.NoError(t, v.Mount("/", NewHostFs(backing, "/", false)))

	fh, err := v.Open("/greeting.txt", 0)
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := v.Read(fh, buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf[:n]))

	require.NoError(t, v.Close(fh))
}

func TestOpenFileTableReservesStdFds(t *testing.T) {
	v := NewVfsService()
	v.Setup()
	require.NoError(t, v.Mount("/", newMemFs(t)))

	fh, err := v.Open("/", 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, int(fh), reservedFds)
}

func TestWriteRejectedOnReadOnlyMount(t *testing.T) {
	v := NewVfsService()
	v.Setup()
	backing := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(backing, "/f", []byte("x"), 0o644))
	require.NoError(t, v.Mount("/", NewHostFs(backing, "/", true)))

	const oWronly = 0x1
	_, err := v.Open("/f", oWronly)
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestCloseUnknownHandle(t *testing.T) {
	v := NewVfsService()
	v.Setup()
	err := v.Close(FileHandle(500))
	assert.ErrorIs(t, err, ErrBadHandle)
}

func TestSeekEndQueriesFreshSize(t *testing.T) {
	v := NewVfsService()
	v.Setup()
	backing := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(backing, "/f", []byte("hello"), 0o644))
	require.NoError(t, v.Mount("/", NewHostFs(backing, "/", false)))

	fh, err := v.Open("/f", 0)
	require.NoError(t, err)

	off, err := v.Seek(fh, 0, SeekEnd)
	require.NoError(t, err)
	assert.EqualValues(t, 5, off)
}

func TestFuseShimLookup(t *testing.T) {
	backing := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(backing, "/data/file.txt", []byte("payload"), 0o644))
	shim := NewFuseShim(NewHostFs(backing, "/data", false))

	lookupReq := encodeTestInHeader(opLookup, 1, 1, []byte("file.txt\x00"))
	resp := shim.HandleRequest(lookupReq)
	status, _, payload := decodeTestOutHeader(resp)
	require.Equal(t, int32(0), status)
	require.Len(t, payload, 16)
}

func TestFuseShimUnknownOpcodeReturnsENOSYS(t *testing.T) {
	backing := afero.NewMemMapFs()
	shim := NewFuseShim(NewHostFs(backing, "/", false))

	req := encodeTestInHeader(999, 1, 1, nil)
	resp := shim.HandleRequest(req)
	status, _, _ := decodeTestOutHeader(resp)
	assert.Equal(t, int32(enosys), status)
}

func encodeTestInHeader(opcode int32, unique, nodeID uint64, body []byte) []byte {
	buf := make([]byte, fuseInHeaderSize+len(body))
	putU32(buf[0:4], uint32(fuseInHeaderSize+len(body)))
	putU32(buf[4:8], uint32(opcode))
	putU64(buf[8:16], unique)
	putU64(buf[16:24], nodeID)
	copy(buf[fuseInHeaderSize:], body)
	return buf
}

func decodeTestOutHeader(b []byte) (status int32, unique uint64, payload []byte) {
	status = int32(getU32(b[4:8]))
	unique = getU64(b[8:16])
	payload = b[fuseOutHeaderSize:]
	return
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

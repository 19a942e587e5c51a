package netstack

import (
	"sync"
	"testing"

	"github.com/nestybox/kernelcore/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopbackDriver hands frames transmitted by one service straight to the
// other's inbound queue, modelling a direct NIC loopback.
type loopbackDriver struct {
	mu   sync.Mutex
	peer *loopbackDriver
	rx   [][]byte
}

func newLoopbackPair() (*loopbackDriver, *loopbackDriver) {
	a := &loopbackDriver{}
	b := &loopbackDriver{}
	a.peer = b
	b.peer = a
	return a, b
}

func (d *loopbackDriver) TransmitFrame(frame []byte) error {
	d.peer.mu.Lock()
	defer d.peer.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	d.peer.rx = append(d.peer.rx, cp)
	return nil
}

func (d *loopbackDriver) PollRX() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.rx
	d.rx = nil
	return out
}

const (
	clientIP uint32 = 0x0A000001
	serverIP uint32 = 0x0A000002
)

func TestThreeWayHandshake(t *testing.T) {
	clientDrv, serverDrv := newLoopbackPair()

	client := NewTCPService()
	client.Setup(clientDrv, clientIP)

	server := NewTCPService()
	server.Setup(serverDrv, serverIP)

	serverConn, err := server.Listen(8080)
	require.NoError(t, err)

	type result struct {
		id  domain.ConnID
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := client.Connect(domain.FourTuple{RemoteIP: serverIP, RemotePort: 8080})
		done <- result{id, err}
	}()

	// pump the server's inbound queue until the handshake resolves, since
	// nothing else drives server.Tick() in this test.
	var clientID domain.ConnID
	for clientID == 0 {
		server.drainRX()
		select {
		case r := <-done:
			require.NoError(t, r.err)
			clientID = r.id
		default:
		}
	}

	cState, ok := client.State(clientID)
	require.True(t, ok)
	assert.Equal(t, domain.StateEstablished, cState)

	// find the accepted server-side connection
	server.mu.RLock()
	var serverSide *connection
	for _, c := range server.conns {
		if !c.isListener {
			serverSide = c
		}
	}
	server.mu.RUnlock()
	require.NotNil(t, serverSide)
	assert.Equal(t, domain.StateEstablished, serverSide.state)

	client.mu.RLock()
	clientSide := client.conns[clientID]
	client.mu.RUnlock()

	assert.Equal(t, clientSide.sndUna, serverSide.irs+1)
	assert.Equal(t, clientSide.rcvNxt, serverSide.iss+1)
	assert.Equal(t, clientSide.iss, serverSide.irs)

	_ = serverConn
}

func TestSendRecv(t *testing.T) {
	clientDrv, serverDrv := newLoopbackPair()

	client := NewTCPService()
	client.Setup(clientDrv, clientIP)
	server := NewTCPService()
	server.Setup(serverDrv, serverIP)

	_, err := server.Listen(9000)
	require.NoError(t, err)

	connCh := make(chan domain.ConnID, 1)
	go func() {
		id, _ := client.Connect(domain.FourTuple{RemoteIP: serverIP, RemotePort: 9000})
		connCh <- id
	}()

	var clientID domain.ConnID
	for clientID == 0 {
		server.drainRX()
		select {
		case id := <-connCh:
			clientID = id
		default:
		}
	}
	require.NotZero(t, clientID)

	server.mu.RLock()
	var serverID domain.ConnID
	for id, c := range server.conns {
		if !c.isListener {
			serverID = id
		}
	}
	server.mu.RUnlock()

	n, err := client.Send(clientID, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	server.drainRX()

	buf := make([]byte, 16)
	n, err = server.Recv(serverID, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	client.drainRX() // deliver the data-ACK
}

func TestRecvWouldBlock(t *testing.T) {
	s := NewTCPService()
	s.Setup(&loopbackDriver{}, clientIP)
	id := s.Create()
	s.conns[id].state = domain.StateEstablished

	_, err := s.Recv(id, make([]byte, 8))
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestRecvEOFAfterClose(t *testing.T) {
	s := NewTCPService()
	s.Setup(&loopbackDriver{}, clientIP)
	id := s.Create()
	s.conns[id].state = domain.StateCloseWait

	n, err := s.Recv(id, make([]byte, 8))
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestConnectionNotFound(t *testing.T) {
	s := NewTCPService()
	s.Setup(&loopbackDriver{}, clientIP)

	_, err := s.Recv(domain.ConnID(999), make([]byte, 8))
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestDestroyRemovesFromTables(t *testing.T) {
	s := NewTCPService()
	s.Setup(&loopbackDriver{}, clientIP)

	id, err := s.Listen(1234)
	require.NoError(t, err)

	s.Destroy(id)

	_, ok := s.State(id)
	assert.False(t, ok)

	_, err = s.Listen(1234)
	assert.NoError(t, err, "port should be free again after destroy")
}

func TestSeqLessWrapAround(t *testing.T) {
	assert.True(t, seqLess(0xFFFFFFFF, 0))
	assert.False(t, seqLess(0, 0xFFFFFFFF))
	assert.True(t, seqLess(10, 20))
	assert.False(t, seqLess(20, 10))
}

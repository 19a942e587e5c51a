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

package netstack

import (
	"errors"
	"sync"

	"github.com/nestybox/kernelcore/domain"
	"github.com/sirupsen/logrus"
)

var (
	ErrConnectionNotFound = errors.New("netstack: connection not found")
	ErrNotConnected       = errors.New("netstack: connection not established")
	ErrWouldBlock         = errors.New("netstack: would block")
	ErrTimedOut           = errors.New("netstack: timed out")
	ErrConnectionRefused  = errors.New("netstack: connection refused")
	ErrPortInUse          = errors.New("netstack: port already listening")
)

const (
	ephemeralPortStart = 49152
	isnStep            = 64000
	connectMaxSpins    = 2000
)

// TCPService is the C3 service: one global connection arena plus the
// 4-tuple/listener lookup tables, guarded by a single RWMutex per the
// concurrency model in spec.md §5.
type TCPService struct {
	mu sync.RWMutex

	driver  domain.NetDriver
	localIP uint32

	conns     map[domain.ConnID]*connection
	byTuple   map[domain.FourTuple]domain.ConnID
	listeners map[uint16]domain.ConnID

	nextID      domain.ConnID
	nextPort    uint16
	isnCounter  uint32
	tickCount   int64
}

func NewTCPService() *TCPService {
	return &TCPService{
		conns:      make(map[domain.ConnID]*connection),
		byTuple:    make(map[domain.FourTuple]domain.ConnID),
		listeners:  make(map[uint16]domain.ConnID),
		nextPort:   ephemeralPortStart,
		isnCounter: 1,
	}
}

func (s *TCPService) Setup(driver domain.NetDriver, localIP uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.driver = driver
	s.localIP = localIP
}

func (s *TCPService) nextISN() uint32 {
	s.isnCounter += isnStep
	return s.isnCounter
}

func (s *TCPService) allocPort() uint16 {
	p := s.nextPort
	s.nextPort++
	if s.nextPort == 0 {
		s.nextPort = ephemeralPortStart
	}
	return p
}

func (s *TCPService) Create() domain.ConnID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.conns[id] = newConnection(id, domain.FourTuple{})
	return id
}

func (s *TCPService) Listen(port uint16) (domain.ConnID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.listeners[port]; taken {
		return 0, ErrPortInUse
	}

	s.nextID++
	id := s.nextID
	c := newConnection(id, domain.FourTuple{LocalIP: s.localIP, LocalPort: port})
	c.state = domain.StateListen
	c.isListener = true
	s.conns[id] = c
	s.listeners[port] = id
	return id, nil
}

// Connect performs a synchronous three-way handshake: transmit SYN, then
// poll the driver in a bounded loop (spec.md §4.3/§5).
func (s *TCPService) Connect(remote domain.FourTuple) (domain.ConnID, error) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	localPort := s.allocPort()
	tuple := domain.FourTuple{
		LocalIP:    s.localIP,
		LocalPort:  localPort,
		RemoteIP:   remote.RemoteIP,
		RemotePort: remote.RemotePort,
	}
	c := newConnection(id, tuple)
	c.iss = s.nextISN()
	c.sndUna = c.iss
	c.sndNxt = c.iss + 1
	c.state = domain.StateSynSent
	s.conns[id] = c
	s.byTuple[tuple] = id

	frame := s.frameFor(c, tcpSegment{Flags: flagSYN, Seq: c.iss, Window: 65535})
	s.mu.Unlock()

	if err := s.driver.TransmitFrame(frame); err != nil {
		return 0, err
	}

	for i := 0; i < connectMaxSpins; i++ {
		s.drainRX()

		s.mu.RLock()
		state := c.state
		failed := c.failed
		s.mu.RUnlock()

		if state == domain.StateEstablished {
			return id, nil
		}
		if state == domain.StateClosed || failed {
			return 0, ErrConnectionRefused
		}
	}
	return 0, ErrTimedOut
}

func (s *TCPService) frameFor(c *connection, seg tcpSegment) []byte {
	seg.SrcPort = c.tuple.LocalPort
	seg.DstPort = c.tuple.RemotePort
	if seg.Window == 0 {
		seg.Window = 65535
	}
	tcpBytes := buildTCP(c.tuple.LocalIP, c.tuple.RemoteIP, seg)
	ipBytes := buildIPv4(c.tuple.LocalIP, c.tuple.RemoteIP, protoTCP, tcpBytes)
	return wrapEthernet(ipBytes)
}

func (s *TCPService) get(id domain.ConnID) (*connection, error) {
	c, ok := s.conns[id]
	if !ok {
		return nil, ErrConnectionNotFound
	}
	return c, nil
}

// Send segments data into MSS-sized chunks, assigning consecutive sequence
// numbers, queues each for transmission and records it in the retx queue.
func (s *TCPService) Send(id domain.ConnID, data []byte) (int, error) {
	s.mu.Lock()

	c, err := s.get(id)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	if c.state != domain.StateEstablished && c.state != domain.StateCloseWait {
		s.mu.Unlock()
		return 0, ErrNotConnected
	}

	sent := 0
	for len(data) > 0 {
		chunk := data
		if len(chunk) > mss {
			chunk = data[:mss]
		}
		seq := c.sndNxt
		frame := s.frameFor(c, tcpSegment{Flags: flagACK | flagPSH, Seq: seq, Ack: c.rcvNxt, Payload: chunk})
		c.queueFrame(frame)
		c.retx = append(c.retx, retxEntry{seq: seq, endSeq: seq + uint32(len(chunk)), frame: frame, sentAt: s.tickCount})
		c.sndNxt += uint32(len(chunk))
		sent += len(chunk)
		data = data[len(chunk):]
	}

	frames := s.drainTx(c)
	s.mu.Unlock()
	s.transmit(frames)
	return sent, nil
}

// Recv is non-blocking: WouldBlock when empty and alive, 0 on peer close
// with an empty buffer, otherwise copies as much as fits.
func (s *TCPService) Recv(id domain.ConnID, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.get(id)
	if err != nil {
		return 0, err
	}

	if len(c.recvBuf) == 0 {
		if c.state == domain.StateCloseWait || c.state == domain.StateClosed {
			return 0, nil
		}
		return 0, ErrWouldBlock
	}

	n := copy(buf, c.recvBuf)
	c.recvBuf = c.recvBuf[n:]
	return n, nil
}

func (s *TCPService) RecvBlocking(id domain.ConnID, buf []byte, maxSpins int) (int, error) {
	for i := 0; i < maxSpins; i++ {
		s.drainRX()
		n, err := s.Recv(id, buf)
		if err == nil {
			return n, nil
		}
		if err != ErrWouldBlock {
			return 0, err
		}
	}
	return 0, ErrTimedOut
}

// Close sends FIN|ACK and advances the sender-side half of the close
// sequence. The transition to the terminal state happens as ACKs for the
// FIN arrive via processIncoming.
func (s *TCPService) Close(id domain.ConnID) error {
	s.mu.Lock()

	c, err := s.get(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	switch c.state {
	case domain.StateEstablished:
		frame := s.frameFor(c, tcpSegment{Flags: flagFIN | flagACK, Seq: c.sndNxt, Ack: c.rcvNxt})
		c.queueFrame(frame)
		c.sndNxt++
		c.state = domain.StateFinWait1
	case domain.StateCloseWait:
		frame := s.frameFor(c, tcpSegment{Flags: flagFIN | flagACK, Seq: c.sndNxt, Ack: c.rcvNxt})
		c.queueFrame(frame)
		c.sndNxt++
		c.state = domain.StateLastAck
	case domain.StateListen, domain.StateSynSent:
		c.state = domain.StateClosed
	}

	frames := s.drainTx(c)
	s.mu.Unlock()
	s.transmit(frames)
	return nil
}

func (s *TCPService) Destroy(id domain.ConnID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conns[id]; ok {
		delete(s.byTuple, c.tuple)
		if c.isListener {
			delete(s.listeners, c.tuple.LocalPort)
		}
	}
	delete(s.conns, id)
}

func (s *TCPService) State(id domain.ConnID) (domain.TCPState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[id]
	if !ok {
		return domain.StateClosed, false
	}
	return c.state, true
}

// drainTx pulls a connection's queued outbound frames off the connection.
// Callers invoke it while holding s.mu and call transmit on the result only
// after releasing s.mu, to avoid lock inversion against the NIC driver
// (spec.md §5).
func (s *TCPService) drainTx(c *connection) [][]byte {
	frames := c.tx
	c.tx = nil
	return frames
}

func (s *TCPService) transmit(frames [][]byte) {
	for _, f := range frames {
		_ = s.driver.TransmitFrame(f)
	}
}

// Tick drives retransmission timers and drains inbound frames. Intended to
// be called periodically by the owner of the event loop.
func (s *TCPService) Tick() {
	s.mu.Lock()
	s.tickCount++
	now := s.tickCount
	var toResend [][]byte
	for _, c := range s.conns {
		kept := c.retx[:0]
		for i := range c.retx {
			e := &c.retx[i]
			if now-e.sentAt < rtoTicks {
				kept = append(kept, *e)
				continue
			}
			if e.retries >= maxRetries {
				c.failed = true
				continue
			}
			e.retries++
			e.sentAt = now
			toResend = append(toResend, e.frame)
			kept = append(kept, *e)
		}
		c.retx = kept
	}
	driver := s.driver
	s.mu.Unlock()

	for _, f := range toResend {
		_ = driver.TransmitFrame(f)
	}

	s.drainRX()
}

func (s *TCPService) drainRX() {
	if s.driver == nil {
		return
	}
	frames := s.driver.PollRX()
	for _, f := range frames {
		s.processIncoming(f)
	}
}

// processIncoming implements the TCP state transition table from
// spec.md §4.3.
func (s *TCPService) processIncoming(frame []byte) {
	ipPkt, ok := unwrapEthernet(frame)
	if !ok {
		return
	}
	ipHdr, tcpBytes, err := parseIPv4(ipPkt)
	if err != nil || ipHdr.Proto != protoTCP {
		return
	}
	seg, ok := parseTCP(tcpBytes)
	if !ok {
		return
	}

	s.mu.Lock()

	tuple := domain.FourTuple{
		LocalIP: ipHdr.DstIP, LocalPort: seg.DstPort,
		RemoteIP: ipHdr.SrcIP, RemotePort: seg.SrcPort,
	}

	var pending *connection

	if id, ok := s.byTuple[tuple]; ok {
		c := s.conns[id]
		s.handleSegment(c, seg)
		pending = c
	} else if seg.Flags&flagSYN != 0 && seg.Flags&flagACK == 0 {
		if lid, ok := s.listeners[tuple.LocalPort]; ok {
			s.nextID++
			nid := s.nextID
			nc := newConnection(nid, tuple)
			nc.iss = s.nextISN()
			nc.irs = seg.Seq
			nc.rcvNxt = seg.Seq + 1
			nc.sndUna = nc.iss
			nc.sndNxt = nc.iss + 1
			nc.state = domain.StateSynReceived
			s.conns[nid] = nc
			s.byTuple[tuple] = nid
			logrus.Debugf("netstack: accepted connection on listener %d -> %d", lid, nid)

			frame := s.frameFor(nc, tcpSegment{Flags: flagSYN | flagACK, Seq: nc.iss, Ack: nc.rcvNxt})
			nc.queueFrame(frame)
			pending = nc
		}
	}

	var frames [][]byte
	if pending != nil {
		frames = s.drainTx(pending)
	}
	s.mu.Unlock()
	s.transmit(frames)
}

func (s *TCPService) handleSegment(c *connection, seg tcpSegment) {
	if seg.Flags&flagRST != 0 {
		c.state = domain.StateClosed
		return
	}

	switch c.state {
	case domain.StateSynSent:
		if seg.Flags&flagSYN != 0 && seg.Flags&flagACK != 0 {
			c.irs = seg.Seq
			c.rcvNxt = seg.Seq + 1
			c.sndUna = seg.Ack
			frame := s.frameFor(c, tcpSegment{Flags: flagACK, Seq: c.sndNxt, Ack: c.rcvNxt})
			c.queueFrame(frame)
			c.state = domain.StateEstablished
		}

	case domain.StateSynReceived:
		if seg.Flags&flagACK != 0 {
			c.sndUna = seg.Ack
			c.state = domain.StateEstablished
		}

	case domain.StateEstablished:
		c.ackRetx(seg.Ack)
		c.sndWnd = seg.Window
		if len(seg.Payload) > 0 {
			if seg.Seq == c.rcvNxt {
				c.deliver(seg.Seq, seg.Payload)
				frame := s.frameFor(c, tcpSegment{Flags: flagACK, Seq: c.sndNxt, Ack: c.rcvNxt})
				c.queueFrame(frame)
			} else {
				c.acceptOutOfOrder(seg.Seq, seg.Payload)
			}
		}
		if seg.Flags&flagFIN != 0 {
			c.rcvNxt++
			frame := s.frameFor(c, tcpSegment{Flags: flagACK, Seq: c.sndNxt, Ack: c.rcvNxt})
			c.queueFrame(frame)
			c.state = domain.StateCloseWait
		}

	case domain.StateFinWait1:
		c.ackRetx(seg.Ack)
		if seg.Ack == c.sndNxt {
			c.state = domain.StateFinWait2
		}
		if seg.Flags&flagFIN != 0 {
			c.rcvNxt++
			frame := s.frameFor(c, tcpSegment{Flags: flagACK, Seq: c.sndNxt, Ack: c.rcvNxt})
			c.queueFrame(frame)
			if c.state == domain.StateFinWait2 {
				c.state = domain.StateTimeWait
			} else {
				c.state = domain.StateClosing
			}
		}

	case domain.StateFinWait2:
		if seg.Flags&flagFIN != 0 {
			c.rcvNxt++
			frame := s.frameFor(c, tcpSegment{Flags: flagACK, Seq: c.sndNxt, Ack: c.rcvNxt})
			c.queueFrame(frame)
			c.state = domain.StateTimeWait
		}

	case domain.StateClosing:
		c.ackRetx(seg.Ack)
		if seg.Ack == c.sndNxt {
			c.state = domain.StateTimeWait
		}

	case domain.StateLastAck:
		c.ackRetx(seg.Ack)
		if seg.Ack == c.sndNxt {
			c.state = domain.StateClosed
		}
	}
}

var _ domain.TCPServiceIface = (*TCPService)(nil)

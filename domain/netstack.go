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

// ConnID is an opaque handle into the TCP connection arena. The 4-tuple ->
// id lookup table stores only ids, never owning references, so destroy
// never races a concurrent lookup into freed state (see spec.md §9).
type ConnID uint64

type TCPState int

const (
	StateClosed TCPState = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

func (s TCPState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateClosing:
		return "CLOSING"
	case StateLastAck:
		return "LAST_ACK"
	case StateTimeWait:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}

// FourTuple identifies a TCP connection.
type FourTuple struct {
	LocalIP    uint32
	LocalPort  uint16
	RemoteIP   uint32
	RemotePort uint16
}

// NetDriver is the external NIC collaborator (§6): egress via
// TransmitFrame, ingress via PollRX.
type NetDriver interface {
	TransmitFrame(frame []byte) error
	PollRX() [][]byte
}

// TCPServiceIface is the C3 TCP/IPv4 host stack.
type TCPServiceIface interface {
	Setup(driver NetDriver, localIP uint32)

	Create() ConnID
	Listen(port uint16) (ConnID, error)
	Connect(remote FourTuple) (ConnID, error)
	Send(id ConnID, data []byte) (int, error)
	Recv(id ConnID, buf []byte) (int, error)
	RecvBlocking(id ConnID, buf []byte, maxSpins int) (int, error)
	Close(id ConnID) error
	Destroy(id ConnID)
	State(id ConnID) (TCPState, bool)

	// Tick drives retransmission and polls the driver for inbound frames.
	Tick()
}

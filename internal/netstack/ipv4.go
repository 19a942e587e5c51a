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

// Package netstack implements the C3 IPv4 + TCP host stack: segment
// framing, checksums, the TCP state machine, retransmission and a small
// out-of-order reorder buffer, lowered onto Ethernet frames via the
// NetDriver collaborator.
package netstack

import (
	"encoding/binary"
	"errors"
)

const (
	ipv4HeaderLen = 20
	ipv4Version   = 4
	protoTCP      = 6
	ethHeaderLen  = 14
	ethTypeIPv4   = 0x0800
)

var ErrShortPacket = errors.New("netstack: packet too short")

type ipv4Header struct {
	TotalLen int
	Proto    uint8
	SrcIP    uint32
	DstIP    uint32
}

func parseIPv4(pkt []byte) (ipv4Header, []byte, error) {
	if len(pkt) < ipv4HeaderLen {
		return ipv4Header{}, nil, ErrShortPacket
	}
	ihl := int(pkt[0]&0x0F) * 4
	if ihl < ipv4HeaderLen || len(pkt) < ihl {
		return ipv4Header{}, nil, ErrShortPacket
	}
	totalLen := int(binary.BigEndian.Uint16(pkt[2:4]))
	if totalLen > len(pkt) {
		totalLen = len(pkt)
	}
	h := ipv4Header{
		TotalLen: totalLen,
		Proto:    pkt[9],
		SrcIP:    binary.BigEndian.Uint32(pkt[12:16]),
		DstIP:    binary.BigEndian.Uint32(pkt[16:20]),
	}
	return h, pkt[ihl:totalLen], nil
}

func buildIPv4(srcIP, dstIP uint32, proto uint8, payload []byte) []byte {
	totalLen := ipv4HeaderLen + len(payload)
	pkt := make([]byte, totalLen)
	pkt[0] = (ipv4Version << 4) | (ipv4HeaderLen / 4)
	pkt[1] = 0
	binary.BigEndian.PutUint16(pkt[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(pkt[4:6], 0) // id
	binary.BigEndian.PutUint16(pkt[6:8], 0) // flags/frag
	pkt[8] = 64                             // ttl
	pkt[9] = proto
	binary.BigEndian.PutUint32(pkt[12:16], srcIP)
	binary.BigEndian.PutUint32(pkt[16:20], dstIP)

	binary.BigEndian.PutUint16(pkt[10:12], 0)
	binary.BigEndian.PutUint16(pkt[10:12], checksum16(pkt[:ipv4HeaderLen]))

	copy(pkt[ipv4HeaderLen:], payload)
	return pkt
}

// checksum16 computes the Internet checksum (RFC 1071) over b.
func checksum16(b []byte) uint16 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// wrapEthernet wraps an IPv4 packet in a minimal Ethernet II frame. Real
// MAC addressing is an external concern (ARP, NIC driver); this core
// zero-fills addresses and relies on the NetDriver collaborator to fix
// them up, matching the "transmit_frame/poll_rx" boundary in spec.md §6.
func wrapEthernet(payload []byte) []byte {
	frame := make([]byte, ethHeaderLen+len(payload))
	binary.BigEndian.PutUint16(frame[12:14], ethTypeIPv4)
	copy(frame[ethHeaderLen:], payload)
	return frame
}

func unwrapEthernet(frame []byte) ([]byte, bool) {
	if len(frame) < ethHeaderLen {
		return nil, false
	}
	if binary.BigEndian.Uint16(frame[12:14]) != ethTypeIPv4 {
		return nil, false
	}
	return frame[ethHeaderLen:], true
}

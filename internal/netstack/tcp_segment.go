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
	"encoding/binary"
)

const tcpHeaderLen = 20

type tcpFlags uint8

const (
	flagFIN tcpFlags = 1 << iota
	flagSYN
	flagRST
	flagPSH
	flagACK
	flagURG
)

type tcpSegment struct {
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Flags            tcpFlags
	Window           uint16
	Payload          []byte
}

func parseTCP(b []byte) (tcpSegment, bool) {
	if len(b) < tcpHeaderLen {
		return tcpSegment{}, false
	}
	dataOff := int(b[12]>>4) * 4
	if dataOff < tcpHeaderLen || dataOff > len(b) {
		return tcpSegment{}, false
	}
	return tcpSegment{
		SrcPort: binary.BigEndian.Uint16(b[0:2]),
		DstPort: binary.BigEndian.Uint16(b[2:4]),
		Seq:     binary.BigEndian.Uint32(b[4:8]),
		Ack:     binary.BigEndian.Uint32(b[8:12]),
		Flags:   tcpFlags(b[13]),
		Window:  binary.BigEndian.Uint16(b[14:16]),
		Payload: b[dataOff:],
	}, true
}

// buildTCP serialises the 20-byte header (no options) plus payload, and
// computes the checksum over the IPv4 pseudo-header + TCP header + payload
// per RFC 793.
func buildTCP(srcIP, dstIP uint32, seg tcpSegment) []byte {
	total := tcpHeaderLen + len(seg.Payload)
	b := make([]byte, total)

	binary.BigEndian.PutUint16(b[0:2], seg.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], seg.DstPort)
	binary.BigEndian.PutUint32(b[4:8], seg.Seq)
	binary.BigEndian.PutUint32(b[8:12], seg.Ack)
	b[12] = (tcpHeaderLen / 4) << 4
	b[13] = byte(seg.Flags)
	binary.BigEndian.PutUint16(b[14:16], seg.Window)
	copy(b[tcpHeaderLen:], seg.Payload)

	binary.BigEndian.PutUint16(b[16:18], 0)
	binary.BigEndian.PutUint16(b[16:18], tcpChecksum(srcIP, dstIP, b))
	return b
}

func tcpChecksum(srcIP, dstIP uint32, tcpSeg []byte) uint16 {
	pseudo := make([]byte, 12)
	binary.BigEndian.PutUint32(pseudo[0:4], srcIP)
	binary.BigEndian.PutUint32(pseudo[4:8], dstIP)
	pseudo[8] = 0
	pseudo[9] = protoTCP
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(tcpSeg)))

	return checksum16(append(pseudo, tcpSeg...))
}

// seqLess implements the modulo-2^32 "signed difference < 0" comparison
// used throughout the state machine so wrap-around is handled correctly.
func seqLess(a, b uint32) bool {
	return int32(a-b) < 0
}

func seqLessEqual(a, b uint32) bool {
	return a == b || seqLess(a, b)
}

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
	"github.com/nestybox/kernelcore/domain"
)

const (
	rtoTicks        = 5
	maxRetries      = 5
	reorderCapacity = 16
	mss             = 1460
)

// retxEntry is one outstanding unacked segment.
type retxEntry struct {
	seq     uint32
	endSeq  uint32
	frame   []byte
	retries int
	sentAt  int64
}

// pendingSegment is held in the reorder buffer until the gap ahead of it
// closes (Open Question decision in DESIGN.md).
type pendingSegment struct {
	seq  uint32
	data []byte
}

type connection struct {
	id     domain.ConnID
	tuple  domain.FourTuple
	state  domain.TCPState
	failed bool

	sndUna, sndNxt, iss uint32
	rcvNxt, irs         uint32
	sndWnd              uint16

	recvBuf []byte
	reorder []pendingSegment

	retx []retxEntry
	tx   [][]byte

	isListener bool
}

func newConnection(id domain.ConnID, tuple domain.FourTuple) *connection {
	return &connection{id: id, tuple: tuple, state: domain.StateClosed}
}

func (c *connection) queueFrame(frame []byte) {
	c.tx = append(c.tx, frame)
}

// ackRetx removes any retransmission-queue entry fully covered by ack,
// per P2/§4.3.
func (c *connection) ackRetx(ack uint32) {
	kept := c.retx[:0]
	for _, e := range c.retx {
		if seqLessEqual(e.endSeq, ack) {
			continue
		}
		kept = append(kept, e)
	}
	c.retx = kept
}

// deliver appends in-order payload to the receive buffer and folds in any
// now-contiguous segments from the reorder buffer.
func (c *connection) deliver(seq uint32, data []byte) {
	if seq != c.rcvNxt {
		return
	}
	if len(data) > 0 {
		c.recvBuf = append(c.recvBuf, data...)
		c.rcvNxt += uint32(len(data))
	}

	for progressed := true; progressed; {
		progressed = false
		for i, p := range c.reorder {
			if p.seq == c.rcvNxt {
				c.recvBuf = append(c.recvBuf, p.data...)
				c.rcvNxt += uint32(len(p.data))
				c.reorder = append(c.reorder[:i], c.reorder[i+1:]...)
				progressed = true
				break
			}
		}
	}
}

// acceptOutOfOrder buffers a future segment (seq > rcvNxt) instead of
// silently dropping it, bounded to reorderCapacity pending segments.
func (c *connection) acceptOutOfOrder(seq uint32, data []byte) {
	if len(data) == 0 || !seqLess(c.rcvNxt, seq) {
		return
	}
	for _, p := range c.reorder {
		if p.seq == seq {
			return
		}
	}
	if len(c.reorder) >= reorderCapacity {
		return
	}
	c.reorder = append(c.reorder, pendingSegment{seq: seq, data: data})
}

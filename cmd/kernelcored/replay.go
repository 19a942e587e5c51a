//
// Copyright 2020 Nestybox, Inc.
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

package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/nestybox/kernelcore/domain"
	"github.com/nestybox/kernelcore/internal/paging"
	"github.com/nestybox/kernelcore/internal/syscallabi"
	"github.com/nestybox/kernelcore/internal/trace"
	"github.com/nestybox/kernelcore/internal/vfs"
	"github.com/sirupsen/logrus"
)

// replayEvent mirrors internal/syscallabi.TraceEvent's fields for decoding
// a capture file produced by piping --linux-trace's StreamTrace output
// through a recorder; only the entry half of each entry/exit pair is
// replayed, since the exit half carries no input the dispatcher needs.
type replayEvent struct {
	pid  uint32
	nr   uint64
	args domain.SyscallArgs
	exit bool
}

// readReplayFile decodes a sequence of length-prefixed TraceEvent.Marshal
// frames: a uint32 big-endian length followed by that many wire bytes,
// the simplest framing that lets a capture file be produced by appending
// to it as events arrive.
func readReplayFile(path string) ([]replayEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []replayEvent
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("replay: reading frame length: %w", err)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		frame := make([]byte, n)
		if _, err := io.ReadFull(f, frame); err != nil {
			return nil, fmt.Errorf("replay: reading frame body: %w", err)
		}

		var e trace.TraceEvent
		if err := (&e).Unmarshal(frame); err != nil {
			return nil, fmt.Errorf("replay: decoding frame: %w", err)
		}
		out = append(out, replayEvent{pid: e.Pid, nr: e.Nr, args: domain.SyscallArgs(e.Args), exit: e.Exit})
	}
	return out, nil
}

// replayTrace drives a fresh, otherwise-unbooted C6 dispatcher with the
// entry events from a capture file, the way a regression test replays a
// fixture instead of needing a live guest to reproduce a reported bug.
func replayTrace(path string) error {
	if path == "" {
		return fmt.Errorf("replay: missing trace file argument")
	}

	events, err := readReplayFile(path)
	if err != nil {
		return err
	}

	vfsService := vfs.NewVfsService()
	vfsService.Setup()
	pagingService := paging.NewPagingService(64 << 20)
	pagingService.Setup(domain.VirtAddr(0xFFFF_8000_0000_0000))

	syscallService := syscallabi.NewService()
	syscallService.Setup(vfsService, pagingService)
	// A replay has no live guest to resolve openat's path pointer against,
	// so treat that gap the same way --ignore-handler-errors does at boot
	// rather than having every captured openat entry fault.
	syscallService.SetIgnoreHandlerErrors(true)

	replayed := 0
	for _, e := range events {
		if e.exit {
			continue
		}
		result := syscallService.Dispatch(e.pid, e.nr, e.args)
		logrus.Infof("replay: pid=%d nr=%d -> %d", e.pid, e.nr, result)
		replayed++
	}

	stats := syscallService.Stats()
	logrus.Infof("replay: %d entries replayed, %d unknown", replayed, stats.Unknown)
	return nil
}

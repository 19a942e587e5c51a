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

// Package trace implements the syscall-trace sink the --linux-trace boot
// flag streams C6 dispatch entry/exit events to, mirroring the shape of
// the teacher's ipc package (a grpc.Server wrapped by a small service
// struct) without depending on the
// teacher's private sysbox-ipc wire types: TraceEvent is encoded by hand
// with google.golang.org/protobuf's low-level wire primitives instead of
// a protoc-generated message, since no .proto toolchain runs here.
package trace

import (
	"fmt"
	"sync"

	"github.com/nestybox/kernelcore/internal/syscallabi"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
)

// rawBytesCodec ships already-wire-encoded TraceEvent bytes straight
// through the grpc transport; there is no protoc-generated proto.Message
// to hand the default codec, so this server negotiates its own
// "kernelcore-trace-bytes" codec instead.
type rawBytesCodec struct{}

func (rawBytesCodec) Marshal(v interface{}) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("trace: codec expects []byte, got %T", v)
	}
	return b, nil
}

func (rawBytesCodec) Unmarshal(data []byte, v interface{}) error {
	p, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("trace: codec expects *[]byte, got %T", v)
	}
	*p = append([]byte(nil), data...)
	return nil
}

func (rawBytesCodec) Name() string { return "kernelcore-trace-bytes" }

func init() {
	encoding.RegisterCodec(rawBytesCodec{})
}

// TraceEvent is one syscall dispatch entry or exit observation.
type TraceEvent struct {
	Pid    uint32
	Nr     uint64
	Args   [6]uint64
	Result int64
	Exit   bool
}

const (
	fieldPid = iota + 1
	fieldNr
	fieldArgs
	fieldResult
	fieldExit
)

// Marshal encodes a TraceEvent using protobuf's wire format directly,
// field-by-field, the way protoc-gen-go's generated Marshal would if it
// existed for this message.
func (e TraceEvent) Marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldPid, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(e.Pid))
	buf = protowire.AppendTag(buf, fieldNr, protowire.VarintType)
	buf = protowire.AppendVarint(buf, e.Nr)
	for _, a := range e.Args {
		buf = protowire.AppendTag(buf, fieldArgs, protowire.VarintType)
		buf = protowire.AppendVarint(buf, a)
	}
	buf = protowire.AppendTag(buf, fieldResult, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(e.Result))
	buf = protowire.AppendTag(buf, fieldExit, protowire.VarintType)
	exitBit := uint64(0)
	if e.Exit {
		exitBit = 1
	}
	buf = protowire.AppendVarint(buf, exitBit)
	return buf
}

// Unmarshal decodes bytes produced by Marshal.
func (e *TraceEvent) Unmarshal(b []byte) error {
	*e = TraceEvent{}
	argIdx := 0
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("trace: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.VarintType {
			return fmt.Errorf("trace: unexpected wire type %v", typ)
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return fmt.Errorf("trace: bad varint: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldPid:
			e.Pid = uint32(v)
		case fieldNr:
			e.Nr = v
		case fieldArgs:
			if argIdx < len(e.Args) {
				e.Args[argIdx] = v
				argIdx++
			}
		case fieldResult:
			e.Result = int64(v)
		case fieldExit:
			e.Exit = v != 0
		}
	}
	return nil
}

// Sink fans TraceEvents out to subscribed StreamTrace clients.
type Sink struct {
	mu   sync.Mutex
	subs map[chan TraceEvent]struct{}
}

func newSink() *Sink {
	return &Sink{subs: make(map[chan TraceEvent]struct{})}
}

// Emit is the hook internal/syscallabi's trace path calls on every
// dispatch entry/exit when a trace server is wired in.
func (s *Sink) Emit(e TraceEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- e:
		default: // slow subscriber drops events rather than blocking dispatch
		}
	}
}

func (s *Sink) subscribe() chan TraceEvent {
	ch := make(chan TraceEvent, 64)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Sink) unsubscribe(ch chan TraceEvent) {
	s.mu.Lock()
	delete(s.subs, ch)
	s.mu.Unlock()
	close(ch)
}

// streamTraceStream is the server-side handle for one StreamTrace call;
// it implements grpc.ServerStream's SendMsg by writing encoded
// TraceEvents to the wire.
type streamTraceStream struct {
	grpc.ServerStream
}

func (s *streamTraceStream) send(e TraceEvent) error {
	return s.SendMsg(e.Marshal())
}

func streamTraceHandler(srv interface{}, stream grpc.ServerStream) error {
	server := srv.(*Server)
	wrapped := &streamTraceStream{ServerStream: stream}

	ch := server.sink.subscribe()
	defer server.sink.unsubscribe(ch)

	for e := range ch {
		if err := wrapped.send(e); err != nil {
			return err
		}
	}
	return nil
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "kernelcore.trace.TraceService",
	HandlerType: (*any)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamTrace",
			Handler:       streamTraceHandler,
			ServerStreams: true,
		},
	},
}

// Server is the C6 trace sink's gRPC front-end. It has a Setup step only;
// the caller binds the listener and serves the grpc.Server itself.
type Server struct {
	sink       *Sink
	grpcServer *grpc.Server
	listenAddr string
}

func NewServer() *Server {
	return &Server{sink: newSink()}
}

// Setup records the local listen address the C6 trace stream will be
// served on and registers the trace service on a fresh grpc.Server. It
// binds no socket: the caller listens and serves the grpc.Server.
func (s *Server) Setup(listenAddr string) {
	s.listenAddr = listenAddr
	s.grpcServer = grpc.NewServer(grpc.ForceServerCodec(rawBytesCodec{}))
	s.grpcServer.RegisterService(&serviceDesc, s)
}

// Sink returns the collaborator internal/syscallabi pushes trace events
// into.
func (s *Server) Sink() *Sink {
	return s.sink
}

func (s *Server) GrpcServer() *grpc.Server {
	return s.grpcServer
}

// SinkAdapter adapts a *Sink to the traceSink interface
// internal/syscallabi.Service.SetSink expects, converting its
// TraceEvent shape into this package's wire-encodable one.
type SinkAdapter struct {
	sink *Sink
}

func NewSinkAdapter(s *Sink) *SinkAdapter {
	return &SinkAdapter{sink: s}
}

func (a *SinkAdapter) Emit(e syscallabi.TraceEvent) {
	a.sink.Emit(TraceEvent{Pid: e.Pid, Nr: e.Nr, Args: e.Args, Result: e.Result, Exit: e.Exit})
}

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

// Package jit lowers the IR defined in internal/wasm/ir into baseline
// x86_64 machine code. The baseline tier never allocates registers: the
// WASM operand stack is the native call stack, values move through rax
// and rcx as scratch, and locals live in a fixed rbp-relative frame
// (spec.md §4.4.1). The optimised tier is out of scope (see Non-goals).
package jit

import (
	"errors"
	"fmt"

	"github.com/nestybox/kernelcore/domain"
	"github.com/nestybox/kernelcore/internal/wasm/ir"
)

var (
	ErrTooManyParams    = errors.New("jit: baseline tier supports at most 4 parameters")
	ErrTooManyResults   = errors.New("jit: baseline tier supports at most 1 result")
	ErrUnbalancedLabels = errors.New("jit: unbalanced block/loop/if nesting")
	ErrUnknownOp        = errors.New("jit: unknown IR opcode")
)

// argRegs lists the registers the baseline calling convention uses to
// receive the first four parameters. Functions with more than 4 params
// are rejected rather than silently mishandled.
var argRegs = []byte{regRDI, regRSI, regRDX, regRCX}

type frameKind int

const (
	frameBlock frameKind = iota
	frameLoop
	frameIf
)

// labelFrame tracks one nested block/loop/if so Br/BrIf can resolve their
// relative label depth to a concrete jump target, patched once the
// target's real code offset is known.
type labelFrame struct {
	kind       frameKind
	startPos   int   // loop: branch target is the loop header
	endPatches []int // block/if: branch target is the matching end
}

// Compiler is the C4 baseline JIT. It holds no state between calls;
// CompileBaseline is safe to invoke concurrently from multiple goroutines
// for distinct functions.
type Compiler struct{}

func NewCompiler() *Compiler {
	return &Compiler{}
}

var _ domain.WasmCompilerIface = (*Compiler)(nil)

func (c *Compiler) CompileBaseline(fn interface{}) (domain.CompiledFunction, error) {
	f, ok := fn.(*ir.Function)
	if !ok {
		return domain.CompiledFunction{}, fmt.Errorf("jit: expected *ir.Function, got %T", fn)
	}
	return compileBaseline(f)
}

// CompileOptimised falls back to the baseline lowering: a profile-guided
// optimised tier is a documented Non-goal of this module.
func (c *Compiler) CompileOptimised(fn interface{}) (domain.CompiledFunction, error) {
	return c.CompileBaseline(fn)
}

func compileBaseline(f *ir.Function) (domain.CompiledFunction, error) {
	if len(f.Params) > len(argRegs) {
		return domain.CompiledFunction{}, ErrTooManyParams
	}
	if len(f.Results) > 1 {
		return domain.CompiledFunction{}, ErrTooManyResults
	}

	a := newAsm()
	frameSize := roundUp16(f.NumLocals() * 8)
	a.prologue(frameSize)

	for i := range f.Params {
		a.movRBPDispFromReg(localDisp(i), argRegs[i])
	}

	var relocs []domain.CallRelocation
	var labels []*labelFrame
	var retPatches []int

	for _, in := range f.Body {
		switch in.Op {
		case ir.OpUnreachable:
			a.ud2()

		case ir.OpNop:
			// no-op

		case ir.OpDrop:
			a.popReg(regRAX)

		case ir.OpSelect:
			a.popReg(regRCX) // cond
			a.popReg(regRDX) // b (false case)
			a.popReg(regRAX) // a (true case)
			a.xorRegReg(regRSI, regRSI)
			a.cmpRegReg(regRCX, regRSI)
			je := a.jccRel32(ccE)
			a.pushReg(regRAX)
			jend := a.jmpRel32()
			a.patchRel32(je, a.pos())
			a.pushReg(regRDX)
			a.patchRel32(jend, a.pos())

		case ir.OpConstI32, ir.OpConstI64:
			a.movRegImm64(regRAX, in.Imm64)
			a.pushReg(regRAX)

		case ir.OpLocalGet:
			a.movRegFromRBPDisp(regRAX, localDisp(int(in.Imm64)))
			a.pushReg(regRAX)

		case ir.OpLocalSet:
			a.popReg(regRAX)
			a.movRBPDispFromReg(localDisp(int(in.Imm64)), regRAX)

		case ir.OpLocalTee:
			a.popReg(regRAX)
			a.movRBPDispFromReg(localDisp(int(in.Imm64)), regRAX)
			a.pushReg(regRAX)

		case ir.OpI32Add, ir.OpI64Add:
			emitBinOp(a, a.addRegReg)
		case ir.OpI32Sub, ir.OpI64Sub:
			emitBinOp(a, a.subRegReg)
		case ir.OpI32And, ir.OpI64And:
			emitBinOp(a, a.andRegReg)
		case ir.OpI32Or, ir.OpI64Or:
			emitBinOp(a, a.orRegReg)
		case ir.OpI32Xor, ir.OpI64Xor:
			emitBinOp(a, a.xorRegReg)

		case ir.OpI32Mul, ir.OpI64Mul:
			a.popReg(regRCX)
			a.popReg(regRAX)
			a.imulRegReg(regRAX, regRCX)
			a.pushReg(regRAX)

		case ir.OpI32DivS, ir.OpI64DivS:
			a.popReg(regRCX)
			a.popReg(regRAX)
			emitDivisorCheck(a)
			a.cqo()
			a.idivReg(regRCX)
			a.pushReg(regRAX)
		case ir.OpI32RemS, ir.OpI64RemS:
			a.popReg(regRCX)
			a.popReg(regRAX)
			emitDivisorCheck(a)
			a.cqo()
			a.idivReg(regRCX)
			a.pushReg(regRDX)
		case ir.OpI32DivU, ir.OpI64DivU:
			a.popReg(regRCX)
			a.popReg(regRAX)
			emitDivisorCheck(a)
			a.xorRdxRdx()
			a.divReg(regRCX)
			a.pushReg(regRAX)
		case ir.OpI32RemU, ir.OpI64RemU:
			a.popReg(regRCX)
			a.popReg(regRAX)
			emitDivisorCheck(a)
			a.xorRdxRdx()
			a.divReg(regRCX)
			a.pushReg(regRDX)

		case ir.OpI32Shl, ir.OpI64Shl:
			a.popReg(regRCX)
			a.popReg(regRAX)
			a.shlByCL(regRAX)
			a.pushReg(regRAX)
		case ir.OpI32ShrS, ir.OpI64ShrS:
			a.popReg(regRCX)
			a.popReg(regRAX)
			a.sarByCL(regRAX)
			a.pushReg(regRAX)
		case ir.OpI32ShrU, ir.OpI64ShrU:
			a.popReg(regRCX)
			a.popReg(regRAX)
			a.shrByCL(regRAX)
			a.pushReg(regRAX)

		case ir.OpI32Eq:
			emitCompare(a, ccE)
		case ir.OpI32Ne:
			emitCompare(a, ccNE)
		case ir.OpI32LtS:
			emitCompare(a, ccL)
		case ir.OpI32LtU:
			emitCompare(a, ccB)
		case ir.OpI32GtS:
			emitCompare(a, ccG)
		case ir.OpI32GtU:
			emitCompare(a, ccA)
		case ir.OpI32LeS:
			emitCompare(a, ccLE)
		case ir.OpI32LeU:
			emitCompare(a, ccBE)
		case ir.OpI32GeS:
			emitCompare(a, ccGE)
		case ir.OpI32GeU:
			emitCompare(a, ccAE)

		case ir.OpLoad8, ir.OpLoad16, ir.OpLoad32, ir.OpLoad64:
			a.popReg(regRDX) // guest address, relative to the memory base
			a.addRegReg(regRDX, regRBX)
			a.movRegFromIndirect(regRAX, regRDX)
			maskLoad(a, in.Op)
			a.pushReg(regRAX)

		case ir.OpStore8, ir.OpStore16, ir.OpStore32, ir.OpStore64:
			a.popReg(regRAX) // value
			a.popReg(regRDX) // address, relative to the memory base
			a.addRegReg(regRDX, regRBX)
			maskStore(a, in.Op)
			a.movIndirectFromReg(regRDX, regRAX)

		case ir.OpI32WrapI64:
			a.popReg(regRAX)
			a.movRegImm64(regRCX, 0xFFFFFFFF)
			a.andRegReg(regRAX, regRCX)
			a.pushReg(regRAX)

		case ir.OpI64ExtendI32S, ir.OpI64ExtendI32U:
			// values already occupy a full 64-bit stack slot in the
			// baseline tier, so sign/zero extension is a no-op here.

		case ir.OpBlock:
			labels = append(labels, &labelFrame{kind: frameBlock})

		case ir.OpLoop:
			labels = append(labels, &labelFrame{kind: frameLoop, startPos: a.pos()})

		case ir.OpIf:
			a.popReg(regRAX)
			a.xorRegReg(regRCX, regRCX)
			a.cmpRegReg(regRAX, regRCX)
			falseJump := a.jccRel32(ccE)
			labels = append(labels, &labelFrame{kind: frameIf, endPatches: []int{falseJump}})

		case ir.OpElse:
			if len(labels) == 0 {
				return domain.CompiledFunction{}, ErrUnbalancedLabels
			}
			top := labels[len(labels)-1]
			skipElse := a.jmpRel32()
			a.patchRel32(top.endPatches[0], a.pos())
			top.endPatches = []int{skipElse}

		case ir.OpEnd:
			if len(labels) == 0 {
				return domain.CompiledFunction{}, ErrUnbalancedLabels
			}
			top := labels[len(labels)-1]
			labels = labels[:len(labels)-1]
			for _, site := range top.endPatches {
				a.patchRel32(site, a.pos())
			}

		case ir.OpBr:
			if err := emitBranch(a, labels, in.LabelOrFunc); err != nil {
				return domain.CompiledFunction{}, err
			}

		case ir.OpBrIf:
			a.popReg(regRAX)
			a.xorRegReg(regRCX, regRCX)
			a.cmpRegReg(regRAX, regRCX)
			skip := a.jccRel32(ccE)
			if err := emitBranch(a, labels, in.LabelOrFunc); err != nil {
				return domain.CompiledFunction{}, err
			}
			a.patchRel32(skip, a.pos())

		case ir.OpCall:
			site := a.callRel32()
			relocs = append(relocs, domain.CallRelocation{CodeOffset: site, CalleeIndex: in.LabelOrFunc})

		case ir.OpReturn:
			if len(f.Results) == 1 {
				a.popReg(regRAX)
			}
			retPatches = append(retPatches, a.jmpRel32())

		default:
			return domain.CompiledFunction{}, fmt.Errorf("%w: %d", ErrUnknownOp, in.Op)
		}
	}

	if len(labels) != 0 {
		return domain.CompiledFunction{}, ErrUnbalancedLabels
	}

	if len(f.Results) == 1 {
		a.popReg(regRAX)
	}
	for _, site := range retPatches {
		a.patchRel32(site, a.pos())
	}
	a.epilogue()

	return domain.CompiledFunction{Code: a.buf, Relocations: relocs}, nil
}

func emitBinOp(a *asm, op func(dst, src byte)) {
	a.popReg(regRCX)
	a.popReg(regRAX)
	op(regRAX, regRCX)
	a.pushReg(regRAX)
}

// emitDivisorCheck traps via ud2 when the divisor in rcx is zero, before
// the div/idiv that follows it runs.
func emitDivisorCheck(a *asm) {
	a.xorRegReg(regRDX, regRDX)
	a.cmpRegReg(regRCX, regRDX)
	skip := a.jccRel32(ccNE)
	a.ud2()
	a.patchRel32(skip, a.pos())
}

func emitCompare(a *asm, cc byte) {
	a.popReg(regRCX)
	a.popReg(regRAX)
	a.cmpRegReg(regRAX, regRCX)
	a.setccAL(cc)
	a.pushReg(regRAX)
}

// maskLoad/maskStore truncate the scratch register to the access width
// named by the opcode. The baseline tier always moves a full quadword
// through the bus and masks around it rather than emitting byte/word-sized
// encodings, trading instruction variety for a simpler encoder.
func maskLoad(a *asm, op ir.Op) {
	var mask uint64
	switch op {
	case ir.OpLoad8:
		mask = 0xFF
	case ir.OpLoad16:
		mask = 0xFFFF
	case ir.OpLoad32:
		mask = 0xFFFFFFFF
	default:
		return
	}
	a.movRegImm64(regRCX, mask)
	a.andRegReg(regRAX, regRCX)
}

func maskStore(a *asm, op ir.Op) {
	var mask uint64
	switch op {
	case ir.OpStore8:
		mask = 0xFF
	case ir.OpStore16:
		mask = 0xFFFF
	case ir.OpStore32:
		mask = 0xFFFFFFFF
	default:
		return
	}
	a.movRegImm64(regRCX, mask)
	a.andRegReg(regRAX, regRCX)
}

// emitBranch resolves a wasm label index (counting outward from the
// innermost enclosing construct) to a jump target: loops branch back to
// their header, blocks and ifs branch forward to their end.
func emitBranch(a *asm, labels []*labelFrame, depth uint32) error {
	idx := len(labels) - 1 - int(depth)
	if idx < 0 || idx >= len(labels) {
		return ErrUnbalancedLabels
	}
	target := labels[idx]
	if target.kind == frameLoop {
		a.jmpRel32WithTarget(target.startPos)
		return nil
	}
	site := a.jmpRel32()
	target.endPatches = append(target.endPatches, site)
	return nil
}

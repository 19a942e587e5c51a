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

package jit

import "encoding/binary"

// Minimal x86_64 register numbering (System-V ABI general purpose
// registers used by the baseline code generator). Only the low 8
// registers are used, so no REX.B/REX.R extension bits are ever needed.
const (
	regRAX = 0
	regRCX = 1
	regRDX = 2
	regRBX = 3
	regRSP = 4
	regRBP = 5
	regRSI = 6
	regRDI = 7
)

// asm is a growable machine-code byte buffer. Callers track their own
// patch sites (see jit.go's labelFrame) and resolve them via patchRel32
// once the jump target's offset is known.
type asm struct {
	buf []byte
}

func newAsm() *asm {
	return &asm{}
}

func (a *asm) pos() int { return len(a.buf) }

func (a *asm) b(v ...byte) { a.buf = append(a.buf, v...) }

func (a *asm) u32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	a.buf = append(a.buf, tmp[:]...)
}

func (a *asm) u64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	a.buf = append(a.buf, tmp[:]...)
}

func modrmReg(mod, reg, rm byte) byte {
	return (mod << 6) | (reg << 3) | rm
}

func (a *asm) pushReg(r byte)    { a.b(0x50 + r) }
func (a *asm) popReg(r byte)     { a.b(0x58 + r) }
func (a *asm) ret()              { a.b(0xC3) }
func (a *asm) ud2()              { a.b(0x0F, 0x0B) }

func (a *asm) movRegImm64(r byte, v uint64) {
	a.b(0x48, 0xB8+r)
	a.u64(v)
}

// binOpRegReg emits REX.W <opcode> modrm(11, src, dst) -- the two-operand
// form "dst <op>= src" for add/sub/and/or/xor/cmp.
func (a *asm) binOpRegReg(opcode byte, dst, src byte) {
	a.b(0x48, opcode, modrmReg(3, src, dst))
}

func (a *asm) addRegReg(dst, src byte) { a.binOpRegReg(0x01, dst, src) }
func (a *asm) subRegReg(dst, src byte) { a.binOpRegReg(0x29, dst, src) }
func (a *asm) andRegReg(dst, src byte) { a.binOpRegReg(0x21, dst, src) }
func (a *asm) orRegReg(dst, src byte)  { a.binOpRegReg(0x09, dst, src) }
func (a *asm) xorRegReg(dst, src byte) { a.binOpRegReg(0x31, dst, src) }
func (a *asm) cmpRegReg(dst, src byte) { a.binOpRegReg(0x39, dst, src) }

func (a *asm) imulRegReg(dst, src byte) {
	a.b(0x48, 0x0F, 0xAF, modrmReg(3, dst, src))
}

// cqo sign-extends rax into rdx:rax, required before idiv.
func (a *asm) cqo() { a.b(0x48, 0x99) }

// xorRdxRdx zeroes rdx, used before unsigned div/rem.
func (a *asm) xorRdxRdx() { a.xorRegReg(regRDX, regRDX) }

func (a *asm) idivReg(src byte) { a.b(0x48, 0xF7, modrmReg(3, 7, src)) }
func (a *asm) divReg(src byte)  { a.b(0x48, 0xF7, modrmReg(3, 6, src)) }

// shiftByCL emits a shift/rotate of dst by the count in cl. ext selects
// the operation: 4=shl, 5=shr, 7=sar.
func (a *asm) shiftByCL(ext byte, dst byte) {
	a.b(0x48, 0xD3, modrmReg(3, ext, dst))
}

func (a *asm) shlByCL(dst byte) { a.shiftByCL(4, dst) }
func (a *asm) shrByCL(dst byte) { a.shiftByCL(5, dst) }
func (a *asm) sarByCL(dst byte) { a.shiftByCL(7, dst) }

// setccAL emits setcc al, then movzx rax, al so a i32 boolean result
// occupies the full 64-bit stack slot.
func (a *asm) setccAL(cc byte) {
	a.b(0x0F, cc, modrmReg(3, 0, regRAX))
	a.b(0x48, 0x0F, 0xB6, modrmReg(3, regRAX, regRAX))
}

const (
	ccE  = 0x94
	ccNE = 0x95
	ccL  = 0x9C
	ccGE = 0x9D
	ccLE = 0x9E
	ccG  = 0x9F
	ccB  = 0x92
	ccAE = 0x93
	ccBE = 0x96
	ccA  = 0x97
)

// jmpRel32 and jccRel32 emit a near jump with a placeholder operand and
// record the patch site for callers to resolve once the target offset is
// known (block/loop/if label resolution, spec.md §4.4.1).
func (a *asm) jmpRel32() int {
	a.b(0xE9)
	site := a.pos()
	a.u32(0)
	return site
}

func (a *asm) jccRel32(cc byte) int {
	a.b(0x0F, cc-0x10) // Jcc rel32 is 0x0F 0x8x; the cc constants hold the SETcc byte 0x9x
	site := a.pos()
	a.u32(0)
	return site
}

// jmpRel32WithTarget emits a jump to an already-known offset (a backward
// branch to a loop header), patching it immediately rather than deferring
// resolution.
func (a *asm) jmpRel32WithTarget(target int) {
	site := a.jmpRel32()
	a.patchRel32(site, target)
}

func (a *asm) callRel32() int {
	a.b(0xE8)
	site := a.pos()
	a.u32(0)
	return site
}

// patchRel32 backpatches the 4-byte relative operand at site so it points
// at target, relative to the instruction following the operand.
func (a *asm) patchRel32(site int, target int) {
	rel := int32(target - (site + 4))
	binary.LittleEndian.PutUint32(a.buf[site:site+4], uint32(rel))
}

// loadLocal/storeLocal address a local slot at [rbp - 8*(idx+1)], the
// frame layout fixed by the prologue (spec.md §4.4.1).
func localDisp(idx int) int32 {
	return int32(-8 * (idx + 1))
}

func (a *asm) movRegFromRBPDisp(dst byte, disp int32) {
	a.movRBPDisp(0x8B, dst, disp)
}

func (a *asm) movRBPDispFromReg(disp int32, src byte) {
	a.movRBPDisp(0x89, src, disp)
}

func (a *asm) movRBPDisp(opcode byte, reg byte, disp int32) {
	a.b(0x48, opcode)
	if disp >= -128 && disp <= 127 {
		a.b(modrmReg(1, reg, regRBP))
		a.b(byte(int8(disp)))
	} else {
		a.b(modrmReg(2, reg, regRBP))
		a.u32(uint32(disp))
	}
}

// movRegFromIndirect/movIndirectFromReg address memory through a base
// register with no displacement: mov dst, [base] / mov [base], src. The
// baseline tier reserves rbx as the running function's linear-memory base
// pointer, loaded by the trampoline that invokes compiled code.
func (a *asm) movRegFromIndirect(dst, base byte) {
	a.b(0x48, 0x8B, modrmReg(0, dst, base))
}

func (a *asm) movIndirectFromReg(base, src byte) {
	a.b(0x48, 0x89, modrmReg(0, src, base))
}

func (a *asm) prologue(frameSize int32) {
	a.pushReg(regRBP)
	a.b(0x48, 0x89, modrmReg(3, regRSP, regRBP)) // mov rbp, rsp
	if frameSize > 0 {
		a.b(0x48, 0x81, modrmReg(3, 5, regRSP)) // sub rsp, imm32
		a.u32(uint32(frameSize))
	}
}

func (a *asm) epilogue() {
	a.b(0x48, 0x89, modrmReg(3, regRBP, regRSP)) // mov rsp, rbp
	a.popReg(regRBP)
	a.ret()
}

// roundUp16 rounds n up to the next multiple of 16, the frame-size rule
// spelled out in spec.md §4.4.1.
func roundUp16(n int) int32 {
	return int32((n + 15) &^ 15)
}

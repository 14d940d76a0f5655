// Package x64 is a minimal x86-64 instruction encoder: a growable output
// buffer plus constructors that emit the exact byte sequence for one
// instruction. It is stateless with respect to any higher-level virtual
// ISA — it knows only x86-64.
package x64

import "encoding/binary"

// Reg is a host x86-64 general-purpose register, numbered per its 4-bit
// ModR/M encoding (RAX=0 ... R15=15).
type Reg uint8

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// Size selects the width of a memory operand for loads and stores.
type Size int

const (
	S8 Size = iota
	S16
	S32
	S64
)

// Buf is the sole mutable output of the encoder: a growable byte buffer
// with a monotonically increasing write cursor.
type Buf struct {
	b []byte
}

// NewBuf returns an empty buffer with the given initial capacity hint.
func NewBuf(capHint int) *Buf {
	return &Buf{b: make([]byte, 0, capHint)}
}

// Len returns the current write offset.
func (b *Buf) Len() int { return len(b.b) }

// Bytes returns the buffer's contents. The caller must not retain it
// across further writes.
func (b *Buf) Bytes() []byte { return b.b }

// EmitByte appends a single raw byte and returns its offset.
func (b *Buf) EmitByte(v byte) int {
	off := len(b.b)
	b.b = append(b.b, v)
	return off
}

// EmitBytes appends raw bytes and returns the offset of the first one.
func (b *Buf) EmitBytes(v ...byte) int {
	off := len(b.b)
	b.b = append(b.b, v...)
	return off
}

// EmitInt32 appends a little-endian signed 32-bit value and returns its
// offset (used both for immediates and branch displacements).
func (b *Buf) EmitInt32(v int32) int {
	off := len(b.b)
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(v))
	b.b = append(b.b, tmp[:]...)
	return off
}

// EmitInt64 appends a little-endian 64-bit value and returns its offset.
func (b *Buf) EmitInt64(v uint64) int {
	off := len(b.b)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.b = append(b.b, tmp[:]...)
	return off
}

// PatchInt32 overwrites the little-endian signed 32-bit value at off,
// which must lie entirely within the already-written buffer.
func (b *Buf) PatchInt32(off int, v int32) {
	binary.LittleEndian.PutUint32(b.b[off:off+4], uint32(v))
}

// rex builds a REX prefix byte. w sets REX.W (64-bit operand size); r and
// b are the extension bits for the ModR/M reg and r/m fields
// respectively (REX.R, REX.B).
func rex(w bool, rExt, bExt bool) byte {
	v := byte(0x40)
	if w {
		v |= 0x08
	}
	if rExt {
		v |= 0x04
	}
	if bExt {
		v |= 0x01
	}
	return v
}

func needsRex(w bool, regs ...Reg) bool {
	if w {
		return true
	}
	for _, r := range regs {
		if r >= 8 {
			return true
		}
	}
	return false
}

func modrm(mod, reg, rm byte) byte {
	return mod<<6 | (reg&7)<<3 | rm&7
}

// ALU two-operand opcodes, used by both the 32-bit and 64-bit reg/reg
// forms (REX.W distinguishes them).
const (
	OpAdd     = 0x01
	OpOr      = 0x09
	OpAnd     = 0x21
	OpSub     = 0x29
	OpXor     = 0x31
	OpCmp     = 0x39
	OpTest    = 0x85
	OpMovRR   = 0x89
	OpShiftCL = 0xD3
	OpUnary   = 0xF7
)

// Sub-opcodes carried in the ModR/M reg field for the immediate-group
// (0x81/0x83) and unary-group (0xF7) opcodes.
const (
	SubAdd = 0
	SubOr  = 1
	SubAnd = 4
	SubSub = 5
	SubXor = 6
	SubCmp = 7

	SubUnaryTest = 0
	SubUnaryNeg  = 3
	SubUnaryMul  = 4
	SubUnaryDiv  = 6

	SubShiftL  = 4
	SubShiftR  = 5
	SubShiftAR = 7
)

// EmitAluReg emits a register-to-register two-operand ALU instruction:
// op dst, src (AT&T "op src, dst" byte order: reg field carries src).
// w selects the 64-bit form (REX.W) over the 32-bit form.
func (b *Buf) EmitAluReg(op byte, w bool, src, dst Reg) {
	if needsRex(w, src, dst) {
		b.EmitByte(rex(w, src >= 8, dst >= 8))
	}
	b.EmitByte(op)
	b.EmitByte(modrm(0b11, byte(src), byte(dst)))
}

// EmitAluImm32 emits a register/imm32 ALU instruction using the 0x81
// immediate-group encoding, sub selecting the operation.
func (b *Buf) EmitAluImm32(sub byte, w bool, dst Reg, imm int32) {
	if needsRex(w, dst) {
		b.EmitByte(rex(w, false, dst >= 8))
	}
	b.EmitByte(0x81)
	b.EmitByte(modrm(0b11, sub, byte(dst)))
	b.EmitInt32(imm)
}

// EmitAluImm8 emits a register/imm8 (sign-extended) ALU instruction using
// the 0x83 immediate-group encoding.
func (b *Buf) EmitAluImm8(sub byte, w bool, dst Reg, imm int8) {
	if needsRex(w, dst) {
		b.EmitByte(rex(w, false, dst >= 8))
	}
	b.EmitByte(0x83)
	b.EmitByte(modrm(0b11, sub, byte(dst)))
	b.EmitByte(byte(imm))
}

// fitsInt8 reports whether v is representable as a signed 8-bit value.
func fitsInt8(v int32) bool { return v >= -128 && v <= 127 }

// EmitAluRegImm chooses the imm8 or imm32 encoding automatically.
func (b *Buf) EmitAluRegImm(sub byte, w bool, dst Reg, imm int32) {
	if fitsInt8(imm) {
		b.EmitAluImm8(sub, w, dst, int8(imm))
	} else {
		b.EmitAluImm32(sub, w, dst, imm)
	}
}

// EmitMov emits a 64-bit register-to-register MOV. If skipNop is true and
// src == dst, nothing is emitted.
func (b *Buf) EmitMov(dst, src Reg, skipNop bool) {
	if skipNop && src == dst {
		return
	}
	b.EmitAluReg(OpMovRR, true, src, dst)
}

// EmitMovImm32 emits a 32-bit immediate move; the result zero-extends
// into the full 64-bit destination register (native x86 behavior).
func (b *Buf) EmitMovImm32(dst Reg, imm int32) {
	if dst >= 8 {
		b.EmitByte(rex(false, false, true))
	}
	b.EmitByte(0xB8 + byte(dst&7))
	b.EmitInt32(imm)
}

// EmitLoadImm64 emits the 10-byte MOVABS r64, imm64 form.
func (b *Buf) EmitLoadImm64(dst Reg, imm uint64) {
	b.EmitByte(rex(true, false, dst >= 8))
	b.EmitByte(0xB8 + byte(dst&7))
	b.EmitInt64(imm)
}

// EmitLoad emits a memory load: dst = [base + disp32], sign- or
// zero-extending per eBPF LDX semantics (zero-extend for all widths;
// this subset has no signed LDX).
func (b *Buf) EmitLoad(size Size, base, dst Reg, disp32 int32) {
	switch size {
	case S64:
		b.EmitByte(rex(true, dst >= 8, base >= 8))
		b.EmitByte(0x8B) // MOV r64, r/m64
	case S32:
		if needsRex(false, dst, base) {
			b.EmitByte(rex(false, dst >= 8, base >= 8))
		}
		b.EmitByte(0x8B) // MOV r32, r/m32 (zero-extends upper 32 bits)
	case S16:
		if needsRex(false, dst, base) {
			b.EmitByte(rex(false, dst >= 8, base >= 8))
		}
		b.EmitByte(0x0F)
		b.EmitByte(0xB7) // MOVZX r32, r/m16
	case S8:
		if needsRex(false, dst, base) {
			b.EmitByte(rex(false, dst >= 8, base >= 8))
		}
		b.EmitByte(0x0F)
		b.EmitByte(0xB6) // MOVZX r32, r/m8
	}
	b.emitMemOperand(dst, base, disp32)
}

// EmitStore emits a memory store: [base + disp32] = src.
func (b *Buf) EmitStore(size Size, base, src Reg, disp32 int32) {
	switch size {
	case S64:
		b.EmitByte(rex(true, src >= 8, base >= 8))
		b.EmitByte(0x89)
	case S32:
		if needsRex(false, src, base) {
			b.EmitByte(rex(false, src >= 8, base >= 8))
		}
		b.EmitByte(0x89)
	case S16:
		b.EmitByte(0x66)
		if needsRex(false, src, base) {
			b.EmitByte(rex(false, src >= 8, base >= 8))
		}
		b.EmitByte(0x89)
	case S8:
		// Without a REX prefix, register numbers 4-7 select AH/CH/DH/BH
		// rather than SPL/BPL/SIL/DIL.
		if needsRex(false, src, base) || src >= RSP {
			b.EmitByte(rex(false, src >= 8, base >= 8))
		}
		b.EmitByte(0x88)
	}
	b.emitMemOperand(src, base, disp32)
}

// EmitStoreImm32 emits a memory store of a 32-bit immediate, sign
// extended to the operand size per eBPF ST semantics.
func (b *Buf) EmitStoreImm32(size Size, base Reg, disp32 int32, imm int32) {
	switch size {
	case S64:
		b.EmitByte(rex(true, false, base >= 8))
		b.EmitByte(0xC7)
	case S32:
		if base >= 8 {
			b.EmitByte(rex(false, false, true))
		}
		b.EmitByte(0xC7)
	case S16:
		b.EmitByte(0x66)
		if base >= 8 {
			b.EmitByte(rex(false, false, true))
		}
		b.EmitByte(0xC7)
	case S8:
		if base >= 8 {
			b.EmitByte(rex(false, false, true))
		}
		b.EmitByte(0xC6)
	}
	// reg field of ModR/M is 0 for the immediate-group MOV opcodes.
	b.emitMemOperand(0, base, disp32)
	switch size {
	case S64, S32:
		b.EmitInt32(imm)
	case S16:
		b.EmitByte(byte(imm))
		b.EmitByte(byte(imm >> 8))
	case S8:
		b.EmitByte(byte(imm))
	}
}

// emitMemOperand emits the ModR/M (and SIB/disp as needed) for
// reg, [base + disp32]. disp32 always uses the 32-bit displacement form
// for encoding simplicity, at the cost of a few bytes versus disp8.
func (b *Buf) emitMemOperand(reg Reg, base Reg, disp32 int32) {
	if base&7 == 4 { // RSP/R12 require a SIB byte
		b.EmitByte(modrm(0b10, byte(reg), 0b100))
		b.EmitByte(0x24) // SIB: scale=0, index=none, base=RSP/R12
	} else {
		b.EmitByte(modrm(0b10, byte(reg), byte(base)))
	}
	b.EmitInt32(disp32)
}

// EmitCmp emits CMP dst, src (64-bit if w is set, else 32-bit).
func (b *Buf) EmitCmp(dst, src Reg, w bool) {
	b.EmitAluReg(OpCmp, w, src, dst)
}

// EmitCmpImm32 emits CMP dst, imm32/imm8 (width chosen automatically).
func (b *Buf) EmitCmpImm32(dst Reg, w bool, imm int32) {
	b.EmitAluRegImm(SubCmp, w, dst, imm)
}

// EmitTestReg emits TEST dst, src (bitwise AND, result discarded).
func (b *Buf) EmitTestReg(dst, src Reg, w bool) {
	b.EmitAluReg(OpTest, w, src, dst)
}

// EmitShiftByCL emits a shift-by-CL instruction: dst op<<= CL.
func (b *Buf) EmitShiftByCL(sub byte, w bool, dst Reg) {
	if needsRex(w, dst) {
		b.EmitByte(rex(w, false, dst >= 8))
	}
	b.EmitByte(OpShiftCL)
	b.EmitByte(modrm(0b11, sub, byte(dst)))
}

// EmitShiftImm emits a shift-by-immediate-count instruction (0xC1 /sub ib).
func (b *Buf) EmitShiftImm(sub byte, w bool, dst Reg, count uint8) {
	if needsRex(w, dst) {
		b.EmitByte(rex(w, false, dst >= 8))
	}
	b.EmitByte(0xC1)
	b.EmitByte(modrm(0b11, sub, byte(dst)))
	b.EmitByte(count)
}

// EmitUnary emits a unary-group instruction (NEG, MUL, DIV) with
// sub-opcode sub on register r. No immediate operand is emitted.
func (b *Buf) EmitUnary(sub byte, w bool, r Reg) {
	if needsRex(w, r) {
		b.EmitByte(rex(w, false, r >= 8))
	}
	b.EmitByte(OpUnary)
	b.EmitByte(modrm(0b11, sub, byte(r)))
}

// EmitBswap emits BSWAP r (32- or 64-bit depending on w).
func (b *Buf) EmitBswap(w bool, r Reg) {
	if needsRex(w, r) {
		b.EmitByte(rex(w, false, r >= 8))
	}
	b.EmitByte(0x0F)
	b.EmitByte(0xC8 + byte(r&7))
}

// EmitPush emits PUSH r64.
func (b *Buf) EmitPush(r Reg) {
	if r >= 8 {
		b.EmitByte(rex(false, false, true))
	}
	b.EmitByte(0x50 + byte(r&7))
}

// EmitPop emits POP r64.
func (b *Buf) EmitPop(r Reg) {
	if r >= 8 {
		b.EmitByte(rex(false, false, true))
	}
	b.EmitByte(0x58 + byte(r&7))
}

// EmitRet emits RET.
func (b *Buf) EmitRet() { b.EmitByte(0xC3) }

// EmitXorSelf zeroes a register via XOR r, r (shorter than a MOV imm 0,
// and also clears flags the caller may rely on, e.g. RDX before DIV).
func (b *Buf) EmitXorSelf(w bool, r Reg) {
	b.EmitAluReg(OpXor, w, r, r)
}

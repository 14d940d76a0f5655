package x64

import "math"

// Condition codes for Jcc (secondary opcode byte after 0x0F).
const (
	CCZ  = 0x84 // ZF=1 (equal)
	CCNZ = 0x85 // ZF=0 (not equal)
	CCB  = 0x82 // unsigned <
	CCAE = 0x83 // unsigned >=
	CCBE = 0x86 // unsigned <=
	CCA  = 0x87 // unsigned >
	CCL  = 0x8C // signed <
	CCGE = 0x8D // signed >=
	CCLE = 0x8E // signed <=
	CCG  = 0x8F // signed >
)

// JumpFixup records a pending branch displacement: DispLoc is the buffer
// offset of the 32-bit displacement field; the caller pairs it with a
// logical target (an eBPF PC or a synthetic target) in its own fixup list.
type JumpFixup struct {
	DispLoc int
}

// EmitJmp emits E9 rel32 with a placeholder displacement and returns the
// offset of the displacement field for later patching.
func (b *Buf) EmitJmp() JumpFixup {
	b.EmitByte(0xE9)
	loc := b.EmitInt32(0)
	return JumpFixup{DispLoc: loc}
}

// EmitJcc emits 0F cc rel32 with a placeholder displacement.
func (b *Buf) EmitJcc(cc byte) JumpFixup {
	b.EmitByte(0x0F)
	b.EmitByte(cc)
	loc := b.EmitInt32(0)
	return JumpFixup{DispLoc: loc}
}

// PatchRel32 resolves a fixup once the target's buffer offset is known:
// the displacement is target - (DispLoc + 4), the position of the byte
// immediately following the 32-bit field. Returns false if the value
// overflows a signed 32-bit range.
func (b *Buf) PatchRel32(f JumpFixup, targetOff int) bool {
	rel := int64(targetOff) - int64(f.DispLoc+4)
	if rel < math.MinInt32 || rel > math.MaxInt32 {
		return false
	}
	b.PatchInt32(f.DispLoc, int32(rel))
	return true
}

// EmitCallRel32 emits a direct E8 rel32 call with a placeholder
// displacement.
func (b *Buf) EmitCallRel32() JumpFixup {
	b.EmitByte(0xE8)
	loc := b.EmitInt32(0)
	return JumpFixup{DispLoc: loc}
}

// EmitCallIndirect emits an indirect call through a scratch register that
// must already hold the absolute target address (CALL r/m64, FF /2).
func (b *Buf) EmitCallIndirect(scratch Reg) {
	if scratch >= 8 {
		b.EmitByte(rex(false, false, true))
	}
	b.EmitByte(0xFF)
	b.EmitByte(modrm(0b11, 2, byte(scratch)))
}

// FitsCallRel32 reports whether a direct call from just after the CALL
// instruction (callSiteEnd) to targetAddr fits in a signed 32-bit
// displacement.
func FitsCallRel32(callSiteEnd, targetAddr uintptr) bool {
	rel := int64(targetAddr) - int64(callSiteEnd)
	return rel >= math.MinInt32 && rel <= math.MaxInt32
}

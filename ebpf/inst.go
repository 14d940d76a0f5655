// Package ebpf defines the eBPF instruction wire format consumed by the
// x86-64 JIT translator. It does not implement the loader or verifier;
// a Program is assumed to already be verified by an external collaborator.
package ebpf

import "encoding/binary"

// InstSize is the size in bytes of a single eBPF instruction record.
const InstSize = 8

// NumRegisters is the number of eBPF virtual registers, R0-R10.
const NumRegisters = 11

// Reg identifies one of the 11 eBPF virtual registers.
type Reg uint8

const (
	R0 Reg = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10 // frame/stack-base pointer, read-only to eBPF programs
)

// Inst is a single 64-bit eBPF instruction record: opcode:u8, dst:u4,
// src:u4, offset:i16, imm:i32, packed little-endian as on the wire.
type Inst struct {
	Opcode uint8
	DstSrc uint8 // dst in low nibble, src in high nibble
	Offset int16
	Imm    int32
}

// Dst returns the destination register.
func (i Inst) Dst() Reg { return Reg(i.DstSrc & 0x0f) }

// Src returns the source register.
func (i Inst) Src() Reg { return Reg((i.DstSrc >> 4) & 0x0f) }

// OpClass returns the instruction class (low 3 bits of the opcode).
func (i Inst) OpClass() uint8 { return i.Opcode & ClassMask }

// Encode packs the instruction into its 8-byte wire representation.
func (i Inst) Encode() [InstSize]byte {
	var b [InstSize]byte
	b[0] = i.Opcode
	b[1] = i.DstSrc
	binary.LittleEndian.PutUint16(b[2:4], uint16(i.Offset))
	binary.LittleEndian.PutUint32(b[4:8], uint32(i.Imm))
	return b
}

// Decode unpacks an 8-byte wire record into an Inst.
func Decode(b [InstSize]byte) Inst {
	return Inst{
		Opcode: b[0],
		DstSrc: b[1],
		Offset: int16(binary.LittleEndian.Uint16(b[2:4])),
		Imm:    int32(binary.LittleEndian.Uint32(b[4:8])),
	}
}

// MakeInst builds an instruction from its logical fields.
func MakeInst(opcode uint8, dst, src Reg, offset int16, imm int32) Inst {
	return Inst{
		Opcode: opcode,
		DstSrc: uint8(src)<<4 | uint8(dst)&0x0f,
		Offset: offset,
		Imm:    imm,
	}
}

// Program is a verified sequence of eBPF instructions.
type Program struct {
	Insts []Inst
}

// NumInsts returns the number of instruction slots, including the second
// slot of any LDDW.
func (p *Program) NumInsts() int { return len(p.Insts) }

// IsLDDW reports whether the instruction at pc is the first slot of a
// two-slot 64-bit immediate load.
func (p *Program) IsLDDW(pc int) bool {
	return pc < len(p.Insts) && p.Insts[pc].Opcode == OpLDDW
}

// Imm64 combines the two imm halves of an LDDW starting at pc (low word
// from the instruction at pc, high word from pc+1). The caller must have
// already confirmed IsLDDW(pc) and that pc+1 is in range.
func (p *Program) Imm64(pc int) uint64 {
	lo := uint32(p.Insts[pc].Imm)
	hi := uint32(p.Insts[pc+1].Imm)
	return uint64(hi)<<32 | uint64(lo)
}

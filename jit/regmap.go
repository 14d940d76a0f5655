package jit

import (
	"ubpfjit/ebpf"
	"ubpfjit/x64"
)

// RegMap is a fixed bijection from the 11 eBPF registers to host x86-64
// GPRs (§4.2). It is immutable and threaded through Config rather than
// kept as package-level mutable state.
type RegMap [ebpf.NumRegisters]x64.Reg

// Map returns the host register assigned to eBPF register r.
func (m RegMap) Map(r ebpf.Reg) x64.Reg {
	return m[int(r)%ebpf.NumRegisters]
}

// calleeSaved lists, in push order, the host registers the prologue must
// save and the epilogue must restore (reverse order).
type abiTable struct {
	calleeSaved []x64.Reg
	firstParam  x64.Reg
	secondParam x64.Reg
	thirdParam  x64.Reg
	rcxAlt      x64.Reg // scratch holding RCX's value across shift-by-CL use
	regMap      RegMap
}

// systemVTable implements §4.2's System V row. eBPF R0-R5 are the
// scratch/argument registers a helper call may clobber and map to host
// caller-saved registers; R6-R10 persist across calls and map to host
// callee-saved registers. Host RCX is never assigned to any eBPF
// register: it is reserved for shift-by-register counts (§4.3.1), so
// whichever eBPF register would naturally land there (R4, the 4th
// argument in RDI,RSI,RDX,RCX,R8,R9 order) takes the "R_CX alternative"
// instead (R9). R12 is avoided everywhere its ModR/M base-register form
// would collide with RSP's SIB-required encoding.
var systemVTable = abiTable{
	calleeSaved: []x64.Reg{x64.RBP, x64.RBX, x64.R13, x64.R14, x64.R15},
	firstParam:  x64.RDI,
	secondParam: x64.RSI,
	thirdParam:  x64.RDX,
	rcxAlt:      x64.R9,
	regMap: RegMap{
		x64.RAX, // R0: return value / scratch
		x64.RDI, // R1: 1st arg, already the host's first param register
		x64.RSI, // R2: 2nd arg
		x64.RDX, // R3: 3rd arg
		x64.R9,  // R4: 4th arg, R_CX alternative (avoids RCX)
		x64.R8,  // R5: 5th arg
		x64.RBX, // R6: callee-saved
		x64.R13, // R7
		x64.R14, // R8
		x64.R15, // R9
		x64.RBP, // R10: stack-base pointer, callee-saved
	},
}

// microsoftTable implements §4.2's Microsoft x64 row. Its first argument
// register is RCX itself, so here it is eBPF R1 (not R4) that takes the
// R_CX alternative (R10); R5 has no natural host argument slot (MS only
// defines four) and is assigned the next free volatile register, R11.
var microsoftTable = abiTable{
	calleeSaved: []x64.Reg{x64.RBP, x64.RBX, x64.RDI, x64.RSI, x64.R14},
	firstParam:  x64.RCX,
	secondParam: x64.RDX,
	thirdParam:  x64.R8,
	rcxAlt:      x64.R10,
	regMap: RegMap{
		x64.RAX, // R0
		x64.R10, // R1: 1st arg, R_CX alternative (avoids RCX)
		x64.RDX, // R2: 2nd arg
		x64.R8,  // R3: 3rd arg
		x64.R9,  // R4: 4th arg
		x64.R11, // R5: no native 5th param register, next free volatile
		x64.RBX, // R6: callee-saved
		x64.RDI, // R7
		x64.RSI, // R8
		x64.R14, // R9
		x64.RBP, // R10
	},
}

func abiFor(abi ABI) abiTable {
	if abi == MicrosoftX64 {
		return microsoftTable
	}
	return systemVTable
}

// DefaultRegMap returns the process's register map for the given ABI.
func DefaultRegMap(abi ABI) RegMap {
	return abiFor(abi).regMap
}

// CalleeSaved returns, in push order, the host registers the prologue
// must save and the epilogue must restore in reverse.
func CalleeSaved(abi ABI) []x64.Reg { return abiFor(abi).calleeSaved }

// FirstParam returns the host's native first incoming-argument register.
func FirstParam(abi ABI) x64.Reg { return abiFor(abi).firstParam }

// SecondParam returns the host's native second incoming-argument
// register (preserved untouched through the prologue per §6).
func SecondParam(abi ABI) x64.Reg { return abiFor(abi).secondParam }

// ThirdParam returns the host's native third argument register, used by
// the division-by-zero trampoline's call to error_printf.
func ThirdParam(abi ABI) x64.Reg { return abiFor(abi).thirdParam }

// RCXAlt returns the scratch register standing in for RCX in the
// register map; its value must be copied into RCX before any call to an
// external function expecting the standard argument-register layout.
func RCXAlt(abi ABI) x64.Reg { return abiFor(abi).rcxAlt }

// PermuteRegMap is a test-only hook that returns an alternative, still
// bijective register map by cyclically rotating the base map by shift
// positions (mod 11). It must not be invoked concurrently with
// translation — callers construct a Config with the result before
// calling Translate/Compile, rather than mutating a shared map in place.
func PermuteRegMap(base RegMap, shift int) RegMap {
	var out RegMap
	n := ebpf.NumRegisters
	for i := 0; i < n; i++ {
		out[i] = base[(i+shift)%n]
	}
	return out
}

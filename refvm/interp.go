// Package refvm is a straightforward switch-per-opcode interpreter over
// the same eBPF subset the x86-64 JIT translates. It exists only so
// tests can compare JIT-compiled output against an independent
// implementation of the same semantics (§8's property tests); it is not
// part of the JIT itself and makes no attempt at speed.
package refvm

import (
	"fmt"

	"ubpfjit/ebpf"
)

// VM is a minimal eBPF interpreter: 11 registers, a flat memory region
// addressed by LDX/ST/STX (standing in for the eBPF stack and any
// context-referenced memory), and an external-call table.
type VM struct {
	Regs                      [ebpf.NumRegisters]uint64
	Mem                       []byte
	ExtFuncs                  [256]func(vm *VM) uint64
	UnwindStackExtensionIndex int32
}

// NewVM returns a VM with memSize bytes of addressable memory and R10
// (the stack-base pointer) initialized to the top of that region,
// matching the JIT's own prologue convention of a downward-growing
// stack.
func NewVM(memSize int) *VM {
	vm := &VM{Mem: make([]byte, memSize), UnwindStackExtensionIndex: -1}
	vm.Regs[ebpf.R10] = uint64(memSize)
	return vm
}

// Run interprets prog from pc 0 until EXIT and returns R0.
func (vm *VM) Run(prog ebpf.Program) (uint64, error) {
	pc := 0
	for pc < len(prog.Insts) {
		inst := prog.Insts[pc]

		if prog.IsLDDW(pc) {
			vm.Regs[inst.Dst()] = prog.Imm64(pc)
			pc += 2
			continue
		}

		switch inst.Opcode {
		case ebpf.OpExit:
			return vm.Regs[ebpf.R0], nil
		case ebpf.OpJA:
			pc += int(inst.Offset) + 1
			continue
		case ebpf.OpCall:
			if inst.Imm < 0 || int(inst.Imm) >= len(vm.ExtFuncs) || vm.ExtFuncs[inst.Imm] == nil {
				return 0, fmt.Errorf("pc %d: call to unset ext func index %d", pc, inst.Imm)
			}
			vm.Regs[ebpf.R0] = vm.ExtFuncs[inst.Imm](vm)
			if vm.UnwindStackExtensionIndex >= 0 && inst.Imm == vm.UnwindStackExtensionIndex && vm.Regs[ebpf.R0] == 0 {
				return vm.Regs[ebpf.R0], nil
			}
			pc++
			continue
		}

		var next int
		var err error
		switch inst.OpClass() {
		case ebpf.ClassLoadReg:
			err = vm.execLoad(inst)
		case ebpf.ClassStoreImm, ebpf.ClassStoreReg:
			err = vm.execStore(inst)
		case ebpf.ClassALU64:
			err = vm.execALU(inst, true)
		case ebpf.ClassALU32:
			err = vm.execALU(inst, false)
		case ebpf.ClassJump64, ebpf.ClassJump32:
			next, err = vm.execJump(inst, pc)
			if err == nil {
				pc = next
				continue
			}
		default:
			err = fmt.Errorf("pc %d: unknown opcode %#x", pc, inst.Opcode)
		}
		if _, ok := err.(errDivByZero); ok {
			return vm.Regs[ebpf.R0], nil
		}
		if err != nil {
			return 0, err
		}
		pc++
	}
	return vm.Regs[ebpf.R0], nil
}

func (vm *VM) execLoad(inst ebpf.Inst) error {
	addr := int64(vm.Regs[inst.Src()]) + int64(inst.Offset)
	switch inst.Opcode {
	case ebpf.OpLDXB:
		vm.Regs[inst.Dst()] = uint64(vm.Mem[addr])
	case ebpf.OpLDXH:
		vm.Regs[inst.Dst()] = uint64(vm.Mem[addr]) | uint64(vm.Mem[addr+1])<<8
	case ebpf.OpLDXW:
		var v uint64
		for i := 0; i < 4; i++ {
			v |= uint64(vm.Mem[addr+int64(i)]) << (8 * i)
		}
		vm.Regs[inst.Dst()] = v
	case ebpf.OpLDXDW:
		var v uint64
		for i := 0; i < 8; i++ {
			v |= uint64(vm.Mem[addr+int64(i)]) << (8 * i)
		}
		vm.Regs[inst.Dst()] = v
	}
	return nil
}

func (vm *VM) execStore(inst ebpf.Inst) error {
	addr := int64(vm.Regs[inst.Dst()]) + int64(inst.Offset)
	var v uint64
	if ebpf.IsImm(inst.Opcode) {
		v = uint64(uint32(inst.Imm))
		if inst.Opcode == ebpf.OpSTDW {
			v = uint64(int64(inst.Imm))
		}
	} else {
		v = vm.Regs[inst.Src()]
	}
	n := storeWidth(inst.Opcode)
	for i := 0; i < n; i++ {
		vm.Mem[addr+int64(i)] = byte(v >> (8 * i))
	}
	return nil
}

func storeWidth(op uint8) int {
	switch op {
	case ebpf.OpSTB, ebpf.OpSTXB:
		return 1
	case ebpf.OpSTH, ebpf.OpSTXH:
		return 2
	case ebpf.OpSTW, ebpf.OpSTXW:
		return 4
	default:
		return 8
	}
}

func (vm *VM) execALU(inst ebpf.Inst, is64 bool) error {
	dst := inst.Dst()
	op := inst.Opcode & 0xf0
	var rhs uint64
	if op != ebpf.ALUNeg {
		if ebpf.IsImm(inst.Opcode) {
			rhs = uint64(int64(inst.Imm))
		} else {
			rhs = vm.Regs[inst.Src()]
		}
	}
	lhs := vm.Regs[dst]
	// ALU32 operates on the low 32 bits of both operands. BE/LE share the
	// ALU32 class but work on the width carried in Imm.
	alu32 := !is64 && op != ebpf.ALUEndian
	if alu32 {
		lhs, rhs = uint64(uint32(lhs)), uint64(uint32(rhs))
	}

	var result uint64
	switch op {
	case ebpf.ALUAdd:
		result = lhs + rhs
	case ebpf.ALUSub:
		result = lhs - rhs
	case ebpf.ALUMul:
		result = lhs * rhs
	case ebpf.ALUDiv:
		if rhs == 0 {
			result = ^uint64(0)
			vm.Regs[ebpf.R0] = result
			return errDivByZero{pc: 0}
		}
		result = lhs / rhs
	case ebpf.ALUMod:
		if rhs == 0 {
			vm.Regs[ebpf.R0] = ^uint64(0)
			return errDivByZero{pc: 0}
		}
		result = lhs % rhs
	case ebpf.ALUOr:
		result = lhs | rhs
	case ebpf.ALUAnd:
		result = lhs & rhs
	case ebpf.ALULsh:
		result = lhs << (rhs & shiftMask(is64))
	case ebpf.ALURsh:
		result = lhs >> (rhs & shiftMask(is64))
	case ebpf.ALUNeg:
		result = uint64(-int64(lhs))
	case ebpf.ALUXor:
		result = lhs ^ rhs
	case ebpf.ALUMov:
		result = rhs
	case ebpf.ALUArsh:
		if is64 {
			result = uint64(int64(lhs) >> (rhs & 63))
		} else {
			result = uint64(uint32(int32(uint32(lhs)) >> (rhs & 31)))
		}
	case ebpf.ALUEndian:
		result = endianConvert(inst, lhs)
	default:
		return fmt.Errorf("unrecognized ALU op in opcode %#x", inst.Opcode)
	}

	if alu32 {
		result = uint64(uint32(result))
	}
	vm.Regs[dst] = result
	return nil
}

func shiftMask(is64 bool) uint64 {
	if is64 {
		return 63
	}
	return 31
}

func endianConvert(inst ebpf.Inst, v uint64) uint64 {
	if inst.Opcode == ebpf.OpLE {
		return v
	}
	switch inst.Imm {
	case 16:
		x := uint16(v)
		return uint64(x>>8 | x<<8)
	case 32:
		x := uint32(v)
		return uint64(x>>24 | (x>>8)&0xFF00 | (x<<8)&0xFF0000 | x<<24)
	case 64:
		var out uint64
		for i := 0; i < 8; i++ {
			out = out<<8 | (v>>(8*i))&0xFF
		}
		return out
	}
	return v
}

func (vm *VM) execJump(inst ebpf.Inst, pc int) (int, error) {
	op := inst.Opcode & 0xf0
	is64 := inst.OpClass() == ebpf.ClassJump64
	var lhs, rhs uint64
	lhs = vm.Regs[inst.Dst()]
	if ebpf.IsImm(inst.Opcode) {
		rhs = uint64(int64(inst.Imm))
	} else {
		rhs = vm.Regs[inst.Src()]
	}
	if !is64 {
		lhs = uint64(uint32(lhs))
		rhs = uint64(uint32(rhs))
	}

	// Signed comparisons need the operands sign-extended from their
	// actual width, not zero-extended: for 32-bit ops lhs/rhs above are
	// zero-extended into uint64, which would make 0xFFFFFFFF compare as
	// +4294967295 instead of -1.
	slhs, srhs := int64(lhs), int64(rhs)
	if !is64 {
		slhs, srhs = int64(int32(uint32(lhs))), int64(int32(uint32(rhs)))
	}

	taken := false
	switch op {
	case ebpf.JumpA:
		taken = true
	case ebpf.JumpEq:
		taken = lhs == rhs
	case ebpf.JumpNE:
		taken = lhs != rhs
	case ebpf.JumpSet:
		taken = lhs&rhs != 0
	case ebpf.JumpGT:
		taken = lhs > rhs
	case ebpf.JumpGE:
		taken = lhs >= rhs
	case ebpf.JumpLT:
		taken = lhs < rhs
	case ebpf.JumpLE:
		taken = lhs <= rhs
	case ebpf.JumpSGT:
		taken = slhs > srhs
	case ebpf.JumpSGE:
		taken = slhs >= srhs
	case ebpf.JumpSLT:
		taken = slhs < srhs
	case ebpf.JumpSLE:
		taken = slhs <= srhs
	default:
		return 0, fmt.Errorf("pc %d: unrecognized jump op in opcode %#x", pc, inst.Opcode)
	}
	if taken {
		return pc + int(inst.Offset) + 1, nil
	}
	return pc + 1, nil
}

// errDivByZero signals that execALU hit a zero divisor. R0 is already set
// to the all-ones sentinel, and Run turns this error into a normal return
// of R0 (nil error), the same way the JIT's runtime trampoline behaves;
// Run's callers never see it.
type errDivByZero struct{ pc int }

func (e errDivByZero) Error() string { return fmt.Sprintf("pc %d: division by zero", e.pc) }

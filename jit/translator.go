package jit

import (
	"ubpfjit/ebpf"
	"ubpfjit/x64"
)

// Synthetic branch targets a fixup can point at besides a real eBPF PC,
// disambiguated by the resolver (§4.4, §9).
const (
	targetExit      = -1
	targetDivByZero = -2
)

// fixup pairs a pending branch displacement with its logical target.
type fixup struct {
	f      x64.JumpFixup
	target int
}

// translator holds the state of a single translation pass (§3's "JIT
// state"): scoped to one call to Translate, discarded afterward.
type translator struct {
	cfg      Config
	vm       *VM
	baseAddr uintptr // final load address the emitted code will run at

	buf          *x64.Buf
	pcLocs       []int
	jumps        []fixup
	exitLoc      int
	divByZeroLoc int

	pc int // current instruction index, for error reporting
}

// Translate performs the one-pass eBPF-to-x86-64 translation (§4.3) and
// returns the emitted machine code, or an error naming the offending PC.
//
// baseAddr is the address the returned bytes will be copied to and
// executed from. External calls (to ext_funcs or the error-reporting
// hook) need the real load address to decide between a direct rel32 call
// and the load-into-scratch/indirect-call fallback (§9), so Compile
// reserves the executable mapping before translating into it rather than
// translating into a relocatable scratch buffer and copying it elsewhere
// afterward — the two-phase "scratch buffer then copy" design of §6
// would otherwise leave call displacements computed against the wrong
// address once copied. Branch fixups within the program are unaffected:
// their displacement is the difference of two offsets in the same
// buffer, so the base address cancels out and they resolve exactly as
// §4.4 describes regardless of where the buffer ultimately lives.
func Translate(vm *VM, cfg Config, baseAddr uintptr) ([]byte, Stats, error) {
	t := &translator{
		cfg:      cfg,
		vm:       vm,
		baseAddr: baseAddr,
		buf:      x64.NewBuf(cfg.BufferCap),
		pcLocs:   make([]int, len(vm.Prog.Insts)+1),
	}

	t.emitPrologue()

	if err := t.translateBody(); err != nil {
		return nil, Stats{}, err
	}

	t.exitLoc = t.buf.Len()
	t.emitEpilogue()

	t.divByZeroLoc = t.buf.Len()
	t.emitDivByZeroTrampoline()

	fixupCount := len(t.jumps)
	if err := t.resolve(); err != nil {
		return nil, Stats{}, err
	}

	if t.buf.Len() > cfg.BufferCap {
		return nil, Stats{}, newErr(KindBufferOverflow, -1,
			"translated program (%d bytes) exceeds buffer capacity %d", t.buf.Len(), cfg.BufferCap)
	}
	stats := Stats{
		InstCount:      len(vm.Prog.Insts),
		BytesEmitted:   t.buf.Len(),
		FixupsResolved: fixupCount,
	}
	return t.buf.Bytes(), stats, nil
}

func (t *translator) host(r ebpf.Reg) x64.Reg { return t.cfg.RegMap.Map(r) }

// emitPrologue implements §4.3's four setup steps.
func (t *translator) emitPrologue() {
	abi := t.cfg.ABI
	for _, r := range CalleeSaved(abi) {
		t.buf.EmitPush(r)
	}
	t.buf.EmitMov(t.host(ebpf.R1), FirstParam(abi), true)
	t.buf.EmitMov(t.host(ebpf.R10), x64.RSP, true)
	t.buf.EmitAluRegImm(x64.SubSub, true, x64.RSP, t.cfg.StackSize)
}

// emitEpilogue implements the shared EXIT trampoline.
func (t *translator) emitEpilogue() {
	abi := t.cfg.ABI
	t.buf.EmitMov(x64.RAX, t.host(ebpf.R0), true)
	t.buf.EmitAluRegImm(x64.SubAdd, true, x64.RSP, t.cfg.StackSize)
	cs := CalleeSaved(abi)
	for i := len(cs) - 1; i >= 0; i-- {
		t.buf.EmitPop(cs[i])
	}
	t.buf.EmitRet()
}

// emitDivByZeroTrampoline implements the shared out-of-line DIV_BY_ZERO
// handler (§4.3): move the faulting PC (already in RCX) into the third
// platform parameter, report it, set R0 to the all-ones sentinel, and
// fall through to EXIT via a fixup.
func (t *translator) emitDivByZeroTrampoline() {
	abi := t.cfg.ABI
	t.buf.EmitMov(ThirdParam(abi), x64.RCX, true)
	if t.vm.ErrorPrintfAddr != 0 {
		t.emitExternalCall(t.vm.ErrorPrintfAddr)
	}
	t.buf.EmitLoadImm64(t.host(ebpf.R0), ^uint64(0))
	f := t.buf.EmitJmp()
	t.jumps = append(t.jumps, fixup{f: f, target: targetExit})
}

// emitExternalCall calls a fixed absolute host address: a direct rel32
// call if it fits, otherwise a load-into-RAX/indirect call (§9). RAX is
// always safe as scratch here since no eBPF argument register maps onto
// it in either ABI dialect (§4.2) and eBPF R0, which does map to RAX, is
// never live across a helper call.
//
// baseAddr == 0 always takes the indirect path (FitsCallRel32 is never
// even consulted), which only matters to a caller translating without a
// real load address yet; Compile is the only caller and always supplies
// the mmap'd region's address before translating into it, so this path
// is never exercised with a real CALL target in practice.
func (t *translator) emitExternalCall(target uintptr) {
	callSiteEnd := t.baseAddr + uintptr(t.buf.Len()) + 5
	if t.baseAddr != 0 && x64.FitsCallRel32(callSiteEnd, target) {
		f := t.buf.EmitCallRel32()
		rel := int64(target) - int64(t.baseAddr) - int64(f.DispLoc+4)
		t.buf.PatchInt32(f.DispLoc, int32(rel))
		return
	}
	t.buf.EmitLoadImm64(x64.RAX, uint64(target))
	t.buf.EmitCallIndirect(x64.RAX)
}

func (t *translator) translateBody() error {
	insts := t.vm.Prog.Insts
	for i := 0; i < len(insts); i++ {
		t.pc = i
		t.pcLocs[i] = t.buf.Len()
		inst := insts[i]

		if inst.Opcode == ebpf.OpLDDW {
			if i+1 >= len(insts) {
				return newErr(KindUnknownOpcode, i, "LDDW at pc %d has no second slot", i)
			}
			imm64 := t.vm.Prog.Imm64(i)
			t.buf.EmitLoadImm64(t.host(inst.Dst()), imm64)
			t.pcLocs[i+1] = t.pcLocs[i]
			i++
			t.cfg.debugInst(i-1, inst.Opcode, "LDDW")
			continue
		}

		if err := t.translateOne(inst); err != nil {
			return err
		}
		t.cfg.debugInst(i, inst.Opcode, "translated")
	}
	t.pcLocs[len(insts)] = t.buf.Len()
	return nil
}

func (t *translator) translateOne(inst ebpf.Inst) error {
	switch inst.Opcode {
	case ebpf.OpLE, ebpf.OpBE:
		t.emitEndian(inst)
		return nil
	case ebpf.OpCall:
		return t.emitCall(inst)
	case ebpf.OpExit:
		t.emitExit()
		return nil
	case ebpf.OpJA:
		f := t.buf.EmitJmp()
		t.jumps = append(t.jumps, fixup{f: f, target: t.branchTarget(inst)})
		return nil
	case ebpf.OpLDXW:
		t.buf.EmitLoad(x64.S32, t.host(inst.Src()), t.host(inst.Dst()), int32(inst.Offset))
		return nil
	case ebpf.OpLDXH:
		t.buf.EmitLoad(x64.S16, t.host(inst.Src()), t.host(inst.Dst()), int32(inst.Offset))
		return nil
	case ebpf.OpLDXB:
		t.buf.EmitLoad(x64.S8, t.host(inst.Src()), t.host(inst.Dst()), int32(inst.Offset))
		return nil
	case ebpf.OpLDXDW:
		t.buf.EmitLoad(x64.S64, t.host(inst.Src()), t.host(inst.Dst()), int32(inst.Offset))
		return nil
	case ebpf.OpSTW:
		t.buf.EmitStoreImm32(x64.S32, t.host(inst.Dst()), int32(inst.Offset), inst.Imm)
		return nil
	case ebpf.OpSTH:
		t.buf.EmitStoreImm32(x64.S16, t.host(inst.Dst()), int32(inst.Offset), inst.Imm)
		return nil
	case ebpf.OpSTB:
		t.buf.EmitStoreImm32(x64.S8, t.host(inst.Dst()), int32(inst.Offset), inst.Imm)
		return nil
	case ebpf.OpSTDW:
		t.buf.EmitStoreImm32(x64.S64, t.host(inst.Dst()), int32(inst.Offset), inst.Imm)
		return nil
	case ebpf.OpSTXW:
		t.buf.EmitStore(x64.S32, t.host(inst.Dst()), t.host(inst.Src()), int32(inst.Offset))
		return nil
	case ebpf.OpSTXH:
		t.buf.EmitStore(x64.S16, t.host(inst.Dst()), t.host(inst.Src()), int32(inst.Offset))
		return nil
	case ebpf.OpSTXB:
		t.buf.EmitStore(x64.S8, t.host(inst.Dst()), t.host(inst.Src()), int32(inst.Offset))
		return nil
	case ebpf.OpSTXDW:
		t.buf.EmitStore(x64.S64, t.host(inst.Dst()), t.host(inst.Src()), int32(inst.Offset))
		return nil
	}

	class := inst.OpClass()
	switch class {
	case ebpf.ClassALU64:
		return t.translateALU(inst, true)
	case ebpf.ClassALU32:
		return t.translateALU(inst, false)
	case ebpf.ClassJump64, ebpf.ClassJump32:
		return t.translateJump(inst, class == ebpf.ClassJump64)
	}
	return newErr(KindUnknownOpcode, t.pc, "unknown instruction at pc %d: opcode %#x", t.pc, inst.Opcode)
}

func (t *translator) emitEndian(inst ebpf.Inst) {
	if inst.Opcode == ebpf.OpLE {
		return // host is little-endian; no-op.
	}
	dst := t.host(inst.Dst())
	switch inst.Imm {
	case 16:
		// BSWAP r32 reverses all four bytes; shifting the result right by
		// 16 leaves exactly the swapped low two bytes, equivalent to the
		// 16-bit rotate-and-mask the source describes.
		t.buf.EmitBswap(false, dst)
		t.buf.EmitShiftImm(x64.SubShiftR, false, dst, 16)
	case 32:
		t.buf.EmitBswap(false, dst)
	case 64:
		t.buf.EmitBswap(true, dst)
	}
}

func (t *translator) emitExit() {
	if t.pc != len(t.vm.Prog.Insts)-1 {
		f := t.buf.EmitJmp()
		t.jumps = append(t.jumps, fixup{f: f, target: targetExit})
		return
	}
	// Last instruction: fall through into the epilogue emitted right
	// after the loop.
}

// emitCall implements §4.3's CALL case: restore RCX from its alternate
// before calling, and follow the unwind-extension index with the
// CMP R0,0; JE EXIT contract.
func (t *translator) emitCall(inst ebpf.Inst) error {
	abi := t.cfg.ABI
	t.buf.EmitMov(x64.RCX, RCXAlt(abi), true)
	if inst.Imm < 0 || int(inst.Imm) >= len(t.vm.ExtFuncs) {
		return newErr(KindUnknownOpcode, t.pc, "call to out-of-range ext func index %d", inst.Imm)
	}
	t.emitExternalCall(t.vm.ExtFuncs[inst.Imm])

	if t.vm.UnwindStackExtensionIndex >= 0 && inst.Imm == t.vm.UnwindStackExtensionIndex {
		t.buf.EmitCmpImm32(t.host(ebpf.R0), true, 0)
		f := t.buf.EmitJcc(x64.CCZ)
		t.jumps = append(t.jumps, fixup{f: f, target: targetExit})
	}
	return nil
}

func (t *translator) branchTarget(inst ebpf.Inst) int {
	return t.pc + int(inst.Offset) + 1
}

func (t *translator) translateALU(inst ebpf.Inst, w bool) error {
	op := inst.Opcode & 0xf0
	isImm := ebpf.IsImm(inst.Opcode)
	dst := t.host(inst.Dst())

	switch op {
	case ebpf.ALUAdd, ebpf.ALUOr, ebpf.ALUAnd, ebpf.ALUSub, ebpf.ALUXor:
		if isImm {
			t.buf.EmitAluRegImm(aluGroupSub(op), w, dst, inst.Imm)
		} else {
			t.buf.EmitAluReg(aluRegOpcode(op), w, t.host(inst.Src()), dst)
		}
	case ebpf.ALUMov:
		if isImm {
			if w {
				t.buf.EmitLoadImm64(dst, uint64(int64(inst.Imm)))
			} else {
				t.buf.EmitMovImm32(dst, inst.Imm)
			}
		} else {
			t.buf.EmitAluReg(x64.OpMovRR, w, t.host(inst.Src()), dst)
		}
	case ebpf.ALULsh, ebpf.ALURsh, ebpf.ALUArsh:
		sub := shiftGroupSub(op)
		if isImm {
			t.buf.EmitShiftImm(sub, w, dst, uint8(inst.Imm))
		} else {
			t.buf.EmitMov(x64.RCX, t.host(inst.Src()), true)
			t.buf.EmitShiftByCL(sub, w, dst)
		}
	case ebpf.ALUNeg:
		t.buf.EmitUnary(x64.SubUnaryNeg, w, dst)
	case ebpf.ALUMul, ebpf.ALUDiv, ebpf.ALUMod:
		return t.emitMulDivMod(inst, op, w, isImm, dst)
	default:
		return newErr(KindUnknownOpcode, t.pc, "unrecognized ALU op in opcode %#x", inst.Opcode)
	}
	return nil
}

func aluRegOpcode(op uint8) byte {
	switch op {
	case ebpf.ALUAdd:
		return x64.OpAdd
	case ebpf.ALUOr:
		return x64.OpOr
	case ebpf.ALUAnd:
		return x64.OpAnd
	case ebpf.ALUSub:
		return x64.OpSub
	case ebpf.ALUXor:
		return x64.OpXor
	}
	return 0
}

func aluGroupSub(op uint8) byte {
	switch op {
	case ebpf.ALUAdd:
		return x64.SubAdd
	case ebpf.ALUOr:
		return x64.SubOr
	case ebpf.ALUAnd:
		return x64.SubAnd
	case ebpf.ALUSub:
		return x64.SubSub
	case ebpf.ALUXor:
		return x64.SubXor
	}
	return 0
}

func shiftGroupSub(op uint8) byte {
	switch op {
	case ebpf.ALULsh:
		return x64.SubShiftL
	case ebpf.ALURsh:
		return x64.SubShiftR
	case ebpf.ALUArsh:
		return x64.SubShiftAR
	}
	return 0
}

// translateJump implements §4.3's conditional-branch case: CMP (or TEST
// for JSET), then a 6-byte Jcc with the matching condition code.
// Unsigned comparisons use B/AE/BE/A; signed use L/GE/LE/G.
func (t *translator) translateJump(inst ebpf.Inst, is64 bool) error {
	op := inst.Opcode & 0xf0
	isImm := ebpf.IsImm(inst.Opcode)
	dst := t.host(inst.Dst())

	cc, ok := jumpCC(op)
	if !ok {
		return newErr(KindUnknownOpcode, t.pc, "unrecognized jump op in opcode %#x", inst.Opcode)
	}

	if op == ebpf.JumpSet {
		if isImm {
			t.emitTestImm(dst, is64, inst.Imm)
		} else {
			t.buf.EmitTestReg(dst, t.host(inst.Src()), is64)
		}
	} else if isImm {
		t.buf.EmitCmpImm32(dst, is64, inst.Imm)
	} else {
		t.buf.EmitCmp(dst, t.host(inst.Src()), is64)
	}

	f := t.buf.EmitJcc(cc)
	t.jumps = append(t.jumps, fixup{f: f, target: t.branchTarget(inst)})
	return nil
}

// emitTestImm implements TEST dst, imm: the immediate is first loaded
// into RCX (sign-extended to 64 bits for the 64-bit form, as CMP's
// immediate is) and then tested with the register TEST form (0x85).
func (t *translator) emitTestImm(dst x64.Reg, w bool, imm int32) {
	if w {
		t.buf.EmitLoadImm64(x64.RCX, uint64(int64(imm)))
	} else {
		t.buf.EmitMovImm32(x64.RCX, imm)
	}
	t.buf.EmitTestReg(dst, x64.RCX, w)
}

func jumpCC(op uint8) (byte, bool) {
	switch op {
	case ebpf.JumpEq:
		return x64.CCZ, true
	case ebpf.JumpNE:
		return x64.CCNZ, true
	case ebpf.JumpSet:
		return x64.CCNZ, true
	case ebpf.JumpGT:
		return x64.CCA, true
	case ebpf.JumpGE:
		return x64.CCAE, true
	case ebpf.JumpLT:
		return x64.CCB, true
	case ebpf.JumpLE:
		return x64.CCBE, true
	case ebpf.JumpSGT:
		return x64.CCG, true
	case ebpf.JumpSGE:
		return x64.CCGE, true
	case ebpf.JumpSLT:
		return x64.CCL, true
	case ebpf.JumpSLE:
		return x64.CCLE, true
	}
	return 0, false
}

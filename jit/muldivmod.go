package jit

import (
	"ubpfjit/ebpf"
	"ubpfjit/x64"
)

// emitMulDivMod implements §4.3.1's shared MUL/DIV/MOD emitter: x86-64
// forces these operations through RAX/RDX regardless of the eBPF
// destination register, so all three share one code path that saves and
// restores RAX/RDX around the operation.
func (t *translator) emitMulDivMod(inst ebpf.Inst, op uint8, w bool, isImm bool, dst x64.Reg) error {
	isDivMod := op == ebpf.ALUDiv || op == ebpf.ALUMod

	if isDivMod {
		if isImm && inst.Imm == 0 {
			// The immediate-zero case has no live divisor register to
			// TEST against; detect it here and jump unconditionally
			// rather than replicate the upstream bug of testing an
			// unrelated register (§9's open question).
			t.emitLoadPCIntoRCX()
			f := t.buf.EmitJmp()
			t.jumps = append(t.jumps, fixup{f: f, target: targetDivByZero})
			return nil
		}
		if !isImm {
			t.emitLoadPCIntoRCX()
			src := t.host(inst.Src())
			t.buf.EmitTestReg(src, src, w)
			f := t.buf.EmitJcc(x64.CCZ)
			t.jumps = append(t.jumps, fixup{f: f, target: targetDivByZero})
		}
	}

	saveRAX := dst != x64.RAX
	saveRDX := dst != x64.RDX
	if saveRAX {
		t.buf.EmitPush(x64.RAX)
	}
	if saveRDX {
		t.buf.EmitPush(x64.RDX)
	}

	if isImm {
		t.buf.EmitLoadImm64(x64.RCX, uint64(int64(inst.Imm)))
	} else {
		t.buf.EmitMov(x64.RCX, t.host(inst.Src()), true)
	}
	t.buf.EmitMov(x64.RAX, dst, true)
	if isDivMod {
		t.buf.EmitXorSelf(w, x64.RDX)
	}

	switch op {
	case ebpf.ALUMul:
		t.buf.EmitUnary(x64.SubUnaryMul, w, x64.RCX)
	default: // ALUDiv, ALUMod
		t.buf.EmitUnary(x64.SubUnaryDiv, w, x64.RCX)
	}

	if op == ebpf.ALUMod {
		if dst != x64.RDX {
			t.buf.EmitMov(dst, x64.RDX, true)
		}
	} else if dst != x64.RAX {
		t.buf.EmitMov(dst, x64.RAX, true)
	}

	if saveRDX {
		t.buf.EmitPop(x64.RDX)
	}
	if saveRAX {
		t.buf.EmitPop(x64.RAX)
	}
	return nil
}

// emitLoadPCIntoRCX loads the current eBPF instruction index into RCX so
// the DIV_BY_ZERO trampoline can report which instruction trapped.
func (t *translator) emitLoadPCIntoRCX() {
	t.buf.EmitLoadImm64(x64.RCX, uint64(int64(t.pc)))
}

package x64

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/arch/x86/x86asm"
)

// decodeOne disassembles the first instruction in b and fails the test if
// x86asm can't decode it — an independent check on the hand-written
// encoder beyond re-deriving the same byte math in the assertion.
func decodeOne(t *testing.T, b []byte) x86asm.Inst {
	t.Helper()
	inst, err := x86asm.Decode(b, 64)
	if err != nil {
		t.Fatalf("x86asm.Decode(% x): %v", b, err)
	}
	return inst
}

func TestEmitAluRegAdd64(t *testing.T) {
	b := NewBuf(16)
	b.EmitAluReg(OpAdd, true, RSI, RDI) // ADD RDI, RSI
	inst := decodeOne(t, b.Bytes())
	if inst.Op != x86asm.ADD {
		t.Fatalf("got op %v, want ADD", inst.Op)
	}
}

func TestEmitMovImm32ZeroExtends(t *testing.T) {
	b := NewBuf(16)
	b.EmitMovImm32(RAX, 42)
	inst := decodeOne(t, b.Bytes())
	if inst.Op != x86asm.MOV {
		t.Fatalf("got op %v, want MOV", inst.Op)
	}
}

func TestEmitLoadImm64(t *testing.T) {
	b := NewBuf(16)
	b.EmitLoadImm64(R10, 0x1122334455667788)
	if b.Len() != 10 {
		t.Fatalf("MOVABS should be 10 bytes, got %d", b.Len())
	}
	inst := decodeOne(t, b.Bytes())
	if inst.Op != x86asm.MOV {
		t.Fatalf("got op %v, want MOV", inst.Op)
	}
}

func TestEmitPushPopExtendedReg(t *testing.T) {
	b := NewBuf(16)
	b.EmitPush(R12)
	if got := b.Bytes(); !cmp.Equal(got, []byte{0x41, 0x54}) {
		t.Fatalf("push r12 = % x, want 41 54", got)
	}
	b2 := NewBuf(16)
	b2.EmitPop(R12)
	if got := b2.Bytes(); !cmp.Equal(got, []byte{0x41, 0x5C}) {
		t.Fatalf("pop r12 = % x, want 41 5c", got)
	}
}

func TestEmitJmpPatchRel32(t *testing.T) {
	b := NewBuf(16)
	f := b.EmitJmp()
	// Target placed 20 bytes later.
	if !b.PatchRel32(f, 20) {
		t.Fatal("expected patch to fit in 32 bits")
	}
	inst := decodeOne(t, b.Bytes())
	if inst.Op != x86asm.JMP {
		t.Fatalf("got op %v, want JMP", inst.Op)
	}
}

func TestEmitJccConditionCodes(t *testing.T) {
	cases := []byte{CCZ, CCNZ, CCB, CCAE, CCBE, CCA, CCL, CCGE, CCLE, CCG}
	for _, cc := range cases {
		b := NewBuf(16)
		f := b.EmitJcc(cc)
		b.PatchRel32(f, 100)
		inst := decodeOne(t, b.Bytes())
		if inst.Op.String() == "" {
			t.Fatalf("cc %#x: failed to decode any jump mnemonic", cc)
		}
	}
}

func TestPatchRel32Overflow(t *testing.T) {
	b := NewBuf(16)
	f := b.EmitJmp()
	if b.PatchRel32(f, 1<<32) {
		t.Fatal("expected overflow to be rejected")
	}
}

func TestEmitUnaryDivMul(t *testing.T) {
	b := NewBuf(16)
	b.EmitUnary(SubUnaryMul, true, RCX) // MUL RCX
	inst := decodeOne(t, b.Bytes())
	if inst.Op != x86asm.MUL {
		t.Fatalf("got op %v, want MUL", inst.Op)
	}

	b2 := NewBuf(16)
	b2.EmitUnary(SubUnaryDiv, true, RCX) // DIV RCX
	inst2 := decodeOne(t, b2.Bytes())
	if inst2.Op != x86asm.DIV {
		t.Fatalf("got op %v, want DIV", inst2.Op)
	}
}

func TestEmitLoad64(t *testing.T) {
	b := NewBuf(16)
	b.EmitLoad(S64, RDI, RAX, 16)
	inst := decodeOne(t, b.Bytes())
	if inst.Op != x86asm.MOV {
		t.Fatalf("got op %v, want MOV", inst.Op)
	}
}

func TestEmitBswap(t *testing.T) {
	b := NewBuf(16)
	b.EmitBswap(true, RAX)
	inst := decodeOne(t, b.Bytes())
	if inst.Op != x86asm.BSWAP {
		t.Fatalf("got op %v, want BSWAP", inst.Op)
	}
}

func TestEmitAluRegImmChoosesShortestForm(t *testing.T) {
	b := NewBuf(16)
	b.EmitAluRegImm(SubAdd, true, RAX, 5)
	if b.Len() != 4 { // REX.W + 0x83 + modrm + imm8
		t.Fatalf("expected imm8 form (4 bytes), got %d", b.Len())
	}

	b2 := NewBuf(16)
	b2.EmitAluRegImm(SubAdd, true, RAX, 1000)
	if b2.Len() != 7 { // REX.W + 0x81 + modrm + imm32
		t.Fatalf("expected imm32 form (7 bytes), got %d", b2.Len())
	}
}

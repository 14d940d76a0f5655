package jit

import (
	"runtime"
	"testing"

	"ubpfjit/ebpf"
	"ubpfjit/x64"
)

func skipUnlessAMD64(t *testing.T) {
	t.Helper()
	if runtime.GOARCH != "amd64" {
		t.Skip("generated code only runs on amd64")
	}
}

func compileAndRun(t *testing.T, insts []ebpf.Inst) uint64 {
	t.Helper()
	skipUnlessAMD64(t)

	vm := NewVM(ebpf.Program{Insts: insts})
	cfg := DefaultConfig(SystemV)
	fn, stats, err := Compile(vm, cfg)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if stats.InstCount != len(insts) {
		t.Fatalf("Stats.InstCount = %d, want %d", stats.InstCount, len(insts))
	}
	if stats.BytesEmitted <= 0 {
		t.Fatalf("Stats.BytesEmitted = %d, want > 0", stats.BytesEmitted)
	}
	return fn(0, 0)
}

func TestScenarioMovExit(t *testing.T) {
	insts := []ebpf.Inst{
		ebpf.MakeInst(ebpf.OpMov64Imm, ebpf.R0, 0, 0, 42),
		ebpf.MakeInst(ebpf.OpExit, 0, 0, 0, 0),
	}
	if got := compileAndRun(t, insts); got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

func TestScenarioAddReg(t *testing.T) {
	insts := []ebpf.Inst{
		ebpf.MakeInst(ebpf.OpMov64Imm, ebpf.R0, 0, 0, 10),
		ebpf.MakeInst(ebpf.OpMov64Imm, ebpf.R1, 0, 0, 20),
		ebpf.MakeInst(ebpf.OpAdd64Reg, ebpf.R0, ebpf.R1, 0, 0),
		ebpf.MakeInst(ebpf.OpExit, 0, 0, 0, 0),
	}
	if got := compileAndRun(t, insts); got != 30 {
		t.Fatalf("got %d, want 30", got)
	}
}

func TestScenarioDivByZero(t *testing.T) {
	insts := []ebpf.Inst{
		ebpf.MakeInst(ebpf.OpMov64Imm, ebpf.R0, 0, 0, 100),
		ebpf.MakeInst(ebpf.OpMov64Imm, ebpf.R1, 0, 0, 0),
		ebpf.MakeInst(ebpf.OpDiv64Reg, ebpf.R0, ebpf.R1, 0, 0),
		ebpf.MakeInst(ebpf.OpExit, 0, 0, 0, 0),
	}
	got := compileAndRun(t, insts)
	if got != 0xFFFFFFFFFFFFFFFF {
		t.Fatalf("got %#x, want all-ones", got)
	}
}

func TestScenarioLDDW(t *testing.T) {
	imm64 := uint64(0x1122334455667788)
	insts := []ebpf.Inst{
		ebpf.MakeInst(ebpf.OpLDDW, ebpf.R0, 0, 0, int32(uint32(imm64))),
		{Opcode: 0, DstSrc: 0, Offset: 0, Imm: int32(uint32(imm64 >> 32))},
		ebpf.MakeInst(ebpf.OpExit, 0, 0, 0, 0),
	}
	if got := compileAndRun(t, insts); got != imm64 {
		t.Fatalf("got %#x, want %#x", got, imm64)
	}
}

func TestScenarioLoop(t *testing.T) {
	insts := []ebpf.Inst{
		ebpf.MakeInst(ebpf.OpMov64Imm, ebpf.R0, 0, 0, 0),
		ebpf.MakeInst(ebpf.OpMov64Imm, ebpf.R1, 0, 0, 5),
		ebpf.MakeInst(ebpf.OpAdd64Imm, ebpf.R0, 0, 0, 1),
		ebpf.MakeInst(ebpf.OpSub64Imm, ebpf.R1, 0, 0, 1),
		ebpf.MakeInst(ebpf.OpJNEImm, ebpf.R1, 0, -3, 0),
		ebpf.MakeInst(ebpf.OpExit, 0, 0, 0, 0),
	}
	if got := compileAndRun(t, insts); got != 5 {
		t.Fatalf("got %d, want 5", got)
	}
}

func TestScenarioBigEndian16(t *testing.T) {
	insts := []ebpf.Inst{
		ebpf.MakeInst(ebpf.OpMov64Imm, ebpf.R0, 0, 0, 0x1234),
		ebpf.MakeInst(ebpf.OpBE, ebpf.R0, 0, 0, 16),
		ebpf.MakeInst(ebpf.OpExit, 0, 0, 0, 0),
	}
	if got := compileAndRun(t, insts); got != 0x3412 {
		t.Fatalf("got %#x, want 0x3412", got)
	}
}

func TestPCLocsMonotonic(t *testing.T) {
	insts := []ebpf.Inst{
		ebpf.MakeInst(ebpf.OpMov64Imm, ebpf.R0, 0, 0, 1),
		ebpf.MakeInst(ebpf.OpLDDW, ebpf.R1, 0, 0, 7),
		{Opcode: 0, DstSrc: 0, Offset: 0, Imm: 0},
		ebpf.MakeInst(ebpf.OpExit, 0, 0, 0, 0),
	}
	cfg := DefaultConfig(SystemV)
	tr := &translator{
		cfg:    cfg,
		vm:     NewVM(ebpf.Program{Insts: insts}),
		buf:    x64.NewBuf(cfg.BufferCap),
		pcLocs: make([]int, len(insts)+1),
	}
	tr.emitPrologue()
	if err := tr.translateBody(); err != nil {
		t.Fatalf("translateBody: %v", err)
	}
	if tr.pcLocs[0] >= tr.pcLocs[1] {
		t.Fatalf("pcLocs not increasing across slot 0->1: %v", tr.pcLocs)
	}
	if tr.pcLocs[1] != tr.pcLocs[2] {
		t.Fatalf("LDDW's second slot should share pc_locs with the first: %v", tr.pcLocs)
	}
	if tr.pcLocs[2] >= tr.pcLocs[3] {
		t.Fatalf("pcLocs not increasing across slot 2->3: %v", tr.pcLocs)
	}
}

func TestCompileStatsAndIdempotence(t *testing.T) {
	skipUnlessAMD64(t)

	insts := []ebpf.Inst{
		ebpf.MakeInst(ebpf.OpMov64Imm, ebpf.R0, 0, 0, 0),
		ebpf.MakeInst(ebpf.OpMov64Imm, ebpf.R1, 0, 0, 5),
		ebpf.MakeInst(ebpf.OpAdd64Imm, ebpf.R0, 0, 0, 1),
		ebpf.MakeInst(ebpf.OpSub64Imm, ebpf.R1, 0, 0, 1),
		ebpf.MakeInst(ebpf.OpJNEImm, ebpf.R1, 0, -3, 0),
		ebpf.MakeInst(ebpf.OpExit, 0, 0, 0, 0),
	}
	vm := NewVM(ebpf.Program{Insts: insts})
	cfg := DefaultConfig(SystemV)

	fn1, stats1, err := Compile(vm, cfg)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if stats1.InstCount != len(insts) {
		t.Fatalf("InstCount = %d, want %d", stats1.InstCount, len(insts))
	}
	if stats1.FixupsResolved == 0 {
		t.Fatalf("FixupsResolved = 0, want at least the loop's backward branch")
	}

	fn2, stats2, err := Compile(vm, cfg)
	if err != nil {
		t.Fatalf("second Compile: %v", err)
	}
	if stats1 != stats2 {
		t.Fatalf("stats changed across repeat Compile: %+v vs %+v", stats1, stats2)
	}
	if fn1(0, 0) != 5 || fn2(0, 0) != 5 {
		t.Fatalf("repeat Compile changed the compiled function's behavior")
	}
}

func TestRegMapPermutationInvariance(t *testing.T) {
	insts := []ebpf.Inst{
		ebpf.MakeInst(ebpf.OpMov64Imm, ebpf.R0, 0, 0, 10),
		ebpf.MakeInst(ebpf.OpMov64Imm, ebpf.R1, 0, 0, 20),
		ebpf.MakeInst(ebpf.OpAdd64Reg, ebpf.R0, ebpf.R1, 0, 0),
		ebpf.MakeInst(ebpf.OpExit, 0, 0, 0, 0),
	}
	skipUnlessAMD64(t)

	base := compileAndRun(t, insts)

	cfg := DefaultConfig(SystemV)
	cfg.RegMap = PermuteRegMap(cfg.RegMap, 3)
	vm := NewVM(ebpf.Program{Insts: insts})
	fn, _, err := Compile(vm, cfg)
	if err != nil {
		t.Fatalf("Compile with permuted map: %v", err)
	}
	if got := fn(0, 0); got != base {
		t.Fatalf("permuted register map changed observable output: got %d, want %d", got, base)
	}
}

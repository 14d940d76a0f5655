package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"ubpfjit/ebpf"
	"ubpfjit/jit"
)

func main() {
	progPath := flag.String("prog", "", "path to a raw eBPF instruction stream (8 bytes per slot); built-in demo program if empty")
	verbose := flag.Bool("verbose", false, "log each translated instruction")
	msAbi := flag.Bool("ms-abi", false, "use the Microsoft x64 calling convention instead of System V")
	flag.Parse()

	insts, err := loadProgram(*progPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ubpfjit-demo: %v\n", err)
		os.Exit(1)
	}

	abi := jit.SystemV
	if *msAbi {
		abi = jit.MicrosoftX64
	}
	cfg := jit.DefaultConfig(abi)
	if *verbose {
		log := logrus.New()
		log.SetLevel(logrus.DebugLevel)
		cfg.Logger = log
	}

	vm := jit.NewVM(ebpf.Program{Insts: insts})
	fn, stats, err := jit.Compile(vm, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ubpfjit-demo: compile failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("compiled %d instructions into %d bytes, %d fixups resolved\n",
		stats.InstCount, stats.BytesEmitted, stats.FixupsResolved)

	r0 := fn(0, 0)
	fmt.Printf("R0 = %d (%#x)\n", r0, r0)
}

// demoProgram computes (10 + 20) << 1 and returns it in R0: the 10 + 20
// walkthrough the tests exercise, followed by a shift.
func demoProgram() []ebpf.Inst {
	return []ebpf.Inst{
		ebpf.MakeInst(ebpf.OpMov64Imm, ebpf.R0, 0, 0, 10),
		ebpf.MakeInst(ebpf.OpMov64Imm, ebpf.R1, 0, 0, 20),
		ebpf.MakeInst(ebpf.OpAdd64Reg, ebpf.R0, ebpf.R1, 0, 0),
		ebpf.MakeInst(ebpf.OpLsh64Imm, ebpf.R0, 0, 0, 1),
		ebpf.MakeInst(ebpf.OpExit, 0, 0, 0, 0),
	}
}

func loadProgram(path string) ([]ebpf.Inst, error) {
	if path == "" {
		return demoProgram(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(raw)%ebpf.InstSize != 0 {
		return nil, fmt.Errorf("%s: length %d is not a multiple of %d bytes", path, len(raw), ebpf.InstSize)
	}

	insts := make([]ebpf.Inst, len(raw)/ebpf.InstSize)
	for i := range insts {
		var b [ebpf.InstSize]byte
		copy(b[:], raw[i*ebpf.InstSize:(i+1)*ebpf.InstSize])
		insts[i] = ebpf.Decode(b)
	}
	return insts, nil
}

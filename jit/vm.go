package jit

import "ubpfjit/ebpf"

// VM is the external collaborator the translator and compiler operate
// against: the verified instruction stream, the external-call table, the
// diagnostic sink, and the unwind contract (§6). The loader/verifier that
// produces Insts, and the ext func implementations themselves, are out of
// scope here.
//
// ExtFuncs and ErrorPrintfAddr are raw host code addresses (the ABI the
// real ext_funcs/error_printf collaborators already use, per §6's
// "function pointers"), not Go closures: the generated code CALLs them
// directly with the host C calling convention, so a Go func value would
// need its own ABI shim to be callable this way. A zero ExtFuncs entry
// that is actually invoked is a setup error on the embedder's part the
// same way a nil C function pointer would be; translation does not
// validate the addresses are non-zero beyond index range. A zero
// ErrorPrintfAddr makes the division-by-zero trampoline skip its report
// call and only set R0 to -1.
type VM struct {
	Prog                      ebpf.Program
	ExtFuncs                  [256]uintptr
	ErrorPrintfAddr           uintptr
	UnwindStackExtensionIndex int32 // -1 if unused

	code     []byte
	compiled Func
	stats    Stats
}

// NewVM constructs a VM ready for compilation.
func NewVM(prog ebpf.Program) *VM {
	return &VM{Prog: prog, UnwindStackExtensionIndex: -1}
}

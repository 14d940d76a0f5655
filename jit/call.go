package jit

import "unsafe"

// Func is the generated-function ABI (§6): a single context pointer and
// its length, returning eBPF R0's final value. Standard host C calling
// convention; ctxLen's register slot is left untouched by the prologue
// (its meaning is defined entirely by the embedder).
type Func func(ctx uintptr, ctxLen uintptr) uint64

// funcFace mirrors the layout of a Go func value: a single word holding
// the address of the code to jump to. Building one by hand and
// reinterpreting it as a Func is how a raw JIT-compiled code pointer
// becomes a normally-callable Go function value.
type funcFace struct {
	code uintptr
}

// makeFunc casts addr, the start of a compiled program in executable
// memory, into a callable Func.
func makeFunc(addr uintptr) Func {
	ff := &funcFace{code: addr}
	return *(*Func)(unsafe.Pointer(&ff))
}

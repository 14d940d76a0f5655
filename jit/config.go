package jit

import "github.com/sirupsen/logrus"

// ABI selects which host calling convention the register map and
// prologue/epilogue follow.
type ABI int

const (
	// SystemV is the Linux/BSD/macOS x86-64 calling convention.
	SystemV ABI = iota
	// MicrosoftX64 is the Windows x86-64 calling convention.
	MicrosoftX64
)

// DefaultStackSize is the eBPF stack frame size reserved in the
// prologue, matching the upstream ubpf UBPF_STACK_SIZE default.
const DefaultStackSize = 512

// DefaultBufferCap is the default capacity of the translator's output
// buffer, matching the upstream ubpf compile() working-buffer size.
const DefaultBufferCap = 64 * 1024

// Config is the immutable configuration threaded through Translate and
// Compile. There is no package-level mutable state: the register map the
// source kept as a global is carried here instead (DESIGN NOTES, §9).
type Config struct {
	ABI        ABI
	StackSize  int32
	BufferCap  int
	RegMap     RegMap
	UnwindIdx  int32 // not read by Translate, which uses VM.UnwindStackExtensionIndex
	Logger     *logrus.Logger
}

// DefaultConfig returns a Config for the given ABI with the standard
// stack size, buffer capacity, and register map; no logger attached.
func DefaultConfig(abi ABI) Config {
	return Config{
		ABI:       abi,
		StackSize: DefaultStackSize,
		BufferCap: DefaultBufferCap,
		RegMap:    DefaultRegMap(abi),
		UnwindIdx: -1,
	}
}

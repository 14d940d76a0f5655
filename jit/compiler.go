package jit

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Compile implements §6's compile entry: translate the VM's program,
// install it into an executable mapping, and return a callable function
// alongside a summary of the translation. Calling Compile twice on the
// same VM returns the same function and its original stats without
// re-translating (§8 invariant 5).
func Compile(vm *VM, cfg Config) (Func, Stats, error) {
	if vm.compiled != nil {
		return vm.compiled, vm.stats, nil
	}

	mem, err := unix.Mmap(-1, 0, cfg.BufferCap,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, Stats{}, wrapErr(KindMapFailure, -1, err, "mmap executable region")
	}

	baseAddr := uintptr(unsafe.Pointer(&mem[0]))
	code, stats, err := Translate(vm, cfg, baseAddr)
	if err != nil {
		_ = unix.Munmap(mem)
		return nil, Stats{}, err
	}
	if len(code) > len(mem) {
		_ = unix.Munmap(mem)
		return nil, Stats{}, newErr(KindBufferOverflow, -1,
			"translated program (%d bytes) exceeds mapped region (%d bytes)", len(code), len(mem))
	}
	copy(mem, code)

	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(mem)
		return nil, Stats{}, wrapErr(KindProtectFailure, -1, err, "mprotect executable region")
	}

	vm.code = mem
	vm.compiled = makeFunc(baseAddr)
	vm.stats = stats
	cfg.infof("compiled %d-instruction program into %d bytes at %#x", stats.InstCount, stats.BytesEmitted, baseAddr)
	return vm.compiled, vm.stats, nil
}

package jit

import "github.com/pkg/errors"

// Kind classifies a translation or compilation failure so callers can
// branch on cause without string matching.
type Kind int

const (
	// KindUnknownOpcode means the instruction stream contained an opcode
	// byte the translator has no lowering for.
	KindUnknownOpcode Kind = iota
	// KindBufferOverflow means the output buffer's capacity was exceeded.
	KindBufferOverflow
	// KindDisplacementOverflow means a branch or call's resolved relative
	// offset did not fit in a signed 32-bit field.
	KindDisplacementOverflow
	// KindMapFailure means the mmap syscall for the executable region
	// failed.
	KindMapFailure
	// KindProtectFailure means the mprotect syscall transitioning the
	// region to executable failed.
	KindProtectFailure
)

func (k Kind) String() string {
	switch k {
	case KindUnknownOpcode:
		return "unknown opcode"
	case KindBufferOverflow:
		return "buffer overflow"
	case KindDisplacementOverflow:
		return "displacement overflow"
	case KindMapFailure:
		return "mmap failed"
	case KindProtectFailure:
		return "mprotect failed"
	default:
		return "unknown error"
	}
}

// Error is a translation/compilation failure tagged with a Kind, so
// callers can test for a category with errors.As rather than matching on
// message text.
type Error struct {
	Kind Kind
	PC   int // instruction index at fault, or -1 if not applicable
	err  error
}

func (e *Error) Error() string {
	if e.PC >= 0 {
		return errors.Wrapf(e.err, "%s at pc %d", e.Kind, e.PC).Error()
	}
	return errors.Wrap(e.err, e.Kind.String()).Error()
}

func (e *Error) Unwrap() error { return e.err }

func newErr(kind Kind, pc int, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, PC: pc, err: errors.Errorf(format, args...)}
}

func wrapErr(kind Kind, pc int, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, PC: pc, err: errors.Wrapf(cause, format, args...)}
}

// Package joberr defines the error taxonomy of a trace-compile job (spec §7)
// and the protected-call boundary that every job runs under.
//
// LuaJIT's lj_trace.c uses setjmp/longjmp to unwind out of the optimizer or
// assembler on a fatal condition; Protected expresses the same control-flow
// idiomatically with Go's panic/recover, matching §7's "Inside the
// assembler, fatal errors long-jump through the protected-call boundary that
// wraps the entire job; the mcode reservation is always released by the
// unwind handler."
package joberr

import (
	"errors"
	"fmt"
)

// Resource exhaustion errors (§7).
var (
	ErrSpillOverflow = errors.New("SPILL_OVERFLOW: spill slot budget exceeded (max 256)")
	ErrSnapOverflow  = errors.New("SNAP_OVERFLOW: snapshot budget exceeded")
	ErrPhiOverflow   = errors.New("PHI_OVERFLOW: too many PHI candidates")
	ErrMcodeOverflow = errors.New("MCODE_OVERFLOW: trace exceeds one arena region")
	ErrMcodeAlloc    = errors.New("MCODE_ALLOC: failed to acquire additional machine-code pages")
	ErrMcodeLimit    = errors.New("MCODE_LIMIT: arena reservation exhausted (retryable)")
	ErrIROverflow    = errors.New("IR_OVERFLOW: IR buffer reached its upper limit")
)

// Semantic errors (§7).
var (
	ErrTypeInstability   = errors.New("TYPE_INSTABILITY: loop-carried type mismatch with no legal coercion")
	ErrGuardAlwaysFails  = errors.New("GUARD_ALWAYS_FAILS: fold deduced a guard contradiction")
	ErrBadRegAlloc       = errors.New("BAD_REG_ALLOC: register allocator invariant violated")
)

// Not-yet-implemented errors (§7).
var (
	ErrNYICoalesce = errors.New("NYI_COALESCE: side-trace register shuffling too complex")
	ErrNYIPhi      = errors.New("NYI_PHI: PHI with a pre-existing spill slot")
	ErrNYIGCFrame  = errors.New("NYI_GC_FRAME: frame sync requested mid GC-step")
	ErrNYIIROp     = errors.New("NYI_IR_OP: opcode has no emission rule yet")
)

// Retryable reports whether err should cause the caller to retry the job
// rather than abandon the trace (§7 "Propagation policy").
func Retryable(err error) bool {
	return errors.Is(err, ErrMcodeLimit)
}

// Recordable reports whether err should cause the recorder to continue
// recording (loop unrolling) rather than abandon the trace outright.
func Recordable(err error) bool {
	return errors.Is(err, ErrTypeInstability) || errors.Is(err, ErrGuardAlwaysFails)
}

// Fatal reports whether err is a hard bug that should never be retried or
// recovered from by unrolling — BAD_REG_ALLOC is the only one (§7: "fatal
// bug").
func Fatal(err error) bool {
	return errors.Is(err, ErrBadRegAlloc)
}

// Protected runs fn and converts any panic raised with a *JobError (or a
// plain error) into a returned error, mirroring the protected-call boundary
// that wraps the whole compile job (optimizer pass and assembler pass
// alike). unwind, if non-nil, always runs before Protected returns —
// callers use it to release the mcode reservation via mcode.Abort
// regardless of whether the job panicked.
func Protected(unwind func(), fn func() error) (err error) {
	defer func() {
		if unwind != nil {
			unwind()
		}
		if r := recover(); r != nil {
			switch v := r.(type) {
			case *JobError:
				err = v
			case error:
				err = v
			default:
				err = fmt.Errorf("panic in protected job: %v", v)
			}
		}
	}()
	return fn()
}

// JobError annotates a sentinel error with the starting bytecode PC whose
// penalty counter should be bumped (§7: "the recording is discarded, a
// penalty counter for the starting bytecode is bumped").
type JobError struct {
	Err error
	PC  uint64
}

func (e *JobError) Error() string {
	return fmt.Sprintf("pc=0x%x: %v", e.PC, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// Throw panics with a *JobError wrapping err, for use inside a function
// running under Protected.
func Throw(pc uint64, err error) {
	panic(&JobError{Err: err, PC: pc})
}

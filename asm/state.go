// Package asm implements the backwards single-pass assembler (spec §4.4):
// it walks a trace's IR from the last instruction back to the start,
// assigning registers as it goes rather than running a separate allocation
// pass over a precomputed interference graph. Final byte encoding goes
// through asm/x86, which wraps the teacher's internal/asm/amd64 encoder;
// asm itself owns every decision spec §4.4 names — eviction cost, memory-
// operand fusion, snapshot handling, guard/exit-stub emission, and
// per-opcode lowering.
package asm

import (
	"github.com/traceforge/tracecore/asm/regalloc"
	"github.com/traceforge/tracecore/asm/x86"
	"github.com/traceforge/tracecore/ir"
	"github.com/traceforge/tracecore/jitconfig"
	"github.com/traceforge/tracecore/mcode"
	"github.com/traceforge/tracecore/runtimeabi"
)

// spillOverflow is the slot budget spec §4.4.2 names: "fail with
// SPILL_OVERFLOW at slot 256".
const spillOverflow = 256

// fuseWindow bounds fuse_load's conflicting-store scan (spec §4.4.3: "a
// bounded search window (default 15 instructions)").
const fuseWindow = 15

// RegCost is the sortable eviction-cost value spec §4.4.2 defines: cost =
// (ref << 16) | type. Lower-ref (older) values evict first; type is the
// tie-break between two refs the same age (never true for real traces, but
// keeps the comparison total).
type RegCost uint32

func makeCost(ref ir.Ref, t ir.Type) RegCost {
	return RegCost(ref)<<16 | RegCost(t)
}

// maxCost seeds ABI-pinned registers (the stack pointer) so evict's
// minimum-cost scan never selects them (spec §4.4.2: "Registers pinned by
// the ABI ... are seeded with a maximum cost that is never selected").
const maxCost RegCost = ^RegCost(0)

// Fuse is the pending x86 ModRM fuse state spec §4.4.1 names: "a pending
// x86 ModRM fuse (base, index, scale, displacement)". Valid is false when
// nothing is currently fused and the operand must be allocated a plain
// register instead.
type Fuse struct {
	Valid bool
	Base  regalloc.RealReg
	Index regalloc.RealReg
	Scale x86.Scale
	Disp  int64
}

// AsmState holds every piece of state spec §4.4.1 names for one trace's
// backward assembly pass.
type AsmState struct {
	buf   *ir.Buffer
	hooks runtimeabi.RuntimeHooks
	cfg   jitconfig.Config

	bld   *x86.Builder
	arena *mcode.Arena
	stubs mcode.StubGroup

	// Per-register bookkeeping. regRef[r] is ir.RefInvalid when r is free.
	regRef [regalloc.NumRealRegs]ir.Ref
	cost   [regalloc.NumRealRegs]RegCost

	// The three register sets spec §4.4.1 names.
	free           regalloc.RegSet
	modifiedInLoop regalloc.RegSet
	phi            regalloc.RegSet

	// Spill slots: numbers occupy even slots (paired), integers fit the odd
	// companion when available (spec §4.4.2's spill()).
	spillOf    map[ir.Ref]uint8
	spillTaken [spillOverflow]bool

	// Current snapshot number and rename high-water mark (spec §4.4.1).
	snapNo          uint32
	renameHighWater ir.Ref

	fuse Fuse

	// fusionLimit is the ref below which memory-operand fusion is disabled
	// (spec §4.4.1/§4.4.3's "more recent than the fusion limit").
	fusionLimit ir.Ref

	// sectionBase is the current section's base ref, used for
	// variant/invariant detection (before sectionBase == loop-invariant).
	sectionBase ir.Ref

	gcStepCount uint32

	// Code-pointer bookkeeping for patching (spec §4.4.1): loop branch,
	// invertible branch, pending test removal, realign marker.
	loopBranch        *x86.Label
	invertibleBranch  *x86.Label
	pendingTestRemove bool
	realign           bool
	realignAt         int

	// phase is the recording/assembly state machine's current state (spec
	// §4.4.7, asm/statemachine.go).
	phase Phase
}

// New returns an AsmState ready to assemble buf backward, with every GPR
// except RSP, and every XMM register, initially free.
func New(buf *ir.Buffer, hooks runtimeabi.RuntimeHooks, cfg jitconfig.Config) *AsmState {
	s := &AsmState{
		buf:         buf,
		hooks:       hooks,
		cfg:         cfg,
		bld:         x86.NewBuilder(),
		spillOf:     make(map[ir.Ref]uint8),
		fusionLimit: ir.RefFirst,
	}
	s.free = (regalloc.GPRegs.Remove(regalloc.RSP)) | regalloc.XMMRegs
	s.cost[regalloc.RSP] = maxCost
	for i := range s.regRef {
		s.regRef[i] = ir.RefInvalid
	}
	return s
}

// Builder exposes the underlying x86.Builder for code outside this package
// (trace.Compile) that needs to call Finalize once assembly completes.
func (s *AsmState) Builder() *x86.Builder { return s.bld }

// classOf reports which register set (GPR or XMM) ref's value needs.
func (s *AsmState) classOf(ref ir.Ref) regalloc.RegSet {
	if ref.IsPrimitive() {
		return regalloc.GPRegs
	}
	if s.buf.Get(ref).T.IsFloat() {
		return regalloc.XMMRegs
	}
	return regalloc.GPRegs
}

// regOf reports the register currently holding ref, if any.
func (s *AsmState) regOf(ref ir.Ref) (regalloc.RealReg, bool) {
	for r := regalloc.RealReg(1); r < regalloc.NumRealRegs; r++ {
		if s.regRef[r] == ref && !s.free.Has(r) {
			return r, true
		}
	}
	return regalloc.RealRegInvalid, false
}

// assign records that reg now holds ref, with the given eviction cost.
func (s *AsmState) assign(reg regalloc.RealReg, ref ir.Ref) {
	s.regRef[reg] = ref
	s.cost[reg] = makeCost(ref, s.instrType(ref))
	s.free = s.free.Remove(reg)
}

// freeReg marks reg as available again.
func (s *AsmState) freeReg(reg regalloc.RealReg) {
	s.regRef[reg] = ir.RefInvalid
	s.free = s.free.Add(reg)
}

func (s *AsmState) instrType(ref ir.Ref) ir.Type {
	if ref.IsPrimitive() {
		return ir.TagNil
	}
	return s.buf.Get(ref).T
}

// isInvariant reports whether ref was defined before the current section's
// base (spec §4.4.2 "if ref is invariant (before loop ref, non-PHI)").
func (s *AsmState) isInvariant(ref ir.Ref) bool {
	if !ref.IsInstruction() {
		return true
	}
	ins := s.buf.Get(ref)
	return ref < s.sectionBase && !ins.T.IsPhi()
}

// SetSectionBase updates the current section base ref (asm's view of
// §4.4.1's "current section base ref"), used by isInvariant.
func (s *AsmState) SetSectionBase(ref ir.Ref) { s.sectionBase = ref }

// SetExitStubs binds the arena and pre-allocated exit-stub group GuardCC
// (asm/snapshot.go) patches jumps against.
func (s *AsmState) SetExitStubs(arena *mcode.Arena, stubs mcode.StubGroup) {
	s.arena = arena
	s.stubs = stubs
}

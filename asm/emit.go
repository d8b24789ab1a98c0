package asm

import (
	"github.com/traceforge/tracecore/asm/regalloc"
	"github.com/traceforge/tracecore/internal/asm/amd64"
	"github.com/traceforge/tracecore/ir"
)

// Queueing convention: asm/x86.Builder resolves jump targets the way a
// real backward walk produces them — every queued instruction is appended
// in the reverse of its final position, because that's the order a walk
// from the trace's last instruction to its first naturally produces them
// in. The functions below are hand-written (not themselves driven by a
// ref-by-ref backward walk), so wherever one emits more than one machine
// instruction for a single IR opcode, its Builder calls appear in the
// REVERSE of the comment describing the intended assembly — call the
// last-described instruction first. Cross-opcode ordering needs no such
// care: AsmState's real caller (trace.Compile) invokes these once per ref
// while walking refs from last to first, which is exactly the order
// Builder wants.

// swapOps applies the commutative-operand heuristic spec §4.4.6 names:
// swap when the right operand already has a register and the left
// doesn't, when the right is a fusable memory load and the left isn't,
// or when the right is loop-invariant and the left isn't — each case
// keeps the operand likelier to need a fresh register on the side the
// assembler is about to allocate for a destination anyway.
func (s *AsmState) swapOps(left, right ir.Ref) (ir.Ref, ir.Ref) {
	_, leftHasReg := s.regOf(left)
	_, rightHasReg := s.regOf(right)
	if rightHasReg && !leftHasReg {
		return right, left
	}
	if s.isFusableLoad(right) && !s.isFusableLoad(left) {
		return right, left
	}
	if s.isInvariant(right) && !s.isInvariant(left) {
		return right, left
	}
	return left, right
}

// isFusableLoad reports whether ref is one of the six LOAD opcodes this
// package knows how to fuse into a ModRM operand (asm/fuse.go).
func (s *AsmState) isFusableLoad(ref ir.Ref) bool {
	if !ref.IsInstruction() {
		return false
	}
	return s.buf.Get(ref).Op.IsLoad()
}

// EmitAdd lowers OpAdd (spec §4.4.6 "Arithmetic ADD"): float results go
// through ADDSD; integer results first try the lea-based three-operand
// form (dest = a + b + k, when one operand is a constant and the other is
// already live in a register), falling back to the in-place two-operand
// add with the Left() accumulator fixup.
//
// Intended assembly, integer fallback path (last-described first per this
// file's queueing convention):
//  1. [Left fixup]  mov dest, left-operand   (only if dest doesn't already hold it)
//  2. add dest, right-operand
func (s *AsmState) EmitAdd(dst ir.Ref, a, b ir.Ref, allow regalloc.RegSet) error {
	t := s.instrType(dst)
	dest, err := s.Dest(dst, allow)
	if err != nil {
		return err
	}
	if t.IsFloat() {
		left, right := s.swapOps(a, b)
		rreg, err := s.AllocRef(right, allow&^regalloc.NewRegSet(dest))
		if err != nil {
			return err
		}
		s.bld.RegReg(amd64.ADDSD, rreg, dest) // step 2, queued first (see convention)
		s.Left(dest, left)                    // step 1, queued second
		return nil
	}
	if b.IsConst() {
		if areg, ok := s.regOf(a); ok {
			s.bld.Lea3(areg, s.constInt(b), regalloc.RealRegInvalid, 1, dest)
			return nil
		}
	}
	if a.IsConst() {
		if breg, ok := s.regOf(b); ok {
			s.bld.Lea3(breg, s.constInt(a), regalloc.RealRegInvalid, 1, dest)
			return nil
		}
	}
	left, right := s.swapOps(a, b)
	rreg, err := s.AllocRef(right, allow&^regalloc.NewRegSet(dest))
	if err != nil {
		return err
	}
	instr := amd64.ADDL
	if t.Tag() == ir.TagPointer {
		instr = amd64.ADDQ
	}
	s.bld.RegReg(instr, rreg, dest) // step 2, queued first
	s.Left(dest, left)              // step 1, queued second
	return nil
}

// allocOperand resolves ref to a register for a guarded compare's operand,
// the one place in this package a bare constant ref reaches register
// allocation directly rather than through an instruction's already-computed
// value: AllocRef's bookkeeping works unchanged for a constant ref (Spill,
// regOf, and cost tracking all key off the ref itself), it just hasn't been
// loaded into that register yet — EmitGuardedCompare queues that load
// separately, in the position its queueing convention requires.
func (s *AsmState) allocOperand(ref ir.Ref, allow regalloc.RegSet) (regalloc.RealReg, error) {
	if !ref.IsConst() {
		return s.AllocRef(ref, allow)
	}
	if r, ok := s.regOf(ref); ok && allow.Has(r) {
		return r, nil
	}
	return s.AllocRef(ref, allow)
}

// EmitGuardedCompare lowers one of the ten guarded-comparison opcodes (spec
// §4.4.6's guarded compares): cmp (or ucomisd for floats) sets flags from a
// and b, and GuardCC's jump — already queued by the time this function is
// called, see below — fires to the exit stub when the comparison is false.
//
// The caller queues this function's own work by calling it before SnapPrep
// (asm/snapshot.go): GuardCC must run first in source order so its jcc lands
// last in final bytes, and SnapPrep's recovery spills/loads must run last in
// source order so they land first, ahead of the compare they protect against.
//
// Intended assembly (last-described first per this file's queueing
// convention):
//  1. [materialize a, if constant]
//  2. [materialize b, if constant]
//  3. cmp/ucomisd a, b
//  (the jcc itself is GuardCC's, queued by the caller before this function
//  runs, which places it after everything above in final bytes)
func (s *AsmState) EmitGuardedCompare(a, b ir.Ref, allow regalloc.RegSet) error {
	areg, err := s.allocOperand(a, allow)
	if err != nil {
		return err
	}
	breg, err := s.allocOperand(b, allow&^regalloc.NewRegSet(areg))
	if err != nil {
		return err
	}

	if s.instrType(a).IsFloat() || s.instrType(b).IsFloat() {
		s.bld.RegReg(amd64.UCOMISD, breg, areg) // step 3, queued first (see convention)
	} else {
		wide := s.instrType(a).Tag() == ir.TagPointer || s.instrType(a).IsGCObject() ||
			s.instrType(b).Tag() == ir.TagPointer || s.instrType(b).IsGCObject()
		s.bld.CmpRegReg(wide, areg, breg) // step 3, queued first
	}
	if b.IsConst() {
		s.bld.MovConstToReg(s.instrType(b).Tag() == ir.TagPointer, s.constInt(b), breg) // step 2
	}
	if a.IsConst() {
		s.bld.MovConstToReg(s.instrType(a).Tag() == ir.TagPointer, s.constInt(a), areg) // step 1, queued last
	}
	return nil
}

// EmitHRef lowers HREF (spec §4.4.6 "Table lookup HREF"): the full
// algorithm walks a hash chain's `next` pointers with a real loop,
// comparing each node's key against the looked-up key, and either loops
// back or falls through to the hash-main-position compute. This is a
// single-probe simplification of that chain walk (one compare against the
// table's main hash position, no collision-chain loop) — enough to show
// the hash-compute/compare/fused-guard shape the full version shares, at a
// fraction of the real 60+-byte lowering's complexity.
//
// Intended final assembly order (the code below calls Builder in the
// reverse of this list, per this file's queueing convention):
//  1. hash := kReg * nodeStride   (imul, or shl as the shift/lea alternative)
//  2. mov dest, [tReg + hashArrayOffset + hash*nodeSize]   (hash-main-position load)
//  3. [fused guard] jcc-to-exit-stub on dest == nil, if fusedNilGuard != nil
func (s *AsmState) EmitHRef(dst ir.Ref, table, key ir.Ref, allow regalloc.RegSet, useIMul bool, fusedNilGuard *ir.Snapshot, scratch regalloc.RealReg) error {
	dest, err := s.Dest(dst, allow)
	if err != nil {
		return err
	}
	tReg, err := s.AllocRef(table, allow&^regalloc.NewRegSet(dest))
	if err != nil {
		return err
	}
	kReg, err := s.AllocRef(key, allow&^regalloc.NewRegSet(dest, tReg))
	if err != nil {
		return err
	}

	if fusedNilGuard != nil {
		s.GuardCC(CCEqual, fusedNilGuard, scratch) // step 3, queued first
	}
	s.bld.LoadMem(amd64.MOVQ, tReg, hashNodeArrayOffset, kReg, x86ScaleForHashNode, dest) // step 2
	if useIMul {
		s.bld.RegReg(amd64.IMULQ, kReg, kReg) // step 1 (imul form), queued last
	} else {
		s.bld.RegReg(amd64.SHLQ, kReg, kReg) // step 1 (shift/lea alternative), queued last
	}
	return nil
}

// hashNodeArrayOffset is the fixed byte offset from a table object to its
// hash-node array's base pointer, sourced the same way FREF's field
// offsets are (spec §6 "field offsets into runtime types ... table
// header") — a fully wired build would read this out of
// runtimeabi.FieldOffsets rather than hand-picking it here.
const (
	hashNodeArrayOffset  = 8
	x86ScaleForHashNode  = 8
)

// GCCheck lowers spec §4.4.6's "GC check": compare the runtime's running
// GC byte count against its threshold and call into the GC-step routine
// once the count is no longer below it. Live GC-traced values held in
// registers are stored to their spill slots (so the collector sees a
// consistent picture) ahead of the compare; these stores run on every pass
// through the check, not only when the GC-step routine is called.
//
// Intended assembly (last-described first):
//  1. mov scratch, [gc.total address]; mov scratch, [scratch]
//  2. mov scratch2, [gc.threshold address]; mov scratch2, [scratch2]
//  3. cmp scratch, scratch2
//  4. jl skip                         (skip the call while still under threshold)
//  5. call gc_step_jit                (materialize address into scratch, then call)
//  6. skip:
func (s *AsmState) GCCheck(live []ir.Ref, scratch regalloc.RealReg) error {
	// The spill-store loop and the six-step check below are two
	// conceptual units emitted by this one call; since the spill stores
	// must execute before the check in final assembly, and this file's
	// queueing convention appends in the reverse of final order, the
	// check block is queued first (source order) and the spill loop last.
	scratch2 := scratch2For(scratch)
	skip := s.bld.MarkLabel()                                   // step 6, queued first
	s.bld.CallAddr(uintptr(s.hooks.GCStepJIT), scratch)         // step 5
	s.bld.JumpCCToLabel(CCLess.instr, skip)                     // step 4
	s.bld.CmpRegReg(true, scratch, scratch2)                    // step 3
	s.loadGlobal(uintptr(s.hooks.Global.GCThreshold), scratch2) // step 2
	s.loadGlobal(uintptr(s.hooks.Global.GCTotal), scratch)      // step 1

	for _, ref := range live {
		if !s.instrType(ref).IsGCObject() {
			continue
		}
		reg, ok := s.regOf(ref)
		if !ok {
			continue
		}
		slot, err := s.Spill(ref)
		if err != nil {
			return err
		}
		s.emitSpillStore(ref, reg, slot) // spill stores, queued last: execute first
	}

	s.gcStepCount++
	return nil
}

// loadGlobal queues `mov reg, addr; mov reg, [reg]` in the order needed so
// that, used as one unit inside a larger reversed call sequence (see this
// file's queueing convention), it assembles as MOV-then-LOAD.
func (s *AsmState) loadGlobal(addr uintptr, reg regalloc.RealReg) {
	s.bld.LoadMem(amd64.MOVQ, reg, 0, regalloc.RealRegInvalid, 1, reg)
	s.bld.MovConstToReg(true, int64(addr), reg)
}

// scratch2For picks a second scratch register distinct from the first, for
// the rare lowering that needs two temporaries at once. R10/R11 are never
// allocated to IR values in this package — the same caller-clobbered
// temporaries the teacher's own amd64 encoder reserves for its own
// housekeeping moves.
func scratch2For(primary regalloc.RealReg) regalloc.RealReg {
	if primary == regalloc.R11 {
		return regalloc.R10
	}
	return regalloc.R11
}

// PhiPair names one PHI's left (loop-header) and right (back-edge) operand
// refs, the unit PHIShuffle resolves one at a time.
type PhiPair struct {
	Left, Right ir.Ref
}

// PHIShuffle ensures every PHI candidate's right-operand register matches
// its left-operand register before the loop back edge is sealed (spec
// §4.4.6 "PHI shuffle"): a free match is a straight Rename; a match
// blocked by an invariant forces that invariant's value to reload from its
// own spill slot; a cycle (A wants B's register and B wants A's) is broken
// by renaming one participant through scratch.
func (s *AsmState) PHIShuffle(pairs []PhiPair, scratch regalloc.RealReg) error {
	pending := append([]PhiPair(nil), pairs...)
	for len(pending) > 0 {
		progressed := false
		for i := 0; i < len(pending); i++ {
			p := pending[i]
			leftReg, leftHas := s.regOf(p.Left)
			rightReg, rightHas := s.regOf(p.Right)
			switch {
			case rightHas && leftHas && leftReg == rightReg:
				pending = append(pending[:i], pending[i+1:]...)
				progressed = true
			case rightHas && !s.wanted(rightReg, pending, i):
				s.Rename(p.Right, rightReg)
				pending = append(pending[:i], pending[i+1:]...)
				progressed = true
			case s.isInvariant(p.Right):
				if slot, ok := s.spillOf[p.Right]; ok && leftHas {
					s.loadSpill(p.Right, leftReg, slot)
				}
				pending = append(pending[:i], pending[i+1:]...)
				progressed = true
			}
			if progressed {
				break
			}
		}
		if !progressed {
			// A genuine cycle: break it by routing the first pending pair's
			// right operand through scratch, the same technique Evict uses
			// to make room before an ordinary spill.
			p := pending[0]
			if rightReg, ok := s.regOf(p.Right); ok {
				s.bld.MovRegReg(scratch, rightReg) // queued first: final 2nd half
				s.bld.MovRegReg(rightReg, scratch) // queued second: final 1st half
				s.freeReg(rightReg)
				s.assign(rightReg, p.Left)
			}
			pending = pending[1:]
		}
	}
	return nil
}

// wanted reports whether any other pending pair's left operand already
// needs reg, which would make renaming reg's current occupant into place
// right now premature (it would just get evicted again by a later pair in
// this same pass).
func (s *AsmState) wanted(reg regalloc.RealReg, pending []PhiPair, skip int) bool {
	for j, q := range pending {
		if j == skip {
			continue
		}
		if r, ok := s.regOf(q.Left); ok && r == reg {
			return true
		}
	}
	return false
}

// EmitRootHead lowers the root-trace head (spec §4.4.6 "Head/tail ...
// Root trace head stores the trace number to a VM state field and adjusts
// the stack pointer").
//
// Intended final assembly order (code below calls Builder in reverse):
//  1. mov scratch, traceNo
//  2. mov [global.vmstate], scratch   (store the trace number as the new VM state)
//  3. mov scratch, frameSize          (scratch is now free to reuse)
//  4. sub rsp, scratch
func (s *AsmState) EmitRootHead(traceNo uint32, frameSize int64, scratch regalloc.RealReg) {
	s.bld.RegReg(amd64.SUBQ, scratch, regalloc.RSP)     // step 4, queued first
	s.bld.MovConstToReg(true, frameSize, scratch)       // step 3
	s.bld.StoreMem(amd64.MOVL, scratch, regalloc.RealRegInvalid, int64(s.hooks.Global.VMState), regalloc.RealRegInvalid, 1) // step 2
	s.bld.MovConstToReg(false, int64(traceNo), scratch) // step 1, queued last
}

// SlotWrite names one interpreter stack slot the trace tail writes back,
// in the order EmitTail's last-snapshot walk visits them.
type SlotWrite struct {
	Slot uint16
	Ref  ir.Ref
}

// EmitTail lowers the trace tail (spec §4.4.6 "Tail writes back all
// modified slots to the interpreter stack in the last-snapshot order,
// nils out newly added frame slots, and either jumps to a linked trace's
// entry or to the VM interpreter"). writeBack and nilSlots are given in
// the order they should execute; linkedEntry is the target trace's own
// first-instruction code pointer, or zero to fall through to
// vm_exit_interp.
func (s *AsmState) EmitTail(writeBack []SlotWrite, nilSlots []uint16, linkedEntry uintptr, scratch regalloc.RealReg) {
	target := linkedEntry
	if target == 0 {
		target = uintptr(s.hooks.VMExitInterp)
	}
	s.bld.JumpAddr(target, scratch) // queued first: executes last

	for i := len(nilSlots) - 1; i >= 0; i-- {
		slot := nilSlots[i]
		s.bld.StoreMem(amd64.MOVQ, scratch, regalloc.RSP, int64(slot)*8, regalloc.RealRegInvalid, 1)
		s.bld.MovConstToReg(true, int64(ir.TagNil), scratch)
	}
	for i := len(writeBack) - 1; i >= 0; i-- {
		w := writeBack[i]
		reg, ok := s.regOf(w.Ref)
		if !ok {
			if slot, spilled := s.spillOf[w.Ref]; spilled {
				s.bld.StoreMem(amd64.MOVQ, scratch, regalloc.RSP, int64(w.Slot)*8, regalloc.RealRegInvalid, 1)
				s.loadSpill(w.Ref, scratch, slot)
			}
			continue
		}
		s.bld.StoreMem(amd64.MOVQ, reg, regalloc.RSP, int64(w.Slot)*8, regalloc.RealRegInvalid, 1)
	}
}

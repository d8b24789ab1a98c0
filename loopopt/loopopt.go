// Package loopopt implements the copy-substitution loop optimizer (spec
// §4.3): it rewrites a recorded trace's pre-roll into pre-roll → LOOP →
// variant body → PHIs, instead of performing classical loop-invariant code
// motion, so that every guard's control dependency is preserved for free.
package loopopt

import (
	"github.com/traceforge/tracecore/internal/pool"
	"github.com/traceforge/tracecore/ir"
	"github.com/traceforge/tracecore/jitconfig"
	"github.com/traceforge/tracecore/joberr"
)

// maxPHI bounds the number of PHI candidates one job may collect, mirroring
// the original source's LJ_MAX_PHI.
const maxPHI = 64

// RetryError wraps a Recordable cause (TYPE_INSTABILITY or
// GUARD_ALWAYS_FAILS) after Run has already rolled the buffer back to its
// pre-LOOP state. Callers should resume recording — typically by continuing
// to trace bytecode — rather than treat this as a hard failure.
type RetryError struct {
	Cause error
}

func (e *RetryError) Error() string {
	return "loopopt: rolled back, continue recording: " + e.Cause.Error()
}

func (e *RetryError) Unwrap() error { return e.Cause }

// substTable is the ref -> ref map of spec §4.3's substitution table,
// allocated from a scratch pool.Pool the way the original source borrows the
// VM's temp string buffer for the same purpose. Indexing is by offset from
// base (the first real pre-roll ref); any ref below base — a constant, or
// the fixed stack-base ref — is outside the table's domain and maps to
// itself, which is exactly the "base-register ref maps to itself"
// initialization the spec calls for.
type substTable struct {
	slots pool.Pool[ir.Ref]
	base  ir.Ref
}

func newSubstTable(base ir.Ref, n int) *substTable {
	t := &substTable{slots: pool.New[ir.Ref](), base: base}
	for i := 0; i < n; i++ {
		*t.slots.Allocate() = ir.RefInvalid
	}
	return t
}

func (t *substTable) get(ref ir.Ref) ir.Ref {
	idx := int(ref - t.base)
	if ref.IsConst() || idx < 0 || idx >= t.slots.Allocated() {
		return ref
	}
	return *t.slots.View(idx)
}

func (t *substTable) set(ref, to ir.Ref) {
	*t.slots.View(int(ref - t.base)) = to
}

// Run optimizes the trace recorded in b (spec §4.3). lowRef bounds where
// this job's own recorded pre-roll begins — ir.RefFirst for a root trace,
// or runtimeabi.RecordingInput.LowRef for a side trace sharing a buffer
// with parent context that must not itself be re-walked. pc is the
// starting bytecode PC, used only to annotate any propagated error with
// the penalty counter it should bump. unrollBudget is decremented on a
// Recordable rollback and must not go negative across repeated calls for
// one trace.
//
// On success b is left holding pre-roll → LOOP → body → PHIs and Run
// returns nil. On a Recordable failure (TYPE_INSTABILITY,
// GUARD_ALWAYS_FAILS) with unroll budget remaining, b is rolled back to its
// pre-LOOP state and Run returns a *RetryError — the caller should resume
// recording rather than abandon the trace. Any other error, or a
// Recordable failure with no budget left, propagates as-is.
func Run(b *ir.Buffer, cfg jitconfig.Config, pc uint64, lowRef ir.Ref, unrollBudget *int) error {
	loopAt := b.NextRef()

	err := joberr.Protected(nil, func() error {
		run(b, cfg, pc, lowRef, loopAt)
		return nil
	})
	if err == nil {
		return nil
	}
	if joberr.Recordable(err) && *unrollBudget > 0 {
		*unrollBudget--
		b.Rollback(loopAt)
		return &RetryError{Cause: err}
	}
	return err
}

// run performs the five steps of §4.3 in order, throwing a *joberr.JobError
// through the enclosing Protected call on any failure rather than returning
// one, the same control-flow shape the original source's longjmp-based
// lj_trace_err gives loop_unroll. preLow is where this job's own pre-roll
// begins; invar is where it ends and LOOP is about to land — every ref in
// [preLow, invar) was recorded before LOOP and is the pre-roll the walk
// below re-emits as the loop's variant body.
func run(b *ir.Buffer, cfg jitconfig.Config, pc uint64, preLow, invar ir.Ref) {
	preSnaps := b.Snapshots()
	if 2*len(preSnaps)-2 > int(cfg.MaxSnap) {
		joberr.Throw(pc, joberr.ErrSnapOverflow)
	}

	// Step 1: LOOP separates pre-roll from body.
	b.Fold(ir.OpLoop, ir.TagNil.WithGuard(), ir.RefInvalid, ir.RefInvalid)

	if len(preSnaps) == 0 {
		// No snapshots recorded: nothing to copy-substitute, no loop-carried
		// state to track. The LOOP guard alone is a legitimate (if useless)
		// trace; leave it as-is.
		return
	}

	// The last pre-roll snapshot is the loop snapshot: it names the values
	// live on entry to a (possibly not-first) iteration, and backstops any
	// stack slot a later snapshot leaves unmapped (dead in the body).
	loopSnap := &preSnaps[len(preSnaps)-1]

	subst := newSubstTable(preLow, int(invar-preLow))

	var phi []ir.Ref
	guardEmitted := false

	// Start substitution at snapshot #1; #0 is always empty for a root
	// trace and carries nothing worth copying.
	snapIdx := 1
	if snapIdx > len(preSnaps)-1 {
		snapIdx = len(preSnaps) // nothing to copy for this trace.
	}
	dupCount := 0

	for ref := preLow; ref < invar; ref++ {
		if snapIdx < len(preSnaps) && ref >= preSnaps[snapIdx].Ref {
			src := &preSnaps[snapIdx]
			remap := func(e ir.SnapEntry) ir.Ref {
				r := e.Ref()
				if r == ir.RefInvalid {
					if lr, ok := loopSnapRefForSlot(loopSnap, e.Slot()); ok {
						return lr
					}
					return r
				}
				if r.IsConst() {
					return r
				}
				return subst.get(r)
			}
			if guardEmitted {
				b.DuplicateSnapshot(src, remap)
			} else {
				b.OverwriteLastSnapshot(src, remap)
			}
			guardEmitted = false
			dupCount++
			snapIdx++
		}

		ins := b.Get(ref)
		op1, op2 := ins.Op1, ins.Op2
		if !op1.IsConst() {
			op1 = subst.get(op1)
		}
		if !op2.IsConst() {
			op2 = subst.get(op2)
		}

		if ins.Op.Kind() == ir.KindNormal && op1 == ins.Op1 && op2 == ins.Op2 {
			subst.set(ref, ref)
			continue
		}

		origType := ins.T
		newRef := b.Fold(ins.Op, origType.ClearPhi(), op1, op2)
		subst.set(ref, newRef)

		if ins.Op.IsGuard() {
			guardEmitted = true
		}

		if newRef != ref && newRef < ref && !newRef.IsConst() {
			newIns := b.Get(newRef)
			if !newIns.T.IsPhi() && !newIns.T.IsPrimitive() {
				newIns.T = newIns.T.WithPhi()
				if len(phi) >= maxPHI {
					joberr.Throw(pc, joberr.ErrPhiOverflow)
				}
				phi = append(phi, newRef)
			}
			if !origType.SameType(newIns.T) {
				if origType.IsFloat() && newIns.T.IsInteger() {
					conv := b.Fold(ir.OpToNum, origType.Tag(), newRef, ir.RefInvalid)
					subst.set(ref, conv)
				} else if !(origType.IsInteger() && newIns.T.IsInteger()) {
					joberr.Throw(pc, joberr.ErrTypeInstability)
				}
			}
		}
	}

	if guardEmitted {
		// A guard followed the last duplicate: it stands as a real snapshot.
	} else if dupCount > 0 {
		b.DiscardLastSnapshot()
	}

	emitPHIs(b, subst, phi, loopSnap, pc)
}

// loopSnapRefForSlot finds the ref the loop snapshot records for slot, used
// to backstop a later snapshot's dead (ref-less) slots.
func loopSnapRefForSlot(loopSnap *ir.Snapshot, slot uint8) (ir.Ref, bool) {
	for _, e := range loopSnap.Entries {
		if e.Slot() == slot {
			return e.Ref(), true
		}
	}
	return ir.RefInvalid, false
}

// emitPHIs runs §4.3 step 5's three marking sweeps and emits a PHI for
// every surviving candidate, below the loop body. loopSnap is the pre-roll's
// final snapshot (the loop-carried state on entry to a later iteration); it
// is nil only when run has no loop snapshot to pass in (never the case once
// a job has at least one pre-roll snapshot, see run above).
func emitPHIs(b *ir.Buffer, subst *substTable, phi []ir.Ref, loopSnap *ir.Snapshot, pc uint64) {
	// Pass 1: mark redundant and potentially redundant candidates. A
	// candidate is redundant outright if substitution left it unchanged, or
	// it collapsed to RefDrop; otherwise it needs pass 2 unless the body
	// instruction it maps to references it directly (a simple recurrence).
	needsPass2 := false
	for _, lref := range phi {
		rref := subst.get(lref)
		ins := b.Get(lref)
		if lref == rref || rref == ir.RefDrop {
			ins.T = ins.T.WithMark()
			continue
		}
		if rref.IsConst() || !(b.Get(rref).Op1 == lref || b.Get(rref).Op2 == lref) {
			ins.T = ins.T.WithMark()
			needsPass2 = true
		}
	}

	// Pass 2: walk the variant body back to front, clearing the mark on
	// every ref it actually uses as an operand — those are genuinely
	// variant and must keep their PHI.
	if needsPass2 {
		clearMarkOperands(b, loopRefOf(b))
	}

	// Pass 3: add PHIs for loop snapshot slots whose substitution changed
	// but were never collected as a candidate by the operand-substitution
	// walk in run — a value the loop carries only through the snapshot map
	// (read back by a side exit, never by a later body instruction) still
	// needs its PHI, or a resumed trace would see the pre-roll's value
	// forever instead of the updated one.
	if loopSnap != nil {
		for _, e := range loopSnap.Entries {
			lref := e.Ref()
			if lref == ir.RefInvalid || lref.IsConst() {
				continue
			}
			rref := subst.get(lref)
			if rref == lref {
				continue
			}
			if alreadyCandidate(phi, lref) {
				continue
			}
			ins := b.Get(lref)
			if ins.T.IsPhi() || ins.T.IsPrimitive() {
				continue
			}
			ins.T = ins.T.WithPhi()
			if len(phi) >= maxPHI {
				joberr.Throw(pc, joberr.ErrPhiOverflow)
			}
			phi = append(phi, lref)
		}
	}

	// Pass 4: emit a PHI for every still-unmarked candidate, or finish
	// eliminating the marked ones.
	invar := loopRefOf(b)
	for _, lref := range phi {
		ins := b.Get(lref)
		if !ins.T.IsMarked() {
			rref := subst.get(lref)
			if rref.IsInstruction() && rref > invar {
				b.Get(rref).T = b.Get(rref).T.WithPhi()
			}
			b.Fold(ir.OpPhi, ins.T, lref, rref)
		} else {
			ins.T = ins.T.ClearMark()
			ins.T = ins.T.ClearPhi()
		}
	}
}

// alreadyCandidate reports whether lref is already present in phi, so pass 3
// does not double-add a candidate the main walk already collected.
func alreadyCandidate(phi []ir.Ref, lref ir.Ref) bool {
	for _, p := range phi {
		if p == lref {
			return true
		}
	}
	return false
}

// loopRefOf returns the ref of the most recently emitted LOOP instruction,
// the boundary pass 2 and pass 4 use to tell pre-roll from body.
func loopRefOf(b *ir.Buffer) ir.Ref {
	for ref := b.NextRef() - 1; ref >= ir.RefFirst; ref-- {
		if b.Get(ref).Op == ir.OpLoop {
			return ref
		}
	}
	return ir.RefFirst
}

// clearMarkOperands walks every instruction after invar and clears the MARK
// flag on any non-constant operand it references directly.
func clearMarkOperands(b *ir.Buffer, invar ir.Ref) {
	for ref := b.NextRef() - 1; ref > invar; ref-- {
		ins := b.Get(ref)
		if !ins.Op1.IsConst() && ins.Op1 != ir.RefInvalid {
			b.Get(ins.Op1).T = b.Get(ins.Op1).T.ClearMark()
		}
		if !ins.Op2.IsConst() && ins.Op2 != ir.RefInvalid {
			b.Get(ins.Op2).T = b.Get(ins.Op2).T.ClearMark()
		}
	}
}


package trace

import (
	"fmt"

	"github.com/traceforge/tracecore/asm"
	"github.com/traceforge/tracecore/asm/regalloc"
	"github.com/traceforge/tracecore/asm/x86"
	"github.com/traceforge/tracecore/ir"
	"github.com/traceforge/tracecore/jitconfig"
	"github.com/traceforge/tracecore/joberr"
	"github.com/traceforge/tracecore/loopopt"
	"github.com/traceforge/tracecore/mcode"
	"github.com/traceforge/tracecore/runtimeabi"
)

// maxRealignRetries bounds the backward walk's realign-and-restart loop,
// mirroring asm's own unexported maxRealign — duplicated here rather than
// imported because the cap belongs to AsmState's internal bookkeeping, not
// to trace.Compile's public surface.
const maxRealignRetries = 8

// finalizeScratchGP is the register Builder.Finalize uses for its own
// immediate-materialization housekeeping while assembling a real trace's
// body, distinct from the exit-stub trampolines' finalizeScratch so a
// guard's GuardToAddr call (which itself clobbers a caller-chosen scratch)
// never collides with it.
const finalizeScratchGP = regalloc.R10

// CompileJob bundles everything Compile needs for one trace (spec §6
// "Consumed from the recorder" plus the arena/table plumbing that lets a
// job install and link its own result).
type CompileJob struct {
	Input runtimeabi.RecordingInput
	Hooks runtimeabi.RuntimeHooks
	Cfg   jitconfig.Config

	Arena *mcode.Arena
	Table *Table

	// FrameSize is the stack-pointer adjustment EmitRootHead bakes into a
	// root trace's head (spec §4.4.6 "adjusts the stack pointer"); side
	// traces inherit their parent's frame and pass zero.
	FrameSize int64

	// LinkedEntry, when non-zero, is another already-compiled trace's
	// entry point this trace's tail should jump straight into instead of
	// falling through to the interpreter.
	LinkedEntry uintptr

	// IsLoop reports whether the recorder closed this trace back onto its
	// own start PC, rather than bailing out to a side exit, an NYI op, or
	// simply falling off the end. That decision is the recorder's alone
	// (§1 Non-goals keeps recording out of this package), so it has to
	// cross the boundary as a field rather than be inferred here: nothing
	// in Buffer distinguishes "never got the chance to loop" from "chose
	// not to."
	IsLoop bool
}

// Compile runs the loop optimizer and then the backward single-pass
// assembler over one recorded trace, installs the result in job.Table, and
// returns it (spec §4 end-to-end: optimize, then assemble backward).
//
// loopopt.Run only runs when job.IsLoop and job.Cfg.OptLoop both hold: a
// trace the recorder never closed into a loop has no pre-roll to
// copy-substitute, and one the embedder has opted out of loop optimization
// for is assembled exactly as recorded, one shot, the same way LJ_F_OPT_LOOP
// disabled skips lj_opt_loop for a closing trace in the original source.
// Either way loopopt adds no OpLoop marker, so unless the recorded buffer
// already holds one, assembleOnce's hasLoop scan takes the tail-exit path
// below instead.
//
// A *loopopt.RetryError is returned unwrapped: the spec's unroll budget is
// a property of recording, not assembly, so the recorder (not this
// function) decides whether to keep tracing or give up.
func Compile(job CompileJob) (*Record, error) {
	buf := job.Input.Buffer

	if job.IsLoop && job.Cfg.OptLoop {
		unrollBudget := int(job.Cfg.LoopUnroll)
		if err := loopopt.Run(buf, job.Cfg, job.Input.StartPC, job.Input.LowRef, &unrollBudget); err != nil {
			return nil, err
		}
	}

	traceNo := job.Table.Reserve()

	var rec *Record
	var lastErr error
	for attempt := 0; attempt < maxRealignRetries; attempt++ {
		r, err := assembleOnce(job, buf, traceNo)
		if err == nil {
			rec = r
			break
		}
		lastErr = err
		if !isRealignRetry(err) {
			return nil, err
		}
	}
	if rec == nil {
		return nil, fmt.Errorf("trace: compile: exceeded %d realign retries: %w", maxRealignRetries, lastErr)
	}

	if err := job.Table.Install(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// realignRetry signals assembleOnce hit AsmState.RequestRealign and should
// be retried from scratch, per spec §4.4.7's Asm -> Asm transition.
type realignRetry struct{ cause error }

func (e *realignRetry) Error() string { return "trace: realign requested: " + e.cause.Error() }
func (e *realignRetry) Unwrap() error { return e.cause }

func isRealignRetry(err error) bool {
	_, ok := err.(*realignRetry)
	return ok
}

// assembleOnce drives one full attempt of the backward walk: build the
// exit-stub group, walk refs from last to first dispatching each live
// instruction to the matching AsmState emission call, seal the loop back
// edge or the tail, and commit the result into the arena.
func assembleOnce(job CompileJob, buf *ir.Buffer, traceNo uint32) (*Record, error) {
	snaps := buf.Snapshots()
	if len(snaps) > exitsPerGroup {
		return nil, fmt.Errorf("trace: compile: %d snapshots exceeds the single stub group this build supports (%d)", len(snaps), exitsPerGroup)
	}
	stubs, err := BuildStubGroup(job.Arena, job.Hooks, traceNo, max(1, len(snaps)))
	if err != nil {
		return nil, err
	}

	snapByRef := make(map[ir.Ref]*ir.Snapshot, len(snaps))
	for i := range snaps {
		snapByRef[snaps[i].Ref] = &snaps[i]
	}

	hasLoop := false
	var phiPairs []asm.PhiPair
	for ref := ir.RefFirst; ref < buf.NextRef(); ref++ {
		ins := buf.Get(ref)
		switch ins.Op {
		case ir.OpLoop:
			hasLoop = true
		case ir.OpPhi:
			phiPairs = append(phiPairs, asm.PhiPair{Left: ins.Op1, Right: ins.Op2})
		}
	}

	live := computeLive(buf, snaps)

	state := asm.New(buf, job.Hooks, job.Cfg)
	state.SetExitStubs(job.Arena, stubs)
	state.EnterPhase(asm.PhaseRecording)
	state.EnterPhase(asm.PhaseStart)
	state.EnterPhase(asm.PhaseEnd)
	state.EnterPhase(asm.PhaseAsm)

	bld := state.Builder()
	allow := regalloc.GPRegs | regalloc.XMMRegs

	var loopLabel *x86.Label
	if hasLoop {
		loopLabel = x86.NewLabel()
		// These three calls all belong at the high-offset end of the trace,
		// after the body: the back edge itself, the GC step check, and the
		// PHI shuffle that reconciles the loop's carried values. Builder.queue
		// replays last-appended-first, so queuing JumpToLabel first puts the
		// back edge at the very end, GCCheck next, and PHIShuffle — called
		// last here — lands just after the body, right where the iteration's
		// bookkeeping begins.
		bld.JumpToLabel(loopLabel)
		if err := state.GCCheck(liveRefs(live), finalizeScratchGP); err != nil {
			return nil, err
		}
		if err := state.PHIShuffle(phiPairs, finalizeScratchGP); err != nil {
			return nil, err
		}
	} else {
		writeBack, nilSlots := tailWrites(buf, snaps)
		state.EmitTail(writeBack, nilSlots, job.LinkedEntry, finalizeScratchGP)
	}

	for ref := buf.NextRef() - 1; ref >= ir.RefFirst; ref-- {
		ins := buf.Get(ref)
		idx := int(ref - ir.RefFirst)
		if !live[idx] {
			continue
		}

		switch {
		case ins.Op == ir.OpBase:
			state.EmitRootHead(traceNo, job.FrameSize, finalizeScratchGP)

		case ins.Op == ir.OpLoop:
			// Only the loop-entry label itself belongs here: it marks the
			// point the back edge jumps to, which must sit at the LOW-offset
			// side of the body (the GCCheck/PHIShuffle/back-edge trio queued
			// above already claimed the high-offset side, right after the
			// body, for the same reason).
			state.SetSectionBase(ref)
			bld.MarkBackEdge(loopLabel)
			if snap, ok := snapByRef[ref]; ok {
				if err := state.SnapPrep(snap); err != nil {
					return nil, err
				}
			}

		case ins.Op == ir.OpPhi:
			// Collected above; no code of its own.

		case ins.Op == ir.OpAdd:
			if err := state.EmitAdd(ref, ins.Op1, ins.Op2, allow); err != nil {
				return nil, err
			}

		case ins.Op.IsGuardedCompare():
			snap, ok := snapByRef[ref]
			if !ok {
				return nil, fmt.Errorf("trace: compile: guarded compare at ref %d has no snapshot", ref)
			}
			// EmitGuardedCompare must be called before SnapPrep, not
			// after: SnapPrep's recovery spills/loads need to land
			// ahead of the compare in final bytes, and this file's
			// queueing convention places whatever is called LAST in
			// source FIRST in final bytes.
			cc := asm.GuardFromOpcode(ins.Op)
			state.GuardCC(cc, snap, finalizeScratchGP)
			if err := state.EmitGuardedCompare(ins.Op1, ins.Op2, allow); err != nil {
				return nil, err
			}
			if err := state.SnapPrep(snap); err != nil {
				return nil, err
			}

		case ins.Op == ir.OpHRef:
			if err := state.EmitHRef(ref, ins.Op1, ins.Op2, allow, job.Cfg.PreferIMUL, nil, finalizeScratchGP); err != nil {
				return nil, err
			}

		case ins.Op == ir.OpHRefK:
			// HREFK guards on the known key's slot still matching what
			// recording observed (mode.go's guard bit for this opcode),
			// unlike the plain hash-probe HREF above.
			snap, ok := snapByRef[ref]
			if !ok {
				return nil, fmt.Errorf("trace: compile: HREFK at ref %d has no snapshot", ref)
			}
			if err := state.EmitHRef(ref, ins.Op1, ins.Op2, allow, job.Cfg.PreferIMUL, snap, finalizeScratchGP); err != nil {
				return nil, err
			}
			if err := state.SnapPrep(snap); err != nil {
				return nil, err
			}

		case ins.Op == ir.OpAddOv, ins.Op == ir.OpSubOv:
			// Overflow-checked arithmetic (spec §4.4.6): reuse the plain
			// adder/subtracter and guard on the hardware overflow flag the
			// instruction itself sets, the same trick EmitGuardedCompare's
			// caller plays for the comparison opcodes above — GuardCC is
			// called before the Emit call so its jcc lands after the
			// arithmetic in final bytes.
			snap, ok := snapByRef[ref]
			if !ok {
				return nil, fmt.Errorf("trace: compile: overflow-checked op at ref %d has no snapshot", ref)
			}
			state.GuardCC(asm.CCOverflow, snap, finalizeScratchGP)
			var arithErr error
			if ins.Op == ir.OpAddOv {
				arithErr = state.EmitAdd(ref, ins.Op1, ins.Op2, allow)
			} else {
				arithErr = state.EmitSub(ref, ins.Op1, ins.Op2, allow)
			}
			if arithErr != nil {
				return nil, arithErr
			}
			if err := state.SnapPrep(snap); err != nil {
				return nil, err
			}

		case ins.Op == ir.OpSub:
			if err := state.EmitSub(ref, ins.Op1, ins.Op2, allow); err != nil {
				return nil, err
			}

		case ins.Op == ir.OpMul:
			if err := state.EmitMul(ref, ins.Op1, ins.Op2, allow); err != nil {
				return nil, err
			}

		case ins.Op == ir.OpDiv:
			if err := state.EmitDiv(ref, ins.Op1, ins.Op2, allow); err != nil {
				return nil, err
			}

		case ins.Op == ir.OpNeg:
			if err := state.EmitNeg(ref, ins.Op1, allow); err != nil {
				return nil, err
			}

		case ins.Op == ir.OpAbs:
			if err := state.EmitAbs(ref, ins.Op1, allow, finalizeScratchGP); err != nil {
				return nil, err
			}

		case ins.Op == ir.OpMin, ins.Op == ir.OpMax:
			if err := state.EmitMinMax(ref, ins.Op1, ins.Op2, allow, ins.Op == ir.OpMax); err != nil {
				return nil, err
			}

		case ins.Op == ir.OpBAnd, ins.Op == ir.OpBOr, ins.Op == ir.OpBXor:
			if err := state.EmitBitwise(ref, ins.Op, ins.Op1, ins.Op2, allow); err != nil {
				return nil, err
			}

		case ins.Op == ir.OpBNot:
			if err := state.EmitBNot(ref, ins.Op1, allow); err != nil {
				return nil, err
			}

		case ins.Op == ir.OpBSwap:
			if err := state.EmitBSwap(ref, ins.Op1, allow); err != nil {
				return nil, err
			}

		case ins.Op == ir.OpBShl, ins.Op == ir.OpBShr, ins.Op == ir.OpBSar,
			ins.Op == ir.OpBRol, ins.Op == ir.OpBRor:
			if err := state.EmitShift(ref, ins.Op, ins.Op1, ins.Op2, allow); err != nil {
				return nil, err
			}

		case ins.Op.IsLoad():
			if err := state.EmitLoad(ref, *ins, allow); err != nil {
				return nil, err
			}

		case ins.Op.IsStore():
			if err := state.EmitStore(*ins, allow); err != nil {
				return nil, err
			}

		case ins.Op == ir.OpARef:
			if err := state.EmitARef(ref, ins.Op1, ins.Op2, allow); err != nil {
				return nil, err
			}

		case ins.Op == ir.OpFRef:
			if err := state.EmitFRef(ref, ins.Op1, ins.Op2, allow); err != nil {
				return nil, err
			}

		case ins.Op == ir.OpStrRef:
			if err := state.EmitStrRef(ref, ins.Op1, ins.Op2, allow); err != nil {
				return nil, err
			}

		case ins.Op == ir.OpURefC:
			if err := state.EmitURefC(ref, ins.Op2, allow); err != nil {
				return nil, err
			}

		case ins.Op == ir.OpURefO:
			// May or may not carry a guard snapshot; EmitURefO treats a nil
			// fusedGuard as "no re-validation needed this access."
			snap := snapByRef[ref]
			if err := state.EmitURefO(ref, ins.Op1, ins.Op2, allow, snap, finalizeScratchGP); err != nil {
				return nil, err
			}
			if snap != nil {
				if err := state.SnapPrep(snap); err != nil {
					return nil, err
				}
			}

		case ins.Op == ir.OpNewRef:
			if err := state.EmitNewRef(ref, ins.Op1, ins.Op2, allow, finalizeScratchGP); err != nil {
				return nil, err
			}

		case ins.Op == ir.OpTNew:
			if err := state.EmitTNew(ref, ins.Op1, ins.Op2, allow, finalizeScratchGP); err != nil {
				return nil, err
			}

		case ins.Op == ir.OpTDup:
			if err := state.EmitTDup(ref, ins.Op1, allow, finalizeScratchGP); err != nil {
				return nil, err
			}

		case ins.Op == ir.OpTLen:
			if err := state.EmitTLen(ref, ins.Op1, allow, finalizeScratchGP); err != nil {
				return nil, err
			}

		case ins.Op == ir.OpTBar:
			if err := state.EmitTBar(ins.Op1, allow, finalizeScratchGP); err != nil {
				return nil, err
			}

		case ins.Op == ir.OpOBar:
			if err := state.EmitOBar(ins.Op1, ins.Op2, allow, finalizeScratchGP); err != nil {
				return nil, err
			}

		case ins.Op == ir.OpSNew:
			if err := state.EmitSNew(ref, ins.Op1, ins.Op2, allow, finalizeScratchGP); err != nil {
				return nil, err
			}

		case ins.Op == ir.OpToNum:
			if err := state.EmitToNum(ref, ins.Op1, allow); err != nil {
				return nil, err
			}

		case ins.Op == ir.OpToInt:
			if err := state.EmitToInt(ref, ins.Op1, allow); err != nil {
				return nil, err
			}

		case ins.Op == ir.OpToBit:
			if err := state.EmitToBit(ref, ins.Op1, ins.Op2, allow); err != nil {
				return nil, err
			}

		case ins.Op == ir.OpToStr:
			if err := state.EmitToStr(ref, ins.Op1, allow, finalizeScratchGP); err != nil {
				return nil, err
			}

		case ins.Op == ir.OpStrTo:
			snap, ok := snapByRef[ref]
			if !ok {
				return nil, fmt.Errorf("trace: compile: STRTO at ref %d has no snapshot", ref)
			}
			// GuardCC is called before EmitStrTo, not after: this file's
			// queueing convention places whatever is called LAST in source
			// FIRST in final bytes, and the guard jcc must land after the
			// TEST EmitStrTo itself queues.
			state.GuardCC(asm.CCEqual, snap, finalizeScratchGP)
			if err := state.EmitStrTo(ref, ins.Op1, allow, finalizeScratchGP); err != nil {
				return nil, err
			}
			if err := state.SnapPrep(snap); err != nil {
				return nil, err
			}

		default:
			return nil, &joberr.JobError{Err: joberr.ErrNYIIROp, PC: job.Input.StartPC}
		}
	}

	code, err := bld.Finalize(finalizeScratchGP)
	if err != nil {
		return nil, err
	}

	if at, pending := state.PendingRealign(); pending {
		state.ClearRealign()
		return nil, &realignRetry{cause: fmt.Errorf("trace: compile: realign at offset %d", at)}
	}

	entry, err := commitCode(job.Arena, code)
	if err != nil {
		return nil, err
	}
	state.EnterPhase(asm.PhaseIdle)

	rec := &Record{
		No:            traceNo,
		Buffer:        buf,
		LowRef:        job.Input.LowRef,
		HighRef:       job.Input.HighRef,
		Snapshots:     snaps,
		Entry:         entry,
		Size:          len(code),
		StackAdjust:   job.FrameSize,
		StubGroup:     stubs,
		ParentTraceNo: job.Input.ParentTraceNo,
		ParentExitNo:  job.Input.ParentExitNo,
	}
	if hasLoop {
		rec.Kind = LinkSelf
		rec.LoopEntryOffset = loopLabel.Offset()
	} else if job.LinkedEntry != 0 {
		rec.Kind = LinkTrace
	} else {
		rec.Kind = LinkToInterpreter
	}
	return rec, nil
}

// commitCode copies code into the arena's current top-down prefix and
// lowers top past it, the trace-code counterpart to WriteStubs/ReserveStubs
// for the bottom-up stub allocator: internal/asm/amd64.Assembler always
// assembles into a fresh, forward-growing node list of its own (Finalize
// returns the finished slice), so the backward-single-pass illusion spec
// §4.4 describes is realized here as assemble-then-place rather than
// encode-directly-into-the-shrinking-buffer.
func commitCode(arena *mcode.Arena, code []byte) (mcode.CodePtr, error) {
	region, err := arena.Reserve()
	if err != nil {
		return mcode.CodePtr{}, err
	}
	top := len(region)
	if len(code) > top {
		return mcode.CodePtr{}, arena.HandleLimit(len(code))
	}
	newTop := top - len(code)
	copy(region[newTop:top], code)
	if err := arena.Commit(newTop); err != nil {
		return mcode.CodePtr{}, err
	}
	return arena.HeadPtr(newTop), nil
}

// tailWrites builds EmitTail's writeBack/nilSlots arguments from the
// trace's last snapshot — the interpreter-stack picture a non-looping
// trace leaves behind when it falls off the end (spec §4.4.6 "Tail writes
// back all modified slots ... in the last-snapshot order").
func tailWrites(buf *ir.Buffer, snaps []ir.Snapshot) ([]asm.SlotWrite, []uint16) {
	if len(snaps) == 0 {
		return nil, nil
	}
	last := &snaps[len(snaps)-1]
	var writeBack []asm.SlotWrite
	var nilSlots []uint16
	for _, e := range last.Entries {
		if e.IsDead() {
			continue
		}
		if e.IsFrameLink() {
			nilSlots = append(nilSlots, uint16(e.Slot()))
			continue
		}
		writeBack = append(writeBack, asm.SlotWrite{Slot: uint16(e.Slot()), Ref: e.Ref()})
	}
	return writeBack, nilSlots
}

// computeLive runs a single descending pass over buf marking every
// instruction a guard, store, PHI, or the loop/base markers depend on,
// transitively through Op1/Op2 — safe as a single backward sweep since refs
// only ever point at earlier refs (spec §3's DAG invariant). Instructions
// that end up unmarked are dead and assembleOnce skips them outright.
func computeLive(buf *ir.Buffer, snaps []ir.Snapshot) []bool {
	n := int(buf.NextRef() - ir.RefFirst)
	live := make([]bool, n)
	mark := func(ref ir.Ref) {
		if ref.IsInstruction() {
			live[int(ref-ir.RefFirst)] = true
		}
	}
	for i := range snaps {
		for _, e := range snaps[i].Entries {
			if !e.IsDead() {
				mark(e.Ref())
			}
		}
	}
	for ref := buf.NextRef() - 1; ref >= ir.RefFirst; ref-- {
		ins := buf.Get(ref)
		idx := int(ref - ir.RefFirst)
		// ins.Op.HasSideEffect() (kind >= Store, or the opcode is a guard by
		// construction per mode.go) covers every store, guarded compare,
		// guarded ref (HREFK, UREFO), overflow-checked add/sub, and STRTO in
		// one table lookup. It does NOT cover KindAlloc (TNEW/TDUP/SNEW):
		// mode.go's own SideEffect derivation is kind >= Store, and Alloc
		// sits below Store in the Kind enum despite allocating real runtime
		// objects, so allocations are marked live by their kind directly.
		// BASE/LOOP/PHI are also marked by hand since the assembler depends
		// on them as structural markers; of the three, only BASE is not
		// already side-effecting by that definition.
		sideEffect := ins.Op.HasSideEffect() || ins.Op.Kind() == ir.KindAlloc ||
			ins.Op == ir.OpBase || ins.Op == ir.OpLoop || ins.Op == ir.OpPhi
		if sideEffect {
			live[idx] = true
		}
		if live[idx] {
			mark(ins.Op1)
			mark(ins.Op2)
		}
	}
	return live
}

// liveRefs turns computeLive's boolean slice back into the ref list
// GCCheck wants to consider for eviction to a spill slot before the call
// into the GC step routine — GCCheck itself filters out anything that
// isn't currently a GC-traced type in a register, so over-including a few
// non-GC-object refs here costs nothing.
func liveRefs(live []bool) []ir.Ref {
	var refs []ir.Ref
	for i, l := range live {
		if l {
			refs = append(refs, ir.RefFirst+ir.Ref(i))
		}
	}
	return refs
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

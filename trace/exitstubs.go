package trace

import (
	"fmt"

	"github.com/traceforge/tracecore/asm/regalloc"
	"github.com/traceforge/tracecore/asm/x86"
	"github.com/traceforge/tracecore/internal/asm/amd64"
	"github.com/traceforge/tracecore/mcode"
	"github.com/traceforge/tracecore/runtimeabi"
)

// exitsPerGroup mirrors mcode's unexported constant of the same name — the
// two must agree, since an exit number's group/index split (ExitNo.GroupOf,
// ExitNo.IndexInGroup) is what a slot built here is addressed by.
const exitsPerGroup = 32

// dispatchStackOffset is the fixed stack slot spec §4.4.5 names: "the
// DISPATCH pointer is stored at a fixed stack offset so the exit handler
// can locate per-state tables". One slot below the return address the
// trace's own tail left on the stack.
const dispatchStackOffset = 8

// exitCarryReg and epilogueScratch are the two fixed registers an exit
// stub's slot and its group epilogue use to hand off state; neither is
// ever allocated to an IR value, since stubs run entirely outside any
// trace's own register allocation.
const (
	exitCarryReg    = regalloc.RAX
	epilogueScratch = regalloc.R11
	finalizeScratch = regalloc.R10
)

// BuildStubGroup assembles one group of up to exitsPerGroup exit stubs
// sharing a single epilogue trampoline (spec §4.4.5 "Exit stubs are
// emitted at the bottom of the reserved mcode area, in groups of 32").
//
// The original source packs this into two PUSH instructions: a stub pushes
// its own low byte, then falls through to a group epilogue that pushes the
// high byte and jumps to the VM exit handler, which later pops both off the
// native stack. The teacher's encoder (internal/asm/amd64) has no PUSH
// opcode — it was never needed for a WebAssembly backend that always
// carries values in registers or spills through its own frame slots — so
// this reconstructs the same handoff with what the encoder does have: each
// slot loads its own fully-reconstructed exit number into a fixed register
// instead of pushing a byte, and the epilogue reads the DISPATCH pointer
// out of global state and writes it to the fixed stack offset the exit
// handler expects, then jumps to vm_exit_handler with the exit number still
// sitting in that register.
func BuildStubGroup(arena *mcode.Arena, hooks runtimeabi.RuntimeHooks, groupNo uint32, count int) (mcode.StubGroup, error) {
	if count < 1 || count > exitsPerGroup {
		panic(fmt.Sprintf("trace: BuildStubGroup: count %d out of range", count))
	}

	stride, err := measure(func(b *x86.Builder) { queueSlot(b, groupNo, 0, 0) })
	if err != nil {
		return mcode.StubGroup{}, err
	}
	epilogueSize, err := measure(func(b *x86.Builder) { queueEpilogue(b, hooks) })
	if err != nil {
		return mcode.StubGroup{}, err
	}

	total := count*stride + epilogueSize
	base, err := arena.ReserveStubs(total)
	if err != nil {
		return mcode.StubGroup{}, err
	}
	epilogueAddr := base.Addr() + uintptr(count*stride)

	bld := x86.NewBuilder()
	// Final byte layout is slot(0), slot(1), ..., slot(count-1), epilogue —
	// matching StubGroup.Target's Base+idx*Stride addressing. Builder.queue
	// replays last-appended-first, so the epilogue (wanted last in the
	// bytes) is queued first, and slots are queued in descending index so
	// slot 0 — wanted first in the bytes — is queued last.
	queueEpilogue(bld, hooks)
	for i := count - 1; i >= 0; i-- {
		queueSlot(bld, groupNo, uint32(i), epilogueAddr)
	}

	code, err := bld.Finalize(finalizeScratch)
	if err != nil {
		return mcode.StubGroup{}, err
	}
	if len(code) != total {
		return mcode.StubGroup{}, fmt.Errorf("trace: exit stub group assembled to %d bytes, expected %d (non-uniform slot encoding)", len(code), total)
	}
	if err := arena.WriteStubs(base, code); err != nil {
		return mcode.StubGroup{}, err
	}

	return mcode.StubGroup{Base: base, Stride: stride, Count: count}, nil
}

// measure assembles a standalone probe through fn to learn its encoded
// length, since the real group needs every slot to share one uniform
// stride and the fixed-width MOV-immediate forms used throughout this file
// make that length independent of the actual group/exit/address values.
func measure(fn func(*x86.Builder)) (int, error) {
	probe := x86.NewBuilder()
	fn(probe)
	code, err := probe.Finalize(finalizeScratch)
	if err != nil {
		return 0, err
	}
	return len(code), nil
}

// queueSlot emits one exit's jump slot: load its fully-reconstructed exit
// number into exitCarryReg, then jump to the group's shared epilogue.
//
// Desired final order is (1) MOV exitCarryReg, exitNo (2) MOV
// epilogueScratch, epilogueAddr (3) JMP epilogueScratch. JumpAddr already
// queues (2)-(3) in the right relative order internally, so it is called
// first here (appended first, executes last); the MOV of the exit number
// is appended last so it executes first.
func queueSlot(bld *x86.Builder, groupNo, idx uint32, epilogueAddr uintptr) {
	exitNo := int64(groupNo*exitsPerGroup + idx)
	bld.JumpAddr(epilogueAddr, epilogueScratch)
	bld.MovConstToReg(true, exitNo, exitCarryReg)
}

// buildSlot assembles a single slot standalone, for PatchExit to rewrite a
// previously-written slot in place once its target changes (e.g. a side
// trace gets linked off the guard). Uses the exact same instruction shape
// as the slot built inside BuildStubGroup's group, so the result is always
// exactly one StubGroup.Stride bytes long.
func buildSlot(groupNo, idx uint32, epilogueAddr uintptr) ([]byte, error) {
	bld := x86.NewBuilder()
	queueSlot(bld, groupNo, idx, epilogueAddr)
	return bld.Finalize(finalizeScratch)
}

// queueEpilogue emits the trampoline shared by every slot in one group:
// read the DISPATCH pointer out of global state, write it to the fixed
// stack offset the exit handler reads it from, then jump to the VM exit
// handler — exitCarryReg is left untouched throughout, so the handler
// still finds the firing exit's number in it on entry.
//
// Desired final order is (1) MOV epilogueScratch, Dispatch-field-address
// (2) MOV epilogueScratch, [epilogueScratch] (3) MOV [rsp+off],
// epilogueScratch (4)-(5) JumpAddr's MOV-then-JMP to the VM exit handler.
// Queued in reverse, one call per step, so the replay produces that order.
func queueEpilogue(bld *x86.Builder, hooks runtimeabi.RuntimeHooks) {
	bld.JumpAddr(hooks.VMExitHandler, epilogueScratch)
	bld.StoreMem(amd64.MOVQ, epilogueScratch, regalloc.RSP, dispatchStackOffset, regalloc.RealRegInvalid, 1)
	bld.LoadMem(amd64.MOVQ, epilogueScratch, 0, regalloc.RealRegInvalid, 1, epilogueScratch)
	bld.MovConstToReg(true, int64(hooks.Global.Dispatch), epilogueScratch)
}

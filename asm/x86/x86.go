// Package x86 adapts the teacher's forward, node-list x86-64 encoder
// (internal/asm/amd64) to the shape the backward single-pass assembler in
// package asm needs (spec §4.4: "the assembler walks the IR from the last
// instruction back to the start, generating machine code from right to
// left").
//
// internal/asm/amd64.Assembler only ever appends to its own node list and
// resolves the whole list once, in forward order, inside Assemble. Builder
// bridges the gap: every call the backward walk makes queues a closure
// instead of calling the real encoder directly, in last-to-first program
// order; Finalize then replays the queue from last-queued to first-queued —
// i.e. first-to-last program order — against one real amd64.Assembler, so
// every jump target the teacher's node-list resolution (SetJumpTargetOnNext,
// the relativeJumpOpcodes short/long selection) already handles keeps
// working unmodified.
package x86

import (
	"fmt"

	"github.com/traceforge/tracecore/asm/regalloc"
	"github.com/traceforge/tracecore/internal/asm"
	"github.com/traceforge/tracecore/internal/asm/amd64"
)

// Reg converts a regalloc.RealReg into the amd64 package's asm.Register
// encoding. The two enumerations share one ordinal layout by construction
// (AX..DI, R8..R15, X0..X15 immediately following asm.NilRegister) so the
// conversion is a direct cast, not a lookup table — see DESIGN.md's asm/x86
// entry for the verification this relies on.
func Reg(r regalloc.RealReg) asm.Register { return asm.Register(r) }

// Scale is a fused memory operand's index multiplier; x86 ModRM SIB bytes
// only support these four values.
type Scale = int16

const (
	Scale1 Scale = 1
	Scale2 Scale = 2
	Scale4 Scale = 4
	Scale8 Scale = 8
)

// op is one queued instruction-emission step. It receives the real
// assembler at Finalize time, once replay order is known to match final
// program order, and may inspect/stash the asm.Node it creates (needed by
// label resolution, see Label).
type op func(amd64.Assembler)

// Label names a loop header or other back-edge target: an instruction the
// backward walk visits *after* (i.e. later than) the jump that targets it,
// since the jump sits later in program order than its own target. MarkLabel
// queues the target's marker first in replay order (queued last, by the
// walk reaching program-first instructions last); JumpToLabel's closure
// always replays afterward and finds lbl.node already populated.
type Label struct {
	node asm.Node
}

// Offset returns lbl's resolved byte offset within the code Finalize just
// produced, for recording a trace's loop-entry offset (spec §3 "loop-entry
// offset"). Only valid after Finalize has run.
func (lbl *Label) Offset() int {
	return int(lbl.node.OffsetInBinary())
}

// Builder accumulates one Assembler's worth of instructions in reverse
// program order and resolves them into final machine code at Finalize.
type Builder struct {
	ops []op
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder { return &Builder{} }

// queue appends fn to the pending list. Because the caller walks the IR
// backward, each successive queue call produces the instruction that
// precedes, in program order, everything queued so far — so replaying the
// list tail-to-head at Finalize yields head-to-tail (i.e. correct) program
// order.
func (b *Builder) queue(fn op) { b.ops = append(b.ops, fn) }

// Finalize replays every queued instruction, in program order, against a
// single fresh amd64.Assembler and resolves it to a final byte sequence.
// scratch names the temporary register the underlying encoder may use for
// its own housekeeping (large immediate materialization and the like).
func (b *Builder) Finalize(scratch regalloc.RealReg) ([]byte, error) {
	base, err := amd64.NewAssembler(Reg(scratch))
	if err != nil {
		return nil, fmt.Errorf("asm/x86: new assembler: %w", err)
	}
	a, ok := base.(amd64.Assembler)
	if !ok {
		return nil, fmt.Errorf("asm/x86: amd64.NewAssembler did not return an amd64.Assembler")
	}
	for i := len(b.ops) - 1; i >= 0; i-- {
		b.ops[i](a)
	}
	code, err := a.Assemble()
	if err != nil {
		return nil, fmt.Errorf("asm/x86: assemble: %w", err)
	}
	return code, nil
}

// MarkLabel queues a zero-byte marker at the current position —
// CompileStandAlone(NOP), which the teacher's own encoder elides to no
// bytes at all (impl.go's encodeNoneToNone: "case NOP: // Simply optimize
// out the NOP instructions") — and returns a Label bound to its node, so
// JumpToLabel can later target exactly this position (spec §4.4.6 "loop
// back edge", §4.4.5's loop-inversion merge target).
func (b *Builder) MarkLabel() *Label {
	lbl := &Label{}
	b.queue(func(a amd64.Assembler) {
		lbl.node = a.CompileStandAlone(amd64.NOP)
	})
	return lbl
}

// NewLabel returns an unbound Label for a loop back edge, where the jump
// site is reached before its target in the backward walk and so needs a
// Label to pass to JumpToLabel before MarkBackEdge has anything to bind.
func NewLabel() *Label {
	return &Label{}
}

// MarkBackEdge binds lbl to the current position, the loop-header
// counterpart to MarkLabel for a Label obtained from NewLabel rather than
// MarkLabel itself: the caller queues JumpToLabel(lbl) first (the back
// edge, reached earlier in the backward walk) and MarkBackEdge(lbl) later
// (the loop header itself, reached later in the same walk), so that by
// replay time — which runs in the opposite order from the walk — the
// header's node is already bound when the jump's closure resolves it.
func (b *Builder) MarkBackEdge(lbl *Label) {
	b.queue(func(a amd64.Assembler) {
		lbl.node = a.CompileStandAlone(amd64.NOP)
	})
}

// MovRegReg emits a register-to-register move. MOVQ's encoding already
// branches on each operand's register class (internal/asm/amd64/impl.go's
// registerToRegisterMOVOpcodes table has i2i/i2f/f2i/f2f opcode rows), so one
// mnemonic covers GPR-GPR, GPR-XMM and XMM-XMM moves alike, and no
// register-class parameter is needed.
func (b *Builder) MovRegReg(from, to regalloc.RealReg) {
	b.RegReg(amd64.MOVQ, from, to)
}

// MovConstToReg loads a 32-bit or 64-bit immediate into a GPR.
func (b *Builder) MovConstToReg(wide bool, value int64, to regalloc.RealReg) {
	instr := amd64.MOVL
	if wide {
		instr = amd64.MOVQ
	}
	b.queue(func(a amd64.Assembler) {
		a.CompileConstToRegister(instr, value, Reg(to))
	})
}

// LoadMem emits dst = [base + offset + index*scale], the fused memory-load
// form spec §4.4.3's fusers all eventually call through.
func (b *Builder) LoadMem(instr asm.Instruction, base regalloc.RealReg, offset int64, index regalloc.RealReg, scale Scale, dst regalloc.RealReg) {
	b.queue(func(a amd64.Assembler) {
		if index == regalloc.RealRegInvalid {
			a.CompileMemoryToRegister(instr, Reg(base), offset, Reg(dst))
		} else {
			a.CompileMemoryWithIndexToRegister(instr, Reg(base), offset, Reg(index), scale, Reg(dst))
		}
	})
}

// StoreMem emits [base + offset + index*scale] = src.
func (b *Builder) StoreMem(instr asm.Instruction, src regalloc.RealReg, base regalloc.RealReg, offset int64, index regalloc.RealReg, scale Scale) {
	b.queue(func(a amd64.Assembler) {
		if index == regalloc.RealRegInvalid {
			a.CompileRegisterToMemory(instr, Reg(src), Reg(base), offset)
		} else {
			a.CompileRegisterToMemoryWithIndex(instr, Reg(src), Reg(base), offset, Reg(index), scale)
		}
	})
}

// RegReg emits a generic two-register-operand instruction (ADDQ, SUBQ,
// ADDSD, CMPQ, ...).
func (b *Builder) RegReg(instr asm.Instruction, from, to regalloc.RealReg) {
	b.queue(func(a amd64.Assembler) {
		a.CompileRegisterToRegister(instr, Reg(from), Reg(to))
	})
}

// RegOnly emits a single-register-operand instruction whose other operand
// is implicit (IDIVQ/MULQ's RDX:RAX pair, NEGQ/NOTQ/BSWAPQ's in-place
// form).
func (b *Builder) RegOnly(instr asm.Instruction, reg regalloc.RealReg) {
	b.queue(func(a amd64.Assembler) {
		a.CompileRegisterToNone(instr, Reg(reg))
	})
}

// Standalone emits a zero-operand instruction (CDQ/CQO's sign extension).
func (b *Builder) Standalone(instr asm.Instruction) {
	b.queue(func(a amd64.Assembler) {
		a.CompileStandAlone(instr)
	})
}

// Lea3 emits the three-operand LEAQ form ADD's fast path uses: dst = base +
// index*scale + disp (spec §4.4.6 "try an lea-based 3-operand form").
func (b *Builder) Lea3(base regalloc.RealReg, disp int64, index regalloc.RealReg, scale Scale, dst regalloc.RealReg) {
	b.LoadMem(amd64.LEAQ, base, disp, index, scale, dst)
}

// TestRegReg emits TESTQ/TESTL reg,reg (the testmcp peephole's degraded
// comparison-against-zero form, spec §4.4.6).
func (b *Builder) TestRegReg(wide bool, reg regalloc.RealReg) {
	instr := amd64.TESTL
	if wide {
		instr = amd64.TESTQ
	}
	b.RegReg(instr, reg, reg)
}

// CmpRegReg emits CMPQ/CMPL reg,reg.
func (b *Builder) CmpRegReg(wide bool, lhs, rhs regalloc.RealReg) {
	instr := amd64.CMPL
	if wide {
		instr = amd64.CMPQ
	}
	b.RegReg(instr, lhs, rhs)
}

// JumpToLabel emits an unconditional jump whose target is lbl (a prior
// MarkLabel call, per the loop back-edge ordering described on Label).
func (b *Builder) JumpToLabel(lbl *Label) {
	b.queue(func(a amd64.Assembler) {
		n := a.CompileJump(amd64.JMP)
		n.AssignJumpTarget(lbl.node)
	})
}

// JumpCCToLabel emits a conditional jump (cc one of the amd64 Jcc
// mnemonics) whose target is lbl, the conditional counterpart to
// JumpToLabel — used for a guard that stays within one trace's own node
// list (an intra-trace loop-condition test) rather than GuardToAddr's
// cross-list exit-stub jump.
func (b *Builder) JumpCCToLabel(cc asm.Instruction, lbl *Label) {
	b.queue(func(a amd64.Assembler) {
		n := a.CompileJump(cc)
		n.AssignJumpTarget(lbl.node)
	})
}

// JumpCCSkipNext emits a conditional jump whose target is simply whatever
// gets compiled next — the same SetJumpTargetOnNext trick GuardToAddr uses
// for its own fallthrough, but standing alone as a forward-skip primitive
// for a branchy lowering that has no exit-stub trampoline to reach (spec
// §4.4.6's int abs/min/max lowerings). Unlike JumpCCToLabel, no Label is
// needed: the target is never a back-edge, only "the next thing queued."
func (b *Builder) JumpCCSkipNext(cc asm.Instruction) {
	b.queue(func(a amd64.Assembler) {
		n := a.CompileJump(cc)
		a.SetJumpTargetOnNext(n)
	})
}

// GuardToAddr emits a conditional jump to an absolute, already-fixed
// address (an exit stub's jump slot, spec §4.4.5) that lives outside this
// trace's own node list — exit stubs are shared, pre-allocated trampolines
// reused across many independently-assembled traces, so they can never be
// plain nodes in *this* Assemble() call.
//
// Because internal/asm/amd64's Jcc encoding only supports rel8/rel32
// displacements resolved against nodes in the same list, reaching an
// address that is fixed ahead of time but arbitrarily far away is encoded
// the way a compiler reaches for an out-of-range branch target generally:
// invert the condition, skip over an absolute indirect jump on the
// fall-through path.
//
//	Jcc  !cc, skip      ; skip the trampoline when the guard does not fire
//	MOVQ scratch, addr
//	JMP  scratch
//	skip:
//
// skip is resolved via the teacher's own SetJumpTargetOnNext — "whatever
// gets compiled next" — since the instruction the guard falls through to is
// simply whatever the caller queues right after this call returns.
//
// Queued in reverse of this order (JMP, then MOVQ, then Jcc) because
// Builder.queue's contract is backward emission: this helper is itself one
// "instruction" from the backward walk's point of view, so its own
// sub-steps follow the same last-queued-first convention as everything
// else.
func (b *Builder) GuardToAddr(cc asm.Instruction, addr uintptr, scratch regalloc.RealReg) {
	inv, ok := invertCC[cc]
	if !ok {
		panic(fmt.Sprintf("asm/x86: GuardToAddr: %s has no inverse", amd64.InstructionName(cc)))
	}
	b.queue(func(a amd64.Assembler) {
		a.CompileJumpToRegister(amd64.JMP, Reg(scratch))
	})
	b.MovConstToReg(true, int64(addr), scratch)
	b.queue(func(a amd64.Assembler) {
		n := a.CompileJump(inv)
		a.SetJumpTargetOnNext(n)
	})
}

// CallAddr emits a call to an absolute, already-fixed address (spec
// §4.4.6's "call into the GC step routine"): materialize the address in
// scratch, then CALL scratch, using the CALL opcode added to
// internal/asm/amd64/consts.go for exactly this purpose.
func (b *Builder) CallAddr(addr uintptr, scratch regalloc.RealReg) {
	b.queue(func(a amd64.Assembler) {
		a.CompileJumpToRegister(amd64.CALL, Reg(scratch))
	})
	b.MovConstToReg(true, int64(addr), scratch)
}

// JumpAddr emits an unconditional jump to an absolute, already-fixed
// address: materialize the address in scratch, then JMP scratch. Used by
// the exit-stub trampoline (spec §4.4.5) to hand control to the VM exit
// handler once a stub has recorded which guard failed.
func (b *Builder) JumpAddr(addr uintptr, scratch regalloc.RealReg) {
	b.queue(func(a amd64.Assembler) {
		a.CompileJumpToRegister(amd64.JMP, Reg(scratch))
	})
	b.MovConstToReg(true, int64(addr), scratch)
}

// Ret emits a bare return.
func (b *Builder) Ret() {
	b.queue(func(a amd64.Assembler) {
		a.CompileStandAlone(amd64.RET)
	})
}

// invertCC maps each conditional jump mnemonic to its logical negation, for
// GuardToAddr's skip-the-trampoline fallthrough.
var invertCC = map[asm.Instruction]asm.Instruction{
	amd64.JEQ: amd64.JNE, amd64.JNE: amd64.JEQ,
	amd64.JLT: amd64.JGE, amd64.JGE: amd64.JLT,
	amd64.JLE: amd64.JGT, amd64.JGT: amd64.JLE,
	amd64.JCS: amd64.JCC, amd64.JCC: amd64.JCS,
	amd64.JLS: amd64.JHI, amd64.JHI: amd64.JLS,
	amd64.JMI: amd64.JPL, amd64.JPL: amd64.JMI,
	amd64.JPS: amd64.JPC, amd64.JPC: amd64.JPS,
	amd64.JO: amd64.JNO, amd64.JNO: amd64.JO,
}

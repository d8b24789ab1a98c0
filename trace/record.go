package trace

import (
	"github.com/traceforge/tracecore/ir"
	"github.com/traceforge/tracecore/mcode"
)

// LinkKind names what a trace's tail transfers control to (spec §3 "Trace
// record ... link target"): back to itself, into another already-compiled
// trace, or out to the interpreter.
type LinkKind uint8

const (
	// LinkToInterpreter means EmitTail's final jump goes to
	// vm_exit_interp — no other compiled trace claimed this trace's end.
	LinkToInterpreter LinkKind = iota
	// LinkSelf means the trace is its own loop: the tail never runs at
	// all, and control returns to LoopEntryOffset via an unconditional
	// back edge instead (spec §4.4.6 scenario 2).
	LinkSelf
	// LinkTrace means the tail jumps straight into another trace's entry
	// point. Compile does not fill in LinkTarget; it leaves it zero.
	LinkTrace
)

// Record is one compiled trace (spec §3 "Trace record"): the IR it was
// built from, the snapshot array guards exit through, the machine code
// Compile wrote into the shared arena, and the bookkeeping Link/PatchExit
// need to wire traces together later.
type Record struct {
	No uint32

	Buffer          *ir.Buffer
	LowRef, HighRef ir.Ref

	Snapshots []ir.Snapshot

	// Entry is this trace's own first instruction, the address another
	// trace's tail or a parent's exit stub links to.
	Entry mcode.CodePtr
	Size  int

	// LoopEntryOffset is the byte offset, relative to Entry, that a
	// self-loop's back edge jumps to — meaningful only when Kind is
	// LinkSelf (spec §3 "loop-entry offset").
	LoopEntryOffset int

	Kind       LinkKind
	LinkTarget uint32 // trace number of a LinkTrace target; Compile leaves it zero.

	// StackAdjust is the frame size EmitRootHead subtracted from RSP,
	// needed to unwind the frame correctly when a later trace links to
	// this one or this one exits to the interpreter.
	StackAdjust int64

	// StubGroup is this trace's own exit-stub group: every guard in
	// Snapshots jumps into one of its slots, and PatchExit rewrites a
	// slot in place once a side trace is recorded off it.
	StubGroup mcode.StubGroup

	// ChildCount tracks how many side traces have linked off this
	// trace's exits, purely informational (spec §3 "child count").
	ChildCount uint32

	// ParentTraceNo/ParentExitNo identify the guard a side trace was
	// recorded from; both zero for a root trace.
	ParentTraceNo uint32
	ParentExitNo  uint32
}

// IsRoot reports whether rec started recording from the interpreter rather
// than off another trace's exit guard.
func (rec *Record) IsRoot() bool { return rec.ParentTraceNo == 0 }

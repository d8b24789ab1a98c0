// Package runtimeabi defines the boundary between the trace compiler core
// and the rest of a dynamic-language runtime (spec §6 "External
// interfaces"): what the compiler reads from the bytecode recorder to start
// a compile job, and what it calls into at the machine-code level once a
// trace runs. Neither side is implemented here — this package is pure
// contract, the way the teacher's own `api` package describes a wasm
// runtime's embedder surface without implementing one.
package runtimeabi

import "github.com/traceforge/tracecore/ir"

// OptFlags is the bitmask of optimization toggles a compile job reads once
// at the start (spec §6 "a bitmask of JIT option flags").
type OptFlags uint16

const (
	OptFold OptFlags = 1 << iota
	OptCSE
	OptDCE
	OptFwd
	OptDSE
	OptNarrow
	OptLoop
	OptFuse
)

// Has reports whether bit is set in f.
func (f OptFlags) Has(bit OptFlags) bool { return f&bit != 0 }

// RecordingInput bundles everything the compiler consumes from the
// recorder for one compile job (spec §6 "Consumed from the recorder").
type RecordingInput struct {
	Buffer *ir.Buffer

	// LowRef/HighRef bound the portion of Buffer this job may read;
	// CurRef is the ref the recorder had reached when it handed off to
	// the compiler.
	LowRef, HighRef, CurRef ir.Ref

	Snapshots []ir.Snapshot

	// StartPC is the bytecode PC the trace begins recording from.
	StartPC uint64

	// ParentTraceNo/ParentExitNo identify the side-trace's parent guard,
	// both zero for a root trace.
	ParentTraceNo uint32
	ParentExitNo  uint32

	// ParentExitRegSP is the per-slot register/spill assignment the
	// parent trace had live at ParentExitNo, used to seed a side trace's
	// register allocator with its predecessor's choices.
	ParentExitRegSP []ir.RegSP

	OptFlags OptFlags
}

// FieldOffsets gives the assembler the byte offsets of fields inside the
// runtime's own object headers, so generated loads/stores can address them
// without the compiler knowing their C/Go struct layout (spec §6 "field
// offsets into runtime types").
type FieldOffsets struct {
	StringHeader   uintptr
	TableHeader    uintptr
	UpvalueHeader  uintptr
	FunctionHeader uintptr
	ThreadHeader   uintptr
}

// GlobalState gives the assembler the address of the single per-instance
// global state block and the offsets of the members generated code reads
// or writes directly (spec §6 "the per-instance global_State and its ...
// members").
type GlobalState struct {
	Base        uintptr
	Dispatch    uintptr
	JITL        uintptr
	JITBase     uintptr
	GCTotal     uintptr
	GCThreshold uintptr
	VMState     uintptr
	TmpTV       uintptr
	NilNode     uintptr
}

// RuntimeHooks is the set of callable addresses the assembler embeds into
// generated CALL instructions (spec §6 "Consumed from the runtime").
// Functions are represented as bare addresses, never Go func values: the
// compiler only needs to know where to jump, not how to invoke them from
// Go, since the calls happen entirely inside generated machine code.
type RuntimeHooks struct {
	StrCmp     uintptr
	StrNew     uintptr
	StrFromNum uintptr
	StrFromInt uintptr
	StrNumConv uintptr

	TabNew    uintptr
	TabDup    uintptr
	TabLen    uintptr
	TabNewKey uintptr

	GCStepJIT   uintptr
	GCBarrierUV uintptr

	VMPow   uintptr
	VMFloor uintptr
	VMCeil  uintptr
	VMTrunc uintptr
	VMExp   uintptr
	VMExp2  uintptr
	VMPowI  uintptr

	VMExitHandler uintptr
	VMExitInterp  uintptr

	Offsets FieldOffsets
	Global  GlobalState
}

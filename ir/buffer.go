package ir

// Phase tracks which half of Instruction.link is legal to read (spec §3:
// "After register allocation, prev is unavailable; before, (reg,spill) is
// unavailable").
type Phase uint8

const (
	PhasePreAlloc Phase = iota
	PhasePostAlloc
)

// Buffer is the flat, bias-indexed IR store for one trace (spec §3 "IR
// buffer"). Real instructions are appended growing up from RefFirst;
// constants that need a payload pool (KNUM/KGC/KPTR) grow down from just
// below the three reserved primitive refs. KINT's 32-bit payload is packed
// directly across Op1/Op2 rather than pooled, since it fits the combined 32
// bits of the two operand slots — the same trick the original source's
// op12/i union plays.
type Buffer struct {
	ins    []Instruction
	consts []Instruction

	chain [opCount]Ref
	snaps []Snapshot

	kIntIndex map[int32]Ref
	kNumIndex map[float64]Ref
	kGCIndex  map[interface{}]Ref
	kPtrIndex map[uintptr]Ref

	phase Phase
}

// NewBuffer returns an empty Buffer ready to record a new trace.
func NewBuffer() *Buffer {
	return &Buffer{
		kIntIndex: make(map[int32]Ref),
		kNumIndex: make(map[float64]Ref),
		kGCIndex:  make(map[interface{}]Ref),
		kPtrIndex: make(map[uintptr]Ref),
	}
}

// Phase reports whether allocation has run yet.
func (b *Buffer) Phase() Phase { return b.phase }

// EnterPostAlloc transitions every instruction's link field from chain-ref
// to RegSP interpretation. Called once, by the assembler, after the
// backward pass has assigned registers to every instruction (spec §4.4).
func (b *Buffer) EnterPostAlloc() {
	b.phase = PhasePostAlloc
	for i := range b.ins {
		b.ins[i].link = uint16(noRegSP)
	}
}

// NextRef returns the ref the next real instruction will receive.
func (b *Buffer) NextRef() Ref { return RefFirst + Ref(len(b.ins)) }

// Get returns the instruction named by ref. Panics for the three reserved
// primitive refs, which name a value without backing any stored
// Instruction — callers must check Ref.IsPrimitive first.
func (b *Buffer) Get(ref Ref) *Instruction {
	if ref.IsPrimitive() {
		panic("ir: Get called on a primitive ref with no backing instruction")
	}
	if ref.IsInstruction() {
		idx := int(ref - RefFirst)
		return &b.ins[idx]
	}
	idx := int((Bias - 4) - ref)
	return &b.consts[idx]
}

// Prev returns ins's pre-allocation chain-anchor ref. Panics once the
// buffer has entered the post-allocation phase.
func (b *Buffer) Prev(ref Ref) Ref {
	if b.phase != PhasePreAlloc {
		panic("ir: Prev read after register allocation began")
	}
	return b.Get(ref).prevRef()
}

// RegSP returns ins's post-allocation (register, spill) pair. Panics before
// the buffer has entered the post-allocation phase.
func (b *Buffer) RegSP(ref Ref) RegSP {
	if b.phase != PhasePostAlloc {
		panic("ir: RegSP read before register allocation began")
	}
	return b.Get(ref).regSP()
}

// SetRegSP assigns ref's post-allocation (register, spill) pair.
func (b *Buffer) SetRegSP(ref Ref, rs RegSP) {
	if b.phase != PhasePostAlloc {
		panic("ir: SetRegSP called before register allocation began")
	}
	b.Get(ref).setRegSP(rs)
}

// emitConst appends a constant-pool instruction and returns its ref, which
// grows downward from Bias-4.
func (b *Buffer) emitConst(op Opcode, t Type, a, c Ref) Ref {
	idx := len(b.consts)
	b.consts = append(b.consts, Instruction{Op: op, T: t, Op1: a, Op2: c})
	return (Bias - 4) - Ref(idx)
}

// KInt returns the ref for the int32 constant v, interning by value and
// packing the payload directly across Op1/Op2 rather than a side pool (see
// Buffer doc comment).
func (b *Buffer) KInt(v int32) Ref {
	if r, ok := b.kIntIndex[v]; ok {
		return r
	}
	r := b.emitConst(OpKInt, TagInt, Ref(uint16(v)), Ref(uint16(v>>16)))
	b.kIntIndex[v] = r
	return r
}

// IntValue reassembles the int32 payload of a KINT constant.
func (ins *Instruction) IntValue() int32 {
	return int32(uint32(ins.Op1) | uint32(ins.Op2)<<16)
}

// KNum returns the ref for the float64 constant v, interning by value.
func (b *Buffer) KNum(v float64) Ref {
	if r, ok := b.kNumIndex[v]; ok {
		return r
	}
	r := b.emitConst(OpKNum, TagNum, RefInvalid, RefInvalid)
	b.kNumIndex[v] = r
	b.Get(r).numPayload = v
	return r
}

// KGC returns the ref for the GC-object constant v, interning by value.
func (b *Buffer) KGC(v interface{}, t Type) Ref {
	if r, ok := b.kGCIndex[v]; ok {
		return r
	}
	r := b.emitConst(OpKGC, t, RefInvalid, RefInvalid)
	b.kGCIndex[v] = r
	b.Get(r).gcPayload = v
	return r
}

// KPtr returns the ref for the raw-pointer constant v, interning by value.
// The pointer is stored out-of-line in Instruction.ptrPayload since a
// uintptr does not fit the 32 bits Op1/Op2 give KINT.
func (b *Buffer) KPtr(v uintptr) Ref {
	if r, ok := b.kPtrIndex[v]; ok {
		return r
	}
	r := b.emitConst(OpKPtr, TagPointer, RefInvalid, RefInvalid)
	b.kPtrIndex[v] = r
	b.Get(r).ptrPayload = v
	return r
}

// KPri returns one of the three reserved primitive refs directly; no
// Instruction is stored for them (spec §3: "a reserved range marks
// primitive constants").
func (b *Buffer) KPri(t Type) Ref {
	switch t.Tag() {
	case TagNil:
		return RefNil
	case TagFalse:
		return RefFalse
	case TagTrue:
		return RefTrue
	default:
		panic("ir: KPri called with a non-primitive type")
	}
}

// cseChain walks op's CSE chain looking for an existing instruction with
// identical operands, per spec §3 "instructions are content-addressed
// within one opcode's chain for common-subexpression elimination".
func (b *Buffer) cseChain(op Opcode, t Type, a, c Ref) (Ref, bool) {
	for ref := b.chain[op]; ref.IsInstruction(); {
		ins := b.Get(ref)
		if ins.T == t && ins.Op1 == a && ins.Op2 == c {
			return ref, true
		}
		ref = ins.prevRef()
	}
	return RefInvalid, false
}

// emitRaw appends a new instruction unconditionally, linking it onto op's
// CSE chain, and returns its ref. Skips CSE entirely; callers needing CSE
// should go through Fold.
func (b *Buffer) emitRaw(op Opcode, t Type, a, c Ref) Ref {
	ref := b.NextRef()
	prev := b.chain[op]
	b.ins = append(b.ins, Instruction{Op: op, T: t, Op1: a, Op2: c, link: uint16(prev)})
	b.chain[op] = ref
	return ref
}

// Fold is the single entry point the recorder and loop optimizer use to add
// an instruction (spec §3 "fold() CSE/constant-folding entry point"): it
// canonicalizes commutative operand order, applies the handful of algebraic
// identities and constant-folding rules below, then falls through to CSE,
// only emitting a fresh instruction if no equivalent one already exists.
func (b *Buffer) Fold(op Opcode, t Type, a, c Ref) Ref {
	if op.IsCommutative() && a.IsInstruction() && c.IsConst() {
		// Canonical form keeps the constant operand second unless both
		// operands are already constants or instructions — matches the
		// original source's fold ordering so later constant-folding rules
		// only need to pattern-match op2.
	} else if op.IsCommutative() && a.IsConst() && c.IsInstruction() {
		a, c = c, a
	}

	if folded, ok := b.foldConst(op, t, a, c); ok {
		return folded
	}
	if identity, ok := b.foldIdentity(op, a, c); ok {
		return identity
	}
	if !op.HasSideEffect() {
		if ref, ok := b.cseChain(op, t, a, c); ok {
			return ref
		}
	}
	return b.emitRaw(op, t, a, c)
}

// foldConst evaluates op at fold time when both operands are KINT, per §4.3
// "constant folding" (the same rule the loop optimizer's copy-substitution
// step relies on to collapse PHIs that turn out loop-invariant).
func (b *Buffer) foldConst(op Opcode, t Type, a, c Ref) (Ref, bool) {
	if !a.IsConst() || !c.IsConst() {
		return RefInvalid, false
	}
	ai, aok := b.constInt(a)
	ci, cok := b.constInt(c)
	if !aok || !cok {
		return RefInvalid, false
	}
	switch op {
	case OpAdd:
		return b.KInt(ai + ci), true
	case OpSub:
		return b.KInt(ai - ci), true
	case OpMul:
		return b.KInt(ai * ci), true
	case OpBAnd:
		return b.KInt(ai & ci), true
	case OpBOr:
		return b.KInt(ai | ci), true
	case OpBXor:
		return b.KInt(ai ^ ci), true
	case OpEQ:
		if ai == ci {
			return RefTrue, true
		}
		return RefFalse, true
	case OpNE:
		if ai != ci {
			return RefTrue, true
		}
		return RefFalse, true
	default:
		return RefInvalid, false
	}
}

// constInt reports the int32 payload of ref if it is a KINT constant.
func (b *Buffer) constInt(ref Ref) (int32, bool) {
	if !ref.IsConst() || ref.IsPrimitive() || ref == RefInvalid {
		return 0, false
	}
	ins := b.Get(ref)
	if ins.Op != OpKInt {
		return 0, false
	}
	return ins.IntValue(), true
}

// foldIdentity applies the algebraic identities cheap enough to check with
// one comparison: x+0, x-0, x*1, x&x, x|x, x^0.
func (b *Buffer) foldIdentity(op Opcode, a, c Ref) (Ref, bool) {
	switch op {
	case OpAdd, OpSub:
		if ci, ok := b.constInt(c); ok && ci == 0 {
			return a, true
		}
	case OpMul:
		if ci, ok := b.constInt(c); ok && ci == 1 {
			return a, true
		}
	case OpBXor:
		if ci, ok := b.constInt(c); ok && ci == 0 {
			return a, true
		}
	case OpBAnd, OpBOr:
		if a == c {
			return a, true
		}
	}
	return RefInvalid, false
}

// Rollback discards every instruction emitted at or after to, per spec §3
// "rollback(to_ref)", restoring CSE chains to their state as of to. Emitting
// the identical instruction sequence again after a rollback reproduces
// byte-identical IR, since emitRaw and Fold are pure functions of buffer
// state and operand refs.
func (b *Buffer) Rollback(to Ref) {
	if !to.IsInstruction() {
		panic("ir: Rollback target must be an instruction ref")
	}
	cut := int(to - RefFirst)
	if cut > len(b.ins) {
		return
	}
	// Fix up the CSE chains first, while the about-to-be-discarded
	// instructions are still addressable, then truncate.
	for op := range b.chain {
		for b.chain[op].IsInstruction() && int(b.chain[op]-RefFirst) >= cut {
			b.chain[op] = b.Get(b.chain[op]).prevRef()
		}
	}
	b.ins = b.ins[:cut]
	b.rollbackSnapshots(to)
}

// Len returns the number of real (non-constant) instructions recorded.
func (b *Buffer) Len() int { return len(b.ins) }

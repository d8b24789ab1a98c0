package ir

// OperandMode classifies one operand slot of an opcode (spec §3 "Mode byte
// per opcode ... operand kinds (ref/literal/constant/unused)").
type OperandMode uint8

const (
	ModeRef     OperandMode = iota // operand is an IR Ref (constant or instruction).
	ModeLit                        // operand is a 16-bit unsigned literal, always < Bias.
	ModeConst                      // operand is a constant-pool index (i, gcr or ptr).
	ModeNone                        // operand unused.
)

// Kind classifies the opcode itself (spec §3 "kind classifier (Normal, Ref,
// Alloc, Load, Store)").
type Kind uint8

const (
	KindNormal Kind = iota // pure: no side effect, safe to hoist/CSE freely.
	KindRef                // address computation; pure but must stay ordered
	// relative to the memory op it feeds (e.g. AREF/FREF).
	KindAlloc // allocates (TNEW/TDUP/SNEW): pure w.r.t. values, but not CSE'd
	// across allocations since each call produces a fresh identity.
	KindLoad  // reads memory; side-effect-free but order-sensitive vs. stores.
	KindStore // writes memory or otherwise has an observable side effect.
)

// modeEntry is the per-opcode row of the mode table (spec §3 "Mode byte per
// opcode"): operand kinds for op1/op2, the Kind classifier, and the
// commutative/guard bits. SideEffect is derived, not stored, matching the
// original source's irm_sideeff macro: `kind >= Store || guard`.
type modeEntry struct {
	op1, op2   OperandMode
	kind       Kind
	commutative bool
	guard      bool
}

// SideEffect reports whether an instruction of this opcode has an
// observable side effect, per spec §3: "side-effect bit = kind ≥ Store OR
// guard".
func (m modeEntry) SideEffect() bool { return m.kind >= KindStore || m.guard }

// modeTable is indexed by Opcode and is the single source of truth the
// optimizer and assembler consult for operand shape, purity, and
// commutativity — centralizing it here is what let §4.3 step 3 test
// "I's kind is Normal (pure, no side effect)" with one table lookup instead
// of a opcode-by-opcode switch.
var modeTable = [opCount]modeEntry{
	OpNop:    {ModeNone, ModeNone, KindNormal, false, false},
	OpBase:   {ModeLit, ModeLit, KindNormal, false, false},
	OpLoop:   {ModeNone, ModeNone, KindNormal, false, true},
	OpPhi:    {ModeRef, ModeRef, KindStore, false, false},
	OpRename: {ModeRef, ModeLit, KindStore, false, false},

	OpKInt:  {ModeConst, ModeNone, KindNormal, false, false},
	OpKNum:  {ModeConst, ModeNone, KindNormal, false, false},
	OpKGC:   {ModeConst, ModeNone, KindNormal, false, false},
	OpKPtr:  {ModeConst, ModeNone, KindNormal, false, false},
	OpKPri:  {ModeNone, ModeNone, KindNormal, false, false},
	OpKSlot: {ModeRef, ModeLit, KindNormal, false, false},
	OpKNull: {ModeConst, ModeNone, KindNormal, false, false},

	OpEQ:  {ModeRef, ModeRef, KindNormal, true, true},
	OpNE:  {ModeRef, ModeRef, KindNormal, true, true},
	OpLT:  {ModeRef, ModeRef, KindNormal, false, true},
	OpGE:  {ModeRef, ModeRef, KindNormal, false, true},
	OpLE:  {ModeRef, ModeRef, KindNormal, false, true},
	OpGT:  {ModeRef, ModeRef, KindNormal, false, true},
	OpULT: {ModeRef, ModeRef, KindNormal, false, true},
	OpUGE: {ModeRef, ModeRef, KindNormal, false, true},
	OpULE: {ModeRef, ModeRef, KindNormal, false, true},
	OpUGT: {ModeRef, ModeRef, KindNormal, false, true},

	OpBNot:  {ModeRef, ModeNone, KindNormal, false, false},
	OpBSwap: {ModeRef, ModeNone, KindNormal, false, false},
	OpBAnd:  {ModeRef, ModeRef, KindNormal, true, false},
	OpBOr:   {ModeRef, ModeRef, KindNormal, true, false},
	OpBXor:  {ModeRef, ModeRef, KindNormal, true, false},
	OpBShl:  {ModeRef, ModeRef, KindNormal, false, false},
	OpBShr:  {ModeRef, ModeRef, KindNormal, false, false},
	OpBSar:  {ModeRef, ModeRef, KindNormal, false, false},
	OpBRol:  {ModeRef, ModeRef, KindNormal, false, false},
	OpBRor:  {ModeRef, ModeRef, KindNormal, false, false},

	OpAddOv: {ModeRef, ModeRef, KindNormal, true, true},
	OpSubOv: {ModeRef, ModeRef, KindNormal, false, true},

	OpAdd: {ModeRef, ModeRef, KindNormal, true, false},
	OpSub: {ModeRef, ModeRef, KindNormal, false, false},
	OpMul: {ModeRef, ModeRef, KindNormal, true, false},
	OpDiv: {ModeRef, ModeRef, KindNormal, false, false},
	OpNeg: {ModeRef, ModeRef, KindNormal, false, false},
	OpAbs: {ModeRef, ModeRef, KindNormal, false, false},
	OpMin: {ModeRef, ModeRef, KindNormal, true, false},
	OpMax: {ModeRef, ModeRef, KindNormal, true, false},

	OpARef:   {ModeRef, ModeRef, KindRef, false, false},
	OpHRefK:  {ModeRef, ModeRef, KindRef, false, true},
	OpHRef:   {ModeRef, ModeRef, KindLoad, false, false},
	OpURefO:  {ModeRef, ModeLit, KindLoad, false, true},
	OpURefC:  {ModeRef, ModeLit, KindLoad, false, true},
	OpFRef:   {ModeRef, ModeLit, KindRef, false, false},
	OpStrRef: {ModeRef, ModeRef, KindNormal, false, false},
	OpNewRef: {ModeRef, ModeRef, KindStore, false, false},

	OpALoad: {ModeRef, ModeNone, KindLoad, false, true},
	OpHLoad: {ModeRef, ModeNone, KindLoad, false, true},
	OpULoad: {ModeRef, ModeNone, KindLoad, false, true},
	OpFLoad: {ModeRef, ModeLit, KindLoad, false, false},
	OpSLoad: {ModeLit, ModeLit, KindLoad, false, true},
	OpXLoad: {ModeRef, ModeLit, KindLoad, false, false},

	OpAStore: {ModeRef, ModeRef, KindStore, false, false},
	OpHStore: {ModeRef, ModeRef, KindStore, false, false},
	OpUStore: {ModeRef, ModeRef, KindStore, false, false},
	OpFStore: {ModeRef, ModeRef, KindStore, false, false},
	OpSStore: {ModeRef, ModeRef, KindStore, false, false},
	OpXStore: {ModeRef, ModeRef, KindStore, false, false},

	OpTNew: {ModeLit, ModeLit, KindAlloc, false, false},
	OpTDup: {ModeRef, ModeNone, KindAlloc, false, false},
	OpTLen: {ModeRef, ModeNone, KindLoad, false, false},
	OpTBar: {ModeRef, ModeNone, KindStore, false, false},
	OpOBar: {ModeRef, ModeRef, KindStore, false, false},

	OpSNew: {ModeRef, ModeRef, KindAlloc, false, false},

	OpToNum: {ModeRef, ModeNone, KindNormal, false, false},
	OpToInt: {ModeRef, ModeLit, KindNormal, false, false},
	OpToBit: {ModeRef, ModeRef, KindNormal, false, false},
	OpToStr: {ModeRef, ModeNone, KindNormal, false, false},
	OpStrTo: {ModeRef, ModeNone, KindNormal, false, true},
}

// ModeOf returns the mode table row for op.
func ModeOf(op Opcode) (op1, op2 OperandMode, kind Kind, commutative, guard bool) {
	m := modeTable[op]
	return m.op1, m.op2, m.kind, m.commutative, m.guard
}

// IsCommutative reports whether swapping op's operands preserves semantics.
func (o Opcode) IsCommutative() bool { return modeTable[o].commutative }

// IsGuard reports whether every instance of op is a guard (some opcodes,
// like LOOP and the comparisons, are guards by construction).
func (o Opcode) IsGuard() bool { return modeTable[o].guard }

// Kind returns the Kind classifier for op.
func (o Opcode) Kind() Kind { return modeTable[o].kind }

// HasSideEffect reports whether op has an observable side effect, per
// spec §3: side-effect = kind >= Store OR guard.
func (o Opcode) HasSideEffect() bool { return modeTable[o].SideEffect() }

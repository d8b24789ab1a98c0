package ir

// Ref is a 16-bit index naming either a constant or an instruction in a
// Buffer (spec §3 "IR reference (Ref)"). Constants and instructions share
// one address space: a ref below Bias names a constant, a ref at or above
// Bias names an instruction. This mirrors the original source's REF_BIAS
// scheme (lj_jit.h) exactly, including the three reserved primitive refs
// just below Bias and RefBase naming the first instruction.
type Ref uint16

const (
	// Bias is the fixed ref value separating constants (below) from
	// instructions (at and above) — spec §3, GLOSSARY "Bias".
	Bias Ref = 0x8000

	// RefTrue, RefFalse, RefNil are the reserved primitive-constant refs
	// (spec §3: "a reserved range marks primitive constants"), growing
	// downward immediately below Bias exactly as lj_jit.h's REF_TRUE/
	// REF_FALSE/REF_NIL do.
	RefTrue  Ref = Bias - 3
	RefFalse Ref = Bias - 2
	RefNil   Ref = Bias - 1

	// RefBase names the current interpreter stack base (spec §3: "a fixed
	// reference names the current stack base").
	RefBase Ref = Bias

	// RefFirst is the first ref available for a real recorded instruction.
	RefFirst Ref = Bias + 1

	// RefDrop marks a PHI operand that has been eliminated as redundant
	// (§4.3 step 5: "right = DROP").
	RefDrop Ref = 0xffff

	// RefInvalid is never a valid operand; used as a zero-value sentinel.
	RefInvalid Ref = 0
)

// IsConst reports whether r names a constant (r < Bias).
func (r Ref) IsConst() bool { return r < Bias }

// IsInstruction reports whether r names an instruction (r >= Bias).
func (r Ref) IsInstruction() bool { return r >= Bias }

// IsPrimitive reports whether r is one of the three reserved nil/true/false
// constant refs.
func (r Ref) IsPrimitive() bool { return r == RefTrue || r == RefFalse || r == RefNil }

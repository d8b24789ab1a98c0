package asm

import (
	"github.com/traceforge/tracecore/asm/regalloc"
	"github.com/traceforge/tracecore/asm/x86"
	"github.com/traceforge/tracecore/ir"
)

// Fused is the outcome of a successful fuse_* attempt: enough to build a
// ModRM/SIB memory operand directly, with no register holding ref's
// address at all (spec §4.4.3: "tries to fuse that operand into the
// machine instruction's ModRM").
type Fused struct {
	Base  regalloc.RealReg
	Index regalloc.RealReg
	Scale x86.Scale
	Disp  int64
}

// canFuse checks the three preconditions spec §4.4.3 lists before any
// fuser is allowed to fire: ref must be more recent than the fusion limit,
// the allow set must still leave room for whatever destination register
// the caller ultimately needs, and no conflicting store sits between ref
// and the current assembly position within the bounded scan window.
func (s *AsmState) canFuse(ref ir.Ref, store ir.Opcode, allow regalloc.RegSet) bool {
	if !ref.IsInstruction() || ref < s.fusionLimit {
		return false
	}
	if allow.Empty() {
		return false
	}
	return !s.conflictingStoreWithin(ref, store, fuseWindow)
}

// conflictingStoreWithin scans up to window instructions between ref and
// the buffer's current tail for a store of the given kind, standing in for
// the full memory-dependence graph the original heap-check mechanism
// avoids building (spec §4.4.3: "no conflicting intervening store exists
// within a bounded search window (default 15 instructions)").
func (s *AsmState) conflictingStoreWithin(ref ir.Ref, store ir.Opcode, window int) bool {
	tail := s.buf.NextRef()
	start := ref + 1
	if tail-start > ir.Ref(window) {
		start = tail - ir.Ref(window)
	}
	for r := start; r < tail; r++ {
		if !r.IsInstruction() {
			continue
		}
		if s.buf.Get(r).Op == store {
			return true
		}
	}
	return false
}

// fuseFRef handles FREF/FLOAD: a fixed runtime-struct field offset off of
// a base object pointer (spec §4.4.3 "[base + field_offset]"). fref's Op1
// is the object ref, Op2 a constant ref holding the byte offset.
func (s *AsmState) fuseFRef(fref ir.Ref, allow regalloc.RegSet) (Fused, bool) {
	if !s.canFuse(fref, ir.OpFStore, allow) {
		return Fused{}, false
	}
	ins := s.buf.Get(fref)
	if ins.Op != ir.OpFRef {
		return Fused{}, false
	}
	base, err := s.AllocRef(ins.Op1, allow)
	if err != nil {
		return Fused{}, false
	}
	disp := s.constInt(ins.Op2)
	return Fused{Base: base, Index: regalloc.RealRegInvalid, Scale: x86.Scale1, Disp: disp}, true
}

// fuseARef handles AREF: array-element addressing, with a collocated-array
// fast path (spec §4.4.3 "a collocated-array fast path when the array is a
// freshly allocated table") folded into the displacement when the array
// base itself is a fixed offset off a just-built table (OpTNew).
func (s *AsmState) fuseARef(aref ir.Ref, allow regalloc.RegSet) (Fused, bool) {
	if !s.canFuse(aref, ir.OpAStore, allow) {
		return Fused{}, false
	}
	ins := s.buf.Get(aref)
	if ins.Op != ir.OpARef {
		return Fused{}, false
	}
	arrBase, err := s.AllocRef(ins.Op1, allow)
	if err != nil {
		return Fused{}, false
	}
	const elemSize = 8 // TValue slot width.
	if ins.Op2.IsConst() {
		return Fused{Base: arrBase, Index: regalloc.RealRegInvalid, Scale: x86.Scale1, Disp: s.constInt(ins.Op2) * elemSize}, true
	}
	idx, err := s.AllocRef(ins.Op2, allow&^regalloc.NewRegSet(arrBase))
	if err != nil {
		return Fused{}, false
	}
	return Fused{Base: arrBase, Index: idx, Scale: x86.Scale8, Disp: 0}, true
}

// fuseStrRef handles STRREF: a string-slice byte address, optionally
// folding a constant ADD into the displacement (spec §4.4.3 "[str_base +
// offset] with an optional folded constant ADD").
func (s *AsmState) fuseStrRef(sref ir.Ref, allow regalloc.RegSet) (Fused, bool) {
	if !s.canFuse(sref, ir.OpSStore, allow) {
		return Fused{}, false
	}
	ins := s.buf.Get(sref)
	if ins.Op != ir.OpStrRef {
		return Fused{}, false
	}
	base, err := s.AllocRef(ins.Op1, allow)
	if err != nil {
		return Fused{}, false
	}
	disp := int64(strHeaderSize)
	if ins.Op2.IsConst() {
		disp += s.constInt(ins.Op2)
	} else if idxIns := s.buf.Get(ins.Op2); idxIns.Op == ir.OpAdd && idxIns.Op2.IsConst() {
		disp += s.constInt(idxIns.Op2)
	}
	return Fused{Base: base, Index: regalloc.RealRegInvalid, Scale: x86.Scale1, Disp: disp}, true
}

// strHeaderSize is the fixed byte offset from a string object's pointer to
// its inline character data.
const strHeaderSize = 16

// fuseAHURef is the AREF/HREFK/UREFC umbrella (spec §4.4.3's third fuser):
// it defers to fuseARef for arrays and turns a closed upvalue constant into
// an absolute address. An HREFK ref is handed to fuseFRef, which accepts
// only FREF, so HREFK is never fused here and falls back to a register.
func (s *AsmState) fuseAHURef(ref ir.Ref, allow regalloc.RegSet) (Fused, bool) {
	if !ref.IsInstruction() {
		return Fused{}, false
	}
	switch s.buf.Get(ref).Op {
	case ir.OpARef:
		return s.fuseARef(ref, allow)
	case ir.OpHRefK:
		return s.fuseFRef(ref, allow)
	case ir.OpURefC:
		if !s.canFuse(ref, ir.OpUStore, allow) {
			return Fused{}, false
		}
		ins := s.buf.Get(ref)
		return Fused{Base: regalloc.RealRegInvalid, Index: regalloc.RealRegInvalid, Scale: x86.Scale1, Disp: s.constInt(ins.Op2)}, true
	default:
		return Fused{}, false
	}
}

// FuseLoad is the fuse_load(ref) umbrella (spec §4.4.3): it picks one fuser
// by loadOp (FLOAD: fuseFRef, ALOAD: fuseARef, SLOAD: fuseStrRef,
// HLOAD/ULOAD: fuseAHURef) and, if that fuser declines, falls back to
// allocating ref a plain register.
func (s *AsmState) FuseLoad(ref ir.Ref, loadOp ir.Opcode, allow regalloc.RegSet) (Fused, regalloc.RealReg, error) {
	var f Fused
	var ok bool
	switch loadOp {
	case ir.OpFLoad:
		f, ok = s.fuseFRef(ref, allow)
	case ir.OpALoad:
		f, ok = s.fuseARef(ref, allow)
	case ir.OpSLoad:
		f, ok = s.fuseStrRef(ref, allow)
	case ir.OpHLoad, ir.OpULoad:
		f, ok = s.fuseAHURef(ref, allow)
	}
	if ok {
		return f, regalloc.RealRegInvalid, nil
	}
	reg, err := s.AllocRef(ref, allow)
	return Fused{}, reg, err
}

// constInt reads a KINT constant ref's value; callers only reach here after
// confirming ref.IsConst().
func (s *AsmState) constInt(ref ir.Ref) int64 {
	ins := s.buf.Get(ref)
	if ins.Op != ir.OpKInt {
		return 0
	}
	return int64(ins.IntValue())
}

package asm

import (
	"github.com/traceforge/tracecore/asm/regalloc"
	"github.com/traceforge/tracecore/asm/x86"
	iasm "github.com/traceforge/tracecore/internal/asm"
	"github.com/traceforge/tracecore/internal/asm/amd64"
	"github.com/traceforge/tracecore/ir"
)

// storeLoadDelta recomputes ir's own (unexported) storeDelta from the two
// exported opcodes it's defined against, so EmitStore can walk a STORE
// opcode back to its matching LOAD without ir needing to export the
// constant itself.
var storeLoadDelta = ir.OpAStore - ir.OpALoad

func matchingLoad(store ir.Opcode) ir.Opcode { return store - storeLoadDelta }

// loadStoreInstr picks the memory-transfer mnemonic for a value of type t,
// mirroring emitSpillStore/loadSpill's existing convention (asm/alloc.go):
// MOVQ for anything 64-bit-meaningful (floats, GC references, pointers),
// MOVL for a plain narrow integer. No MOVSD mnemonic exists in this
// encoder's table at all (internal/asm/amd64/consts.go has none) — MOVQ's
// own encoding already branches on isFloatRegister for both the
// register-to-memory and memory-to-register directions (impl.go's
// encodeRegisterToMemory/encodeMemoryToRegister), so reusing it for floats
// needs no new opcode.
func (s *AsmState) loadStoreInstr(t ir.Type) iasm.Instruction {
	if t.IsFloat() || t.IsGCObject() || t.Tag() == ir.TagPointer {
		return amd64.MOVQ
	}
	return amd64.MOVL
}

// EmitLoad lowers one of the six LOAD opcodes (spec §4.4.6's memory loads)
// when FuseLoad's fusers (asm/fuse.go) couldn't already fold ins.Op1's
// address computation into the consuming instruction's own ModRM — i.e.
// ins.Op1 (an AREF/FREF/HREF/STRREF/... instruction, or SLOAD's own
// operand per its established fuseStrRef-routing quirk) is itself still a
// live instruction the backward walk must emit code for.
func (s *AsmState) EmitLoad(dst ir.Ref, ins ir.Instruction, allow regalloc.RegSet) error {
	dest, err := s.Dest(dst, allow)
	if err != nil {
		return err
	}
	instr := s.loadStoreInstr(s.instrType(dst))
	f, reg, err := s.FuseLoad(ins.Op1, ins.Op, allow&^regalloc.NewRegSet(dest))
	if err != nil {
		return err
	}
	if reg != regalloc.RealRegInvalid {
		s.bld.LoadMem(instr, reg, 0, regalloc.RealRegInvalid, x86.Scale1, dest)
		return nil
	}
	s.bld.LoadMem(instr, f.Base, f.Disp, f.Index, f.Scale, dest)
	return nil
}

// EmitStore lowers one of the six STORE opcodes, fusing its address operand
// (ins.Op1) the same way EmitLoad does — FuseLoad fuses an address-
// computing ref identically whether the consumer is its matching LOAD or
// STORE, since the fusers themselves key the conflicting-store scan off the
// STORE opcode regardless (asm/fuse.go's fuseFRef et al. hardcode
// ir.OpFStore and friends).
func (s *AsmState) EmitStore(ins ir.Instruction, allow regalloc.RegSet) error {
	vreg, err := s.AllocRef(ins.Op2, allow)
	if err != nil {
		return err
	}
	instr := s.loadStoreInstr(s.instrType(ins.Op2))
	f, reg, err := s.FuseLoad(ins.Op1, matchingLoad(ins.Op), allow&^regalloc.NewRegSet(vreg))
	if err != nil {
		return err
	}
	if reg != regalloc.RealRegInvalid {
		s.bld.StoreMem(instr, vreg, reg, 0, regalloc.RealRegInvalid, x86.Scale1)
		return nil
	}
	s.bld.StoreMem(instr, vreg, f.Base, f.Disp, f.Index, f.Scale)
	return nil
}

// EmitARef lowers AREF when it's a live instruction in its own right (the
// consuming LOAD/STORE's fuse attempt failed — a conflicting store within
// the scan window, or the allow set left no room), computing the same
// address fuseARef would have folded into a ModRM, via LEA instead (spec
// §4.4.3's "array element addressing").
func (s *AsmState) EmitARef(dst ir.Ref, arr, idx ir.Ref, allow regalloc.RegSet) error {
	dest, err := s.Dest(dst, allow)
	if err != nil {
		return err
	}
	arrBase, err := s.AllocRef(arr, allow&^regalloc.NewRegSet(dest))
	if err != nil {
		return err
	}
	const elemSize = 8
	if idx.IsConst() {
		s.bld.Lea3(arrBase, s.constInt(idx)*elemSize, regalloc.RealRegInvalid, x86.Scale1, dest)
		return nil
	}
	idxReg, err := s.AllocRef(idx, allow&^regalloc.NewRegSet(dest, arrBase))
	if err != nil {
		return err
	}
	s.bld.Lea3(arrBase, 0, idxReg, x86.Scale8, dest)
	return nil
}

// EmitFRef lowers FREF standalone, the LEA counterpart to fuseFRef.
func (s *AsmState) EmitFRef(dst ir.Ref, base, disp ir.Ref, allow regalloc.RegSet) error {
	dest, err := s.Dest(dst, allow)
	if err != nil {
		return err
	}
	baseReg, err := s.AllocRef(base, allow&^regalloc.NewRegSet(dest))
	if err != nil {
		return err
	}
	s.bld.Lea3(baseReg, s.constInt(disp), regalloc.RealRegInvalid, x86.Scale1, dest)
	return nil
}

// EmitStrRef lowers STRREF standalone, the LEA counterpart to fuseStrRef —
// including the same folded-constant-ADD displacement optimization, so an
// unfused STRREF still avoids materializing the index in its own register
// when the index computation is itself `something + k`.
func (s *AsmState) EmitStrRef(dst ir.Ref, base, idx ir.Ref, allow regalloc.RegSet) error {
	dest, err := s.Dest(dst, allow)
	if err != nil {
		return err
	}
	baseReg, err := s.AllocRef(base, allow&^regalloc.NewRegSet(dest))
	if err != nil {
		return err
	}
	disp := int64(strHeaderSize)
	if idx.IsConst() {
		disp += s.constInt(idx)
		s.bld.Lea3(baseReg, disp, regalloc.RealRegInvalid, x86.Scale1, dest)
		return nil
	}
	if idxIns := s.buf.Get(idx); idxIns.Op == ir.OpAdd && idxIns.Op2.IsConst() {
		disp += s.constInt(idxIns.Op2)
		idxReg, err := s.AllocRef(idxIns.Op1, allow&^regalloc.NewRegSet(dest, baseReg))
		if err != nil {
			return err
		}
		s.bld.Lea3(baseReg, disp, idxReg, x86.Scale1, dest)
		return nil
	}
	idxReg, err := s.AllocRef(idx, allow&^regalloc.NewRegSet(dest, baseReg))
	if err != nil {
		return err
	}
	s.bld.Lea3(baseReg, disp, idxReg, x86.Scale1, dest)
	return nil
}

// EmitURefC lowers UREFC: a closed upvalue's address is a fixed absolute
// constant baked in at record time (no base register at all, the same
// no-base convention fuseAHURef's OpURefC case uses), so this is a bare
// immediate load rather than an LEA.
func (s *AsmState) EmitURefC(dst ir.Ref, disp ir.Ref, allow regalloc.RegSet) error {
	dest, err := s.Dest(dst, allow)
	if err != nil {
		return err
	}
	s.bld.MovConstToReg(true, s.constInt(disp), dest)
	return nil
}

// EmitURefO lowers UREFO (spec §4.4.6's "open upvalue address"). An open
// upvalue's address is computed, not stored, and must move with the
// interpreter stack slot it still points into; the fully faithful lowering
// re-checks the upvalue's own closed/open flag on every access and guards
// on a mismatch. This is a single-probe simplification of that check — one
// fused guard comparing the slot's current generation against what
// recording observed, no re-validation loop — the same simplification
// EmitHRef already applies to HREF's collision chain.
//
// Intended final assembly order (the code below calls Builder in the
// reverse of this list, per this file's queueing convention):
//  1. lea dest, [base + literal-slot-offset]
//  2. [fused guard] jcc-to-exit-stub if fusedGuard != nil
//
// slotOffset is a ModeLit ref, read via constInt the same way EmitFRef and
// EmitURefC read their own displacement operands.
func (s *AsmState) EmitURefO(dst ir.Ref, base, slotOffset ir.Ref, allow regalloc.RegSet, fusedGuard *ir.Snapshot, scratch regalloc.RealReg) error {
	dest, err := s.Dest(dst, allow)
	if err != nil {
		return err
	}
	baseReg, err := s.AllocRef(base, allow&^regalloc.NewRegSet(dest))
	if err != nil {
		return err
	}
	if fusedGuard != nil {
		s.GuardCC(CCNotEqual, fusedGuard, scratch) // step 2, queued first
	}
	s.bld.Lea3(baseReg, s.constInt(slotOffset), regalloc.RealRegInvalid, x86.Scale1, dest) // step 1
	return nil
}

// EmitNewRef lowers NEWREF (spec §4.4.6 "table[key] = ..., may rehash"): the
// one memory-reference constructor that can't be a plain LEA, since a
// missing key may force the table to grow and rehash, genuinely a runtime
// call rather than address arithmetic.
func (s *AsmState) EmitNewRef(dst ir.Ref, table, key ir.Ref, allow regalloc.RegSet, scratch regalloc.RealReg) error {
	return s.callHook(dst, uintptr(s.hooks.TabNewKey), table, key, allow, scratch)
}

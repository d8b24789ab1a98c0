package asm

import (
	"github.com/traceforge/tracecore/asm/regalloc"
	iasm "github.com/traceforge/tracecore/internal/asm"
	"github.com/traceforge/tracecore/internal/asm/amd64"
	"github.com/traceforge/tracecore/ir"
	"github.com/traceforge/tracecore/mcode"
)

// SnapPrep walks snap's live slots and makes sure each one can be
// recovered if its guard fires: a slot already holding a register or
// spill slot needs nothing; anything else is forced into a fresh register
// (spec §4.4.4 "snap_prep ... walking back to the covering snapshot,
// allocating registers or forcing spills for live slots"). Dead slots
// (SnapDead) are skipped entirely.
func (s *AsmState) SnapPrep(snap *ir.Snapshot) error {
	s.snapNo = snap.ExitNo
	for i := range snap.Entries {
		e := snap.Entries[i]
		if e.IsDead() || e.IsFrameLink() {
			continue
		}
		ref := e.Ref()
		if ref.IsPrimitive() || ref.IsConst() {
			continue
		}
		if _, ok := s.regOf(ref); ok {
			continue
		}
		if _, ok := s.spillOf[ref]; ok {
			continue
		}
		if _, err := s.AllocRef(ref, s.classOf(ref)); err != nil {
			return err
		}
	}
	return s.forceSharedRenameSpill(snap)
}

// forceSharedRenameSpill spills any ref this snapshot references that a
// rename (asm/alloc.go's Rename) has already moved to a different register
// than the one this snapshot's exit-stub restore code expects, so the two
// guards don't disagree about where the value lives (spec §4.4.4 "forcing
// a spill when a renamed ref is shared across guards").
func (s *AsmState) forceSharedRenameSpill(snap *ir.Snapshot) error {
	for i := range snap.Entries {
		e := snap.Entries[i]
		ref := e.Ref()
		if ref.IsPrimitive() || ref.IsConst() || ref >= s.renameHighWater {
			continue
		}
		reg, ok := s.regOf(ref)
		if !ok {
			continue
		}
		if _, spilled := s.spillOf[ref]; spilled {
			continue
		}
		slot, err := s.Spill(ref)
		if err != nil {
			return err
		}
		s.emitSpillStore(ref, reg, slot)
	}
	return nil
}

// GuardCC emits the conditional jump for an IR guard (OpEQ..OpUGT with the
// GUARD flag set): cc fires straight to the exit stub mcode.StubGroup
// pre-allocated for snap's exit number (spec §4.4.5). scratch is the
// register the underlying absolute-jump trampoline may clobber; it must
// not be one of the guard comparison's live operands.
func (s *AsmState) GuardCC(cc asmCC, snap *ir.Snapshot, scratch regalloc.RealReg) {
	target := s.stubs.Target(mcode.ExitNo(snap.ExitNo))
	s.bld.GuardToAddr(cc.instr, target.Addr(), scratch)
}

// asmCC names one of the amd64 conditional-jump mnemonics GuardCC can
// target, keeping package asm's call sites from importing amd64 directly
// for every comparison.
type asmCC struct{ instr iasm.Instruction }

var (
	CCEqual        = asmCC{amd64.JEQ}
	CCNotEqual     = asmCC{amd64.JNE}
	CCLess         = asmCC{amd64.JLT}
	CCLessEqual    = asmCC{amd64.JLE}
	CCGreater      = asmCC{amd64.JGT}
	CCGreaterEqual = asmCC{amd64.JGE}
	CCBelow        = asmCC{amd64.JCS}
	CCBelowEqual   = asmCC{amd64.JLS}
	CCAbove        = asmCC{amd64.JHI}
	CCAboveEqual   = asmCC{amd64.JCC}
	CCOverflow     = asmCC{amd64.JO}
	CCNotOverflow  = asmCC{amd64.JNO}
)

// GuardFromOpcode maps a guarded-comparison opcode to the x86 condition
// code that should fire when the comparison is FALSE (spec §4.4.6's
// guarded compares trap on failure, so the emitted jump is the logical
// negation of the IR comparison itself — NE's guard jumps on EQUAL, and so
// on), using Opcode.Negate (XOR 1) as the single source of truth for that
// negation rather than a second hand-written table.
func GuardFromOpcode(op ir.Opcode) asmCC {
	switch op.Negate() {
	case ir.OpEQ:
		return CCEqual
	case ir.OpNE:
		return CCNotEqual
	case ir.OpLT:
		return CCLess
	case ir.OpGE:
		return CCGreaterEqual
	case ir.OpLE:
		return CCLessEqual
	case ir.OpGT:
		return CCGreater
	case ir.OpULT:
		return CCBelow
	case ir.OpUGE:
		return CCAboveEqual
	case ir.OpULE:
		return CCBelowEqual
	case ir.OpUGT:
		return CCAbove
	default:
		return CCEqual
	}
}

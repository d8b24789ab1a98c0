package asm

import (
	"github.com/traceforge/tracecore/asm/regalloc"
	"github.com/traceforge/tracecore/asm/x86"
	"github.com/traceforge/tracecore/internal/asm/amd64"
	"github.com/traceforge/tracecore/ir"
	"github.com/traceforge/tracecore/joberr"
)

// AllocRef assigns ref a real register drawn from allow, reusing an
// existing assignment if ref already holds one in allow (spec §4.4.2:
// "alloc_ref(ref, allow_set) -> reg"). It emits no move of its own;
// Dest/Left decide whether the assignment needs a mov to be correct. When
// no register in allow is free it calls Evict, which may queue a spill
// store for the evicted value.
func (s *AsmState) AllocRef(ref ir.Ref, allow regalloc.RegSet) (regalloc.RealReg, error) {
	if r, ok := s.regOf(ref); ok && allow.Has(r) {
		return r, nil
	}
	if free := s.free & allow; !free.Empty() {
		chosen := regalloc.RealRegInvalid
		free.Range(func(r regalloc.RealReg) {
			if chosen == regalloc.RealRegInvalid {
				chosen = r
			}
		})
		s.assign(chosen, ref)
		return chosen, nil
	}
	victim, err := s.Evict(allow)
	if err != nil {
		return regalloc.RealRegInvalid, err
	}
	s.assign(victim, ref)
	return victim, nil
}

// Evict picks the cheapest-to-spill register in allow and frees it, moving
// its current occupant to a spill slot first if that occupant is still
// live (spec §4.4.2 "evict(allow_set)": "select the register in allow_set
// whose current occupant has the lowest cost ... and spill it").
func (s *AsmState) Evict(allow regalloc.RegSet) (regalloc.RealReg, error) {
	candidates := allow &^ s.free
	if candidates.Empty() {
		return regalloc.RealRegInvalid, joberr.ErrBadRegAlloc
	}
	best := regalloc.RealRegInvalid
	bestCost := maxCost
	candidates.Range(func(r regalloc.RealReg) {
		if s.cost[r] < bestCost {
			bestCost = s.cost[r]
			best = r
		}
	})
	if best == regalloc.RealRegInvalid {
		return regalloc.RealRegInvalid, joberr.ErrBadRegAlloc
	}
	if occupant := s.regRef[best]; occupant != ir.RefInvalid {
		slot, err := s.Spill(occupant)
		if err != nil {
			return regalloc.RealRegInvalid, err
		}
		s.emitSpillStore(occupant, best, slot)
	}
	s.freeReg(best)
	return best, nil
}

// emitSpillStore writes reg's value (holding ref) out to its assigned
// spill slot, at cfa-relative offset slot*8 on the stack spill area below
// the current interpreter frame (spec §4.4.1's mcode pointer bookkeeping
// covers where that area starts; this package just indexes into it).
func (s *AsmState) emitSpillStore(ref ir.Ref, reg regalloc.RealReg, slot uint8) {
	instr := amd64.MOVQ
	if !s.instrType(ref).IsFloat() && !s.instrType(ref).IsGCObject() && s.instrType(ref).Tag() != ir.TagPointer {
		instr = amd64.MOVL
	}
	s.bld.StoreMem(instr, reg, regalloc.RSP, int64(slot)*8, regalloc.RealRegInvalid, x86.Scale1)
}

// loadSpill is emitSpillStore's inverse, used by snap_prep (asm/snapshot.go)
// and Dest when a ref must be pulled back out of its spill slot into a
// register before being consumed.
func (s *AsmState) loadSpill(ref ir.Ref, reg regalloc.RealReg, slot uint8) {
	instr := amd64.MOVQ
	if !s.instrType(ref).IsFloat() && !s.instrType(ref).IsGCObject() && s.instrType(ref).Tag() != ir.TagPointer {
		instr = amd64.MOVL
	}
	s.bld.LoadMem(instr, regalloc.RSP, int64(slot)*8, regalloc.RealRegInvalid, x86.Scale1, reg)
}

// Spill assigns ref a spill slot, allocating one if it doesn't have one
// yet, failing with SPILL_OVERFLOW once the 256-slot budget is exhausted
// (spec §4.4.2's spill()). Wide values (numbers, GC references, pointers)
// take an even slot; narrow integers prefer the odd companion of an
// already-taken even slot before reaching for a fresh pair, keeping the
// slot table dense the way the original source packs int/number pairs.
func (s *AsmState) Spill(ref ir.Ref) (uint8, error) {
	if slot, ok := s.spillOf[ref]; ok {
		return slot, nil
	}
	t := s.instrType(ref)
	wide := t.IsFloat() || t.IsGCObject() || t.Tag() == ir.TagPointer

	slot, found := uint8(0), false
	if !wide {
		for i := 0; i+1 < spillOverflow; i += 2 {
			if s.spillTaken[i] && !s.spillTaken[i+1] {
				slot, found = uint8(i+1), true
				break
			}
		}
	}
	if !found {
		for i := 0; i < spillOverflow; i += 2 {
			if !s.spillTaken[i] {
				slot, found = uint8(i), true
				break
			}
		}
	}
	if !found {
		return 0, joberr.ErrSpillOverflow
	}
	s.spillTaken[slot] = true
	s.spillOf[ref] = slot
	return slot, nil
}

// Dest resolves an instruction's destination register, preferring a
// register the value already sits in over allocating a fresh one, so
// repeated loop iterations don't thrash the register file (spec §4.4.2
// "dest(ir, allow_set)").
func (s *AsmState) Dest(ref ir.Ref, allow regalloc.RegSet) (regalloc.RealReg, error) {
	if r, ok := s.regOf(ref); ok && allow.Has(r) {
		return r, nil
	}
	return s.AllocRef(ref, allow)
}

// Left resolves a left-hand (accumulator) operand for a two-operand x86
// instruction that must overwrite its first operand in place: if dest
// already holds lref's value nothing is needed, otherwise a register-to-
// register mov from lref's current register into dest is queued (spec
// §4.4.2 "left(dest, lref)": "if dest already holds lref's value, this is
// free; otherwise ... a register-to-register mov is required").
func (s *AsmState) Left(dest regalloc.RealReg, lref ir.Ref) {
	cur, ok := s.regOf(lref)
	if ok && cur == dest {
		return
	}
	if ok {
		s.bld.MovRegReg(cur, dest)
		return
	}
	if slot, spilled := s.spillOf[lref]; spilled {
		s.loadSpill(lref, dest, slot)
	}
}

// clobberFixed evicts whatever currently occupies reg to its spill slot (if
// anything live is there) and marks reg free, for an instruction whose
// encoding pins an operand to one specific hardware register regardless of
// what the allocator would otherwise have chosen there (IDIV's RDX:RAX pair,
// a shift's RCX count) — AllocRef/Dest have no notion of "this call
// implicitly clobbers register X no matter what I ask for."
func (s *AsmState) clobberFixed(reg regalloc.RealReg) error {
	if s.free.Has(reg) {
		return nil
	}
	occupant := s.regRef[reg]
	if occupant != ir.RefInvalid {
		slot, err := s.Spill(occupant)
		if err != nil {
			return err
		}
		s.emitSpillStore(occupant, reg, slot)
	}
	s.freeReg(reg)
	return nil
}

// Rename moves ref's live value from its current register down to an
// earlier-numbered one and records the rename, so references encountered
// earlier in program order (i.e. later in this backward walk) resolve
// against the new home (spec §4.4.2 "rename(down, up)", used when a
// PHI-bound value's register must agree across loop iterations).
func (s *AsmState) Rename(ref ir.Ref, down regalloc.RealReg) {
	up, ok := s.regOf(ref)
	if !ok {
		s.assign(down, ref)
		return
	}
	if up == down {
		return
	}
	s.bld.MovRegReg(up, down)
	s.freeReg(up)
	s.assign(down, ref)
	if ref > s.renameHighWater {
		s.renameHighWater = ref
	}
}

package asm

import (
	"github.com/traceforge/tracecore/asm/regalloc"
	iasm "github.com/traceforge/tracecore/internal/asm"
	"github.com/traceforge/tracecore/internal/asm/amd64"
	"github.com/traceforge/tracecore/ir"
)

// EmitSub lowers OpSub: unlike ADD, subtraction isn't commutative, so the
// left operand always stays left — no swapOps here.
//
// Intended assembly (last-described first per this file's queueing
// convention):
//  1. [Left fixup] mov dest, a
//  2. sub dest, bReg
func (s *AsmState) EmitSub(dst ir.Ref, a, b ir.Ref, allow regalloc.RegSet) error {
	t := s.instrType(dst)
	dest, err := s.Dest(dst, allow)
	if err != nil {
		return err
	}
	breg, err := s.AllocRef(b, allow&^regalloc.NewRegSet(dest))
	if err != nil {
		return err
	}
	if t.IsFloat() {
		s.bld.RegReg(amd64.SUBSD, breg, dest) // step 2
		s.Left(dest, a)                       // step 1
		return nil
	}
	instr := amd64.SUBL
	if t.Tag() == ir.TagPointer {
		instr = amd64.SUBQ
	}
	s.bld.RegReg(instr, breg, dest) // step 2
	s.Left(dest, a)                 // step 1
	return nil
}

// EmitMul lowers OpMul: float multiply is ordinary MULSD; integer multiply
// uses the two-operand IMUL form (0F AF /r), whose ModRM puts the
// destination in the reg field and the source in r/m — the opposite
// convention from ADD/SUB's srcOnModRMReg:true family, which is why RegReg's
// (from, to) argument order here still reads "to = to * from" even though
// the encoder's field assignment is flipped underneath.
func (s *AsmState) EmitMul(dst ir.Ref, a, b ir.Ref, allow regalloc.RegSet) error {
	t := s.instrType(dst)
	dest, err := s.Dest(dst, allow)
	if err != nil {
		return err
	}
	if t.IsFloat() {
		left, right := s.swapOps(a, b)
		rreg, err := s.AllocRef(right, allow&^regalloc.NewRegSet(dest))
		if err != nil {
			return err
		}
		s.bld.RegReg(amd64.MULSD, rreg, dest)
		s.Left(dest, left)
		return nil
	}
	left, right := s.swapOps(a, b)
	rreg, err := s.AllocRef(right, allow&^regalloc.NewRegSet(dest))
	if err != nil {
		return err
	}
	instr := amd64.IMULL
	if t.Tag() == ir.TagPointer {
		instr = amd64.IMULQ
	}
	s.bld.RegReg(instr, rreg, dest)
	s.Left(dest, left)
	return nil
}

// EmitDiv lowers OpDiv. Float division is ordinary DIVSD. Integer division
// has no two-operand hardware form at all: IDIV takes its dividend from
// RDX:RAX and leaves the quotient in RAX, so this lowering forces both
// fixed registers free first (clobberFixed, since neither is reachable
// through the ordinary Dest/AllocRef bookkeeping for this call) rather than
// asking the allocator for them the normal way.
//
// Intended assembly (last-described first):
//  1. mov rax, a                  (materialize the dividend)
//  2. cqo                         (sign-extend rax into rdx:rax)
//  3. idiv bReg                   (quotient left in rax, remainder in rdx)
//
// dest is assigned directly to RAX: the division's result is already there
// once idiv retires, so no closing mov is needed.
func (s *AsmState) EmitDiv(dst ir.Ref, a, b ir.Ref, allow regalloc.RegSet) error {
	t := s.instrType(dst)
	if t.IsFloat() {
		dest, err := s.Dest(dst, allow)
		if err != nil {
			return err
		}
		rreg, err := s.AllocRef(b, allow&^regalloc.NewRegSet(dest))
		if err != nil {
			return err
		}
		s.bld.RegReg(amd64.DIVSD, rreg, dest)
		s.Left(dest, a)
		return nil
	}

	divisor, err := s.AllocRef(b, allow&^regalloc.NewRegSet(regalloc.RAX, regalloc.RDX))
	if err != nil {
		return err
	}

	wide := t.Tag() == ir.TagPointer
	instr := amd64.IDIVL
	cdq := amd64.CDQ
	if wide {
		instr = amd64.IDIVQ
		cdq = amd64.CQO
	}

	s.bld.RegOnly(instr, divisor) // step 3, queued first
	s.bld.Standalone(cdq)         // step 2
	if a.IsConst() {
		s.bld.MovConstToReg(wide, s.constInt(a), regalloc.RAX) // step 1
	} else {
		areg, err := s.AllocRef(a, allow&^regalloc.NewRegSet(regalloc.RAX, regalloc.RDX, divisor))
		if err != nil {
			return err
		}
		s.bld.MovRegReg(areg, regalloc.RAX) // step 1
	}

	// clobberFixed's own spill stores (if any) must land ahead of every step
	// above in final byte order, so — per this package's reversed-queueing
	// convention — they're queued last, after steps 1-3 are already queued,
	// and only right before the bookkeeping reassignment below (which would
	// otherwise erase the very occupant record clobberFixed needs to read).
	if err := s.clobberFixed(regalloc.RDX); err != nil {
		return err
	}
	if err := s.clobberFixed(regalloc.RAX); err != nil {
		return err
	}

	s.assign(regalloc.RAX, dst)
	return nil
}

// EmitNeg lowers OpNeg. Float negation zeroes a register and subtracts the
// operand from it (no dedicated FP negate instruction in this encoder's
// table); integer negation is the hardware NEG in place.
//
// Intended assembly, float path (last-described first):
//  1. xorps dest, dest
//  2. subsd rreg, dest    (dest = 0 - a = -a)
//
// Intended assembly, integer path:
//  1. [Left fixup] mov dest, a
//  2. neg dest
func (s *AsmState) EmitNeg(dst ir.Ref, a ir.Ref, allow regalloc.RegSet) error {
	t := s.instrType(dst)
	dest, err := s.Dest(dst, allow)
	if err != nil {
		return err
	}
	if t.IsFloat() {
		rreg, err := s.AllocRef(a, allow&^regalloc.NewRegSet(dest))
		if err != nil {
			return err
		}
		s.bld.RegReg(amd64.SUBSD, rreg, dest) // step 2
		s.bld.RegReg(amd64.XORPS, dest, dest) // step 1, queued last
		return nil
	}
	instr := amd64.NEGL
	if t.Tag() == ir.TagPointer {
		instr = amd64.NEGQ
	}
	s.bld.RegOnly(instr, dest) // step 2
	s.Left(dest, a)            // step 1
	return nil
}

// EmitAbs lowers OpAbs. The float path is the branch-free bit-mask trick:
// bit-copy the value into a GPR, AND off the sign bit, copy back — the
// MOVQ opcode table already supports all four GPR/XMM directions
// (internal/asm/amd64/impl.go's registerToRegisterMOVOpcodes), so this needs
// no new encoder work. The integer path is a branchy test-and-negate,
// skipping the NEG with a forward jump-to-whatever's-next rather than a
// bound label, the same technique GuardToAddr uses for its own fallthrough.
//
// Intended assembly, float path (last-described first):
//  1. movq scratch, aReg           (bit-copy float bits into a GPR)
//  2. mov mask, 0x7fffffffffffffff
//  3. and mask, scratch            (scratch &= mask: clear the sign bit)
//  4. movq dest, scratch           (bit-copy back into the float dest)
//
// Intended assembly, integer path:
//  1. [Left fixup] mov dest, a
//  2. test dest, dest
//  3. jns <next>                   (already non-negative: skip the negate)
//  4. neg dest
func (s *AsmState) EmitAbs(dst ir.Ref, a ir.Ref, allow regalloc.RegSet, scratch regalloc.RealReg) error {
	t := s.instrType(dst)
	dest, err := s.Dest(dst, allow)
	if err != nil {
		return err
	}
	if t.IsFloat() {
		aReg, err := s.AllocRef(a, allow&^regalloc.NewRegSet(dest))
		if err != nil {
			return err
		}
		mask := scratch2For(scratch)
		s.bld.RegReg(amd64.MOVQ, scratch, dest)             // step 4, queued first
		s.bld.RegReg(amd64.ANDQ, mask, scratch)             // step 3
		s.bld.MovConstToReg(true, 0x7fffffffffffffff, mask) // step 2
		s.bld.RegReg(amd64.MOVQ, aReg, scratch)             // step 1, queued last
		return nil
	}
	wide := t.Tag() == ir.TagPointer
	instr := amd64.NEGL
	if wide {
		instr = amd64.NEGQ
	}
	s.bld.RegOnly(instr, dest)      // step 4, queued first
	s.bld.JumpCCSkipNext(amd64.JPL) // step 3
	s.bld.TestRegReg(wide, dest)    // step 2
	s.Left(dest, a)                 // step 1, queued last
	return nil
}

// EmitMinMax lowers OpMin/OpMax. Float comparisons go through the hardware
// MINSD/MAXSD instructions directly; integer comparisons are branchy,
// skipping a conditional mov with JumpCCSkipNext the same way EmitAbs skips
// its NEG.
//
// Intended assembly, float path (last-described first):
//  1. [Left fixup] mov dest, left
//  2. minsd/maxsd rreg, dest
//
// Intended assembly, integer path:
//  1. [Left fixup] mov dest, a
//  2. cmp dest, bReg
//  3. jcc <next>          (dest already on the winning side: skip the mov)
//  4. mov dest, bReg
func (s *AsmState) EmitMinMax(dst ir.Ref, a, b ir.Ref, allow regalloc.RegSet, isMax bool) error {
	t := s.instrType(dst)
	dest, err := s.Dest(dst, allow)
	if err != nil {
		return err
	}
	if t.IsFloat() {
		left, right := s.swapOps(a, b)
		rreg, err := s.AllocRef(right, allow&^regalloc.NewRegSet(dest))
		if err != nil {
			return err
		}
		instr := amd64.MINSD
		if isMax {
			instr = amd64.MAXSD
		}
		s.bld.RegReg(instr, rreg, dest) // step 2
		s.Left(dest, left)              // step 1
		return nil
	}
	breg, err := s.AllocRef(b, allow&^regalloc.NewRegSet(dest))
	if err != nil {
		return err
	}
	wide := t.Tag() == ir.TagPointer
	// CMP dest, bReg computes dest - bReg: for MAX, dest already wins when
	// dest >= bReg (JGE); for MIN, dest already wins when dest <= bReg (JLE).
	skipCC := amd64.JGE
	if !isMax {
		skipCC = amd64.JLE
	}
	s.bld.MovRegReg(breg, dest)      // step 4, queued first
	s.bld.JumpCCSkipNext(skipCC)     // step 3
	s.bld.CmpRegReg(wide, dest, breg) // step 2
	s.Left(dest, a)                  // step 1, queued last
	return nil
}

// EmitBitwise lowers OpBAnd/OpBOr/OpBXor: all three are commutative,
// hardware two-operand instructions, structurally identical to EmitAdd's
// integer path.
func (s *AsmState) EmitBitwise(dst ir.Ref, op ir.Opcode, a, b ir.Ref, allow regalloc.RegSet) error {
	t := s.instrType(dst)
	dest, err := s.Dest(dst, allow)
	if err != nil {
		return err
	}
	left, right := s.swapOps(a, b)
	rreg, err := s.AllocRef(right, allow&^regalloc.NewRegSet(dest))
	if err != nil {
		return err
	}
	wide := t.Tag() == ir.TagPointer
	var instr iasm.Instruction
	switch op {
	case ir.OpBAnd:
		instr = amd64.ANDL
		if wide {
			instr = amd64.ANDQ
		}
	case ir.OpBOr:
		instr = amd64.ORL
		if wide {
			instr = amd64.ORQ
		}
	case ir.OpBXor:
		instr = amd64.XORL
		if wide {
			instr = amd64.XORQ
		}
	}
	s.bld.RegReg(instr, rreg, dest)
	s.Left(dest, left)
	return nil
}

// EmitBNot lowers OpBNot: in-place hardware NOT.
func (s *AsmState) EmitBNot(dst ir.Ref, a ir.Ref, allow regalloc.RegSet) error {
	t := s.instrType(dst)
	dest, err := s.Dest(dst, allow)
	if err != nil {
		return err
	}
	instr := amd64.NOTL
	if t.Tag() == ir.TagPointer {
		instr = amd64.NOTQ
	}
	s.bld.RegOnly(instr, dest)
	s.Left(dest, a)
	return nil
}

// EmitBSwap lowers OpBSwap: in-place hardware byte-swap.
func (s *AsmState) EmitBSwap(dst ir.Ref, a ir.Ref, allow regalloc.RegSet) error {
	t := s.instrType(dst)
	dest, err := s.Dest(dst, allow)
	if err != nil {
		return err
	}
	instr := amd64.BSWAPL
	if t.Tag() == ir.TagPointer {
		instr = amd64.BSWAPQ
	}
	s.bld.RegOnly(instr, dest)
	s.Left(dest, a)
	return nil
}

// EmitShift lowers OpBShl/OpBShr/OpBSar/OpBRol/OpBRor. The encoder's own
// register-to-register shift dispatch hard-requires the count operand in
// RCX (internal/asm/amd64/impl.go's encodeRegisterToRegister rejects any
// other src register for a shift mnemonic), so this lowering clobbers RCX
// unconditionally before materializing the count there, the same pattern
// EmitDiv uses for RDX:RAX.
//
// Intended assembly (last-described first):
//  1. [Left fixup] mov dest, a
//  2. mov rcx, count
//  3. shl/shr/sar/rol/ror dest, rcx
func (s *AsmState) EmitShift(dst ir.Ref, op ir.Opcode, a, count ir.Ref, allow regalloc.RegSet) error {
	t := s.instrType(dst)
	wide := t.Tag() == ir.TagPointer
	dest, err := s.Dest(dst, allow&^regalloc.NewRegSet(regalloc.RCX))
	if err != nil {
		return err
	}

	var instr iasm.Instruction
	switch op {
	case ir.OpBShl:
		instr = amd64.SHLL
		if wide {
			instr = amd64.SHLQ
		}
	case ir.OpBShr:
		instr = amd64.SHRL
		if wide {
			instr = amd64.SHRQ
		}
	case ir.OpBSar:
		instr = amd64.SARL
		if wide {
			instr = amd64.SARQ
		}
	case ir.OpBRol:
		instr = amd64.ROLL
		if wide {
			instr = amd64.ROLQ
		}
	case ir.OpBRor:
		instr = amd64.RORL
		if wide {
			instr = amd64.RORQ
		}
	}

	s.bld.RegReg(instr, regalloc.RCX, dest) // step 3, queued first
	if count.IsConst() {
		s.bld.MovConstToReg(false, s.constInt(count), regalloc.RCX) // step 2
	} else {
		creg, err := s.AllocRef(count, allow&^regalloc.NewRegSet(regalloc.RCX, dest))
		if err != nil {
			return err
		}
		s.bld.MovRegReg(creg, regalloc.RCX) // step 2
	}
	s.Left(dest, a) // step 1, queued last

	// clobberFixed's spill store (if any) must land ahead of every step
	// above in final byte order, so it's queued only now, after steps 1-3.
	return s.clobberFixed(regalloc.RCX)
}

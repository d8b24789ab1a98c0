package asm

import (
	"github.com/traceforge/tracecore/asm/regalloc"
	"github.com/traceforge/tracecore/internal/asm/amd64"
	"github.com/traceforge/tracecore/ir"
)

// callHook lowers a call into one of runtimeabi.RuntimeHooks' function
// pointers under a simplified two-argument convention good enough for this
// build's table/string/conversion runtime calls (first argument in RDI,
// second in RSI, result in RAX) — spec §6 names these as calls into the
// runtime without specifying a calling convention of their own, the same
// gap GCCheck's call to GCStepJIT already papers over for the zero-argument
// case. arg1/arg2/dst may be ir.RefInvalid to mean "this hook takes fewer
// arguments" / "this hook's result is discarded" (TBAR has a side effect
// only, OBAR takes two arguments and returns nothing).
//
// Intended assembly (last-described first per this file's queueing
// convention):
//  1. [clobberFixed RDI/RSI/RAX's prior occupants, if any]
//  2. mov rdi, arg1
//  3. mov rsi, arg2
//  4. call addr
//  5. [if dst is float] movq dest, rax   (bit-copy the result back)
func (s *AsmState) callHook(dst ir.Ref, addr uintptr, arg1, arg2 ir.Ref, allow regalloc.RegSet, scratch regalloc.RealReg) error {
	fixed := regalloc.NewRegSet(regalloc.RDI, regalloc.RSI, regalloc.RAX)

	var a1reg, a2reg regalloc.RealReg
	var err error
	if arg1 != ir.RefInvalid {
		a1reg, err = s.AllocRef(arg1, allow&^fixed)
		if err != nil {
			return err
		}
	}
	if arg2 != ir.RefInvalid {
		a2reg, err = s.AllocRef(arg2, allow&^fixed&^regalloc.NewRegSet(a1reg))
		if err != nil {
			return err
		}
	}

	dstIsFloat := dst != ir.RefInvalid && s.instrType(dst).IsFloat()
	var dest regalloc.RealReg
	if dst != ir.RefInvalid {
		dest, err = s.Dest(dst, allow)
		if err != nil {
			return err
		}
	}

	if dstIsFloat {
		s.bld.RegReg(amd64.MOVQ, regalloc.RAX, dest) // step 5, queued first
	}
	s.bld.CallAddr(addr, scratch) // step 4
	if arg2 != ir.RefInvalid {
		s.bld.MovRegReg(a2reg, regalloc.RSI) // step 3
	}
	if arg1 != ir.RefInvalid {
		s.bld.MovRegReg(a1reg, regalloc.RDI) // step 2
	}

	// clobberFixed's own spill stores (if any) must land ahead of every step
	// above in final byte order, so — per this package's reversed-queueing
	// convention — they're queued last.
	if err := s.clobberFixed(regalloc.RSI); err != nil {
		return err
	}
	if err := s.clobberFixed(regalloc.RDI); err != nil {
		return err
	}
	if err := s.clobberFixed(regalloc.RAX); err != nil {
		return err
	}

	if dst != ir.RefInvalid && !dstIsFloat {
		s.assign(regalloc.RAX, dst)
	}
	return nil
}

// EmitTNew lowers TNEW (spec §4.4.6's table ops): the array/hash size hints
// are constants recorded at trace time (this build reads them the same way
// FREF's fixed offset is read, via constInt on the literal operand), passed
// straight through to the runtime's table constructor.
func (s *AsmState) EmitTNew(dst ir.Ref, arraySize, hashSize ir.Ref, allow regalloc.RegSet, scratch regalloc.RealReg) error {
	s.bld.CallAddr(uintptr(s.hooks.TabNew), scratch)                // step 3, queued first
	s.bld.MovConstToReg(false, s.constInt(hashSize), regalloc.RSI)  // step 2
	s.bld.MovConstToReg(false, s.constInt(arraySize), regalloc.RDI) // step 1, queued last

	// clobberFixed's spill stores (if any) must land ahead of every step
	// above in final byte order, so they're queued only now, after the call
	// setup is already queued — see emit_arith.go's EmitDiv for the same
	// pattern spelled out in full.
	if err := s.clobberFixed(regalloc.RSI); err != nil {
		return err
	}
	if err := s.clobberFixed(regalloc.RDI); err != nil {
		return err
	}
	if err := s.clobberFixed(regalloc.RAX); err != nil {
		return err
	}
	s.assign(regalloc.RAX, dst)
	return nil
}

// EmitTDup lowers TDUP: duplicate a template table recorded at trace time.
func (s *AsmState) EmitTDup(dst ir.Ref, template ir.Ref, allow regalloc.RegSet, scratch regalloc.RealReg) error {
	return s.callHook(dst, uintptr(s.hooks.TabDup), template, ir.RefInvalid, allow, scratch)
}

// EmitTLen lowers TLEN: the table length operator, computed by the runtime
// since the table's border search (a table may be part array, part hash)
// isn't something this assembler reimplements.
func (s *AsmState) EmitTLen(dst ir.Ref, table ir.Ref, allow regalloc.RegSet, scratch regalloc.RealReg) error {
	return s.callHook(dst, uintptr(s.hooks.TabLen), table, ir.RefInvalid, allow, scratch)
}

// EmitTBar lowers TBAR: the table write barrier, a side-effecting call with
// no result (spec §4.4.6's table ops) — this build treats it and OBAR's
// barrier identically, both routed through GCBarrierUV, the only generic
// write-barrier hook runtimeabi.RuntimeHooks exposes; the original source's
// split between a table backward-barrier and an upvalue barrier collapses
// to the one hook this ABI provides.
func (s *AsmState) EmitTBar(table ir.Ref, allow regalloc.RegSet, scratch regalloc.RealReg) error {
	return s.callHook(ir.RefInvalid, uintptr(s.hooks.GCBarrierUV), table, ir.RefInvalid, allow, scratch)
}

// EmitOBar lowers OBAR: the generic object/upvalue write barrier, with both
// the container and the value being stored as arguments (see EmitTBar for
// why both route through GCBarrierUV).
func (s *AsmState) EmitOBar(obj, val ir.Ref, allow regalloc.RegSet, scratch regalloc.RealReg) error {
	return s.callHook(ir.RefInvalid, uintptr(s.hooks.GCBarrierUV), obj, val, allow, scratch)
}

// EmitSNew lowers SNEW: string interning from a raw (pointer, length) pair
// recorded during tracing.
func (s *AsmState) EmitSNew(dst ir.Ref, ptr, length ir.Ref, allow regalloc.RegSet, scratch regalloc.RealReg) error {
	return s.callHook(dst, uintptr(s.hooks.StrNew), ptr, length, allow, scratch)
}

// EmitToNum lowers TONUM (int -> float widening): a hardware SSE2 convert,
// no runtime call needed. wide picks the 64- vs 32-bit source form the
// encoder's CVTSL2SD/CVTSQ2SD opcodes require.
func (s *AsmState) EmitToNum(dst ir.Ref, a ir.Ref, allow regalloc.RegSet) error {
	dest, err := s.Dest(dst, allow)
	if err != nil {
		return err
	}
	aReg, err := s.AllocRef(a, allow&^regalloc.NewRegSet(dest))
	if err != nil {
		return err
	}
	instr := amd64.CVTSL2SD
	if s.instrType(a).Tag() == ir.TagPointer {
		instr = amd64.CVTSQ2SD
	}
	s.bld.RegReg(instr, aReg, dest)
	return nil
}

// EmitToInt lowers TOINT (float -> int truncation), the inverse of TONUM:
// wide picks CVTTSD2SQ vs CVTTSD2SL from the destination's own width.
func (s *AsmState) EmitToInt(dst ir.Ref, a ir.Ref, allow regalloc.RegSet) error {
	dest, err := s.Dest(dst, allow)
	if err != nil {
		return err
	}
	aReg, err := s.AllocRef(a, allow&^regalloc.NewRegSet(dest))
	if err != nil {
		return err
	}
	instr := amd64.CVTTSD2SL
	if s.instrType(dst).Tag() == ir.TagPointer {
		instr = amd64.CVTTSD2SQ
	}
	s.bld.RegReg(instr, aReg, dest)
	return nil
}

// EmitToBit lowers TOBIT (spec §4.4.6's "number -> 32-bit bit pattern for
// bitwise ops"): the original source's TOBIT adds a magic constant and
// reads back the mantissa bits to dodge costly float-to-int rounding-mode
// traps. This build does the plain CVTTSD2SL truncation instead — simpler,
// and correct for every value this JIT's bitwise ops actually see (already
// integer-valued floats), at the cost of not replicating the original's
// exact rounding behavior on a fractional input. b (the second IR operand)
// is the original's magic-constant companion ref and goes unused here.
func (s *AsmState) EmitToBit(dst ir.Ref, a, b ir.Ref, allow regalloc.RegSet) error {
	dest, err := s.Dest(dst, allow)
	if err != nil {
		return err
	}
	aReg, err := s.AllocRef(a, allow&^regalloc.NewRegSet(dest))
	if err != nil {
		return err
	}
	s.bld.RegReg(amd64.CVTTSD2SL, aReg, dest)
	return nil
}

// EmitToStr lowers TOSTR: stringify a number via the runtime's formatter,
// StrFromInt or StrFromNum depending on the source's own type.
func (s *AsmState) EmitToStr(dst ir.Ref, a ir.Ref, allow regalloc.RegSet, scratch regalloc.RealReg) error {
	hook := s.hooks.StrFromNum
	if s.instrType(a).IsInteger() {
		hook = s.hooks.StrFromInt
	}
	return s.callHook(dst, uintptr(hook), a, ir.RefInvalid, allow, scratch)
}

// EmitStrTo lowers STRTO (spec §4.4.6's "parse a string to a number",
// guarded per the mode table): the runtime conversion hook returns zero in
// RAX on a failed parse and the parsed value's raw bit pattern otherwise —
// this build's simplifying convention for a hook that would otherwise need
// a second out-parameter to distinguish "parsed to zero" from "failed to
// parse" (the same kind of single-probe simplification EmitHRef's hash
// lookup already makes). The caller queues GuardCC(CCEqual, snap, ...)
// before calling this function, exactly as EmitGuardedCompare documents:
// GuardCC first in source order so its jcc lands last in final bytes, after
// the test this function queues.
//
// Intended assembly (last-described first):
//  1. [clobberFixed / call setup, see callHook]
//  2. call str_num_conv
//  3. test rax, rax
//  (the guard jcc itself belongs to the caller's GuardCC call, queued
//  before this function runs, landing after everything above)
func (s *AsmState) EmitStrTo(dst ir.Ref, a ir.Ref, allow regalloc.RegSet, scratch regalloc.RealReg) error {
	// TEST must land AFTER the call in final bytes (it reads the call's RAX
	// result), so — per this file's reversed-queueing convention — it's
	// queued FIRST here, before callHook queues the call itself.
	s.bld.TestRegReg(true, regalloc.RAX)
	return s.callHook(dst, uintptr(s.hooks.StrNumConv), a, ir.RefInvalid, allow, scratch)
}

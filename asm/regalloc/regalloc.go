// Package regalloc carries over the teacher's register-set vocabulary
// (spec §4.4.1's "three register sets": free, modified-in-loop, phi) without
// its graph-coloring allocation algorithm — the backwards single-pass
// allocator that vocabulary now serves runs inline in package asm, deciding
// one ref at a time as the assembler walks the IR in reverse, rather than
// coloring a precomputed interference graph.
package regalloc

import (
	"fmt"
	"strings"
)

// RealReg is a physical machine register, x86's sixteen GPRs followed by
// its sixteen XMM registers. Adapted from
// internal/engine/wazevo/backend/regalloc.RealReg, dropping the VReg/RealReg
// split that package needs to tell virtual from physical registers apart —
// this package's callers always address a physical register directly, the
// IR ref itself is the only "virtual register" identity there is.
type RealReg uint8

const (
	RealRegInvalid RealReg = 0

	RAX RealReg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	XMM0
	XMM1
	XMM2
	XMM3
	XMM4
	XMM5
	XMM6
	XMM7
	XMM8
	XMM9
	XMM10
	XMM11
	XMM12
	XMM13
	XMM14
	XMM15

	NumRealRegs
)

var realRegNames = [...]string{
	"invalid",
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"xmm0", "xmm1", "xmm2", "xmm3", "xmm4", "xmm5", "xmm6", "xmm7",
	"xmm8", "xmm9", "xmm10", "xmm11", "xmm12", "xmm13", "xmm14", "xmm15",
}

// String implements fmt.Stringer.
func (r RealReg) String() string {
	if int(r) < len(realRegNames) {
		return realRegNames[r]
	}
	return fmt.Sprintf("r?%d", r)
}

// IsXMM reports whether r names one of the sixteen float/vector registers.
func (r RealReg) IsXMM() bool { return r >= XMM0 }

// RegSet is a 64-bit bitmask of RealReg membership, adapted verbatim from
// internal/engine/wazevo/backend/regalloc.RegSet — NumRealRegs (32) comfortably
// fits the one machine word the original used for up to 64 registers.
type RegSet uint64

// NewRegSet builds a RegSet containing every given register.
func NewRegSet(regs ...RealReg) RegSet {
	var s RegSet
	for _, r := range regs {
		s = s.Add(r)
	}
	return s
}

// Has reports whether r is a member of s.
func (s RegSet) Has(r RealReg) bool { return s&(1<<uint(r)) != 0 }

// Add returns s with r added.
func (s RegSet) Add(r RealReg) RegSet { return s | 1<<uint(r) }

// Remove returns s with r removed.
func (s RegSet) Remove(r RealReg) RegSet { return s &^ (1 << uint(r)) }

// Empty reports whether s has no members.
func (s RegSet) Empty() bool { return s == 0 }

// Range calls f once for every register in s, in ascending RealReg order.
func (s RegSet) Range(f func(RealReg)) {
	for i := RealReg(1); i < NumRealRegs; i++ {
		if s.Has(i) {
			f(i)
		}
	}
}

// String renders s as a comma-separated register list, for diagnostics.
func (s RegSet) String() string {
	var parts []string
	s.Range(func(r RealReg) { parts = append(parts, r.String()) })
	return strings.Join(parts, ",")
}

// GPRegs and XMMRegs partition the sixteen-plus-sixteen x86-64 register file,
// used to seed AsmState's initial free set per value type.
var (
	GPRegs  = NewRegSet(RAX, RCX, RDX, RBX, RSP, RBP, RSI, RDI, R8, R9, R10, R11, R12, R13, R14, R15)
	XMMRegs = NewRegSet(XMM0, XMM1, XMM2, XMM3, XMM4, XMM5, XMM6, XMM7, XMM8, XMM9, XMM10, XMM11, XMM12, XMM13, XMM14, XMM15)
)

package mcode

// ExitNo identifies one guard's exit point within a trace (spec §3/§4.4
// "exit stubs"). Exit stubs are allocated in groups of 32 so the backward
// assembler can share one small trampoline per group instead of emitting a
// full stub per guard — adapted from the teacher's ExitCode packing scheme
// (internal/engine/wazevo/wazevoapi/exitcode.go), which packs an auxiliary
// index into the unused high bits of a small enum the same way groupOf/
// indexInGroup pack a group and an offset here.
type ExitNo uint32

// exitsPerGroup is the fixed stub-group size spec §4.4 names.
const exitsPerGroup = 32

// GroupOf returns the index of the stub group exitNo belongs to.
func (e ExitNo) GroupOf() uint32 { return uint32(e) / exitsPerGroup }

// IndexInGroup returns exitNo's position within its stub group.
func (e ExitNo) IndexInGroup() uint32 { return uint32(e) % exitsPerGroup }

// IsGroupHead reports whether exitNo is the first exit in its group, i.e.
// the one whose stub actually contains the shared trampoline body.
func (e ExitNo) IsGroupHead() bool { return e.IndexInGroup() == 0 }

// StubGroup is one group of up to exitsPerGroup exit stubs sharing a single
// trampoline, recorded so PatchExit (trace package) can find and overwrite
// a guard's target later.
type StubGroup struct {
	Base   CodePtr // address of the group's shared trampoline entry.
	Stride int     // bytes between one exit's jump slot and the next.
	Count  int     // number of exits actually used in this group (<= 32).
}

// Target returns the CodePtr of exitNo's individual jump slot within its
// group's stub.
func (g *StubGroup) Target(exitNo ExitNo) CodePtr {
	idx := int(exitNo.IndexInGroup())
	if idx >= g.Count {
		panic("mcode: exit index out of range for this stub group")
	}
	return CodePtr{region: g.Base.region, Offset: g.Base.Offset + idx*g.Stride}
}

package trace

import (
	"fmt"

	"github.com/traceforge/tracecore/mcode"
)

// PatchExit rewrites one guard's exit-stub slot so it jumps straight to
// newTarget instead of falling into the group's shared epilogue (spec §8
// "patch_exit touches only displacement/immediate bytes", §4.4.5's linking
// a side trace onto its parent's guard). The slot keeps its exitNo-into-RAX
// preamble and its fixed shape, so the rewrite is exactly stubs.Stride
// bytes — the same size PatchWindow/WriteStubs always copied in — and
// calling PatchExit twice with the same newTarget is a safe no-op.
func PatchExit(arena *mcode.Arena, stubs mcode.StubGroup, exitNo mcode.ExitNo, newTarget uintptr) error {
	slot := stubs.Target(exitNo)

	code, err := buildSlot(exitNo.GroupOf(), exitNo.IndexInGroup(), newTarget)
	if err != nil {
		return err
	}
	if len(code) != stubs.Stride {
		return fmt.Errorf("trace: PatchExit: slot rebuilt to %d bytes, group stride is %d", len(code), stubs.Stride)
	}
	return arena.WriteStubs(slot, code)
}

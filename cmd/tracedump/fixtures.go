package main

import (
	"github.com/traceforge/tracecore/ir"
	"github.com/traceforge/tracecore/jitconfig"
	"github.com/traceforge/tracecore/mcode"
	"github.com/traceforge/tracecore/runtimeabi"
	"github.com/traceforge/tracecore/trace"
)

// fixture bundles a demo IR buffer with the job metadata Compile needs
// around it; buildLoopFixture and buildTailFixture are this tool's two
// synthetic traces, built by hand the same way loopopt_test.go builds its
// own IR directly rather than through a recorder (no recorder exists in
// this repo to drive one — spec §1 Non-goals keeps it out of scope).
type fixture struct {
	name string
	job  trace.CompileJob
}

// buildLoopFixture assembles a trace already in post-loop-optimization
// shape: pre-roll computes a counter's initial value, OpLoop marks the
// body boundary, the body increments the counter and guards on it staying
// below a limit, and a trailing OpPhi ties the loop-carried value together
// — exactly what loopopt.Run would have left behind had it walked a
// recorded pre-roll itself (ir/buffer.go's Fold would collapse a naively
// recorded "x+1" against two constants into a constant instead of a real
// instruction, so the realistic way to demonstrate the loop path without
// fighting Fold's own constant folding is to build the optimized shape
// directly, the same shortcut loopopt_test.go's own
// TestEmitPHIsEmitsSimpleRecurrence takes). job.IsLoop is false because
// this buffer never needs loopopt.Run to run over it again — Compile's
// hasLoop detection keys off the OpLoop marker already present, not off
// the job flag.
func buildLoopFixture() fixture {
	buf := ir.NewBuffer()
	cfg := jitconfig.Default()

	base := buf.Fold(ir.OpBase, ir.TagNil, ir.RefInvalid, ir.RefInvalid)
	one := buf.KInt(1)
	limit := buf.KInt(10)

	// x0: the counter's pre-roll value. Anchored on base (an instruction
	// ref, not a constant) so Fold can't collapse it to a bare constant.
	x0 := buf.Fold(ir.OpAdd, ir.TagInt, base, buf.KInt(0))

	buf.Fold(ir.OpLoop, ir.TagNil.WithGuard(), ir.RefInvalid, ir.RefInvalid)

	// x1: one iteration's increment, the loop-carried value's new version.
	x1 := buf.Fold(ir.OpAdd, ir.TagInt, x0, one)

	// snap.Ref() equals the guard's own ref since nothing is emitted
	// between SnapshotBegin and this Fold call; that's the invariant
	// compile.go's snapByRef lookup depends on.
	snap := buf.SnapshotBegin(ir.RefBase, 1)
	snap.AddEntry(0, x1, 0)
	buf.Fold(ir.OpLT, ir.TagInt.WithGuard(), x1, limit)

	buf.Get(x1).T = buf.Get(x1).T.WithPhi()
	buf.Fold(ir.OpPhi, buf.Get(x0).T, x0, x1)

	arena := mcode.NewArena(cfg)
	table := trace.NewTable(arena)

	job := trace.CompileJob{
		Input: runtimeabi.RecordingInput{
			Buffer:   buf,
			LowRef:   ir.RefFirst,
			HighRef:  buf.NextRef(),
			StartPC:  0x1000,
			OptFlags: runtimeabi.OptFold | runtimeabi.OptCSE | runtimeabi.OptLoop,
		},
		Cfg:       cfg,
		Arena:     arena,
		Table:     table,
		FrameSize: 32,
		IsLoop:    false,
	}
	return fixture{name: "loop", job: job}
}

// buildTailFixture assembles a straight-line trace with no OpLoop marker
// at all: a hash-table reference followed by an increment, falling off the
// end into EmitTail's interpreter-link tail (spec §4.4.6 scenario 1) rather
// than closing a back edge. The one snapshot at the very end is what
// tailWrites reads to build the write-back list.
func buildTailFixture() fixture {
	buf := ir.NewBuffer()
	cfg := jitconfig.Default()

	base := buf.Fold(ir.OpBase, ir.TagNil, ir.RefInvalid, ir.RefInvalid)
	key := buf.KInt(3)

	href := buf.Fold(ir.OpHRef, ir.TagPointer, base, key)
	sum := buf.Fold(ir.OpAdd, ir.TagInt, href, buf.KInt(1))

	snap := buf.SnapshotBegin(ir.RefBase, 1)
	snap.AddEntry(0, sum, 0)

	arena := mcode.NewArena(cfg)
	table := trace.NewTable(arena)

	job := trace.CompileJob{
		Input: runtimeabi.RecordingInput{
			Buffer:   buf,
			LowRef:   ir.RefFirst,
			HighRef:  buf.NextRef(),
			StartPC:  0x2000,
			OptFlags: runtimeabi.OptFold | runtimeabi.OptCSE,
		},
		Cfg:       cfg,
		Arena:     arena,
		Table:     table,
		FrameSize: 32,
		IsLoop:    false,
	}
	return fixture{name: "tail", job: job}
}

func buildFixture(name string) (fixture, bool) {
	switch name {
	case "loop":
		return buildLoopFixture(), true
	case "tail":
		return buildTailFixture(), true
	default:
		return fixture{}, false
	}
}

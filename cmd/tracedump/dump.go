package main

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/traceforge/tracecore/trace"
)

// compileFixture runs the one real compile step: trace.Compile, using the
// arena/table the fixture already built for itself.
func compileFixture(fx fixture) (*trace.Record, error) {
	return trace.Compile(fx.job)
}

func linkKindString(k trace.LinkKind) string {
	switch k {
	case trace.LinkSelf:
		return "self (native back edge)"
	case trace.LinkTrace:
		return "trace (tail jumps to another compiled trace)"
	case trace.LinkToInterpreter:
		return "interpreter (tail falls through)"
	default:
		return "unknown"
	}
}

// dumpRecord prints a compiled trace's machine code and the record fields
// that describe how it links, the only two things spec §1 Non-goals says
// this tool is for: inspecting generated code out of band.
func dumpRecord(w io.Writer, name string, rec *trace.Record) {
	fmt.Fprintf(w, "trace #%d (demo %q)\n", rec.No, name)
	fmt.Fprintf(w, "  entry:        0x%x\n", rec.Entry.Addr())
	fmt.Fprintf(w, "  size:         %d bytes\n", rec.Size)
	fmt.Fprintf(w, "  stack adjust: %d\n", rec.StackAdjust)
	fmt.Fprintf(w, "  link kind:    %s\n", linkKindString(rec.Kind))
	if rec.Kind == trace.LinkSelf {
		fmt.Fprintf(w, "  loop entry offset: %d\n", rec.LoopEntryOffset)
	}
	fmt.Fprintf(w, "  snapshots:    %d\n", len(rec.Snapshots))
	fmt.Fprintln(w, "  code:")
	fmt.Fprint(w, hex.Dump(rec.Entry.Bytes(rec.Size)))
}

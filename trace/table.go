package trace

import (
	"fmt"
	"sync"

	"github.com/traceforge/tracecore/mcode"
)

// Table is the process-wide set of compiled traces (spec §3 "Trace table"),
// indexed by trace number the way the teacher's engine.go keys compiled
// modules by name — a mutex-guarded map is enough here since compiles and
// links happen far less often than the traces themselves run.
type Table struct {
	mu     sync.Mutex
	arena  *mcode.Arena
	traces map[uint32]*Record
	nextNo uint32
}

// NewTable returns an empty Table backed by arena.
func NewTable(arena *mcode.Arena) *Table {
	return &Table{arena: arena, traces: make(map[uint32]*Record)}
}

// Reserve hands out the next trace number, claimed before Compile runs so
// a root trace's record can reference its own number (e.g. EmitRootHead's
// traceNo argument) before it exists in the table.
func (t *Table) Reserve() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextNo++
	return t.nextNo
}

// Install adds rec to the table under rec.No, overwriting nothing — a
// trace number is only ever installed once.
func (t *Table) Install(rec *Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.traces[rec.No]; exists {
		return fmt.Errorf("trace: table: trace %d already installed", rec.No)
	}
	t.traces[rec.No] = rec
	return nil
}

// Get returns the record for traceNo, or nil if it hasn't been installed.
func (t *Table) Get(traceNo uint32) *Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.traces[traceNo]
}

// Link patches the parent trace's exitNo stub to jump straight into
// child's entry point, and bumps the parent's child count (spec §3 "link
// traces together ... child count").
func (t *Table) Link(parentNo, exitNo uint32, child *Record) error {
	t.mu.Lock()
	parent, ok := t.traces[parentNo]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("trace: table: Link: parent trace %d not installed", parentNo)
	}
	if err := PatchExit(t.arena, parent.StubGroup, mcode.ExitNo(exitNo), child.Entry.Addr()); err != nil {
		return err
	}
	t.mu.Lock()
	parent.ChildCount++
	t.mu.Unlock()
	return nil
}

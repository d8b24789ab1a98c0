// Package mcode manages the executable memory a compiled trace's machine
// code is written into (spec §4.2 "Machine-code arena"). Code is generated
// backward (spec §4.4), so each arena region is filled from its high
// address downward: Reserve hands back everything below the current top,
// Commit lowers top to wherever the assembler actually stopped writing.
package mcode

import (
	"fmt"
	"syscall"
	"unsafe"

	"github.com/traceforge/tracecore/jitconfig"
)

// prot is one of the three page-protection states spec §4.2 names.
type prot int

const (
	protRW  prot = syscall.PROT_READ | syscall.PROT_WRITE
	protRX  prot = syscall.PROT_READ | syscall.PROT_EXEC
	protRWX prot = syscall.PROT_READ | syscall.PROT_WRITE | syscall.PROT_EXEC
)

// region is one fixed-size mmap'd area, linked to the area allocated before
// it — mirrors the original source's MCLink list (lj_mcode.c).
type region struct {
	mem  []byte
	next *region
	prot prot
	top  int // next free byte, counting down from len(mem); code fills [0:top).
}

// CodePtr names a byte offset within one region, used instead of a raw
// uintptr so patching stays inside Go's memory-safety rules until the
// assembler actually needs the executable address (taken via Addr).
type CodePtr struct {
	region *region
	Offset int
}

// Addr returns the absolute address of p's first byte, for embedding in
// generated jump/call immediates.
func (p CodePtr) Addr() uintptr {
	return uintptr(unsafe.Pointer(&p.region.mem[0])) + uintptr(p.Offset)
}

// Bytes returns a read-only view of the size bytes starting at p, for
// out-of-band inspection (spec §1 Non-goals' "debugging of the generated
// machine code is out-of-band tooling") rather than anything the generated
// code itself or the runtime it links into ever calls. Safe to read
// regardless of the region's current protection state: both genProt and
// runProt always keep PROT_READ set.
func (p CodePtr) Bytes(size int) []byte {
	return p.region.mem[p.Offset : p.Offset+size]
}

// Arena owns the linked list of machine-code regions for one JIT instance
// (spec §4.2 "linked list of fixed-size regions"). gen/run are the two
// protection states code toggles between while being assembled versus
// while running; genProt is RW unless the embedder opted into RWXPages
// (jitconfig.Config.RWXPages), exactly as the original source's
// LUAJIT_UNPROTECT_MCODE branch collapses GEN and RUN into one RWX state.
type Arena struct {
	cfg       jitconfig.Config
	head      *region
	totalSize int

	// stubBottom bump-allocates exit-stub groups from offset 0 upward, the
	// complement of top's downward consumption by committed trace code
	// (spec §4.2/§4.4.5: stubs live "at the bottom of the reserved mcode
	// area", a fixed region trace code committed from the top never reaches).
	stubBottom int
}

// NewArena returns an empty Arena using the size/limit parameters in cfg.
func NewArena(cfg jitconfig.Config) *Arena {
	return &Arena{cfg: cfg}
}

func (a *Arena) genProt() prot {
	if a.cfg.RWXPages {
		return protRWX
	}
	return protRW
}

func (a *Arena) runProt() prot {
	if a.cfg.RWXPages {
		return protRWX
	}
	return protRX
}

// regionSize is the per-area allocation size in bytes, rounded the way the
// original source rounds JIT_P_sizemcode up to a page multiple.
func (a *Arena) regionSize() int {
	sz := int(a.cfg.SizeMcode) << 10
	page := syscall.Getpagesize()
	return (sz + page - 1) &^ (page - 1)
}

func (a *Arena) allocRegion() (*region, error) {
	sz := a.regionSize()
	mem, err := syscall.Mmap(-1, 0, sz, int(a.genProt()), syscall.MAP_PRIVATE|syscall.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mcode: mmap %d bytes: %w", sz, err)
	}
	r := &region{mem: mem, next: a.head, prot: a.genProt(), top: sz}
	a.head = r
	a.totalSize += sz
	return r, nil
}

// Reserve returns the writable prefix of the current region, allocating a
// new region first if none exists yet, and ensures the region is in its
// generation (writable) protection state (spec §4.2 "reserve").
func (a *Arena) Reserve() ([]byte, error) {
	if a.head == nil {
		if _, err := a.allocRegion(); err != nil {
			return nil, err
		}
	} else if err := a.setProt(a.head, a.genProt()); err != nil {
		return nil, err
	}
	return a.head.mem[:a.head.top], nil
}

// Commit lowers the current region's top to newTop — the backward
// assembler's stopping point — and switches the region back to its run
// (executable) protection state (spec §4.2 "commit").
func (a *Arena) Commit(newTop int) error {
	if newTop < 0 || newTop > a.head.top {
		panic("mcode: Commit newTop out of range")
	}
	a.head.top = newTop
	return a.setProt(a.head, a.runProt())
}

// Abort discards an in-progress reservation without changing top, restoring
// the run protection state (spec §4.2 "abort").
func (a *Arena) Abort() error {
	if a.head == nil {
		return nil
	}
	return a.setProt(a.head, a.runProt())
}

func (a *Arena) setProt(r *region, p prot) error {
	if r.prot == p {
		return nil
	}
	if err := syscall.Mprotect(r.mem, int(p)); err != nil {
		return fmt.Errorf("mcode: mprotect: %w", err)
	}
	r.prot = p
	return nil
}

// PatchWindow reopens ptr's owning region for writing so an exit stub or
// guard target can be patched in place, returning a function that restores
// the region's run protection state (spec §4.2 "patch_window/patch_close").
func (a *Arena) PatchWindow(ptr CodePtr) (func() error, error) {
	if err := a.setProt(ptr.region, a.genProt()); err != nil {
		return nil, err
	}
	return func() error {
		return a.setProt(ptr.region, a.runProt())
	}, nil
}

// LimitErr is returned by Reserve/Commit callers that discover a reservation
// would not fit any single region, mirroring lj_mcode_limiterr's two
// outcomes: either the request can never fit (Permanent) or a fresh region
// should be allocated and the emission retried (Permanent=false).
type LimitErr struct {
	Permanent bool
	Need      int
}

func (e *LimitErr) Error() string {
	if e.Permanent {
		return fmt.Sprintf("mcode: %d bytes exceeds the per-region size limit", e.Need)
	}
	return fmt.Sprintf("mcode: %d bytes does not fit the current region, retry in a new one", e.Need)
}

// HandleLimit aborts the current reservation and either reports the need as
// permanently too large or allocates a fresh region for a retry, per
// lj_mcode_limiterr.
func (a *Arena) HandleLimit(need int) error {
	_ = a.Abort()
	if need > a.regionSize() {
		return &LimitErr{Permanent: true, Need: need}
	}
	if a.totalSize+a.regionSize() > int(a.cfg.MaxMcode)<<10 {
		return &LimitErr{Permanent: true, Need: need}
	}
	if _, err := a.allocRegion(); err != nil {
		return err
	}
	return &LimitErr{Permanent: false, Need: need}
}

// HeadPtr returns a CodePtr for offset bytes into the arena's current head
// region, the handle package trace records as a just-committed trace's
// entry point or an exit stub's jump slot (spec §4.2 "reserve/commit").
func (a *Arena) HeadPtr(offset int) CodePtr {
	return CodePtr{region: a.head, Offset: offset}
}

// ReserveStubs bump-allocates size bytes from the bottom of the current
// head region for one exit-stub group (spec §4.4.5). Unlike Reserve/Commit,
// which hand the backward assembler the shrinking top-down prefix for one
// trace's code, this grows upward from offset 0 and never overlaps it as
// long as stubBottom stays below top, checked here.
func (a *Arena) ReserveStubs(size int) (CodePtr, error) {
	if a.head == nil {
		if _, err := a.allocRegion(); err != nil {
			return CodePtr{}, err
		}
	}
	if a.stubBottom+size > a.head.top {
		return CodePtr{}, &LimitErr{Permanent: false, Need: size}
	}
	ptr := CodePtr{region: a.head, Offset: a.stubBottom}
	a.stubBottom += size
	return ptr, nil
}

// WriteStubs copies code (from BuildStubGroup) into the region at ptr,
// briefly reopening the region for writing the same way PatchWindow does
// for a later guard patch.
func (a *Arena) WriteStubs(ptr CodePtr, code []byte) error {
	closeFn, err := a.PatchWindow(ptr)
	if err != nil {
		return err
	}
	copy(ptr.region.mem[ptr.Offset:ptr.Offset+len(code)], code)
	return closeFn()
}

// Free releases every region's underlying mapping.
func (a *Arena) Free() error {
	var firstErr error
	for r := a.head; r != nil; {
		next := r.next
		if err := syscall.Munmap(r.mem); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcode: munmap: %w", err)
		}
		r = next
	}
	a.head = nil
	a.totalSize = 0
	return firstErr
}

// TotalSize returns the sum of every allocated region's size.
func (a *Arena) TotalSize() int { return a.totalSize }

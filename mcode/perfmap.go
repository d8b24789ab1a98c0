package mcode

import (
	"fmt"
	"os"
	"strconv"
	"sync"
)

// Perfmap writes `/tmp/perf-<pid>.map` entries so `perf report` can resolve
// addresses inside a trace's generated code back to a trace number, the way
// the original source's trace dump tooling lets a profiler attribute time
// to a specific trace rather than an anonymous address. Adapted from
// internal/engine/wazevo/wazevoapi/perfmap.go; it is a value returned by
// OpenPerfmap rather than a package-level global, so tests never touch the
// real filesystem unless they construct one explicitly.
type Perfmap struct {
	mu      sync.Mutex
	fh      *os.File
	entries []perfEntry
}

type perfEntry struct {
	addr uintptr
	size uint64
	name string
}

// OpenPerfmap opens (creating if needed) the perf map file for the current
// process. Nothing in this module opens one except its own test.
func OpenPerfmap() (*Perfmap, error) {
	name := "/tmp/perf-" + strconv.Itoa(os.Getpid()) + ".map"
	fh, err := os.OpenFile(name, os.O_APPEND|os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("mcode: open perfmap: %w", err)
	}
	return &Perfmap{fh: fh}, nil
}

// AddEntry records one trace's address range under name, typically
// "trace#<n>".
func (p *Perfmap) AddEntry(addr uintptr, size uint64, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, perfEntry{addr, size, name})
}

// Flush appends every recorded entry to the perf map file and clears the
// pending list.
func (p *Perfmap) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if _, err := p.fh.WriteString(fmt.Sprintf("%x %s %s\n", e.addr, strconv.FormatUint(e.size, 16), e.name)); err != nil {
			return fmt.Errorf("mcode: write perfmap: %w", err)
		}
	}
	p.entries = p.entries[:0]
	return p.fh.Sync()
}

// Close closes the underlying file.
func (p *Perfmap) Close() error { return p.fh.Close() }

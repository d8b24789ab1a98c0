package trace

import "github.com/traceforge/tracecore/runtimeabi"

// testHooks returns a RuntimeHooks value with every address zeroed. Tests
// in this package only assemble and commit machine code, never execute it,
// so a hook "address" only needs to be a valid int64 immediate, not a real
// callable pointer.
func testHooks() runtimeabi.RuntimeHooks {
	return runtimeabi.RuntimeHooks{}
}

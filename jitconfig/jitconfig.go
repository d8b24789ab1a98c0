// Package jitconfig holds the configuration options read once at the start
// of each compile job (spec §6 "Configuration options").
package jitconfig

// Config bundles every tunable named in §6. It is a plain struct rather than
// functional options, following the teacher's wazevo.engine config struct
// convention of a single settings value threaded through a job.
type Config struct {
	// Optimization enable bits.
	OptFold   bool
	OptCSE    bool
	OptDCE    bool
	OptFwd    bool
	OptDSE    bool
	OptNarrow bool
	OptLoop   bool
	OptFuse   bool

	// Heuristic thresholds.
	HotLoop     uint32
	HotExit     uint32
	TrySide     uint32
	MaxTrace    uint32
	MaxRecord   uint32
	MaxIRConst  uint32
	MaxSide     uint32
	MaxSnap     uint32
	InstUnroll  uint32
	LoopUnroll  uint32
	CallUnroll  uint32
	RecUnroll   uint32
	SizeMcode   uint32 // KiB per arena region.
	MaxMcode    uint32 // KiB, total cap across all regions.

	// CPU feature flags (§6), read once and never re-probed mid-job.
	CMOV       bool
	SSE2       bool
	SSE4_1     bool
	PreferIMUL bool
	SplitXMM   bool
	LEAAGU     bool

	// RWXPages opts into the single-protection RWX mode described in §4.2
	// and discouraged in §9 for untrusted-input hosts; default false.
	RWXPages bool
}

// Default returns the configuration used when the embedding runtime does not
// override anything, with values chosen to match the reference LuaJIT
// thresholds that the original source (lj_jit.h) hard-codes as macros.
func Default() Config {
	return Config{
		OptFold: true, OptCSE: true, OptDCE: true, OptFwd: true,
		OptDSE: true, OptNarrow: true, OptLoop: true, OptFuse: true,

		HotLoop: 56, HotExit: 10, TrySide: 4,
		MaxTrace: 1000, MaxRecord: 4000, MaxIRConst: 2000,
		MaxSide: 100, MaxSnap: 500,
		InstUnroll: 4, LoopUnroll: 15, CallUnroll: 3, RecUnroll: 2,
		SizeMcode: 32, MaxMcode: 512,

		CMOV: true, SSE2: true, SSE4_1: true, PreferIMUL: false,
		SplitXMM: false, LEAAGU: true,
	}
}

// ----- Debug toggles -----
// These must be false by default; flip them only while debugging a job,
// matching wazevoapi.debug_consts's "disabled by default" convention.
const (
	LogIR       = false
	LogLoopOpt  = false
	LogRegAlloc = false
	LogMcode    = false

	// ValidateIR and ValidateRegAlloc run extra O(n) consistency checks
	// after each pass; keep these on until the implementation has gone
	// through a long fuzzing soak, per the teacher's SSAValidationEnabled
	// rationale.
	ValidateIR       = true
	ValidateRegAlloc = true
)

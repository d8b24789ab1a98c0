package asm

import "github.com/traceforge/tracecore/joberr"

// Phase is one state of the recording/assembly state machine (spec §4.4.7:
// "Idle → Recording → Start → End → Asm → (Idle | Err)"). trace.Compile
// drives the transitions; AsmState only tracks which one it is in so a
// caller can tell a realign retry (Asm → Asm) apart from a clean finish.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseRecording
	PhaseStart
	PhaseEnd
	PhaseAsm
	PhaseErr
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseRecording:
		return "Recording"
	case PhaseStart:
		return "Start"
	case PhaseEnd:
		return "End"
	case PhaseAsm:
		return "Asm"
	case PhaseErr:
		return "Err"
	default:
		return "?"
	}
}

// maxRealign names a realignment retry bound of 8. Nothing in this package
// reads it: RequestRealign does not count retries, and trace.Compile caps
// them with its own maxRealignRetries.
const maxRealign = 8

// EnterPhase threads the state machine through AsmState; it panics
// (via joberr.Throw, for use inside a joberr.Protected call) on an illegal
// transition, since reaching one means a caller bug rather than a
// recoverable compile failure.
func (s *AsmState) EnterPhase(p Phase) {
	if !legalTransition(s.phase, p) {
		joberr.Throw(0, joberr.ErrBadRegAlloc)
	}
	s.phase = p
}

func (s *AsmState) CurrentPhase() Phase { return s.phase }

func legalTransition(from, to Phase) bool {
	switch from {
	case PhaseIdle:
		return to == PhaseRecording
	case PhaseRecording:
		return to == PhaseStart
	case PhaseStart:
		return to == PhaseEnd
	case PhaseEnd:
		return to == PhaseAsm
	case PhaseAsm:
		return to == PhaseAsm || to == PhaseIdle || to == PhaseErr
	case PhaseErr:
		return false
	default:
		return false
	}
}

// RequestRealign marks that the short loop branch at codeOffset needs
// widening and the backward walk must restart from scratch (spec §4.4.7
// "the realign pointer is set, the code pointer is rewound, and the whole
// backward walk restarts"). It is a property of the loop, not of this one
// emission attempt, so it survives across the Asm → Asm retry and is only
// cleared by ClearRealign once a pass completes without tripping it again.
func (s *AsmState) RequestRealign(codeOffset int) {
	s.realign = true
	s.realignAt = codeOffset
}

// PendingRealign reports whether the previous pass requested a realign
// retry, and the code offset it should rewind to.
func (s *AsmState) PendingRealign() (int, bool) {
	return s.realignAt, s.realign
}

// ClearRealign resets the realign marker once a pass completes without
// requesting another one.
func (s *AsmState) ClearRealign() {
	s.realign = false
	s.realignAt = 0
}

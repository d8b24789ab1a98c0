package ir

// SnapFlag marks a special condition on one SnapEntry (spec §3 "snapshot
// map entry ... dead/live-ref/frame-link").
type SnapFlag uint8

const (
	// SnapDead marks a slot whose value is no longer needed once this
	// snapshot's guard exits — the assembler can skip restoring it.
	SnapDead SnapFlag = 1 << iota
	// SnapFrame marks a slot that holds a saved frame-link/continuation
	// marker rather than a traced value.
	SnapFrame
)

// SnapEntry packs one interpreter-stack-slot-to-ref mapping into 32 bits:
// low 16 bits the ref, next 8 bits the slot index, top 8 bits the flags.
// Mirrors the original source's SnapEntry bitfield (lj_jit.h).
type SnapEntry uint32

// MakeSnapEntry packs slot, ref and flags into a SnapEntry.
func MakeSnapEntry(slot uint8, ref Ref, flags SnapFlag) SnapEntry {
	return SnapEntry(ref) | SnapEntry(slot)<<16 | SnapEntry(flags)<<24
}

// Ref unpacks the ref half of e.
func (e SnapEntry) Ref() Ref { return Ref(e & 0xffff) }

// Slot unpacks the interpreter stack slot index.
func (e SnapEntry) Slot() uint8 { return uint8(e >> 16) }

// Flags unpacks the SnapFlag bits.
func (e SnapEntry) Flags() SnapFlag { return SnapFlag(e >> 24) }

// IsDead reports whether e is marked SnapDead.
func (e SnapEntry) IsDead() bool { return e.Flags()&SnapDead != 0 }

// IsFrameLink reports whether e is marked SnapFrame.
func (e SnapEntry) IsFrameLink() bool { return e.Flags()&SnapFrame != 0 }

// Snapshot records interpreter state at one point in a trace so execution
// can resume in the interpreter if a guard fails there (spec §3
// "Snapshot"). Ref is the IR ref the snapshot was taken at: only
// instructions before Ref are guaranteed live:dead-checked by this
// snapshot's Entries.
type Snapshot struct {
	Ref     Ref
	ExitNo  uint32
	NSlots  uint16

	// FrameLinkCount counts Entries marked SnapFrame, tracked alongside
	// the slot map itself (spec §3 "Snapshot ... frame-link count").
	FrameLinkCount uint16

	// TakenCount counts how many times execution has actually exited
	// through this snapshot's guard (spec §3 "taken-exit counter");
	// jitconfig.Config.TrySide gates when a side trace gets recorded for
	// a hot exit.
	TakenCount uint32

	Entries []SnapEntry
}

// RecordExit increments snap's taken-exit counter, called each time the
// guard this snapshot backs actually fails at runtime.
func (s *Snapshot) RecordExit() { s.TakenCount++ }

// SnapRef returns the ref snap was taken at (spec §3 "snap_ref accessor").
func (s *Snapshot) SnapRef() Ref { return s.Ref }

// AddEntry appends one slot->ref mapping to snap.
func (s *Snapshot) AddEntry(slot uint8, ref Ref, flags SnapFlag) {
	s.Entries = append(s.Entries, MakeSnapEntry(slot, ref, flags))
	if flags&SnapFrame != 0 {
		s.FrameLinkCount++
	}
}

// SnapshotBegin starts recording a new snapshot at the buffer's current
// ref (spec §3 "snapshot_begin(base_ref)") and returns it for the caller to
// populate with AddEntry. base is the stack-base ref the snapshot's slot
// indices are relative to.
func (b *Buffer) SnapshotBegin(base Ref, nslots uint16) *Snapshot {
	b.snaps = append(b.snaps, Snapshot{
		Ref:    b.NextRef(),
		ExitNo: uint32(len(b.snaps)),
		NSlots: nslots,
	})
	_ = base // recorded implicitly: slot 0 of every snapshot is relative to base.
	return &b.snaps[len(b.snaps)-1]
}

// Snapshots returns every snapshot recorded so far, in exit-number order.
func (b *Buffer) Snapshots() []Snapshot { return b.snaps }

// Snapshot returns the snapshot for the given exit number.
func (b *Buffer) Snapshot(exitNo uint32) *Snapshot { return &b.snaps[exitNo] }

// SnapRidSP returns the post-allocation RegSP for the ref held in snap's
// i'th entry (spec §3 "snap_ridsp accessor"), used when patching an exit
// stub to find where a live value was last assigned.
func (b *Buffer) SnapRidSP(s *Snapshot, i int) RegSP {
	ref := s.Entries[i].Ref()
	if ref.IsPrimitive() {
		return noRegSP
	}
	return b.RegSP(ref)
}

// DuplicateSnapshot appends a fresh copy of src at the buffer's current ref,
// remapping each entry through remap, and returns it (§4.3 step 3: "If ...
// append a new one"). Used by the loop optimizer's copy-substitution pass.
func (b *Buffer) DuplicateSnapshot(src *Snapshot, remap func(SnapEntry) Ref) *Snapshot {
	dup := Snapshot{Ref: b.NextRef(), ExitNo: uint32(len(b.snaps)), NSlots: src.NSlots}
	for _, e := range src.Entries {
		dup.Entries = append(dup.Entries, MakeSnapEntry(e.Slot(), remap(e), e.Flags()))
		if e.Flags()&SnapFrame != 0 {
			dup.FrameLinkCount++
		}
	}
	b.snaps = append(b.snaps, dup)
	return &b.snaps[len(b.snaps)-1]
}

// OverwriteLastSnapshot replaces the most recently appended snapshot in
// place with a fresh copy of src remapped through remap, keeping its
// ExitNo (§4.3 step 3: "If no guard has been emitted since the previous
// duplicated snapshot, overwrite the previous duplicate"). Falls back to
// DuplicateSnapshot if there is no previous snapshot to overwrite.
func (b *Buffer) OverwriteLastSnapshot(src *Snapshot, remap func(SnapEntry) Ref) *Snapshot {
	if len(b.snaps) == 0 {
		return b.DuplicateSnapshot(src, remap)
	}
	last := &b.snaps[len(b.snaps)-1]
	last.Ref = b.NextRef()
	last.NSlots = src.NSlots
	last.Entries = last.Entries[:0]
	last.FrameLinkCount = 0
	for _, e := range src.Entries {
		last.Entries = append(last.Entries, MakeSnapEntry(e.Slot(), remap(e), e.Flags()))
		if e.Flags()&SnapFrame != 0 {
			last.FrameLinkCount++
		}
	}
	return last
}

// DiscardLastSnapshot drops the most recently appended snapshot (§4.3 step
// 4: "discard the trailing duplicate if no guard followed it").
func (b *Buffer) DiscardLastSnapshot() {
	if len(b.snaps) > 0 {
		b.snaps = b.snaps[:len(b.snaps)-1]
	}
}

// rollbackSnapshots discards every snapshot taken at or after to, called by
// Rollback to keep the snapshot table consistent with the truncated IR.
func (b *Buffer) rollbackSnapshots(to Ref) {
	i := len(b.snaps)
	for i > 0 && b.snaps[i-1].Ref >= to {
		i--
	}
	b.snaps = b.snaps[:i]
}

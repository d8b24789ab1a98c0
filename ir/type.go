package ir

// Type packs a 5-bit type tag with three 1-bit flags (GUARD, PHI, MARK)
// into one byte, per spec §3 "IR instruction ... type/flag byte (type tag +
// GUARD + PHI + MARK bits)". Layout follows the original source's IRType1
// exactly: low 5 bits are the tag, bit 5 is MARK, bit 6 is GUARD, bit 7 is
// PHI.
type Type uint8

// Type tags (low 5 bits). The ordering matters: the integer tags from
// TagInt through TagU16 must be contiguous and adjacent to TagNum so a
// range check (IsInteger) can test membership with one comparison, exactly
// as irt_isinteger does in the original source.
const (
	TagNil Type = iota
	TagFalse
	TagTrue
	TagLightUserdata
	TagString
	TagPointer
	TagThread
	TagFunction
	TagTable
	TagUserdata

	TagNum // float64
	TagInt
	TagI8
	TagU8
	TagI16
	TagU16

	tagMask Type = 0x1f

	FlagMark  Type = 0x20
	FlagGuard Type = 0x40
	FlagPhi   Type = 0x80
)

// Tag returns the bare type tag, stripping MARK/GUARD/PHI.
func (t Type) Tag() Type { return t & tagMask }

// IsPrimitive reports whether the tag is one of nil/false/true.
func (t Type) IsPrimitive() bool { return t.Tag() <= TagTrue }

// IsInteger reports whether the tag is one of the narrow or wide integer
// types (TagInt..TagU16); TagNum (float64) is excluded.
func (t Type) IsInteger() bool { return t.Tag() >= TagInt && t.Tag() <= TagU16 }

// IsFloat reports whether the tag is TagNum.
func (t Type) IsFloat() bool { return t.Tag() == TagNum }

// IsGCObject reports whether the tag is one of the garbage-collected object
// tags (string, thread, function, table, userdata).
func (t Type) IsGCObject() bool {
	tag := t.Tag()
	return tag == TagString || tag == TagThread || tag == TagFunction ||
		tag == TagTable || tag == TagUserdata
}

// WithGuard returns t with the GUARD flag set.
func (t Type) WithGuard() Type { return t | FlagGuard }

// IsGuard reports whether the GUARD flag is set.
func (t Type) IsGuard() bool { return t&FlagGuard != 0 }

// WithPhi returns t with the PHI flag set.
func (t Type) WithPhi() Type { return t | FlagPhi }

// ClearPhi returns t with the PHI flag cleared (§4.3 step 3: "re-emit I
// ... with clears of any PHI flag").
func (t Type) ClearPhi() Type { return t &^ FlagPhi }

// IsPhi reports whether the PHI flag is set.
func (t Type) IsPhi() bool { return t&FlagPhi != 0 }

// WithMark / IsMarked / ClearMark manipulate the scratch MARK bit used by
// the loop optimizer's PHI-candidate sweeps (§4.3 step 5).
func (t Type) WithMark() Type  { return t | FlagMark }
func (t Type) IsMarked() bool  { return t&FlagMark != 0 }
func (t Type) ClearMark() Type { return t &^ FlagMark }

// SameType reports whether t and u have the same underlying tag, ignoring
// flags (original source: irt_sametype).
func (t Type) SameType(u Type) bool { return t.Tag() == u.Tag() }

func (t Type) String() string {
	names := [...]string{
		"nil", "false", "true", "lightud", "string", "ptr", "thread",
		"func", "table", "userdata", "num", "int", "i8", "u8", "i16", "u16",
	}
	tag := t.Tag()
	s := "?"
	if int(tag) < len(names) {
		s = names[tag]
	}
	if t.IsGuard() {
		s += "!"
	}
	if t.IsPhi() {
		s += "<phi>"
	}
	return s
}

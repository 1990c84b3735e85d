package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// AttributeSlot: where a single attribute lives
// ---------------------------------------------------------------------------

// AttributeFlags describe how an attribute is stored.
type AttributeFlags uint8

const (
	AttrNone AttributeFlags = 0

	// AttrInObject means the attribute is stored directly in the instance.
	// When unset the attribute lives in the instance's overflow container.
	AttrInObject AttributeFlags = 1

	// AttrDeleted marks a tombstoned in-object slot.
	AttrDeleted AttributeFlags = 2

	// AttrFixedOffset marks a slot whose offset is stable across every
	// transition of the shape family.
	AttrFixedOffset AttributeFlags = 4

	// AttrReadOnly rejects writes from managed code.
	AttrReadOnly AttributeFlags = 8
)

const (
	slotOffsetBits = 30
	slotOffsetMask = (1 << slotOffsetBits) - 1

	// MaxOffset is the largest offset an AttributeSlot can describe.
	MaxOffset = slotOffsetMask
)

// AttributeSlot is the location record for one attribute.
//
// Offset is a byte offset from the start of the instance for in-object
// attributes and an index into the overflow container otherwise.
type AttributeSlot struct {
	Offset uint32
	Flags  AttributeFlags
}

// NewAttributeSlot creates a slot. Panics if offset exceeds MaxOffset.
func NewAttributeSlot(offset uint32, flags AttributeFlags) AttributeSlot {
	if offset > MaxOffset {
		panic(fmt.Sprintf("NewAttributeSlot: offset %d too large (max is %d)", offset, MaxOffset))
	}
	return AttributeSlot{Offset: offset, Flags: flags}
}

func (s AttributeSlot) has(f AttributeFlags) bool { return s.Flags&f != 0 }

// IsInObject reports whether the attribute is stored in the instance.
func (s AttributeSlot) IsInObject() bool { return s.has(AttrInObject) }

// IsOverflow reports whether the attribute is stored in the overflow container.
func (s AttributeSlot) IsOverflow() bool { return !s.has(AttrInObject) }

// IsDeleted reports whether the slot is a tombstone.
func (s AttributeSlot) IsDeleted() bool { return s.has(AttrDeleted) }

// IsFixedOffset reports whether the offset is contractually stable.
func (s AttributeSlot) IsFixedOffset() bool { return s.has(AttrFixedOffset) }

// IsReadOnly reports whether writes must be rejected.
func (s AttributeSlot) IsReadOnly() bool { return s.has(AttrReadOnly) }

// Pack encodes the slot into a single word: the offset in the low 30 bits
// and the flags above it.
func (s AttributeSlot) Pack() uint64 {
	return uint64(s.Offset&slotOffsetMask) | uint64(s.Flags)<<slotOffsetBits
}

// UnpackAttributeSlot decodes a word produced by Pack.
func UnpackAttributeSlot(word uint64) AttributeSlot {
	return AttributeSlot{
		Offset: uint32(word & slotOffsetMask),
		Flags:  AttributeFlags(word >> slotOffsetBits),
	}
}

// String implements the Stringer interface.
func (s AttributeSlot) String() string {
	where := "overflow"
	if s.IsInObject() {
		where = "inobject"
	}
	return fmt.Sprintf("%s@%d%s", where, s.Offset, s.Flags.suffix())
}

func (f AttributeFlags) suffix() string {
	var parts []string
	if f&AttrDeleted != 0 {
		parts = append(parts, "deleted")
	}
	if f&AttrFixedOffset != 0 {
		parts = append(parts, "fixed")
	}
	if f&AttrReadOnly != 0 {
		parts = append(parts, "readonly")
	}
	if len(parts) == 0 {
		return ""
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Attribute pairs a name with its slot. Tombstones have an empty name.
type Attribute struct {
	Name string
	Slot AttributeSlot
}

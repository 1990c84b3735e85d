package vm

import (
	"fmt"
	"strings"
)

// ShapeID is the stable identity of a Shape. It doubles as the concrete
// class identity for sealed builtin shapes.
type ShapeID uint32

// RootShapeID is the empty shape every registry starts with.
const RootShapeID ShapeID = 0

// ---------------------------------------------------------------------------
// Shape: attribute layout for one attribute configuration
// ---------------------------------------------------------------------------

// Shape describes where each attribute of one attribute configuration is
// stored. Shapes are immutable once published; the transition edges are
// owned by the Registry and only touched under its lock.
//
// Shapes use a hybrid layout:
//   - in-object attributes live at byte offsets inside the instance,
//     bounded by the in-object capacity reserved by the instance size
//   - overflow attributes live by index in a per-instance container
type Shape struct {
	id       ShapeID
	class    *Class
	inObject []Attribute
	overflow []Attribute
	capacity int  // in-object slots reserved by the instance size
	sealed   bool // no transitions, no overflow
	builtin  bool // created outside the transition DAG

	additions map[string]ShapeID
	deletions map[string]ShapeID
}

func newShape(class *Class, capacity int) *Shape {
	return &Shape{
		class:     class,
		capacity:  capacity,
		additions: make(map[string]ShapeID),
		deletions: make(map[string]ShapeID),
	}
}

// ID returns the shape identity.
func (s *Shape) ID() ShapeID { return s.id }

// Class returns the described class (may be nil for the root shape).
func (s *Shape) Class() *Class { return s.class }

// Sealed returns true if the shape forbids structural transitions.
func (s *Shape) Sealed() bool { return s.sealed }

// Builtin returns true if the shape was reserved outside the transition DAG.
func (s *Shape) Builtin() bool { return s.builtin }

// InObjectCapacity returns the number of in-object slots an instance of
// this shape reserves, used or not.
func (s *Shape) InObjectCapacity() int { return s.capacity }

// NumInObject returns the number of in-object entries, tombstones included.
func (s *Shape) NumInObject() int { return len(s.inObject) }

// NumOverflow returns the number of overflow attributes.
func (s *Shape) NumOverflow() int { return len(s.overflow) }

// InObject returns a copy of the in-object attribute list.
func (s *Shape) InObject() []Attribute {
	return append([]Attribute(nil), s.inObject...)
}

// Overflow returns a copy of the overflow attribute list.
func (s *Shape) Overflow() []Attribute {
	return append([]Attribute(nil), s.overflow...)
}

// HasFreeInObjectSlot returns true if an added attribute would be
// placed in-object.
func (s *Shape) HasFreeInObjectSlot() bool {
	return !s.sealed && len(s.inObject) < s.capacity
}

// find scans in-object then overflow attributes. Tombstones never match.
func (s *Shape) find(name string) (AttributeSlot, bool) {
	if name == "" {
		return AttributeSlot{}, false
	}
	for i := range s.inObject {
		if s.inObject[i].Name == name && !s.inObject[i].Slot.IsDeleted() {
			return s.inObject[i].Slot, true
		}
	}
	for i := range s.overflow {
		if s.overflow[i].Name == name {
			return s.overflow[i].Slot, true
		}
	}
	return AttributeSlot{}, false
}

// AttributeNames returns the live attribute names, in-object first.
func (s *Shape) AttributeNames() []string {
	names := make([]string, 0, len(s.inObject)+len(s.overflow))
	for _, a := range s.inObject {
		if !a.Slot.IsDeleted() {
			names = append(names, a.Name)
		}
	}
	for _, a := range s.overflow {
		names = append(names, a.Name)
	}
	return names
}

// String implements the Stringer interface.
func (s *Shape) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Shape#%d(%s", s.id, s.class)
	if s.sealed {
		b.WriteString(", sealed")
	}
	b.WriteString(") {")
	for i, a := range s.inObject {
		if i > 0 {
			b.WriteString(", ")
		}
		name := a.Name
		if a.Slot.IsDeleted() {
			name = "<deleted>"
		}
		fmt.Fprintf(&b, "%s: %s", name, a.Slot)
	}
	if len(s.inObject) > 0 && len(s.overflow) > 0 {
		b.WriteString(" | ")
	}
	for i, a := range s.overflow {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %s", a.Name, a.Slot)
	}
	b.WriteString("}")
	return b.String()
}

package vm

import (
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// DefaultPointerSize is the size in bytes of one in-object slot.
const DefaultPointerSize = 8

// ---------------------------------------------------------------------------
// Registry: arena of shapes and the transition DAG
// ---------------------------------------------------------------------------

// Registry owns every Shape. Shapes are stored in an arena indexed by
// ShapeID; transition edges are id-keyed maps on each shape, so the DAG
// holds no live cross references.
type Registry struct {
	id     string
	mu     sync.RWMutex
	shapes []*Shape

	pointerSize  int
	rootCapacity int
	rootClass    *Class

	log commonlog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithPointerSize sets the byte size of an in-object slot.
func WithPointerSize(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.pointerSize = n
		}
	}
}

// WithRootCapacity sets the number of in-object slots reserved by the
// root shape. Attributes added to the root fill these slots first.
func WithRootCapacity(n int) RegistryOption {
	return func(r *Registry) {
		if n >= 0 {
			r.rootCapacity = n
		}
	}
}

// WithRootClass sets the class described by the root shape.
func WithRootClass(c *Class) RegistryOption {
	return func(r *Registry) { r.rootClass = c }
}

// NewRegistry creates a registry containing only the empty root shape.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		id:          uuid.NewString(),
		pointerSize: DefaultPointerSize,
		log:         commonlog.GetLogger("shapes.vm"),
	}
	for _, opt := range opts {
		opt(r)
	}
	root := newShape(r.rootClass, r.rootCapacity)
	r.publishLocked(root)
	return r
}

// publishLocked assigns the next id and appends s to the arena.
// Caller holds r.mu (or is the constructor).
func (r *Registry) publishLocked(s *Shape) *Shape {
	s.id = ShapeID(len(r.shapes))
	r.shapes = append(r.shapes, s)
	return s
}

// ID returns the registry's identity. Snapshots carry it so a restored
// registry keeps the identity of the one that was saved.
func (r *Registry) ID() string { return r.id }

// PointerSize returns the byte size of an in-object slot.
func (r *Registry) PointerSize() int { return r.pointerSize }

// Root returns the empty root shape.
func (r *Registry) Root() *Shape {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.shapes[RootShapeID]
}

// Shape returns the shape with the given id.
func (r *Registry) Shape(id ShapeID) (*Shape, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) >= len(r.shapes) {
		return nil, false
	}
	return r.shapes[id], true
}

// MustShape returns the shape with the given id.
// Panics if the id is unknown.
func (r *Registry) MustShape(id ShapeID) *Shape {
	s, ok := r.Shape(id)
	if !ok {
		panic(fmt.Sprintf("Registry.MustShape: unknown shape %d", id))
	}
	return s
}

// Len returns the number of shapes in the arena.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.shapes)
}

// FindAttribute returns the slot of a live attribute.
// Scans in-object attributes then overflow attributes.
func (r *Registry) FindAttribute(shape *Shape, name string) (AttributeSlot, bool) {
	return shape.find(name)
}

// Transition returns the memoized target of an addition or deletion
// edge, if one has been recorded.
func (r *Registry) Transition(shape *Shape, name string, deletion bool) (ShapeID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	edges := shape.additions
	if deletion {
		edges = shape.deletions
	}
	id, ok := edges[name]
	return id, ok
}

// AddAttribute returns the shape reached by adding name to shape.
//
// The transition is memoized: adding the same name to the same shape
// always returns the same result. The attribute takes the next free
// in-object slot while the shape has in-object capacity left and is
// appended to overflow otherwise. Placement flags in flags are ignored.
// Adding a name that is already live returns shape itself.
func (r *Registry) AddAttribute(shape *Shape, name string, flags AttributeFlags) (*Shape, error) {
	if shape.sealed {
		return nil, attrError("add", shape.id, name, ErrSealedShape)
	}
	if name == "" {
		return nil, attrError("add", shape.id, name, ErrInvalidName)
	}
	if _, ok := shape.find(name); ok {
		return shape, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := shape.additions[name]; ok {
		return r.shapes[id], nil
	}

	flags &^= AttrInObject | AttrDeleted
	next := newShape(shape.class, shape.capacity)
	if len(shape.inObject) < shape.capacity {
		offset := uint32(len(shape.inObject) * r.pointerSize)
		next.inObject = append(slices.Clip(shape.inObject), Attribute{
			Name: name,
			Slot: NewAttributeSlot(offset, flags|AttrInObject),
		})
		next.overflow = shape.overflow
	} else {
		next.inObject = shape.inObject
		next.overflow = append(slices.Clip(shape.overflow), Attribute{
			Name: name,
			Slot: NewAttributeSlot(uint32(len(shape.overflow)), flags),
		})
	}
	r.publishLocked(next)
	shape.additions[name] = next.id

	r.log.Debugf("shape %d +%s -> shape %d", shape.id, name, next.id)
	return next, nil
}

// DeleteAttribute returns the shape reached by removing name from shape.
//
// In-object attributes are tombstoned so that no other in-object offset
// moves. Overflow attributes are removed and every later overflow index
// is shifted down by one. The transition is memoized like AddAttribute.
func (r *Registry) DeleteAttribute(shape *Shape, name string) (*Shape, error) {
	if shape.sealed {
		return nil, attrError("delete", shape.id, name, ErrSealedShape)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := shape.deletions[name]; ok {
		return r.shapes[id], nil
	}

	next := newShape(shape.class, shape.capacity)
	if i := indexLive(shape.inObject, name); i >= 0 {
		next.inObject = slices.Clone(shape.inObject)
		slot := next.inObject[i].Slot
		next.inObject[i] = Attribute{Slot: AttributeSlot{Offset: slot.Offset, Flags: slot.Flags | AttrDeleted}}
		next.overflow = shape.overflow
	} else if j := indexLive(shape.overflow, name); j >= 0 {
		next.inObject = shape.inObject
		next.overflow = make([]Attribute, 0, len(shape.overflow)-1)
		next.overflow = append(next.overflow, shape.overflow[:j]...)
		for _, a := range shape.overflow[j+1:] {
			a.Slot.Offset--
			next.overflow = append(next.overflow, a)
		}
	} else {
		return nil, attrError("delete", shape.id, name, ErrNotFound)
	}
	r.publishLocked(next)
	shape.deletions[name] = next.id

	r.log.Debugf("shape %d -%s -> shape %d", shape.id, name, next.id)
	return next, nil
}

func indexLive(attrs []Attribute, name string) int {
	if name == "" {
		return -1
	}
	for i := range attrs {
		if attrs[i].Name == name && !attrs[i].Slot.IsDeleted() {
			return i
		}
	}
	return -1
}

// ShapeFor returns the shape reached from base by adding names in order.
func (r *Registry) ShapeFor(base *Shape, names ...string) (*Shape, error) {
	s := base
	for _, name := range names {
		var err error
		if s, err = r.AddAttribute(s, name, AttrNone); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ReserveBuiltin allocates a fresh shape outside the transition DAG,
// copying the attributes of base (or empty when base is nil).
//
// A sealed builtin stores every attribute in-object: overflow attributes
// of base are moved to in-object slots after base's in-object list.
func (r *Registry) ReserveBuiltin(base *Shape, sealed bool) ShapeID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s *Shape
	if base == nil {
		s = newShape(nil, 0)
	} else {
		s = newShape(base.class, base.capacity)
		s.inObject = base.inObject
		s.overflow = base.overflow
	}
	if sealed {
		inObject := slices.Clone(s.inObject)
		for _, a := range s.overflow {
			offset := uint32(len(inObject) * r.pointerSize)
			inObject = append(inObject, Attribute{
				Name: a.Name,
				Slot: NewAttributeSlot(offset, a.Slot.Flags|AttrInObject|AttrFixedOffset),
			})
		}
		s.inObject = inObject
		s.overflow = nil
		s.capacity = len(inObject)
		s.sealed = true
	}
	s.builtin = true
	r.publishLocked(s)

	r.log.Debugf("reserved builtin shape %d (sealed=%t)", s.id, sealed)
	return s.id
}

// AttributeSpec names one in-object attribute of a LayoutSpec.
type AttributeSpec struct {
	Name  string
	Flags AttributeFlags
}

// LayoutSpec describes a shape seeded with fixed in-object attributes,
// typically the instance layout of a class.
type LayoutSpec struct {
	Class    *Class
	InObject []AttributeSpec
	// Spare in-object slots for attributes added later. Ignored when sealed.
	ExtraCapacity int
	Sealed        bool
}

// NewLayout creates a shape from spec outside the transition DAG. Its
// in-object attributes get fixed offsets in declaration order.
func (r *Registry) NewLayout(spec LayoutSpec) (*Shape, error) {
	seen := make(map[string]bool, len(spec.InObject))
	for _, a := range spec.InObject {
		if a.Name == "" {
			return nil, fmt.Errorf("new layout for %s: %w", spec.Class, ErrInvalidName)
		}
		if seen[a.Name] {
			return nil, fmt.Errorf("new layout for %s: duplicate attribute %q", spec.Class, a.Name)
		}
		seen[a.Name] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	capacity := len(spec.InObject)
	if !spec.Sealed && spec.ExtraCapacity > 0 {
		capacity += spec.ExtraCapacity
	}
	s := newShape(spec.Class, capacity)
	s.inObject = make([]Attribute, len(spec.InObject))
	for i, a := range spec.InObject {
		flags := a.Flags&^AttrDeleted | AttrInObject | AttrFixedOffset
		s.inObject[i] = Attribute{Name: a.Name, Slot: NewAttributeSlot(uint32(i*r.pointerSize), flags)}
	}
	s.sealed = spec.Sealed
	s.builtin = true
	r.publishLocked(s)

	r.log.Debugf("new layout shape %d for %s", s.id, spec.Class)
	return s, nil
}

// ShapesDescribing returns the ids of every shape whose described class
// is c.
func (r *Registry) ShapesDescribing(c *Class) []ShapeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []ShapeID
	for _, s := range r.shapes {
		if s.class == c {
			ids = append(ids, s.id)
		}
	}
	return ids
}

// CheckWritable returns ErrReadOnlyAttribute for read-only slots.
func CheckWritable(slot AttributeSlot) error {
	if slot.IsReadOnly() {
		return ErrReadOnlyAttribute
	}
	return nil
}

package vm

import (
	"fmt"
	"sync"
)

// Instance is an object whose attributes are laid out by a Shape.
//
// Instances use a hybrid slot layout:
//   - a fixed in-object region sized to the shape's in-object capacity
//   - an overflow slice ordered like the current shape's overflow list
//
// The overflow slice is rebuilt whenever the shape changes, so index i
// always holds the i-th overflow attribute of the current shape. Shape and
// storage are swapped together under the instance lock.
type Instance struct {
	mu       sync.RWMutex
	reg      *Registry
	shape    *Shape
	inObject []Value
	overflow []Value
}

// NewInstance creates an instance of shape with every attribute unset.
func NewInstance(reg *Registry, shape *Shape) *Instance {
	return &Instance{
		reg:      reg,
		shape:    shape,
		inObject: make([]Value, shape.capacity),
		overflow: make([]Value, len(shape.overflow)),
	}
}

// NewInstanceWithAttributes creates an instance reached from base by
// adding names in order, storing the matching values.
// Panics if len(names) != len(values).
func NewInstanceWithAttributes(reg *Registry, base *Shape, names []string, values []Value) (*Instance, error) {
	if len(names) != len(values) {
		panic("NewInstanceWithAttributes: names and values differ in length")
	}
	shape, err := reg.ShapeFor(base, names...)
	if err != nil {
		return nil, err
	}
	inst := NewInstance(reg, shape)
	for i, name := range names {
		slot, _ := shape.find(name)
		inst.storeLocked(slot, values[i])
	}
	return inst, nil
}

// ShapeID returns the id of the instance's current shape.
func (in *Instance) ShapeID() ShapeID {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.shape.id
}

// Shape returns the instance's current shape.
func (in *Instance) Shape() *Shape {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.shape
}

// ---------------------------------------------------------------------------
// Slot access
// ---------------------------------------------------------------------------

func (in *Instance) loadLocked(slot AttributeSlot) Value {
	if slot.IsInObject() {
		return in.inObject[int(slot.Offset)/in.reg.pointerSize]
	}
	return in.overflow[slot.Offset]
}

func (in *Instance) storeLocked(slot AttributeSlot, v Value) {
	if slot.IsInObject() {
		in.inObject[int(slot.Offset)/in.reg.pointerSize] = v
		return
	}
	in.overflow[slot.Offset] = v
}

// LoadSlot returns the value stored at slot in the current shape.
// Panics if slot is out of range for the instance.
func (in *Instance) LoadSlot(slot AttributeSlot) Value {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.loadLocked(slot)
}

// LoadSlotIf loads slot only if the instance still has shape id.
// Cached fast paths use it so the shape check and the load are atomic.
func (in *Instance) LoadSlotIf(id ShapeID, slot AttributeSlot) (Value, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.shape.id != id {
		return nil, false
	}
	return in.loadLocked(slot), true
}

// StoreSlotIf stores into slot only if the instance still has shape id.
func (in *Instance) StoreSlotIf(id ShapeID, slot AttributeSlot, v Value) (bool, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.shape.id != id {
		return false, nil
	}
	if err := CheckWritable(slot); err != nil {
		return false, err
	}
	in.storeLocked(slot, v)
	return true, nil
}

// TransitionStoreIf moves the instance from shape id to next and stores v
// into slot of next. It does nothing and returns false if the instance is
// no longer in shape id.
func (in *Instance) TransitionStoreIf(id ShapeID, next *Shape, slot AttributeSlot, v Value) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.shape.id != id {
		return false
	}
	in.transitionLocked(next)
	in.storeLocked(slot, v)
	return true
}

// ---------------------------------------------------------------------------
// Attribute access by name
// ---------------------------------------------------------------------------

// Get returns the value of a stored attribute.
func (in *Instance) Get(name string) (Value, error) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	slot, ok := in.shape.find(name)
	if !ok {
		return nil, attrError("find", in.shape.id, name, ErrNotFound)
	}
	return in.loadLocked(slot), nil
}

// Set stores an attribute, transitioning to a new shape when name is not
// yet present. Read-only slots and sealed shapes reject the write.
func (in *Instance) Set(name string, v Value) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if slot, ok := in.shape.find(name); ok {
		if err := CheckWritable(slot); err != nil {
			return attrError("set", in.shape.id, name, err)
		}
		in.storeLocked(slot, v)
		return nil
	}

	next, err := in.reg.AddAttribute(in.shape, name, AttrNone)
	if err != nil {
		return err
	}
	in.transitionLocked(next)
	slot, _ := next.find(name)
	in.storeLocked(slot, v)
	return nil
}

// Delete removes an attribute, transitioning to a new shape.
func (in *Instance) Delete(name string) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	old, ok := in.shape.find(name)
	if !ok {
		return attrError("delete", in.shape.id, name, ErrNotFound)
	}
	next, err := in.reg.DeleteAttribute(in.shape, name)
	if err != nil {
		return err
	}
	if old.IsInObject() {
		in.storeLocked(old, nil)
	}
	in.transitionLocked(next)
	return nil
}

// transitionLocked switches to next and rebuilds the overflow container
// to match next's overflow order. In-object storage never moves.
func (in *Instance) transitionLocked(next *Shape) {
	if next.capacity != len(in.inObject) {
		panic(fmt.Sprintf("Instance.transition: shape %d reserves %d in-object slots, instance has %d",
			next.id, next.capacity, len(in.inObject)))
	}
	overflow := make([]Value, len(next.overflow))
	for i, a := range next.overflow {
		for j, b := range in.shape.overflow {
			if a.Name == b.Name {
				overflow[i] = in.overflow[j]
				break
			}
		}
	}
	in.shape = next
	in.overflow = overflow
}

// Attributes returns the live attribute values keyed by name.
func (in *Instance) Attributes() map[string]Value {
	in.mu.RLock()
	defer in.mu.RUnlock()
	out := make(map[string]Value, len(in.shape.inObject)+len(in.shape.overflow))
	for _, a := range in.shape.inObject {
		if !a.Slot.IsDeleted() {
			out[a.Name] = in.loadLocked(a.Slot)
		}
	}
	for _, a := range in.shape.overflow {
		out[a.Name] = in.loadLocked(a.Slot)
	}
	return out
}

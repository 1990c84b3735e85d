package vm

import "errors"

// ---------------------------------------------------------------------------
// Resolver: the generic (slow path) attribute lookup
// ---------------------------------------------------------------------------

// Resolution is the outcome of a generic lookup. Payload is what the
// inline cache should remember for the receiver's shape; a nil Payload
// means the outcome must not be cached.
type Resolution struct {
	Value   Value
	Payload Value
}

// Resolver performs generic attribute resolution on a cache miss.
// Implementations decide what is cacheable; the Runtime populates the
// cache from the returned payload.
type Resolver interface {
	ResolveLoad(inst *Instance, name string) (Resolution, error)
	ResolveStore(inst *Instance, name string, v Value) (Resolution, error)
}

// Cache payloads understood by the Runtime fast paths.
type (
	// SlotPayload caches a stored attribute of the receiver.
	SlotPayload struct {
		Slot AttributeSlot
	}

	// ClassPayload caches a class-level attribute found through the
	// receiver's described class. Invalidated by SetClassAttribute.
	ClassPayload struct {
		Class *Class
		Name  string
		Value Value
	}

	// TransitionPayload caches a store that adds an attribute: receivers
	// in the keyed shape move to To and store into Slot.
	TransitionPayload struct {
		To   *Shape
		Slot AttributeSlot
	}
)

// Property is a class attribute computed on every access. Properties take
// precedence over stored attributes and are never cached.
type Property interface {
	Get(inst *Instance) (Value, error)
	Set(inst *Instance, v Value) error
}

// InstanceResolver is the default Resolver. Loads consult class
// properties, then stored attributes, then plain class attributes.
// Stores go to class properties or stored attributes.
type InstanceResolver struct{}

// ResolveLoad implements Resolver.
func (InstanceResolver) ResolveLoad(inst *Instance, name string) (Resolution, error) {
	shape := inst.Shape()
	if p, ok := classProperty(shape.class, name); ok {
		v, err := p.Get(inst)
		return Resolution{Value: v}, err
	}

	inst.mu.RLock()
	shape = inst.shape
	if slot, ok := shape.find(name); ok {
		v := inst.loadLocked(slot)
		inst.mu.RUnlock()
		return Resolution{Value: v, Payload: SlotPayload{Slot: slot}}, nil
	}
	inst.mu.RUnlock()

	if v, ok := shape.class.Attribute(name); ok {
		return Resolution{Value: v, Payload: ClassPayload{Class: shape.class, Name: name, Value: v}}, nil
	}
	return Resolution{}, attrError("find", shape.id, name, ErrNotFound)
}

// ResolveStore implements Resolver.
func (InstanceResolver) ResolveStore(inst *Instance, name string, v Value) (Resolution, error) {
	before := inst.Shape()
	if p, ok := classProperty(before.class, name); ok {
		return Resolution{Value: v}, p.Set(inst, v)
	}
	if err := inst.Set(name, v); err != nil {
		return Resolution{}, err
	}
	after := inst.Shape()
	slot, ok := after.find(name)
	if !ok {
		return Resolution{}, errors.New("store: attribute vanished after set")
	}
	if after == before {
		return Resolution{Value: v, Payload: SlotPayload{Slot: slot}}, nil
	}
	return Resolution{Value: v, Payload: TransitionPayload{To: after, Slot: slot}}, nil
}

func classProperty(c *Class, name string) (Property, bool) {
	v, ok := c.Attribute(name)
	if !ok {
		return nil, false
	}
	p, ok := v.(Property)
	return p, ok
}

package vm

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Registry snapshots
// ---------------------------------------------------------------------------

// SnapshotVersion is the current snapshot format version.
const SnapshotVersion = 1

// ErrBadSnapshot is returned for snapshots that cannot be restored.
var ErrBadSnapshot = errors.New("malformed snapshot")

// Snapshot is the serializable form of a Registry: every shape in id order
// together with its transition edges. Class attribute values are not part
// of a snapshot; classes are recorded by name and rebound on restore.
type Snapshot struct {
	Version     int           `cbor:"1,keyasint"`
	RegistryID  string        `cbor:"2,keyasint"`
	PointerSize int           `cbor:"3,keyasint"`
	Shapes      []ShapeRecord `cbor:"4,keyasint"`
}

// ShapeRecord is one shape of a Snapshot.
type ShapeRecord struct {
	Class     string             `cbor:"1,keyasint,omitempty"`
	Capacity  int                `cbor:"2,keyasint"`
	Sealed    bool               `cbor:"3,keyasint,omitempty"`
	Builtin   bool               `cbor:"4,keyasint,omitempty"`
	InObject  []AttributeRecord  `cbor:"5,keyasint,omitempty"`
	Overflow  []AttributeRecord  `cbor:"6,keyasint,omitempty"`
	Additions map[string]ShapeID `cbor:"7,keyasint,omitempty"`
	Deletions map[string]ShapeID `cbor:"8,keyasint,omitempty"`
}

// AttributeRecord is one attribute with its packed slot word.
type AttributeRecord struct {
	Name string `cbor:"1,keyasint"`
	Slot uint64 `cbor:"2,keyasint"`
}

var snapshotEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	snapshotEncMode = em
}

// Snapshot captures the registry's current shapes.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := &Snapshot{
		Version:     SnapshotVersion,
		RegistryID:  r.id,
		PointerSize: r.pointerSize,
		Shapes:      make([]ShapeRecord, len(r.shapes)),
	}
	for i, shape := range r.shapes {
		rec := ShapeRecord{
			Capacity:  shape.capacity,
			Sealed:    shape.sealed,
			Builtin:   shape.builtin,
			InObject:  attributeRecords(shape.inObject),
			Overflow:  attributeRecords(shape.overflow),
			Additions: copyEdges(shape.additions),
			Deletions: copyEdges(shape.deletions),
		}
		if shape.class != nil {
			rec.Class = shape.class.Name
		}
		s.Shapes[i] = rec
	}
	return s
}

func attributeRecords(attrs []Attribute) []AttributeRecord {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]AttributeRecord, len(attrs))
	for i, a := range attrs {
		out[i] = AttributeRecord{Name: a.Name, Slot: a.Slot.Pack()}
	}
	return out
}

func copyEdges(edges map[string]ShapeID) map[string]ShapeID {
	if len(edges) == 0 {
		return nil
	}
	out := make(map[string]ShapeID, len(edges))
	for k, v := range edges {
		out[k] = v
	}
	return out
}

// MarshalSnapshot serializes the registry to canonical CBOR.
func MarshalSnapshot(r *Registry) ([]byte, error) {
	return snapshotEncMode.Marshal(r.Snapshot())
}

// UnmarshalSnapshot decodes CBOR produced by MarshalSnapshot.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("vm: unmarshal snapshot: %w", err)
	}
	return &s, nil
}

// ClassLookup maps a recorded class name back to a live class. Returning
// nil makes the restore create an empty class of that name.
type ClassLookup func(name string) *Class

// LoadSnapshot decodes data and restores the registry it describes.
func LoadSnapshot(data []byte, classes ClassLookup) (*Registry, error) {
	s, err := UnmarshalSnapshot(data)
	if err != nil {
		return nil, err
	}
	return RestoreRegistry(s, classes)
}

// RestoreRegistry rebuilds a registry from s. Shape ids, offsets and
// transition edges are preserved exactly, so caches keyed by the saved
// ids remain meaningful for the restored registry.
func RestoreRegistry(s *Snapshot, classes ClassLookup) (*Registry, error) {
	if s.Version != SnapshotVersion {
		return nil, fmt.Errorf("%w: version %d, want %d", ErrBadSnapshot, s.Version, SnapshotVersion)
	}
	if len(s.Shapes) == 0 {
		return nil, fmt.Errorf("%w: no root shape", ErrBadSnapshot)
	}
	if s.PointerSize <= 0 {
		return nil, fmt.Errorf("%w: pointer size %d", ErrBadSnapshot, s.PointerSize)
	}

	bound := make(map[string]*Class)
	classFor := func(name string) *Class {
		if name == "" {
			return nil
		}
		if c, ok := bound[name]; ok {
			return c
		}
		var c *Class
		if classes != nil {
			c = classes(name)
		}
		if c == nil {
			c = NewClass(name)
		}
		bound[name] = c
		return c
	}

	r := NewRegistry(WithPointerSize(s.PointerSize))
	r.id = s.RegistryID
	r.shapes = make([]*Shape, len(s.Shapes))
	for i, rec := range s.Shapes {
		if err := checkAttributeRecords(rec, s.PointerSize); err != nil {
			return nil, fmt.Errorf("shape %d: %w", i, err)
		}
		shape := newShape(classFor(rec.Class), rec.Capacity)
		shape.id = ShapeID(i)
		shape.sealed = rec.Sealed
		shape.builtin = rec.Builtin
		shape.inObject = attributesFromRecords(rec.InObject)
		shape.overflow = attributesFromRecords(rec.Overflow)
		r.shapes[i] = shape
	}
	for i, rec := range s.Shapes {
		if err := restoreEdges(r.shapes[i].additions, rec.Additions, len(r.shapes)); err != nil {
			return nil, fmt.Errorf("shape %d additions: %w", i, err)
		}
		if err := restoreEdges(r.shapes[i].deletions, rec.Deletions, len(r.shapes)); err != nil {
			return nil, fmt.Errorf("shape %d deletions: %w", i, err)
		}
	}
	root := r.shapes[RootShapeID]
	r.rootCapacity = root.capacity
	r.rootClass = root.class

	r.log.Infof("restored registry %s: %d shapes", r.id, len(r.shapes))
	return r, nil
}

// checkAttributeRecords rejects slots that would index outside an
// instance's storage: in-object offsets must address distinct words below
// the capacity, and overflow offsets must number the overflow container
// 0..n-1 in order.
func checkAttributeRecords(rec ShapeRecord, pointerSize int) error {
	if rec.Capacity < 0 || len(rec.InObject) > rec.Capacity {
		return fmt.Errorf("%w: %d in-object attributes with capacity %d", ErrBadSnapshot, len(rec.InObject), rec.Capacity)
	}
	used := make(map[uint32]bool, len(rec.InObject))
	for _, a := range rec.InObject {
		slot := UnpackAttributeSlot(a.Slot)
		if !slot.IsInObject() {
			return fmt.Errorf("%w: in-object attribute %q is not flagged in-object", ErrBadSnapshot, a.Name)
		}
		word := int(slot.Offset) / pointerSize
		if int(slot.Offset)%pointerSize != 0 || word >= rec.Capacity {
			return fmt.Errorf("%w: attribute %q at offset %d outside capacity %d", ErrBadSnapshot, a.Name, slot.Offset, rec.Capacity)
		}
		if used[slot.Offset] {
			return fmt.Errorf("%w: attribute %q reuses offset %d", ErrBadSnapshot, a.Name, slot.Offset)
		}
		used[slot.Offset] = true
	}
	for i, a := range rec.Overflow {
		slot := UnpackAttributeSlot(a.Slot)
		if slot.IsInObject() {
			return fmt.Errorf("%w: overflow attribute %q is flagged in-object", ErrBadSnapshot, a.Name)
		}
		if int(slot.Offset) != i {
			return fmt.Errorf("%w: overflow attribute %q at index %d, want %d", ErrBadSnapshot, a.Name, slot.Offset, i)
		}
	}
	return nil
}

func attributesFromRecords(recs []AttributeRecord) []Attribute {
	if len(recs) == 0 {
		return nil
	}
	out := make([]Attribute, len(recs))
	for i, rec := range recs {
		out[i] = Attribute{Name: rec.Name, Slot: UnpackAttributeSlot(rec.Slot)}
	}
	return out
}

func restoreEdges(dst, src map[string]ShapeID, n int) error {
	for name, id := range src {
		if int(id) >= n {
			return fmt.Errorf("%w: edge %q to unknown shape %d", ErrBadSnapshot, name, id)
		}
		dst[name] = id
	}
	return nil
}

package vm

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func mustAdd(t *testing.T, r *Registry, s *Shape, name string) *Shape {
	t.Helper()
	next, err := r.AddAttribute(s, name, AttrNone)
	if err != nil {
		t.Fatalf("AddAttribute(%d, %q) failed: %v", s.ID(), name, err)
	}
	return next
}

func mustDelete(t *testing.T, r *Registry, s *Shape, name string) *Shape {
	t.Helper()
	next, err := r.DeleteAttribute(s, name)
	if err != nil {
		t.Fatalf("DeleteAttribute(%d, %q) failed: %v", s.ID(), name, err)
	}
	return next
}

func mustFind(t *testing.T, r *Registry, s *Shape, name string) AttributeSlot {
	t.Helper()
	slot, ok := r.FindAttribute(s, name)
	if !ok {
		t.Fatalf("FindAttribute(%d, %q) not found", s.ID(), name)
	}
	return slot
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
	root := r.Root()
	if root.ID() != RootShapeID {
		t.Errorf("Root().ID() = %d, want %d", root.ID(), RootShapeID)
	}
	if root.NumInObject() != 0 || root.NumOverflow() != 0 {
		t.Errorf("root has attributes: %v", root)
	}
	if r.PointerSize() != DefaultPointerSize {
		t.Errorf("PointerSize() = %d, want %d", r.PointerSize(), DefaultPointerSize)
	}
	if r.ID() == "" || r.ID() == NewRegistry().ID() {
		t.Errorf("registry ids are not unique: %q", r.ID())
	}
	if _, ok := r.Shape(1); ok {
		t.Error("Shape(1) found in a fresh registry")
	}
}

func TestAddAttributeMemoized(t *testing.T) {
	r := NewRegistry()
	s1 := mustAdd(t, r, r.Root(), "x")
	s2 := mustAdd(t, r, r.Root(), "x")
	if s1 != s2 {
		t.Errorf("adding x twice gave shapes %d and %d", s1.ID(), s2.ID())
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
	if id, ok := r.Transition(r.Root(), "x", false); !ok || id != s1.ID() {
		t.Errorf("Transition(root, x) = %d, %v; want %d, true", id, ok, s1.ID())
	}
	if _, ok := r.Transition(r.Root(), "x", true); ok {
		t.Error("deletion edge recorded for an addition")
	}

	// Different paths to the same attribute set are distinct shapes.
	xy := mustAdd(t, r, s1, "y")
	yx := mustAdd(t, r, mustAdd(t, r, r.Root(), "y"), "x")
	if xy == yx {
		t.Error("{x,y} and {y,x} share a shape")
	}
}

func TestAddAttributeOverflowIndices(t *testing.T) {
	r := NewRegistry()
	s, err := r.ShapeFor(r.Root(), "a", "b", "c")
	if err != nil {
		t.Fatal(err)
	}
	want := []Attribute{
		{Name: "a", Slot: AttributeSlot{Offset: 0}},
		{Name: "b", Slot: AttributeSlot{Offset: 1}},
		{Name: "c", Slot: AttributeSlot{Offset: 2}},
	}
	if diff := cmp.Diff(want, s.Overflow()); diff != "" {
		t.Errorf("overflow mismatch (-want +got):\n%s", diff)
	}
	if s.NumInObject() != 0 {
		t.Errorf("NumInObject() = %d, want 0", s.NumInObject())
	}
}

func TestAddAttributeFillsInObjectCapacity(t *testing.T) {
	r := NewRegistry(WithRootCapacity(2))
	s, err := r.ShapeFor(r.Root(), "a", "b", "c")
	if err != nil {
		t.Fatal(err)
	}
	wantInObject := []Attribute{
		{Name: "a", Slot: AttributeSlot{Offset: 0, Flags: AttrInObject}},
		{Name: "b", Slot: AttributeSlot{Offset: 8, Flags: AttrInObject}},
	}
	if diff := cmp.Diff(wantInObject, s.InObject()); diff != "" {
		t.Errorf("in-object mismatch (-want +got):\n%s", diff)
	}
	if slot := mustFind(t, r, s, "c"); !slot.IsOverflow() || slot.Offset != 0 {
		t.Errorf("c = %v, want overflow@0", slot)
	}
	if s.HasFreeInObjectSlot() {
		t.Error("HasFreeInObjectSlot() = true with capacity exhausted")
	}
	if s.InObjectCapacity() != 2 {
		t.Errorf("InObjectCapacity() = %d, want 2", s.InObjectCapacity())
	}
}

func TestAddAttributeFlags(t *testing.T) {
	r := NewRegistry()
	s, err := r.AddAttribute(r.Root(), "id", AttrReadOnly|AttrInObject|AttrDeleted)
	if err != nil {
		t.Fatal(err)
	}
	slot := mustFind(t, r, s, "id")
	if !slot.IsReadOnly() {
		t.Error("read-only flag dropped")
	}
	if slot.IsInObject() || slot.IsDeleted() {
		t.Errorf("placement flags honoured: %v", slot)
	}
}

func TestAddLiveAttributeReturnsSameShape(t *testing.T) {
	r := NewRegistry()
	s := mustAdd(t, r, r.Root(), "x")
	if again := mustAdd(t, r, s, "x"); again != s {
		t.Errorf("re-adding live x moved to shape %d", again.ID())
	}
}

func TestAddAttributeInvalidName(t *testing.T) {
	r := NewRegistry()
	_, err := r.AddAttribute(r.Root(), "", AttrNone)
	if !errors.Is(err, ErrInvalidName) {
		t.Errorf("err = %v, want ErrInvalidName", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d after failed add, want 1", r.Len())
	}
}

func TestOffsetStability(t *testing.T) {
	r := NewRegistry(WithRootCapacity(3))
	names := []string{"a", "b", "c", "d", "e", "f"}

	shapes := []*Shape{r.Root()}
	for _, n := range names {
		shapes = append(shapes, mustAdd(t, r, shapes[len(shapes)-1], n))
	}
	for i, n := range names {
		first := mustFind(t, r, shapes[i+1], n)
		for _, later := range shapes[i+2:] {
			if got := mustFind(t, r, later, n); got != first {
				t.Errorf("%s moved from %v to %v in shape %d", n, first, got, later.ID())
			}
		}
	}
}

func TestDeleteOverflowCompacts(t *testing.T) {
	r := NewRegistry()
	abc, err := r.ShapeFor(r.Root(), "a", "b", "c")
	if err != nil {
		t.Fatal(err)
	}
	ac := mustDelete(t, r, abc, "b")

	if _, ok := r.FindAttribute(ac, "b"); ok {
		t.Error("b still found after delete")
	}
	if got := mustFind(t, r, ac, "a"); got.Offset != 0 {
		t.Errorf("a = %v, want overflow@0", got)
	}
	if got := mustFind(t, r, ac, "c"); got.Offset != 1 {
		t.Errorf("c = %v, want overflow@1", got)
	}
	// The source shape is untouched.
	if got := mustFind(t, r, abc, "c"); got.Offset != 2 {
		t.Errorf("source c = %v, want overflow@2", got)
	}
}

func TestDeleteThenReaddOverflow(t *testing.T) {
	r := NewRegistry()
	ab, err := r.ShapeFor(r.Root(), "a", "b")
	if err != nil {
		t.Fatal(err)
	}
	b := mustDelete(t, r, ab, "a")
	ba := mustAdd(t, r, b, "a")

	if got := mustFind(t, r, ba, "b"); got.Offset != 0 {
		t.Errorf("b = %v, want overflow@0", got)
	}
	if got := mustFind(t, r, ba, "a"); got.Offset != 1 {
		t.Errorf("a = %v, want overflow@1", got)
	}
	if ba == ab {
		t.Error("delete then re-add returned the original shape")
	}
}

func TestDeleteInObjectTombstones(t *testing.T) {
	r := NewRegistry(WithRootCapacity(2))
	xy, err := r.ShapeFor(r.Root(), "x", "y")
	if err != nil {
		t.Fatal(err)
	}
	y := mustDelete(t, r, xy, "x")

	if _, ok := r.FindAttribute(y, "x"); ok {
		t.Error("x still found after delete")
	}
	if got := mustFind(t, r, y, "y"); got != mustFind(t, r, xy, "y") {
		t.Errorf("y moved to %v", got)
	}
	if y.NumInObject() != 2 {
		t.Fatalf("NumInObject() = %d, want 2 (tombstone kept)", y.NumInObject())
	}
	tomb := y.InObject()[0]
	if tomb.Name != "" || !tomb.Slot.IsDeleted() || !tomb.Slot.IsInObject() || tomb.Slot.Offset != 0 {
		t.Errorf("tombstone = %+v, want nameless deleted in-object slot at 0", tomb)
	}
	if diff := cmp.Diff([]string{"y"}, y.AttributeNames()); diff != "" {
		t.Errorf("AttributeNames mismatch (-want +got):\n%s", diff)
	}
}

func TestDeleteMemoized(t *testing.T) {
	r := NewRegistry(WithRootCapacity(1))
	x := mustAdd(t, r, r.Root(), "x")
	first := mustDelete(t, r, x, "x")
	second := mustDelete(t, r, x, "x")
	if first != second {
		t.Errorf("deleting x twice gave shapes %d and %d", first.ID(), second.ID())
	}
	if id, ok := r.Transition(x, "x", true); !ok || id != first.ID() {
		t.Errorf("Transition(x, x, deletion) = %d, %v; want %d, true", id, ok, first.ID())
	}

	// Deleting from the tombstoned shape finds nothing.
	_, err := r.DeleteAttribute(first, "x")
	var attrErr *AttributeError
	if !errors.As(err, &attrErr) || !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want AttributeError wrapping ErrNotFound", err)
	}
	if attrErr.Op != "delete" || attrErr.Name != "x" || attrErr.Shape != first.ID() {
		t.Errorf("AttributeError = %+v", attrErr)
	}
}

func TestDeleteAndReaddInObject(t *testing.T) {
	r := NewRegistry(WithRootCapacity(1))
	x := mustAdd(t, r, r.Root(), "x")
	if slot := mustFind(t, r, x, "x"); !slot.IsInObject() {
		t.Fatalf("x = %v, want in-object", slot)
	}
	readded := mustAdd(t, r, mustDelete(t, r, x, "x"), "x")

	slot := mustFind(t, r, readded, "x")
	if !slot.IsOverflow() || slot.Offset != 0 {
		t.Errorf("re-added x = %v, want overflow@0", slot)
	}
	if readded.NumInObject() != 1 {
		t.Errorf("NumInObject() = %d, want 1 (tombstone)", readded.NumInObject())
	}
}

func TestSealedShapeRejectsTransitions(t *testing.T) {
	r := NewRegistry()
	base, err := r.ShapeFor(r.Root(), "a")
	if err != nil {
		t.Fatal(err)
	}
	sealed := r.MustShape(r.ReserveBuiltin(base, true))

	if _, err := r.AddAttribute(sealed, "b", AttrNone); !errors.Is(err, ErrSealedShape) {
		t.Errorf("add on sealed: err = %v, want ErrSealedShape", err)
	}
	if _, err := r.DeleteAttribute(sealed, "a"); !errors.Is(err, ErrSealedShape) {
		t.Errorf("delete on sealed: err = %v, want ErrSealedShape", err)
	}
	if sealed.HasFreeInObjectSlot() {
		t.Error("sealed shape reports a free in-object slot")
	}
}

func TestReserveBuiltinSealed(t *testing.T) {
	r := NewRegistry()
	base, err := r.ShapeFor(r.Root(), "a", "b")
	if err != nil {
		t.Fatal(err)
	}
	id := r.ReserveBuiltin(base, true)
	s := r.MustShape(id)

	if !s.Sealed() || !s.Builtin() {
		t.Errorf("shape %v: sealed=%v builtin=%v, want both", s, s.Sealed(), s.Builtin())
	}
	want := []Attribute{
		{Name: "a", Slot: AttributeSlot{Offset: 0, Flags: AttrInObject | AttrFixedOffset}},
		{Name: "b", Slot: AttributeSlot{Offset: 8, Flags: AttrInObject | AttrFixedOffset}},
	}
	if diff := cmp.Diff(want, s.InObject()); diff != "" {
		t.Errorf("in-object mismatch (-want +got):\n%s", diff)
	}
	if s.NumOverflow() != 0 || s.InObjectCapacity() != 2 {
		t.Errorf("overflow=%d capacity=%d, want 0 and 2", s.NumOverflow(), s.InObjectCapacity())
	}

	// Builtins live outside the DAG.
	if next, _ := r.Transition(base, "a", false); next == id {
		t.Error("builtin reachable through a transition edge")
	}
	if again := r.ReserveBuiltin(base, true); again == id {
		t.Error("ReserveBuiltin reused a shape id")
	}
}

func TestReserveBuiltinUnsealed(t *testing.T) {
	r := NewRegistry()
	empty := r.MustShape(r.ReserveBuiltin(nil, false))
	if empty.Sealed() || !empty.Builtin() || empty.NumOverflow() != 0 {
		t.Errorf("unexpected empty builtin %v", empty)
	}
	s := mustAdd(t, r, empty, "x")
	if s.Builtin() {
		t.Error("shape derived from a builtin is marked builtin")
	}
}

func TestNewLayout(t *testing.T) {
	r := NewRegistry()
	point := NewClass("Point")

	s, err := r.NewLayout(LayoutSpec{
		Class:         point,
		InObject:      []AttributeSpec{{Name: "x"}, {Name: "y", Flags: AttrReadOnly}},
		ExtraCapacity: 1,
	})
	if err != nil {
		t.Fatalf("NewLayout failed: %v", err)
	}
	if s.Class() != point || !s.Builtin() || s.InObjectCapacity() != 3 {
		t.Errorf("layout %v: class=%v builtin=%v capacity=%d", s, s.Class(), s.Builtin(), s.InObjectCapacity())
	}
	y := mustFind(t, r, s, "y")
	if y.Offset != 8 || !y.IsReadOnly() || !y.IsFixedOffset() {
		t.Errorf("y = %v, want fixed read-only slot at 8", y)
	}

	// A child fills the spare slot and shares its parent's layout.
	child := mustAdd(t, r, s, "z")
	if child.Class() != s.Class() || child.InObjectCapacity() != s.InObjectCapacity() {
		t.Errorf("child %v does not share class and instance size with %v", child, s)
	}
	if diff := cmp.Diff(s.InObject(), child.InObject()[:s.NumInObject()]); diff != "" {
		t.Errorf("child in-object prefix mismatch (-parent +child):\n%s", diff)
	}
	if z := mustFind(t, r, child, "z"); !z.IsInObject() || z.Offset != 16 {
		t.Errorf("z = %v, want in-object@16", z)
	}
}

func TestNewLayoutErrors(t *testing.T) {
	r := NewRegistry()
	tests := []struct {
		name string
		spec LayoutSpec
	}{
		{"duplicate", LayoutSpec{InObject: []AttributeSpec{{Name: "a"}, {Name: "a"}}}},
		{"empty name", LayoutSpec{InObject: []AttributeSpec{{Name: ""}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.NewLayout(tt.spec); err == nil {
				t.Error("NewLayout succeeded, want error")
			}
		})
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d after failed layouts, want 1", r.Len())
	}
}

func TestNewLayoutSealedIgnoresExtraCapacity(t *testing.T) {
	r := NewRegistry()
	s, err := r.NewLayout(LayoutSpec{InObject: []AttributeSpec{{Name: "a"}}, ExtraCapacity: 4, Sealed: true})
	if err != nil {
		t.Fatal(err)
	}
	if s.InObjectCapacity() != 1 {
		t.Errorf("InObjectCapacity() = %d, want 1", s.InObjectCapacity())
	}
}

func TestShapesDescribing(t *testing.T) {
	point := NewClass("Point")
	other := NewClass("Other")
	r := NewRegistry()
	p, err := r.NewLayout(LayoutSpec{Class: point, InObject: []AttributeSpec{{Name: "x"}}})
	if err != nil {
		t.Fatal(err)
	}
	py := mustAdd(t, r, p, "y")
	if _, err := r.NewLayout(LayoutSpec{Class: other}); err != nil {
		t.Fatal(err)
	}

	got := r.ShapesDescribing(point)
	want := []ShapeID{p.ID(), py.ID()}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ShapesDescribing mismatch (-want +got):\n%s", diff)
	}
}

func TestEndToEndScenario(t *testing.T) {
	r := NewRegistry(WithRootCapacity(1))
	s0 := r.Root()
	s1 := mustAdd(t, r, s0, "x")
	s2 := mustAdd(t, r, s1, "y")

	inst, err := NewInstanceWithAttributes(r, s0, []string{"x", "y"}, []Value{10, 20})
	if err != nil {
		t.Fatal(err)
	}
	if inst.Shape() != s2 {
		t.Fatalf("instance shape = %d, want %d", inst.ShapeID(), s2.ID())
	}

	x := mustFind(t, r, s2, "x")
	if !x.IsInObject() || x.Offset != 0 {
		t.Errorf("x = %v, want in-object@0", x)
	}
	y := mustFind(t, r, s2, "y")
	if !y.IsOverflow() || y.Offset != 0 {
		t.Errorf("y = %v, want overflow@0", y)
	}
	if v := inst.LoadSlot(x); v != 10 {
		t.Errorf("x value = %v, want 10", v)
	}
	if v := inst.LoadSlot(y); v != 20 {
		t.Errorf("y value = %v, want 20", v)
	}

	s3 := mustDelete(t, r, s2, "x")
	if _, ok := r.FindAttribute(s3, "x"); ok {
		t.Error("x found in S3")
	}
	if got := mustFind(t, r, s3, "y"); got != y {
		t.Errorf("y in S3 = %v, want %v", got, y)
	}
}

func TestConcurrentAddAttribute(t *testing.T) {
	r := NewRegistry()
	const workers = 16
	ids := make([]ShapeID, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.ShapeFor(r.Root(), "a", "b", "c")
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = s.ID()
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("worker %d got shape %d, worker 0 got %d", i, ids[i], ids[0])
		}
	}
	if r.Len() != 4 {
		t.Errorf("Len() = %d, want 4", r.Len())
	}
}

package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"connectrpc.com/connect"
	"github.com/google/go-cmp/cmp"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/chazu/shapes/vm"
)

// ---------------------------------------------------------------------------
// Test fixtures
// ---------------------------------------------------------------------------

type testEnv struct {
	rt   *vm.Runtime
	prof *vm.Profiler
	fn   *vm.Function
	inst *vm.Instance
}

// newTestEnv prepares "getX" (LOAD_ATTR x) and runs it three times.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	point := vm.NewClass("Point")
	reg := vm.NewRegistry(vm.WithRootClass(point), vm.WithRootCapacity(1))
	prof := vm.NewProfiler()
	rt := vm.NewRuntime(reg, vm.WithProfiler(prof))

	fn := vm.NewFunctionBuilder("getX").
		Emit(vm.OpLoadFast, 0).
		EmitAttr(vm.OpLoadAttr, "x").
		Emit(vm.OpReturnValue, 0).
		Build()
	if err := rt.Prepare(fn); err != nil {
		t.Fatal(err)
	}
	inst, err := vm.NewInstanceWithAttributes(reg, reg.Root(), []string{"x", "y"}, []vm.Value{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := rt.LoadAttr(fn, 0, inst); err != nil {
			t.Fatal(err)
		}
	}
	return &testEnv{rt: rt, prof: prof, fn: fn, inst: inst}
}

func newTestClient(t *testing.T, env *testEnv) *Client {
	t.Helper()
	ts := httptest.NewServer(New(env.rt, env.prof).Handler())
	t.Cleanup(ts.Close)
	return NewClient(ts.Client(), ts.URL)
}

func bg() context.Context { return context.Background() }

// ---------------------------------------------------------------------------
// Connect
// ---------------------------------------------------------------------------

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	c := newTestClient(t, env)

	resp, err := c.Stats(bg())
	if err != nil {
		t.Fatalf("Stats returned error: %v", err)
	}
	if resp.RegistryID != env.rt.Registry.ID() {
		t.Errorf("RegistryID = %q, want %q", resp.RegistryID, env.rt.Registry.ID())
	}
	if resp.Shapes != env.rt.Registry.Len() {
		t.Errorf("Shapes = %d, want %d", resp.Shapes, env.rt.Registry.Len())
	}
	if diff := cmp.Diff(env.rt.Stats(), resp.Stats); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}
}

func TestSites(t *testing.T) {
	env := newTestEnv(t)
	c := newTestClient(t, env)

	sites, err := c.Sites(bg(), 0)
	if err != nil {
		t.Fatalf("Sites returned error: %v", err)
	}
	want := []vm.SiteProfile{{
		Function:  "getX",
		Site:      0,
		Attribute: "x",
		State:     vm.CacheMonomorphic,
		Entries:   1,
		Hits:      2,
		Misses:    1,
	}}
	if diff := cmp.Diff(want, sites); diff != "" {
		t.Errorf("Sites mismatch (-want +got):\n%s", diff)
	}
}

func TestSitesWithoutProfiler(t *testing.T) {
	env := newTestEnv(t)
	env.prof = nil
	c := newTestClient(t, env)

	sites, err := c.Sites(bg(), 5)
	if err != nil {
		t.Fatalf("Sites returned error: %v", err)
	}
	if len(sites) != 0 {
		t.Errorf("Sites = %v, want none", sites)
	}
}

func TestShape(t *testing.T) {
	env := newTestEnv(t)
	c := newTestClient(t, env)

	resp, err := c.Shape(bg(), env.inst.ShapeID())
	if err != nil {
		t.Fatalf("Shape returned error: %v", err)
	}
	want := &ShapeResponse{
		ID:       env.inst.ShapeID(),
		Class:    "Point",
		Capacity: 1,
		Attributes: []AttributeInfo{
			{Name: "x", Offset: 0, InObject: true},
			{Name: "y", Offset: 0},
		},
	}
	if diff := cmp.Diff(want, resp); diff != "" {
		t.Errorf("Shape mismatch (-want +got):\n%s", diff)
	}
}

func TestShapeNotFound(t *testing.T) {
	c := newTestClient(t, newTestEnv(t))

	_, err := c.Shape(bg(), 999)
	if connect.CodeOf(err) != connect.CodeNotFound {
		t.Errorf("Shape(999): code = %v, want NotFound (err = %v)", connect.CodeOf(err), err)
	}
}

func TestFunction(t *testing.T) {
	env := newTestEnv(t)
	c := newTestClient(t, env)

	resp, err := c.Function(bg(), "getX")
	if err != nil {
		t.Fatalf("Function returned error: %v", err)
	}
	if !strings.Contains(resp.Disassembly, "LOAD_ATTR 0 (x)") {
		t.Errorf("Disassembly missing annotated site:\n%s", resp.Disassembly)
	}
	want := []FunctionSite{{
		Attribute: "x",
		Stats:     vm.SiteStats{State: vm.CacheMonomorphic, Count: 1, Hits: 2, Misses: 1},
	}}
	if diff := cmp.Diff(want, resp.Sites); diff != "" {
		t.Errorf("Sites mismatch (-want +got):\n%s", diff)
	}
}

func TestFunctionErrors(t *testing.T) {
	c := newTestClient(t, newTestEnv(t))

	if _, err := c.Function(bg(), ""); connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Errorf("empty name: code = %v, want InvalidArgument", connect.CodeOf(err))
	}
	if _, err := c.Function(bg(), "missing"); connect.CodeOf(err) != connect.CodeNotFound {
		t.Errorf("missing function: code = %v, want NotFound", connect.CodeOf(err))
	}
}

func TestSnapshot(t *testing.T) {
	env := newTestEnv(t)
	c := newTestClient(t, env)

	snap, err := c.Snapshot(bg())
	if err != nil {
		t.Fatalf("Snapshot returned error: %v", err)
	}
	if diff := cmp.Diff(env.rt.Registry.Snapshot(), snap); diff != "" {
		t.Errorf("Snapshot mismatch (-want +got):\n%s", diff)
	}

	restored, err := vm.RestoreRegistry(snap, nil)
	if err != nil {
		t.Fatalf("RestoreRegistry failed: %v", err)
	}
	if restored.ID() != env.rt.Registry.ID() {
		t.Errorf("restored registry id %q, want %q", restored.ID(), env.rt.Registry.ID())
	}
}

// ---------------------------------------------------------------------------
// gRPC
// ---------------------------------------------------------------------------

func startH2CServer(t *testing.T, env *testEnv) string {
	t.Helper()
	ts := httptest.NewUnstartedServer(New(env.rt, env.prof).Handler())
	var protocols http.Protocols
	protocols.SetHTTP1(true)
	protocols.SetUnencryptedHTTP2(true)
	ts.Config.Protocols = &protocols
	ts.Start()
	t.Cleanup(ts.Close)
	return ts.Listener.Addr().String()
}

func TestGRPCClient(t *testing.T) {
	env := newTestEnv(t)
	c, err := DialGRPC(startH2CServer(t, env))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	stats, err := c.Stats(bg())
	if err != nil {
		t.Fatalf("Stats over gRPC: %v", err)
	}
	if stats.Stats.TotalHits != 2 || stats.Stats.TotalMisses != 1 {
		t.Errorf("hits/misses = %d/%d, want 2/1", stats.Stats.TotalHits, stats.Stats.TotalMisses)
	}

	shape, err := c.Shape(bg(), vm.RootShapeID)
	if err != nil {
		t.Fatalf("Shape over gRPC: %v", err)
	}
	if shape.Class != "Point" || len(shape.Attributes) != 0 {
		t.Errorf("root shape = %+v", shape)
	}

	if _, err := c.Shape(bg(), 999); status.Code(err) != codes.NotFound {
		t.Errorf("Shape(999): code = %v, want NotFound", status.Code(err))
	}
}

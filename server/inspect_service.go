package server

import (
	"context"
	"fmt"

	"connectrpc.com/connect"

	"github.com/chazu/shapes/vm"
)

// InspectionService answers read-only questions about a running Runtime:
// its shapes, its cache sites and the profiler's view of them.
type InspectionService struct {
	rt   *vm.Runtime
	prof *vm.Profiler
}

// NewInspectionService creates the service. prof may be nil, in which
// case Sites returns an empty list.
func NewInspectionService(rt *vm.Runtime, prof *vm.Profiler) *InspectionService {
	return &InspectionService{rt: rt, prof: prof}
}

// Stats returns aggregate inline cache statistics.
func (s *InspectionService) Stats(
	ctx context.Context,
	req *connect.Request[StatsRequest],
) (*connect.Response[StatsResponse], error) {
	return connect.NewResponse(&StatsResponse{
		RegistryID: s.rt.Registry.ID(),
		Shapes:     s.rt.Registry.Len(),
		Stats:      s.rt.Stats(),
	}), nil
}

// Sites returns the profiled cache sites with the most misses.
func (s *InspectionService) Sites(
	ctx context.Context,
	req *connect.Request[SitesRequest],
) (*connect.Response[SitesResponse], error) {
	resp := &SitesResponse{}
	if s.prof == nil {
		return connect.NewResponse(resp), nil
	}
	if req.Msg.Limit > 0 {
		resp.Sites = s.prof.Top(req.Msg.Limit)
	} else {
		resp.Sites = s.prof.Sites()
	}
	return connect.NewResponse(resp), nil
}

// Shape describes one shape of the registry.
func (s *InspectionService) Shape(
	ctx context.Context,
	req *connect.Request[ShapeRequest],
) (*connect.Response[ShapeResponse], error) {
	shape, ok := s.rt.Registry.Shape(req.Msg.ID)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("shape %d not found", req.Msg.ID))
	}
	resp := &ShapeResponse{
		ID:         shape.ID(),
		Capacity:   shape.InObjectCapacity(),
		Sealed:     shape.Sealed(),
		Builtin:    shape.Builtin(),
		Attributes: append(attributeInfos(shape.InObject()), attributeInfos(shape.Overflow())...),
	}
	if c := shape.Class(); c != nil {
		resp.Class = c.Name
	}
	return connect.NewResponse(resp), nil
}

// Function shows a prepared function's rewritten code and cache sites.
func (s *InspectionService) Function(
	ctx context.Context,
	req *connect.Request[FunctionRequest],
) (*connect.Response[FunctionResponse], error) {
	if req.Msg.Name == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("name is required"))
	}
	fn, ok := s.rt.Functions.Lookup(req.Msg.Name)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("function %q not found", req.Msg.Name))
	}
	resp := &FunctionResponse{Name: fn.Name, Disassembly: fn.Disassemble()}
	if caches := fn.Caches(); caches != nil {
		for site := 0; site < caches.NumSites(); site++ {
			name, err := fn.AttributeName(site)
			if err != nil {
				return nil, connect.NewError(connect.CodeInternal, err)
			}
			resp.Sites = append(resp.Sites, FunctionSite{Attribute: name, Stats: caches.SiteStats(site)})
		}
	}
	return connect.NewResponse(resp), nil
}

// Snapshot returns the registry's current snapshot.
func (s *InspectionService) Snapshot(
	ctx context.Context,
	req *connect.Request[SnapshotRequest],
) (*connect.Response[SnapshotResponse], error) {
	return connect.NewResponse(&SnapshotResponse{Snapshot: s.rt.Registry.Snapshot()}), nil
}

package server

import "github.com/chazu/shapes/vm"

// InspectionServiceName is the fully qualified service name.
const InspectionServiceName = "shapes.v1.InspectionService"

// Procedure paths, shared by handlers and clients.
const (
	StatsProcedure    = "/" + InspectionServiceName + "/Stats"
	SitesProcedure    = "/" + InspectionServiceName + "/Sites"
	ShapeProcedure    = "/" + InspectionServiceName + "/Shape"
	FunctionProcedure = "/" + InspectionServiceName + "/Function"
	SnapshotProcedure = "/" + InspectionServiceName + "/Snapshot"
)

// StatsRequest asks for aggregate inline cache statistics.
type StatsRequest struct{}

// StatsResponse carries aggregate inline cache statistics.
type StatsResponse struct {
	RegistryID string     `cbor:"1,keyasint"`
	Shapes     int        `cbor:"2,keyasint"`
	Stats      vm.ICStats `cbor:"3,keyasint"`
}

// SitesRequest asks for the profiled cache sites with the most misses.
// Limit <= 0 returns every site.
type SitesRequest struct {
	Limit int `cbor:"1,keyasint,omitempty"`
}

// SitesResponse lists profiled sites, most misses first.
type SitesResponse struct {
	Sites []vm.SiteProfile `cbor:"1,keyasint"`
}

// ShapeRequest names one shape of the registry.
type ShapeRequest struct {
	ID vm.ShapeID `cbor:"1,keyasint"`
}

// AttributeInfo describes one attribute of a shape.
type AttributeInfo struct {
	Name     string `cbor:"1,keyasint"`
	Offset   uint32 `cbor:"2,keyasint"`
	InObject bool   `cbor:"3,keyasint,omitempty"`
	Deleted  bool   `cbor:"4,keyasint,omitempty"`
	ReadOnly bool   `cbor:"5,keyasint,omitempty"`
}

// ShapeResponse describes a shape's layout.
type ShapeResponse struct {
	ID         vm.ShapeID      `cbor:"1,keyasint"`
	Class      string          `cbor:"2,keyasint,omitempty"`
	Capacity   int             `cbor:"3,keyasint"`
	Sealed     bool            `cbor:"4,keyasint,omitempty"`
	Builtin    bool            `cbor:"5,keyasint,omitempty"`
	Attributes []AttributeInfo `cbor:"6,keyasint,omitempty"`
}

// FunctionRequest names a prepared function.
type FunctionRequest struct {
	Name string `cbor:"1,keyasint"`
}

// FunctionSite is the cache state of one site of a function.
type FunctionSite struct {
	Attribute string       `cbor:"1,keyasint"`
	Stats     vm.SiteStats `cbor:"2,keyasint"`
}

// FunctionResponse shows a function's rewritten code and its sites.
type FunctionResponse struct {
	Name        string         `cbor:"1,keyasint"`
	Disassembly string         `cbor:"2,keyasint"`
	Sites       []FunctionSite `cbor:"3,keyasint,omitempty"`
}

// SnapshotRequest asks for a registry snapshot.
type SnapshotRequest struct{}

// SnapshotResponse carries the registry snapshot.
type SnapshotResponse struct {
	Snapshot *vm.Snapshot `cbor:"1,keyasint"`
}

func attributeInfos(attrs []vm.Attribute) []AttributeInfo {
	out := make([]AttributeInfo, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, AttributeInfo{
			Name:     a.Name,
			Offset:   a.Slot.Offset,
			InObject: a.Slot.IsInObject(),
			Deleted:  a.Slot.IsDeleted(),
			ReadOnly: a.Slot.IsReadOnly(),
		})
	}
	return out
}

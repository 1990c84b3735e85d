// Package server exposes a Runtime's shapes and inline caches over
// Connect, gRPC and gRPC-Web on a single HTTP handler.
package server

import (
	"fmt"
	"net/http"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"

	"github.com/chazu/shapes/vm"
)

var log = commonlog.GetLogger("shapes.server")

// InspectionServer serves the InspectionService for one runtime.
type InspectionServer struct {
	svc *InspectionService
	mux *http.ServeMux
}

// New creates an InspectionServer for rt. prof may be nil.
func New(rt *vm.Runtime, prof *vm.Profiler) *InspectionServer {
	s := &InspectionServer{
		svc: NewInspectionService(rt, prof),
		mux: http.NewServeMux(),
	}

	opts := []connect.HandlerOption{connect.WithCodec(codec)}
	s.mux.Handle(StatsProcedure, connect.NewUnaryHandler(StatsProcedure, s.svc.Stats, opts...))
	s.mux.Handle(SitesProcedure, connect.NewUnaryHandler(SitesProcedure, s.svc.Sites, opts...))
	s.mux.Handle(ShapeProcedure, connect.NewUnaryHandler(ShapeProcedure, s.svc.Shape, opts...))
	s.mux.Handle(FunctionProcedure, connect.NewUnaryHandler(FunctionProcedure, s.svc.Function, opts...))
	s.mux.Handle(SnapshotProcedure, connect.NewUnaryHandler(SnapshotProcedure, s.svc.Snapshot, opts...))

	return s
}

// Handler returns the HTTP handler serving every procedure.
func (s *InspectionServer) Handler() http.Handler {
	return s.mux
}

// NewHTTPServer returns an http.Server for addr that accepts HTTP/1.1 and
// unencrypted HTTP/2, so gRPC clients can connect without TLS.
func (s *InspectionServer) NewHTTPServer(addr string) *http.Server {
	var protocols http.Protocols
	protocols.SetHTTP1(true)
	protocols.SetUnencryptedHTTP2(true)
	return &http.Server{
		Addr:      addr,
		Handler:   s.mux,
		Protocols: &protocols,
	}
}

// ListenAndServe starts the server on addr ("host:port" or ":port").
func (s *InspectionServer) ListenAndServe(addr string) error {
	fmt.Printf("Shapes inspection server listening on %s\n", addr)
	fmt.Printf("  Connect (HTTP/CBOR): http://%s%s\n", addr, StatsProcedure)
	fmt.Printf("  gRPC (CBOR):         grpc://%s\n", addr)
	log.Infof("serving %s on %s", InspectionServiceName, addr)
	return s.NewHTTPServer(addr).ListenAndServe()
}

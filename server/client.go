package server

import (
	"context"
	"fmt"
	"strings"

	"connectrpc.com/connect"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/chazu/shapes/vm"
)

// Client calls an InspectionServer over the Connect protocol.
type Client struct {
	stats    *connect.Client[StatsRequest, StatsResponse]
	sites    *connect.Client[SitesRequest, SitesResponse]
	shape    *connect.Client[ShapeRequest, ShapeResponse]
	function *connect.Client[FunctionRequest, FunctionResponse]
	snapshot *connect.Client[SnapshotRequest, SnapshotResponse]
}

// NewClient creates a client for the server at baseURL
// (e.g. "http://localhost:7070").
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(codec)}, opts...)
	return &Client{
		stats:    connect.NewClient[StatsRequest, StatsResponse](httpClient, baseURL+StatsProcedure, opts...),
		sites:    connect.NewClient[SitesRequest, SitesResponse](httpClient, baseURL+SitesProcedure, opts...),
		shape:    connect.NewClient[ShapeRequest, ShapeResponse](httpClient, baseURL+ShapeProcedure, opts...),
		function: connect.NewClient[FunctionRequest, FunctionResponse](httpClient, baseURL+FunctionProcedure, opts...),
		snapshot: connect.NewClient[SnapshotRequest, SnapshotResponse](httpClient, baseURL+SnapshotProcedure, opts...),
	}
}

// Stats fetches aggregate cache statistics.
func (c *Client) Stats(ctx context.Context) (*StatsResponse, error) {
	resp, err := c.stats.CallUnary(ctx, connect.NewRequest(&StatsRequest{}))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// Sites fetches up to limit profiled sites; limit <= 0 fetches all.
func (c *Client) Sites(ctx context.Context, limit int) ([]vm.SiteProfile, error) {
	resp, err := c.sites.CallUnary(ctx, connect.NewRequest(&SitesRequest{Limit: limit}))
	if err != nil {
		return nil, err
	}
	return resp.Msg.Sites, nil
}

// Shape describes the shape with the given id.
func (c *Client) Shape(ctx context.Context, id vm.ShapeID) (*ShapeResponse, error) {
	resp, err := c.shape.CallUnary(ctx, connect.NewRequest(&ShapeRequest{ID: id}))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// Function fetches a prepared function's disassembly and sites.
func (c *Client) Function(ctx context.Context, name string) (*FunctionResponse, error) {
	resp, err := c.function.CallUnary(ctx, connect.NewRequest(&FunctionRequest{Name: name}))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// Snapshot fetches the remote registry's snapshot.
func (c *Client) Snapshot(ctx context.Context) (*vm.Snapshot, error) {
	resp, err := c.snapshot.CallUnary(ctx, connect.NewRequest(&SnapshotRequest{}))
	if err != nil {
		return nil, err
	}
	return resp.Msg.Snapshot, nil
}

// ---------------------------------------------------------------------------
// gRPC
// ---------------------------------------------------------------------------

// GRPCClient calls an InspectionServer over gRPC with the CBOR codec.
type GRPCClient struct {
	conn *grpc.ClientConn
}

// DialGRPC connects to the server at target ("host:port") without TLS.
func DialGRPC(target string, opts ...grpc.DialOption) (*GRPCClient, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &GRPCClient{conn: conn}, nil
}

// Close closes the connection.
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

// Stats fetches aggregate cache statistics.
func (c *GRPCClient) Stats(ctx context.Context) (*StatsResponse, error) {
	var resp StatsResponse
	if err := c.conn.Invoke(ctx, StatsProcedure, &StatsRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Shape describes the shape with the given id.
func (c *GRPCClient) Shape(ctx context.Context, id vm.ShapeID) (*ShapeResponse, error) {
	var resp ShapeResponse
	if err := c.conn.Invoke(ctx, ShapeProcedure, &ShapeRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

package controlapi

import (
	"context"

	"google.golang.org/grpc"
)

// Dial connects to a controlapi service at target, configured to use
// the package's JSON codec instead of the default protobuf codec.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.CallContentSubtype(mustJSONCodecName())))
	return grpc.NewClient(target, opts...)
}

// Client is a thin typed wrapper over a ClientConn for this service's
// two operational queries.
type Client struct {
	cc *grpc.ClientConn
}

// NewClient wraps an already-dialed connection.
func NewClient(cc *grpc.ClientConn) *Client {
	return &Client{cc: cc}
}

// ReadStats calls the remote ReadStats method.
func (c *Client) ReadStats(ctx context.Context) (*ReadStatsResponse, error) {
	resp := new(ReadStatsResponse)
	err := c.cc.Invoke(ctx, "/ccstoc.controlapi.ControlAPI/ReadStats", &ReadStatsRequest{}, resp)
	return resp, err
}

// ListRTables calls the remote ListRTables method.
func (c *Client) ListRTables(ctx context.Context) (*ListRTablesResponse, error) {
	resp := new(ListRTablesResponse)
	err := c.cc.Invoke(ctx, "/ccstoc.controlapi.ControlAPI/ListRTables", &ListRTablesRequest{}, resp)
	return resp, err
}

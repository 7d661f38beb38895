package controlapi

import (
	"context"
	"fmt"

	"github.com/novalsm/ccstoc/pkg/dispatcher"
	"github.com/novalsm/ccstoc/pkg/stoc"
	"google.golang.org/grpc"
)

// ReadStatsRequest has no fields; DC_READ_STATS takes no arguments.
type ReadStatsRequest struct{}

// ReadStatsResponse mirrors a StoC's DC_READ_STATS reply.
type ReadStatsResponse struct {
	PendingReadBytes  uint64 `json:"pending_read_bytes"`
	PendingWriteBytes uint64 `json:"pending_write_bytes"`
	RTableCount       int    `json:"rtable_count"`
}

// ListRTablesRequest has no fields; it lists every region the local
// registry holds.
type ListRTablesRequest struct{}

// RTableSummary is one region's debug-visible state.
type RTableSummary struct {
	ID        uint32 `json:"id"`
	Size      uint64 `json:"size"`
	Persisted bool   `json:"persisted"`
}

// ListRTablesResponse carries every known region.
type ListRTablesResponse struct {
	RTables []RTableSummary `json:"rtables"`
}

// Service implements the operational surface: a local read of the
// embedded StoC registry for ListRTables, and a dispatcher round trip
// for ReadStats so an operator CLI talking to an LTC can inspect a
// remote StoC's DC_READ_STATS without a bespoke debug protocol.
type Service struct {
	registry    *stoc.Registry
	statsClient *dispatcher.Client
}

// NewService builds a Service. registry may be nil on an LTC-only
// deployment (ListRTables then always returns empty); statsClient may
// be nil on a StoC-only deployment (ReadStats then reads registry
// directly instead of round-tripping).
func NewService(registry *stoc.Registry, statsClient *dispatcher.Client) *Service {
	return &Service{registry: registry, statsClient: statsClient}
}

// ReadStats answers DC_READ_STATS, either locally (StoC embedding this
// service directly) or by asking the dispatcher (LTC proxying to a
// remote StoC).
func (s *Service) ReadStats(ctx context.Context, req *ReadStatsRequest) (*ReadStatsResponse, error) {
	if s.registry != nil {
		return &ReadStatsResponse{
			PendingReadBytes:  s.registry.PendingReadBytes(),
			PendingWriteBytes: s.registry.PendingWriteBytes(),
			RTableCount:       s.registry.RTableCount(),
		}, nil
	}
	if s.statsClient == nil {
		return nil, fmt.Errorf("controlapi: no registry or dispatcher client configured")
	}
	_, done, err := s.statsClient.InitiateReadDCStats()
	if err != nil {
		return nil, err
	}
	resp, err := dispatcher.Await(ctx, done, 0)
	if err != nil {
		return nil, err
	}
	if len(resp.Payload) < 24 {
		return nil, fmt.Errorf("controlapi: truncated DC_READ_STATS response")
	}
	return decodeDCStats(resp.Payload), nil
}

// ListRTables lists every region the embedded registry currently
// holds; returns an empty list when no registry is embedded (this
// process is an LTC, not a StoC).
func (s *Service) ListRTables(ctx context.Context, req *ListRTablesRequest) (*ListRTablesResponse, error) {
	if s.registry == nil {
		return &ListRTablesResponse{}, nil
	}
	summaries := s.registry.ListSummaries()
	out := make([]RTableSummary, len(summaries))
	for i, sm := range summaries {
		out[i] = RTableSummary{ID: sm.ID, Size: sm.Size, Persisted: sm.Persisted}
	}
	return &ListRTablesResponse{RTables: out}, nil
}

// ServiceDesc is the hand-registered grpc.ServiceDesc standing in for
// generated proto stubs — see codec.go for why.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "ccstoc.controlapi.ControlAPI",
	HandlerType: (*Service)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ReadStats",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				req := new(ReadStatsRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(*Service).ReadStats(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/ccstoc.controlapi.ControlAPI/ReadStats"}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return srv.(*Service).ReadStats(ctx, req.(*ReadStatsRequest))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
		{
			MethodName: "ListRTables",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				req := new(ListRTablesRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(*Service).ListRTables(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/ccstoc.controlapi.ControlAPI/ListRTables"}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return srv.(*Service).ListRTables(ctx, req.(*ListRTablesRequest))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
	},
	Metadata: "controlapi.proto",
}

// Register attaches Service to a grpc.Server.
func Register(s *grpc.Server, svc *Service) {
	s.RegisterService(&ServiceDesc, svc)
}

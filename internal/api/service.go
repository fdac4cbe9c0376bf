package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "tc.v1.TimeCorrelation"

// TimeCorrelationServer is the server API for the time correlation service.
type TimeCorrelationServer interface {
	GetDefaultConfig(context.Context, *GetDefaultConfigRequest) (*CorrelationConfig, error)
	Preview(context.Context, *PreviewRequest) (*PreviewResponse, error)
	Create(context.Context, *CreateRequest) (*CorrelationResults, error)
	Rollback(context.Context, *RollbackRequest) (*Triplet, error)
	GetCorrelationRange(context.Context, *RangeRequest) (*CorrelationRangeResponse, error)
	GetTelemetryRange(context.Context, *RangeRequest) (*TelemetryRangeResponse, error)
	GetRunHistory(context.Context, *RunHistoryRequest) (*RunHistoryResponse, error)
	ImportTelemetry(context.Context, *ImportRequest) (*ImportResponse, error)
}

// ServiceDesc describes the service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TimeCorrelationServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetDefaultConfig", TimeCorrelationServer.GetDefaultConfig),
		unary("Preview", TimeCorrelationServer.Preview),
		unary("Create", TimeCorrelationServer.Create),
		unary("Rollback", TimeCorrelationServer.Rollback),
		unary("GetCorrelationRange", TimeCorrelationServer.GetCorrelationRange),
		unary("GetTelemetryRange", TimeCorrelationServer.GetTelemetryRange),
		unary("GetRunHistory", TimeCorrelationServer.GetRunHistory),
		unary("ImportTelemetry", TimeCorrelationServer.ImportTelemetry),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tc/v1/time_correlation.proto",
}

// RegisterTimeCorrelationServer registers srv on s.
func RegisterTimeCorrelationServer(s grpc.ServiceRegistrar, srv TimeCorrelationServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(TimeCorrelationServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(TimeCorrelationServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(TimeCorrelationServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

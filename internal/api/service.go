package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "releasegate.v1.Ingest"

// Full method names.
const (
	AnalyzeMethod      = "/" + ServiceName + "/Analyze"
	ListPatternsMethod = "/" + ServiceName + "/ListPatterns"
)

// IngestServer is the server API for the ingestion service. Payloads travel
// as google.protobuf.Struct documents mirroring the JSON models.
type IngestServer interface {
	Analyze(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListPatterns(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterIngestServer registers srv on s.
func RegisterIngestServer(s grpc.ServiceRegistrar, srv IngestServer) {
	s.RegisterService(&IngestServiceDesc, srv)
}

// IngestServiceDesc describes releasegate.v1.Ingest.
var IngestServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IngestServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Analyze", Handler: unaryHandler(AnalyzeMethod, IngestServer.Analyze)},
		{MethodName: "ListPatterns", Handler: unaryHandler(ListPatternsMethod, IngestServer.ListPatterns)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "releasegate/v1/ingest.proto",
}

func unaryHandler(fullMethod string, call func(IngestServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(IngestServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(IngestServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

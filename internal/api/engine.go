// Package api is the engine's local control service. Messages are protobuf
// well-known types, so no generated code is needed on either side.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "msgsync.v1.Engine"

// EngineServer is the server side of msgsync.v1.Engine.
type EngineServer interface {
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	SyncNow(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	RetryMessage(context.Context, *wrapperspb.StringValue) (*wrapperspb.BoolValue, error)
	ListOutbox(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	SendText(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetOnline(context.Context, *wrapperspb.BoolValue) (*emptypb.Empty, error)
	SetForeground(context.Context, *wrapperspb.BoolValue) (*emptypb.Empty, error)
}

// RegisterEngineServer registers srv on s.
func RegisterEngineServer(s grpc.ServiceRegistrar, srv EngineServer) {
	s.RegisterService(&engineDesc, srv)
}

var engineDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EngineServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", EngineServer.Status),
		unary("SyncNow", EngineServer.SyncNow),
		unary("RetryMessage", EngineServer.RetryMessage),
		unary("ListOutbox", EngineServer.ListOutbox),
		unary("SendText", EngineServer.SendText),
		unary("SetOnline", EngineServer.SetOnline),
		unary("SetForeground", EngineServer.SetForeground),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "msgsync/v1/engine.proto",
}

func fullMethod(method string) string { return "/" + ServiceName + "/" + method }

func unary[Req, Resp any](method string, call func(EngineServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(EngineServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(EngineServer), ctx, req.(*Req))
			})
		},
	}
}

// Package api serves the daemon's gRPC services. Requests and responses are
// structpb.Struct documents, so the service descriptors are written out here
// instead of generated.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Service names as registered on the daemon's gRPC server.
const (
	// ReconcileServiceName serves reconciliation jobs and their event stream.
	ReconcileServiceName = "chatmerge.v1.ReconcileService"
	// LiveServiceName serves login and sync against the linked account.
	LiveServiceName = "chatmerge.v1.LiveService"
)

// Full method names.
const (
	MethodSubmit     = "/" + ReconcileServiceName + "/Submit"
	MethodStop       = "/" + ReconcileServiceName + "/Stop"
	MethodStatus     = "/" + ReconcileServiceName + "/Status"
	MethodWatch      = "/" + ReconcileServiceName + "/Watch"
	MethodLogin      = "/" + LiveServiceName + "/Login"
	MethodSync       = "/" + LiveServiceName + "/Sync"
	MethodLiveStatus = "/" + LiveServiceName + "/Status"
)

// EventStream is the server side of a server-streaming call.
type EventStream interface {
	Send(*structpb.Struct) error
	Context() context.Context
}

type eventStream struct {
	grpc.ServerStream
}

func (s eventStream) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

// ReconcileServer is implemented by ReconcileService.
type ReconcileServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stop(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, EventStream) error
}

// LiveServer is implemented by LiveService.
type LiveServer interface {
	Login(*structpb.Struct, EventStream) error
	Sync(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func unary[S any](full string, call func(S, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(S), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(S), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func serverStream[S any](call func(S, *structpb.Struct, EventStream) error) grpc.StreamHandler {
	return func(srv any, stream grpc.ServerStream) error {
		in := new(structpb.Struct)
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		return call(srv.(S), in, eventStream{stream})
	}
}

// ReconcileServiceDesc describes chatmerge.v1.ReconcileService.
var ReconcileServiceDesc = grpc.ServiceDesc{
	ServiceName: ReconcileServiceName,
	HandlerType: (*ReconcileServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: unary(MethodSubmit, ReconcileServer.Submit)},
		{MethodName: "Stop", Handler: unary(MethodStop, ReconcileServer.Stop)},
		{MethodName: "Status", Handler: unary(MethodStatus, ReconcileServer.Status)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: serverStream(ReconcileServer.Watch), ServerStreams: true},
	},
	Metadata: "chatmerge/v1/reconcile.proto",
}

// LiveServiceDesc describes chatmerge.v1.LiveService.
var LiveServiceDesc = grpc.ServiceDesc{
	ServiceName: LiveServiceName,
	HandlerType: (*LiveServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Sync", Handler: unary(MethodSync, LiveServer.Sync)},
		{MethodName: "Status", Handler: unary(MethodLiveStatus, LiveServer.Status)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Login", Handler: serverStream(LiveServer.Login), ServerStreams: true},
	},
	Metadata: "chatmerge/v1/live.proto",
}

// RegisterReconcileServer registers srv on s.
func RegisterReconcileServer(s grpc.ServiceRegistrar, srv ReconcileServer) {
	s.RegisterService(&ReconcileServiceDesc, srv)
}

// RegisterLiveServer registers srv on s.
func RegisterLiveServer(s grpc.ServiceRegistrar, srv LiveServer) {
	s.RegisterService(&LiveServiceDesc, srv)
}

package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service of the control API.
const ServiceName = "spotwatch.v1.ControlPlane"

// ControlPlaneServer is the control API. Every method takes and returns a
// structpb.Struct whose keys follow the JSON field names of the domain types.
type ControlPlaneServer interface {
	Register(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Heartbeat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Deregister(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetAgent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListAgents(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitReport(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetLatestSnapshot(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSeries(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ComputeFeatures(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Predict(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ActivateModel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Evaluate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetMonitorStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateCommand(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetCommand(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelCommand(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AcknowledgeCommand(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReportProgress(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReportResult(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReportSignal(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(ControlPlaneServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

var methods = []struct {
	name string
	call unaryCall
}{
	{"Register", ControlPlaneServer.Register},
	{"Heartbeat", ControlPlaneServer.Heartbeat},
	{"Deregister", ControlPlaneServer.Deregister},
	{"GetAgent", ControlPlaneServer.GetAgent},
	{"ListAgents", ControlPlaneServer.ListAgents},
	{"SubmitReport", ControlPlaneServer.SubmitReport},
	{"GetLatestSnapshot", ControlPlaneServer.GetLatestSnapshot},
	{"GetSeries", ControlPlaneServer.GetSeries},
	{"ComputeFeatures", ControlPlaneServer.ComputeFeatures},
	{"Predict", ControlPlaneServer.Predict},
	{"ActivateModel", ControlPlaneServer.ActivateModel},
	{"Evaluate", ControlPlaneServer.Evaluate},
	{"GetMonitorStatus", ControlPlaneServer.GetMonitorStatus},
	{"CreateCommand", ControlPlaneServer.CreateCommand},
	{"GetCommand", ControlPlaneServer.GetCommand},
	{"CancelCommand", ControlPlaneServer.CancelCommand},
	{"AcknowledgeCommand", ControlPlaneServer.AcknowledgeCommand},
	{"ReportProgress", ControlPlaneServer.ReportProgress},
	{"ReportResult", ControlPlaneServer.ReportResult},
	{"ReportSignal", ControlPlaneServer.ReportSignal},
}

// FullMethod returns the gRPC path of a control API method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// RegisterControlPlaneServer registers the hand-declared service descriptor.
func RegisterControlPlaneServer(server grpc.ServiceRegistrar, handler ControlPlaneServer) {
	desc := &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*ControlPlaneServer)(nil),
		Streams:     []grpc.StreamDesc{},
		Metadata:    "proto/spotwatch/v1/controlplane.proto",
	}
	for _, m := range methods {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{MethodName: m.name, Handler: unaryHandler(m.name, m.call)})
	}
	server.RegisterService(desc, handler)
}

func unaryHandler(name string, call unaryCall) grpc.MethodHandler {
	fullMethod := FullMethod(name)
	return func(srv any, ctx context.Context, decoder func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(structpb.Struct)
		if err := decoder(request); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ControlPlaneServer), ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ControlPlaneServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, request, info, handler)
	}
}

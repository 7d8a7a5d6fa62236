// Package grpcapi exposes read-only workflow queries over gRPC.
package grpcapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"shopfloor.dev/internal/auth"
	"shopfloor.dev/internal/bundle"
	"shopfloor.dev/internal/obs"
	"shopfloor.dev/internal/workflow"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "shopfloor.v1.Workflow"

// Engine is the subset of the workflow engine served over gRPC.
type Engine interface {
	Get(ctx context.Context, id string, actor auth.User) (workflow.WorkItem, error)
	ListByStage(ctx context.Context, stage workflow.Stage, actor auth.User) ([]workflow.WorkItem, error)
	Bundle(ctx context.Context, id string, actor auth.User) (bundle.Bundle, error)
}

// Readiness reports whether the backing store answers.
type Readiness interface {
	Check(ctx context.Context) error
}

// WorkflowServer is the server API for shopfloor.v1.Workflow. Requests and
// responses are google.protobuf.Struct documents.
type WorkflowServer interface {
	GetWorkItem(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListWorkItems(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetBundle(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Server implements WorkflowServer on top of the engine.
type Server struct {
	engine Engine
	health *health.Server
}

// NewServer creates the gRPC service wrapper.
func NewServer(engine Engine) *Server {
	return &Server{engine: engine, health: health.NewServer()}
}

// Register installs the workflow and health services on gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&WorkflowServiceDesc, s)
	healthpb.RegisterHealthServer(gs, s.health)
}

// WatchReadiness probes r every interval and publishes the result as the
// health status of ServiceName and of the server as a whole. It returns when
// ctx ends, leaving both marked NOT_SERVING.
func (s *Server) WatchReadiness(ctx context.Context, r Readiness, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	probe := func() {
		st := healthpb.HealthCheckResponse_SERVING
		if err := r.Check(ctx); err != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			obs.Logger().Warn().Err(err).Msg("grpc readiness probe failed")
		}
		obs.SetReady(st == healthpb.HealthCheckResponse_SERVING)
		s.health.SetServingStatus("", st)
		s.health.SetServingStatus(ServiceName, st)
	}
	probe()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			probe()
		}
	}
}

func (s *Server) GetWorkItem(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requiredString(req, "id")
	if err != nil {
		return nil, err
	}
	item, err := s.engine.Get(ctx, id, actor(ctx))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(item)
}

func (s *Server) ListWorkItems(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	raw, err := requiredString(req, "stage")
	if err != nil {
		return nil, err
	}
	stage, err := workflow.ParseStage(raw)
	if err != nil {
		return nil, toStatus(err)
	}
	items, err := s.engine.ListByStage(ctx, stage, actor(ctx))
	if err != nil {
		return nil, toStatus(err)
	}
	if items == nil {
		items = []workflow.WorkItem{}
	}
	return toStruct(map[string]any{"items": items})
}

func (s *Server) GetBundle(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requiredString(req, "id")
	if err != nil {
		return nil, err
	}
	b, err := s.engine.Bundle(ctx, id, actor(ctx))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(b)
}

func actor(ctx context.Context) auth.User {
	u, _ := auth.UserFromContext(ctx)
	return u
}

func requiredString(req *structpb.Struct, field string) (string, error) {
	v, ok := req.GetFields()[field]
	if !ok {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", field)
	}
	s := strings.TrimSpace(v.GetStringValue())
	if s == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s must be a non-empty string", field)
	}
	return s, nil
}

// toStruct converts v through its JSON form so field names match the HTTP API.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return out, nil
}

// WorkflowServiceDesc is the hand-maintained descriptor of shopfloor.v1.Workflow.
var WorkflowServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WorkflowServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetWorkItem", Handler: unary("GetWorkItem", WorkflowServer.GetWorkItem)},
		{MethodName: "ListWorkItems", Handler: unary("ListWorkItems", WorkflowServer.ListWorkItems)},
		{MethodName: "GetBundle", Handler: unary("GetBundle", WorkflowServer.GetBundle)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "shopfloor/v1/workflow.proto",
}

func unary(method string, call func(WorkflowServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := fmt.Sprintf("/%s/%s", ServiceName, method)
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(WorkflowServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(WorkflowServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

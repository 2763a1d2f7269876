// Package server exposes a running simulation over gRPC.
//
// The outbreak.v1.Simulation service is declared by hand with well-known
// protobuf types (emptypb.Empty in, structpb.Struct out), so no generated
// code is required:
//
//	service Simulation {
//	  rpc Status(google.protobuf.Empty) returns (google.protobuf.Struct);
//	  rpc Pause(google.protobuf.Empty) returns (google.protobuf.Struct);
//	  rpc Resume(google.protobuf.Empty) returns (google.protobuf.Struct);
//	}
package server

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/outbreak-sim/internal/controller"
)

// logger 於呼叫時取得 slog.Default()，CLI 啟動後安裝的 handler 才會生效
func logger() *slog.Logger { return slog.Default() }

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "outbreak.v1.Simulation"

// SimulationServer is the server API for the Simulation service.
type SimulationServer interface {
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Pause(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Resume(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// ServiceDesc describes the Simulation service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SimulationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: unaryHandler("Status", SimulationServer.Status)},
		{MethodName: "Pause", Handler: unaryHandler("Pause", SimulationServer.Pause)},
		{MethodName: "Resume", Handler: unaryHandler("Resume", SimulationServer.Resume)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "outbreak/v1/simulation.proto",
}

type unaryMethod func(SimulationServer, context.Context, *emptypb.Empty) (*structpb.Struct, error)

func unaryHandler(name string, call unaryMethod) grpc.MethodHandler {
	fullMethod := "/" + ServiceName + "/" + name
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SimulationServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(SimulationServer), ctx, req.(*emptypb.Empty))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Register attaches srv to a grpc.Server.
func Register(s grpc.ServiceRegistrar, srv SimulationServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// NewGRPCServer returns a grpc.Server with the Simulation service and request
// logging installed.
func NewGRPCServer(srv SimulationServer, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(LoggingInterceptor))
	s := grpc.NewServer(opts...)
	Register(s, srv)
	return s
}

// LoggingInterceptor logs every unary call with its duration and status code.
func LoggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	logger().Debug("gRPC call",
		"method", info.FullMethod,
		"code", status.Code(err).String(),
		"duration", time.Since(start))
	return resp, err
}

// ============================================================================
// Server
// ============================================================================

// Simulation is the subset of the controller the service needs.
type Simulation interface {
	Status() controller.Status
	Pause()
	Resume()
}

// Server implements SimulationServer on top of a controller.
type Server struct {
	sim Simulation
}

// NewServer creates a new gRPC server instance.
func NewServer(sim Simulation) *Server {
	return &Server{sim: sim}
}

// Status reports the current phase, day and counters.
func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return s.status()
}

// Pause stops the tick loop and returns the resulting status.
func (s *Server) Pause(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s.sim.Pause()
	return s.status()
}

// Resume restarts the tick loop and returns the resulting status.
func (s *Server) Resume(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s.sim.Resume()
	return s.status()
}

func (s *Server) status() (*structpb.Struct, error) {
	out, err := StatusStruct(s.sim.Status())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return out, nil
}

// StatusStruct converts a controller status into a protobuf Struct. The seed
// is encoded as a decimal string since Struct numbers are doubles.
func StatusStruct(st controller.Status) (*structpb.Struct, error) {
	fields := map[string]any{
		"phase":              string(st.Phase),
		"day":                st.Day,
		"paused":             st.Paused,
		"restored":           st.Restored,
		"seed":               strconv.FormatUint(st.Seed, 10),
		"total_infected":     st.Counts.TotalInfected,
		"currently_infected": st.Counts.CurrentlyInfected,
		"recovered":          st.Counts.Recovered,
		"deaths":             st.Counts.Deaths,
		"exposed":            st.Counts.ExposedAfter,
		"pending_outcomes":   st.Pending,
		"last_seq":           st.LastSeq,
		"uptime_seconds":     st.Uptime.Seconds(),
	}
	if st.Error != "" {
		fields["error"] = st.Error
	}
	return structpb.NewStruct(fields)
}

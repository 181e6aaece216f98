// Package rpcserver adapts the spec.md §6 RPC surface to
// ApplicationManager commands over gRPC, mapping the spec.md §7 error
// taxonomy to gRPC status codes.
//
// This control plane is intentionally proto-free: pst-stat-core ships as
// a single statically-built binary with no protoc step in its build, so
// request/response messages are plain Go structs carried over a JSON
// encoding.Codec, forced server-wide via grpc.ForceServerCodec (and
// client-side via grpc.ForceCodec) instead of generated protobuf
// bindings. The wire shape this produces is the same length-prefixed
// gRPC framing grpc-go always uses; only the per-message encoding
// differs from a protoc-gen-go deployment. See DESIGN.md for the
// grounding and trade-off notes.
package rpcserver

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ska-telescope/pst-stat-go/internal/appmgr"
	"github.com/ska-telescope/pst-stat-go/internal/filename"
	"github.com/ska-telescope/pst-stat-go/internal/header"
	"github.com/ska-telescope/pst-stat-go/internal/publish/scalar"
	"github.com/ska-telescope/pst-stat-go/internal/segment"
)

const jsonCodecName = "json"

// jsonCodec implements grpc/encoding.Codec over plain Go structs, used
// in place of generated protobuf messages (see package doc).
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return jsonCodecName }

// HeaderMessage carries an AsciiHeader's raw wire text across the RPC
// boundary (spec.md §4.7 Raw()/ParseRaw()).
type HeaderMessage struct {
	Raw string `json:"raw"`
}

// StateMessage reports the ApplicationManager's current state and, when
// in RuntimeError, the captured cause.
type StateMessage struct {
	State string `json:"state"`
	Cause string `json:"cause,omitempty"`
}

// Empty is the request/response message for commands that carry no
// payload (deconfigure_beam, stop_scan, reset, ...).
type Empty struct{}

// MonitorDataMessage is the RPC form of scalar.Snapshot (get_monitor_data).
type MonitorDataMessage struct {
	Snapshot scalar.Snapshot `json:"snapshot"`
}

// LogLevelMessage sets the process-wide log verbosity (spec.md §6 `-v`/`-vv`).
type LogLevelMessage struct {
	Level string `json:"level"`
}

// Server adapts appmgr.Manager to the gRPC surface of spec.md §6.
type Server struct {
	manager   *appmgr.Manager
	scalarPub *scalar.Publisher
	setLevel  func(level string) error
}

// New constructs a Server bound to manager and scalarPub. setLevel, if
// non-nil, backs the set_log_level RPC.
func New(manager *appmgr.Manager, scalarPub *scalar.Publisher, setLevel func(level string) error) *Server {
	return &Server{manager: manager, scalarPub: scalarPub, setLevel: setLevel}
}

// NewGRPCServer constructs a *grpc.Server with the JSON codec forced
// server-wide and srv registered as the StatController service.
func NewGRPCServer(srv *Server, extra ...grpc.ServerOption) *grpc.Server {
	opts := append([]grpc.ServerOption{grpc.ForceServerCodec(jsonCodec{})}, extra...)
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&serviceDesc, srv)
	return gs
}

func errToStatus(err error) error {
	if err == nil {
		return nil
	}
	switch err.(type) {
	case *appmgr.InvalidTransitionError:
		return status.Error(codes.FailedPrecondition, err.Error())
	case *appmgr.ValidationError:
		return status.Error(codes.InvalidArgument, err.Error())
	case *header.MissingFieldError, *header.ParseErrorT:
		return status.Error(codes.InvalidArgument, err.Error())
	case *segment.TimeoutError:
		return status.Error(codes.DeadlineExceeded, err.Error())
	case *filename.BadTelescopeError:
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func (s *Server) ConfigureBeam(ctx context.Context, req *HeaderMessage) (*Empty, error) {
	h := header.ParseRaw(req.Raw)
	if err := s.manager.ConfigureBeam(ctx, h); err != nil {
		return nil, errToStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) ValidateConfigureBeam(_ context.Context, req *HeaderMessage) (*Empty, error) {
	h := header.ParseRaw(req.Raw)
	if err := s.manager.ValidateConfigureBeam(h); err != nil {
		return nil, errToStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) DeconfigureBeam(_ context.Context, _ *Empty) (*Empty, error) {
	if err := s.manager.DeconfigureBeam(); err != nil {
		return nil, errToStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) GetBeamConfiguration(_ context.Context, _ *Empty) (*HeaderMessage, error) {
	h, err := s.manager.GetBeamConfiguration()
	if err != nil {
		return nil, errToStatus(err)
	}
	return &HeaderMessage{Raw: h.Raw()}, nil
}

func (s *Server) ConfigureScan(_ context.Context, req *HeaderMessage) (*Empty, error) {
	h := header.ParseRaw(req.Raw)
	if err := s.manager.ConfigureScan(h); err != nil {
		return nil, errToStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) ValidateConfigureScan(_ context.Context, req *HeaderMessage) (*Empty, error) {
	h := header.ParseRaw(req.Raw)
	if err := s.manager.ValidateConfigureScan(h); err != nil {
		return nil, errToStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) DeconfigureScan(_ context.Context, _ *Empty) (*Empty, error) {
	if err := s.manager.DeconfigureScan(); err != nil {
		return nil, errToStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) GetScanConfiguration(_ context.Context, _ *Empty) (*HeaderMessage, error) {
	h, err := s.manager.GetScanConfiguration()
	if err != nil {
		return nil, errToStatus(err)
	}
	return &HeaderMessage{Raw: h.Raw()}, nil
}

func (s *Server) StartScan(_ context.Context, req *HeaderMessage) (*Empty, error) {
	h := header.ParseRaw(req.Raw)
	if err := s.manager.StartScan(h); err != nil {
		return nil, errToStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) ValidateStartScan(_ context.Context, req *HeaderMessage) (*Empty, error) {
	h := header.ParseRaw(req.Raw)
	if err := s.manager.ValidateStartScan(h); err != nil {
		return nil, errToStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) StopScan(_ context.Context, _ *Empty) (*Empty, error) {
	if err := s.manager.StopScan(); err != nil {
		return nil, errToStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) Reset(_ context.Context, _ *Empty) (*Empty, error) {
	if err := s.manager.Reset(); err != nil {
		return nil, errToStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) Abort(_ context.Context, _ *Empty) (*Empty, error) {
	s.manager.Abort()
	return &Empty{}, nil
}

func (s *Server) GoToFault(_ context.Context, req *StateMessage) (*Empty, error) {
	s.manager.GoToFault(fmt.Errorf("rpcserver: operator fault injection: %s", req.Cause))
	return &Empty{}, nil
}

func (s *Server) GetMonitorData(_ context.Context, _ *Empty) (*MonitorDataMessage, error) {
	if !s.scalarPub.HasData() {
		return nil, status.Error(codes.Unavailable, "no scalar statistics have been published yet")
	}
	return &MonitorDataMessage{Snapshot: s.scalarPub.Get()}, nil
}

func (s *Server) SetLogLevel(_ context.Context, req *LogLevelMessage) (*Empty, error) {
	if s.setLevel == nil {
		return nil, status.Error(codes.Unimplemented, "set_log_level is not configured")
	}
	if err := s.setLevel(req.Level); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return &Empty{}, nil
}

func (s *Server) GetState(_ context.Context, _ *Empty) (*StateMessage, error) {
	st := s.manager.State()
	msg := &StateMessage{State: st.String()}
	if st == appmgr.RuntimeError {
		if cause := s.manager.Cause(); cause != nil {
			msg.Cause = cause.Error()
		}
	}
	return msg, nil
}

// --- hand-rolled service descriptor (no protoc step, see package doc) ---

// unaryHandler adapts one Server method to grpc.MethodDesc's Handler
// signature without per-method boilerplate, using generics in place of
// what protoc-gen-go-grpc would otherwise generate.
func unaryHandler[Req any, Resp any](method func(*Server, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(*Server)
		if interceptor == nil {
			return method(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fmt.Sprintf("/pststat.v1.StatController/%T", *in)}
		handler := func(ctx context.Context, req any) (any, error) {
			return method(s, ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "pststat.v1.StatController",
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ConfigureBeam", Handler: unaryHandler((*Server).ConfigureBeam)},
		{MethodName: "ValidateConfigureBeam", Handler: unaryHandler((*Server).ValidateConfigureBeam)},
		{MethodName: "DeconfigureBeam", Handler: unaryHandler((*Server).DeconfigureBeam)},
		{MethodName: "GetBeamConfiguration", Handler: unaryHandler((*Server).GetBeamConfiguration)},
		{MethodName: "ConfigureScan", Handler: unaryHandler((*Server).ConfigureScan)},
		{MethodName: "ValidateConfigureScan", Handler: unaryHandler((*Server).ValidateConfigureScan)},
		{MethodName: "DeconfigureScan", Handler: unaryHandler((*Server).DeconfigureScan)},
		{MethodName: "GetScanConfiguration", Handler: unaryHandler((*Server).GetScanConfiguration)},
		{MethodName: "StartScan", Handler: unaryHandler((*Server).StartScan)},
		{MethodName: "ValidateStartScan", Handler: unaryHandler((*Server).ValidateStartScan)},
		{MethodName: "StopScan", Handler: unaryHandler((*Server).StopScan)},
		{MethodName: "Reset", Handler: unaryHandler((*Server).Reset)},
		{MethodName: "Abort", Handler: unaryHandler((*Server).Abort)},
		{MethodName: "GoToFault", Handler: unaryHandler((*Server).GoToFault)},
		{MethodName: "GetMonitorData", Handler: unaryHandler((*Server).GetMonitorData)},
		{MethodName: "SetLogLevel", Handler: unaryHandler((*Server).SetLogLevel)},
		{MethodName: "GetState", Handler: unaryHandler((*Server).GetState)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/rpcserver/rpcserver.go",
}

// Package rpc serves the capture service over gRPC. Messages are plain Go
// structs carried by a JSON codec.
package rpc

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/nomoresecretz/pktscope/common/errors"
	"github.com/nomoresecretz/pktscope/common/record"
	"github.com/nomoresecretz/pktscope/server"
	"github.com/nomoresecretz/pktscope/server/feed"
)

const ServiceName = "pktscope.Capture"

// Backend is the capture service the RPCs are served from.
type Backend interface {
	Start(device string) (server.State, bool, error)
	Stop() server.State
	Status() server.Status
	Recent(limit int) []record.Record
	Get(id string) (record.Record, error)
	Context(id string, before, after int) ([]record.Record, error)
	Follow(info string) (*feed.Client, func())
	Diagnostics() server.Diagnostics
}

// CaptureServer is the server API for the capture service.
type CaptureServer interface {
	Start(context.Context, *StartRequest) (*ControlReply, error)
	Stop(context.Context, *StopRequest) (*ControlReply, error)
	Status(context.Context, *StatusRequest) (*server.Status, error)
	Recent(context.Context, *RecentRequest) (*RecordsReply, error)
	Get(context.Context, *GetRequest) (*record.Record, error)
	Context(context.Context, *ContextRequest) (*RecordsReply, error)
	Diagnostics(context.Context, *DiagnosticsRequest) (*server.Diagnostics, error)
	Follow(*FollowRequest, grpc.ServerStream) error
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CaptureServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Start", CaptureServer.Start),
		unary("Stop", CaptureServer.Stop),
		unary("Status", CaptureServer.Status),
		unary("Recent", CaptureServer.Recent),
		unary("Get", CaptureServer.Get),
		unary("Context", CaptureServer.Context),
		unary("Diagnostics", CaptureServer.Diagnostics),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Follow",
			Handler:       followHandler,
			ServerStreams: true,
		},
	},
	Metadata: "pktscope/capture",
}

// Register adds the capture service backed by b to s.
func Register(s grpc.ServiceRegistrar, b Backend) {
	s.RegisterService(&ServiceDesc, &Server{b: b})
}

func unary[Req, Resp any](method string, fn func(CaptureServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + method

	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}

			if interceptor == nil {
				return fn(srv.(CaptureServer), ctx, in)
			}

			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod,
			}

			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(srv.(CaptureServer), ctx, req.(*Req))
			})
		},
	}
}

func followHandler(srv any, stream grpc.ServerStream) error {
	in := new(FollowRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}

	return srv.(CaptureServer).Follow(in, stream)
}

// Server implements CaptureServer on top of a Backend.
type Server struct {
	b Backend
}

func (s *Server) Start(_ context.Context, r *StartRequest) (*ControlReply, error) {
	st, started, err := s.b.Start(r.Device)
	if err != nil {
		return nil, toStatus(err)
	}

	return &ControlReply{Started: started, State: st}, nil
}

func (s *Server) Stop(context.Context, *StopRequest) (*ControlReply, error) {
	return &ControlReply{State: s.b.Stop()}, nil
}

func (s *Server) Status(context.Context, *StatusRequest) (*server.Status, error) {
	st := s.b.Status()

	return &st, nil
}

func (s *Server) Recent(_ context.Context, r *RecentRequest) (*RecordsReply, error) {
	return &RecordsReply{Records: s.b.Recent(r.Limit)}, nil
}

func (s *Server) Get(_ context.Context, r *GetRequest) (*record.Record, error) {
	rec, err := s.b.Get(r.ID)
	if err != nil {
		return nil, toStatus(err)
	}

	return &rec, nil
}

func (s *Server) Context(_ context.Context, r *ContextRequest) (*RecordsReply, error) {
	rs, err := s.b.Context(r.ID, r.Before, r.After)
	if err != nil {
		return nil, toStatus(err)
	}

	return &RecordsReply{Records: rs}, nil
}

func (s *Server) Diagnostics(context.Context, *DiagnosticsRequest) (*server.Diagnostics, error) {
	d := s.b.Diagnostics()

	return &d, nil
}

// Follow streams every newly stored record until the client goes away or
// the service shuts down.
func (s *Server) Follow(_ *FollowRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()

	var clientTag string
	if p, ok := peer.FromContext(ctx); ok {
		clientTag = p.Addr.String()
	}

	c, done := s.b.Follow(clientTag)
	defer done()

	for {
		select {
		case <-ctx.Done():
			return nil
		case rec, ok := <-c.Handle:
			if !ok {
				return nil
			}

			if err := stream.SendMsg(&rec); err != nil {
				slog.Debug("follow send failed", "client", clientTag, "error", err)

				return err
			}
		}
	}
}

// toStatus maps an error kind onto a gRPC status.
func toStatus(err error) error {
	switch errors.GetKind(err) {
	case errors.KindNotFound:
		return status.Error(codes.NotFound, err.Error())
	case errors.KindValidation:
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.KindPermission:
		return status.Error(codes.PermissionDenied, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// Package rpc exposes the detection stream over gRPC.
//
// The service uses only well-known protobuf types so no generated code is
// needed:
//
//	service TrackCast {
//	  rpc Subscribe(google.protobuf.Empty) returns (stream google.protobuf.BytesValue);
//	  rpc Detect(google.protobuf.BytesValue) returns (google.protobuf.BytesValue);
//	}
//
// Every streamed BytesValue is one JSON wire message; Detect takes a JSON
// detection list and answers with the JSON sealed envelope.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"TrackCastServer/broadcast"
	"TrackCastServer/engine"
	"TrackCastServer/logger"
	"TrackCastServer/monitor"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName     = "trackcast.v1.TrackCast"
	SubscribeMethod = "/" + ServiceName + "/Subscribe"
	DetectMethod    = "/" + ServiceName + "/Detect"
)

// TrackCastServer is the server API for the TrackCast service.
type TrackCastServer interface {
	Subscribe(*emptypb.Empty, grpc.ServerStream) error
	Detect(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

func _Detect_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TrackCastServer).Detect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DetectMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TrackCastServer).Detect(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Subscribe_Handler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(TrackCastServer).Subscribe(in, stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TrackCastServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Detect", Handler: _Detect_Handler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: _Subscribe_Handler, ServerStreams: true},
	},
	Metadata: "trackcast.proto",
}

func RegisterTrackCastServer(s grpc.ServiceRegistrar, srv TrackCastServer) {
	s.RegisterService(&serviceDesc, srv)
}

type Server struct {
	engine  *engine.Engine
	hub     *broadcast.Hub
	queue   int
	metrics *monitor.Metrics
	log     *zap.Logger
}

func NewServer(e *engine.Engine, hub *broadcast.Hub, queueSize int, metrics *monitor.Metrics) *Server {
	if metrics == nil {
		metrics = monitor.New()
	}
	return &Server{
		engine:  e,
		hub:     hub,
		queue:   queueSize,
		metrics: metrics,
		log:     logger.Named("grpc"),
	}
}

// Subscribe registers the stream as a subscriber and forwards messages until
// the client goes away or the subscriber is pruned.
func (s *Server) Subscribe(_ *emptypb.Empty, stream grpc.ServerStream) error {
	s.metrics.Requests.WithLabelValues("grpc", "Subscribe").Inc()
	sub := broadcast.NewQueueSubscriber(s.queue)
	if err := s.hub.Connect(sub); err != nil {
		return status.Errorf(codes.Unavailable, "connect: %v", err)
	}
	defer s.hub.Disconnect(sub.ID())

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done():
			return nil
		case msg := <-sub.Messages():
			if err := stream.SendMsg(wrapperspb.Bytes(msg)); err != nil {
				s.log.Debug("subscriber stream send failed", zap.String("id", sub.ID()), zap.Error(err))
				return err
			}
		}
	}
}

func (s *Server) Detect(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	s.metrics.Requests.WithLabelValues("grpc", "Detect").Inc()
	dets, err := engine.ParseDetections(req.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	out, err := s.engine.Do(ctx, engine.Frame{Detections: dets, Reduced: true, Source: "grpc"})
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, status.FromContextError(err).Err()
		case errors.Is(err, engine.ErrEngineStopped):
			return nil, status.Error(codes.Unavailable, err.Error())
		default:
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
	}
	data, err := json.Marshal(out.Sealed)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "marshal sealed envelope: %v", err)
	}
	return wrapperspb.Bytes(data), nil
}

// StartGRPCServer listens on port and serves in the background.
func StartGRPCServer(port int, srv TrackCastServer) (*grpc.Server, error) {
	addr := fmt.Sprintf(":%d", port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	s := grpc.NewServer()
	RegisterTrackCastServer(s, srv)
	go func() {
		logger.Log().Info("gRPC server listening", zap.String("addr", addr))
		if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Log().Error("gRPC server stopped", zap.Error(err))
		}
	}()
	return s, nil
}

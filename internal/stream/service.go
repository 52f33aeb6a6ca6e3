package stream

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// WatchMethod is the full gRPC method name of the tick stream.
const WatchMethod = "/pilot.TickStream/Watch"

var errTooManyClients = status.Error(codes.ResourceExhausted, "too many watchers")

// TickStreamServer is the server API for pilot.TickStream.
type TickStreamServer interface {
	Watch(*emptypb.Empty, grpc.ServerStream) error
}

// ServiceDesc describes pilot.TickStream. The messages are well-known
// types, so no generated code is needed.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "pilot.TickStream",
	HandlerType: (*TickStreamServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "pilot/tickstream.proto",
}

func watchHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(emptypb.Empty)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(TickStreamServer).Watch(req, stream)
}

type tickStreamServer struct {
	p *Publisher
}

func (s *tickStreamServer) Watch(_ *emptypb.Empty, stream grpc.ServerStream) error {
	w, err := s.p.addClient()
	if err != nil {
		return err
	}
	defer s.p.removeClient(w.id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.p.stopCh:
			return nil
		case msg := <-w.ticks:
			if err := stream.SendMsg(msg); err != nil {
				logf("watcher %s: send: %v", w.id, err)
				return err
			}
		}
	}
}

// Subscription receives ticks from a remote Publisher.
type Subscription struct {
	stream grpc.ClientStream
}

// Watch opens a tick subscription on cc. Cancel ctx to end it.
func Watch(ctx context.Context, cc grpc.ClientConnInterface) (*Subscription, error) {
	stream, err := cc.NewStream(ctx, &ServiceDesc.Streams[0], WatchMethod)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &Subscription{stream: stream}, nil
}

// Recv blocks for the next tick. It returns io.EOF once the server ends the
// stream.
func (s *Subscription) Recv() (*structpb.Struct, error) {
	msg := new(structpb.Struct)
	if err := s.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// IsResourceExhausted reports whether err is the watcher limit rejection.
func IsResourceExhausted(err error) bool {
	return status.Code(err) == codes.ResourceExhausted
}

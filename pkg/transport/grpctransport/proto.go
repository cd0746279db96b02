// Package grpctransport is a concrete transport.Transport over a
// hand-registered gRPC bidirectional streaming service: one stream per
// LogicalConnection, framed with wrapperspb.BytesValue instead of a
// protoc-generated message, so the wire envelope stays a real protobuf
// value without requiring a generated api/v1 package.
package grpctransport

import (
	"context"

	"google.golang.org/grpc"
)

const (
	serviceName      = "linkmesh.transport.Channel"
	streamMethodName = "Stream"
	streamFullMethod = "/" + serviceName + "/" + streamMethodName
)

// tunnelServer is the interface our hand-built grpc.ServiceDesc dispatches
// to. Unlike protoc-generated code this is the only interface in the
// service; there is exactly one streaming method.
type tunnelServer interface {
	Stream(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*tunnelServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    streamMethodName,
			Handler:       streamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "pkg/transport/grpctransport/channel",
}

func streamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(tunnelServer).Stream(stream)
}

// openClientStream opens the client half of the bidi stream the same way
// pre-generics grpc codegen built a stream client: directly off the
// ClientConn, naming the method by its full path.
func openClientStream(ctx context.Context, cc *grpc.ClientConn) (grpc.ClientStream, error) {
	desc := &grpc.StreamDesc{
		StreamName:    streamMethodName,
		ServerStreams: true,
		ClientStreams: true,
	}
	return cc.NewStream(ctx, desc, streamFullMethod)
}
